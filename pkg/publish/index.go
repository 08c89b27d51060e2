// Package publish renders snapshot and rollup indexes and keeps the
// compliance-status section of the verification document current.
package publish

import (
	"fmt"
	"path"
	"strings"

	"github.com/tbowman01/shared-github-actions/pkg/canonicalize"
	"github.com/tbowman01/shared-github-actions/pkg/controlmap"
	"github.com/tbowman01/shared-github-actions/pkg/evidence"
	"github.com/tbowman01/shared-github-actions/pkg/ledger"
	"github.com/tbowman01/shared-github-actions/pkg/posture"
)

// Index file names, written into every snapshot and rollup.
const (
	IndexMarkdown = "INDEX.md"
	IndexJSON     = "index.json"
)

type ArtifactEntry struct {
	Name    string `json:"name"`
	Present bool   `json:"present"`
	Records int    `json:"records"`
	Raw     string `json:"raw,omitempty"`
	Table   string `json:"table,omitempty"`
}

type ControlEntry struct {
	ID       string   `json:"id"`
	Evidence []string `json:"evidence"`
	Pending  bool     `json:"pending"`
}

type FrameworkEntry struct {
	Framework string         `json:"framework"`
	Version   string         `json:"version"`
	Audit     string         `json:"audit"`
	Controls  []ControlEntry `json:"controls"`
}

// SnapshotIndexDoc is index.json of a snapshot. Links are relative to the
// snapshot directory.
type SnapshotIndexDoc struct {
	Date       string             `json:"date"`
	ISOWeek    string             `json:"iso_week"`
	ISOMonth   string             `json:"iso_month"`
	Drift      posture.Drift      `json:"drift"`
	Artifacts  []ArtifactEntry    `json:"artifacts"`
	Frameworks []FrameworkEntry   `json:"frameworks"`
	Warnings   []evidence.Warning `json:"warnings"`
	Posture    string             `json:"posture"`
	OSCAL      string             `json:"oscal"`
}

// BuildSnapshotIndex assembles the index of one snapshot.
func BuildSnapshotIndex(meta evidence.Metadata, summary posture.Summary, mapped *controlmap.Result) SnapshotIndexDoc {
	doc := SnapshotIndexDoc{
		Date:       meta.Date,
		ISOWeek:    meta.ISOWeek,
		ISOMonth:   meta.ISOMonth,
		Drift:      summary.Drift,
		Artifacts:  []ArtifactEntry{},
		Frameworks: []FrameworkEntry{},
		Warnings:   summary.Warnings,
		Posture:    ledger.PostureFile,
		OSCAL:      ledger.OSCALFile,
	}
	for _, a := range summary.Artifacts {
		e := ArtifactEntry{Name: a.Name, Present: a.Present, Records: a.Records}
		if a.Present {
			e.Raw = ledger.ArtifactPath(a.Name + ".json")
			e.Table = ledger.TablePath(a.Name)
		}
		doc.Artifacts = append(doc.Artifacts, e)
	}
	for _, fw := range mapped.Frameworks {
		fe := FrameworkEntry{
			Framework: fw.Framework,
			Version:   fw.Version,
			Audit:     path.Join(ledger.ControlsDir, fw.Framework, ledger.AuditFile),
			Controls:  []ControlEntry{},
		}
		for _, c := range fw.Controls {
			ce := ControlEntry{ID: c.ID, Evidence: []string{}, Pending: c.Pending()}
			for _, cp := range c.Copies {
				ce.Evidence = append(ce.Evidence, cp.Destination)
			}
			fe.Controls = append(fe.Controls, ce)
		}
		doc.Frameworks = append(doc.Frameworks, fe)
	}
	return doc
}

// JSON renders index.json.
func (d SnapshotIndexDoc) JSON() ([]byte, error) { return canonicalize.Pretty(d) }

// Markdown renders INDEX.md.
func (d SnapshotIndexDoc) Markdown() []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "# Evidence snapshot %s\n\n", d.Date)
	fmt.Fprintf(&b, "- ISO week: [%s](../../rollups/weekly/%s/%s)\n", d.ISOWeek, d.ISOWeek, IndexMarkdown)
	fmt.Fprintf(&b, "- ISO month: [%s](../../rollups/monthly/%s/%s)\n", d.ISOMonth, d.ISOMonth, IndexMarkdown)
	fmt.Fprintf(&b, "- Policy drift check: %s\n", driftLine(d.Drift))
	fmt.Fprintf(&b, "- Posture: [%s](%s), OSCAL: [%s](%s)\n\n", d.Posture, d.Posture, d.OSCAL, d.OSCAL)

	b.WriteString("## Artifacts\n\n| Artifact | Raw | Table | Records |\n|---|---|---|---|\n")
	for _, a := range d.Artifacts {
		if !a.Present {
			fmt.Fprintf(&b, "| %s | _absent_ | | |\n", a.Name)
			continue
		}
		fmt.Fprintf(&b, "| %s | [json](%s) | [csv](%s) | %d |\n", a.Name, a.Raw, a.Table, a.Records)
	}

	for _, fw := range d.Frameworks {
		evidenced := 0
		for _, c := range fw.Controls {
			if !c.Pending {
				evidenced++
			}
		}
		fmt.Fprintf(&b, "\n## %s (v%s): %d/%d controls evidenced\n\n", fw.Framework, fw.Version, evidenced, len(fw.Controls))
		fmt.Fprintf(&b, "Traceability: [%s](%s)\n\n| Control | Evidence |\n|---|---|\n", path.Base(fw.Audit), fw.Audit)
		for _, c := range fw.Controls {
			if c.Pending {
				fmt.Fprintf(&b, "| %s | _pending: not yet automated_ |\n", c.ID)
				continue
			}
			links := make([]string, len(c.Evidence))
			for i, e := range c.Evidence {
				links[i] = fmt.Sprintf("[%s](%s)", path.Base(e), e)
			}
			fmt.Fprintf(&b, "| %s | %s |\n", c.ID, strings.Join(links, "<br>"))
		}
	}

	if len(d.Warnings) > 0 {
		b.WriteString("\n## Warnings\n\n")
		for _, w := range d.Warnings {
			fmt.Fprintf(&b, "- %s (%s): %s\n", w.Artifact, w.Stage, w.Message)
		}
	}
	return []byte(b.String())
}

func driftLine(d posture.Drift) string {
	if d.Status == "" {
		return "not run"
	}
	if d.BaselineHash == "" {
		return fmt.Sprintf("%s (no baseline `%s` seeded yet)", d.Status, d.Baseline)
	}
	return fmt.Sprintf("%s against baseline `%s` (`%s`)", d.Status, d.Baseline, shortHash(d.BaselineHash))
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

type RollupArtifact struct {
	Name      string `json:"name"`
	File      string `json:"file"`
	Rows      int    `json:"rows"`
	Snapshots int    `json:"snapshots"`
}

// RollupIndexDoc is index.json of a rollup period.
type RollupIndexDoc struct {
	Cadence   string           `json:"cadence"`
	Key       string           `json:"key"`
	Snapshots []string         `json:"snapshots"`
	Artifacts []RollupArtifact `json:"artifacts"`
}

// JSON renders index.json.
func (d RollupIndexDoc) JSON() ([]byte, error) { return canonicalize.Pretty(d) }

// Markdown renders INDEX.md.
func (d RollupIndexDoc) Markdown() []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s rollup %s\n\n", titleCase(d.Cadence), d.Key)
	if len(d.Snapshots) == 0 {
		b.WriteString("No snapshots fall in this period.\n")
		return []byte(b.String())
	}
	b.WriteString("Snapshots:")
	for _, s := range d.Snapshots {
		fmt.Fprintf(&b, " [%s](../../../snapshots/%s/%s)", s, s, IndexMarkdown)
	}
	b.WriteString("\n\n| Artifact | Rows | Snapshots |\n|---|---|---|\n")
	for _, a := range d.Artifacts {
		fmt.Fprintf(&b, "| [%s](%s) | %d | %d |\n", a.Name, a.File, a.Rows, a.Snapshots)
	}
	return []byte(b.String())
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
