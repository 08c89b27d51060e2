// Package posture derives the compliance-posture summary and the OSCAL
// assessment-results projection written into every snapshot.
package posture

import (
	"sort"

	"github.com/tbowman01/shared-github-actions/pkg/controlmap"
	"github.com/tbowman01/shared-github-actions/pkg/evidence"
)

// Drift records the preflight verdict the snapshot was taken under.
type Drift struct {
	Status       string `json:"status"`
	Baseline     string `json:"baseline"`
	BaselineHash string `json:"baseline_hash,omitempty"`
	LiveHash     string `json:"live_hash"`
}

// FrameworkPosture counts control coverage for one framework.
type FrameworkPosture struct {
	Framework       string   `json:"framework"`
	Version         string   `json:"version"`
	Controls        int      `json:"controls"`
	Evidenced       int      `json:"evidenced"`
	Pending         int      `json:"pending"`
	PendingControls []string `json:"pending_controls"`
}

// ArtifactStatus reports one catalog artifact.
type ArtifactStatus struct {
	Name     string `json:"name"`
	Present  bool   `json:"present"`
	Records  int    `json:"records"`
	Optional bool   `json:"optional,omitempty"`
}

// Summary is posture.json.
type Summary struct {
	Date       string             `json:"date"`
	Drift      Drift              `json:"drift"`
	Frameworks []FrameworkPosture `json:"frameworks"`
	Artifacts  []ArtifactStatus   `json:"artifacts"`
	Warnings   []evidence.Warning `json:"warnings"`
}

// Build summarizes one run. The output depends only on its inputs.
func Build(date string, coll *evidence.Collection, mapped *controlmap.Result, drift Drift) Summary {
	s := Summary{
		Date:       date,
		Drift:      drift,
		Frameworks: []FrameworkPosture{},
		Artifacts:  []ArtifactStatus{},
		Warnings:   []evidence.Warning{},
	}
	for _, fw := range mapped.Frameworks {
		pending := fw.PendingControls()
		if pending == nil {
			pending = []string{}
		}
		s.Frameworks = append(s.Frameworks, FrameworkPosture{
			Framework:       fw.Framework,
			Version:         fw.Version,
			Controls:        len(fw.Controls),
			Evidenced:       len(fw.Controls) - len(pending),
			Pending:         len(pending),
			PendingControls: pending,
		})
	}

	for _, name := range coll.Names() {
		a := coll.Artifacts[name]
		s.Artifacts = append(s.Artifacts, ArtifactStatus{Name: name, Present: true, Records: len(a.Records), Optional: a.Optional})
	}
	for _, name := range coll.Absent {
		s.Artifacts = append(s.Artifacts, ArtifactStatus{Name: name, Optional: true})
	}
	sort.Slice(s.Artifacts, func(i, j int) bool { return s.Artifacts[i].Name < s.Artifacts[j].Name })
	s.Warnings = append(s.Warnings, coll.Warnings...)
	return s
}

// Compliant reports whether every control of every framework has evidence.
func (s Summary) Compliant() bool {
	for _, fw := range s.Frameworks {
		if fw.Pending > 0 {
			return false
		}
	}
	return true
}
