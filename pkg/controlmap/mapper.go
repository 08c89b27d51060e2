package controlmap

import (
	"path"
	"sort"
)

// Copy is one control-tagged copy of an artifact file.
type Copy struct {
	Source      string `json:"source"`
	Destination string `json:"destination"`
}

// ControlEvidence is the evidence grouping of one control.
type ControlEvidence struct {
	ID       string   `json:"id"`
	Patterns []string `json:"patterns"`
	Copies   []Copy   `json:"copies"`
}

// Pending reports whether the control has no automated evidence yet.
func (c ControlEvidence) Pending() bool { return len(c.Copies) == 0 }

// FrameworkEvidence is the fan-out of one mapping table.
type FrameworkEvidence struct {
	Framework string            `json:"framework"`
	Version   string            `json:"version"`
	Controls  []ControlEvidence `json:"controls"`
}

// PendingControls lists controls without evidence, sorted.
func (f FrameworkEvidence) PendingControls() []string {
	var out []string
	for _, c := range f.Controls {
		if c.Pending() {
			out = append(out, c.ID)
		}
	}
	return out
}

// AuditRow is one traceability triple.
type AuditRow struct {
	Framework   string `json:"framework"`
	ControlID   string `json:"control_id"`
	Source      string `json:"source"`
	Destination string `json:"destination"`
}

// Result is the fan-out of every loaded table.
type Result struct {
	Frameworks []FrameworkEvidence `json:"frameworks"`
}

// Audit returns the traceability rows of one framework.
func (f FrameworkEvidence) Audit() []AuditRow {
	var rows []AuditRow
	for _, c := range f.Controls {
		for _, cp := range c.Copies {
			rows = append(rows, AuditRow{Framework: f.Framework, ControlID: c.ID, Source: cp.Source, Destination: cp.Destination})
		}
	}
	return rows
}

// Mapper fans artifacts out to controls. It holds the loaded tables by value
// and never mutates them.
type Mapper struct {
	tables []*Table
}

// NewMapper creates a Mapper over validated tables.
func NewMapper(tables []*Table) *Mapper {
	return &Mapper{tables: tables}
}

// TaggedName is the file name of an artifact copied under a control. The
// control id prefix keeps copies distinct when several controls share an artifact.
func TaggedName(controlID, file string) string {
	return controlID + "__" + file
}

// Destination is the snapshot-relative path of a tagged copy.
func Destination(framework, controlID, file string) string {
	return path.Join("controls", framework, controlID, TaggedName(controlID, file))
}

// Map matches artifact file names against every control's patterns. Each
// framework is mapped independently, so the same artifact may appear under
// controls of several frameworks.
func (m *Mapper) Map(files []string) *Result {
	sorted := append([]string(nil), files...)
	sort.Strings(sorted)

	res := &Result{}
	for _, t := range m.tables {
		fw := FrameworkEvidence{Framework: t.Framework, Version: t.Version}
		for _, id := range t.ControlIDs() {
			patterns := t.Controls[id]
			ce := ControlEvidence{ID: id, Patterns: append([]string(nil), patterns...), Copies: []Copy{}}
			for _, f := range sorted {
				if matchesAny(patterns, f) {
					ce.Copies = append(ce.Copies, Copy{Source: f, Destination: Destination(t.Framework, id, f)})
				}
			}
			fw.Controls = append(fw.Controls, ce)
		}
		res.Frameworks = append(res.Frameworks, fw)
	}
	return res
}

func matchesAny(patterns []string, file string) bool {
	for _, p := range patterns {
		if ok, _ := path.Match(p, file); ok {
			return true
		}
	}
	return false
}
