package drift

import "sort"

// ChangeType represents the type of a policy field change.
type ChangeType string

const (
	ChangeAdded   ChangeType = "added"
	ChangeRemoved ChangeType = "removed"
	ChangeChanged ChangeType = "changed"
)

// FieldChange is one diverging policy field.
type FieldChange struct {
	Field    string     `json:"field"`
	Type     ChangeType `json:"type"`
	Baseline string     `json:"baseline,omitempty"`
	Live     string     `json:"live,omitempty"`
}

// Diff compares two policies field by field, sorted by field name.
func Diff(baseline, live Policy) []FieldChange {
	a, b := baseline.Fields(), live.Fields()
	keys := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		keys[k] = struct{}{}
	}
	for k := range b {
		keys[k] = struct{}{}
	}
	sorted := make([]string, 0, len(keys))
	for k := range keys {
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)

	changes := []FieldChange{}
	for _, k := range sorted {
		av, inA := a[k]
		bv, inB := b[k]
		switch {
		case inA && !inB:
			changes = append(changes, FieldChange{Field: k, Type: ChangeRemoved, Baseline: av})
		case !inA && inB:
			changes = append(changes, FieldChange{Field: k, Type: ChangeAdded, Live: bv})
		case av != bv:
			changes = append(changes, FieldChange{Field: k, Type: ChangeChanged, Baseline: av, Live: bv})
		}
	}
	return changes
}
