package collector

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/tbowman01/shared-github-actions/pkg/canonicalize"
	"github.com/tbowman01/shared-github-actions/pkg/evidence"
)

// Flatten converts raw records to a table with one row per record and the
// spec's declared column order.
func Flatten(spec Spec, records []map[string]any) (*evidence.Table, error) {
	t := &evidence.Table{Columns: make([]string, len(spec.Columns))}
	for i, c := range spec.Columns {
		t.Columns[i] = c.Header
	}
	t.Rows = make([][]string, 0, len(records))
	for n, rec := range records {
		row := make([]string, len(spec.Columns))
		for i, c := range spec.Columns {
			cell, err := cellString(lookup(rec, c.Path))
			if err != nil {
				return nil, fmt.Errorf("%s record %d column %s: %w", spec.Name, n, c.Header, err)
			}
			row[i] = cell
		}
		t.Rows = append(t.Rows, row)
	}
	return t, nil
}

// lookup walks a dotted path through nested objects.
func lookup(rec map[string]any, path string) any {
	var cur any = rec
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[part]
	}
	return cur
}

func cellString(v any) (string, error) {
	switch t := v.(type) {
	case nil:
		return "", nil
	case string:
		return t, nil
	case bool:
		if t {
			return "true", nil
		}
		return "false", nil
	case json.Number:
		return t.String(), nil
	case int:
		return fmt.Sprint(t), nil
	case []any:
		parts := make([]string, len(t))
		for i, elem := range t {
			s, err := cellString(elem)
			if err != nil {
				return "", err
			}
			parts[i] = s
		}
		return strings.Join(parts, ";"), nil
	default:
		b, err := canonicalize.JCS(canonicalize.QuoteInexact(t))
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
}

func sortStrings(s []string) { sort.Strings(s) }
