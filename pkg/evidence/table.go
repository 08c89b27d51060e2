package evidence

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
)

// Table is the flattened form of an artifact: one row per logical record,
// columns in a stable declared order.
type Table struct {
	Columns []string
	Rows    [][]string
}

// EncodeCSV renders the table as RFC 4180 CSV with a header row and LF line endings.
func (t *Table) EncodeCSV() ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(t.Columns); err != nil {
		return nil, err
	}
	for i, row := range t.Rows {
		if len(row) != len(t.Columns) {
			return nil, fmt.Errorf("row %d has %d cells, want %d", i, len(row), len(t.Columns))
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeCSV parses CSV produced by EncodeCSV.
func DecodeCSV(r io.Reader) (*Table, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = 0
	records, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("decode csv: %w", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("decode csv: missing header")
	}
	return &Table{Columns: records[0], Rows: records[1:]}, nil
}

// Project returns the row re-ordered to the given column set. Columns missing
// from the table yield empty cells.
func (t *Table) Project(row []string, columns []string) []string {
	idx := make(map[string]int, len(t.Columns))
	for i, c := range t.Columns {
		idx[c] = i
	}
	out := make([]string, len(columns))
	for i, c := range columns {
		if j, ok := idx[c]; ok && j < len(row) {
			out[i] = row[j]
		}
	}
	return out
}
