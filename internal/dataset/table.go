// Package dataset holds the in-memory tabular shape shared by the REDCap
// client, the CSV parser and the storage backends.
package dataset

import (
	"fmt"
)

// Table is one parsed export: named columns in header order and rows aligned
// to them.
//
// Cell values are either string or nil. The CSV parser maps empty fields to
// nil so backends persist them as SQL NULL.
type Table struct {
	Columns []string
	Rows    [][]any
}

// Len returns the number of data rows.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.Rows)
}

// ColumnIndex returns the position of name in Columns.
//
// Matching is exact (case-sensitive) because REDCap raw headers are used
// verbatim as destination column names.
func (t *Table) ColumnIndex(name string) (int, bool) {
	if t == nil {
		return -1, false
	}
	for i, c := range t.Columns {
		if c == name {
			return i, true
		}
	}
	return -1, false
}

// Strings returns the values of one column as strings, in row order.
// nil cells become "".
//
// Errors:
//   - Returns an error if the column does not exist.
func (t *Table) Strings(name string) ([]string, error) {
	idx, ok := t.ColumnIndex(name)
	if !ok {
		return nil, fmt.Errorf("dataset: missing column %q", name)
	}
	out := make([]string, len(t.Rows))
	for i, row := range t.Rows {
		out[i] = cellString(row, idx)
	}
	return out, nil
}

// Distinct returns the unique non-empty values of a column in first-seen order.
func (t *Table) Distinct(name string) ([]string, error) {
	vals, err := t.Strings(name)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(vals))
	out := make([]string, 0, len(vals))
	for _, v := range vals {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out, nil
}

func cellString(row []any, idx int) string {
	if idx >= len(row) || row[idx] == nil {
		return ""
	}
	switch v := row[idx].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return fmt.Sprint(v)
	}
}
