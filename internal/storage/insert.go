package storage

import (
	"fmt"
	"strings"
)

// CheckShape validates a ReplaceTable payload before any DDL runs.
//
// Column names are compared case-insensitively because MariaDB and SQL Server
// identifiers are; two CSV headers differing only in case would collide there.
func CheckShape(table string, columns []string, rows [][]any) error {
	if table == "" {
		return fmt.Errorf("storage: table is empty")
	}
	if len(columns) == 0 {
		return fmt.Errorf("storage: %s: no columns", table)
	}
	seen := make(map[string]struct{}, len(columns))
	for _, c := range columns {
		if c == "" {
			return fmt.Errorf("storage: %s: empty column name", table)
		}
		k := strings.ToLower(c)
		if _, dup := seen[k]; dup {
			return fmt.Errorf("storage: %s: duplicate column %q", table, c)
		}
		seen[k] = struct{}{}
	}
	for i, row := range rows {
		if len(row) != len(columns) {
			return fmt.Errorf("storage: %s: row %d has %d values, want %d", table, i, len(row), len(columns))
		}
	}
	return nil
}

// BatchRows returns how many rows fit in one multi-row INSERT given a
// per-statement parameter limit. The result is at least 1 and at most
// maxRows (when maxRows > 0).
func BatchRows(numColumns, maxParams, maxRows int) int {
	if numColumns <= 0 {
		return 1
	}
	n := maxParams / numColumns
	if n < 1 {
		n = 1
	}
	if maxRows > 0 && n > maxRows {
		n = maxRows
	}
	return n
}

// BuildInsertSQL constructs one multi-row INSERT for already-quoted
// identifiers. placeholder renders the n-th (1-based) parameter marker, e.g.
// "?" or "@p1".
func BuildInsertSQL(quotedTable string, quotedColumns []string, rows [][]any, placeholder func(n int) string) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(quotedTable)
	b.WriteString(" (")
	b.WriteString(strings.Join(quotedColumns, ", "))
	b.WriteString(") VALUES ")

	args := make([]any, 0, len(rows)*len(quotedColumns))
	p := 1
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j := range quotedColumns {
			if j > 0 {
				b.WriteString(", ")
			}
			b.WriteString(placeholder(p))
			args = append(args, row[j])
			p++
		}
		b.WriteString(")")
	}
	return b.String(), args
}
