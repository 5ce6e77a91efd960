package csv

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"redcapetl/internal/dataset"
)

// ErrNoHeader is returned when the input holds no header record at all.
var ErrNoHeader = errors.New("csv: missing header row")

// Options controls how a REDCap CSV body is read.
type Options struct {
	// Comma is the field delimiter. Zero means ','.
	Comma rune

	// TrimSpace trims leading/trailing whitespace from data cells.
	// Header names are always trimmed.
	TrimSpace bool

	// LazyQuotes relaxes quote handling for hand-edited files.
	LazyQuotes bool
}

// ParseTable reads a CSV body with a header row into a dataset.Table.
//
// Behavior:
//   - The first record is the header. A UTF-8 BOM on the first header cell is
//     dropped; header names are otherwise kept exactly as sent.
//   - Every data record must have as many fields as the header (ragged input
//     is malformed and rejected with the failing line number).
//   - Empty cells become nil.
//
// Errors:
//   - ErrNoHeader when the body is empty.
//   - An error for duplicate or empty header names (they cannot become columns).
//   - ctx.Err() if ctx is cancelled while reading.
func ParseTable(ctx context.Context, src io.Reader, opt Options) (*dataset.Table, error) {
	cr := csv.NewReader(src)
	if opt.Comma != 0 {
		cr.Comma = opt.Comma
	}
	cr.LazyQuotes = opt.LazyQuotes
	// 0 = the header fixes the field count for every following record.
	cr.FieldsPerRecord = 0

	hdr, err := cr.Read()
	if err == io.EOF {
		return nil, ErrNoHeader
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	columns, err := normalizeHeader(hdr)
	if err != nil {
		return nil, err
	}

	t := &dataset.Table{Columns: columns}
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		rec, err := cr.Read()
		if err == io.EOF {
			return t, nil
		}
		if err != nil {
			return nil, fmt.Errorf("csv read: %w", err)
		}

		row := make([]any, len(rec))
		for i, v := range rec {
			if opt.TrimSpace && hasEdgeSpace(v) {
				v = strings.TrimSpace(v)
			}
			if v == "" {
				row[i] = nil
			} else {
				row[i] = v
			}
		}
		t.Rows = append(t.Rows, row)
	}
}

func normalizeHeader(hdr []string) ([]string, error) {
	out := make([]string, len(hdr))
	seen := make(map[string]int, len(hdr))
	for i, h := range hdr {
		if i == 0 {
			h = strings.TrimPrefix(h, "\uFEFF")
		}
		if hasEdgeSpace(h) {
			h = strings.TrimSpace(h)
		}
		if h == "" {
			return nil, fmt.Errorf("csv: header column %d is empty", i+1)
		}
		if prev, ok := seen[h]; ok {
			return nil, fmt.Errorf("csv: duplicate header %q (columns %d and %d)", h, prev+1, i+1)
		}
		seen[h] = i
		out[i] = h
	}
	return out, nil
}

// hasEdgeSpace reports whether s starts or ends with ASCII whitespace, so the
// common case skips strings.TrimSpace entirely.
func hasEdgeSpace(s string) bool {
	if s == "" {
		return false
	}
	return isSpace(s[0]) || isSpace(s[len(s)-1])
}

func isSpace(b byte) bool {
	switch b {
	case ' ', '\t', '\n', '\r', '\v', '\f':
		return true
	}
	return false
}
