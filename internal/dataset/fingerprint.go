package dataset

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"strconv"
)

// Fingerprint computes a deterministic SHA-256 over the header and every row
// of t, returned as lowercase hex (length 64).
//
// Two loads of unchanged upstream data produce the same fingerprint, which is
// what the run log prints per table so re-runs can be compared without reading
// the database back.
//
// Canonicalization rules:
//   - Columns, then rows, in order.
//   - Fields are separated by ASCII Unit Separator (0x1f), rows by Record
//     Separator (0x1e).
//   - nil cells are encoded as a single NUL byte so missing differs from "".
//   - The header is prefixed by the column count so a shifted header cannot
//     collide with a row.
func Fingerprint(t *Table) string {
	h := sha256.New()
	if t == nil {
		return hex.EncodeToString(h.Sum(nil))
	}

	writeString(h, strconv.Itoa(len(t.Columns)))
	for _, c := range t.Columns {
		h.Write([]byte{0x1f})
		writeString(h, c)
	}
	for _, row := range t.Rows {
		h.Write([]byte{0x1e})
		for j, v := range row {
			if j > 0 {
				h.Write([]byte{0x1f})
			}
			writeCell(h, v)
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

func writeCell(h hash.Hash, v any) {
	switch x := v.(type) {
	case nil:
		h.Write([]byte{0x00})
	case string:
		writeString(h, x)
	case []byte:
		h.Write(x)
	default:
		writeString(h, cellString([]any{v}, 0))
	}
}

func writeString(h hash.Hash, s string) {
	_, _ = h.Write([]byte(s))
}
