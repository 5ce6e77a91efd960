package storage

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// MaxIdentifierLen is the longest table name produced by TableName: the
// Postgres limit, which is the smallest of the supported engines.
const MaxIdentifierLen = 63

// ErrEmptyTableName is returned when a prefix and form fold to nothing.
var ErrEmptyTableName = errors.New("storage: table name is empty after folding")

// TableName derives the destination table for a form: prefix + form, folded
// to a portable identifier.
//
// Folding strips diacritics (NFD, drop combining marks), lowercases, and
// replaces every byte outside [a-z0-9_] with '_'. The result is at most
// MaxIdentifierLen bytes. The mapping is deterministic, but different forms
// can fold to the same name; callers must detect collisions.
func TableName(prefix, form string) (string, error) {
	if strings.TrimSpace(form) == "" {
		return "", errors.New("storage: empty form name")
	}
	name := foldIdentifier(prefix + form)
	if strings.Trim(name, "_") == "" {
		return "", fmt.Errorf("%w (prefix=%q form=%q)", ErrEmptyTableName, prefix, form)
	}
	if len(name) > MaxIdentifierLen {
		name = name[:MaxIdentifierLen]
	}
	return name, nil
}

var stripMarks = runes.Remove(runes.In(unicode.Mn))

func foldIdentifier(s string) string {
	t := transform.Chain(norm.NFD, stripMarks, norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	folded = strings.ToLower(folded)

	var b strings.Builder
	b.Grow(len(folded))
	for _, r := range folded {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
