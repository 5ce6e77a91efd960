package dataset

import (
	"reflect"
	"testing"
)

func TestDistinct_FirstSeenOrderSkipsEmpty(t *testing.T) {
	t.Parallel()

	tbl := &Table{
		Columns: []string{"field_name", "form_name"},
		Rows: [][]any{
			{"record_id", "baseline"},
			{"age", "baseline"},
			{"visit_date", "followup"},
			{"note", nil},
			{"sex", "baseline"},
			{"ae_term", "adverse_events"},
		},
	}

	got, err := tbl.Distinct("form_name")
	if err != nil {
		t.Fatalf("Distinct: %v", err)
	}
	want := []string{"baseline", "followup", "adverse_events"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Distinct()=%v, want %v", got, want)
	}
}

func TestStrings_MissingColumnErrors(t *testing.T) {
	t.Parallel()

	tbl := &Table{Columns: []string{"a"}}
	if _, err := tbl.Strings("b"); err == nil {
		t.Fatalf("expected error for missing column")
	}
}

func TestLen_NilSafe(t *testing.T) {
	t.Parallel()

	var tbl *Table
	if tbl.Len() != 0 {
		t.Fatalf("nil table Len()=%d, want 0", tbl.Len())
	}
	if _, ok := tbl.ColumnIndex("x"); ok {
		t.Fatalf("nil table must not report columns")
	}
}

func TestFingerprint_StableAndSensitive(t *testing.T) {
	t.Parallel()

	base := &Table{
		Columns: []string{"record_id", "age"},
		Rows:    [][]any{{"1", "34"}, {"2", nil}},
	}
	same := &Table{
		Columns: []string{"record_id", "age"},
		Rows:    [][]any{{"1", "34"}, {"2", nil}},
	}
	if Fingerprint(base) != Fingerprint(same) {
		t.Fatalf("identical tables must fingerprint identically")
	}
	if len(Fingerprint(base)) != 64 {
		t.Fatalf("fingerprint length=%d, want 64", len(Fingerprint(base)))
	}

	tests := []struct {
		name string
		tbl  *Table
	}{
		{name: "nil_vs_empty", tbl: &Table{Columns: []string{"record_id", "age"}, Rows: [][]any{{"1", "34"}, {"2", ""}}}},
		{name: "row_order", tbl: &Table{Columns: []string{"record_id", "age"}, Rows: [][]any{{"2", nil}, {"1", "34"}}}},
		{name: "header_rename", tbl: &Table{Columns: []string{"record_id", "age_years"}, Rows: [][]any{{"1", "34"}, {"2", nil}}}},
		{name: "extra_row", tbl: &Table{Columns: []string{"record_id", "age"}, Rows: [][]any{{"1", "34"}, {"2", nil}, {"3", "40"}}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if Fingerprint(tc.tbl) == Fingerprint(base) {
				t.Fatalf("fingerprint did not change for %s", tc.name)
			}
		})
	}
}
