package redcap

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"

	"redcapetl/internal/dataset"
)

func TestExportParams_Exact(t *testing.T) {
	t.Parallel()

	got := ExportParams("TOK", "followup", []string{"visit_1_arm_1", "visit_2_arm_1"})
	want := map[string]string{
		"token":                  "TOK",
		"content":                "record",
		"action":                 "export",
		"format":                 "csv",
		"type":                   "flat",
		"csvDelimiter":           "",
		"rawOrLabel":             "label",
		"rawOrLabelHeaders":      "raw",
		"exportCheckboxLabel":    "false",
		"exportSurveyFields":     "false",
		"exportDataAccessGroups": "true",
		"returnFormat":           "csv",
		"forms[0]":               "followup",
		"events[0]":              "visit_1_arm_1",
		"events[1]":              "visit_2_arm_1",
	}
	if len(got) != len(want) {
		t.Fatalf("got %d params, want %d: %v", len(got), len(want), got)
	}
	for k, v := range want {
		vals, ok := got[k]
		if !ok || len(vals) != 1 || vals[0] != v {
			t.Fatalf("%s = %v, want [%q]", k, vals, v)
		}
	}
}

func TestExportParams_NoEvents(t *testing.T) {
	t.Parallel()

	for _, events := range [][]string{nil, {}} {
		got := ExportParams("TOK", "consent", events)
		for k := range got {
			if strings.HasPrefix(k, "events[") {
				t.Fatalf("unexpected event selector %s", k)
			}
		}
	}
}

// eventSelectors decodes events[i] back into an ordered slice and fails on
// gaps in the index sequence.
func eventSelectors(t *testing.T, v map[string][]string) []string {
	t.Helper()
	var out []string
	for i := 0; ; i++ {
		vals, ok := v[fmt.Sprintf("events[%d]", i)]
		if !ok {
			break
		}
		out = append(out, vals[0])
	}
	n := 0
	for k := range v {
		if strings.HasPrefix(k, "events[") {
			n++
		}
	}
	if n != len(out) {
		t.Fatalf("event selectors are not contiguous from 0: %v", v)
	}
	return out
}

// Forms sharing events still get their own selector numbering from 0.
func TestExportParams_SelectorsMatchMappingPerForm(t *testing.T) {
	t.Parallel()

	plan := map[string][]string{
		"a": {"e1", "e2", "e3"},
		"b": {"e3", "e1"},
		"c": {"e2"},
		"d": nil,
	}
	for form, events := range plan {
		got := eventSelectors(t, ExportParams("TOK", form, events))
		if len(events) == 0 && len(got) == 0 {
			continue
		}
		if !reflect.DeepEqual(got, events) {
			t.Fatalf("form %s selectors = %v, want %v", form, got, events)
		}
	}
}

func TestClient_ExportForm(t *testing.T) {
	t.Parallel()

	f := newFakeREDCap(t)
	f.records["baseline"] = csvBody(scenarioBaseline)
	f.records["followup"] = csvBody("\n")
	f.records["broken"] = csvBody("a,b\n1,2,3\n")
	c := f.start()
	ctx := context.Background()

	res, err := c.ExportForm(ctx, "baseline", []string{"visit_1_arm_1"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Empty || res.Table.Len() != 2 || res.Form != "baseline" {
		t.Fatalf("baseline result = %+v", res)
	}
	if want := []string{"record_id", "redcap_event_name", "redcap_data_access_group", "age"}; !reflect.DeepEqual(res.Table.Columns, want) {
		t.Fatalf("columns = %v", res.Table.Columns)
	}
	if res.Table.Rows[1][3] != nil {
		t.Fatalf("empty cell = %#v, want nil", res.Table.Rows[1][3])
	}

	res, err = c.ExportForm(ctx, "followup", []string{"visit_1_arm_1", "visit_2_arm_1"})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Empty || res.Table != nil {
		t.Fatalf("followup result = %+v, want empty marker", res)
	}

	if _, err := c.ExportForm(ctx, "broken", nil); err == nil || !strings.Contains(err.Error(), "parse csv") {
		t.Fatalf("broken err = %v", err)
	}

	recs := f.recordCalls()
	if len(recs) != 3 {
		t.Fatalf("record calls = %d", len(recs))
	}
	if got := eventSelectors(t, recs[1]); !reflect.DeepEqual(got, []string{"visit_1_arm_1", "visit_2_arm_1"}) {
		t.Fatalf("followup selectors = %v", got)
	}
	if got := eventSelectors(t, recs[2]); len(got) != 0 {
		t.Fatalf("broken selectors = %v, want none", got)
	}
}

// stubExporter answers ExportForm from a table of canned results.
type stubExporter struct {
	results map[string]Result
	errs    map[string]error
	seen    []string
	events  map[string][]string
	onCall  func(form string)
}

func (s *stubExporter) ExportForm(_ context.Context, form string, events []string) (Result, error) {
	s.seen = append(s.seen, form)
	if s.events == nil {
		s.events = map[string][]string{}
	}
	s.events[form] = events
	if s.onCall != nil {
		s.onCall(form)
	}
	if err := s.errs[form]; err != nil {
		return Result{}, err
	}
	return s.results[form], nil
}

func TestExporter_ExportAll_ContinuesPastFailures(t *testing.T) {
	t.Parallel()

	tbl := &dataset.Table{Columns: []string{"record_id"}, Rows: [][]any{{"1"}}}
	stub := &stubExporter{
		results: map[string]Result{
			"a": {Table: tbl},
			"c": {Empty: true},
		},
		errs: map[string]error{"b": &APIError{Content: "record", Status: 500, Message: "boom"}},
	}
	md := &Metadata{
		Forms:  []string{"a", "b", "c"},
		Events: map[string][]string{"a": {"e1"}, "b": {"e1", "e2"}, "c": {}},
	}

	ex := &Exporter{Client: stub, Logger: quietLogger()}
	out, err := ex.ExportAll(context.Background(), md)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(stub.seen, []string{"a", "b", "c"}) {
		t.Fatalf("order = %v", stub.seen)
	}
	if !reflect.DeepEqual(stub.events["b"], []string{"e1", "e2"}) {
		t.Fatalf("b events = %v", stub.events["b"])
	}
	if len(out) != 3 {
		t.Fatalf("exports = %d", len(out))
	}
	if out[0].Err != nil || out[0].Result.Table != tbl || out[0].Result.Form != "a" {
		t.Fatalf("a = %+v", out[0])
	}
	var apiErr *APIError
	if !errors.As(out[1].Err, &apiErr) || out[1].Form != "b" {
		t.Fatalf("b = %+v", out[1])
	}
	if !out[2].Result.Empty || out[2].Result.Form != "c" {
		t.Fatalf("c = %+v", out[2])
	}
}

func TestExporter_ExportAll_StopsOnCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stub := &stubExporter{
		results: map[string]Result{"a": {Empty: true}, "b": {Empty: true}},
		onCall: func(form string) {
			if form == "a" {
				cancel()
			}
		},
	}
	md := &Metadata{Forms: []string{"a", "b"}, Events: map[string][]string{}}

	out, err := (&Exporter{Client: stub, Logger: quietLogger()}).ExportAll(ctx, md)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if len(out) != 1 || !reflect.DeepEqual(stub.seen, []string{"a"}) {
		t.Fatalf("out = %+v seen = %v", out, stub.seen)
	}
}

func TestExporter_ExportAll_Guards(t *testing.T) {
	t.Parallel()

	if _, err := (&Exporter{}).ExportAll(context.Background(), &Metadata{}); err == nil {
		t.Fatal("expected error without client")
	}
	if _, err := (&Exporter{Client: &stubExporter{}}).ExportAll(context.Background(), nil); err == nil {
		t.Fatal("expected error for nil metadata")
	}
}
