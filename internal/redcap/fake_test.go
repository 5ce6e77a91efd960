package redcap

import (
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
)

const testToken = "0123456789ABCDEF0123456789ABCDEF"

// fakeREDCap is an in-memory REDCap API. Handlers are keyed by the "content"
// parameter; record exports are further keyed by forms[0].
type fakeREDCap struct {
	t *testing.T

	mu       sync.Mutex
	requests []url.Values

	metadata func(w http.ResponseWriter)
	mapping  func(w http.ResponseWriter)
	records  map[string]func(w http.ResponseWriter)
}

func newFakeREDCap(t *testing.T) *fakeREDCap {
	t.Helper()
	return &fakeREDCap{t: t, records: map[string]func(http.ResponseWriter){}}
}

func (f *fakeREDCap) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	f.requests = append(f.requests, r.PostForm)
	f.mu.Unlock()

	if r.PostForm.Get("token") != testToken {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		_, _ = io.WriteString(w, `{"error":"You do not have permissions to use the API"}`)
		return
	}

	var h func(http.ResponseWriter)
	switch r.PostForm.Get("content") {
	case "metadata":
		h = f.metadata
	case "formEventMapping":
		h = f.mapping
	case "record":
		h = f.records[r.PostForm.Get("forms[0]")]
	}
	if h == nil {
		http.Error(w, "unexpected request", http.StatusNotImplemented)
		return
	}
	h(w)
}

// calls returns a snapshot of the received request bodies.
func (f *fakeREDCap) calls() []url.Values {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]url.Values, len(f.requests))
	copy(out, f.requests)
	return out
}

func (f *fakeREDCap) recordCalls() []url.Values {
	var out []url.Values
	for _, c := range f.calls() {
		if c.Get("content") == "record" {
			out = append(out, c)
		}
	}
	return out
}

func csvBody(body string) func(http.ResponseWriter) {
	return func(w http.ResponseWriter) {
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		_, _ = io.WriteString(w, body)
	}
}

func statusBody(status int, contentType, body string) func(http.ResponseWriter) {
	return func(w http.ResponseWriter) {
		w.Header().Set("Content-Type", contentType)
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}
}

// start serves f and returns a client pointed at it.
func (f *fakeREDCap) start() *Client {
	f.t.Helper()
	srv := httptest.NewServer(f)
	f.t.Cleanup(srv.Close)
	c, err := NewClient(Options{
		URL:        srv.URL + "/api/",
		Token:      testToken,
		HTTPClient: srv.Client(),
		Logger:     quietLogger(),
	})
	if err != nil {
		f.t.Fatalf("NewClient: %v", err)
	}
	return c
}

func quietLogger() *log.Logger { return log.New(io.Discard, "", 0) }

const (
	scenarioMetadata = "field_name,form_name,section_header,field_type,field_label\n" +
		"record_id,baseline,,text,Record ID\n" +
		"age,baseline,,text,\"Age\n(years)\"\n" +
		"visit_date,followup,,text,Visit date\n"

	scenarioMapping = "arm_num,unique_event_name,form\n" +
		"1,visit_1_arm_1,baseline\n" +
		"1,visit_1_arm_1,followup\n" +
		"1,visit_2_arm_1,followup\n"

	scenarioBaseline = "record_id,redcap_event_name,redcap_data_access_group,age\n" +
		"1,Visit 1,Site A,54\n" +
		"2,Visit 1,Site B,\n"
)
