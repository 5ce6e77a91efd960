// Package metrics is the backend-agnostic metrics facade used by the REDCap
// client and the pipeline.
//
// Core code only calls the Record* helpers. Which backend receives the data is
// decided once in main via SetBackend; until then a no-op backend swallows
// everything, so tests and -metrics-backend=none runs need no setup.
package metrics

import (
	"strconv"
	"sync"
	"time"
)

// Metric names understood by backends. Backends ignore names they do not know.
const (
	FormsTotal          = "redcap_forms_total"
	RowsLoadedTotal     = "redcap_rows_loaded_total"
	StepDurationSeconds = "redcap_step_duration_seconds"
	HTTPRequestsTotal   = "redcap_http_requests_total"
	HTTPErrorsTotal     = "redcap_http_errors_total"
	HTTPDurationSeconds = "redcap_http_request_duration_seconds"
	HTTPResponseBytes   = "redcap_http_response_bytes"
)

// Labels are metric dimensions (e.g. {"step": "export", "status": "ok"}).
type Labels map[string]string

// Backend receives metric observations.
//
// Implementations must be safe for concurrent use.
type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)
	Flush() error
}

type nopBackend struct{}

func (nopBackend) IncCounter(string, float64, Labels)       {}
func (nopBackend) ObserveHistogram(string, float64, Labels) {}
func (nopBackend) Flush() error                             { return nil }

var (
	mu      sync.RWMutex
	backend Backend = nopBackend{}
)

// SetBackend installs b as the process-wide backend. nil restores the no-op.
func SetBackend(b Backend) {
	mu.Lock()
	defer mu.Unlock()
	if b == nil {
		backend = nopBackend{}
		return
	}
	backend = b
}

func current() Backend {
	mu.RLock()
	defer mu.RUnlock()
	return backend
}

// Flush asks the current backend to submit buffered data.
func Flush() error {
	return current().Flush()
}

// RecordStep records one pipeline step outcome for a form (step is
// "metadata", "export" or "load"; status is "ok", "skipped" or "error").
func RecordStep(step, status string, d time.Duration) {
	b := current()
	l := Labels{"step": step, "status": status}
	b.IncCounter(FormsTotal, 1, l)
	b.ObserveHistogram(StepDurationSeconds, d.Seconds(), l)
}

// RecordRows records rows written to a destination table.
func RecordRows(table string, n int64) {
	if n <= 0 {
		return
	}
	current().IncCounter(RowsLoadedTotal, float64(n), Labels{"table": table})
}

// RecordHTTP records one REDCap API call.
//
// status is the HTTP status code (0 when no response was received). content is
// the REDCap "content" parameter (metadata, formEventMapping, record).
func RecordHTTP(content string, status int, err error, d time.Duration, bytes int64) {
	b := current()
	st := "unknown"
	if status > 0 {
		st = strconv.Itoa(status)
	}
	l := Labels{"content": content, "status": st}

	b.IncCounter(HTTPRequestsTotal, 1, l)
	if err != nil || status < 200 || status > 299 {
		b.IncCounter(HTTPErrorsTotal, 1, l)
	}
	b.ObserveHistogram(HTTPDurationSeconds, d.Seconds(), l)
	if bytes >= 0 {
		b.ObserveHistogram(HTTPResponseBytes, float64(bytes), l)
	}
}
