package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"redcapetl/internal/metrics"
	"redcapetl/internal/storage/sqlite"
)

const testToken = "0123456789ABCDEF0123456789ABCDEF"

// recordingBackend counts counter increments by metric name.
type recordingBackend struct {
	mu       sync.Mutex
	counters map[string]float64
	closed   bool
}

func (b *recordingBackend) IncCounter(name string, delta float64, _ metrics.Labels) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.counters == nil {
		b.counters = map[string]float64{}
	}
	b.counters[name] += delta
}
func (b *recordingBackend) ObserveHistogram(string, float64, metrics.Labels) {}
func (b *recordingBackend) Flush() error                                     { return nil }
func (b *recordingBackend) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}

// redcapServer serves the two-form project: baseline has two rows, followup
// exports empty. followupStatus != 0 makes the followup export fail.
func redcapServer(t *testing.T, metadataStatus, followupStatus int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil || r.PostForm.Get("token") != testToken {
			http.Error(w, `{"error":"denied"}`, http.StatusForbidden)
			return
		}
		switch r.PostForm.Get("content") {
		case "metadata":
			if metadataStatus != 0 {
				http.Error(w, "metadata unavailable", metadataStatus)
				return
			}
			_, _ = io.WriteString(w, "field_name,form_name,field_type\nrecord_id,baseline,text\nage,baseline,text\nweight,followup,text\n")
		case "formEventMapping":
			_, _ = io.WriteString(w, "arm_num,unique_event_name,form\n1,visit_1,baseline\n1,visit_1,followup\n1,visit_2,followup\n")
		case "record":
			switch r.PostForm.Get("forms[0]") {
			case "baseline":
				_, _ = io.WriteString(w, "record_id,redcap_event_name,age\n1,visit_1,54\n2,visit_1,\n")
			case "followup":
				if followupStatus != 0 {
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(followupStatus)
					_, _ = io.WriteString(w, `{"error":"server exploded"}`)
					return
				}
				_, _ = io.WriteString(w, "\n")
			}
		default:
			http.Error(w, "unexpected", http.StatusNotImplemented)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testEnv(t *testing.T, apiURL string) (map[string]string, string) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "etl.db")
	return map[string]string{
		"REDCAP_API_URL":    apiURL,
		"REDCAP_API_TOKEN":  testToken,
		"DB_DRIVER":         "sqlite",
		"DB_NAME":           dbPath,
		"TABLE_PREFIX":      "redcap_",
		"HTTP_TIMEOUT":      "10s",
		"REDCAP_RATE_LIMIT": "0",
	}, dbPath
}

func testDeps(env map[string]string, stdout, stderr io.Writer) deps {
	return deps{
		Stdout: stdout,
		Stderr: stderr,
		LookupEnv: func(k string) (string, bool) {
			v, ok := env[k]
			return v, ok
		},
		LoadDotenv: func(string) (string, error) { return "", nil },
	}
}

func openDB(t *testing.T, path string) *sqlite.Repo {
	t.Helper()
	repo, err := sqlite.Open(context.Background(), "file:"+path)
	if err != nil {
		t.Fatalf("sqlite.Open: %v", err)
	}
	t.Cleanup(repo.Close)
	return repo
}

func TestParseFlags(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		args      []string
		wantErr   string
		wantField func(t *testing.T, rc runConfig)
	}{
		{
			name: "defaults",
			args: nil,
			wantField: func(t *testing.T, rc runConfig) {
				if rc.ValidateOnly || rc.Verbose || rc.EnvFile != "" || rc.MetricsBackend != "" {
					t.Fatalf("unexpected defaults: %+v", rc)
				}
				if rc.FlushEvery != time.Minute {
					t.Fatalf("FlushEvery=%v, want 1m", rc.FlushEvery)
				}
			},
		},
		{
			name: "all_flags",
			args: []string{"-env-file", "x.env", "-validate", "-v", "-metrics-backend", "datadog", "-metrics-flush-every", "5s"},
			wantField: func(t *testing.T, rc runConfig) {
				want := runConfig{EnvFile: "x.env", ValidateOnly: true, Verbose: true, MetricsBackend: "datadog", FlushEvery: 5 * time.Second}
				if rc != want {
					t.Fatalf("rc=%+v, want %+v", rc, want)
				}
			},
		},
		{name: "bad_backend", args: []string{"-metrics-backend", "statsd"}, wantErr: "-metrics-backend must be"},
		{name: "bad_flush", args: []string{"-metrics-flush-every", "0s"}, wantErr: "-metrics-flush-every must be > 0"},
		{name: "positional", args: []string{"extra"}, wantErr: "unexpected arguments"},
		{name: "unknown_flag", args: []string{"-nope"}, wantErr: "flag provided but not defined"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			rc, err := parseFlags(tc.args, io.Discard)
			if tc.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
					t.Fatalf("parseFlags() err=%v, want contains %q", err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseFlags() err=%v", err)
			}
			tc.wantField(t, rc)
		})
	}
}

func TestRun_ConfigErrors(t *testing.T) {
	t.Parallel()

	var out, errOut bytes.Buffer
	code := run(context.Background(), nil, testDeps(map[string]string{}, &out, &errOut))
	if code != 2 {
		t.Fatalf("code=%d, want 2", code)
	}
	for _, want := range []string{"REDCAP_API_URL", "REDCAP_API_TOKEN", "DB_HOST"} {
		if !strings.Contains(errOut.String(), want) {
			t.Fatalf("stderr missing %s:\n%s", want, errOut.String())
		}
	}
}

func TestRun_DotenvError(t *testing.T) {
	t.Parallel()

	var errOut bytes.Buffer
	d := testDeps(map[string]string{}, io.Discard, &errOut)
	d.LoadDotenv = func(path string) (string, error) { return "", errors.New("open " + path + ": no such file") }
	if code := run(context.Background(), []string{"-env-file", "missing.env"}, d); code != 2 {
		t.Fatalf("code=%d, want 2", code)
	}
	if !strings.Contains(errOut.String(), "missing.env") {
		t.Fatalf("stderr=%q", errOut.String())
	}
}

func TestRun_ValidateOnly(t *testing.T) {
	t.Parallel()

	env, _ := testEnv(t, "https://redcap.example.org/api/")
	var out, errOut bytes.Buffer
	code := run(context.Background(), []string{"-validate"}, testDeps(env, &out, &errOut))
	if code != 0 {
		t.Fatalf("code=%d stderr=%s", code, errOut.String())
	}
	if !strings.Contains(out.String(), "config ok") {
		t.Fatalf("stdout=%q", out.String())
	}
	if strings.Contains(out.String()+errOut.String(), testToken) {
		t.Fatal("token leaked to output")
	}
}

func TestRun_EndToEnd(t *testing.T) {
	t.Parallel()

	srv := redcapServer(t, 0, 0)
	env, dbPath := testEnv(t, srv.URL)

	var out, errOut bytes.Buffer
	code := run(context.Background(), []string{"-v"}, testDeps(env, &out, &errOut))
	if code != 0 {
		t.Fatalf("code=%d\nstdout=%s\nstderr=%s", code, out.String(), errOut.String())
	}
	if !strings.Contains(out.String(), "loaded=1 skipped=1 failed=0 rows=2") {
		t.Fatalf("summary missing:\n%s", out.String())
	}
	if strings.Contains(errOut.String(), testToken) {
		t.Fatal("token leaked to verbose log")
	}

	db := openDB(t, dbPath)
	got, err := db.ReadTable(context.Background(), "redcap_baseline")
	if err != nil {
		t.Fatalf("ReadTable: %v", err)
	}
	if got.Len() != 2 {
		t.Fatalf("rows=%d, want 2", got.Len())
	}
	if exists, err := db.TableExists(context.Background(), "redcap_followup"); err != nil || exists {
		t.Fatalf("redcap_followup exists=%v err=%v, want absent", exists, err)
	}
}

func TestRun_FormFailureExitsOne(t *testing.T) {
	t.Parallel()

	srv := redcapServer(t, 0, http.StatusInternalServerError)
	env, dbPath := testEnv(t, srv.URL)

	var out bytes.Buffer
	code := run(context.Background(), nil, testDeps(env, &out, io.Discard))
	if code != 1 {
		t.Fatalf("code=%d, want 1\n%s", code, out.String())
	}
	if !strings.Contains(out.String(), "server exploded") {
		t.Fatalf("failure reason missing from summary:\n%s", out.String())
	}

	// The healthy form is still loaded.
	db := openDB(t, dbPath)
	if exists, err := db.TableExists(context.Background(), "redcap_baseline"); err != nil || !exists {
		t.Fatalf("redcap_baseline exists=%v err=%v", exists, err)
	}
}

func TestRun_MetadataFailureExitsOne(t *testing.T) {
	t.Parallel()

	srv := redcapServer(t, http.StatusServiceUnavailable, 0)
	env, dbPath := testEnv(t, srv.URL)

	var errOut bytes.Buffer
	code := run(context.Background(), nil, testDeps(env, io.Discard, &errOut))
	if code != 1 {
		t.Fatalf("code=%d, want 1", code)
	}
	if !strings.Contains(errOut.String(), "cannot build export plan") {
		t.Fatalf("stderr=%q", errOut.String())
	}
	db := openDB(t, dbPath)
	if exists, _ := db.TableExists(context.Background(), "redcap_baseline"); exists {
		t.Fatal("no table may be written after a metadata failure")
	}
}

// Not parallel: it installs a process-wide metrics backend.
func TestRun_DatadogBackend(t *testing.T) {
	srv := redcapServer(t, 0, 0)
	env, _ := testEnv(t, srv.URL)
	env["METRICS_BACKEND"] = "datadog"
	env["METRICS_TAGS"] = "env:test,team:data"

	backend := &recordingBackend{}
	var gotTags []string
	var gotJob string
	d := testDeps(env, io.Discard, io.Discard)
	d.BackendFactory = func(_ context.Context, job string, tags []string, _ time.Duration) (backendCloser, error) {
		gotJob, gotTags = job, tags
		return backend, nil
	}

	if code := run(context.Background(), nil, d); code != 0 {
		t.Fatalf("code=%d", code)
	}
	if gotJob != jobName {
		t.Fatalf("job=%q", gotJob)
	}
	for _, want := range []string{"env:test", "team:data", "tool:redcap_etl"} {
		if !slices.Contains(gotTags, want) {
			t.Fatalf("tags=%v missing %s", gotTags, want)
		}
	}

	backend.mu.Lock()
	defer backend.mu.Unlock()
	if !backend.closed {
		t.Fatal("backend not closed")
	}
	// metadata + mapping + two record exports.
	if got := backend.counters[metrics.HTTPRequestsTotal]; got != 4 {
		t.Fatalf("%s=%v, want 4", metrics.HTTPRequestsTotal, got)
	}
	if got := backend.counters[metrics.RowsLoadedTotal]; got != 2 {
		t.Fatalf("%s=%v, want 2", metrics.RowsLoadedTotal, got)
	}
}

func TestRun_DatadogInitFailure(t *testing.T) {
	env, _ := testEnv(t, "https://redcap.example.org/api/")
	d := testDeps(env, io.Discard, io.Discard)
	d.BackendFactory = func(context.Context, string, []string, time.Duration) (backendCloser, error) {
		return nil, errors.New("no api key")
	}
	if code := run(context.Background(), []string{"-metrics-backend", "datadog"}, d); code != 2 {
		t.Fatalf("code=%d, want 2", code)
	}
}
