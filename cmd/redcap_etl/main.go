// Command redcap_etl refreshes one relational table per REDCap form.
//
// Configuration comes from the environment, optionally seeded from a .env
// file (see internal/config). Each run fetches the project's instrument
// catalog and form-event mapping, exports every form as CSV and replaces
// <TABLE_PREFIX><form> in the destination database.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"redcapetl/internal/config"
	"redcapetl/internal/metrics"
	"redcapetl/internal/metrics/datadog"
	"redcapetl/internal/pipeline"
	"redcapetl/internal/redcap"
	"redcapetl/internal/storage"
	_ "redcapetl/internal/storage/all"
)

const jobName = "redcap_etl"

// backendCloser is the minimal interface used by this command to manage a metrics backend.
type backendCloser interface {
	metrics.Backend
	Close() error
}

// deps are external seams for testability.
//
// Unit tests inject an environment map, a no-op dotenv loader and a fake
// metrics backend; the REDCap side is an httptest server reached through
// REDCAP_API_URL.
type deps struct {
	Stdout io.Writer
	Stderr io.Writer

	LookupEnv  func(key string) (string, bool)
	LoadDotenv func(explicit string) (string, error)

	BackendFactory func(ctx context.Context, jobName string, tags []string, flushEvery time.Duration) (backendCloser, error)
	NewRepository  func(ctx context.Context, cfg storage.Config) (storage.Repository, error)
	HTTPClient     *http.Client
}

// runConfig holds the parsed flags.
type runConfig struct {
	EnvFile        string
	ValidateOnly   bool
	Verbose        bool
	MetricsBackend string
	FlushEvery     time.Duration
}

// main is intentionally small: it wires real dependencies and exits with a code.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], deps{
		Stdout:     os.Stdout,
		Stderr:     os.Stderr,
		LookupEnv:  os.LookupEnv,
		LoadDotenv: config.LoadDotenv,
		BackendFactory: func(ctx context.Context, jobName string, tags []string, flushEvery time.Duration) (backendCloser, error) {
			return datadog.NewBackend(ctx, datadog.Options{
				JobName:    jobName,
				Tags:       tags,
				FlushEvery: flushEvery,
			})
		},
		NewRepository: storage.New,
	})
	stop()
	os.Exit(code)
}

// run executes one refresh and returns an exit code.
//
// Exit codes:
//   - 0: every form was loaded or skipped (or -validate found no errors).
//   - 1: the metadata stage failed, the run was cancelled, or at least one
//     form failed to export or load.
//   - 2: configuration/initialization error.
func run(ctx context.Context, args []string, d deps) int {
	if d.Stdout == nil {
		d.Stdout = io.Discard
	}
	if d.Stderr == nil {
		d.Stderr = io.Discard
	}
	if d.LookupEnv == nil {
		d.LookupEnv = os.LookupEnv
	}
	if d.LoadDotenv == nil {
		d.LoadDotenv = config.LoadDotenv
	}
	if d.NewRepository == nil {
		d.NewRepository = storage.New
	}

	rc, err := parseFlags(args, d.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintln(d.Stderr, err.Error())
		return 2
	}

	out := log.New(d.Stderr, "", log.LstdFlags)
	verbose := log.New(io.Discard, "", 0)
	if rc.Verbose {
		verbose = out
	}

	loaded, err := d.LoadDotenv(rc.EnvFile)
	if err != nil {
		fmt.Fprintf(d.Stderr, "env file: %v\n", err)
		return 2
	}
	if loaded != "" {
		verbose.Printf("config: loaded %s", loaded)
	}

	cfg, issues := config.Load(d.LookupEnv)
	if rc.MetricsBackend != "" {
		cfg.MetricsBackend = rc.MetricsBackend
	}
	for _, iss := range issues {
		fmt.Fprintf(d.Stderr, "config: %s %s: %s\n", iss.Severity, iss.Path, iss.Message)
	}
	if config.HasErrors(issues) {
		return 2
	}
	if rc.ValidateOnly {
		fmt.Fprintf(d.Stdout, "config ok: %s\n", cfg.Redacted())
		return 0
	}
	verbose.Printf("config: %s", cfg.Redacted())

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if strings.EqualFold(cfg.MetricsBackend, "datadog") {
		if d.BackendFactory == nil {
			fmt.Fprintln(d.Stderr, "internal error: BackendFactory is nil")
			return 2
		}
		tags := append(datadog.ParseTagsCSV(cfg.MetricsTags), "tool:"+jobName)
		backend, err := d.BackendFactory(ctx, jobName, tags, rc.FlushEvery)
		if err != nil {
			fmt.Fprintf(d.Stderr, "datadog backend init failed: %v\n", err)
			return 2
		}
		metrics.SetBackend(backend)
		defer func() {
			if err := metrics.Flush(); err != nil {
				out.Printf("metrics: flush: %v", err)
			}
			_ = backend.Close()
			metrics.SetBackend(nil)
		}()
		verbose.Printf("metrics: backend=datadog tags=%v", tags)
	}

	dsn, err := cfg.DB.DSN()
	if err != nil {
		fmt.Fprintf(d.Stderr, "database config: %v\n", err)
		return 2
	}
	repo, err := d.NewRepository(ctx, storage.Config{Kind: cfg.DB.Driver, DSN: dsn})
	if err != nil {
		fmt.Fprintf(d.Stderr, "database %s: %v\n", cfg.DB.Driver, err)
		return 2
	}
	defer repo.Close()

	client, err := redcap.NewClient(redcap.Options{
		URL:        cfg.APIURL,
		Token:      cfg.APIToken,
		Timeout:    cfg.HTTPTimeout,
		RateLimit:  cfg.RateLimit,
		HTTPClient: d.HTTPClient,
		UserAgent:  jobName,
		Logger:     verbose,
	})
	if err != nil {
		fmt.Fprintf(d.Stderr, "redcap client: %v\n", err)
		return 2
	}

	runner := &pipeline.Runner{
		Source: client,
		Repo:   repo,
		Prefix: cfg.TablePrefix,
		Logger: verbose,
	}
	sum, err := runner.Run(ctx)
	printSummary(d.Stdout, sum)
	if err != nil {
		var mdErr *redcap.MetadataError
		if errors.As(err, &mdErr) {
			out.Printf("run failed: cannot build export plan: %v", err)
		} else {
			out.Printf("run failed: %v", err)
		}
		return 1
	}
	if err := sum.Err(); err != nil {
		out.Printf("run finished with %d failed form(s)", sum.Count(pipeline.StatusFailed))
		return 1
	}
	return 0
}

func parseFlags(args []string, stderr io.Writer) (runConfig, error) {
	fs := flag.NewFlagSet(jobName, flag.ContinueOnError)
	fs.SetOutput(stderr)

	var rc runConfig
	fs.StringVar(&rc.EnvFile, "env-file", "", "load this .env file instead of searching upward from the working directory")
	fs.BoolVar(&rc.ValidateOnly, "validate", false, "check configuration and exit without contacting REDCap")
	fs.BoolVar(&rc.Verbose, "v", false, "log every request and per-form progress to stderr")
	fs.StringVar(&rc.MetricsBackend, "metrics-backend", "", "metrics backend: none|datadog (overrides METRICS_BACKEND)")
	fs.DurationVar(&rc.FlushEvery, "metrics-flush-every", 60*time.Second, "datadog flush interval")

	if err := fs.Parse(args); err != nil {
		return runConfig{}, err
	}
	if fs.NArg() > 0 {
		return runConfig{}, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	switch strings.ToLower(rc.MetricsBackend) {
	case "", "none", "datadog":
	default:
		return runConfig{}, fmt.Errorf("-metrics-backend must be none or datadog, got %q", rc.MetricsBackend)
	}
	if rc.FlushEvery <= 0 {
		return runConfig{}, errors.New("-metrics-flush-every must be > 0")
	}
	return rc, nil
}

// printSummary writes one line per form and a totals line. The format is for
// humans; it is not a stable machine interface.
func printSummary(w io.Writer, sum *pipeline.Summary) {
	if sum == nil {
		return
	}
	for _, o := range sum.Outcomes {
		switch o.Status {
		case pipeline.StatusLoaded:
			fmt.Fprintf(w, "%-8s %s -> %s rows=%d columns=%d\n", o.Status, o.Form, o.Table, o.Rows, o.Columns)
		case pipeline.StatusSkipped:
			fmt.Fprintf(w, "%-8s %s (%s)\n", o.Status, o.Form, o.Reason)
		default:
			fmt.Fprintf(w, "%-8s %s: %v\n", o.Status, o.Form, o.Err)
		}
	}
	fmt.Fprintf(w, "run %s: loaded=%d skipped=%d failed=%d rows=%d duration=%s\n",
		sum.RunID,
		sum.Count(pipeline.StatusLoaded), sum.Count(pipeline.StatusSkipped), sum.Count(pipeline.StatusFailed),
		sum.Rows(), sum.Duration().Truncate(time.Millisecond))
}
