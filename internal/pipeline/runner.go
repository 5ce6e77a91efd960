// Package pipeline runs one REDCap refresh: fetch the export plan, export
// every form, and replace one destination table per form.
//
// Metadata failures are fatal. Everything after that is isolated per form:
// a failed export, an unusable table name or a failed load is recorded on that
// form's outcome and the run continues with the next form.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"redcapetl/internal/dataset"
	"redcapetl/internal/metrics"
	"redcapetl/internal/redcap"
	"redcapetl/internal/storage"
)

// Logger is the minimal logging interface used by the runner.
// *log.Logger satisfies this interface.
type Logger interface {
	Printf(format string, v ...any)
}

// Source is the REDCap side of a run. *redcap.Client satisfies it.
type Source interface {
	Metadata(ctx context.Context) (*redcap.Metadata, error)
	redcap.FormExporter
}

// Runner wires a REDCap source to a destination repository.
type Runner struct {
	Source Source
	Repo   storage.Repository
	Prefix string
	Logger Logger // nil means log.Default()

	// Seams for tests; nil means time.Now / uuid.NewString.
	Now      func() time.Time
	NewRunID func() string
}

// Run performs one refresh.
//
// The returned error is non-nil only when the run could not complete: bad
// wiring, a metadata failure (*redcap.MetadataError) or cancellation. Per-form
// failures are reported through Summary.Err. The summary is returned even
// alongside an error.
func (r *Runner) Run(ctx context.Context) (*Summary, error) {
	now := r.Now
	if now == nil {
		now = time.Now
	}
	newID := r.NewRunID
	if newID == nil {
		newID = uuid.NewString
	}
	logf := r.logger()

	sum := &Summary{RunID: newID(), Started: now()}
	finish := func() { sum.Finished = now() }

	if r.Source == nil || r.Repo == nil {
		finish()
		return sum, errors.New("pipeline: Source and Repo are required")
	}

	start := time.Now()
	md, err := r.Source.Metadata(ctx)
	if err == nil && md == nil {
		err = errors.New("pipeline: source returned no metadata")
	}
	if err != nil {
		metrics.RecordStep("metadata", "error", time.Since(start))
		logf("run=%s stage=metadata error=%v", sum.RunID, err)
		finish()
		return sum, err
	}
	metrics.RecordStep("metadata", "ok", time.Since(start))
	logf("run=%s stage=metadata ok forms=%d duration=%s", sum.RunID, len(md.Forms), durMS(start))

	start = time.Now()
	exporter := &redcap.Exporter{Client: r.Source, Logger: r.Logger}
	exports, err := exporter.ExportAll(ctx, md)
	for _, fe := range exports {
		status := "ok"
		switch {
		case fe.Err != nil:
			status = "error"
		case fe.Result.Empty:
			status = "skipped"
		}
		metrics.RecordStep("export", status, fe.Duration)
	}
	if err != nil {
		logf("run=%s stage=export error=%v", sum.RunID, err)
		finish()
		return sum, fmt.Errorf("export: %w", err)
	}
	logf("run=%s stage=export ok forms=%d duration=%s", sum.RunID, len(exports), durMS(start))

	start = time.Now()
	err = r.load(ctx, sum, md, exports)
	finish()
	if err != nil {
		logf("run=%s stage=load error=%v", sum.RunID, err)
		return sum, err
	}
	logf("run=%s stage=load done loaded=%d skipped=%d failed=%d rows=%d duration=%s",
		sum.RunID, sum.Count(StatusLoaded), sum.Count(StatusSkipped), sum.Count(StatusFailed),
		sum.Rows(), durMS(start))
	return sum, nil
}

// load writes every genuine table, in catalog order, appending one outcome
// per export to sum. Only cancellation stops it early.
func (r *Runner) load(ctx context.Context, sum *Summary, md *redcap.Metadata, exports []redcap.FormExport) error {
	logf := r.logger()
	owners := make(map[string]string, len(exports)) // table -> form

	for _, fe := range exports {
		if err := ctx.Err(); err != nil {
			return err
		}
		start := time.Now()
		out := FormOutcome{Form: fe.Form, Events: len(md.EventsFor(fe.Form))}

		table, nameErr := storage.TableName(r.Prefix, fe.Form)
		if nameErr == nil {
			out.Table = table
			if owner, taken := owners[table]; taken {
				nameErr = fmt.Errorf("table %s already used by form %q", table, owner)
			} else {
				owners[table] = fe.Form
			}
		}

		switch {
		case fe.Err != nil:
			r.fail(&out, StageExport, fe.Err)
		case nameErr != nil:
			r.fail(&out, StageName, nameErr)
		case fe.Result.Empty || fe.Result.Table == nil:
			out.Status, out.Reason = StatusSkipped, "no data"
			logf("run=%s form=%s Skipping form with no data", sum.RunID, fe.Form)
		case len(fe.Result.Table.Columns) == 0:
			out.Status, out.Reason = StatusSkipped, "no columns"
			logf("run=%s form=%s Skipping form with no columns", sum.RunID, fe.Form)
		default:
			r.replace(ctx, sum.RunID, &out, fe.Result.Table)
		}

		out.Duration = time.Since(start)
		recordLoad(out)
		sum.Outcomes = append(sum.Outcomes, out)
	}
	return nil
}

func (r *Runner) replace(ctx context.Context, runID string, out *FormOutcome, t *dataset.Table) {
	n, err := r.Repo.ReplaceTable(ctx, out.Table, t.Columns, t.Rows)
	if err != nil {
		r.fail(out, StageLoad, err)
		r.logger()("run=%s form=%s table=%s load error=%v", runID, out.Form, out.Table, err)
		return
	}
	out.Status = StatusLoaded
	out.Rows = n
	out.Columns = len(t.Columns)
	out.Fingerprint = dataset.Fingerprint(t)
	r.logger()("run=%s form=%s table=%s loaded rows=%d columns=%d sha256=%s",
		runID, out.Form, out.Table, n, out.Columns, shortHash(out.Fingerprint))
}

func (r *Runner) fail(out *FormOutcome, stage string, err error) {
	out.Status = StatusFailed
	out.Err = &FormError{Form: out.Form, Table: out.Table, Stage: stage, Err: err}
}

func recordLoad(out FormOutcome) {
	switch out.Status {
	case StatusLoaded:
		metrics.RecordStep("load", "ok", out.Duration)
		metrics.RecordRows(out.Table, out.Rows)
	case StatusSkipped:
		metrics.RecordStep("load", "skipped", out.Duration)
	default:
		metrics.RecordStep("load", "error", out.Duration)
	}
}

func (r *Runner) logger() func(format string, v ...any) {
	if r.Logger == nil {
		return log.Default().Printf
	}
	return r.Logger.Printf
}

func durMS(start time.Time) time.Duration { return time.Since(start).Truncate(time.Millisecond) }

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
