package redcap

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strconv"
	"time"

	"redcapetl/internal/dataset"
	csvparser "redcapetl/internal/parser/csv"
)

// Result is one form's export: a table, or the empty marker when REDCap had
// no records for it. An Empty result never carries a table.
type Result struct {
	Form  string
	Table *dataset.Table
	Empty bool
}

// ExportParams builds the record export request for one form. Event
// selectors are indexed from 0 in the order given; none are sent when events
// is empty.
func ExportParams(token, form string, events []string) url.Values {
	v := url.Values{}
	v.Set("token", token)
	v.Set("content", "record")
	v.Set("action", "export")
	v.Set("format", "csv")
	v.Set("type", "flat")
	v.Set("csvDelimiter", "")
	v.Set("rawOrLabel", "label")
	v.Set("rawOrLabelHeaders", "raw")
	v.Set("exportCheckboxLabel", "false")
	v.Set("exportSurveyFields", "false")
	v.Set("exportDataAccessGroups", "true")
	v.Set("returnFormat", "csv")
	v.Set("forms[0]", form)
	for i, ev := range events {
		v.Set("events["+strconv.Itoa(i)+"]", ev)
	}
	return v
}

// ExportForm exports the records of one form across the given events.
func (c *Client) ExportForm(ctx context.Context, form string, events []string) (Result, error) {
	body, err := c.post(ctx, "record", ExportParams(c.token, form, events))
	if err != nil {
		return Result{Form: form}, err
	}
	if isEmptyExport(body) {
		return Result{Form: form, Empty: true}, nil
	}
	t, err := csvparser.ParseTable(ctx, bytes.NewReader(body), csvparser.Options{})
	if err != nil {
		return Result{Form: form}, fmt.Errorf("redcap record %s: parse csv: %w", form, err)
	}
	return Result{Form: form, Table: t}, nil
}

// FormExporter is the single-form export call Exporter drives.
type FormExporter interface {
	ExportForm(ctx context.Context, form string, events []string) (Result, error)
}

// FormExport pairs a catalog form with its export outcome. Exactly one of
// Result (possibly Empty) and Err is meaningful.
type FormExport struct {
	Form     string
	Result   Result
	Err      error
	Duration time.Duration
}

// Exporter walks the catalog and exports every form in order.
type Exporter struct {
	Client FormExporter
	Logger Logger // nil means log.Default()
}

// ExportAll exports each form of md sequentially. A failing form is recorded
// on its FormExport and the loop moves on. Only context cancellation stops
// the loop early; the exports collected so far are returned with ctx.Err().
func (e *Exporter) ExportAll(ctx context.Context, md *Metadata) ([]FormExport, error) {
	if e.Client == nil {
		return nil, errors.New("redcap: exporter has no client")
	}
	if md == nil {
		return nil, errors.New("redcap: nil metadata")
	}
	var logger Logger = log.Default()
	if e.Logger != nil {
		logger = e.Logger
	}

	out := make([]FormExport, 0, len(md.Forms))
	for _, form := range md.Forms {
		if err := ctx.Err(); err != nil {
			return out, err
		}

		events := md.EventsFor(form)
		start := time.Now()
		res, err := e.Client.ExportForm(ctx, form, events)
		fe := FormExport{Form: form, Result: res, Err: err, Duration: time.Since(start)}
		fe.Result.Form = form

		switch {
		case err != nil && ctx.Err() != nil:
			// Cancelled mid-request: not this form's fault.
			return out, ctx.Err()
		case err != nil:
			logger.Printf("export: form=%s events=%d error=%v", form, len(events), err)
		case res.Empty || res.Table == nil:
			logger.Printf("export: form=%s events=%d empty", form, len(events))
		default:
			logger.Printf("export: form=%s events=%d rows=%d columns=%d",
				form, len(events), res.Table.Len(), len(res.Table.Columns))
		}
		out = append(out, fe)
	}
	return out, nil
}
