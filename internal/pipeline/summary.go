package pipeline

import (
	"errors"
	"fmt"
	"time"
)

// Status is the final state of one form in a run.
type Status string

const (
	StatusLoaded  Status = "loaded"
	StatusSkipped Status = "skipped"
	StatusFailed  Status = "failed"
)

// Stages a form can fail in.
const (
	StageExport = "export"
	StageName   = "name"
	StageLoad   = "load"
)

// FormError is one form's failure. It never aborts the run.
type FormError struct {
	Form  string
	Table string
	Stage string
	Err   error
}

func (e *FormError) Error() string {
	if e.Table != "" {
		return fmt.Sprintf("form %s (%s): %s: %v", e.Form, e.Table, e.Stage, e.Err)
	}
	return fmt.Sprintf("form %s: %s: %v", e.Form, e.Stage, e.Err)
}

func (e *FormError) Unwrap() error { return e.Err }

// FormOutcome records what happened to one catalog form.
type FormOutcome struct {
	Form   string
	Table  string
	Status Status
	Events int

	// Set when Status is StatusLoaded.
	Rows        int64
	Columns     int
	Fingerprint string

	// Reason explains a skip.
	Reason string
	// Err is a *FormError when Status is StatusFailed.
	Err error

	Duration time.Duration
}

// Summary is the result of one refresh run.
type Summary struct {
	RunID    string
	Started  time.Time
	Finished time.Time
	Outcomes []FormOutcome
}

// Err joins every per-form failure, in catalog order. nil means every form
// was loaded or skipped.
func (s *Summary) Err() error {
	if s == nil {
		return nil
	}
	var errs []error
	for _, o := range s.Outcomes {
		if o.Err != nil {
			errs = append(errs, o.Err)
		}
	}
	return errors.Join(errs...)
}

// Count returns how many outcomes have status st.
func (s *Summary) Count(st Status) int {
	if s == nil {
		return 0
	}
	n := 0
	for _, o := range s.Outcomes {
		if o.Status == st {
			n++
		}
	}
	return n
}

// Rows is the total number of rows loaded.
func (s *Summary) Rows() int64 {
	if s == nil {
		return 0
	}
	var n int64
	for _, o := range s.Outcomes {
		n += o.Rows
	}
	return n
}

// Duration is the wall time of the run.
func (s *Summary) Duration() time.Duration {
	if s == nil || s.Finished.IsZero() {
		return 0
	}
	return s.Finished.Sub(s.Started)
}
