package pipeline

import (
	"errors"
	"fmt"

	"github.com/Sternrassler/fulltext-migrate/pkg/sink"
)

// ErrInterrupted is the shutdown cause for an external termination request.
var ErrInterrupted = errors.New("interrupted by signal")

// Severity classifies an error for the shutdown decision.
type Severity string

const (
	// SeverityFatal errors trigger shutdown and checkpointing.
	SeverityFatal Severity = "fatal"

	// SeverityRecoverable errors affect a single record, which is logged as
	// failed and retried by a later run.
	SeverityRecoverable Severity = "recoverable"
)

// Error is a pipeline error with its severity.
type Error struct {
	Op       string
	ID       string
	Severity Severity
	Err      error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("%s %s (%s): %v", e.Op, e.ID, e.Severity, e.Err)
	}
	return fmt.Sprintf("%s (%s): %v", e.Op, e.Severity, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

// Classify returns the severity of err, "" for nil.
//
// Only a sink delivery failure is recoverable. Source, ledger, log and
// checkpoint errors are fatal, as is anything unknown.
func Classify(err error) Severity {
	if err == nil {
		return ""
	}

	var pErr *Error
	if errors.As(err, &pErr) && pErr.Severity != "" {
		return pErr.Severity
	}

	var delErr *sink.DeliveryError
	if errors.As(err, &delErr) {
		return SeverityRecoverable
	}

	return SeverityFatal
}

func fatal(op, id string, err error) *Error {
	return &Error{Op: op, ID: id, Severity: SeverityFatal, Err: err}
}
