package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/Sternrassler/fulltext-migrate/pkg/ledger"
	"github.com/Sternrassler/fulltext-migrate/pkg/sink"
	"github.com/Sternrassler/fulltext-migrate/pkg/source"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Severity
	}{
		{name: "nil", err: nil, want: ""},
		{name: "delivery failure", err: &sink.DeliveryError{ID: "g1/a", Err: errors.New("503")}, want: SeverityRecoverable},
		{name: "wrapped delivery failure", err: fmt.Errorf("batch: %w", &sink.DeliveryError{ID: "g1/a"}), want: SeverityRecoverable},
		{name: "source transport", err: &source.Error{Op: "scroll", Class: source.ErrorClassServer, StatusCode: 500}, want: SeverityFatal},
		{name: "source network", err: &source.Error{Op: "search", Class: source.ErrorClassNetwork}, want: SeverityFatal},
		{name: "cursor expired", err: fmt.Errorf("fetch page: %w", source.ErrCursorExpired), want: SeverityFatal},
		{name: "ledger", err: fmt.Errorf("%w: redis get: timeout", ledger.ErrLedger), want: SeverityFatal},
		{name: "log append", err: errors.New("append uploaded log: no space left on device"), want: SeverityFatal},
		{name: "interrupted", err: ErrInterrupted, want: SeverityFatal},
		{name: "context", err: context.Canceled, want: SeverityFatal},
		{name: "explicit", err: &Error{Op: "x", Severity: SeverityRecoverable, Err: errors.New("y")}, want: SeverityRecoverable},
		{name: "joined", err: errors.Join(fatal("deliver", "g1/a", errors.New("x")), nil), want: SeverityFatal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify(%v) = %q, want %q", tt.err, got, tt.want)
			}
		})
	}
}

func TestError_Format(t *testing.T) {
	err := fatal("deliver", "g1/a", errors.New("boom"))
	if got := err.Error(); got != "deliver g1/a (fatal): boom" {
		t.Errorf("Error() = %q", got)
	}
	err = fatal("save checkpoint", "", errors.New("disk full"))
	if got := err.Error(); got != "save checkpoint (fatal): disk full" {
		t.Errorf("Error() = %q", got)
	}
}
