package pipeline

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/fulltext-migrate/pkg/ledger"
	"github.com/Sternrassler/fulltext-migrate/pkg/record"
)

var recordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ftm_records_total",
	Help: "Total records processed by outcome",
}, []string{"outcome"})

// Outcome is the terminal state of one record in a run.
type Outcome int

const (
	// OutcomeDelivered means the record was written, logged and marked.
	OutcomeDelivered Outcome = iota

	// OutcomeSkipped means the record or its group was already marked.
	OutcomeSkipped

	// OutcomeFailed means the write failed and the id was logged as failed.
	OutcomeFailed

	// OutcomeFatal means the outcome is unknown; the id stays in flight.
	OutcomeFatal
)

// String returns the outcome label.
func (o Outcome) String() string {
	switch o {
	case OutcomeDelivered:
		return "delivered"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeFailed:
		return "failed"
	case OutcomeFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Terminal reports whether the outcome confirms the record.
func (o Outcome) Terminal() bool {
	return o != OutcomeFatal
}

// Result is the tagged outcome of processing one record.
type Result struct {
	ID      string
	Outcome Outcome
	Level   ledger.Level
	Err     error
}

// Deliverer writes a record and records its outcome.
type Deliverer interface {
	Deliver(ctx context.Context, rec *record.Record) error
}

// Processor runs the idempotency check and delivery for single records.
// Fresh and recovered records take the same path.
type Processor struct {
	ledger    ledger.Ledger
	deliverer Deliverer
	logger    zerolog.Logger
}

// NewProcessor creates a Processor.
func NewProcessor(l ledger.Ledger, d Deliverer, logger zerolog.Logger) *Processor {
	return &Processor{ledger: l, deliverer: d, logger: logger}
}

// Process checks the ledger at record then group level and delivers the
// record when neither is marked.
func (p *Processor) Process(ctx context.Context, rec *record.Record) Result {
	res := p.process(ctx, rec)
	recordsTotal.WithLabelValues(res.Outcome.String()).Inc()
	return res
}

func (p *Processor) process(ctx context.Context, rec *record.Record) Result {
	level, err := ledger.Check(ctx, p.ledger, rec.ID)
	if err != nil {
		return Result{ID: rec.ID, Outcome: OutcomeFatal, Err: fatal("ledger check", rec.ID, err)}
	}
	if level != ledger.LevelNone {
		p.logger.Debug().
			Str("id", rec.ID).
			Str("level", string(level)).
			Msg("Skipping already delivered record")
		return Result{ID: rec.ID, Outcome: OutcomeSkipped, Level: level}
	}

	err = p.deliverer.Deliver(ctx, rec)
	switch Classify(err) {
	case "":
		return Result{ID: rec.ID, Outcome: OutcomeDelivered}
	case SeverityRecoverable:
		return Result{ID: rec.ID, Outcome: OutcomeFailed, Err: err}
	default:
		return Result{ID: rec.ID, Outcome: OutcomeFatal, Err: fatal("deliver", rec.ID, err)}
	}
}
