// Package status reports migration progress as a periodic status line.
package status

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// DefaultInterval is the status line interval.
const DefaultInterval = time.Second

// Snapshot is a point-in-time view of the migration counters.
type Snapshot struct {
	// Active is the number of deliveries currently running.
	Active int64

	// Uploaded, Skipped and Failed are cumulative outcome counts for this run.
	Uploaded int64
	Skipped  int64
	Failed   int64
}

// Settled is the number of delivery attempts that finished, either way.
func (s Snapshot) Settled() int64 {
	return s.Uploaded + s.Failed
}

// Line formats a snapshot and the delivery rate as the operator status line.
func Line(s Snapshot, perSecond float64) string {
	return fmt.Sprintf("%.0f/s, %d active, %d uploaded, %d skipped, %d failed",
		perSecond, s.Active, s.Uploaded, s.Skipped, s.Failed)
}

// Reporter logs a status line on a fixed interval.
type Reporter struct {
	interval time.Duration
	snapshot func() Snapshot
	logger   zerolog.Logger

	lastUpdate  time.Time
	lastSettled int64
}

// NewReporter creates a reporter reading counters from snapshot.
func NewReporter(interval time.Duration, snapshot func() Snapshot, logger zerolog.Logger) *Reporter {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Reporter{
		interval: interval,
		snapshot: snapshot,
		logger:   logger,
	}
}

// Run logs the status line until ctx is done, then logs a final line.
func (r *Reporter) Run(ctx context.Context) {
	r.lastUpdate = time.Now()
	r.lastSettled = r.snapshot().Settled()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.report(time.Now(), "Final status")
			return
		case now := <-ticker.C:
			r.report(now, "Status")
		}
	}
}

func (r *Reporter) report(now time.Time, msg string) {
	s := r.snapshot()
	rate := r.rate(now, s.Settled())

	r.logger.Info().
		Float64("per_second", rate).
		Int64("active", s.Active).
		Int64("uploaded", s.Uploaded).
		Int64("skipped", s.Skipped).
		Int64("failed", s.Failed).
		Msg(msg + ": " + Line(s, rate))
}

// rate returns settled deliveries per second since the previous report.
func (r *Reporter) rate(now time.Time, settled int64) float64 {
	elapsed := now.Sub(r.lastUpdate).Seconds()
	if elapsed < 0.1 {
		elapsed = 0.1
	}
	rate := float64(settled-r.lastSettled) / elapsed

	r.lastUpdate = now
	r.lastSettled = settled
	return rate
}
