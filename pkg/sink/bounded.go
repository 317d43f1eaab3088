package sink

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/fulltext-migrate/pkg/record"
)

// ErrClosed is returned by Submit after Drain.
var ErrClosed = errors.New("sink closed")

// BoundedConfig holds the delivery pool configuration.
type BoundedConfig struct {
	// Concurrency is the ceiling C on simultaneously outstanding deliveries.
	Concurrency int

	// Prefetch is the number of records that may wait for a free slot.
	Prefetch int
}

// DefaultBoundedConfig returns the defaults of the original migration.
func DefaultBoundedConfig() BoundedConfig {
	return BoundedConfig{
		Concurrency: 200,
		Prefetch:    16,
	}
}

// Handler runs the delivery of one record. It owns the record's outcome.
type Handler func(ctx context.Context, rec *record.Record)

// Bounded runs a Handler for submitted records on a fixed pool of workers.
// At most Concurrency handlers run at once; Submit blocks once Prefetch
// records are waiting.
type Bounded struct {
	config  BoundedConfig
	handler Handler
	logger  zerolog.Logger

	queue     chan *record.Record
	wg        sync.WaitGroup
	pending   sync.WaitGroup
	closed    atomic.Bool
	closeOnce sync.Once

	active atomic.Int64
	peak   atomic.Int64
}

// NewBounded starts the worker pool. Handlers run with a context detached from
// ctx's cancellation: a started delivery always runs to completion.
func NewBounded(ctx context.Context, cfg BoundedConfig, handler Handler, logger zerolog.Logger) *Bounded {
	def := DefaultBoundedConfig()
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.Prefetch < 0 {
		cfg.Prefetch = def.Prefetch
	}

	b := &Bounded{
		config:  cfg,
		handler: handler,
		logger:  logger,
		queue:   make(chan *record.Record, cfg.Prefetch),
	}

	workCtx := context.WithoutCancel(ctx)
	for i := 0; i < cfg.Concurrency; i++ {
		b.wg.Add(1)
		go b.worker(workCtx)
	}

	logger.Debug().
		Int("concurrency", cfg.Concurrency).
		Int("prefetch", cfg.Prefetch).
		Msg("Delivery pool started")

	return b
}

func (b *Bounded) worker(ctx context.Context) {
	defer b.wg.Done()

	for rec := range b.queue {
		n := b.active.Add(1)
		activeDeliveries.Inc()
		for {
			peak := b.peak.Load()
			if n <= peak || b.peak.CompareAndSwap(peak, n) {
				break
			}
		}

		b.handler(ctx, rec)

		b.active.Add(-1)
		activeDeliveries.Dec()
		b.pending.Done()
	}
}

// Submit enqueues rec, blocking while the pool and prefetch buffer are full.
// It returns ctx.Err() if ctx ends first. Submit must not be called
// concurrently with Drain.
func (b *Bounded) Submit(ctx context.Context, rec *record.Record) error {
	if b.closed.Load() {
		return ErrClosed
	}
	b.pending.Add(1)
	select {
	case b.queue <- rec:
		return nil
	case <-ctx.Done():
		b.pending.Done()
		return ctx.Err()
	}
}

// Flush waits until every record submitted so far has been handled. It must
// be called from the submitting goroutine.
func (b *Bounded) Flush() {
	b.pending.Wait()
}

// Drain stops accepting records and waits until every queued and running
// delivery has finished.
func (b *Bounded) Drain() {
	b.closeOnce.Do(func() {
		b.closed.Store(true)
		close(b.queue)
	})
	b.wg.Wait()
}

// Active returns the number of deliveries currently running.
func (b *Bounded) Active() int64 {
	return b.active.Load()
}

// Peak returns the highest number of simultaneously running deliveries.
func (b *Bounded) Peak() int64 {
	return b.peak.Load()
}

// Concurrency returns the configured ceiling.
func (b *Bounded) Concurrency() int {
	return b.config.Concurrency
}
