// Package pipeline runs the resumable migration: it replays the previous run's
// unconfirmed records, streams the source through the idempotency ledger into
// the bounded sink, and checkpoints on completion, signal or fatal error.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Sternrassler/fulltext-migrate/pkg/checkpoint"
	"github.com/Sternrassler/fulltext-migrate/pkg/journal"
	"github.com/Sternrassler/fulltext-migrate/pkg/ledger"
	"github.com/Sternrassler/fulltext-migrate/pkg/record"
	"github.com/Sternrassler/fulltext-migrate/pkg/sink"
	"github.com/Sternrassler/fulltext-migrate/pkg/source"
	"github.com/Sternrassler/fulltext-migrate/pkg/status"
)

// Options configures a Pipeline.
type Options struct {
	// Source is the paginated source.
	Source source.Source

	// Ledger is the idempotency ledger.
	Ledger ledger.Ledger

	// Store is the destination object store.
	Store sink.Store

	// StateDir holds the checkpoint artifacts and outcome logs.
	StateDir string

	// Reader configures pagination.
	Reader source.ReaderConfig

	// Sink configures the delivery pool.
	Sink sink.BoundedConfig

	// MinSizeStandardIA is the compressed size from which objects are stored
	// in the infrequent-access tier.
	MinSizeStandardIA int64

	// Cursor, when set, overrides the saved cursor.
	Cursor string

	// ReprocessOnly runs the recovery pass and skips pagination.
	ReprocessOnly bool

	// StatusInterval is the status line interval.
	StatusInterval time.Duration

	// Coordinator configures the shutdown poll.
	Coordinator CoordinatorConfig

	Logger zerolog.Logger
}

// Summary describes a finished run.
type Summary struct {
	status.Snapshot

	// Recovered is the number of ids replayed from the previous run.
	Recovered int

	// Cursor is the saved cursor, "" at end-of-stream.
	Cursor string

	// InFlight is the number of ids saved for the next run.
	InFlight int
}

// Pipeline is a single migration run.
type Pipeline struct {
	opts     Options
	logger   zerolog.Logger
	store    *checkpoint.Store
	uploaded *journal.Log
	failed   *journal.Log

	state    *State
	coord    *Coordinator
	inflight *checkpoint.InFlightSet
	reader   *source.Reader
	sink     *sink.Bounded
	proc     *Processor
}

// New validates options and opens the state directory.
func New(opts Options) (*Pipeline, error) {
	if opts.Source == nil {
		return nil, fmt.Errorf("source is required")
	}
	if opts.Ledger == nil {
		return nil, fmt.Errorf("ledger is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if opts.StateDir == "" {
		return nil, fmt.Errorf("state directory is required")
	}

	store, err := checkpoint.NewStore(opts.StateDir, opts.Logger)
	if err != nil {
		return nil, err
	}
	uploaded, err := journal.Open(filepath.Join(opts.StateDir, journal.UploadedFile))
	if err != nil {
		return nil, err
	}
	failed, err := journal.Open(filepath.Join(opts.StateDir, journal.FailedFile))
	if err != nil {
		uploaded.Close()
		return nil, err
	}

	state := &State{}
	p := &Pipeline{
		opts:     opts,
		logger:   opts.Logger,
		store:    store,
		uploaded: uploaded,
		failed:   failed,
		state:    state,
		coord:    NewCoordinator(state, opts.Coordinator, opts.Logger),
	}

	deliverer := sink.NewDeliverer(opts.Store, uploaded, failed, opts.Ledger, opts.MinSizeStandardIA, opts.Logger)
	p.proc = NewProcessor(opts.Ledger, deliverer, opts.Logger)
	return p, nil
}

// Close closes the outcome logs.
func (p *Pipeline) Close() error {
	return errors.Join(p.uploaded.Close(), p.failed.Close())
}

// Coordinator returns the run's shutdown coordinator.
func (p *Pipeline) Coordinator() *Coordinator {
	return p.coord
}

// Snapshot returns the live counters.
func (p *Pipeline) Snapshot() status.Snapshot {
	s := p.state.Counts()
	if p.sink != nil {
		s.Active = p.sink.Active()
	}
	return s
}

// Run executes the migration until end-of-stream, ctx cancellation (treated
// as a termination request) or a fatal error. The checkpoint is always saved
// before Run returns, except when startup itself fails. The returned error is
// the shutdown cause, if any, joined with a checkpoint failure.
func (p *Pipeline) Run(ctx context.Context) (*Summary, error) {
	pending, saved, err := p.prepare()
	if err != nil {
		return nil, err
	}

	p.inflight = checkpoint.NewInFlightSet(pending...)
	p.reader = source.NewReader(p.opts.Source, p.opts.Reader, p.state.Gate(), p.inflight, p.logger)

	snapshot := func() *checkpoint.Checkpoint {
		return &checkpoint.Checkpoint{
			Cursor:        p.reader.Cursor(),
			CursorSavedAt: p.reader.LastResponse(),
			InFlight:      p.inflight.Snapshot(),
		}
	}
	// An unusable cursor stops the run only after recovery, which needs none
	var resumeErr error
	if !p.opts.ReprocessOnly {
		resumeErr = p.resume(saved)
	}
	if p.opts.ReprocessOnly || resumeErr != nil {
		// Pagination is untouched: keep the saved cursor and its age
		snapshot = func() *checkpoint.Checkpoint {
			return &checkpoint.Checkpoint{
				Cursor:        saved.Cursor,
				CursorSavedAt: saved.CursorSavedAt,
				InFlight:      p.inflight.Snapshot(),
			}
		}
	}

	p.sink = sink.NewBounded(ctx, p.opts.Sink, p.handle, p.logger)

	p.logger.Info().
		Int("recover", len(pending)).
		Bool("resume", p.reader.Cursor() != "").
		Bool("reprocess_only", p.opts.ReprocessOnly).
		Int("concurrency", p.sink.Concurrency()).
		Msg("Migration started")

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	statusCtx, stopStatus := context.WithCancel(context.Background())
	defer stopStatus()

	reporter := status.NewReporter(p.opts.StatusInterval, p.Snapshot, p.logger)
	streamDone := make(chan struct{})

	var g errgroup.Group
	g.Go(func() error {
		defer close(streamDone)
		p.stream(runCtx, pending, resumeErr)
		return nil
	})
	g.Go(func() error {
		select {
		case <-ctx.Done():
			p.coord.Trigger(ErrInterrupted)
		case <-p.coord.Done():
		case <-streamDone:
			return nil
		}
		// Unblocks a stream loop waiting on backpressure
		cancelRun()
		return nil
	})
	g.Go(func() error {
		reporter.Run(statusCtx)
		return nil
	})

	var final *checkpoint.Checkpoint
	saveErr := p.coord.Finish(streamDone, p.sink, func() *checkpoint.Checkpoint {
		final = snapshot()
		return final
	}, p.store)
	stopStatus()
	g.Wait()

	summary := &Summary{
		Snapshot:  p.Snapshot(),
		Recovered: len(pending),
		Cursor:    final.Cursor,
		InFlight:  len(final.InFlight),
	}

	cause := p.coord.Cause()
	if saveErr != nil {
		saveErr = fatal("save checkpoint", "", saveErr)
	}

	p.logger.Info().
		Int64("uploaded", summary.Uploaded).
		Int64("skipped", summary.Skipped).
		Int64("failed", summary.Failed).
		Int("in_flight", summary.InFlight).
		Bool("complete", cause == nil && summary.Cursor == "" && summary.InFlight == 0).
		Msg("Migration stopped")

	return summary, errors.Join(cause, saveErr)
}

// prepare loads the checkpoint and adopts the failed log into the in-flight
// artifact so recovery reads a single durable list.
func (p *Pipeline) prepare() ([]string, *checkpoint.Checkpoint, error) {
	cp, err := p.store.Load()
	if err != nil {
		return nil, nil, fatal("load checkpoint", "", err)
	}

	failedIDs, err := journal.ReadIDs(p.failed.Path())
	if err != nil {
		return nil, nil, fatal("read failed log", "", err)
	}

	pending := union(cp.InFlight, failedIDs)
	if len(failedIDs) > 0 {
		if err := p.store.SaveInFlight(pending); err != nil {
			return nil, nil, fatal("adopt failed log", "", err)
		}
		if err := p.failed.Truncate(); err != nil {
			return nil, nil, fatal("adopt failed log", "", err)
		}
		p.logger.Info().
			Int("failed", len(failedIDs)).
			Int("in_flight", len(cp.InFlight)).
			Msg("Adopted failed log for reprocessing")
	}
	return pending, cp, nil
}

func (p *Pipeline) resume(cp *checkpoint.Checkpoint) error {
	cursor, issuedAt := cp.Cursor, cp.CursorSavedAt
	if p.opts.Cursor != "" {
		cursor, issuedAt = p.opts.Cursor, time.Now()
	}
	if err := p.reader.Resume(cursor, issuedAt); err != nil {
		return fatal("resume", "", err)
	}
	return nil
}

// stream runs the recovery pass, then pagination unless resumeErr says the
// saved cursor cannot be continued. Errors go to the coordinator.
func (p *Pipeline) stream(ctx context.Context, pending []string, resumeErr error) {
	if !p.recover(ctx, pending) {
		return
	}
	if p.opts.ReprocessOnly {
		return
	}
	if resumeErr != nil {
		p.coord.Trigger(resumeErr)
		return
	}

	for {
		recs, err := p.reader.Next(ctx)
		switch {
		case errors.Is(err, io.EOF), errors.Is(err, source.ErrStopped):
			return
		case err != nil:
			p.coord.Trigger(fatal("fetch page", "", err))
			return
		}

		if !p.submit(ctx, recs...) {
			return
		}
	}
}

// recover replays pending ids by point lookup through the normal delivery
// path and waits for them before pagination resumes. It reports whether the
// stream should continue.
func (p *Pipeline) recover(ctx context.Context, pending []string) bool {
	if len(pending) == 0 {
		return true
	}
	p.logger.Info().Int("ids", len(pending)).Msg("Reprocessing unconfirmed records")

	for _, id := range pending {
		rec, err := p.reader.Fetch(ctx, id)
		switch {
		case errors.Is(err, source.ErrStopped):
			return false
		case errors.Is(err, source.ErrNotFound):
			// Gone from the source: nothing left to deliver
			p.logger.Warn().Str("id", id).Msg("Unconfirmed record no longer in source")
			p.inflight.Remove(id)
			continue
		case err != nil:
			p.coord.Trigger(fatal("fetch record", id, err))
			return false
		}

		if !p.submit(ctx, rec) {
			return false
		}
	}

	p.sink.Flush()
	return !p.state.ShuttingDown()
}

func (p *Pipeline) submit(ctx context.Context, recs ...*record.Record) bool {
	for _, rec := range recs {
		if p.state.ShuttingDown() {
			return false
		}
		if err := p.sink.Submit(ctx, rec); err != nil {
			// Only cancellation fails a submit: a signal or a trigger
			p.coord.Trigger(ErrInterrupted)
			return false
		}
	}
	return true
}

// handle is the sink handler: it processes one record and confirms its
// terminal outcome by removing it from the in-flight set.
func (p *Pipeline) handle(ctx context.Context, rec *record.Record) {
	// Queued records that have not started stay in flight for the next run
	if p.state.ShuttingDown() {
		return
	}

	res := p.proc.Process(ctx, rec)
	if !res.Outcome.Terminal() {
		p.coord.Trigger(res.Err)
		return
	}

	p.state.count(res.Outcome)
	p.inflight.Remove(res.ID)
}

// union merges id lists, dropping duplicates, in sorted order.
func union(lists ...[]string) []string {
	seen := make(map[string]struct{})
	var ids []string
	for _, list := range lists {
		for _, id := range list {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}
