package source

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/fulltext-migrate/pkg/record"
)

// DefaultPageSize is the number of records requested per page.
const DefaultPageSize = 50

// Source is the paginated protocol the reader drives.
type Source interface {
	// Search opens a new stream and returns its first page.
	Search(ctx context.Context, pageSize int) (*Page, error)

	// Continue returns the page following cursor.
	Continue(ctx context.Context, cursor string) (*Page, error)

	// Get fetches one record by id, or ErrNotFound.
	Get(ctx context.Context, id string) (*record.Record, error)
}

// Gate is the reader's view of shared pipeline state. The reader is the only
// writer of the awaiting flag; it never sets the shutdown flag.
type Gate interface {
	// Stopped reports whether shutdown has been requested.
	Stopped() bool

	// SetAwaiting marks a source request as outstanding.
	SetAwaiting(bool)
}

// Tracker receives the ids of every fetched page before the cursor advances.
type Tracker interface {
	Add(ids ...string)
}

// ReaderConfig configures a Reader.
type ReaderConfig struct {
	// PageSize is the page size requested from the source.
	PageSize int

	// KeepAlive is the cursor validity window. Zero disables the expiry check.
	KeepAlive time.Duration
}

// Reader pulls pages from a Source, holding the current cursor.
// Next is not safe for concurrent use; Cursor may be read from any goroutine.
type Reader struct {
	src     Source
	gate    Gate
	tracker Tracker
	config  ReaderConfig
	logger  zerolog.Logger
	now     func() time.Time

	mu       sync.Mutex
	cursor   string
	lastCall time.Time
	done     bool
}

// NewReader creates a reader that starts a fresh stream unless Resume is called.
func NewReader(src Source, cfg ReaderConfig, gate Gate, tracker Tracker, logger zerolog.Logger) *Reader {
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	return &Reader{
		src:     src,
		gate:    gate,
		tracker: tracker,
		config:  cfg,
		logger:  logger,
		now:     time.Now,
	}
}

// Resume continues an existing stream from cursor, issued at issuedAt.
// It fails with ErrCursorExpired when the validity window has already lapsed.
func (r *Reader) Resume(cursor string, issuedAt time.Time) error {
	if cursor == "" {
		return nil
	}
	if r.expired(issuedAt) {
		return fmt.Errorf("%w: issued %s ago, keep-alive %s",
			ErrCursorExpired, r.now().Sub(issuedAt).Round(time.Second), r.config.KeepAlive)
	}

	r.mu.Lock()
	r.cursor = cursor
	r.lastCall = issuedAt
	r.mu.Unlock()

	r.logger.Info().Time("issued_at", issuedAt).Msg("Resuming from saved cursor")
	return nil
}

// Cursor returns the cursor of the next page, "" before the first fetch and
// after end-of-stream.
func (r *Reader) Cursor() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cursor
}

// LastResponse returns when the held cursor was last issued or refreshed.
func (r *Reader) LastResponse() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastCall
}

// Next returns the next non-empty page. It returns io.EOF at end-of-stream,
// ErrStopped once shutdown was requested and ErrCursorExpired if the held
// cursor lapsed. Other errors are source transport errors.
//
// An outstanding request is not cancelled by ctx: the response carries the
// cursor that must be checkpointed, so the request runs to completion.
func (r *Reader) Next(ctx context.Context) ([]*record.Record, error) {
	if r.gate.Stopped() {
		return nil, ErrStopped
	}

	r.mu.Lock()
	cursor, lastCall, done := r.cursor, r.lastCall, r.done
	r.mu.Unlock()

	if done {
		return nil, io.EOF
	}
	if cursor != "" && r.expired(lastCall) {
		return nil, fmt.Errorf("%w: last response %s ago", ErrCursorExpired, r.now().Sub(lastCall).Round(time.Second))
	}

	r.gate.SetAwaiting(true)
	defer r.gate.SetAwaiting(false)

	fetchCtx := context.WithoutCancel(ctx)

	var (
		page *Page
		err  error
	)
	if cursor == "" {
		page, err = r.src.Search(fetchCtx, r.config.PageSize)
	} else {
		page, err = r.src.Continue(fetchCtx, cursor)
	}
	if err != nil {
		return nil, fmt.Errorf("fetch page: %w", err)
	}

	ids := make([]string, len(page.Records))
	for i, rec := range page.Records {
		ids[i] = rec.ID
	}

	// Ids are tracked before the cursor moves past them
	if len(ids) > 0 {
		r.tracker.Add(ids...)
	}

	r.mu.Lock()
	r.lastCall = r.now()
	if len(page.Records) == 0 {
		r.done = true
		r.cursor = ""
	} else if page.Cursor != "" {
		r.cursor = page.Cursor
	}
	r.mu.Unlock()

	if len(page.Records) == 0 {
		r.logger.Info().Msg("Source stream exhausted")
		return nil, io.EOF
	}

	r.logger.Debug().Int("records", len(page.Records)).Msg("Fetched page")
	return page.Records, nil
}

// Fetch retrieves a single record by id for reprocessing. It follows the same
// gate protocol as Next.
func (r *Reader) Fetch(ctx context.Context, id string) (*record.Record, error) {
	if r.gate.Stopped() {
		return nil, ErrStopped
	}

	r.gate.SetAwaiting(true)
	defer r.gate.SetAwaiting(false)

	rec, err := r.src.Get(context.WithoutCancel(ctx), id)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", id, err)
	}
	return rec, nil
}

func (r *Reader) expired(since time.Time) bool {
	if r.config.KeepAlive <= 0 || since.IsZero() {
		return false
	}
	return r.now().Sub(since) > r.config.KeepAlive
}
