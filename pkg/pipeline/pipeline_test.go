package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sternrassler/fulltext-migrate/internal/testutil"
	"github.com/Sternrassler/fulltext-migrate/pkg/checkpoint"
	"github.com/Sternrassler/fulltext-migrate/pkg/journal"
	"github.com/Sternrassler/fulltext-migrate/pkg/ledger"
	"github.com/Sternrassler/fulltext-migrate/pkg/sink"
	"github.com/Sternrassler/fulltext-migrate/pkg/source"
)

type harness struct {
	es     *testutil.MockElastic
	store  *testutil.FakeStore
	ledger *ledger.Memory
	dir    string
}

func sixDocs() []testutil.Doc {
	ids := []string{"g1/a", "g1/b", "g2/a", "g2/b", "g3/a", "g3/b"}
	docs := make([]testutil.Doc, len(ids))
	for i, id := range ids {
		docs[i] = testutil.Doc{ID: id, Source: map[string]any{"n": i}}
	}
	return docs
}

func newHarness(t *testing.T, docs []testutil.Doc) *harness {
	t.Helper()
	es := testutil.NewMockElastic("items", docs...)
	t.Cleanup(es.Close)
	return &harness{
		es:     es,
		store:  testutil.NewFakeStore(),
		ledger: ledger.NewMemory(),
		dir:    filepath.Join(t.TempDir(), "state"),
	}
}

func (h *harness) options(t *testing.T, concurrency int) Options {
	t.Helper()
	cfg := source.DefaultElasticConfig()
	cfg.URL = h.es.URL()
	cfg.Index = "items"
	es, err := source.NewElastic(cfg, zerolog.Nop())
	require.NoError(t, err)

	return Options{
		Source:            es,
		Ledger:            h.ledger,
		Store:             h.store,
		StateDir:          h.dir,
		Reader:            source.ReaderConfig{PageSize: 2, KeepAlive: time.Hour},
		Sink:              sink.BoundedConfig{Concurrency: concurrency, Prefetch: 2},
		MinSizeStandardIA: 128 * 1024,
		StatusInterval:    10 * time.Millisecond,
		Logger:            zerolog.Nop(),
	}
}

func (h *harness) run(t *testing.T, ctx context.Context, opts Options) (*Summary, error) {
	t.Helper()
	p, err := New(opts)
	require.NoError(t, err)
	defer p.Close()
	return p.Run(ctx)
}

func (h *harness) lines(t *testing.T, name string) []string {
	t.Helper()
	ids, err := journal.ReadIDs(filepath.Join(h.dir, name))
	require.NoError(t, err)
	sort.Strings(ids)
	return ids
}

func (h *harness) exists(name string) bool {
	_, err := os.Stat(filepath.Join(h.dir, name))
	return err == nil
}

func TestRun_Completes(t *testing.T) {
	h := newHarness(t, sixDocs())

	summary, err := h.run(t, context.Background(), h.options(t, 2))
	require.NoError(t, err)

	assert.Len(t, h.store.Puts(), 6)
	assert.Equal(t, 6, h.ledger.Len())
	assert.Len(t, h.lines(t, journal.UploadedFile), 6)
	assert.Empty(t, h.lines(t, journal.FailedFile))
	assert.Equal(t, int64(6), summary.Uploaded)
	assert.Empty(t, summary.Cursor)
	assert.Zero(t, summary.InFlight)
	assert.False(t, h.exists(checkpoint.CursorFile), "cursor artifact after end-of-stream")
	assert.False(t, h.exists(checkpoint.InFlightFile), "in-flight artifact after clean run")

	obj, ok := h.store.Object("g2/b")
	require.True(t, ok)
	assert.Equal(t, "application/gzip", obj.ContentType)
	assert.Equal(t, "STANDARD", string(obj.StorageClass))
}

func TestRun_GroupMarkSkips(t *testing.T) {
	h := newHarness(t, sixDocs())
	require.NoError(t, h.ledger.Mark(context.Background(), "g2"))

	summary, err := h.run(t, context.Background(), h.options(t, 2))
	require.NoError(t, err)

	assert.Equal(t, []string{"g1/a", "g1/b", "g3/a", "g3/b"}, h.store.Puts())
	assert.Equal(t, int64(2), summary.Skipped)
	assert.Empty(t, h.lines(t, journal.FailedFile))
}

func TestRun_FailedRecordReprocessed(t *testing.T) {
	h := newHarness(t, sixDocs())
	h.store.SetFail("g1/b", true)

	summary, err := h.run(t, context.Background(), h.options(t, 2))
	require.NoError(t, err, "delivery failures are not fatal")

	assert.Equal(t, int64(1), summary.Failed)
	assert.Equal(t, []string{"g1/b"}, h.lines(t, journal.FailedFile))
	assert.NotContains(t, h.lines(t, journal.UploadedFile), "g1/b")
	marked, _ := h.ledger.IsMarked(context.Background(), "g1/b")
	assert.False(t, marked)

	// Second run: the failed id is fetched by point lookup and delivered
	h.store.SetFail("g1/b", false)
	summary, err = h.run(t, context.Background(), h.options(t, 2))
	require.NoError(t, err)

	assert.Equal(t, []string{"g1/b"}, h.es.GetPointIDs())
	assert.Equal(t, 1, summary.Recovered)
	assert.Equal(t, int64(1), summary.Uploaded)
	assert.Equal(t, int64(6), summary.Skipped, "the re-scroll finds every id marked")
	marked, _ = h.ledger.IsMarked(context.Background(), "g1/b")
	assert.True(t, marked)
	assert.Contains(t, h.lines(t, journal.UploadedFile), "g1/b")
	assert.Empty(t, h.lines(t, journal.FailedFile))
}

func TestRun_IdempotentAcrossRuns(t *testing.T) {
	h := newHarness(t, sixDocs())

	_, err := h.run(t, context.Background(), h.options(t, 2))
	require.NoError(t, err)

	summary, err := h.run(t, context.Background(), h.options(t, 2))
	require.NoError(t, err)

	assert.Len(t, h.store.Puts(), 6, "second run must not write again")
	assert.Equal(t, int64(6), summary.Skipped)
	assert.Zero(t, summary.Uploaded)
}

func TestRun_ConcurrencyCeiling(t *testing.T) {
	docs := make([]testutil.Doc, 40)
	for i := range docs {
		docs[i] = testutil.Doc{ID: fmt.Sprintf("g%d/item", i)}
	}
	h := newHarness(t, docs)
	h.store.Delay = 3 * time.Millisecond

	opts := h.options(t, 3)
	opts.Reader.PageSize = 10

	_, err := h.run(t, context.Background(), opts)
	require.NoError(t, err)

	assert.Len(t, h.store.Puts(), 40)
	assert.LessOrEqual(t, h.store.MaxActive(), 3)
}

func TestRun_ShutdownWaitsForOutstandingFetch(t *testing.T) {
	h := newHarness(t, sixDocs())
	entered := h.es.HoldScroll()

	p, err := New(h.options(t, 2))
	require.NoError(t, err)
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := p.Run(ctx)
		done <- err
	}()

	<-entered
	cancel()

	select {
	case <-done:
		t.Fatal("Run returned while a page request was outstanding")
	case <-time.After(100 * time.Millisecond):
	}
	assert.Equal(t, PhaseDraining, p.Coordinator().Phase())
	assert.False(t, h.exists(checkpoint.CursorFile), "checkpoint written during outstanding fetch")

	h.es.Release()
	err = <-done
	require.ErrorIs(t, err, ErrInterrupted)

	// The held page was captured before the cursor moved past it
	cp, err := checkpoint.NewStore(h.dir, zerolog.Nop())
	require.NoError(t, err)
	loaded, err := cp.Load()
	require.NoError(t, err)
	assert.NotEmpty(t, loaded.Cursor)
	assert.Subset(t, loaded.InFlight, []string{"g2/a", "g2/b"})

	accounted := append(loaded.InFlight, h.lines(t, journal.UploadedFile)...)
	sort.Strings(accounted)
	assert.Equal(t, []string{"g1/a", "g1/b", "g2/a", "g2/b"}, accounted)
}

func TestRun_CheckpointCompleteness(t *testing.T) {
	h := newHarness(t, sixDocs())
	gate := make(chan struct{})
	h.store.Gate = gate

	p, err := New(h.options(t, 2))
	require.NoError(t, err)
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := p.Run(ctx)
		done <- err
	}()

	require.Eventually(t, func() bool { return h.store.Active() == 2 }, 2*time.Second, time.Millisecond)
	cancel()
	require.Eventually(t, func() bool { return p.Coordinator().Phase() == PhaseDraining }, 2*time.Second, time.Millisecond)
	close(gate)

	require.ErrorIs(t, <-done, ErrInterrupted)

	loaded, err := p.store.Load()
	require.NoError(t, err)
	uploaded := h.lines(t, journal.UploadedFile)

	// Outstanding deliveries settled; everything else fetched is saved once
	assert.Equal(t, []string{"g1/a", "g1/b"}, uploaded)
	for _, id := range loaded.InFlight {
		assert.NotContains(t, uploaded, id)
	}
	fetched := append(append([]string(nil), uploaded...), loaded.InFlight...)
	sort.Strings(fetched)
	all := []string{"g1/a", "g1/b", "g2/a", "g2/b", "g3/a", "g3/b"}
	assert.Equal(t, all[:len(fetched)], fetched)
}

type brokenLedger struct{ *ledger.Memory }

func (brokenLedger) IsMarked(context.Context, string) (bool, error) {
	return false, fmt.Errorf("%w: redis get: connection refused", ledger.ErrLedger)
}

func TestRun_LedgerErrorIsFatal(t *testing.T) {
	h := newHarness(t, sixDocs())
	opts := h.options(t, 2)
	opts.Ledger = brokenLedger{ledger.NewMemory()}

	summary, err := h.run(t, context.Background(), opts)
	require.Error(t, err)
	assert.ErrorIs(t, err, ledger.ErrLedger)
	assert.Equal(t, SeverityFatal, Classify(err))

	assert.Empty(t, h.store.Puts())
	assert.Positive(t, summary.InFlight)
	assert.True(t, h.exists(checkpoint.InFlightFile))
	assert.Subset(t, h.lines(t, checkpoint.InFlightFile), []string{"g1/a", "g1/b"})
}

func TestRun_ExpiredCursor(t *testing.T) {
	h := newHarness(t, sixDocs())
	st, err := checkpoint.NewStore(h.dir, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, st.Save(&checkpoint.Checkpoint{
		Cursor:        "scroll-old",
		CursorSavedAt: time.Now().Add(-2 * time.Hour),
		InFlight:      []string{"g1/a"},
	}))

	summary, err := h.run(t, context.Background(), h.options(t, 2))
	require.ErrorIs(t, err, source.ErrCursorExpired)
	assert.Equal(t, SeverityFatal, Classify(err))
	assert.Zero(t, h.es.GetScrollCount())
	assert.Zero(t, h.es.GetSearchCount())

	// Unconfirmed ids are replayed before the cursor is rejected
	assert.Equal(t, []string{"g1/a"}, h.es.GetPointIDs())
	assert.Equal(t, []string{"g1/a"}, h.store.Puts())
	assert.Equal(t, 1, summary.Recovered)
	assert.Equal(t, int64(1), summary.Uploaded)

	loaded, err := st.Load()
	require.NoError(t, err)
	assert.Equal(t, "scroll-old", loaded.Cursor)
	assert.Empty(t, loaded.InFlight)
}

func TestRun_ReprocessOnly(t *testing.T) {
	h := newHarness(t, sixDocs())
	st, err := checkpoint.NewStore(h.dir, zerolog.Nop())
	require.NoError(t, err)
	savedAt := time.Now().Add(-5 * time.Minute).Truncate(time.Second)
	require.NoError(t, st.Save(&checkpoint.Checkpoint{
		Cursor:        "scroll-kept",
		CursorSavedAt: savedAt,
		InFlight:      []string{"g2/a", "gone/x"},
	}))

	opts := h.options(t, 2)
	opts.ReprocessOnly = true
	summary, err := h.run(t, context.Background(), opts)
	require.NoError(t, err)

	assert.Equal(t, []string{"g2/a"}, h.store.Puts())
	assert.Zero(t, h.es.GetSearchCount())
	assert.Equal(t, "scroll-kept", summary.Cursor)
	assert.Zero(t, summary.InFlight, "ids missing from the source are dropped")

	loaded, err := st.Load()
	require.NoError(t, err)
	assert.Equal(t, "scroll-kept", loaded.Cursor)
	assert.True(t, loaded.CursorSavedAt.Equal(savedAt), "cursor age must be preserved")
	assert.Empty(t, loaded.InFlight)
}

func TestRun_AdoptsFailedLog(t *testing.T) {
	h := newHarness(t, sixDocs())
	require.NoError(t, os.MkdirAll(h.dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(h.dir, journal.FailedFile), []byte("g3/a\ng3/a\n"), 0644))

	opts := h.options(t, 2)
	opts.ReprocessOnly = true
	summary, err := h.run(t, context.Background(), opts)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Recovered)
	assert.Equal(t, []string{"g3/a"}, h.store.Puts())
	assert.Empty(t, h.lines(t, journal.FailedFile))
}

func TestRun_CursorOverride(t *testing.T) {
	h := newHarness(t, sixDocs())

	cfg := source.DefaultElasticConfig()
	cfg.URL = h.es.URL()
	cfg.Index = "items"
	es, err := source.NewElastic(cfg, zerolog.Nop())
	require.NoError(t, err)
	first, err := es.Search(context.Background(), 2)
	require.NoError(t, err)

	opts := h.options(t, 2)
	opts.Cursor = first.Cursor
	_, err = h.run(t, context.Background(), opts)
	require.NoError(t, err)

	assert.Equal(t, []string{"g2/a", "g2/b", "g3/a", "g3/b"}, h.store.Puts())
	assert.Equal(t, 1, h.es.GetSearchCount())
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)

	h := newHarness(t, nil)
	opts := h.options(t, 1)
	opts.StateDir = ""
	_, err = New(opts)
	assert.Error(t, err)
}

func TestUnion(t *testing.T) {
	got := union([]string{"b", "a"}, []string{"a", "c"}, nil)
	assert.Equal(t, []string{"a", "b", "c"}, got)
	assert.Empty(t, union())
	assert.True(t, errors.Is(fatal("x", "", ErrInterrupted), ErrInterrupted))
}
