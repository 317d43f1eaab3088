package source

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/fulltext-migrate/internal/testutil"
)

type testGate struct {
	stopped  atomic.Bool
	awaiting atomic.Bool
}

func (g *testGate) Stopped() bool      { return g.stopped.Load() }
func (g *testGate) SetAwaiting(v bool) { g.awaiting.Store(v) }

type testTracker struct {
	mu  sync.Mutex
	ids []string
}

func (t *testTracker) Add(ids ...string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ids = append(t.ids, ids...)
}

func (t *testTracker) list() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.ids...)
}

func sixDocs() []testutil.Doc {
	return []testutil.Doc{
		{ID: "g1/a"}, {ID: "g1/b"},
		{ID: "g2/a"}, {ID: "g2/b"},
		{ID: "g3/a"}, {ID: "g3/b"},
	}
}

func TestReader_ReadsAllPages(t *testing.T) {
	mock := testutil.NewMockElastic("items", sixDocs()...)
	defer mock.Close()

	gate := &testGate{}
	tracker := &testTracker{}
	r := NewReader(newTestElastic(t, mock), ReaderConfig{PageSize: 2, KeepAlive: time.Hour}, gate, tracker, zerolog.Nop())

	var pages int
	for {
		recs, err := r.Next(context.Background())
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		if len(recs) != 2 {
			t.Errorf("page %d has %d records, want 2", pages, len(recs))
		}
		if r.Cursor() == "" {
			t.Errorf("cursor empty after page %d", pages)
		}
		pages++
	}

	if pages != 3 {
		t.Errorf("pages = %d, want 3", pages)
	}
	if r.Cursor() != "" {
		t.Errorf("cursor after end-of-stream = %q, want empty", r.Cursor())
	}
	if got := len(tracker.list()); got != 6 {
		t.Errorf("tracked %d ids, want 6", got)
	}
	if gate.awaiting.Load() {
		t.Error("awaiting flag left set")
	}

	// Exhausted readers stay exhausted
	if _, err := r.Next(context.Background()); !errors.Is(err, io.EOF) {
		t.Errorf("Next() after EOF = %v, want io.EOF", err)
	}
}

func TestReader_StoppedGate(t *testing.T) {
	mock := testutil.NewMockElastic("items", sixDocs()...)
	defer mock.Close()

	gate := &testGate{}
	gate.stopped.Store(true)
	r := NewReader(newTestElastic(t, mock), ReaderConfig{PageSize: 2}, gate, &testTracker{}, zerolog.Nop())

	if _, err := r.Next(context.Background()); !errors.Is(err, ErrStopped) {
		t.Errorf("Next() error = %v, want ErrStopped", err)
	}
	if mock.GetSearchCount() != 0 {
		t.Error("stopped reader must not issue requests")
	}
}

func TestReader_AwaitingDuringFetch(t *testing.T) {
	mock := testutil.NewMockElastic("items", sixDocs()...)
	defer mock.Close()

	gate := &testGate{}
	tracker := &testTracker{}
	r := NewReader(newTestElastic(t, mock), ReaderConfig{PageSize: 2}, gate, tracker, zerolog.Nop())

	if _, err := r.Next(context.Background()); err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	first := r.Cursor()

	entered := mock.HoldScroll()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := r.Next(ctx)
		done <- err
	}()

	<-entered
	if !gate.awaiting.Load() {
		t.Error("awaiting flag should be set while a request is outstanding")
	}

	// Cancellation does not abandon the outstanding request
	cancel()
	mock.Release()

	if err := <-done; err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if gate.awaiting.Load() {
		t.Error("awaiting flag should be cleared after the response")
	}
	if r.Cursor() == first {
		t.Error("cursor should advance past the held page")
	}
	if got := len(tracker.list()); got != 4 {
		t.Errorf("tracked %d ids, want 4", got)
	}
}

func TestReader_Resume(t *testing.T) {
	mock := testutil.NewMockElastic("items", sixDocs()...)
	defer mock.Close()

	e := newTestElastic(t, mock)
	first, err := e.Search(context.Background(), 2)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}

	tracker := &testTracker{}
	r := NewReader(e, ReaderConfig{PageSize: 2, KeepAlive: time.Hour}, &testGate{}, tracker, zerolog.Nop())
	if err := r.Resume(first.Cursor, time.Now()); err != nil {
		t.Fatalf("Resume() error = %v", err)
	}

	recs, err := r.Next(context.Background())
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if recs[0].ID != "g2/a" {
		t.Errorf("resumed at %q, want g2/a", recs[0].ID)
	}
	if mock.GetSearchCount() != 1 {
		t.Errorf("resume must not restart the stream, searches = %d", mock.GetSearchCount())
	}
}

func TestReader_ExpiredCursor(t *testing.T) {
	mock := testutil.NewMockElastic("items", sixDocs()...)
	defer mock.Close()

	r := NewReader(newTestElastic(t, mock), ReaderConfig{PageSize: 2, KeepAlive: time.Minute}, &testGate{}, &testTracker{}, zerolog.Nop())

	err := r.Resume("scroll-1", time.Now().Add(-2*time.Minute))
	if !errors.Is(err, ErrCursorExpired) {
		t.Errorf("Resume() error = %v, want ErrCursorExpired", err)
	}

	// A stalled reader refuses to continue a lapsed cursor
	if err := r.Resume("scroll-1", time.Now()); err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	now := time.Now()
	r.now = func() time.Time { return now.Add(5 * time.Minute) }

	if _, err := r.Next(context.Background()); !errors.Is(err, ErrCursorExpired) {
		t.Errorf("Next() error = %v, want ErrCursorExpired", err)
	}
	if mock.GetScrollCount() != 0 {
		t.Error("expired cursor must not be sent to the source")
	}
}

func TestReader_Fetch(t *testing.T) {
	mock := testutil.NewMockElastic("items", sixDocs()...)
	defer mock.Close()

	r := NewReader(newTestElastic(t, mock), ReaderConfig{}, &testGate{}, &testTracker{}, zerolog.Nop())

	rec, err := r.Fetch(context.Background(), "g2/b")
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if rec.ID != "g2/b" {
		t.Errorf("Fetch() id = %q", rec.ID)
	}

	if _, err := r.Fetch(context.Background(), "gone/x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Fetch(missing) error = %v, want ErrNotFound", err)
	}
}
