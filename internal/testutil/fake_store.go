package testutil

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/Sternrassler/fulltext-migrate/pkg/record"
)

// ErrInjected is returned by FakeStore for ids configured to fail.
var ErrInjected = errors.New("injected put failure")

// FakeStore is an in-memory sink store that records every put.
type FakeStore struct {
	mu      sync.Mutex
	objects map[string]*record.Encoded
	puts    []string
	failIDs map[string]bool

	// Delay is applied to every put.
	Delay time.Duration

	// Gate, when set, blocks every put until it is closed.
	Gate chan struct{}

	active    int
	maxActive int
}

// NewFakeStore creates a store failing puts for failIDs.
func NewFakeStore(failIDs ...string) *FakeStore {
	s := &FakeStore{
		objects: make(map[string]*record.Encoded),
		failIDs: make(map[string]bool),
	}
	for _, id := range failIDs {
		s.failIDs[id] = true
	}
	return s
}

// SetFail toggles injected failures for id.
func (s *FakeStore) SetFail(id string, fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failIDs[id] = fail
}

// Put implements sink.Store.
func (s *FakeStore) Put(ctx context.Context, obj *record.Encoded) error {
	s.mu.Lock()
	s.puts = append(s.puts, obj.Key)
	s.active++
	if s.active > s.maxActive {
		s.maxActive = s.active
	}
	gate := s.Gate
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.active--
		s.mu.Unlock()
	}()

	if gate != nil {
		<-gate
	}
	if s.Delay > 0 {
		time.Sleep(s.Delay)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failIDs[obj.Key] {
		return ErrInjected
	}
	s.objects[obj.Key] = obj
	return nil
}

// Puts returns the keys of every put attempt, sorted.
func (s *FakeStore) Puts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	puts := append([]string(nil), s.puts...)
	sort.Strings(puts)
	return puts
}

// Object returns the stored object for key.
func (s *FakeStore) Object(key string) (*record.Encoded, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[key]
	return obj, ok
}

// MaxActive returns the highest number of concurrent puts observed.
func (s *FakeStore) MaxActive() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxActive
}

// Active returns the number of puts currently in progress.
func (s *FakeStore) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}
