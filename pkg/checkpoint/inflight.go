package checkpoint

import (
	"sort"
	"sync"
)

// InFlightSet is the concurrent set of ids fetched but not yet confirmed.
type InFlightSet struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

// NewInFlightSet returns a set seeded with ids.
func NewInFlightSet(ids ...string) *InFlightSet {
	s := &InFlightSet{ids: make(map[string]struct{}, len(ids))}
	s.Add(ids...)
	return s
}

// Add inserts ids.
func (s *InFlightSet) Add(ids ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		s.ids[id] = struct{}{}
	}
}

// Remove deletes id once its outcome is confirmed.
func (s *InFlightSet) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ids, id)
}

// Contains reports whether id is in the set.
func (s *InFlightSet) Contains(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.ids[id]
	return ok
}

// Len returns the number of ids.
func (s *InFlightSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ids)
}

// Snapshot returns the ids in sorted order.
func (s *InFlightSet) Snapshot() []string {
	s.mu.Lock()
	ids := make([]string, 0, len(s.ids))
	for id := range s.ids {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	sort.Strings(ids)
	return ids
}
