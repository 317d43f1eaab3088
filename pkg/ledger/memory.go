package ledger

import (
	"context"

	gocache "github.com/patrickmn/go-cache"
)

// Memory is an in-process ledger. Marks never expire and are lost on exit.
type Memory struct {
	cache *gocache.Cache
}

// NewMemory creates an empty in-memory ledger.
func NewMemory() *Memory {
	return &Memory{
		cache: gocache.New(gocache.NoExpiration, 0),
	}
}

// IsMarked implements Ledger.
func (m *Memory) IsMarked(_ context.Context, id string) (bool, error) {
	_, found := m.cache.Get(Key(id))
	if found {
		LookupsTotal.WithLabelValues("memory", "hit").Inc()
	} else {
		LookupsTotal.WithLabelValues("memory", "miss").Inc()
	}
	return found, nil
}

// Mark implements Ledger.
func (m *Memory) Mark(_ context.Context, id string) error {
	m.cache.Set(Key(id), MarkValue, gocache.NoExpiration)
	MarksTotal.WithLabelValues("memory").Inc()
	return nil
}

// Len returns the number of marks.
func (m *Memory) Len() int {
	return m.cache.ItemCount()
}
