// Package testutil provides testing utilities for the fulltext migration.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
)

// Doc is a document served by MockElastic.
type Doc struct {
	ID     string
	Source map[string]any
}

// MockElastic is a configurable mock Elasticsearch server implementing the
// scroll search, scroll continuation and point get endpoints.
type MockElastic struct {
	server   *httptest.Server
	mu       sync.RWMutex
	index    string
	docs     []Doc
	scrolls  map[string]scrollState
	nextID   int
	handlers map[string]func(w http.ResponseWriter, r *http.Request)
	hold     chan struct{}
	entered  chan struct{}

	// Tracking
	SearchCount int
	ScrollCount int
	GetCount    int
	GetIDs      []string
}

// NewMockElastic creates a mock server for index serving docs in order.
func NewMockElastic(index string, docs ...Doc) *MockElastic {
	mock := &MockElastic{
		index:    index,
		docs:     docs,
		scrolls:  make(map[string]scrollState),
		handlers: make(map[string]func(w http.ResponseWriter, r *http.Request)),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mock.mu.RLock()
		handler, exists := mock.handlers[r.URL.Path]
		mock.mu.RUnlock()

		if exists {
			handler(w, r)
			return
		}
		mock.route(w, r)
	}))

	return mock
}

// URL returns the mock server URL.
func (m *MockElastic) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockElastic) Close() {
	m.Release()
	m.server.Close()
}

// SetHandler overrides the handler for a specific path.
func (m *MockElastic) SetHandler(path string, handler func(w http.ResponseWriter, r *http.Request)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// SetDocs replaces the served documents. Open scrolls keep their offsets.
func (m *MockElastic) SetDocs(docs ...Doc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs = docs
}

// ExpireScrolls forgets every open scroll context.
func (m *MockElastic) ExpireScrolls() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scrolls = make(map[string]scrollState)
}

// HoldScroll makes scroll continuations block until Release is called.
// The returned channel is closed once the first held request has arrived.
func (m *MockElastic) HoldScroll() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hold = make(chan struct{})
	m.entered = make(chan struct{})
	return m.entered
}

// Release unblocks a held scroll continuation.
func (m *MockElastic) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.hold != nil {
		close(m.hold)
		m.hold = nil
	}
}

// GetSearchCount returns the number of scroll searches started.
func (m *MockElastic) GetSearchCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.SearchCount
}

// GetScrollCount returns the number of scroll continuations.
func (m *MockElastic) GetScrollCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ScrollCount
}

// GetPointIDs returns the ids requested through point gets, in order.
func (m *MockElastic) GetPointIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.GetIDs...)
}

func (m *MockElastic) route(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=UTF-8")

	segments := strings.Split(strings.Trim(r.URL.EscapedPath(), "/"), "/")
	switch {
	case len(segments) == 2 && segments[1] == "_search" && r.Method == http.MethodPost:
		m.handleSearch(w, r, segments[0])
	case len(segments) == 2 && segments[0] == "_search" && segments[1] == "scroll":
		m.handleScroll(w, r)
	case len(segments) == 3 && r.Method == http.MethodGet:
		id, err := url.PathUnescape(segments[2])
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		m.handleGet(w, segments[0], id)
	default:
		writeError(w, http.StatusBadRequest, "unsupported request "+r.Method+" "+r.URL.Path)
	}
}

func (m *MockElastic) handleSearch(w http.ResponseWriter, r *http.Request, index string) {
	if index != m.index {
		writeError(w, http.StatusNotFound, "index_not_found_exception")
		return
	}
	size, err := strconv.Atoi(r.URL.Query().Get("size"))
	if err != nil || size <= 0 {
		size = 10
	}

	m.mu.Lock()
	m.SearchCount++
	scrollID := m.newScroll(scrollState{size: size})
	resp := m.page(scrollID)
	m.mu.Unlock()

	json.NewEncoder(w).Encode(resp)
}

func (m *MockElastic) handleScroll(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ScrollID string `json:"scroll_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	m.mu.Lock()
	m.ScrollCount++
	hold, entered := m.hold, m.entered
	m.entered = nil
	m.mu.Unlock()

	if entered != nil {
		close(entered)
	}
	if hold != nil {
		<-hold
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.scrolls[body.ScrollID]; !ok {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]any{
			"error":  map[string]any{"type": "search_context_missing_exception"},
			"status": http.StatusNotFound,
		})
		return
	}
	json.NewEncoder(w).Encode(m.page(body.ScrollID))
}

func (m *MockElastic) handleGet(w http.ResponseWriter, index, id string) {
	m.mu.Lock()
	m.GetCount++
	m.GetIDs = append(m.GetIDs, id)
	var found *Doc
	for i := range m.docs {
		if m.docs[i].ID == id {
			found = &m.docs[i]
			break
		}
	}
	m.mu.Unlock()

	if index != m.index || found == nil {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]any{"_index": index, "_id": id, "found": false})
		return
	}
	json.NewEncoder(w).Encode(map[string]any{
		"_index":  index,
		"_id":     id,
		"found":   true,
		"_source": found.Source,
	})
}

// scrollState tracks offset and page size per scroll id.
type scrollState struct {
	offset int
	size   int
}

// newScroll registers a scroll context. Must be called with mu held.
func (m *MockElastic) newScroll(state scrollState) string {
	m.nextID++
	id := fmt.Sprintf("scroll-%d", m.nextID)
	m.scrolls[id] = state
	return id
}

// page serves the next page of scrollID and rotates the scroll id, as
// Elasticsearch may. Must be called with mu held.
func (m *MockElastic) page(scrollID string) map[string]any {
	state := m.scrolls[scrollID]
	offset := state.offset
	end := offset + state.size
	if end > len(m.docs) {
		end = len(m.docs)
	}
	if offset > end {
		offset = end
	}

	hits := make([]map[string]any, 0, end-offset)
	for _, doc := range m.docs[offset:end] {
		hit := map[string]any{"_index": m.index, "_id": doc.ID}
		if doc.Source != nil {
			hit["_source"] = doc.Source
		}
		hits = append(hits, hit)
	}

	delete(m.scrolls, scrollID)
	next := m.newScroll(scrollState{offset: end, size: state.size})

	return map[string]any{
		"_scroll_id": next,
		"hits": map[string]any{
			"total": len(m.docs),
			"hits":  hits,
		},
	}
}

func writeError(w http.ResponseWriter, status int, reason string) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"error":  map[string]any{"reason": reason},
		"status": status,
	})
}
