// Package record defines the unit of migration: a source document addressed by a
// composite "groupId/itemKey" id, and its compressed object-store encoding.
package record

import "strings"

// Separator joins the group id and the item key inside a record id.
const Separator = "/"

// KeyField is the payload field the pipeline injects from the item key.
// The source's own serialization omits it.
const KeyField = "key"

// Record is a single document fetched from the source.
type Record struct {
	// ID is the composite id, e.g. "12345/ABCD2345". Immutable once fetched.
	ID string

	// Payload is the source document. A missing document is an empty map.
	Payload map[string]any
}

// New returns a record with a non-nil payload.
func New(id string, payload map[string]any) *Record {
	if payload == nil {
		payload = make(map[string]any)
	}
	return &Record{ID: id, Payload: payload}
}

// GroupID returns the first path segment of id. An id without a separator is
// its own group.
func GroupID(id string) string {
	if i := strings.Index(id, Separator); i >= 0 {
		return id[:i]
	}
	return id
}

// ItemKey returns the second path segment of id, or "" when there is none.
func ItemKey(id string) string {
	parts := strings.Split(id, Separator)
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}

// GroupID returns the record's group id.
func (r *Record) GroupID() string {
	return GroupID(r.ID)
}

// ItemKey returns the record's item key.
func (r *Record) ItemKey() string {
	return ItemKey(r.ID)
}

// InjectKey writes the item key into the payload's "key" field.
// Records without an item key are left unchanged.
func (r *Record) InjectKey() {
	if r.Payload == nil {
		r.Payload = make(map[string]any)
	}
	if key := r.ItemKey(); key != "" {
		r.Payload[KeyField] = key
	}
}
