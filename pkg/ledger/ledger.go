package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/Sternrassler/fulltext-migrate/pkg/record"
)

// KeyPrefix namespaces ledger marks in the shared keyspace.
const KeyPrefix = "s3:"

// MarkValue is the value stored for a mark. Only presence is meaningful.
const MarkValue = "1"

// ErrLedger wraps every ledger transport error. Ledger errors are fatal.
var ErrLedger = errors.New("ledger unavailable")

// Level is the granularity at which a record was found marked.
type Level string

const (
	// LevelNone means no mark exists; the record must be delivered.
	LevelNone Level = ""

	// LevelRecord means the record id itself is marked.
	LevelRecord Level = "record"

	// LevelGroup means the record's group id is marked.
	LevelGroup Level = "group"
)

// Ledger is the idempotency mark store. Implementations must tolerate
// concurrent independent lookups and writes.
type Ledger interface {
	// IsMarked reports whether a mark exists for id (a record or group id).
	IsMarked(ctx context.Context, id string) (bool, error)

	// Mark records a successful delivery of id. Marking is idempotent.
	Mark(ctx context.Context, id string) error
}

// Key returns the ledger key for a record or group id.
func Key(id string) string {
	return KeyPrefix + id
}

// Check looks up the record-level mark, then the group-level mark.
// The group lookup is skipped when the record is already marked or the id
// has no separate group.
func Check(ctx context.Context, l Ledger, id string) (Level, error) {
	marked, err := l.IsMarked(ctx, id)
	if err != nil {
		return LevelNone, err
	}
	if marked {
		return LevelRecord, nil
	}

	group := record.GroupID(id)
	if group == id {
		return LevelNone, nil
	}

	marked, err = l.IsMarked(ctx, group)
	if err != nil {
		return LevelNone, err
	}
	if marked {
		return LevelGroup, nil
	}
	return LevelNone, nil
}

func wrap(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrLedger, op, err)
}
