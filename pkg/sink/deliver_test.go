package sink

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/fulltext-migrate/internal/testutil"
	"github.com/Sternrassler/fulltext-migrate/pkg/ledger"
	"github.com/Sternrassler/fulltext-migrate/pkg/record"
)

type memLog struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (l *memLog) Append(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return l.err
	}
	l.ids = append(l.ids, id)
	return nil
}

type failingMarker struct{}

func (failingMarker) Mark(context.Context, string) error {
	return errors.New("connection reset")
}

func TestDeliverer_Success(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewFakeStore()
	uploaded, failed := &memLog{}, &memLog{}
	marks := ledger.NewMemory()

	d := NewDeliverer(store, uploaded, failed, marks, 1<<20, zerolog.Nop())

	rec := record.New("12345/ABCD2345", map[string]any{"title": "lamp"})
	if err := d.Deliver(ctx, rec); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	obj, ok := store.Object("12345/ABCD2345")
	if !ok {
		t.Fatal("object not written")
	}
	if obj.ContentType != record.ContentType || obj.StorageClass != record.StorageClassStandard {
		t.Errorf("object = %s %s", obj.ContentType, obj.StorageClass)
	}
	if rec.Payload[record.KeyField] != "ABCD2345" {
		t.Errorf("key not injected: %v", rec.Payload)
	}
	if len(uploaded.ids) != 1 || len(failed.ids) != 0 {
		t.Errorf("uploaded = %v, failed = %v", uploaded.ids, failed.ids)
	}
	if marked, _ := marks.IsMarked(ctx, "12345/ABCD2345"); !marked {
		t.Error("delivered record not marked")
	}
}

func TestDeliverer_PutFailure(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewFakeStore("g1/b")
	uploaded, failed := &memLog{}, &memLog{}
	marks := ledger.NewMemory()

	d := NewDeliverer(store, uploaded, failed, marks, 1<<20, zerolog.Nop())

	err := d.Deliver(ctx, record.New("g1/b", nil))

	var delErr *DeliveryError
	if !errors.As(err, &delErr) {
		t.Fatalf("Deliver = %v, want *DeliveryError", err)
	}
	if !errors.Is(err, testutil.ErrInjected) {
		t.Errorf("cause not preserved: %v", err)
	}
	if len(failed.ids) != 1 || failed.ids[0] != "g1/b" {
		t.Errorf("failed log = %v", failed.ids)
	}
	if len(uploaded.ids) != 0 {
		t.Errorf("uploaded log = %v, want empty", uploaded.ids)
	}
	if marks.Len() != 0 {
		t.Error("failed record must not be marked")
	}
}

func TestDeliverer_FatalConditions(t *testing.T) {
	tests := []struct {
		name     string
		store    *testutil.FakeStore
		uploaded *memLog
		failed   *memLog
		marker   Marker
	}{
		{
			name:     "mark fails",
			store:    testutil.NewFakeStore(),
			uploaded: &memLog{},
			failed:   &memLog{},
			marker:   failingMarker{},
		},
		{
			name:     "uploaded log fails",
			store:    testutil.NewFakeStore(),
			uploaded: &memLog{err: errors.New("disk full")},
			failed:   &memLog{},
			marker:   ledger.NewMemory(),
		},
		{
			name:     "failed log fails",
			store:    testutil.NewFakeStore("g1/a"),
			uploaded: &memLog{},
			failed:   &memLog{err: errors.New("disk full")},
			marker:   ledger.NewMemory(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDeliverer(tt.store, tt.uploaded, tt.failed, tt.marker, 1<<20, zerolog.Nop())
			err := d.Deliver(context.Background(), record.New("g1/a", nil))
			if err == nil {
				t.Fatal("expected an error")
			}
			var delErr *DeliveryError
			if errors.As(err, &delErr) {
				t.Errorf("error %v must not be a recoverable delivery failure", err)
			}
		})
	}
}
