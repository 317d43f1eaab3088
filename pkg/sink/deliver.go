package sink

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/fulltext-migrate/pkg/record"
)

// Appender is an append-only outcome log.
type Appender interface {
	Append(id string) error
}

// Marker confirms a delivery in the idempotency ledger.
type Marker interface {
	Mark(ctx context.Context, id string) error
}

// DeliveryError is a per-record delivery failure. It has been written to the
// failed log and does not stop the migration.
type DeliveryError struct {
	ID  string
	Err error
}

// Error implements the error interface.
func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver %s: %v", e.ID, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// Deliverer encodes a record, writes it to the store and records the outcome.
type Deliverer struct {
	store             Store
	uploaded          Appender
	failed            Appender
	marker            Marker
	minSizeStandardIA int64
	logger            zerolog.Logger
}

// NewDeliverer creates a Deliverer. Objects whose compressed size reaches
// minSizeStandardIA are stored in the infrequent-access tier.
func NewDeliverer(store Store, uploaded, failed Appender, marker Marker, minSizeStandardIA int64, logger zerolog.Logger) *Deliverer {
	return &Deliverer{
		store:             store,
		uploaded:          uploaded,
		failed:            failed,
		marker:            marker,
		minSizeStandardIA: minSizeStandardIA,
		logger:            logger,
	}
}

// Deliver writes rec to the store. A nil error means the record was written,
// logged as uploaded and marked. A *DeliveryError means the record was logged
// as failed. Any other error is a log or ledger failure and is fatal.
func (d *Deliverer) Deliver(ctx context.Context, rec *record.Record) error {
	rec.InjectKey()

	obj, err := record.Encode(rec, d.minSizeStandardIA)
	if err != nil {
		return d.fail(rec.ID, fmt.Errorf("encode: %w", err))
	}

	if err := d.store.Put(ctx, obj); err != nil {
		return d.fail(rec.ID, err)
	}

	if err := d.uploaded.Append(rec.ID); err != nil {
		return fmt.Errorf("append uploaded log: %w", err)
	}
	if err := d.marker.Mark(ctx, rec.ID); err != nil {
		return fmt.Errorf("mark %s: %w", rec.ID, err)
	}

	d.logger.Debug().
		Str("id", rec.ID).
		Int("bytes", len(obj.Body)).
		Str("storage_class", string(obj.StorageClass)).
		Msg("Record delivered")

	return nil
}

func (d *Deliverer) fail(id string, cause error) error {
	if err := d.failed.Append(id); err != nil {
		return fmt.Errorf("append failed log: %w", err)
	}
	deliveryFailures.Inc()

	d.logger.Warn().
		Err(cause).
		Str("id", id).
		Msg("Delivery failed")

	return &DeliveryError{ID: id, Err: cause}
}
