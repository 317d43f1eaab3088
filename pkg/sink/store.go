// Package sink delivers encoded records to the destination object store under
// a fixed concurrency ceiling.
package sink

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/Sternrassler/fulltext-migrate/pkg/record"
)

// Prometheus metrics for sink operations.
var (
	putsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ftm_sink_puts_total",
		Help: "Total object writes by store, storage class and result",
	}, []string{"store", "storage_class", "result"})

	putBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ftm_sink_put_bytes_total",
		Help: "Total compressed bytes written by store",
	}, []string{"store"})

	putDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ftm_sink_put_duration_seconds",
		Help:    "Object write duration in seconds by store",
		Buckets: prometheus.DefBuckets,
	}, []string{"store"})

	activeDeliveries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ftm_sink_active_deliveries",
		Help: "Deliveries currently holding a concurrency slot",
	})

	deliveryFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ftm_sink_delivery_failures_total",
		Help: "Total records logged as failed",
	})
)

// Store writes one encoded object. Implementations must be safe for
// concurrent use.
type Store interface {
	Put(ctx context.Context, obj *record.Encoded) error
}

func observePut(store string, obj *record.Encoded, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	putsTotal.WithLabelValues(store, string(obj.StorageClass), result).Inc()
	if err == nil {
		putBytes.WithLabelValues(store).Add(float64(len(obj.Body)))
	}
}
