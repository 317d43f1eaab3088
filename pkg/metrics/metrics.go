// Package metrics serves the migration's Prometheus metrics.
// Metrics are defined next to the code that updates them (source, ledger,
// sink, pipeline) and registered via promauto on the default registry.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Registry is the registerer all migration metrics are registered with.
var Registry = prometheus.DefaultRegisterer

// Metrics Documentation
//
// Source Metrics (pkg/source):
//   - ftm_source_requests_total{op, status} (Counter): Requests by operation (search, scroll, get) and HTTP status
//   - ftm_source_request_duration_seconds{op} (Histogram): Request duration by operation
//   - ftm_source_errors_total{class} (Counter): Errors by class (client, server, network, decode)
//
// Ledger Metrics (pkg/ledger):
//   - ftm_ledger_lookups_total{backend, result} (Counter): Lookups by backend and hit/miss
//   - ftm_ledger_marks_total{backend} (Counter): Marks written
//   - ftm_ledger_errors_total{operation} (Counter): Ledger errors (get, set)
//
// Sink Metrics (pkg/sink):
//   - ftm_sink_puts_total{store, storage_class, result} (Counter): Object writes
//   - ftm_sink_put_bytes_total{store} (Counter): Compressed bytes written
//   - ftm_sink_put_duration_seconds{store} (Histogram): Write duration
//   - ftm_sink_active_deliveries (Gauge): Deliveries holding a concurrency slot
//   - ftm_sink_delivery_failures_total (Counter): Records logged as failed
//
// Pipeline Metrics (pkg/pipeline):
//   - ftm_records_total{outcome} (Counter): Records by outcome (delivered, skipped, failed, fatal)
//   - ftm_shutdown_phase (Gauge): Coordinator phase
//
// Example Prometheus Queries:
//
//   # Upload throughput
//   rate(ftm_records_total{outcome="delivered"}[1m])
//
//   # Failure ratio
//   rate(ftm_records_total{outcome="failed"}[5m]) / rate(ftm_records_total[5m])
//
//   # Share of objects in the infrequent-access tier
//   sum(ftm_sink_puts_total{storage_class="STANDARD_IA"}) / sum(ftm_sink_puts_total)

// Handler returns the /metrics handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve exposes /metrics on addr until ctx is done.
func Serve(ctx context.Context, addr string, logger zerolog.Logger) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return serve(ctx, ln, logger)
}

func serve(ctx context.Context, ln net.Listener, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", ln.Addr().String()).Msg("Metrics server listening")
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("metrics server shutdown: %w", err)
		}
		return nil
	}
}
