package status

import (
	"bytes"
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestLine(t *testing.T) {
	got := Line(Snapshot{Active: 3, Uploaded: 120, Skipped: 7, Failed: 1}, 42.4)
	want := "42/s, 3 active, 120 uploaded, 7 skipped, 1 failed"
	if got != want {
		t.Errorf("Line() = %q, want %q", got, want)
	}
}

func TestReporter_Rate(t *testing.T) {
	r := NewReporter(time.Second, func() Snapshot { return Snapshot{} }, zerolog.Nop())
	start := time.Now()
	r.lastUpdate = start
	r.lastSettled = 100

	if got := r.rate(start.Add(2*time.Second), 300); got != 100 {
		t.Errorf("rate() = %v, want 100", got)
	}
	if got := r.rate(start.Add(3*time.Second), 300); got != 0 {
		t.Errorf("rate() = %v, want 0", got)
	}
}

func TestReporter_RateCountsFailures(t *testing.T) {
	var snap Snapshot
	var buf bytes.Buffer
	r := NewReporter(time.Second, func() Snapshot { return snap }, zerolog.New(&buf))
	start := time.Now()
	r.lastUpdate = start

	snap = Snapshot{Uploaded: 6, Failed: 4}
	if got := snap.Settled(); got != 10 {
		t.Fatalf("Settled() = %d, want 10", got)
	}
	r.report(start.Add(time.Second), "Status")

	if !strings.Contains(buf.String(), `"per_second":10`) {
		t.Errorf("failed deliveries missing from rate: %s", buf.String())
	}
}

func TestReporter_Run(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	var uploaded atomic.Int64
	r := NewReporter(10*time.Millisecond, func() Snapshot {
		return Snapshot{Uploaded: uploaded.Add(5)}
	}, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 55*time.Millisecond)
	defer cancel()
	r.Run(ctx)

	out := buf.String()
	if !strings.Contains(out, `"uploaded":`) {
		t.Errorf("status output missing counters: %s", out)
	}
	if !strings.Contains(out, "Final status") {
		t.Errorf("missing final status line: %s", out)
	}
}
