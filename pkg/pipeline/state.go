package pipeline

import (
	"sync/atomic"

	"github.com/Sternrassler/fulltext-migrate/pkg/status"
)

// State is the shared pipeline state. Each flag has a single writer:
// the coordinator sets the shutdown flag, the reader sets the awaiting flag
// through its Gate, and the delivery handler updates the outcome counters.
// Everyone may read.
type State struct {
	shutdown atomic.Bool
	awaiting atomic.Bool

	uploaded atomic.Int64
	skipped  atomic.Int64
	failed   atomic.Int64
}

// ShuttingDown reports whether shutdown has been requested.
func (s *State) ShuttingDown() bool {
	return s.shutdown.Load()
}

// Awaiting reports whether a source request is outstanding.
func (s *State) Awaiting() bool {
	return s.awaiting.Load()
}

// Counts returns the outcome counters. Active is filled in by the pipeline.
func (s *State) Counts() status.Snapshot {
	return status.Snapshot{
		Uploaded: s.uploaded.Load(),
		Skipped:  s.skipped.Load(),
		Failed:   s.failed.Load(),
	}
}

// Gate returns the reader's view of the state.
func (s *State) Gate() *ReaderGate {
	return &ReaderGate{state: s}
}

// ReaderGate lets the reader observe shutdown and publish the awaiting flag.
type ReaderGate struct {
	state *State
}

// Stopped implements source.Gate.
func (g *ReaderGate) Stopped() bool {
	return g.state.shutdown.Load()
}

// SetAwaiting implements source.Gate.
func (g *ReaderGate) SetAwaiting(v bool) {
	g.state.awaiting.Store(v)
}

func (s *State) count(o Outcome) {
	switch o {
	case OutcomeDelivered:
		s.uploaded.Add(1)
	case OutcomeSkipped:
		s.skipped.Add(1)
	case OutcomeFailed:
		s.failed.Add(1)
	}
}
