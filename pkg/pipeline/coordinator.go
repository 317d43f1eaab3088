package pipeline

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/fulltext-migrate/pkg/checkpoint"
)

var shutdownPhase = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "ftm_shutdown_phase",
	Help: "Shutdown coordinator phase (0 running, 1 draining, 2 checkpointing, 3 exited)",
})

// Phase is the shutdown coordinator state.
type Phase int32

const (
	PhaseRunning Phase = iota
	PhaseDraining
	PhaseCheckpointing
	PhaseExited
)

// String returns the phase name.
func (p Phase) String() string {
	switch p {
	case PhaseRunning:
		return "running"
	case PhaseDraining:
		return "draining"
	case PhaseCheckpointing:
		return "checkpointing"
	case PhaseExited:
		return "exited"
	default:
		return "unknown"
	}
}

// Drainer waits for every outstanding delivery to settle.
type Drainer interface {
	Drain()
}

// Saver persists the checkpoint.
type Saver interface {
	Save(cp *checkpoint.Checkpoint) error
}

// CoordinatorConfig configures the awaiting-response poll.
type CoordinatorConfig struct {
	// PollInterval is the first wait while a source request is outstanding.
	PollInterval time.Duration

	// MaxPollInterval caps the backoff.
	MaxPollInterval time.Duration
}

// DefaultCoordinatorConfig returns default poll settings.
func DefaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		PollInterval:    10 * time.Millisecond,
		MaxPollInterval: 500 * time.Millisecond,
	}
}

// Coordinator turns a termination request or fatal error into a consistent
// checkpoint. It is the only writer of the shutdown flag.
type Coordinator struct {
	state  *State
	config CoordinatorConfig
	logger zerolog.Logger

	phase     atomic.Int32
	once      sync.Once
	triggered chan struct{}

	mu    sync.Mutex
	cause error
}

// NewCoordinator creates a coordinator in the running phase.
func NewCoordinator(state *State, cfg CoordinatorConfig, logger zerolog.Logger) *Coordinator {
	def := DefaultCoordinatorConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.MaxPollInterval < cfg.PollInterval {
		cfg.MaxPollInterval = def.MaxPollInterval
	}
	shutdownPhase.Set(float64(PhaseRunning))
	return &Coordinator{
		state:     state,
		config:    cfg,
		logger:    logger,
		triggered: make(chan struct{}),
	}
}

// Trigger requests shutdown. The first cause wins, except that a fatal cause
// replaces an interrupt. It is safe to call from any goroutine.
func (c *Coordinator) Trigger(cause error) {
	if cause == nil {
		cause = ErrInterrupted
	}
	interrupt := errors.Is(cause, ErrInterrupted)

	first := false
	c.once.Do(func() {
		first = true
		c.mu.Lock()
		c.cause = cause
		c.mu.Unlock()

		c.state.shutdown.Store(true)
		close(c.triggered)
	})

	if first {
		event := c.logger.Error()
		if interrupt {
			event = c.logger.Warn()
		}
		event.Err(cause).Msg("Shutdown requested, halting fetches")
		return
	}

	if !interrupt {
		c.mu.Lock()
		escalate := errors.Is(c.cause, ErrInterrupted)
		if escalate {
			c.cause = cause
		}
		c.mu.Unlock()
		if escalate {
			c.logger.Error().Err(cause).Msg("Fatal error during shutdown")
			return
		}
	}
	c.logger.Debug().Err(cause).Msg("Shutdown already requested")
}

// Done is closed once shutdown has been triggered.
func (c *Coordinator) Done() <-chan struct{} {
	return c.triggered
}

// Triggered reports whether shutdown has been triggered.
func (c *Coordinator) Triggered() bool {
	select {
	case <-c.triggered:
		return true
	default:
		return false
	}
}

// Cause returns the first trigger cause, nil if never triggered.
func (c *Coordinator) Cause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cause
}

// Phase returns the current phase.
func (c *Coordinator) Phase() Phase {
	return Phase(c.phase.Load())
}

func (c *Coordinator) enter(p Phase) {
	c.phase.Store(int32(p))
	shutdownPhase.Set(float64(p))
	c.logger.Debug().Str("phase", p.String()).Msg("Shutdown phase")
}

// Finish drains and checkpoints. It waits for the stream loop to return
// (streamDone), for any outstanding source request to resolve and for the sink
// to settle, then saves the state returned by snapshot. It runs on natural
// completion as well as after a trigger.
func (c *Coordinator) Finish(streamDone <-chan struct{}, sink Drainer, snapshot func() *checkpoint.Checkpoint, store Saver) error {
	select {
	case <-c.triggered:
	case <-streamDone:
	}
	c.enter(PhaseDraining)

	<-streamDone
	c.waitIdle()
	sink.Drain()

	c.enter(PhaseCheckpointing)
	err := store.Save(snapshot())
	if err != nil {
		c.logger.Error().Err(err).Msg("Checkpoint save failed")
	}

	c.enter(PhaseExited)
	return err
}

// waitIdle polls the awaiting flag with backoff until no source request is
// outstanding.
func (c *Coordinator) waitIdle() {
	wait := c.config.PollInterval
	for c.state.Awaiting() {
		c.logger.Debug().Dur("wait", wait).Msg("Waiting for outstanding source request")
		time.Sleep(wait)
		wait *= 2
		if wait > c.config.MaxPollInterval {
			wait = c.config.MaxPollInterval
		}
	}
}
