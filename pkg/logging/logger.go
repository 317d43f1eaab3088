// Package logging configures zerolog for the migration tool.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/term"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	// LevelDebug logs per-record decisions and above.
	LevelDebug LogLevel = "debug"

	// LevelInfo logs startup, shutdown and status lines and above.
	LevelInfo LogLevel = "info"

	// LevelWarn logs delivery failures and above.
	LevelWarn LogLevel = "warn"

	// LevelError logs fatal conditions only.
	LevelError LogLevel = "error"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel

	// Pretty enables human-readable console output instead of JSON.
	Pretty bool

	// Output is the console writer (default: os.Stderr).
	Output io.Writer

	// File, when set, additionally appends JSON logs to this path.
	File string
}

// DefaultConfig returns a default logger configuration. Console output is
// pretty when stderr is a terminal.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Pretty: term.IsTerminal(int(os.Stderr.Fd())),
		Output: os.Stderr,
	}
}

// Setup configures the global zerolog logger. The returned close function
// releases the log file, if any.
func Setup(cfg Config) (zerolog.Logger, func() error, error) {
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))

	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}

	var console io.Writer = cfg.Output
	if cfg.Pretty {
		console = zerolog.ConsoleWriter{Out: cfg.Output, TimeFormat: "15:04:05"}
	}

	closeFn := func() error { return nil }
	output := console

	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0755); err != nil {
			return zerolog.Nop(), closeFn, fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(cfg.File, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			return zerolog.Nop(), closeFn, fmt.Errorf("open log file: %w", err)
		}
		output = zerolog.MultiLevelWriter(console, f)
		closeFn = f.Close
	}

	logger := zerolog.New(output).With().Timestamp().Logger()
	log.Logger = logger

	return logger, closeFn, nil
}

// parseLevel converts LogLevel to zerolog.Level.
func parseLevel(level LogLevel) zerolog.Level {
	switch strings.ToLower(string(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// NewLogger creates a new logger with the given component name.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// Log Level Guidelines:
//
// Debug: per-record decisions
//   - ledger skips (id, level)
//   - delivered objects (bytes, storage_class)
//   - fetched pages, shutdown phases
//
// Info: run lifecycle
//   - checkpoint loaded/saved
//   - migration started/stopped
//   - periodic status line
//
// Warn: recoverable conditions
//   - delivery failures (id logged to the failed log)
//   - unconfirmed ids no longer in the source
//   - shutdown on signal
//
// Error: fatal conditions
//   - source transport errors, expired cursor
//   - ledger errors
//   - checkpoint save failures
//
// Context Fields:
//   - component: source, ledger, sink, pipeline, status
//   - id: record id
//   - op: source operation (search, scroll, get)
//   - error_class: source error classification
//   - phase: shutdown coordinator phase
