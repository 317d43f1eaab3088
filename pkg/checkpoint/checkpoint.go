// Package checkpoint persists the pagination cursor and the in-flight id set
// so an interrupted migration can resume without losing records.
package checkpoint

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/fulltext-migrate/pkg/journal"
)

// File names of the two checkpoint artifacts inside the state directory.
const (
	CursorFile   = "cursor.txt"
	InFlightFile = "inflight.txt"
)

// Checkpoint is the state loaded at startup.
type Checkpoint struct {
	// Cursor is the saved pagination cursor, "" when absent.
	Cursor string

	// CursorSavedAt is the modification time of the cursor artifact.
	CursorSavedAt time.Time

	// InFlight are the ids fetched but not confirmed by the previous run.
	InFlight []string
}

// Empty reports whether there is nothing to resume.
func (c *Checkpoint) Empty() bool {
	return c.Cursor == "" && len(c.InFlight) == 0
}

// Store reads and writes the checkpoint artifacts in a directory.
// Each artifact may be absent independently.
type Store struct {
	dir    string
	logger zerolog.Logger
}

// NewStore creates a store rooted at dir, creating the directory if needed.
func NewStore(dir string, logger zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}
	return &Store{dir: dir, logger: logger}, nil
}

// CursorPath returns the cursor artifact path.
func (s *Store) CursorPath() string {
	return filepath.Join(s.dir, CursorFile)
}

// InFlightPath returns the in-flight artifact path.
func (s *Store) InFlightPath() string {
	return filepath.Join(s.dir, InFlightFile)
}

// Load reads both artifacts. Missing artifacts load as empty.
func (s *Store) Load() (*Checkpoint, error) {
	cp := &Checkpoint{}

	data, err := os.ReadFile(s.CursorPath())
	switch {
	case err == nil:
		cp.Cursor = string(bytes.TrimSpace(data))
		if info, statErr := os.Stat(s.CursorPath()); statErr == nil {
			cp.CursorSavedAt = info.ModTime()
		}
	case !os.IsNotExist(err):
		return nil, fmt.Errorf("read cursor: %w", err)
	}

	cp.InFlight, err = journal.ReadIDs(s.InFlightPath())
	if err != nil {
		return nil, fmt.Errorf("read in-flight set: %w", err)
	}

	s.logger.Info().
		Bool("has_cursor", cp.Cursor != "").
		Int("in_flight", len(cp.InFlight)).
		Msg("Checkpoint loaded")

	return cp, nil
}

// Save writes the in-flight set, then the cursor. Each artifact is replaced
// atomically; an empty value removes its artifact. The cursor artifact's
// modification time is set to CursorSavedAt when given, so its age keeps
// measuring the cursor's validity window.
func (s *Store) Save(cp *Checkpoint) error {
	if err := s.SaveInFlight(cp.InFlight); err != nil {
		return err
	}

	if cp.Cursor == "" {
		if err := removeIfExists(s.CursorPath()); err != nil {
			return fmt.Errorf("remove cursor: %w", err)
		}
	} else {
		if err := writeAtomic(s.CursorPath(), []byte(cp.Cursor+"\n")); err != nil {
			return fmt.Errorf("save cursor: %w", err)
		}
		if !cp.CursorSavedAt.IsZero() {
			if err := os.Chtimes(s.CursorPath(), cp.CursorSavedAt, cp.CursorSavedAt); err != nil {
				return fmt.Errorf("stamp cursor: %w", err)
			}
		}
	}

	s.logger.Info().
		Bool("has_cursor", cp.Cursor != "").
		Int("in_flight", len(cp.InFlight)).
		Msg("Checkpoint saved")

	return nil
}

// SaveInFlight replaces the in-flight artifact alone.
func (s *Store) SaveInFlight(ids []string) error {
	if len(ids) == 0 {
		if err := removeIfExists(s.InFlightPath()); err != nil {
			return fmt.Errorf("remove in-flight set: %w", err)
		}
		return nil
	}

	var buf bytes.Buffer
	for _, id := range ids {
		if strings.ContainsAny(id, "\r\n") {
			return fmt.Errorf("save in-flight set: id %q contains a line break", id)
		}
		buf.WriteString(id)
		buf.WriteByte('\n')
	}
	if err := writeAtomic(s.InFlightPath(), buf.Bytes()); err != nil {
		return fmt.Errorf("save in-flight set: %w", err)
	}
	return nil
}

// writeAtomic writes data to a temp file, syncs it and renames it over path.
func writeAtomic(path string, data []byte) error {
	tempPath := path + ".tmp"
	file, err := os.OpenFile(tempPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(tempPath)
		return fmt.Errorf("write temp file: %w", err)
	}

	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tempPath)
		return fmt.Errorf("sync temp file: %w", err)
	}

	if err := file.Close(); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
