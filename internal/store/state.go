// Package store persists what the oracle needs to resume after a restart:
// the state file (history, positions) and the append-only decision audit log.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/yourorg/gravity-oracle/internal/model"
	"github.com/yourorg/gravity-oracle/internal/position"
	"github.com/yourorg/gravity-oracle/internal/types"
)

// ErrPersistence marks a failure to durably write state. Callers must stop.
var ErrPersistence = errors.New("store: persistence failure")

const stateVersion = 1

// Mode names the position model a state file was written by
type Mode string

const (
	ModeSingle Mode = "single"
	ModeMulti  Mode = "multi"
)

// State is everything written to the state file
type State struct {
	Version int       `json:"version"`
	SavedAt time.Time `json:"saved_at"`
	Mode    Mode      `json:"mode"`
	Cycles  uint64    `json:"cycles"`

	History map[types.VenueID][]model.YieldSample `json:"history"`

	Machine *position.Snapshot     `json:"machine,omitempty"`
	Book    *position.BookSnapshot `json:"book,omitempty"`
}

// StateFile reads and atomically replaces a JSON state file
type StateFile struct {
	path string
}

// NewStateFile creates a handle; nothing is touched until Load or Save
func NewStateFile(path string) *StateFile {
	return &StateFile{path: path}
}

// Path returns the file location
func (f *StateFile) Path() string {
	return f.path
}

func (f *StateFile) tmpPath() string {
	return f.path + ".tmp"
}

// Load reads the state. A missing file returns nil state and no error.
// A leftover temp file from an interrupted save is removed; the last
// complete file is what counts.
func (f *StateFile) Load() (*State, error) {
	if err := os.Remove(f.tmpPath()); err == nil {
		logrus.Warnf("Removed incomplete state file %s", f.tmpPath())
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to remove stale temp file: %w", err)
	}

	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("failed to decode state file %s: %w", f.path, err)
	}
	if st.Version != stateVersion {
		return nil, fmt.Errorf("unsupported state file version %d", st.Version)
	}
	return &st, nil
}

// Save writes the state to a temp file, syncs it and renames it over the old one
func (f *StateFile) Save(st *State) error {
	st.Version = stateVersion

	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("%w: encode state: %w", ErrPersistence, err)
	}

	if dir := filepath.Dir(f.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("%w: create state directory: %w", ErrPersistence, err)
		}
	}

	tmp, err := os.OpenFile(f.tmpPath(), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("%w: open temp file: %w", ErrPersistence, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: write temp file: %w", ErrPersistence, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: sync temp file: %w", ErrPersistence, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: close temp file: %w", ErrPersistence, err)
	}
	if err := os.Rename(f.tmpPath(), f.path); err != nil {
		return fmt.Errorf("%w: replace state file: %w", ErrPersistence, err)
	}
	return nil
}
