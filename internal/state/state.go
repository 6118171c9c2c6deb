// Package state persists the Under Attack Mode control state across restarts.
// The state is a single JSON document written atomically (temp file plus
// rename); a corrupt file is quarantined and replaced with a fresh state
// instead of crashing the controller.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is the current enable/disable snapshot. It is not a log: history is
// derivable only from the timestamps of the latest transition.
//
// EnabledAt is present exactly while UAM is enabled; DisabledAt is present
// exactly while it is disabled following an enable→disable transition.
// Each transition sets its own timestamp and clears the other.
type State struct {
	IsEnabled     bool       `json:"is_enabled"`
	EnabledAt     *time.Time `json:"enabled_at,omitempty"`
	DisabledAt    *time.Time `json:"disabled_at,omitempty"`
	LastCheck     time.Time  `json:"last_check"`
	LoadAverage   float64    `json:"load_average"`
	ThresholdUsed float64    `json:"threshold_used"`
	Reason        string     `json:"reason"`
}

// CorruptStateError reports a state file that could not be parsed and was
// renamed aside with a .corrupted suffix.
type CorruptStateError struct {
	Path string
	Err  error
}

func (e *CorruptStateError) Error() string {
	return fmt.Sprintf("corrupt state file %s: %v", e.Path, e.Err)
}

func (e *CorruptStateError) Unwrap() error { return e.Err }

// Store manages the persisted state file. Persistence failures degrade the
// store to memory-only operation; the controller keeps running either way.
type Store struct {
	path   string
	logger *zap.Logger
	now    func() time.Time

	mu    sync.Mutex
	state *State
}

// NewStore creates a store for the given file path. The parent directory is
// created eagerly; failure to do so is logged and the store runs memory-only
// until a later save succeeds.
func NewStore(path string, logger *zap.Logger) *Store {
	return NewStoreWithClock(path, logger, time.Now)
}

// NewStoreWithClock creates a store with an injected time source, so
// transition timestamps and dwell durations can be tested deterministically.
func NewStoreWithClock(path string, logger *zap.Logger, now func() time.Time) *Store {
	s := &Store{
		path:   path,
		logger: logger,
		now:    now,
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		logger.Warn("Cannot create state directory, using memory-only state",
			zap.String("path", filepath.Dir(path)),
			zap.Error(err))
	}
	return s
}

func (s *Store) initialState() *State {
	return &State{
		IsEnabled: false,
		LastCheck: s.now(),
		Reason:    "Initial state",
	}
}

// Load returns the current state, reading the file on first use. A missing
// file yields a fresh initial state; a corrupt file is quarantined first.
func (s *Store) Load() *State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *Store) loadLocked() *State {
	if s.state != nil {
		return s.state
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("Failed to read state file, using initial state",
				zap.String("state_file", s.path),
				zap.Error(err))
		} else {
			s.logger.Debug("No state file found, using initial state",
				zap.String("state_file", s.path))
		}
		s.state = s.initialState()
		return s.state
	}

	var loaded State
	if err := json.Unmarshal(data, &loaded); err != nil {
		cerr := &CorruptStateError{Path: s.path, Err: err}
		s.logger.Warn("Failed to parse state file, quarantining it",
			zap.String("state_file", s.path),
			zap.Error(cerr))
		if renameErr := os.Rename(s.path, s.path+".corrupted"); renameErr == nil {
			s.logger.Info("Corrupted state file backed up",
				zap.String("backup_file", s.path+".corrupted"))
		}
		s.state = s.initialState()
		return s.state
	}

	s.state = &loaded
	s.logger.Debug("State loaded from file", zap.String("state_file", s.path))
	return s.state
}

// Save writes the state atomically: the document goes to a temporary sibling
// file which is then renamed over the final path. On failure the state is
// kept in memory and an error is returned; callers treat it as a warning.
func (s *Store) Save(st *State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(st)
}

func (s *Store) saveLocked(st *State) error {
	s.state = st

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling state: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0750); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0640); err != nil {
		return fmt.Errorf("writing state file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replacing state file: %w", err)
	}

	s.logger.Debug("State saved to file", zap.String("state_file", s.path))
	return nil
}

// Update applies a new observation to the state, maintaining the transition
// timestamps, and persists the result. The returned state reflects the
// update even when persistence failed (memory-only degrade); the error tells
// the caller whether the write made it to disk.
func (s *Store) Update(isEnabled bool, loadAverage, thresholdUsed float64, reason string) (*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	prev := s.loadLocked()

	next := *prev
	next.IsEnabled = isEnabled
	next.LastCheck = now
	next.LoadAverage = loadAverage
	next.ThresholdUsed = thresholdUsed
	next.Reason = reason

	switch {
	case isEnabled && !prev.IsEnabled:
		next.EnabledAt = &now
		next.DisabledAt = nil
	case !isEnabled && prev.IsEnabled:
		next.DisabledAt = &now
		next.EnabledAt = nil
	}

	err := s.saveLocked(&next)
	if err != nil {
		s.logger.Warn("Failed to save state file, continuing with in-memory state",
			zap.String("state_file", s.path),
			zap.Error(err))
	}

	s.logger.Info("State updated",
		zap.Bool("is_enabled", isEnabled),
		zap.Float64("load_average", loadAverage),
		zap.Float64("threshold_used", thresholdUsed),
		zap.String("reason", reason))

	return &next, err
}

// Snapshot returns a copy of the current state for read-only reporting.
func (s *Store) Snapshot() State {
	return *s.Load()
}

// UAMDuration returns how long UAM has been enabled, or false when it is
// not enabled.
func (s *Store) UAMDuration() (time.Duration, bool) {
	st := s.Load()
	if !st.IsEnabled || st.EnabledAt == nil {
		return 0, false
	}
	return s.now().Sub(*st.EnabledAt), true
}

// FilePath returns the state file path.
func (s *Store) FilePath() string { return s.path }
