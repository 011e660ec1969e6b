// Package state persists loop session state to the workspace as versioned
// JSON. Writes are atomic (temp file + rename) and the last few generations
// are kept as rotated backups for crash recovery.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"helmsman/internal/logging"
	"helmsman/internal/types"
)

const (
	stateFile      = "state.json"
	currentVersion = 1
	defaultBackups = 3
)

// ErrNoState means no snapshot has been saved yet.
var ErrNoState = errors.New("no saved state")

// PhaseRecord is one completed phase execution in the session history.
type PhaseRecord struct {
	TaskID      string        `json:"task_id"`
	Phase       types.Phase   `json:"phase"`
	Pattern     types.Pattern `json:"pattern"`
	Iteration   int           `json:"iteration"`
	GateScore   float64       `json:"gate_score"`
	Passed      bool          `json:"passed"`
	CompletedAt time.Time     `json:"completed_at"`
}

// Snapshot is everything the loop needs to resume after a restart.
type Snapshot struct {
	Version   int       `json:"version"`
	SavedAt   time.Time `json:"saved_at"`
	SessionID string    `json:"session_id"`

	TaskID    string      `json:"task_id,omitempty"`
	Phase     types.Phase `json:"phase,omitempty"`
	Iteration int         `json:"iteration,omitempty"`

	PhaseHistory []PhaseRecord `json:"phase_history,omitempty"`

	// Learned checkpoint threshold, carried across restarts.
	CheckpointThreshold float64 `json:"checkpoint_threshold,omitempty"`

	// Message timestamps for the rate-limit windows.
	LimitSamples []time.Time `json:"limit_samples,omitempty"`

	// Rolling summary left by the last checkpoint.
	CheckpointSummary string `json:"checkpoint_summary,omitempty"`
}

// Store reads and writes snapshots under one workspace directory.
type Store struct {
	dir     string
	backups int
}

// NewStore creates a state store rooted at the workspace directory.
func NewStore(dir string) *Store {
	return &Store{dir: dir, backups: defaultBackups}
}

func (s *Store) path() string { return filepath.Join(s.dir, stateFile) }

// Save writes the snapshot atomically and rotates the previous file into
// the backup chain.
func (s *Store) Save(snap *Snapshot) error {
	snap.Version = currentVersion
	snap.SavedAt = time.Now().UTC()

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	s.rotate()

	tmp, err := os.CreateTemp(s.dir, stateFile+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close state file: %w", err)
	}
	if err := os.Rename(tmpName, s.path()); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace state file: %w", err)
	}

	logging.Session("Saved state for session %s (task=%s phase=%s iter=%d)",
		snap.SessionID, snap.TaskID, snap.Phase, snap.Iteration)
	return nil
}

// rotate shifts state.json into the numbered backup chain, dropping the
// oldest generation.
func (s *Store) rotate() {
	if _, err := os.Stat(s.path()); err != nil {
		return
	}
	for i := s.backups - 1; i >= 1; i-- {
		from := fmt.Sprintf("%s.%d", s.path(), i)
		to := fmt.Sprintf("%s.%d", s.path(), i+1)
		if _, err := os.Stat(from); err == nil {
			os.Rename(from, to)
		}
	}
	os.Rename(s.path(), s.path()+".1")
}

// Load reads the latest snapshot. A corrupt primary file falls back to the
// newest readable backup.
func (s *Store) Load() (*Snapshot, error) {
	snap, err := s.loadFile(s.path())
	if err == nil {
		return snap, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoState
	}

	logging.Session("Primary state unreadable (%v); trying backups", err)
	for i := 1; i <= s.backups; i++ {
		backup := fmt.Sprintf("%s.%d", s.path(), i)
		if snap, berr := s.loadFile(backup); berr == nil {
			logging.Session("Recovered state from backup %d", i)
			return snap, nil
		}
	}
	return nil, fmt.Errorf("load state: %w", err)
}

func (s *Store) loadFile(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if snap.Version > currentVersion {
		return nil, fmt.Errorf("state version %d is newer than supported %d", snap.Version, currentVersion)
	}
	return &snap, nil
}

// Clear removes the snapshot and all backups.
func (s *Store) Clear() error {
	if err := os.Remove(s.path()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	for i := 1; i <= s.backups; i++ {
		os.Remove(fmt.Sprintf("%s.%d", s.path(), i))
	}
	return nil
}
