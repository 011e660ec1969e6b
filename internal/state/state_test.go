package state

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"helmsman/internal/types"
)

func TestSaveAndLoadRoundTrip(t *testing.T) {
	s := NewStore(t.TempDir())

	snap := &Snapshot{
		SessionID:           "sess-1",
		TaskID:              "T1",
		Phase:               types.PhaseImplement,
		Iteration:           2,
		CheckpointThreshold: 73,
		PhaseHistory: []PhaseRecord{
			{TaskID: "T1", Phase: types.PhaseResearch, Pattern: types.PatternParallel, GateScore: 81, Passed: true},
		},
	}
	if err := s.Save(snap); err != nil {
		t.Fatal(err)
	}

	got, err := s.Load()
	if err != nil {
		t.Fatal(err)
	}
	if got.Version != currentVersion {
		t.Errorf("version = %d", got.Version)
	}
	if got.TaskID != "T1" || got.Phase != types.PhaseImplement || got.Iteration != 2 {
		t.Errorf("snapshot = %+v", got)
	}
	if got.CheckpointThreshold != 73 || len(got.PhaseHistory) != 1 {
		t.Errorf("learned fields lost: %+v", got)
	}
	if got.SavedAt.IsZero() {
		t.Error("saved_at not stamped")
	}
}

func TestLoadWithoutStateReturnsErrNoState(t *testing.T) {
	s := NewStore(t.TempDir())
	if _, err := s.Load(); !errors.Is(err, ErrNoState) {
		t.Errorf("err = %v, want ErrNoState", err)
	}
}

func TestBackupRotationKeepsLastN(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)

	for i := 0; i < 6; i++ {
		if err := s.Save(&Snapshot{SessionID: fmt.Sprintf("gen-%d", i)}); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.Load()
	if err != nil {
		t.Fatal(err)
	}
	if got.SessionID != "gen-5" {
		t.Errorf("latest = %s", got.SessionID)
	}

	for i := 1; i <= defaultBackups; i++ {
		backup := filepath.Join(dir, fmt.Sprintf("%s.%d", stateFile, i))
		if _, err := os.Stat(backup); err != nil {
			t.Errorf("backup %d missing: %v", i, err)
		}
	}
	if _, err := os.Stat(filepath.Join(dir, stateFile+".4")); err == nil {
		t.Error("backup chain grew past the retention count")
	}
}

func TestCorruptPrimaryFallsBackToBackup(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)

	if err := s.Save(&Snapshot{SessionID: "good"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Save(&Snapshot{SessionID: "newer"}); err != nil {
		t.Fatal(err)
	}
	// Corrupt the primary; the previous generation sits at .1.
	if err := os.WriteFile(filepath.Join(dir, stateFile), []byte("{truncated"), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := s.Load()
	if err != nil {
		t.Fatal(err)
	}
	if got.SessionID != "good" {
		t.Errorf("recovered %q, want the backup generation", got.SessionID)
	}
}

func TestFutureVersionRejected(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)

	data := []byte(`{"version": 99, "session_id": "future"}`)
	if err := os.WriteFile(filepath.Join(dir, stateFile), data, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Load(); err == nil {
		t.Fatal("expected version error")
	}
}

func TestNoPartialFileOnDiskAfterSave(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)
	if err := s.Save(&Snapshot{SessionID: "x", LimitSamples: []time.Time{time.Now()}}); err != nil {
		t.Fatal(err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if e.Name() != stateFile {
			t.Errorf("unexpected leftover file: %s", e.Name())
		}
	}
}

func TestClearRemovesEverything(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)
	for i := 0; i < 3; i++ {
		if err := s.Save(&Snapshot{SessionID: "x"}); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Clear(); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Load(); !errors.Is(err, ErrNoState) {
		t.Errorf("state survived Clear: %v", err)
	}
}
