package statestore

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "nope.json"))
	snap, err := s.Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if snap.RollbackPhase != "active" || snap.BreakerPhase != "closed" {
		t.Errorf("expected defaults, got %+v", snap)
	}
}

func TestLoadCorruptFileReturnsDefaultsWithWarning(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	s := New(path)
	snap, err := s.Load()
	if err == nil {
		t.Fatal("expected a warning error for corrupt content")
	}
	if snap.RollbackPhase != "active" {
		t.Errorf("expected default phase despite corruption, got %q", snap.RollbackPhase)
	}
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	s := New(path)

	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	snap := Snapshot{
		RollbackPhase: "rolled_back",
		BreakerPhase:  "open",
		RollbackHistory: []RollbackEventRecord{
			{ID: "evt-1", Trigger: "manual_emergency", Reason: "INCIDENT-1", OccurredAt: now, Succeeded: true},
		},
		LastUpdated: now,
	}

	if err := s.Save(snap); err != nil {
		t.Fatalf("unexpected save error: %v", err)
	}

	loaded, err := s.Load()
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if loaded.RollbackPhase != "rolled_back" {
		t.Errorf("expected rolled_back, got %q", loaded.RollbackPhase)
	}
	if len(loaded.RollbackHistory) != 1 || loaded.RollbackHistory[0].Reason != "INCIDENT-1" {
		t.Errorf("expected history to round-trip, got %+v", loaded.RollbackHistory)
	}
}

func TestSaveTruncatesHistory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	s := New(path)

	history := make([]RollbackEventRecord, 0, 150)
	for i := 0; i < 150; i++ {
		history = append(history, RollbackEventRecord{ID: string(rune('a' + i%26))})
	}

	if err := s.Save(Snapshot{RollbackHistory: history}); err != nil {
		t.Fatal(err)
	}

	loaded, err := s.Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded.RollbackHistory) != MaxHistory {
		t.Errorf("expected history truncated to %d, got %d", MaxHistory, len(loaded.RollbackHistory))
	}
}

func TestLoadRejectsNewerSchemaVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	if err := os.WriteFile(path, []byte(`{"schema_version": 99}`), 0o644); err != nil {
		t.Fatal(err)
	}
	s := New(path)
	_, err := s.Load()
	if err == nil {
		t.Fatal("expected error for schema_version newer than supported")
	}
	if !errors.Is(err, ErrSchemaTooNew) {
		t.Errorf("expected err to wrap ErrSchemaTooNew, got %v", err)
	}
}

func TestUnknownFieldsIgnoredOnRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	content := `{"schema_version":1,"rollback_phase":"active","breaker_phase":"closed","totally_unknown_field":"x"}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	s := New(path)
	snap, err := s.Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if snap.RollbackPhase != "active" {
		t.Errorf("expected active despite unknown field, got %q", snap.RollbackPhase)
	}
}
