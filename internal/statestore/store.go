// Package statestore persists the rollback and breaker snapshots that
// must survive a process restart into a single JSON document, written
// atomically so a crash mid-write never corrupts the file a later
// startup reads.
package statestore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	gojson "github.com/goccy/go-json"
)

// SchemaVersion is the version this package writes and the highest it
// will read. A file reporting a newer version aborts startup.
const SchemaVersion = 1

// ErrSchemaTooNew is wrapped into the error Load returns when the state
// file's schema_version exceeds SchemaVersion. Callers should treat this
// case as fatal to startup, unlike a missing or corrupt file, both of
// which Load recovers from by returning Default().
var ErrSchemaTooNew = errors.New("statestore: state file schema_version is newer than supported")

// RollbackEventRecord is the persisted shape of one rollback history
// entry.
type RollbackEventRecord struct {
	ID            string                `json:"id"`
	Trigger       string                `json:"trigger"`
	Reason        string                `json:"reason"`
	Operator      string                `json:"operator,omitempty"`
	ScheduledAt   *time.Time            `json:"scheduled_at,omitempty"`
	OccurredAt    time.Time             `json:"occurred_at"`
	Succeeded     bool                  `json:"succeeded"`
	Errors        []string              `json:"errors,omitempty"`
	RecoverySteps []RecoveryStepRecord  `json:"recovery_steps,omitempty"`
}

// RecoveryStepRecord is one named rollback step's recorded outcome.
type RecoveryStepRecord struct {
	Name     string        `json:"name"`
	Status   string        `json:"status"`
	Duration time.Duration `json:"duration"`
}

// Snapshot is the complete persisted document.
type Snapshot struct {
	SchemaVersion    int                   `json:"schema_version"`
	RollbackPhase    string                `json:"rollback_phase"`
	RollbackHistory  []RollbackEventRecord `json:"rollback_history"`
	BreakerPhase     string                `json:"breaker_phase"`
	BreakerOpenedAt  *time.Time            `json:"breaker_opened_at"`
	LastUpdated      time.Time             `json:"last_updated"`
}

// MaxHistory is the most recent rollback events retained at save time.
const MaxHistory = 100

// Default returns the snapshot a fresh controller starts from.
func Default() Snapshot {
	return Snapshot{
		SchemaVersion: SchemaVersion,
		RollbackPhase: "active",
		BreakerPhase:  "closed",
	}
}

// Store persists Snapshot to a single file, serializing writes with a
// mutex and using write-temp-fsync-rename for durability.
type Store struct {
	path string
	mu   sync.Mutex
}

// New returns a Store writing to path.
func New(path string) *Store {
	return &Store{path: path}
}

// Load reads the snapshot from disk. A missing file returns defaults and
// a nil error; corrupt content returns defaults and a non-nil warning
// error the caller should log but never treat as fatal. A schema version
// newer than this package understands is the one error that should abort
// startup.
func (s *Store) Load() (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return Default(), fmt.Errorf("statestore: read %s: %w", s.path, err)
	}

	var snap Snapshot
	if err := gojson.Unmarshal(data, &snap); err != nil {
		return Default(), fmt.Errorf("statestore: corrupt state file %s, using defaults: %w", s.path, err)
	}

	if snap.SchemaVersion > SchemaVersion {
		return Snapshot{}, fmt.Errorf("%w: %s has schema_version %d, supported version %d", ErrSchemaTooNew, s.path, snap.SchemaVersion, SchemaVersion)
	}
	if snap.SchemaVersion == 0 {
		snap.SchemaVersion = SchemaVersion
	}
	if snap.RollbackPhase == "" {
		snap.RollbackPhase = "active"
	}
	if snap.BreakerPhase == "" {
		snap.BreakerPhase = "closed"
	}

	return snap, nil
}

// Save writes snap atomically: marshal, write to a sibling temp file,
// fsync, rename over the target path. History is truncated to the most
// recent MaxHistory entries before writing. Failures are returned, never
// panicked; callers treat them as non-fatal warnings.
func (s *Store) Save(snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(snap.RollbackHistory) > MaxHistory {
		snap.RollbackHistory = snap.RollbackHistory[len(snap.RollbackHistory)-MaxHistory:]
	}
	snap.SchemaVersion = SchemaVersion

	data, err := gojson.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("statestore: marshal snapshot: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".statestore-*.tmp")
	if err != nil {
		return fmt.Errorf("statestore: create temp file in %s: %w", dir, err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once rename succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("statestore: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("statestore: fsync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("statestore: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("statestore: rename into place: %w", err)
	}
	return nil
}
