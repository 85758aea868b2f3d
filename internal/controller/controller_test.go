package controller

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/wudi/migrator/internal/adapter"
	"github.com/wudi/migrator/internal/clock"
	"github.com/wudi/migrator/internal/config"
	"github.com/wudi/migrator/internal/migration"
)

type scriptedEngine struct {
	result migration.GenerationResult
}

func (e *scriptedEngine) Execute(ctx context.Context, req migration.GenerationRequest) (migration.GenerationResult, error) {
	return e.result, nil
}

func newTestController(t *testing.T, cfg config.FeatureFlagConfig) (*MigrationController, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state.json")
	c, err := New(Options{
		Config:    cfg,
		StatePath: path,
		Engines: adapter.Engines{
			Legacy: &scriptedEngine{result: migration.GenerationResult{Success: true}},
			New:    &scriptedEngine{result: migration.GenerationResult{Success: true}},
		},
		Clock: clock.NewFixed(time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)),
	})
	if err != nil {
		t.Fatal(err)
	}
	return c, path
}

func TestStatusReportsLiveState(t *testing.T) {
	c, _ := newTestController(t, config.Default())
	reply := c.Status()
	if !reply.Success {
		t.Fatal("expected status to succeed")
	}
	if reply.Details["rollback_phase"] != "active" {
		t.Errorf("expected active rollback phase, got %v", reply.Details["rollback_phase"])
	}
	if reply.Details["breaker_phase"] != "closed" {
		t.Errorf("expected closed breaker phase, got %v", reply.Details["breaker_phase"])
	}
}

func TestEmergencyRollbackThenClearRoundTrips(t *testing.T) {
	c, _ := newTestController(t, config.Default())

	reply := c.EmergencyRollback("incident", "opsuser", false)
	if !reply.Success {
		t.Fatalf("expected emergency rollback to succeed, got %+v", reply)
	}

	status := c.Status()
	if status.Details["rollback_phase"] != "rolled_back" {
		t.Errorf("expected rolled_back phase, got %v", status.Details["rollback_phase"])
	}

	clear := c.ClearRollback("opsuser")
	if !clear.Success {
		t.Fatalf("expected clear to succeed, got %+v", clear)
	}
	if c.Status().Details["rollback_phase"] != "active" {
		t.Error("expected active phase after clear")
	}
}

func TestResetCircuitBreakerClosesOpenBreaker(t *testing.T) {
	c, _ := newTestController(t, config.Default())
	c.breaker.ForceOpen()

	reply := c.ResetCircuitBreaker()
	if !reply.Success || reply.Details["breaker_phase"] != "closed" {
		t.Fatalf("expected breaker reset to closed, got %+v", reply)
	}
}

func TestHealthCheckFlagsOpenBreaker(t *testing.T) {
	c, _ := newTestController(t, config.Default())
	c.breaker.ForceOpen()

	reply := c.HealthCheck()
	if reply.Details["rollback_recommended"] != true {
		t.Errorf("expected rollback recommended once breaker is open, got %+v", reply.Details)
	}
}

func TestForceExecuteRunsRequestedEngine(t *testing.T) {
	c, _ := newTestController(t, config.Default())
	reply := c.ForceExecute(context.Background(), migration.GenerationRequest{RoutingKey: "orders"}, migration.EngineLegacy, false)
	if !reply.Success || reply.Details["success"] != true {
		t.Fatalf("expected forced execution to succeed, got %+v", reply)
	}
}

func TestNewAbortsOnSchemaVersionTooNew(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	if err := os.WriteFile(path, []byte(`{"schema_version": 99}`), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := New(Options{
		Config:    config.Default(),
		StatePath: path,
		Engines: adapter.Engines{
			Legacy: &scriptedEngine{result: migration.GenerationResult{Success: true}},
			New:    &scriptedEngine{result: migration.GenerationResult{Success: true}},
		},
		Clock: clock.NewFixed(time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)),
	})
	if err == nil {
		t.Fatal("expected construction to fail on a state file newer than this build supports")
	}
}

func TestPersistThenRestoreSurvivesRestart(t *testing.T) {
	c, path := newTestController(t, config.Default())
	if reply := c.EmergencyRollback("incident", "opsuser", false); !reply.Success {
		t.Fatalf("expected emergency rollback to succeed, got %+v", reply)
	}
	if err := c.Persist(); err != nil {
		t.Fatal(err)
	}

	restarted, err := New(Options{
		Config:    config.Default(),
		StatePath: path,
		Engines: adapter.Engines{
			Legacy: &scriptedEngine{result: migration.GenerationResult{Success: true}},
			New:    &scriptedEngine{result: migration.GenerationResult{Success: true}},
		},
		Clock: clock.NewFixed(time.Date(2026, 7, 30, 13, 0, 0, 0, time.UTC)),
	})
	if err != nil {
		t.Fatal(err)
	}
	if restarted.Status().Details["rollback_phase"] != "rolled_back" {
		t.Error("expected rolled_back phase to survive restart")
	}
}
