package rollback

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/wudi/migrator/internal/circuitbreaker"
	"github.com/wudi/migrator/internal/clock"
	"github.com/wudi/migrator/internal/config"
	"github.com/wudi/migrator/internal/statestore"
)

func newTestManager(t *testing.T) (*Manager, *circuitbreaker.Breaker, *clock.Fixed) {
	t.Helper()
	clk := clock.NewFixed(time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC))
	breaker, err := circuitbreaker.New(clk, 1, time.Second, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	store := statestore.New(filepath.Join(t.TempDir(), "state.json"))
	cfgStore := config.NewStore(config.Default())
	return New(cfgStore, breaker, store, clk, nil), breaker, clk
}

func TestRollbackRecommendedRequiresOpenBreakerAndActivePhase(t *testing.T) {
	m, breaker, _ := newTestManager(t)

	if rec := m.RollbackRecommended(); rec.Recommended {
		t.Fatal("expected no recommendation while breaker closed")
	}

	breaker.ForceOpen()
	rec := m.RollbackRecommended()
	if !rec.Recommended {
		t.Fatal("expected recommendation once breaker is open")
	}
	if rec.Severity != "critical" {
		t.Errorf("expected critical severity, got %s", rec.Severity)
	}
}

func TestExecuteAutomaticRollbackDryRunDoesNotMutate(t *testing.T) {
	m, breaker, _ := newTestManager(t)
	breaker.ForceOpen()

	planned, evt, err := m.ExecuteAutomaticRollback(true)
	if err != nil {
		t.Fatal(err)
	}
	if len(planned) != 4 {
		t.Errorf("expected 4 planned steps, got %d", len(planned))
	}
	if evt != nil {
		t.Error("expected no event recorded on dry run")
	}
	if m.Phase() != PhaseActive {
		t.Errorf("expected phase unchanged by dry run, got %s", m.Phase())
	}
}

func TestExecuteAutomaticRollbackTransitionsToRolledBack(t *testing.T) {
	m, breaker, _ := newTestManager(t)
	breaker.ForceOpen()

	_, evt, err := m.ExecuteAutomaticRollback(false)
	if err != nil {
		t.Fatal(err)
	}
	if m.Phase() != PhaseRolledBack {
		t.Errorf("expected rolled_back, got %s", m.Phase())
	}
	if !evt.Succeeded {
		t.Error("expected successful rollback event")
	}
	if len(evt.RecoverySteps) != 4 {
		t.Errorf("expected 4 recorded steps, got %d", len(evt.RecoverySteps))
	}
}

func TestExecuteAutomaticRollbackRefusedWithoutRecommendation(t *testing.T) {
	m, _, _ := newTestManager(t)
	if _, _, err := m.ExecuteAutomaticRollback(false); err == nil {
		t.Fatal("expected refusal when breaker is closed")
	}
}

func TestExecuteEmergencyRollbackPersistsBreakerForcedOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	clk := clock.NewFixed(time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC))
	breaker, _ := circuitbreaker.New(clk, 1, time.Second, time.Second)
	store := statestore.New(path)
	cfgStore := config.NewStore(config.Default())
	m := New(cfgStore, breaker, store, clk, nil)

	if breaker.Phase() != circuitbreaker.PhaseClosed {
		t.Fatalf("expected breaker to start closed, got %s", breaker.Phase())
	}
	if _, err := m.ExecuteEmergencyRollback("INCIDENT-2", "opsuser", false); err != nil {
		t.Fatal(err)
	}

	snap, err := statestore.New(path).Load()
	if err != nil {
		t.Fatal(err)
	}
	if snap.BreakerPhase != string(circuitbreaker.PhaseOpen) {
		t.Errorf("expected persisted snapshot to reflect the forced-open breaker, got %q", snap.BreakerPhase)
	}
}

func TestEmergencyRollbackSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	clk := clock.NewFixed(time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC))
	breaker, _ := circuitbreaker.New(clk, 1, time.Second, time.Second)
	store := statestore.New(path)
	cfgStore := config.NewStore(config.Default())
	m := New(cfgStore, breaker, store, clk, nil)

	evt, err := m.ExecuteEmergencyRollback("INCIDENT-1", "opsuser", false)
	if err != nil {
		t.Fatal(err)
	}
	if evt.Reason != "INCIDENT-1" {
		t.Errorf("expected reason INCIDENT-1, got %s", evt.Reason)
	}

	// Simulate a restart: a fresh manager pointed at the same file.
	freshClk := clock.NewFixed(clk.Now())
	freshBreaker, _ := circuitbreaker.New(freshClk, 1, time.Second, time.Second)
	freshStore := statestore.New(path)
	snap, err := freshStore.Load()
	if err != nil {
		t.Fatal(err)
	}
	if snap.RollbackPhase != string(PhaseRolledBack) {
		t.Errorf("expected persisted rolled_back, got %s", snap.RollbackPhase)
	}
	if len(snap.RollbackHistory) != 1 || snap.RollbackHistory[0].Reason != "INCIDENT-1" {
		t.Errorf("expected history to survive restart, got %+v", snap.RollbackHistory)
	}
	_ = freshBreaker
}

func TestEmergencyRollbackRefusedWhenAlreadyRolledBackWithoutForce(t *testing.T) {
	m, _, _ := newTestManager(t)
	if _, err := m.ExecuteEmergencyRollback("first", "op", false); err != nil {
		t.Fatal(err)
	}
	if _, err := m.ExecuteEmergencyRollback("second", "op", false); err == nil {
		t.Fatal("expected refusal without force when already rolled_back")
	}
	if _, err := m.ExecuteEmergencyRollback("third", "op", true); err != nil {
		t.Fatalf("expected force to override refusal, got %v", err)
	}
}

func TestPlannedRollbackFutureReturnsReceiptOnly(t *testing.T) {
	m, _, clk := newTestManager(t)
	future := clk.Now().Add(time.Hour)

	evt, receipt, err := m.ExecutePlannedRollback("scheduled maintenance", future)
	if err != nil {
		t.Fatal(err)
	}
	if evt != nil {
		t.Error("expected no event for a future scheduled rollback")
	}
	if receipt == nil || !receipt.ScheduledAt.Equal(future) {
		t.Error("expected a scheduled receipt")
	}
	if m.Phase() != PhaseActive {
		t.Error("expected phase unchanged for a future scheduled rollback")
	}
}

func TestPlannedRollbackDueExecutesImmediately(t *testing.T) {
	m, _, clk := newTestManager(t)
	due := clk.Now().Add(-time.Minute)

	evt, receipt, err := m.ExecutePlannedRollback("due now", due)
	if err != nil {
		t.Fatal(err)
	}
	if receipt != nil {
		t.Error("expected no receipt for a due rollback")
	}
	if evt == nil || m.Phase() != PhaseRolledBack {
		t.Errorf("expected immediate rolled_back, got phase=%s", m.Phase())
	}
}

func TestClearRollbackStateRequiresRolledBack(t *testing.T) {
	m, _, _ := newTestManager(t)
	if _, err := m.ClearRollbackState("op"); err == nil {
		t.Fatal("expected refusal when not rolled_back")
	}

	if _, err := m.ExecuteEmergencyRollback("x", "op", false); err != nil {
		t.Fatal(err)
	}
	if _, err := m.ClearRollbackState("op"); err != nil {
		t.Fatal(err)
	}
	if m.Phase() != PhaseActive {
		t.Errorf("expected active after clear, got %s", m.Phase())
	}
}

func TestAttemptRollbackRecoveryRequiresFailedPhase(t *testing.T) {
	m, _, _ := newTestManager(t)
	if _, err := m.AttemptRollbackRecovery(); err == nil {
		t.Fatal("expected refusal when not rollback_failed")
	}
}

func TestHistoryBoundedTo100(t *testing.T) {
	m, _, _ := newTestManager(t)
	for i := 0; i < 150; i++ {
		if _, err := m.ExecuteEmergencyRollback("repeat", "op", true); err != nil {
			t.Fatal(err)
		}
	}
	if len(m.History()) > MaxHistory {
		t.Errorf("expected history bounded to %d, got %d", MaxHistory, len(m.History()))
	}
}

func TestValidateRollbackSuccessHealthy(t *testing.T) {
	m, _, _ := newTestManager(t)
	if _, err := m.ExecuteEmergencyRollback("x", "op", false); err != nil {
		t.Fatal(err)
	}
	report := m.ValidateRollbackSuccess()
	if report.Overall != HealthHealthy {
		t.Errorf("expected healthy, got %s: %+v", report.Overall, report.Checks)
	}
}

func TestNotifierPanicIsSwallowed(t *testing.T) {
	clk := clock.NewFixed(time.Now())
	breaker, _ := circuitbreaker.New(clk, 1, time.Second, time.Second)
	store := statestore.New(filepath.Join(t.TempDir(), "state.json"))
	cfgStore := config.NewStore(config.Default())
	panicky := NotifierFunc(func(string, map[string]any) { panic("boom") })
	m := New(cfgStore, breaker, store, clk, panicky)

	defer func() {
		if r := recover(); r != nil {
			t.Fatalf("expected notifier panic to be swallowed, got %v", r)
		}
	}()
	if _, err := m.ExecuteEmergencyRollback("x", "op", false); err != nil {
		t.Fatal(err)
	}
}
