// Package rollback implements the persistent rollback state machine:
// automatic rollback on a breaker trip, manual emergency rollback,
// planned (scheduled-receipt) rollback, and recovery from a failed
// rollback attempt. Each rollback step is a pure function returning
// {ok, error, duration}; the manager reduces the sequence of step
// results into a final phase, never relying on exception flow.
package rollback

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wudi/migrator/internal/circuitbreaker"
	"github.com/wudi/migrator/internal/clock"
	"github.com/wudi/migrator/internal/config"
	"github.com/wudi/migrator/internal/logging"
	"github.com/wudi/migrator/internal/migration"
	"github.com/wudi/migrator/internal/statestore"
)

// MaxHistory bounds RollbackEvent history, pruned at save time.
const MaxHistory = statestore.MaxHistory

// Notifier receives best-effort notifications of rollback lifecycle
// events. A panic from a Notifier implementation is logged and swallowed
// by the Manager; delivery is never guaranteed.
type Notifier interface {
	Notify(eventKind string, payload map[string]any)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(eventKind string, payload map[string]any)

func (f NotifierFunc) Notify(eventKind string, payload map[string]any) {
	f(eventKind, payload)
}

// HealthStatus is the overall outcome of ValidateRollbackSuccess.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthFailed   HealthStatus = "failed"
)

// HealthCheck is one named pass/fail assertion inside a HealthReport.
type HealthCheck struct {
	Name   string
	Passed bool
	Detail string
}

// HealthReport is returned by ValidateRollbackSuccess.
type HealthReport struct {
	Overall HealthStatus
	Checks  []HealthCheck
}

// Manager coordinates the rollback state machine. It holds no lock
// ordering responsibility beyond the fixed config -> breaker -> rollback
// chain: callers that need all three always acquire config first.
type Manager struct {
	mu sync.Mutex

	phase   Phase
	history []migration.RollbackEvent

	configs  *config.Store
	breaker  *circuitbreaker.Breaker
	store    *statestore.Store
	clk      clock.Clock
	notifier Notifier
}

// New constructs a Manager. notifier may be nil, in which case
// notifications are silently skipped.
func New(configs *config.Store, breaker *circuitbreaker.Breaker, store *statestore.Store, clk clock.Clock, notifier Notifier) *Manager {
	if clk == nil {
		clk = clock.System{}
	}
	return &Manager{
		phase:    PhaseActive,
		configs:  configs,
		breaker:  breaker,
		store:    store,
		clk:      clk,
		notifier: notifier,
	}
}

// Restore seeds the manager's in-memory phase and history from a loaded
// persisted snapshot, used once at controller startup.
func (m *Manager) Restore(phase Phase, history []migration.RollbackEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.phase = phase
	m.history = history
}

// Phase reports the current phase, satisfying router.RollbackPhaseReader.
func (m *Manager) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// History returns a copy of the bounded rollback event history.
func (m *Manager) History() []migration.RollbackEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]migration.RollbackEvent(nil), m.history...)
}

// Recommendation is the result of RollbackRecommended.
type Recommendation struct {
	Recommended bool
	Severity    migration.Severity
	Reasons     []string
}

// RollbackRecommended is true iff the breaker is open and the current
// phase is active.
func (m *Manager) RollbackRecommended() Recommendation {
	m.mu.Lock()
	phase := m.phase
	m.mu.Unlock()

	breakerOpen := m.breaker != nil && m.breaker.Phase() == circuitbreaker.PhaseOpen
	recommended := breakerOpen && phase == PhaseActive

	rec := Recommendation{Recommended: recommended, Severity: migration.SeverityInfo}
	if recommended {
		rec.Severity = migration.SeverityCritical
		rec.Reasons = []string{"circuit_breaker_tripped"}
	}
	return rec
}

// step is one named rollback action. It must never panic; failures are
// reported via the returned error.
type step struct {
	name string
	run  func() error
}

// steps returns the rollback actions that run under m.mu, in order.
// Forcing the breaker open happens separately, before m.mu is acquired
// (see forceOpenBreaker), so breakerSnap is the state to persist rather
// than something this method reads from the breaker itself.
func (m *Manager) steps(breakerSnap circuitbreaker.Snapshot) []step {
	return []step{
		{name: "set_manual_override_force_legacy", run: func() error {
			cfg := *m.configs.Load()
			cfg.ManualOverride = config.OverrideLegacy
			return m.configs.Update(cfg)
		}},
		{name: "persist_snapshot", run: func() error {
			return m.persistLocked(breakerSnap)
		}},
		{name: "emit_notification", run: func() error {
			m.notify("rollback_executed", map[string]any{"phase": string(m.phase)})
			return nil
		}},
	}
}

// forceOpenBreaker forces the breaker open and snapshots it, both before
// any rollback-mutex acquisition, keeping the breaker lock's lifetime
// disjoint from the rollback lock's and preserving the documented
// config -> breaker -> rollback acquisition order. It returns the step
// record a caller should prepend to the rest of the recorded sequence.
func (m *Manager) forceOpenBreaker() (migration.RecoveryStep, circuitbreaker.Snapshot) {
	start := m.clk.Now()
	var err error
	var snap circuitbreaker.Snapshot
	if m.breaker == nil {
		err = fmt.Errorf("no breaker configured")
	} else {
		m.breaker.ForceOpen()
		snap = m.breaker.Snapshot()
	}
	rs := migration.RecoveryStep{Name: "force_open_breaker", Duration: m.clk.Now().Sub(start), Status: migration.StepOK}
	if err != nil {
		rs.Status = migration.StepFailed
		rs.Error = err.Error()
	}
	return rs, snap
}

// runSteps executes every step in order, continuing past a failing step
// where possible, and returns the recorded steps plus whether all
// succeeded. Callers prepend the forceOpenBreaker step themselves since
// it must run before m.mu is acquired.
func (m *Manager) runSteps(breakerSnap circuitbreaker.Snapshot) ([]migration.RecoveryStep, bool) {
	var recorded []migration.RecoveryStep
	allOK := true
	for _, s := range m.steps(breakerSnap) {
		start := m.clk.Now()
		err := s.run()
		dur := m.clk.Now().Sub(start)
		rs := migration.RecoveryStep{Name: s.name, Duration: dur, Status: migration.StepOK}
		if err != nil {
			rs.Status = migration.StepFailed
			rs.Error = err.Error()
			allOK = false
		}
		recorded = append(recorded, rs)
	}
	return recorded, allOK
}

func (m *Manager) recordEvent(trigger migration.RollbackTrigger, reason, operator string, scheduledAt *time.Time, succeeded bool, errs []string, steps []migration.RecoveryStep) migration.RollbackEvent {
	evt := migration.RollbackEvent{
		ID:            uuid.NewString(),
		Trigger:       trigger,
		Reason:        reason,
		Operator:      operator,
		ScheduledAt:   scheduledAt,
		OccurredAt:    m.clk.Now(),
		Succeeded:     succeeded,
		Errors:        errs,
		RecoverySteps: steps,
	}
	m.history = append(m.history, evt)
	if len(m.history) > MaxHistory {
		m.history = m.history[len(m.history)-MaxHistory:]
	}
	return evt
}

func (m *Manager) notify(eventKind string, payload map[string]any) {
	if m.notifier == nil {
		return
	}
	defer func() {
		// best-effort: a panicking notifier must not affect rollback
		if rec := recover(); rec != nil {
			logging.Global().Warn("rollback notifier panicked", zap.String("event_kind", eventKind), zap.Any("panic", rec))
		}
	}()
	m.notifier.Notify(eventKind, payload)
}

// persistLocked saves the current rollback phase/history plus the
// caller-supplied breaker snapshot. It never reads the breaker itself:
// callers take breakerSnap before acquiring m.mu, so this method never
// acquires the breaker's lock while holding the rollback lock.
func (m *Manager) persistLocked(breakerSnap circuitbreaker.Snapshot) error {
	if m.store == nil {
		return nil
	}
	snap := statestore.Snapshot{
		RollbackPhase:   string(m.phase),
		RollbackHistory: toRecords(m.history),
		BreakerPhase:    string(breakerSnap.Phase),
		BreakerOpenedAt: breakerSnap.OpenedAt,
		LastUpdated:     m.clk.Now(),
	}
	return m.store.Save(snap)
}

func toRecords(events []migration.RollbackEvent) []statestore.RollbackEventRecord {
	out := make([]statestore.RollbackEventRecord, 0, len(events))
	for _, e := range events {
		steps := make([]statestore.RecoveryStepRecord, 0, len(e.RecoverySteps))
		for _, s := range e.RecoverySteps {
			steps = append(steps, statestore.RecoveryStepRecord{Name: s.Name, Status: string(s.Status), Duration: s.Duration})
		}
		out = append(out, statestore.RollbackEventRecord{
			ID:            e.ID,
			Trigger:       string(e.Trigger),
			Reason:        e.Reason,
			Operator:      e.Operator,
			ScheduledAt:   e.ScheduledAt,
			OccurredAt:    e.OccurredAt,
			Succeeded:     e.Succeeded,
			Errors:        e.Errors,
			RecoverySteps: steps,
		})
	}
	return out
}

// PlannedStep describes one rollback step's plan without executing it,
// returned by ExecuteAutomaticRollback(dryRun=true).
type PlannedStep struct {
	Name string
}

// ExecuteAutomaticRollback requires RollbackRecommended() to be true. A
// dry run returns the planned steps without mutating any state.
func (m *Manager) ExecuteAutomaticRollback(dryRun bool) ([]PlannedStep, *migration.RollbackEvent, error) {
	if rec := m.RollbackRecommended(); !rec.Recommended {
		return nil, nil, fmt.Errorf("rollback: automatic rollback requires an open breaker and active phase")
	}

	if dryRun {
		planned := make([]PlannedStep, 0, 4)
		planned = append(planned, PlannedStep{Name: "force_open_breaker"})
		for _, s := range m.steps(circuitbreaker.Snapshot{}) {
			planned = append(planned, PlannedStep{Name: s.name})
		}
		return planned, nil, nil
	}

	forceStep, breakerSnap := m.forceOpenBreaker()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.phase = PhaseRollingBack
	recorded, ok := m.runSteps(breakerSnap)
	recorded = append([]migration.RecoveryStep{forceStep}, recorded...)
	if forceStep.Status == migration.StepFailed {
		ok = false
	}
	var errs []string
	for _, r := range recorded {
		if r.Status == migration.StepFailed {
			errs = append(errs, r.Error)
		}
	}
	if ok {
		m.phase = PhaseRolledBack
	} else {
		m.phase = PhaseRollbackFailed
	}
	evt := m.recordEvent(migration.TriggerAutoBreaker, "circuit_breaker_tripped", "", nil, ok, errs, recorded)
	return nil, &evt, nil
}

// ExecuteEmergencyRollback executes unconditionally when force is true;
// otherwise it refuses if the phase is already rolled_back.
func (m *Manager) ExecuteEmergencyRollback(reason, operator string, force bool) (migration.RollbackEvent, error) {
	m.mu.Lock()
	if m.phase == PhaseRolledBack && !force {
		m.mu.Unlock()
		return migration.RollbackEvent{}, fmt.Errorf("rollback: already rolled_back; pass force to re-execute")
	}
	m.mu.Unlock()

	forceStep, breakerSnap := m.forceOpenBreaker()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.phase = PhaseRollingBack
	recorded, ok := m.runSteps(breakerSnap)
	recorded = append([]migration.RecoveryStep{forceStep}, recorded...)
	if forceStep.Status == migration.StepFailed {
		ok = false
	}
	var errs []string
	for _, r := range recorded {
		if r.Status == migration.StepFailed {
			errs = append(errs, r.Error)
		}
	}
	if ok {
		m.phase = PhaseRolledBack
	} else {
		m.phase = PhaseRollbackFailed
	}
	evt := m.recordEvent(migration.TriggerManualEmergency, reason, operator, nil, ok, errs, recorded)
	return evt, nil
}

// PlannedReceipt is returned by ExecutePlannedRollback when scheduledAt
// is in the future; the caller owns invoking the rollback at that time.
type PlannedReceipt struct {
	ScheduledAt time.Time
	Reason      string
}

// ExecutePlannedRollback executes immediately if scheduledAt is due,
// otherwise returns a scheduled receipt only. This component owns no
// timer; the caller is responsible for invoking it again at the
// scheduled time.
func (m *Manager) ExecutePlannedRollback(reason string, scheduledAt time.Time) (*migration.RollbackEvent, *PlannedReceipt, error) {
	if scheduledAt.After(m.clk.Now()) {
		return nil, &PlannedReceipt{ScheduledAt: scheduledAt, Reason: reason}, nil
	}

	forceStep, breakerSnap := m.forceOpenBreaker()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.phase = PhaseRollingBack
	recorded, ok := m.runSteps(breakerSnap)
	recorded = append([]migration.RecoveryStep{forceStep}, recorded...)
	if forceStep.Status == migration.StepFailed {
		ok = false
	}
	var errs []string
	for _, r := range recorded {
		if r.Status == migration.StepFailed {
			errs = append(errs, r.Error)
		}
	}
	if ok {
		m.phase = PhaseRolledBack
	} else {
		m.phase = PhaseRollbackFailed
	}
	sched := scheduledAt
	evt := m.recordEvent(migration.TriggerPlanned, reason, "", &sched, ok, errs, recorded)
	return &evt, nil, nil
}

// ClearRollbackState requires the phase to be rolled_back. It resets the
// manual override to none and transitions back to active.
func (m *Manager) ClearRollbackState(operator string) (migration.RollbackEvent, error) {
	var breakerSnap circuitbreaker.Snapshot
	if m.breaker != nil {
		breakerSnap = m.breaker.Snapshot()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.phase != PhaseRolledBack {
		return migration.RollbackEvent{}, fmt.Errorf("rollback: clear_rollback_state requires phase rolled_back, got %s", m.phase)
	}

	cfg := *m.configs.Load()
	cfg.ManualOverride = config.OverrideNone
	if err := m.configs.Update(cfg); err != nil {
		return migration.RollbackEvent{}, fmt.Errorf("rollback: failed to reset manual override: %w", err)
	}

	m.phase = PhaseActive
	if err := m.persistLocked(breakerSnap); err != nil {
		// Persistence failure is non-fatal: the in-memory transition
		// already happened and is reflected in the returned event.
		_ = err
	}

	evt := m.recordEvent(migration.TriggerManualEmergency, "cleared_by_operator", operator, nil, true, nil, nil)
	m.notify("rollback_cleared", map[string]any{"operator": operator})
	return evt, nil
}

// AttemptRollbackRecovery requires the phase to be rollback_failed; it
// re-runs the rollback steps.
func (m *Manager) AttemptRollbackRecovery() (migration.RollbackEvent, error) {
	m.mu.Lock()
	if m.phase != PhaseRollbackFailed {
		phase := m.phase
		m.mu.Unlock()
		return migration.RollbackEvent{}, fmt.Errorf("rollback: attempt_rollback_recovery requires phase rollback_failed, got %s", phase)
	}
	m.mu.Unlock()

	forceStep, breakerSnap := m.forceOpenBreaker()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.phase = PhaseRollingBack
	recorded, ok := m.runSteps(breakerSnap)
	recorded = append([]migration.RecoveryStep{forceStep}, recorded...)
	if forceStep.Status == migration.StepFailed {
		ok = false
	}
	var errs []string
	for _, r := range recorded {
		if r.Status == migration.StepFailed {
			errs = append(errs, r.Error)
		}
	}
	if ok {
		m.phase = PhaseRolledBack
	} else {
		m.phase = PhaseRollbackFailed
	}
	evt := m.recordEvent(migration.TriggerAutoBreaker, "rollback_recovery_attempted", "", nil, ok, errs, recorded)
	m.notify("rollback_recovery_attempted", map[string]any{"succeeded": ok})
	return evt, nil
}

// ValidateRollbackSuccess asserts the post-conditions of a completed
// rollback: manual_override is force_legacy, the breaker is open, and
// the persisted state reflects rolled_back.
func (m *Manager) ValidateRollbackSuccess() HealthReport {
	var checks []HealthCheck

	cfg := m.configs.Load()
	overrideOK := cfg.ManualOverride == config.OverrideLegacy
	checks = append(checks, HealthCheck{Name: "manual_override_force_legacy", Passed: overrideOK})

	breakerOK := m.breaker != nil && m.breaker.Phase() == circuitbreaker.PhaseOpen
	checks = append(checks, HealthCheck{Name: "breaker_open", Passed: breakerOK})

	persistedOK := true
	if m.store != nil {
		snap, err := m.store.Load()
		persistedOK = err == nil && snap.RollbackPhase == string(PhaseRolledBack)
	}
	checks = append(checks, HealthCheck{Name: "persisted_rolled_back", Passed: persistedOK})

	passCount := 0
	for _, c := range checks {
		if c.Passed {
			passCount++
		}
	}

	overall := HealthHealthy
	switch {
	case passCount == len(checks):
		overall = HealthHealthy
	case passCount == 0:
		overall = HealthFailed
	default:
		overall = HealthDegraded
	}

	return HealthReport{Overall: overall, Checks: checks}
}
