// Package controller wires the router, adapter, breaker, and rollback
// manager into one MigrationController and exposes the operator-facing
// Management API, none of which ever raises: every method returns a
// Reply the caller renders as-is.
package controller

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/wudi/migrator/internal/adapter"
	"github.com/wudi/migrator/internal/circuitbreaker"
	"github.com/wudi/migrator/internal/clock"
	"github.com/wudi/migrator/internal/comparator"
	"github.com/wudi/migrator/internal/config"
	"github.com/wudi/migrator/internal/logging"
	"github.com/wudi/migrator/internal/metrics"
	"github.com/wudi/migrator/internal/migration"
	"github.com/wudi/migrator/internal/rollback"
	"github.com/wudi/migrator/internal/router"
	"github.com/wudi/migrator/internal/statestore"
)

// Reply is the uniform shape every Management API call returns. It is
// never an error return; Success is the signal.
type Reply struct {
	Success bool
	Reason  string
	Details map[string]any
}

func ok(details map[string]any) Reply { return Reply{Success: true, Details: details} }

func fail(reason string, details map[string]any) Reply {
	return Reply{Success: false, Reason: reason, Details: details}
}

// MigrationController is the single object a host process constructs at
// startup and injects into request handlers and operator tooling.
type MigrationController struct {
	configs  *config.Store
	breaker  *circuitbreaker.Breaker
	router   *router.Router
	adapter  *adapter.Adapter
	rollback *rollback.Manager
	store    *statestore.Store
	clk      clock.Clock
	logger   *zap.Logger
	metrics  *metrics.Registry
}

// Options bundles everything needed to construct a controller.
type Options struct {
	Config       config.FeatureFlagConfig
	AutoRollback bool
	StatePath    string
	Engines      adapter.Engines
	Clock        clock.Clock
	Logger       *zap.Logger
	Notifier     rollback.Notifier
}

// New constructs a MigrationController, restoring breaker and rollback
// state from the state file at opts.StatePath if one exists.
func New(opts Options) (*MigrationController, error) {
	clk := opts.Clock
	if clk == nil {
		clk = clock.System{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Global()
	}

	cfgStore := config.NewStore(opts.Config)
	breaker, err := circuitbreaker.New(clk, opts.Config.ErrorThreshold, opts.Config.ErrorWindow, opts.Config.RecoveryTimeout)
	if err != nil {
		return nil, fmt.Errorf("controller: construct breaker: %w", err)
	}

	store := statestore.New(opts.StatePath)
	snap, loadErr := store.Load()
	if loadErr != nil {
		if errors.Is(loadErr, statestore.ErrSchemaTooNew) {
			return nil, fmt.Errorf("controller: %w", loadErr)
		}
		logger.Warn("state file load warning, continuing with defaults", zap.Error(loadErr))
	}
	if snap.BreakerPhase == string(circuitbreaker.PhaseOpen) && snap.BreakerOpenedAt != nil {
		breaker.RestoreOpened(*snap.BreakerOpenedAt)
	}

	rb := rollback.New(cfgStore, breaker, store, clk, opts.Notifier)
	rb.Restore(rollback.Phase(snap.RollbackPhase), decodeHistory(snap.RollbackHistory))

	r := router.New(cfgStore, breaker, rb, clk)
	cmp := comparator.New(comparator.Options{})
	mtr := metrics.New()
	a := adapter.New(r, breaker, cmp, cfgStore, opts.Engines, clk, logger).
		WithMetrics(mtr).
		WithRollback(rb, opts.AutoRollback)

	return &MigrationController{
		configs:  cfgStore,
		breaker:  breaker,
		router:   r,
		adapter:  a,
		rollback: rb,
		store:    store,
		clk:      clk,
		logger:   logger,
		metrics:  mtr,
	}, nil
}

// Execute runs one generation request through the router and adapter.
func (c *MigrationController) Execute(ctx context.Context, req migration.GenerationRequest) migration.GenerationResult {
	return c.adapter.Execute(ctx, req)
}

// Status reports the live state of every component, for dashboards and
// health probes.
func (c *MigrationController) Status() Reply {
	cfg := c.configs.Load()
	breakerSnap := c.breaker.Snapshot()
	c.metrics.SetBreakerPhase(string(breakerSnap.Phase))

	return ok(map[string]any{
		"rollback_phase":     string(c.rollback.Phase()),
		"breaker_phase":      string(breakerSnap.Phase),
		"breaker_failures":   breakerSnap.TotalFailures,
		"breaker_successes":  breakerSnap.TotalSuccesses,
		"breaker_rejected":   breakerSnap.TotalRejected,
		"new_pipeline_pct":   cfg.NewPipelinePercentage,
		"manual_override":    string(cfg.ManualOverride),
		"canary_enabled":     cfg.EnableCanary,
		"performance_sample": len(c.adapter.PerformanceSamples()),
	})
}

// HealthCheck runs the rollback manager's post-rollback validation and
// reports whether automatic rollback is currently recommended.
func (c *MigrationController) HealthCheck() Reply {
	report := c.rollback.ValidateRollbackSuccess()
	recommendation := c.rollback.RollbackRecommended()

	details := map[string]any{
		"overall":               string(report.Overall),
		"checks":                report.Checks,
		"rollback_recommended":  recommendation.Recommended,
		"recommendation_reason": recommendation.Reasons,
	}
	if report.Overall == rollback.HealthFailed {
		return fail("health_check_failed", details)
	}
	return ok(details)
}

// EmergencyRollback forces an immediate rollback to the legacy engine.
func (c *MigrationController) EmergencyRollback(reason, operator string, force bool) Reply {
	evt, err := c.rollback.ExecuteEmergencyRollback(reason, operator, force)
	if err != nil {
		return fail(err.Error(), nil)
	}
	c.metrics.RecordRollbackEvent(string(evt.Trigger), evt.Succeeded)
	return ok(map[string]any{"event_id": evt.ID, "succeeded": evt.Succeeded})
}

// ClearRollback returns the system to active routing after a rollback.
func (c *MigrationController) ClearRollback(operator string) Reply {
	evt, err := c.rollback.ClearRollbackState(operator)
	if err != nil {
		return fail(err.Error(), nil)
	}
	return ok(map[string]any{"event_id": evt.ID})
}

// ResetCircuitBreaker forces the breaker back to closed, discarding any
// accumulated error events. Operator action, not an automatic recovery
// path.
func (c *MigrationController) ResetCircuitBreaker() Reply {
	c.breaker.Reset()
	return ok(map[string]any{"breaker_phase": string(c.breaker.Phase())})
}

// ForceExecute runs a specific engine directly, bypassing routing, for
// ops diagnostics.
func (c *MigrationController) ForceExecute(ctx context.Context, req migration.GenerationRequest, engine migration.Engine, bypassBreaker bool) Reply {
	result, err := c.adapter.ForceExecute(ctx, req, engine, bypassBreaker)
	if err != nil {
		return fail(err.Error(), nil)
	}
	return ok(map[string]any{"success": result.Success, "execution_time": result.ExecutionTime.String()})
}

// MetricsHandler returns an http.Handler serving this controller's
// Prometheus metrics, for the host process to mount at /metrics.
func (c *MigrationController) MetricsHandler() http.Handler {
	return c.metrics.Handler()
}

// Persist writes the current breaker and rollback state to disk outside
// of a rollback transition, e.g. on a clean shutdown.
func (c *MigrationController) Persist() error {
	snap := statestore.Snapshot{
		RollbackPhase:   string(c.rollback.Phase()),
		RollbackHistory: encodeHistory(c.rollback.History()),
		BreakerPhase:    string(c.breaker.Phase()),
		LastUpdated:     c.clk.Now(),
	}
	if openedAt := c.breaker.Snapshot().OpenedAt; openedAt != nil {
		snap.BreakerOpenedAt = openedAt
	}
	return c.store.Save(snap)
}

func decodeHistory(records []statestore.RollbackEventRecord) []migration.RollbackEvent {
	events := make([]migration.RollbackEvent, 0, len(records))
	for _, rec := range records {
		steps := make([]migration.RecoveryStep, 0, len(rec.RecoverySteps))
		for _, s := range rec.RecoverySteps {
			steps = append(steps, migration.RecoveryStep{
				Name:     s.Name,
				Status:   migration.StepStatus(s.Status),
				Duration: s.Duration,
			})
		}
		events = append(events, migration.RollbackEvent{
			ID:            rec.ID,
			Trigger:       migration.RollbackTrigger(rec.Trigger),
			Reason:        rec.Reason,
			Operator:      rec.Operator,
			ScheduledAt:   rec.ScheduledAt,
			OccurredAt:    rec.OccurredAt,
			Succeeded:     rec.Succeeded,
			Errors:        rec.Errors,
			RecoverySteps: steps,
		})
	}
	return events
}

func encodeHistory(events []migration.RollbackEvent) []statestore.RollbackEventRecord {
	records := make([]statestore.RollbackEventRecord, 0, len(events))
	for _, e := range events {
		steps := make([]statestore.RecoveryStepRecord, 0, len(e.RecoverySteps))
		for _, s := range e.RecoverySteps {
			steps = append(steps, statestore.RecoveryStepRecord{
				Name:     s.Name,
				Status:   string(s.Status),
				Duration: s.Duration,
			})
		}
		records = append(records, statestore.RollbackEventRecord{
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
	return records
}
