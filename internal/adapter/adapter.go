// Package adapter implements the Migration Adapter: the public request
// entry point that ties the router, the two generation engines, the
// comparator, and the circuit breaker into one invocation.
package adapter

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wudi/migrator/internal/circuitbreaker"
	"github.com/wudi/migrator/internal/clock"
	"github.com/wudi/migrator/internal/comparator"
	"github.com/wudi/migrator/internal/config"
	"github.com/wudi/migrator/internal/logging"
	"github.com/wudi/migrator/internal/migration"
	"github.com/wudi/migrator/internal/rollback"
	"github.com/wudi/migrator/internal/router"

	"go.uber.org/zap"
)

// defaultCanaryTimeout is used when FeatureFlagConfig.CanaryTimeout is
// unset (zero). The spec describes the default as "twice the typical
// legacy runtime"; since the typical runtime isn't known in advance of
// the canary's own parallel execution, this is a fixed fallback rather
// than a measured one.
const defaultCanaryTimeout = 30 * time.Second

const maxPerformanceSamples = 1000

// Engines bundles the two GenerationEngine implementations the adapter
// orchestrates.
type Engines struct {
	Legacy migration.GenerationEngine
	New    migration.GenerationEngine
}

// MetricsRecorder is the subset of *metrics.Registry the adapter reports
// to, named as a small interface so tests never need a live Prometheus
// registry.
type MetricsRecorder interface {
	RecordRoutingDecision(engine, reason string)
	ObserveEngineDuration(engine string, seconds float64)
}

// RollbackTrigger is the subset of *rollback.Manager the adapter consults
// after a new-engine failure, named as a small interface so tests never
// need a live Manager wired to a breaker and config store.
type RollbackTrigger interface {
	RollbackRecommended() rollback.Recommendation
	ExecuteAutomaticRollback(dryRun bool) ([]rollback.PlannedStep, *migration.RollbackEvent, error)
	Phase() rollback.Phase
}

// Adapter is the public request entry point.
type Adapter struct {
	router       *router.Router
	breaker      *circuitbreaker.Breaker
	comparator   *comparator.Comparator
	configs      *config.Store
	engines      Engines
	samples      *sampleRing
	clk          clock.Clock
	logger       *zap.Logger
	metrics      MetricsRecorder
	rollbackMgr  RollbackTrigger
	autoRollback bool
}

// New constructs an Adapter.
func New(r *router.Router, breaker *circuitbreaker.Breaker, cmp *comparator.Comparator, configs *config.Store, engines Engines, clk clock.Clock, logger *zap.Logger) *Adapter {
	if clk == nil {
		clk = clock.System{}
	}
	if logger == nil {
		logger = logging.Global()
	}
	return &Adapter{
		router:     r,
		breaker:    breaker,
		comparator: cmp,
		configs:    configs,
		engines:    engines,
		samples:    newSampleRing(maxPerformanceSamples),
		clk:        clk,
		logger:     logger,
	}
}

// WithMetrics attaches a MetricsRecorder that Execute reports routing
// decisions and engine durations to. Optional; a nil recorder is a
// no-op.
func (a *Adapter) WithMetrics(m MetricsRecorder) *Adapter {
	a.metrics = m
	return a
}

// WithRollback attaches the rollback manager Execute consults after a
// new-engine failure. autoRollback gates whether a breaker trip actually
// triggers ExecuteAutomaticRollback, or merely leaves the recommendation
// for an operator to act on; mgr may be nil, in which case auto-rollback
// never fires regardless of autoRollback.
func (a *Adapter) WithRollback(mgr RollbackTrigger, autoRollback bool) *Adapter {
	a.rollbackMgr = mgr
	a.autoRollback = autoRollback
	return a
}

// maybeAutoRollback runs ExecuteAutomaticRollback when auto-rollback is
// enabled and the rollback manager currently recommends it, logging the
// outcome either way. It never returns an error; a failed automatic
// rollback is recorded in the RollbackEvent and surfaced through Status
// and HealthCheck instead.
func (a *Adapter) maybeAutoRollback() {
	if a.rollbackMgr == nil || !a.autoRollback {
		return
	}
	if rec := a.rollbackMgr.RollbackRecommended(); !rec.Recommended {
		return
	}
	_, evt, err := a.rollbackMgr.ExecuteAutomaticRollback(false)
	if err != nil {
		a.logger.Warn("automatic rollback attempt failed to execute", zap.Error(err))
		return
	}
	if evt != nil && !evt.Succeeded {
		a.logger.Error("automatic rollback executed but did not complete successfully", logging.Phase(string(a.rollbackMgr.Phase())), zap.Strings("errors", evt.Errors))
		return
	}
	a.logger.Warn("automatic rollback triggered by circuit breaker trip", logging.Phase(string(a.rollbackMgr.Phase())))
}

func (a *Adapter) reportDecision(engine migration.Engine, reason migration.RoutingReason) {
	if a.metrics != nil {
		a.metrics.RecordRoutingDecision(string(engine), string(reason))
	}
}

func (a *Adapter) reportDuration(engine migration.Engine, d time.Duration) {
	if a.metrics != nil {
		a.metrics.ObserveEngineDuration(string(engine), d.Seconds())
	}
}

// canaryOutcome carries a background canary run's result back to Execute
// over a buffered channel so the sender never blocks on an abandoned
// receiver.
type canaryOutcome struct {
	result   migration.GenerationResult
	duration time.Duration
	ran      bool
}

// Execute is the per-invocation entry point described by the Migration
// Adapter's seven-step sequence. When a canary is requested, it runs on
// its own goroutine concurrently with the primary engine rather than
// after it: the bounded timeout covers the canary's wall-clock time
// alongside the primary's, not stacked on top of it.
func (a *Adapter) Execute(ctx context.Context, req migration.GenerationRequest) migration.GenerationResult {
	decision := a.router.Decide(req)
	cfg := a.configs.Load()
	a.reportDecision(decision.Engine, decision.Reason)

	canaryCh := make(chan canaryOutcome, 1)
	var canaryCtx context.Context
	if decision.CanaryRequested {
		canaryEngine := a.engineFor(otherEngine(decision.Engine))
		timeout := cfg.CanaryTimeout
		if timeout <= 0 {
			timeout = defaultCanaryTimeout
		}
		var cancel context.CancelFunc
		canaryCtx, cancel = context.WithTimeout(ctx, timeout)

		go func() {
			defer cancel()
			start := a.clk.Now()
			res, err := a.runEngine(canaryCtx, canaryEngine, req)
			if canaryCtx.Err() != nil {
				// Timed out or parent canceled before the engine
				// returned; the result is abandoned.
				canaryCh <- canaryOutcome{}
				return
			}
			duration := a.clk.Now().Sub(start)
			if err != nil {
				res = migration.GenerationResult{Success: false, Errors: []string{err.Error()}}
			}
			res.ExecutionTime = duration
			canaryCh <- canaryOutcome{result: res, duration: duration, ran: true}
		}()
	}

	primaryEngine := a.engineFor(decision.Engine)
	primaryStart := a.clk.Now()
	primaryResult, primaryErr := a.runEngine(ctx, primaryEngine, req)
	primaryDuration := a.clk.Now().Sub(primaryStart)
	if primaryErr != nil {
		primaryResult = migration.GenerationResult{Success: false, Errors: []string{primaryErr.Error()}}
	}
	primaryResult.ExecutionTime = primaryDuration
	a.reportDuration(decision.Engine, primaryDuration)

	var canaryResult *migration.GenerationResult
	var canaryDuration time.Duration
	var canaryRan bool

	if decision.CanaryRequested {
		var outcome canaryOutcome
		select {
		case outcome = <-canaryCh:
		case <-canaryCtx.Done():
			// The goroutine sends before its deferred cancel runs, so a
			// finished canary is still picked up here; a canary engine
			// still running past its deadline is abandoned.
			select {
			case outcome = <-canaryCh:
			default:
			}
		}
		if outcome.ran {
			canaryRan = true
			canaryDuration = outcome.duration
			res := outcome.result
			canaryResult = &res
		}
	}

	if canaryRan {
		legacyResult, newResult := orderResults(decision.Engine, primaryResult, *canaryResult)
		cmpResult := a.comparator.Compare(legacyResult, newResult)
		report := comparator.Report(cmpResult)
		if !cmpResult.OverallMatch {
			a.logger.Warn("CANARY DISCREPANCY", logging.RoutingKey(req.RoutingKey), logging.EngineField(string(decision.Engine)), zap.String("report", report))
		} else {
			a.logger.Info("canary comparison complete", logging.RoutingKey(req.RoutingKey), logging.EngineField(string(decision.Engine)), zap.Bool("overall_match", true))
		}
		if cfg.DetailedLogging {
			for _, d := range cmpResult.Critical {
				a.logger.Warn("canary critical discrepancy", logging.RoutingKey(req.RoutingKey), zap.String("kind", string(d.Kind)), zap.String("message", d.Message))
			}
		}

		legacyMs, newMs := legacyResult.ExecutionTime, newResult.ExecutionTime
		a.samples.Add(migration.PerformanceSample{
			LegacyTime:     legacyMs,
			NewTime:        newMs,
			CanaryOverhead: canaryDuration,
			SampledAt:      a.clk.Now(),
		})
	}

	result := primaryResult
	if decision.Engine == migration.EngineNew {
		if !primaryResult.Success {
			a.breaker.RecordFailure(firstError(primaryResult.Errors))
			a.maybeAutoRollback()
			if cfg.FallbackToLegacyOnError {
				fallbackStart := a.clk.Now()
				fallbackResult, fallbackErr := a.runEngine(ctx, a.engines.Legacy, req)
				fallbackResult.ExecutionTime = a.clk.Now().Sub(fallbackStart)
				if fallbackErr != nil {
					fallbackResult = migration.GenerationResult{Success: false, Errors: []string{fallbackErr.Error()}}
				}
				result = fallbackResult
			}
		} else {
			a.breaker.RecordSuccess()
		}
	}

	return result
}

// ForceExecute runs a specific engine for ops tooling, optionally
// bypassing the breaker check (routing is skipped entirely; the caller
// names the engine), but still recording a new-engine success or failure
// on the breaker as Execute does. It does not fall back to legacy, report
// metrics, or trigger automatic rollback.
func (a *Adapter) ForceExecute(ctx context.Context, req migration.GenerationRequest, engine migration.Engine, bypassBreaker bool) (migration.GenerationResult, error) {
	if engine == migration.EngineNew && !bypassBreaker && !a.breaker.AllowNewEngine() {
		return migration.GenerationResult{}, fmt.Errorf("adapter: breaker denies new engine; pass bypassBreaker to override")
	}

	eng := a.engineFor(engine)
	start := a.clk.Now()
	result, err := a.runEngine(ctx, eng, req)
	result.ExecutionTime = a.clk.Now().Sub(start)
	if err != nil {
		result = migration.GenerationResult{Success: false, Errors: []string{err.Error()}, ExecutionTime: result.ExecutionTime}
	}

	if engine == migration.EngineNew {
		if result.Success {
			a.breaker.RecordSuccess()
		} else {
			a.breaker.RecordFailure(firstError(result.Errors))
		}
	}

	return result, nil
}

// DualForceExecute runs both engines with fail-fast semantics via
// errgroup, used by ops tooling when a genuine side-by-side is wanted
// outside the normal canary-sampling path.
func (a *Adapter) DualForceExecute(ctx context.Context, req migration.GenerationRequest) (legacy, newRes migration.GenerationResult, err error) {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		start := a.clk.Now()
		res, err := a.runEngine(gctx, a.engines.Legacy, req)
		res.ExecutionTime = a.clk.Now().Sub(start)
		if err != nil {
			return fmt.Errorf("legacy engine: %w", err)
		}
		legacy = res
		return nil
	})
	g.Go(func() error {
		start := a.clk.Now()
		res, err := a.runEngine(gctx, a.engines.New, req)
		res.ExecutionTime = a.clk.Now().Sub(start)
		if err != nil {
			return fmt.Errorf("new engine: %w", err)
		}
		newRes = res
		return nil
	})

	err = g.Wait()
	return legacy, newRes, err
}

// PerformanceSamples returns a copy of the bounded performance sample
// history, oldest first.
func (a *Adapter) PerformanceSamples() []migration.PerformanceSample {
	return a.samples.Snapshot()
}

func (a *Adapter) engineFor(e migration.Engine) migration.GenerationEngine {
	if e == migration.EngineNew {
		return a.engines.New
	}
	return a.engines.Legacy
}

func otherEngine(e migration.Engine) migration.Engine {
	if e == migration.EngineNew {
		return migration.EngineLegacy
	}
	return migration.EngineNew
}

// orderResults returns (legacy, new) regardless of which side was
// primary vs. canary.
func orderResults(primaryEngine migration.Engine, primary, canary migration.GenerationResult) (legacy, newRes migration.GenerationResult) {
	if primaryEngine == migration.EngineNew {
		return canary, primary
	}
	return primary, canary
}

func (a *Adapter) runEngine(ctx context.Context, engine migration.GenerationEngine, req migration.GenerationRequest) (migration.GenerationResult, error) {
	if engine == nil {
		return migration.GenerationResult{}, fmt.Errorf("adapter: no engine configured")
	}
	return engine.Execute(ctx, req)
}

func firstError(errs []string) string {
	if len(errs) == 0 {
		return "unknown error"
	}
	return errs[0]
}
