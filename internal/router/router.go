// Package router implements the feature-flag routing decision: which
// generation engine serves a request, and whether a canary run of the
// other engine should also execute. The decision order is a strict
// short-circuit chain so the same inputs always produce the same
// decision (see clock.Bucket and TestDecideIsDeterministicForFixedDay).
package router

import (
	"github.com/wudi/migrator/internal/circuitbreaker"
	"github.com/wudi/migrator/internal/clock"
	"github.com/wudi/migrator/internal/config"
	"github.com/wudi/migrator/internal/migration"
	"github.com/wudi/migrator/internal/rollback"
)

// Breaker is the subset of circuitbreaker.Breaker the router needs,
// named as a small interface so tests can inject a stub that never
// touches real time.
type Breaker interface {
	AllowNewEngine() bool
}

var _ Breaker = (*circuitbreaker.Breaker)(nil)

// RollbackPhaseReader reports the rollback manager's current phase
// without giving the router any way to mutate it.
type RollbackPhaseReader interface {
	Phase() rollback.Phase
}

// Router decides, per request, which engine serves it and whether a
// canary run accompanies the decision.
type Router struct {
	configs  *config.Store
	breaker  Breaker
	rollback RollbackPhaseReader
	clk      clock.Clock
}

// New constructs a Router. Any of breaker/rollback/clk may be stubbed by
// tests; configs must be non-nil.
func New(configs *config.Store, breaker Breaker, rb RollbackPhaseReader, clk clock.Clock) *Router {
	if clk == nil {
		clk = clock.System{}
	}
	return &Router{configs: configs, breaker: breaker, rollback: rb, clk: clk}
}

// Decide implements the seven-step short-circuit chain.
func (r *Router) Decide(req migration.GenerationRequest) migration.RoutingDecision {
	now := r.clk.Now()
	day := clock.DayEpoch(now)
	cfg := r.configs.Load()

	decision := migration.RoutingDecision{DecidedAt: now}

	// AllowNewEngine has the side effect of advancing open->half_open once
	// the recovery timeout elapses; call it exactly once per Decide and
	// reuse the result for both the routing chain and the canary gate.
	breakerAllowsNew := r.breaker == nil || r.breaker.AllowNewEngine()

	// 1. rolled_back always wins.
	if r.rollback != nil && r.rollback.Phase() == rollback.PhaseRolledBack {
		decision.Engine = migration.EngineLegacy
		decision.Reason = migration.ReasonRolledBack
		decision.CanaryRequested = r.canaryRequested(req, cfg, day, breakerAllowsNew)
		return decision
	}

	// 2 & 3. manual override.
	switch cfg.ManualOverride {
	case config.OverrideLegacy:
		decision.Engine = migration.EngineLegacy
		decision.Reason = migration.ReasonOverride
		decision.CanaryRequested = r.canaryRequested(req, cfg, day, breakerAllowsNew)
		return decision

	case config.OverrideNew:
		if !breakerAllowsNew {
			decision.Engine = migration.EngineLegacy
			decision.Reason = migration.ReasonBreakerOpen
			decision.CanaryRequested = r.canaryRequested(req, cfg, day, breakerAllowsNew)
			return decision
		}
		decision.Engine = migration.EngineNew
		decision.Reason = migration.ReasonOverride
		decision.CanaryRequested = r.canaryRequested(req, cfg, day, breakerAllowsNew)
		return decision
	}

	// 4. breaker veto.
	if !breakerAllowsNew {
		decision.Engine = migration.EngineLegacy
		decision.Reason = migration.ReasonBreakerOpen
		decision.CanaryRequested = r.canaryRequested(req, cfg, day, breakerAllowsNew)
		return decision
	}

	// 5. forced table list.
	if _, forced := cfg.ForcedNewTables[req.RoutingKey]; forced {
		decision.Engine = migration.EngineNew
		decision.Reason = migration.ReasonForcedTable
		decision.CanaryRequested = r.canaryRequested(req, cfg, day, breakerAllowsNew)
		return decision
	}

	// 6. 0%/100% shortcuts.
	if cfg.NewPipelinePercentage == 0 {
		decision.Engine = migration.EngineLegacy
		decision.Reason = migration.ReasonPercentage
		decision.CanaryRequested = r.canaryRequested(req, cfg, day, breakerAllowsNew)
		return decision
	}
	if cfg.NewPipelinePercentage == 100 {
		decision.Engine = migration.EngineNew
		decision.Reason = migration.ReasonPercentage
		decision.CanaryRequested = r.canaryRequested(req, cfg, day, breakerAllowsNew)
		return decision
	}

	// 7. bucketed percentage split.
	bucket := clock.Bucket(req.RoutingKey, day)
	if bucket < cfg.NewPipelinePercentage {
		decision.Engine = migration.EngineNew
	} else {
		decision.Engine = migration.EngineLegacy
	}
	decision.Reason = migration.ReasonPercentage
	decision.CanaryRequested = r.canaryRequested(req, cfg, day, breakerAllowsNew)
	return decision
}

// canaryRequested implements the independent canary sampling decision.
func (r *Router) canaryRequested(req migration.GenerationRequest, cfg *config.FeatureFlagConfig, day int64, breakerAllowsNew bool) bool {
	if !cfg.EnableCanary {
		return false
	}
	if !breakerAllowsNew {
		return false
	}
	if cfg.ForceCanaryMode {
		return true
	}
	return clock.BucketWithSalt(req.RoutingKey, "canary", day) < cfg.CanarySampleRate
}

// UpdateConfig validates and atomically swaps the active configuration.
func (r *Router) UpdateConfig(next config.FeatureFlagConfig) error {
	return r.configs.Update(next)
}
