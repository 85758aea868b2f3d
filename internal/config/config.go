// Package config loads and validates FeatureFlagConfig from environment
// variables, and holds the active config behind an atomic pointer so
// readers never block on writers and in-flight decisions complete
// against the snapshot that was active when they started.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// ManualOverride forces all traffic to one engine regardless of the
// percentage split.
type ManualOverride string

const (
	OverrideNone   ManualOverride = "none"
	OverrideLegacy ManualOverride = "force_legacy"
	OverrideNew    ManualOverride = "force_new"
)

// FeatureFlagConfig is the complete routing/safety policy, constructed
// once at startup from environment variables and mutated only through
// atomic replacement via Store.Update.
type FeatureFlagConfig struct {
	NewPipelinePercentage int
	EnableCanary          bool
	CanarySampleRate      int
	ForceCanaryMode       bool
	ForcedNewTables       map[string]struct{}
	ManualOverride        ManualOverride
	ErrorThreshold        int
	ErrorWindow           time.Duration
	RecoveryTimeout       time.Duration
	CircuitBreakerEnabled bool
	DetailedLogging       bool
	FallbackToLegacyOnError bool
	CanaryTimeout         time.Duration
}

// Default returns the configuration the environment variables default to
// when a variable is unset.
func Default() FeatureFlagConfig {
	return FeatureFlagConfig{
		NewPipelinePercentage:   0,
		EnableCanary:            false,
		CanarySampleRate:        100,
		ForcedNewTables:         map[string]struct{}{},
		ManualOverride:          OverrideNone,
		ErrorThreshold:          5,
		ErrorWindow:             300 * time.Second,
		RecoveryTimeout:         600 * time.Second,
		CircuitBreakerEnabled:   true,
		DetailedLogging:         false,
		FallbackToLegacyOnError: true,
		CanaryTimeout:           0, // 0 means the adapter's fixed 30s default
	}
}

// These constants name the environment variables FromEnviron reads, kept
// as a single table so the startup error can always name the offending
// variable.
const (
	envNewPipelinePct   = "MIGRATION_NEW_PIPELINE_PCT"
	envEnableCanary     = "MIGRATION_ENABLE_CANARY"
	envCanarySamplePct  = "MIGRATION_CANARY_SAMPLE_PCT"
	envCircuitBreaker   = "MIGRATION_CIRCUIT_BREAKER"
	envAutoRollback     = "MIGRATION_AUTO_ROLLBACK"
	envDetailedLogging  = "MIGRATION_DETAILED_LOGGING"
	envNewPipelineTbls  = "MIGRATION_NEW_PIPELINE_TABLES"
	envManualOverride   = "MIGRATION_MANUAL_OVERRIDE"
	envErrorThreshold   = "MIGRATION_ERROR_THRESHOLD"
	envErrorWindowSecs  = "MIGRATION_ERROR_WINDOW_SECONDS"
	envRecoveryTimeoutSecs = "MIGRATION_RECOVERY_TIMEOUT_SECONDS"
)

// AutoRollback is not a FeatureFlagConfig field (it governs the rollback
// manager's automatic trigger, not routing), but it is read from the same
// environment block and returned alongside the config.
type Loaded struct {
	Config       FeatureFlagConfig
	AutoRollback bool
}

// FromEnviron builds a FeatureFlagConfig from the eleven MIGRATION_*
// environment variables, starting from Default() for anything unset. A
// malformed value produces an error naming the variable.
func FromEnviron() (Loaded, error) {
	cfg := Default()

	if v, ok := os.LookupEnv(envNewPipelinePct); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Loaded{}, fmt.Errorf("environment variable %q: not an integer: %w", envNewPipelinePct, err)
		}
		cfg.NewPipelinePercentage = n
	}

	if v, ok := os.LookupEnv(envEnableCanary); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Loaded{}, fmt.Errorf("environment variable %q: not a bool: %w", envEnableCanary, err)
		}
		cfg.EnableCanary = b
	}

	if v, ok := os.LookupEnv(envCanarySamplePct); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Loaded{}, fmt.Errorf("environment variable %q: not an integer: %w", envCanarySamplePct, err)
		}
		cfg.CanarySampleRate = n
	}

	if v, ok := os.LookupEnv(envCircuitBreaker); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Loaded{}, fmt.Errorf("environment variable %q: not a bool: %w", envCircuitBreaker, err)
		}
		cfg.CircuitBreakerEnabled = b
	}

	autoRollback := false
	if v, ok := os.LookupEnv(envAutoRollback); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Loaded{}, fmt.Errorf("environment variable %q: not a bool: %w", envAutoRollback, err)
		}
		autoRollback = b
	}

	if v, ok := os.LookupEnv(envDetailedLogging); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Loaded{}, fmt.Errorf("environment variable %q: not a bool: %w", envDetailedLogging, err)
		}
		cfg.DetailedLogging = b
	}

	if v, ok := os.LookupEnv(envNewPipelineTbls); ok && v != "" {
		tables := map[string]struct{}{}
		for _, t := range strings.Split(v, ",") {
			t = strings.TrimSpace(t)
			if t != "" {
				tables[t] = struct{}{}
			}
		}
		cfg.ForcedNewTables = tables
	}

	if v, ok := os.LookupEnv(envManualOverride); ok {
		switch v {
		case "", "none":
			cfg.ManualOverride = OverrideNone
		case "legacy":
			cfg.ManualOverride = OverrideLegacy
		case "new":
			cfg.ManualOverride = OverrideNew
		default:
			return Loaded{}, fmt.Errorf("environment variable %q: must be one of legacy, new, empty; got %q", envManualOverride, v)
		}
	}

	if v, ok := os.LookupEnv(envErrorThreshold); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Loaded{}, fmt.Errorf("environment variable %q: not an integer: %w", envErrorThreshold, err)
		}
		cfg.ErrorThreshold = n
	}

	if v, ok := os.LookupEnv(envErrorWindowSecs); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Loaded{}, fmt.Errorf("environment variable %q: not an integer: %w", envErrorWindowSecs, err)
		}
		cfg.ErrorWindow = time.Duration(n) * time.Second
	}

	if v, ok := os.LookupEnv(envRecoveryTimeoutSecs); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Loaded{}, fmt.Errorf("environment variable %q: not an integer: %w", envRecoveryTimeoutSecs, err)
		}
		cfg.RecoveryTimeout = time.Duration(n) * time.Second
	}

	if err := Validate(cfg); err != nil {
		return Loaded{}, err
	}

	return Loaded{Config: cfg, AutoRollback: autoRollback}, nil
}

// Store holds the active FeatureFlagConfig behind an atomic pointer so
// readers get a consistent immutable snapshot with no lock, and writers
// publish a new snapshot atomically. In-flight decisions that already
// loaded a snapshot complete against it even if Update races ahead.
type Store struct {
	ptr atomic.Pointer[FeatureFlagConfig]
}

// NewStore constructs a Store seeded with cfg.
func NewStore(cfg FeatureFlagConfig) *Store {
	s := &Store{}
	snap := cfg
	s.ptr.Store(&snap)
	return s
}

// Load returns the active snapshot. The returned pointer must be treated
// as immutable by the caller.
func (s *Store) Load() *FeatureFlagConfig {
	return s.ptr.Load()
}

// Update validates next and, if valid, atomically replaces the active
// snapshot. Invalid values are refused and the active config is
// untouched.
func (s *Store) Update(next FeatureFlagConfig) error {
	if err := Validate(next); err != nil {
		return err
	}
	snap := next
	s.ptr.Store(&snap)
	return nil
}
