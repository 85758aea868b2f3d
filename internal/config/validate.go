package config

import "fmt"

// Validate runs every per-concern validator in sequence, matching the
// "many small named validators" style used for route validation
// elsewhere in this codebase family, scaled down to FeatureFlagConfig's
// smaller field set.
func Validate(cfg FeatureFlagConfig) error {
	validators := []func(FeatureFlagConfig) error{
		validatePercentages,
		validateErrorThreshold,
		validateWindowsAndTimeouts,
		validateManualOverride,
		validateForcedTables,
	}
	for _, v := range validators {
		if err := v(cfg); err != nil {
			return err
		}
	}
	return nil
}

func validatePercentages(cfg FeatureFlagConfig) error {
	if cfg.NewPipelinePercentage < 0 || cfg.NewPipelinePercentage > 100 {
		return fmt.Errorf("new_pipeline_percentage: must be 0..100, got %d", cfg.NewPipelinePercentage)
	}
	if cfg.CanarySampleRate < 0 || cfg.CanarySampleRate > 100 {
		return fmt.Errorf("canary_sample_rate: must be 0..100, got %d", cfg.CanarySampleRate)
	}
	return nil
}

func validateErrorThreshold(cfg FeatureFlagConfig) error {
	if cfg.ErrorThreshold <= 0 {
		return fmt.Errorf("error_threshold: must be a positive integer, got %d", cfg.ErrorThreshold)
	}
	return nil
}

func validateWindowsAndTimeouts(cfg FeatureFlagConfig) error {
	if cfg.ErrorWindow <= 0 {
		return fmt.Errorf("error_window: must be positive, got %s", cfg.ErrorWindow)
	}
	if cfg.RecoveryTimeout <= 0 {
		return fmt.Errorf("recovery_timeout: must be positive, got %s", cfg.RecoveryTimeout)
	}
	if cfg.CanaryTimeout < 0 {
		return fmt.Errorf("canary_timeout: must not be negative, got %s", cfg.CanaryTimeout)
	}
	return nil
}

func validateManualOverride(cfg FeatureFlagConfig) error {
	switch cfg.ManualOverride {
	case OverrideNone, OverrideLegacy, OverrideNew:
		return nil
	default:
		return fmt.Errorf("manual_override: unrecognized value %q", cfg.ManualOverride)
	}
}

func validateForcedTables(cfg FeatureFlagConfig) error {
	for t := range cfg.ForcedNewTables {
		if t == "" {
			return fmt.Errorf("forced_new_tables: entries must not be empty strings")
		}
	}
	return nil
}
