package templates

import (
	"fmt"

	"github.com/mplp/coordinator/pkg/schema"
)

// Thresholds used by validation warnings.
const (
	LongTimeoutWarningMs int64 = 600000
)

// ValidateWorkflowConfiguration checks a configuration before execution.
// compiler may be nil, in which case stage conditions are only checked for
// referring to configured stages.
func ValidateWorkflowConfiguration(cfg *schema.WorkflowConfiguration, compiler ConditionCompiler) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if cfg == nil {
		result.AddError("/", "workflow configuration is required")
		return result
	}

	validateStages(cfg, result)

	if cfg.TimeoutMs <= 0 {
		result.AddError("timeout_ms", fmt.Sprintf("timeout_ms must be positive, got %d", cfg.TimeoutMs))
	} else if cfg.TimeoutMs > schema.MaxTimeoutMs {
		result.AddError("timeout_ms", fmt.Sprintf("timeout_ms must not exceed %d, got %d", schema.MaxTimeoutMs, cfg.TimeoutMs))
	} else if cfg.TimeoutMs > LongTimeoutWarningMs {
		result.AddWarning("timeout_ms", fmt.Sprintf("timeout_ms %d exceeds %d; runs may hold resources for a long time", cfg.TimeoutMs, LongTimeoutWarningMs))
	}

	validateRetryPolicy(cfg.RetryPolicy, result)

	if cfg.ParallelExecution && containsStage(cfg.Stages, schema.StageConfirm) {
		result.AddWarning("parallel_execution", "confirm stage runs concurrently with other stages in parallel mode; approvals may not gate downstream work")
	}

	for stage, expr := range cfg.Conditions {
		path := fmt.Sprintf("conditions.%s", stage)
		if !containsStage(cfg.Stages, stage) {
			result.AddError(path, fmt.Sprintf("condition refers to stage %q which is not configured", stage))
			continue
		}
		if compiler == nil {
			continue
		}
		if err := compiler.Compile(expr); err != nil {
			result.AddError(path, err.Error())
		}
	}

	return result
}

func validateStages(cfg *schema.WorkflowConfiguration, result *schema.ValidationResult) {
	if len(cfg.Stages) == 0 {
		result.AddError("stages", "at least one stage is required")
		return
	}
	seen := make(map[schema.Stage]int, len(cfg.Stages))
	for i, stage := range cfg.Stages {
		path := fmt.Sprintf("stages[%d]", i)
		if !stage.Valid() {
			result.AddError(path, fmt.Sprintf("unknown stage %q", stage))
			continue
		}
		if prev, dup := seen[stage]; dup {
			result.AddError(path, fmt.Sprintf("stage %q already configured at stages[%d]", stage, prev))
			continue
		}
		seen[stage] = i
	}
}

func validateRetryPolicy(p schema.RetryPolicy, result *schema.ValidationResult) {
	if p.MaxAttempts < 0 {
		result.AddError("retry_policy.max_attempts", "max_attempts must not be negative")
	}
	if p.DelayMs < 0 {
		result.AddError("retry_policy.delay_ms", "delay_ms must not be negative")
	}
	if p.MaxDelayMs < 0 {
		result.AddError("retry_policy.max_delay_ms", "max_delay_ms must not be negative")
	}
	if p.BackoffMultiplier < 0 {
		result.AddError("retry_policy.backoff_multiplier", "backoff_multiplier must not be negative")
	} else if p.BackoffMultiplier > 0 && p.BackoffMultiplier < 1 {
		result.AddWarning("retry_policy.backoff_multiplier", "backoff_multiplier below 1 shrinks the delay between retries")
	}
	if p.MaxDelayMs > 0 && p.DelayMs > p.MaxDelayMs {
		result.AddWarning("retry_policy.max_delay_ms", "max_delay_ms is lower than delay_ms; every retry waits max_delay_ms")
	}
}

func containsStage(stages []schema.Stage, s schema.Stage) bool {
	for _, st := range stages {
		if st == s {
			return true
		}
	}
	return false
}
