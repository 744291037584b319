package schema

import (
	"math"
	"time"
)

// Stage names one unit of work in a workflow. The set is closed.
type Stage string

const (
	StageContext   Stage = "context"
	StagePlan      Stage = "plan"
	StageConfirm   Stage = "confirm"
	StageTrace     Stage = "trace"
	StageRole      Stage = "role"
	StageExtension Stage = "extension"
	StageCollab    Stage = "collab"
	StageDialog    Stage = "dialog"
	StageNetwork   Stage = "network"
)

var allStages = []Stage{
	StageContext, StagePlan, StageConfirm, StageTrace, StageRole,
	StageExtension, StageCollab, StageDialog, StageNetwork,
}

// AllStages returns every known stage in canonical order.
func AllStages() []Stage {
	out := make([]Stage, len(allStages))
	copy(out, allStages)
	return out
}

// Valid reports whether s is one of the known stages.
func (s Stage) Valid() bool {
	_, ok := ParseStage(string(s))
	return ok
}

// ParseStage maps a raw name onto a Stage.
func ParseStage(name string) (Stage, bool) {
	for _, s := range allStages {
		if string(s) == name {
			return s, true
		}
	}
	return "", false
}

// RetryPolicy configures retry behavior for stages of a workflow.
type RetryPolicy struct {
	MaxAttempts       int     `json:"max_attempts" yaml:"max_attempts" mapstructure:"max_attempts"`
	DelayMs           int64   `json:"delay_ms" yaml:"delay_ms" mapstructure:"delay_ms"`
	BackoffMultiplier float64 `json:"backoff_multiplier" yaml:"backoff_multiplier" mapstructure:"backoff_multiplier"`
	MaxDelayMs        int64   `json:"max_delay_ms" yaml:"max_delay_ms" mapstructure:"max_delay_ms"`
}

// ErrorHandling configures what happens when a stage fails terminally.
type ErrorHandling struct {
	ContinueOnError     bool `json:"continue_on_error" yaml:"continue_on_error" mapstructure:"continue_on_error"`
	RollbackOnFailure   bool `json:"rollback_on_failure" yaml:"rollback_on_failure" mapstructure:"rollback_on_failure"`
	NotificationEnabled bool `json:"notification_enabled" yaml:"notification_enabled" mapstructure:"notification_enabled"`
}

// WorkflowConfiguration is one configured, ordered set of stages with
// timeout, retry and error policy.
type WorkflowConfiguration struct {
	Name              string           `json:"name,omitempty" yaml:"name,omitempty"`
	Stages            []Stage          `json:"stages" yaml:"stages"`
	ParallelExecution bool             `json:"parallel_execution" yaml:"parallel_execution"`
	TimeoutMs         int64            `json:"timeout_ms" yaml:"timeout_ms"`
	RetryPolicy       RetryPolicy      `json:"retry_policy" yaml:"retry_policy"`
	ErrorHandling     ErrorHandling    `json:"error_handling" yaml:"error_handling"`
	Conditions        map[Stage]string `json:"conditions,omitempty" yaml:"conditions,omitempty"` // CEL, evaluated before the stage runs
}

// Clone returns a deep copy so a run can hold a configuration nobody else mutates.
func (c *WorkflowConfiguration) Clone() *WorkflowConfiguration {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Stages = append([]Stage(nil), c.Stages...)
	if c.Conditions != nil {
		cp.Conditions = make(map[Stage]string, len(c.Conditions))
		for k, v := range c.Conditions {
			cp.Conditions[k] = v
		}
	}
	return &cp
}

// MaxTimeoutMs is the largest millisecond count a time.Duration can hold.
const MaxTimeoutMs = math.MaxInt64 / int64(time.Millisecond)

// Timeout returns TimeoutMs as a duration, saturating at MaxTimeoutMs.
func (c *WorkflowConfiguration) Timeout() time.Duration {
	if c.TimeoutMs > MaxTimeoutMs {
		return time.Duration(MaxTimeoutMs) * time.Millisecond
	}
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// StageExecutionResult summarizes the outcome of a single stage.
type StageExecutionResult struct {
	Stage       Stage              `json:"stage"`
	Status      StageStatus        `json:"status"`
	Result      any                `json:"result,omitempty"`
	Error       *CoordinationError `json:"error,omitempty"`
	DurationMs  int64              `json:"duration_ms"`
	Attempts    int                `json:"attempts"`
	StartedAt   time.Time          `json:"started_at"`
	CompletedAt *time.Time         `json:"completed_at,omitempty"`
}

// Succeeded reports whether the stage resolved without a terminal failure.
func (r StageExecutionResult) Succeeded() bool {
	return r.Status == StageStatusCompleted || r.Status == StageStatusSkipped
}

// WorkflowExecutionResult is returned to the caller once per run.
type WorkflowExecutionResult struct {
	ExecutionID     string                 `json:"execution_id"`
	ContextID       string                 `json:"context_id"`
	Status          WorkflowStatus         `json:"status"`
	Stages          []StageExecutionResult `json:"stages"`
	TotalDurationMs int64                  `json:"total_duration_ms"`
	Error           *CoordinationError     `json:"error,omitempty"`
	StartedAt       time.Time              `json:"started_at"`
	CompletedAt     *time.Time             `json:"completed_at,omitempty"`
}

// Stage returns the reported result for a stage, if present.
func (r *WorkflowExecutionResult) Stage(s Stage) (StageExecutionResult, bool) {
	for _, sr := range r.Stages {
		if sr.Stage == s {
			return sr, true
		}
	}
	return StageExecutionResult{}, false
}
