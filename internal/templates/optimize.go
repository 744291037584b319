package templates

import "github.com/mplp/coordinator/pkg/schema"

// Load and priority levels accepted by OptimizeWorkflowConfiguration.
const (
	LoadLow    = "low"
	LoadMedium = "medium"
	LoadHigh   = "high"

	PriorityLow    = "low"
	PriorityNormal = "normal"
	PriorityHigh   = "high"
)

// Interactive runs never wait longer than this.
const InteractiveTimeoutCapMs int64 = 60000

// OptimizationHints describe the conditions a workflow is about to run under.
type OptimizationHints struct {
	ExpectedLoad    string `json:"expected_load,omitempty"`
	Priority        string `json:"priority,omitempty"`
	UserInteractive bool   `json:"user_interactive,omitempty"`
}

// OptimizeWorkflowConfiguration returns a scaled copy of cfg. The input is not modified.
func OptimizeWorkflowConfiguration(cfg *schema.WorkflowConfiguration, hints OptimizationHints) *schema.WorkflowConfiguration {
	out := cfg.Clone()
	if out == nil {
		return nil
	}

	switch hints.ExpectedLoad {
	case LoadHigh:
		out.TimeoutMs = scaleTimeout(out.TimeoutMs, 1.5)
	case LoadLow:
		out.TimeoutMs = scaleTimeout(out.TimeoutMs, 0.7)
	}

	switch hints.Priority {
	case PriorityHigh:
		if out.RetryPolicy.MaxAttempts < 3 {
			out.RetryPolicy.MaxAttempts = 3
		}
		if out.RetryPolicy.DelayMs > 500 {
			out.RetryPolicy.DelayMs = 500
		}
	case PriorityLow:
		if out.RetryPolicy.MaxAttempts > 2 {
			out.RetryPolicy.MaxAttempts = 2
		}
	}

	if hints.UserInteractive {
		if out.TimeoutMs > InteractiveTimeoutCapMs {
			out.TimeoutMs = InteractiveTimeoutCapMs
		}
		out.ErrorHandling.NotificationEnabled = true
	}

	return out
}

// scaleTimeout multiplies ms by factor without leaving the range a
// duration can represent.
func scaleTimeout(ms int64, factor float64) int64 {
	scaled := float64(ms) * factor
	if scaled >= float64(schema.MaxTimeoutMs) {
		return schema.MaxTimeoutMs
	}
	return int64(scaled)
}
