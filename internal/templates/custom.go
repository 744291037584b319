package templates

import (
	"dario.cat/mergo"

	"github.com/mplp/coordinator/pkg/schema"
)

// Documented defaults for custom workflows.
const (
	DefaultTimeoutMs         int64   = 300000
	DefaultMaxAttempts               = 3
	DefaultDelayMs           int64   = 1000
	DefaultBackoffMultiplier float64 = 2
	DefaultMaxDelayMs        int64   = 10000
)

// CustomOptions overrides the defaults of a custom workflow. Nil fields keep
// the default, so an explicit false or zero is honored.
type CustomOptions struct {
	Name                string
	ParallelExecution   *bool
	TimeoutMs           *int64
	MaxAttempts         *int
	DelayMs             *int64
	BackoffMultiplier   *float64
	MaxDelayMs          *int64
	ContinueOnError     *bool
	RollbackOnFailure   *bool
	NotificationEnabled *bool
	Conditions          map[schema.Stage]string
}

// Ptr returns a pointer to v; convenient for filling CustomOptions.
func Ptr[T any](v T) *T {
	return &v
}

func defaultOptions() CustomOptions {
	return CustomOptions{
		Name:                "custom",
		ParallelExecution:   Ptr(false),
		TimeoutMs:           Ptr(DefaultTimeoutMs),
		MaxAttempts:         Ptr(DefaultMaxAttempts),
		DelayMs:             Ptr(DefaultDelayMs),
		BackoffMultiplier:   Ptr(DefaultBackoffMultiplier),
		MaxDelayMs:          Ptr(DefaultMaxDelayMs),
		ContinueOnError:     Ptr(false),
		RollbackOnFailure:   Ptr(true),
		NotificationEnabled: Ptr(true),
	}
}

func defaultConfiguration() *schema.WorkflowConfiguration {
	return defaultOptions().configuration(nil)
}

// CreateCustomWorkflow builds a configuration for the given stages, merging
// opts over the documented defaults.
func CreateCustomWorkflow(stages []schema.Stage, opts CustomOptions) (*schema.WorkflowConfiguration, error) {
	merged := defaultOptions()
	if err := mergo.Merge(&merged, opts, mergo.WithOverride, mergo.WithoutDereference); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "merge workflow options: %s", err.Error()).WithCause(err)
	}
	return merged.configuration(stages), nil
}

func (o CustomOptions) configuration(stages []schema.Stage) *schema.WorkflowConfiguration {
	cfg := &schema.WorkflowConfiguration{
		Name:              o.Name,
		Stages:            append([]schema.Stage(nil), stages...),
		ParallelExecution: *o.ParallelExecution,
		TimeoutMs:         *o.TimeoutMs,
		RetryPolicy: schema.RetryPolicy{
			MaxAttempts:       *o.MaxAttempts,
			DelayMs:           *o.DelayMs,
			BackoffMultiplier: *o.BackoffMultiplier,
			MaxDelayMs:        *o.MaxDelayMs,
		},
		ErrorHandling: schema.ErrorHandling{
			ContinueOnError:     *o.ContinueOnError,
			RollbackOnFailure:   *o.RollbackOnFailure,
			NotificationEnabled: *o.NotificationEnabled,
		},
	}
	if len(o.Conditions) > 0 {
		cfg.Conditions = make(map[schema.Stage]string, len(o.Conditions))
		for k, v := range o.Conditions {
			cfg.Conditions[k] = v
		}
	}
	return cfg
}
