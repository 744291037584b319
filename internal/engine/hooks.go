package engine

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/mplp/coordinator/internal/logging"
	"github.com/mplp/coordinator/internal/modules"
	"github.com/mplp/coordinator/pkg/schema"
)

// LifecycleHooks are optional callbacks at pipeline transition points. They
// run in sequence on the run's goroutine; errors and panics are logged and
// never change the outcome of the run.
type LifecycleHooks struct {
	BeforeWorkflow func(ctx context.Context, ec *modules.ExecutionContext) error
	AfterWorkflow  func(ctx context.Context, ec *modules.ExecutionContext, result *schema.WorkflowExecutionResult) error
	BeforeStage    func(ctx context.Context, stage schema.Stage, ec *modules.ExecutionContext) error
	AfterStage     func(ctx context.Context, stage schema.Stage, ec *modules.ExecutionContext, result schema.StageExecutionResult) error
	OnError        func(ctx context.Context, stage schema.Stage, ec *modules.ExecutionContext, err error) error
	OnRollback     func(ctx context.Context, stage schema.Stage, ec *modules.ExecutionContext, result any) error
}

func (o *orchestrator) callHook(ctx context.Context, name string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			logging.LogWith(ctx, o.logger).Error("lifecycle hook panicked",
				zap.String("hook", name), zap.String("panic", fmt.Sprint(r)))
		}
	}()
	if err := fn(); err != nil {
		logging.LogWith(ctx, o.logger).Warn("lifecycle hook failed",
			zap.String("hook", name), zap.Error(err))
	}
}

func (o *orchestrator) beforeWorkflow(ctx context.Context, ec *modules.ExecutionContext) {
	if h := o.hooks.BeforeWorkflow; h != nil {
		o.callHook(ctx, "before_workflow", func() error { return h(ctx, ec) })
	}
}

func (o *orchestrator) afterWorkflow(ctx context.Context, ec *modules.ExecutionContext, result *schema.WorkflowExecutionResult) {
	if h := o.hooks.AfterWorkflow; h != nil {
		o.callHook(ctx, "after_workflow", func() error { return h(ctx, ec, result) })
	}
}

func (o *orchestrator) beforeStage(ctx context.Context, stage schema.Stage, ec *modules.ExecutionContext) {
	if h := o.hooks.BeforeStage; h != nil {
		o.callHook(ctx, "before_stage", func() error { return h(ctx, stage, ec) })
	}
}

func (o *orchestrator) afterStage(ctx context.Context, stage schema.Stage, ec *modules.ExecutionContext, result schema.StageExecutionResult) {
	if h := o.hooks.AfterStage; h != nil {
		o.callHook(ctx, "after_stage", func() error { return h(ctx, stage, ec, result) })
	}
}

func (o *orchestrator) onError(ctx context.Context, stage schema.Stage, ec *modules.ExecutionContext, err error) {
	if h := o.hooks.OnError; h != nil {
		o.callHook(ctx, "on_error", func() error { return h(ctx, stage, ec, err) })
	}
}

func (o *orchestrator) onRollback(ctx context.Context, stage schema.Stage, ec *modules.ExecutionContext, result any) {
	if h := o.hooks.OnRollback; h != nil {
		o.callHook(ctx, "on_rollback", func() error { return h(ctx, stage, ec, result) })
	}
}
