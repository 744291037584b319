package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/mplp/coordinator/internal/conditions"
	"github.com/mplp/coordinator/internal/logging"
	"github.com/mplp/coordinator/internal/modules"
	"github.com/mplp/coordinator/internal/resolver"
	"github.com/mplp/coordinator/pkg/schema"
)

// ResolutionSkip is the intervention resolution that skips the stage
// instead of retrying it.
const ResolutionSkip = "skip"

// stageOutcome is how a stage ended. interrupted is set when the run's
// context ended underneath it (cancel, timeout or sibling abort).
type stageOutcome struct {
	status      schema.StageStatus
	err         *schema.CoordinationError
	interrupted bool
}

// stageRun carries the state of one stage while it is driven.
type stageRun struct {
	run    *workflowRun
	stage  schema.Stage
	taskID string
	view   *modules.ExecutionContext // what the module sees
	result schema.StageExecutionResult
	span   trace.Span
	log    *zap.Logger
}

// runStage drives one stage to a terminal status. Results are written to
// the run's context; view is what the module reads.
func (o *orchestrator) runStage(ctx context.Context, run *workflowRun, stage schema.Stage, view *modules.ExecutionContext) stageOutcome {
	taskID := run.taskID(stage)
	ctx = logging.WithIDs(ctx, run.id, string(stage), taskID)
	ctx, span := o.tracer.Start(ctx, "stage."+string(stage), trace.WithAttributes(
		attribute.String("mplp.execution_id", run.id),
		attribute.String("mplp.stage", string(stage)),
	))
	defer span.End()

	sr := &stageRun{
		run:    run,
		stage:  stage,
		taskID: taskID,
		view:   view,
		result: schema.StageExecutionResult{Stage: stage, Status: schema.StageStatusPending, StartedAt: time.Now().UTC()},
		span:   span,
		log:    logging.LogWith(ctx, o.logger),
	}

	if ctx.Err() != nil {
		err := run.interruption(ctx)
		out := o.finishStage(ctx, sr, schema.StageStatusCancelled, nil, err, nil)
		out.interrupted = true
		return out
	}

	if expr := run.cfg.Conditions[stage]; expr != "" {
		ok, err := o.conditions.Evaluate(ctx, expr, conditions.Data{
			Results:  view.Results(),
			Input:    view.Input,
			Metadata: view.Metadata,
		})
		if err != nil {
			cerr := schema.AsCoordinationError(err, schema.ErrCodeConfiguration)
			o.transitionStage(ctx, sr, schema.StageStatusRunning, nil)
			return o.finishStage(ctx, sr, schema.StageStatusFailed, nil, withStage(cerr, stage), nil)
		}
		if !ok {
			sr.log.Info("stage condition false, skipping", zap.String("condition", expr))
			return o.finishStage(ctx, sr, schema.StageStatusSkipped, nil, nil, map[string]any{"reason": "condition", "condition": expr})
		}
	}

	module, ok := o.modules.Lookup(stage)
	o.transitionStage(ctx, sr, schema.StageStatusRunning, nil)
	run.ec.SetCurrentStage(stage)
	if !ok {
		err := schema.NewErrorf(schema.ErrCodeModuleNotRegistered, "no module registered for stage %s", stage).WithStage(stage)
		return o.finishStage(ctx, sr, schema.StageStatusFailed, nil, err, nil)
	}
	o.beforeStage(ctx, stage, view)

	policy := run.cfg.RetryPolicy
	for {
		sr.result.Attempts++
		value, err := o.invoke(ctx, module, stage, view)
		if err == nil {
			return o.finishStage(ctx, sr, schema.StageStatusCompleted, value, nil, nil)
		}
		if ctx.Err() != nil {
			return o.interruptStage(ctx, sr)
		}

		cerr := stageError(stage, err)
		sr.log.Warn("stage attempt failed", zap.Int("attempt", sr.result.Attempts), zap.Error(cerr))
		o.onError(ctx, stage, view, cerr)

		res := o.resolver.HandleTaskFailure(ctx, run.id, taskID, resolver.Task{
			ID:            taskID,
			Stage:         stage,
			RetryCount:    o.resolver.GetRetryCount(taskID),
			MaxRetryCount: &policy.MaxAttempts,
			Metadata:      map[string]any{"attempt": sr.result.Attempts, "context_id": run.contextID},
		}, cerr.Error(), &resolver.Override{RetryConfig: &policy})

		switch {
		case res.Success && res.NewStatus == resolver.TaskStatusReady:
			var delay time.Duration
			if res.StrategyUsed == resolver.StrategyRetry {
				delay = ComputeBackoff(policy, res.RetryCount-1)
			}
			sr.log.Debug("retrying stage", zap.Int("retry_count", res.RetryCount), zap.Duration("backoff", delay))
			if err := run.timers.wait(ctx, delay); err != nil {
				return o.interruptStage(ctx, sr)
			}

		case res.Success && res.NewStatus == resolver.TaskStatusSkipped:
			return o.finishStage(ctx, sr, schema.StageStatusSkipped, nil, cerr, map[string]any{"reason": string(res.StrategyUsed)})

		case res.Success && res.NewStatus == resolver.TaskStatusRolledBack:
			return o.finishStage(ctx, sr, schema.StageStatusCancelled, nil, cerr, map[string]any{"reason": string(res.StrategyUsed)})

		case res.InterventionRequired:
			sr.log.Info("stage suspended awaiting manual intervention")
			decision, err := o.resolver.AwaitIntervention(ctx, taskID)
			if err != nil {
				o.resolver.CancelIntervention(taskID)
				return o.interruptStage(ctx, sr)
			}
			if !decision.Approved {
				rejected := schema.NewErrorf(schema.ErrCodeInterventionNeeded,
					"manual intervention rejected: %s", decision.Resolution).WithStage(stage).WithCause(cerr)
				return o.finishStage(ctx, sr, schema.StageStatusFailed, nil, rejected, nil)
			}
			if decision.Resolution == ResolutionSkip {
				return o.finishStage(ctx, sr, schema.StageStatusSkipped, nil, cerr, map[string]any{"reason": "manual_intervention"})
			}

		default:
			return o.finishStage(ctx, sr, schema.StageStatusFailed, nil, terminalError(stage, cerr, res), nil)
		}
	}
}

// invoke calls the module under the module timeout. A module that ignores
// its context is abandoned when the timeout fires.
func (o *orchestrator) invoke(ctx context.Context, m modules.Module, stage schema.Stage, view *modules.ExecutionContext) (any, error) {
	timeout := time.Duration(o.cfg.ModuleTimeoutMs) * time.Millisecond
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("module panicked: %v", r)}
			}
		}()
		v, err := m.Execute(callCtx, view)
		done <- outcome{v, err}
	}()

	select {
	case out := <-done:
		if out.err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return nil, moduleTimeoutError(stage, timeout, out.err)
		}
		return out.value, out.err
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, moduleTimeoutError(stage, timeout, callCtx.Err())
	}
}

func moduleTimeoutError(stage schema.Stage, timeout time.Duration, cause error) error {
	return schema.NewErrorf(schema.ErrCodeStageTimeout, "module exceeded timeout of %s", timeout).
		WithStage(stage).WithCause(cause)
}

// interruptStage ends a stage whose context is done.
func (o *orchestrator) interruptStage(ctx context.Context, sr *stageRun) stageOutcome {
	err := sr.run.interruption(ctx)
	status := schema.StageStatusCancelled
	if err.Code == schema.ErrCodeStageTimeout {
		status = schema.StageStatusFailed
	}
	out := o.finishStage(ctx, sr, status, nil, withStage(err, sr.stage), nil)
	out.interrupted = true
	return out
}

func (o *orchestrator) transitionStage(ctx context.Context, sr *stageRun, to schema.StageStatus, data map[string]any) {
	if err := o.stageFSM.Transition(ctx, sr.run.id, sr.stage, sr.result.Status, to, data); err != nil {
		sr.log.Error("stage transition rejected", zap.Error(err))
		return
	}
	sr.result.Status = to
	sr.run.setStage(sr.result)
}

// finishStage moves the stage to a terminal status and reports it.
func (o *orchestrator) finishStage(ctx context.Context, sr *stageRun, status schema.StageStatus, value any, err *schema.CoordinationError, data map[string]any) stageOutcome {
	ctx = context.WithoutCancel(ctx)
	now := time.Now().UTC()
	sr.result.CompletedAt = &now
	sr.result.DurationMs = elapsedMs(sr.result.StartedAt)
	sr.result.Error = err

	if data == nil {
		data = map[string]any{}
	}
	data["duration_ms"] = sr.result.DurationMs
	data["attempts"] = sr.result.Attempts
	if err != nil {
		data["error"] = err.Error()
		data["code"] = err.Code
	}

	if status == schema.StageStatusCompleted {
		sr.result.Result = value
		if serr := sr.run.ec.SetResult(sr.stage, value); serr != nil {
			sr.log.Error("store stage result", zap.Error(serr))
		}
	}
	o.transitionStage(ctx, sr, status, data)

	o.resolver.ResetRetryCounter(sr.taskID)
	o.afterStage(ctx, sr.stage, sr.view, sr.result)
	o.recordPerformance(MetricStageCompleted, sr.result.DurationMs, map[string]string{
		"stage":  string(sr.stage),
		"status": string(status),
	})

	sr.span.SetAttributes(
		attribute.String("mplp.stage_status", string(status)),
		attribute.Int("mplp.attempts", sr.result.Attempts),
	)
	if status == schema.StageStatusFailed {
		sr.span.SetStatus(codes.Error, err.Error())
		sr.log.Warn("stage failed", zap.Error(err))
	} else {
		sr.log.Debug("stage finished", zap.String("status", string(status)))
	}
	return stageOutcome{status: status, err: err}
}

// stageError converts a module error into a CoordinationError for stage.
func stageError(stage schema.Stage, err error) *schema.CoordinationError {
	var cerr *schema.CoordinationError
	if errors.As(err, &cerr) {
		return withStage(cerr, stage)
	}
	return schema.NewError(schema.ErrCodeStageExecution, err.Error()).WithStage(stage).WithCause(err)
}

// withStage returns a copy of err tagged with stage, leaving err untouched.
func withStage(err *schema.CoordinationError, stage schema.Stage) *schema.CoordinationError {
	cp := *err
	if cp.Stage == "" {
		cp.Stage = stage
	}
	return &cp
}
