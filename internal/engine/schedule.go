package engine

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/mplp/coordinator/internal/logging"
	"github.com/mplp/coordinator/pkg/schema"
)

// runSequential runs stages strictly in order. It returns the error that
// stopped the run with stopped set, or the first stage failure when
// continue_on_error let the run go on.
func (o *orchestrator) runSequential(ctx context.Context, run *workflowRun, stages []schema.Stage) (err *schema.CoordinationError, stopped bool) {
	var firstErr *schema.CoordinationError
	for _, stage := range stages {
		if ctx.Err() != nil {
			return run.interruption(ctx), true
		}
		out := o.runStage(ctx, run, stage, run.ec)
		if out.err != nil && out.status != schema.StageStatusSkipped && firstErr == nil {
			firstErr = out.err
		}
		if o.settle(ctx, run, out) {
			return out.err, true
		}
	}
	return firstErr, false
}

// runParallel runs the first stage alone, then every other stage
// concurrently against a snapshot of the results so far. Results are
// reported in configuration order regardless of completion order.
func (o *orchestrator) runParallel(ctx context.Context, run *workflowRun) *schema.CoordinationError {
	stages := run.cfg.Stages
	firstErr, stopped := o.runSequential(ctx, run, stages[:1])
	if stopped {
		return firstErr
	}
	rest := stages[1:]
	if len(rest) == 0 {
		return firstErr
	}

	view := run.ec.Fork()
	stageCtx, abort := context.WithCancelCause(ctx)
	defer abort(nil)

	action := decideFailureAction(run.cfg.ErrorHandling)
	var (
		mu       sync.Mutex
		abortErr *schema.CoordinationError
		wg       sync.WaitGroup
	)
	for _, stage := range rest {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out := o.runStage(stageCtx, run, stage, view)

			mu.Lock()
			defer mu.Unlock()
			if abortErr != nil {
				return
			}
			if out.err != nil && out.status != schema.StageStatusSkipped && firstErr == nil {
				firstErr = out.err
			}
			if out.status == schema.StageStatusFailed && (action != actionContinue || out.interrupted) {
				abortErr = out.err
				abort(errStagesAborted)
			}
		}()
	}
	wg.Wait()

	if abortErr != nil {
		logging.LogWith(ctx, o.logger).Warn("parallel stages aborted",
			zap.String("action", action.String()), zap.Error(abortErr))
		if action == actionRollback {
			o.rollback(ctx, run)
		}
		return abortErr
	}
	if ctx.Err() != nil {
		return run.interruption(ctx)
	}
	return firstErr
}

// settle applies error handling to a stage outcome and reports whether
// the run must stop.
func (o *orchestrator) settle(ctx context.Context, run *workflowRun, out stageOutcome) bool {
	switch {
	case out.interrupted && out.status == schema.StageStatusCancelled:
		return true
	case out.status != schema.StageStatusFailed:
		return false
	}

	action := decideFailureAction(run.cfg.ErrorHandling)
	if out.interrupted && action == actionContinue {
		action = actionAbort
	}
	logging.LogWith(ctx, o.logger).Info("applying error handling",
		zap.String("stage", string(out.err.Stage)), zap.String("action", action.String()))

	switch action {
	case actionContinue:
		return false
	case actionRollback:
		o.rollback(ctx, run)
		return true
	default:
		return true
	}
}
