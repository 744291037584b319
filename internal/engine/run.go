package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mplp/coordinator/internal/modules"
	"github.com/mplp/coordinator/pkg/schema"
)

var (
	errWorkflowTimeout = errors.New("workflow timeout exceeded")
	errStagesAborted   = errors.New("aborted after a sibling stage failed")
)

// workflowRun tracks a single in-flight workflow execution.
type workflowRun struct {
	id        string
	contextID string
	cfg       *schema.WorkflowConfiguration
	ec        *modules.ExecutionContext
	timers    *retryTimers
	cancel    context.CancelFunc
	done      chan struct{}
	startedAt time.Time

	mu        sync.Mutex // guards the fields below
	status    schema.WorkflowStatus
	stages    map[schema.Stage]schema.StageExecutionResult
	completed []schema.Stage // completion order
	cancelled bool
	result    *schema.WorkflowExecutionResult
}

func newWorkflowRun(id, contextID string, cfg *schema.WorkflowConfiguration, input map[string]any, cancel context.CancelFunc) *workflowRun {
	ec := modules.NewExecutionContext(id, contextID, cfg, input)
	ec.Metadata["workflow_name"] = cfg.Name
	return &workflowRun{
		id:        id,
		contextID: contextID,
		cfg:       cfg,
		ec:        ec,
		timers:    newRetryTimers(),
		cancel:    cancel,
		done:      make(chan struct{}),
		startedAt: ec.StartedAt,
		status:    schema.WorkflowStatusPending,
		stages:    make(map[schema.Stage]schema.StageExecutionResult, len(cfg.Stages)),
	}
}

// taskID identifies a stage of this run to the failure resolver.
func (r *workflowRun) taskID(stage schema.Stage) string {
	return r.id + ":" + string(stage)
}

func (r *workflowRun) getStatus() schema.WorkflowStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

func (r *workflowRun) setStatus(s schema.WorkflowStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = s
}

func (r *workflowRun) setStage(sr schema.StageExecutionResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stages[sr.Stage] = sr
	if sr.Status == schema.StageStatusCompleted {
		r.completed = append(r.completed, sr.Stage)
	}
}

// completedStages returns completed stages in the order they completed.
func (r *workflowRun) completedStages() []schema.Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]schema.Stage(nil), r.completed...)
}

// stagesSnapshot returns the reached stages in configuration order.
func (r *workflowRun) stagesSnapshot() []schema.StageExecutionResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]schema.StageExecutionResult, 0, len(r.stages))
	for _, s := range r.cfg.Stages {
		if sr, ok := r.stages[s]; ok {
			out = append(out, sr)
		}
	}
	return out
}

// allSucceeded reports whether every configured stage completed or was skipped.
func (r *workflowRun) allSucceeded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.cfg.Stages {
		sr, ok := r.stages[s]
		if !ok || !sr.Succeeded() {
			return false
		}
	}
	return true
}

// firstUnsuccessful returns the first configured stage that did not succeed.
func (r *workflowRun) firstUnsuccessful() (schema.StageExecutionResult, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.cfg.Stages {
		sr, ok := r.stages[s]
		if !ok {
			return schema.StageExecutionResult{Stage: s, Status: schema.StageStatusPending}, true
		}
		if !sr.Succeeded() {
			return sr, true
		}
	}
	return schema.StageExecutionResult{}, false
}

// markCancelled flags the run, cancels its context and stops retry timers.
// It reports false when the run already finished.
func (r *workflowRun) markCancelled() bool {
	r.mu.Lock()
	if r.status.Terminal() {
		r.mu.Unlock()
		return false
	}
	r.cancelled = true
	r.mu.Unlock()

	r.cancel()
	r.timers.stopAll()
	return true
}

func (r *workflowRun) wasCancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled
}

// snapshot returns the result as it stands, finished or not.
func (r *workflowRun) snapshot() *schema.WorkflowExecutionResult {
	r.mu.Lock()
	if r.result != nil {
		res := *r.result
		r.mu.Unlock()
		return &res
	}
	status := r.status
	r.mu.Unlock()

	return &schema.WorkflowExecutionResult{
		ExecutionID:     r.id,
		ContextID:       r.contextID,
		Status:          status,
		Stages:          r.stagesSnapshot(),
		TotalDurationMs: elapsedMs(r.startedAt),
		StartedAt:       r.startedAt,
	}
}

// interruption describes why ctx ended, for stages cut short by it.
func (r *workflowRun) interruption(ctx context.Context) *schema.CoordinationError {
	cause := context.Cause(ctx)
	switch {
	case errors.Is(cause, errWorkflowTimeout):
		return schema.NewErrorf(schema.ErrCodeStageTimeout, "workflow timeout of %dms exceeded", r.cfg.TimeoutMs)
	case errors.Is(cause, errStagesAborted):
		return schema.NewError(schema.ErrCodeCancelled, errStagesAborted.Error())
	default:
		return schema.NewError(schema.ErrCodeCancelled, "workflow cancelled")
	}
}

// elapsedMs returns the milliseconds since start, rounding a non-zero
// sub-millisecond duration up to 1.
func elapsedMs(start time.Time) int64 {
	d := time.Since(start)
	ms := d.Milliseconds()
	if ms == 0 && d > 0 {
		return 1
	}
	return ms
}
