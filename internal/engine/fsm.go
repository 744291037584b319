package engine

import (
	"context"
	"slices"
	"sync"

	"github.com/mplp/coordinator/internal/events"
	"github.com/mplp/coordinator/pkg/schema"
)

// TransitionHook is called before or after a state transition. A before
// hook returning an error vetoes the transition.
type TransitionHook func(from, to string) error

// --- Run FSM ---

type runHookKey struct {
	from, to schema.WorkflowStatus
}

// RunFSM guards workflow run status changes and emits the matching events.
type RunFSM struct {
	mu      sync.Mutex
	emitter events.Emitter
	before  map[runHookKey][]TransitionHook
	after   map[runHookKey][]TransitionHook
}

// NewRunFSM creates a RunFSM. A nil emitter disables events.
func NewRunFSM(emitter events.Emitter) *RunFSM {
	return &RunFSM{
		emitter: emitter,
		before:  make(map[runHookKey][]TransitionHook),
		after:   make(map[runHookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a run transition.
func (f *RunFSM) OnBefore(from, to schema.WorkflowStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := runHookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a run transition.
func (f *RunFSM) OnAfter(from, to schema.WorkflowStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := runHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates from -> to, runs hooks and emits the run event.
// The caller owns the stored status.
func (f *RunFSM) Transition(ctx context.Context, executionID string, from, to schema.WorkflowStatus, data map[string]any) error {
	if !slices.Contains(ValidRunTransitions[from], to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid workflow transition: %s -> %s", from, to).
			WithDetails(map[string]any{"execution_id": executionID, "from": string(from), "to": string(to)})
	}

	key := runHookKey{from, to}
	f.mu.Lock()
	before := slices.Clone(f.before[key])
	after := slices.Clone(f.after[key])
	f.mu.Unlock()

	for _, hook := range before {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	if eventType := runEventType(to); eventType != "" && f.emitter != nil {
		f.emitter.Emit(ctx, schema.CoordinationEvent{
			EventType:   eventType,
			ExecutionID: executionID,
			Data:        data,
		})
	}

	for _, hook := range after {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}
	return nil
}

func runEventType(to schema.WorkflowStatus) string {
	switch to {
	case schema.WorkflowStatusRunning:
		return schema.EventWorkflowStarted
	case schema.WorkflowStatusCompleted:
		return schema.EventWorkflowCompleted
	case schema.WorkflowStatusFailed:
		return schema.EventWorkflowFailed
	case schema.WorkflowStatusCancelled:
		return schema.EventWorkflowCancelled
	default:
		return ""
	}
}

// --- Stage FSM ---

type stageHookKey struct {
	from, to schema.StageStatus
}

// StageFSM guards stage status changes within a run.
type StageFSM struct {
	mu      sync.Mutex
	emitter events.Emitter
	before  map[stageHookKey][]TransitionHook
	after   map[stageHookKey][]TransitionHook
}

// NewStageFSM creates a StageFSM. A nil emitter disables events.
func NewStageFSM(emitter events.Emitter) *StageFSM {
	return &StageFSM{
		emitter: emitter,
		before:  make(map[stageHookKey][]TransitionHook),
		after:   make(map[stageHookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a stage transition.
func (f *StageFSM) OnBefore(from, to schema.StageStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := stageHookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a stage transition.
func (f *StageFSM) OnAfter(from, to schema.StageStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := stageHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates from -> to, runs hooks and emits the stage event.
func (f *StageFSM) Transition(ctx context.Context, executionID string, stage schema.Stage, from, to schema.StageStatus, data map[string]any) error {
	if !slices.Contains(ValidStageTransitions[from], to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid stage transition: %s -> %s", from, to).
			WithStage(stage).
			WithDetails(map[string]any{"execution_id": executionID, "from": string(from), "to": string(to)})
	}

	key := stageHookKey{from, to}
	f.mu.Lock()
	before := slices.Clone(f.before[key])
	after := slices.Clone(f.after[key])
	f.mu.Unlock()

	for _, hook := range before {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	if eventType := stageEventType(to); eventType != "" && f.emitter != nil {
		f.emitter.Emit(ctx, schema.CoordinationEvent{
			EventType:   eventType,
			ExecutionID: executionID,
			Stage:       stage,
			Data:        data,
		})
	}

	for _, hook := range after {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}
	return nil
}

func stageEventType(to schema.StageStatus) string {
	switch to {
	case schema.StageStatusRunning:
		return schema.EventStageStarted
	case schema.StageStatusCompleted:
		return schema.EventStageCompleted
	case schema.StageStatusFailed:
		return schema.EventStageFailed
	case schema.StageStatusSkipped:
		return schema.EventStageSkipped
	default:
		return ""
	}
}

// --- Transition tables ---

// ValidRunTransitions defines the allowed status changes of a run.
var ValidRunTransitions = map[schema.WorkflowStatus][]schema.WorkflowStatus{
	schema.WorkflowStatusPending:   {schema.WorkflowStatusRunning, schema.WorkflowStatusCancelled},
	schema.WorkflowStatusRunning:   {schema.WorkflowStatusCompleted, schema.WorkflowStatusFailed, schema.WorkflowStatusCancelled},
	schema.WorkflowStatusCompleted: {},
	schema.WorkflowStatusFailed:    {},
	schema.WorkflowStatusCancelled: {},
}

// ValidStageTransitions defines the allowed status changes of a stage.
// Retries keep a stage running; terminal statuses are final.
var ValidStageTransitions = map[schema.StageStatus][]schema.StageStatus{
	schema.StageStatusPending:   {schema.StageStatusRunning, schema.StageStatusSkipped, schema.StageStatusCancelled},
	schema.StageStatusRunning:   {schema.StageStatusCompleted, schema.StageStatusFailed, schema.StageStatusSkipped, schema.StageStatusCancelled},
	schema.StageStatusCompleted: {},
	schema.StageStatusFailed:    {},
	schema.StageStatusSkipped:   {},
	schema.StageStatusCancelled: {},
}
