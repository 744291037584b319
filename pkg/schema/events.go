package schema

import "time"

// Event type constants for emitted coordination events.
const (
	EventStageStarted    = "stage_started"
	EventStageCompleted  = "stage_completed"
	EventStageFailed     = "stage_failed"
	EventStageSkipped    = "stage_skipped"
	EventStageRolledBack = "stage_rolled_back"

	EventWorkflowStarted   = "workflow_started"
	EventWorkflowCompleted = "workflow_completed"
	EventWorkflowFailed    = "workflow_failed"
	EventWorkflowCancelled = "workflow_cancelled"

	EventTaskRetryScheduled          = "task_retry_scheduled"
	EventTaskSkipped                 = "task_skipped"
	EventManualInterventionRequested = "manual_intervention_requested"
	EventManualInterventionReceived  = "manual_intervention_received"
)

// CoordinationEvent describes a pipeline state change.
type CoordinationEvent struct {
	EventID     string         `json:"event_id"`
	EventType   string         `json:"event_type"`
	ExecutionID string         `json:"execution_id"`
	Stage       Stage          `json:"stage,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// WorkflowStatus represents the lifecycle state of a workflow run.
type WorkflowStatus string

const (
	WorkflowStatusPending   WorkflowStatus = "pending"
	WorkflowStatusRunning   WorkflowStatus = "running"
	WorkflowStatusCompleted WorkflowStatus = "completed"
	WorkflowStatusFailed    WorkflowStatus = "failed"
	WorkflowStatusCancelled WorkflowStatus = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s WorkflowStatus) Terminal() bool {
	return s == WorkflowStatusCompleted || s == WorkflowStatusFailed || s == WorkflowStatusCancelled
}

// StageStatus represents the lifecycle state of a stage within a run.
type StageStatus string

const (
	StageStatusPending   StageStatus = "pending"
	StageStatusRunning   StageStatus = "running"
	StageStatusCompleted StageStatus = "completed"
	StageStatusFailed    StageStatus = "failed"
	StageStatusSkipped   StageStatus = "skipped"
	StageStatusCancelled StageStatus = "cancelled"
)

// Terminal reports whether the stage has reached a final status.
func (s StageStatus) Terminal() bool {
	switch s {
	case StageStatusCompleted, StageStatusFailed, StageStatusSkipped, StageStatusCancelled:
		return true
	default:
		return false
	}
}
