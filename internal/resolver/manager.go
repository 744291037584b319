// Package resolver decides how a failed task recovers: retry, skip, rollback
// or a manual intervention by an external actor.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mplp/coordinator/internal/events"
	"github.com/mplp/coordinator/internal/logging"
	"github.com/mplp/coordinator/pkg/schema"
)

// Strategy is one recovery step tried on failure.
type Strategy string

const (
	StrategyRetry              Strategy = "retry"
	StrategySkip               Strategy = "skip"
	StrategyRollback           Strategy = "rollback"
	StrategyManualIntervention Strategy = "manual_intervention"
)

// ParseStrategy maps a raw name onto a Strategy.
func ParseStrategy(name string) (Strategy, bool) {
	switch s := Strategy(name); s {
	case StrategyRetry, StrategySkip, StrategyRollback, StrategyManualIntervention:
		return s, true
	default:
		return "", false
	}
}

// TaskStatus is the status a task moves to after a failure episode.
type TaskStatus string

const (
	TaskStatusReady                TaskStatus = "ready"
	TaskStatusSkipped              TaskStatus = "skipped"
	TaskStatusRolledBack           TaskStatus = "rolled_back"
	TaskStatusAwaitingIntervention TaskStatus = "awaiting_intervention"
	TaskStatusFailed               TaskStatus = "failed"
)

// Metric emitted once per failure episode.
const MetricHandleCompleted = "failure_resolver.handle.completed"

// Notification channel used when an episode needs a human.
const ChannelManualIntervention = "manual_intervention"

// Task is the failed unit of work.
type Task struct {
	ID            string
	Stage         schema.Stage
	RetryCount    int
	MaxRetryCount *int // nil means bounded only by the retry config
	Metadata      map[string]any
}

// RecoveryResult is the outcome of one failure episode.
type RecoveryResult struct {
	Success              bool       `json:"success"`
	StrategyUsed         Strategy   `json:"strategy_used"`
	NewStatus            TaskStatus `json:"new_status"`
	RetryCount           int        `json:"retry_count,omitempty"`
	InterventionRequired bool       `json:"intervention_required,omitempty"`
	ErrorMessage         string     `json:"error_message,omitempty"`
}

// Override replaces parts of the manager config for a single episode.
type Override struct {
	RetryConfig *schema.RetryPolicy
	Strategies  []Strategy
}

type (
	// NotificationHandler delivers a notification to an external sink.
	NotificationHandler func(ctx context.Context, channel, message string, data map[string]any) error
	// InterventionHandler asks an external actor to approve a failed task.
	InterventionHandler func(ctx context.Context, taskID, planID, reason string) (bool, error)
	// RollbackHandler compensates a failed task. True means it was rolled back.
	RollbackHandler func(ctx context.Context, planID string, task Task) (bool, error)
	// PerformanceMonitor receives timing samples. Must not block.
	PerformanceMonitor func(metric string, durationMs float64, unit string, tags map[string]string)
)

// Config configures a Manager.
type Config struct {
	Enabled             bool
	Strategies          []Strategy
	RetryConfig         schema.RetryPolicy
	NotificationHandler NotificationHandler
	InterventionHandler InterventionHandler
	RollbackHandler     RollbackHandler
	PerformanceMonitor  PerformanceMonitor
}

// DefaultConfig returns an enabled resolver that only retries.
func DefaultConfig() Config {
	return Config{
		Enabled:    true,
		Strategies: []Strategy{StrategyRetry},
		RetryConfig: schema.RetryPolicy{
			MaxAttempts:       3,
			DelayMs:           1000,
			BackoffMultiplier: 2,
			MaxDelayMs:        10000,
		},
	}
}

// Manager runs failure episodes. Episodes for the same task id are
// serialized; different tasks proceed independently.
type Manager struct {
	cfg     Config
	emitter events.Emitter
	logger  *zap.Logger
	locks   *keyedLocks
	store   *store
}

// New creates a Manager. A nil emitter or logger disables that output.
func New(cfg Config, emitter events.Emitter, logger *zap.Logger) (*Manager, error) {
	if err := validateStrategies(cfg.Strategies); err != nil {
		return nil, err
	}
	if cfg.RetryConfig.MaxAttempts < 0 {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "retry_config.max_attempts must be >= 0")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		cfg:     cfg,
		emitter: emitter,
		logger:  logger.Named("resolver"),
		locks:   newKeyedLocks(),
		store:   newStore(),
	}, nil
}

func validateStrategies(strategies []Strategy) error {
	for i, s := range strategies {
		if _, ok := ParseStrategy(string(s)); !ok {
			return schema.NewErrorf(schema.ErrCodeConfiguration, "strategies[%d]: unknown strategy %q", i, s)
		}
	}
	return nil
}

// HandleTaskFailure tries the configured strategies in order and returns at
// the first that succeeds, or when a manual intervention was registered.
func (m *Manager) HandleTaskFailure(ctx context.Context, planID, taskID string, task Task, reason string, override *Override) (result RecoveryResult) {
	start := time.Now()
	defer func() {
		m.recordPerformance(start, result)
	}()

	if !m.cfg.Enabled {
		return RecoveryResult{
			Success:      false,
			StrategyUsed: StrategyManualIntervention,
			NewStatus:    TaskStatusFailed,
			ErrorMessage: "failure resolver disabled",
		}
	}

	unlock := m.locks.Lock(taskID)
	defer unlock()

	ctx = logging.WithTaskID(ctx, taskID)
	log := logging.LogWith(ctx, m.logger)

	strategies, retryCfg := m.cfg.Strategies, m.cfg.RetryConfig
	if override != nil {
		if override.Strategies != nil {
			if err := validateStrategies(override.Strategies); err != nil {
				return RecoveryResult{NewStatus: TaskStatusFailed, ErrorMessage: err.Error()}
			}
			strategies = override.Strategies
		}
		if override.RetryConfig != nil {
			retryCfg = *override.RetryConfig
		}
	}
	if len(strategies) == 0 {
		return RecoveryResult{NewStatus: TaskStatusFailed, ErrorMessage: "no recovery strategies configured"}
	}

	ep := episode{m: m, planID: planID, taskID: taskID, task: task, reason: reason, retryCfg: retryCfg}

	var failures []string
	var last Strategy
	for _, s := range strategies {
		last = s
		res, err := ep.try(ctx, s)
		if err != nil {
			log.Debug("recovery strategy failed", zap.String("strategy", string(s)), zap.Error(err))
			failures = append(failures, fmt.Sprintf("%s: %s", s, err))
			continue
		}
		log.Info("recovery strategy applied",
			zap.String("strategy", string(s)),
			zap.String("new_status", string(res.NewStatus)),
			zap.Bool("intervention_required", res.InterventionRequired))
		return res
	}

	log.Warn("all recovery strategies failed", zap.Strings("failures", failures))
	return RecoveryResult{
		Success:      false,
		StrategyUsed: last,
		NewStatus:    TaskStatusFailed,
		RetryCount:   m.store.count(taskID),
		ErrorMessage: strings.Join(failures, "; "),
	}
}

// episode carries the inputs of one HandleTaskFailure call.
type episode struct {
	m        *Manager
	planID   string
	taskID   string
	task     Task
	reason   string
	retryCfg schema.RetryPolicy
}

// try runs one strategy. A non-nil error means the chain moves on.
func (ep *episode) try(ctx context.Context, s Strategy) (RecoveryResult, error) {
	switch s {
	case StrategyRetry:
		return ep.retry(ctx)
	case StrategySkip:
		ep.emit(ctx, schema.EventTaskSkipped, map[string]any{"reason": ep.reason})
		return RecoveryResult{Success: true, StrategyUsed: StrategySkip, NewStatus: TaskStatusSkipped}, nil
	case StrategyRollback:
		return ep.rollback(ctx)
	case StrategyManualIntervention:
		return ep.intervene(ctx)
	default:
		return RecoveryResult{}, fmt.Errorf("unknown strategy %q", s)
	}
}

func (ep *episode) retry(ctx context.Context) (RecoveryResult, error) {
	attempts := max(ep.task.RetryCount, ep.m.store.count(ep.taskID))
	limit := ep.retryCfg.MaxAttempts
	if ep.task.MaxRetryCount != nil {
		limit = min(limit, max(*ep.task.MaxRetryCount, 0))
	}
	if attempts >= limit {
		return RecoveryResult{}, schema.NewErrorf(schema.ErrCodeRetryExhausted,
			"retry limit reached (%d/%d)", attempts, limit).WithStage(ep.task.Stage)
	}

	count := ep.m.store.increment(ep.taskID)
	ep.emit(ctx, schema.EventTaskRetryScheduled, map[string]any{
		"retry_count":  count,
		"max_attempts": ep.retryCfg.MaxAttempts,
		"reason":       ep.reason,
	})
	return RecoveryResult{
		Success:      true,
		StrategyUsed: StrategyRetry,
		NewStatus:    TaskStatusReady,
		RetryCount:   count,
	}, nil
}

func (ep *episode) rollback(ctx context.Context) (RecoveryResult, error) {
	if ep.m.cfg.RollbackHandler == nil {
		return RecoveryResult{}, schema.NewError(schema.ErrCodeRollbackUnavailable,
			"no rollback mechanism configured").WithStage(ep.task.Stage)
	}
	ok, err := ep.m.cfg.RollbackHandler(ctx, ep.planID, ep.task)
	if err != nil {
		return RecoveryResult{}, fmt.Errorf("rollback handler: %w", err)
	}
	if !ok {
		return RecoveryResult{}, errors.New("rollback handler declined")
	}
	ep.emit(ctx, schema.EventStageRolledBack, map[string]any{"reason": ep.reason})
	return RecoveryResult{Success: true, StrategyUsed: StrategyRollback, NewStatus: TaskStatusRolledBack}, nil
}

func (ep *episode) intervene(ctx context.Context) (RecoveryResult, error) {
	if h := ep.m.cfg.InterventionHandler; h != nil {
		approved, err := h(ctx, ep.taskID, ep.planID, ep.reason)
		if err != nil {
			return RecoveryResult{}, fmt.Errorf("intervention handler: %w", err)
		}
		if !approved {
			return RecoveryResult{}, errors.New("intervention rejected")
		}
		return RecoveryResult{Success: true, StrategyUsed: StrategyManualIntervention, NewStatus: TaskStatusReady}, nil
	}

	info := PendingIntervention{
		TaskID:    ep.taskID,
		PlanID:    ep.planID,
		Reason:    ep.reason,
		Timestamp: time.Now().UTC(),
	}
	if ep.m.store.register(info) {
		ep.emit(ctx, schema.EventManualInterventionRequested, map[string]any{"reason": ep.reason})
		ep.m.SendNotification(ctx, ChannelManualIntervention,
			fmt.Sprintf("task %s requires manual intervention", ep.taskID),
			map[string]any{"task_id": ep.taskID, "plan_id": ep.planID, "reason": ep.reason})
	}
	return RecoveryResult{
		Success:              false,
		StrategyUsed:         StrategyManualIntervention,
		NewStatus:            TaskStatusAwaitingIntervention,
		InterventionRequired: true,
		ErrorMessage:         ep.reason,
	}, nil
}

func (ep *episode) emit(ctx context.Context, eventType string, data map[string]any) {
	data["task_id"] = ep.taskID
	ep.m.emit(ctx, schema.CoordinationEvent{
		EventType:   eventType,
		ExecutionID: ep.planID,
		Stage:       ep.task.Stage,
		Data:        data,
	})
}

func (m *Manager) emit(ctx context.Context, event schema.CoordinationEvent) {
	if m.emitter != nil {
		m.emitter.Emit(ctx, event)
	}
}

func (m *Manager) recordPerformance(start time.Time, res RecoveryResult) {
	if m.cfg.PerformanceMonitor == nil {
		return
	}
	m.cfg.PerformanceMonitor(MetricHandleCompleted,
		float64(time.Since(start).Microseconds())/1000, "ms",
		map[string]string{
			"strategy": string(res.StrategyUsed),
			"success":  fmt.Sprint(res.Success),
		})
}

// ProvideManualIntervention resolves a pending intervention. It returns false
// when nothing is pending for taskID.
func (m *Manager) ProvideManualIntervention(ctx context.Context, taskID string, approved bool, resolution string) bool {
	info, ok := m.store.resolve(taskID, Decision{Approved: approved, Resolution: resolution})
	if !ok {
		return false
	}
	m.logger.Info("manual intervention received",
		zap.String("task_id", taskID),
		zap.Bool("approved", approved),
		zap.String("resolution", resolution))
	m.emit(ctx, schema.CoordinationEvent{
		EventType:   schema.EventManualInterventionReceived,
		ExecutionID: info.PlanID,
		Data: map[string]any{
			"task_id":    taskID,
			"approved":   approved,
			"resolution": resolution,
		},
	})
	return true
}

// AwaitIntervention blocks until a decision for taskID arrives or ctx ends.
// The pending entry survives ctx cancellation; use CancelIntervention to drop it.
func (m *Manager) AwaitIntervention(ctx context.Context, taskID string) (Decision, error) {
	ch, decided, ok := m.store.waiter(taskID)
	if !ok {
		return Decision{}, schema.NewErrorf(schema.ErrCodeNotFound, "no pending intervention for task %s", taskID)
	}
	if decided != nil {
		return *decided, nil
	}
	select {
	case d := <-ch:
		m.store.consume(taskID)
		return d, nil
	case <-ctx.Done():
		return Decision{}, ctx.Err()
	}
}

// CancelIntervention drops any pending or undelivered decision for taskID.
func (m *Manager) CancelIntervention(taskID string) bool {
	return m.store.cancel(taskID)
}

// ResetRetryCounter sets the retry counter of taskID back to zero.
func (m *Manager) ResetRetryCounter(taskID string) {
	m.store.reset(taskID)
}

// GetRetryCount returns the retry counter of taskID.
func (m *Manager) GetRetryCount(taskID string) int {
	return m.store.count(taskID)
}

// GetPendingInterventions returns a snapshot keyed by task id.
func (m *Manager) GetPendingInterventions() map[string]PendingIntervention {
	return m.store.snapshot()
}

// SendNotification forwards to the notification handler, if any. Handler
// errors are logged and never returned.
func (m *Manager) SendNotification(ctx context.Context, channel, message string, data map[string]any) {
	h := m.cfg.NotificationHandler
	if h == nil {
		return
	}
	if err := h(ctx, channel, message, data); err != nil {
		logging.LogWith(ctx, m.logger).Warn("notification failed",
			zap.String("channel", channel), zap.Error(err))
	}
}
