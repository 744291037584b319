// Package scheduler runs workflow templates on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/mplp/coordinator/internal/engine"
	"github.com/mplp/coordinator/pkg/schema"
)

// DefaultTickInterval is how often the scheduler looks for due jobs.
const DefaultTickInterval = 60 * time.Second

// Runner runs a named workflow template.
type Runner interface {
	RunTemplate(ctx context.Context, template, contextID string, input map[string]any) (*schema.WorkflowExecutionResult, error)
}

// OrchestratorRunner runs templates from the orchestrator's registry.
type OrchestratorRunner struct {
	Orchestrator engine.Orchestrator
}

func (r OrchestratorRunner) RunTemplate(ctx context.Context, template, contextID string, input map[string]any) (*schema.WorkflowExecutionResult, error) {
	cfg, ok := r.Orchestrator.Templates().Get(template)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow template %q not found", template)
	}
	return r.Orchestrator.ExecuteWorkflow(ctx, contextID, input, cfg)
}

// Scheduler polls the job store for due jobs and runs them.
type Scheduler struct {
	store    JobStore
	runner   Runner
	parser   cron.Parser
	interval time.Duration
	logger   *zap.Logger
	cancel   context.CancelFunc
	done     chan struct{}
	mu       sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{} // job IDs currently executing (dedup)
}

// NewScheduler creates a new Scheduler. A non-positive interval uses
// DefaultTickInterval.
func NewScheduler(s JobStore, runner Runner, interval time.Duration, logger *zap.Logger) *Scheduler {
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		store:    s,
		runner:   runner,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		interval: interval,
		logger:   logger.Named("scheduler"),
		inflight: make(map[string]struct{}),
	}
}

// AddJob validates the cron expression, assigns an id when missing and
// stores the job with its first run time.
func (s *Scheduler) AddJob(ctx context.Context, job Job) (*Job, error) {
	if job.Template == "" {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "scheduled job needs a template")
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	next, err := s.CalculateNextRun(job.CronExpression, time.Now().UTC())
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeConfiguration, err.Error()).WithCause(err)
	}
	job.NextRunAt = &next
	if err := s.store.CreateJob(ctx, &job); err != nil {
		return nil, err
	}
	s.logger.Info("scheduled job added",
		zap.String("job_id", job.ID),
		zap.String("template", job.Template),
		zap.String("cron", job.CronExpression),
		zap.Time("next_run_at", next))
	return &job, nil
}

// Start launches the background scheduling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started", zap.Duration("interval", s.interval))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick runs every enabled job that is due.
func (s *Scheduler) tick(ctx context.Context) {
	enabled := true
	jobs, err := s.store.ListJobs(ctx, JobFilter{Enabled: &enabled})
	if err != nil {
		s.logger.Error("failed to list scheduled jobs", zap.Error(err))
		return
	}

	now := time.Now().UTC()
	for _, job := range jobs {
		if job.NextRunAt == nil || !job.NextRunAt.After(now) {
			if !s.tryAcquire(job.ID) {
				continue
			}
			if err := s.runJob(ctx, job, now); err != nil {
				s.logger.Error("failed to run scheduled job", zap.String("job_id", job.ID), zap.Error(err))
			}
			s.releaseJob(job.ID)
		}
	}
}

// runJob runs a job's template and records the outcome.
func (s *Scheduler) runJob(ctx context.Context, job *Job, now time.Time) error {
	log := s.logger.With(zap.String("job_id", job.ID), zap.String("template", job.Template))
	log.Info("running scheduled job")

	contextID := job.ContextID
	if contextID == "" {
		contextID = "schedule:" + job.ID
	}

	update := JobUpdate{LastRunAt: &now}
	res, err := s.runner.RunTemplate(ctx, job.Template, contextID, job.Input)
	switch {
	case err != nil:
		update.LastRunStatus = "error"
		log.Error("scheduled job execution failed", zap.Error(err))
	default:
		update.LastRunStatus = string(res.Status)
		update.LastExecutionID = res.ExecutionID
		log.Info("scheduled job finished",
			zap.String("execution_id", res.ExecutionID),
			zap.String("status", string(res.Status)))
	}

	nextRun, err := s.CalculateNextRun(job.CronExpression, now)
	if err != nil {
		return fmt.Errorf("calculate next run for job %q: %w", job.ID, err)
	}
	update.NextRunAt = &nextRun
	return s.store.UpdateJob(ctx, job.ID, update)
}

// tryAcquire returns true and marks the job as in-flight if it is not already running.
func (s *Scheduler) tryAcquire(jobID string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[jobID]; ok {
		return false
	}
	s.inflight[jobID] = struct{}{}
	return true
}

func (s *Scheduler) releaseJob(jobID string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, jobID)
}

// CalculateNextRun computes the next run time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop gracefully shuts down the scheduler. A job in progress finishes first.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}

// RecoverMissed runs once every enabled job whose next run is in the past.
func (s *Scheduler) RecoverMissed(ctx context.Context) error {
	enabled := true
	jobs, err := s.store.ListJobs(ctx, JobFilter{Enabled: &enabled})
	if err != nil {
		return fmt.Errorf("list missed jobs: %w", err)
	}

	now := time.Now().UTC()
	recovered := 0
	for _, job := range jobs {
		if job.NextRunAt != nil && job.NextRunAt.Before(now) {
			if !s.tryAcquire(job.ID) {
				continue
			}
			if err := s.runJob(ctx, job, now); err != nil {
				s.logger.Error("failed to recover missed job", zap.String("job_id", job.ID), zap.Error(err))
				s.releaseJob(job.ID)
				continue
			}
			s.releaseJob(job.ID)
			recovered++
		}
	}

	if recovered > 0 {
		s.logger.Info("recovered missed jobs", zap.Int("count", recovered))
	}
	return nil
}
