package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/mplp/coordinator/internal/conditions"
	"github.com/mplp/coordinator/internal/events"
	"github.com/mplp/coordinator/internal/history"
	"github.com/mplp/coordinator/internal/logging"
	"github.com/mplp/coordinator/internal/modules"
	"github.com/mplp/coordinator/internal/resolver"
	"github.com/mplp/coordinator/internal/templates"
	"github.com/mplp/coordinator/pkg/schema"
)

// Orchestrator drives workflow runs over the registered stage modules.
type Orchestrator interface {
	// RegisterModule initializes m and makes it the module for its stage.
	RegisterModule(ctx context.Context, m modules.Module) error

	// ExecuteWorkflow runs cfg (or the default template when nil) to the end.
	// Stage failures are reported in the result; an error is returned only
	// for invalid configurations, missing modules, backpressure and shutdown.
	// An execution id set with logging.WithExecutionID on ctx is used as the
	// run's id.
	ExecuteWorkflow(ctx context.Context, contextID string, input map[string]any, cfg *schema.WorkflowConfiguration) (*schema.WorkflowExecutionResult, error)

	// Submit validates and admits a run like ExecuteWorkflow, then drives it
	// in the background and returns its execution id. The run outlives ctx;
	// use Cancel to stop it and GetExecution to follow it.
	Submit(ctx context.Context, contextID string, input map[string]any, cfg *schema.WorkflowConfiguration) (string, error)

	// Cancel stops a queued or running workflow and returns the stages it reached.
	Cancel(ctx context.Context, executionID string) ([]schema.StageExecutionResult, error)

	// GetExecution returns a running workflow's snapshot or a recently finished result.
	GetExecution(executionID string) (*schema.WorkflowExecutionResult, bool)

	// Shutdown stops admission, waits for active runs and cleans up modules.
	Shutdown(ctx context.Context) error

	Templates() *templates.Registry
	Resolver() *resolver.Manager
	Modules() *modules.Coordinator
	Admission() AdmissionStats

	// RunFSM and StageFSM accept transition hooks for every run.
	RunFSM() *RunFSM
	StageFSM() *StageFSM
}

const (
	DefaultMaxConcurrentExecutions = 10
	DefaultMaxQueuedExecutions     = 100
	DefaultModuleTimeoutMs         = 30000
	DefaultTemplate                = templates.TemplateStandard

	// Metric names reported to the performance monitor.
	MetricWorkflowCompleted = "workflow.operation.completed"
	MetricStageCompleted    = "workflow.stage.completed"

	// ChannelWorkflow is the notification channel for failed runs.
	ChannelWorkflow = "workflow"

	tracerName = "github.com/mplp/coordinator/internal/engine"
)

// Config holds orchestrator limits.
type Config struct {
	MaxConcurrentExecutions int
	MaxQueuedExecutions     int // 0 rejects as soon as every slot is busy
	ModuleTimeoutMs         int64
	DefaultTemplate         string
}

// DefaultConfig returns the default limits.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentExecutions: DefaultMaxConcurrentExecutions,
		MaxQueuedExecutions:     DefaultMaxQueuedExecutions,
		ModuleTimeoutMs:         DefaultModuleTimeoutMs,
		DefaultTemplate:         DefaultTemplate,
	}
}

// ConditionEvaluator compiles and evaluates stage conditions.
type ConditionEvaluator interface {
	Compile(expression string) error
	Evaluate(ctx context.Context, expression string, data conditions.Data) (bool, error)
}

// Options are the orchestrator's collaborators. Nil fields get defaults.
type Options struct {
	Config             Config
	Templates          *templates.Registry
	Resolver           *resolver.Manager
	Conditions         ConditionEvaluator
	Emitter            events.Emitter
	Hooks              LifecycleHooks
	PerformanceMonitor resolver.PerformanceMonitor
	History            *history.Store
	Tracer             trace.Tracer
	Logger             *zap.Logger
}

// orchestrator is the concrete Orchestrator implementation.
type orchestrator struct {
	cfg        Config
	templates  *templates.Registry
	resolver   *resolver.Manager
	conditions ConditionEvaluator
	emitter    events.Emitter
	hooks      LifecycleHooks
	perf       resolver.PerformanceMonitor
	history    *history.Store
	tracer     trace.Tracer
	logger     *zap.Logger

	modules   *modules.Coordinator
	admission *Admission
	runFSM    *RunFSM
	stageFSM  *StageFSM

	// mu guards running and closed.
	mu      sync.Mutex
	running map[string]*workflowRun
	closed  bool
	wg      sync.WaitGroup
}

// New creates an Orchestrator.
func New(opts Options) (Orchestrator, error) {
	cfg := opts.Config
	def := DefaultConfig()
	if cfg.MaxConcurrentExecutions <= 0 {
		cfg.MaxConcurrentExecutions = def.MaxConcurrentExecutions
	}
	if cfg.MaxQueuedExecutions < 0 {
		cfg.MaxQueuedExecutions = 0
	}
	if cfg.ModuleTimeoutMs <= 0 {
		cfg.ModuleTimeoutMs = def.ModuleTimeoutMs
	}
	if cfg.DefaultTemplate == "" {
		cfg.DefaultTemplate = def.DefaultTemplate
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("engine")

	cond := opts.Conditions
	if cond == nil {
		ev, err := conditions.NewEvaluator()
		if err != nil {
			return nil, fmt.Errorf("create condition evaluator: %w", err)
		}
		cond = ev
	}

	reg := opts.Templates
	if reg == nil {
		reg = templates.NewRegistry(cond, logger)
	}
	if _, ok := reg.Get(cfg.DefaultTemplate); !ok {
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "default template %q is not registered", cfg.DefaultTemplate)
	}

	res := opts.Resolver
	if res == nil {
		rcfg := resolver.DefaultConfig()
		rcfg.PerformanceMonitor = opts.PerformanceMonitor
		var err error
		res, err = resolver.New(rcfg, opts.Emitter, logger)
		if err != nil {
			return nil, err
		}
	}

	hist := opts.History
	if hist == nil {
		hist = history.New(history.DefaultTTL, history.DefaultCleanupInterval)
	}

	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}

	return &orchestrator{
		cfg:        cfg,
		templates:  reg,
		resolver:   res,
		conditions: cond,
		emitter:    opts.Emitter,
		hooks:      opts.Hooks,
		perf:       opts.PerformanceMonitor,
		history:    hist,
		tracer:     tracer,
		logger:     logger,
		modules:    modules.NewCoordinator(logger),
		admission:  NewAdmission(cfg.MaxConcurrentExecutions, cfg.MaxQueuedExecutions),
		runFSM:     NewRunFSM(opts.Emitter),
		stageFSM:   NewStageFSM(opts.Emitter),
		running:    make(map[string]*workflowRun),
	}, nil
}

func (o *orchestrator) Templates() *templates.Registry { return o.templates }
func (o *orchestrator) Resolver() *resolver.Manager    { return o.resolver }
func (o *orchestrator) Modules() *modules.Coordinator  { return o.modules }
func (o *orchestrator) Admission() AdmissionStats      { return o.admission.Stats() }
func (o *orchestrator) RunFSM() *RunFSM                { return o.runFSM }
func (o *orchestrator) StageFSM() *StageFSM            { return o.stageFSM }

func (o *orchestrator) RegisterModule(ctx context.Context, m modules.Module) error {
	return o.modules.Register(ctx, m)
}

func (o *orchestrator) ExecuteWorkflow(ctx context.Context, contextID string, input map[string]any, cfg *schema.WorkflowConfiguration) (*schema.WorkflowExecutionResult, error) {
	runCtx, run, t, err := o.admit(ctx, contextID, input, cfg)
	if err != nil {
		return nil, err
	}
	return o.execute(runCtx, run, t), nil
}

func (o *orchestrator) Submit(ctx context.Context, contextID string, input map[string]any, cfg *schema.WorkflowConfiguration) (string, error) {
	runCtx, run, t, err := o.admit(context.WithoutCancel(ctx), contextID, input, cfg)
	if err != nil {
		return "", err
	}
	go o.execute(runCtx, run, t)
	return run.id, nil
}

// admit does everything that can reject a run: validation, module lookup,
// registration and a place in the admission queue. On success the run is
// registered and counted in o.wg until execute returns.
func (o *orchestrator) admit(ctx context.Context, contextID string, input map[string]any, cfg *schema.WorkflowConfiguration) (context.Context, *workflowRun, *ticket, error) {
	// Shutdown clears the modules; report it before the module lookup does.
	if o.isClosed() {
		return nil, nil, nil, schema.NewError(schema.ErrCodeShutdown, "orchestrator is shutting down")
	}
	cfg, err := o.resolveConfig(cfg)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := o.modules.Require(cfg.Stages); err != nil {
		return nil, nil, nil, err
	}

	id := logging.ExecutionID(ctx)
	if id == "" {
		id = uuid.NewString()
	}
	runCtx, cancel := context.WithCancel(ctx)
	run := newWorkflowRun(id, contextID, cfg, input, cancel)

	if err := o.register(run); err != nil {
		cancel()
		return nil, nil, nil, err
	}
	t, err := o.admission.reserve()
	if err != nil {
		o.unregister(run)
		o.wg.Done()
		cancel()
		return nil, nil, nil, err
	}
	return runCtx, run, t, nil
}

// execute waits for the run's admission slot and drives it to the end.
func (o *orchestrator) execute(runCtx context.Context, run *workflowRun, t *ticket) *schema.WorkflowExecutionResult {
	defer o.wg.Done()
	defer run.cancel()

	if err := o.admission.wait(runCtx, t); err != nil {
		if runCtx.Err() == nil {
			// Shut down while queued.
			return o.finish(runCtx, run, schema.WorkflowStatusCancelled, schema.AsCoordinationError(err, schema.ErrCodeShutdown))
		}
		return o.finish(runCtx, run, schema.WorkflowStatusCancelled, run.interruption(runCtx))
	}
	defer o.admission.Release()

	return o.drive(runCtx, run)
}

// resolveConfig picks the configuration for a run and validates it. The
// run always holds its own copy.
func (o *orchestrator) resolveConfig(cfg *schema.WorkflowConfiguration) (*schema.WorkflowConfiguration, error) {
	if cfg == nil {
		def, ok := o.templates.Get(o.cfg.DefaultTemplate)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "default template %q is not registered", o.cfg.DefaultTemplate)
		}
		cfg = def
	} else {
		cfg = cfg.Clone()
	}
	if err := templates.ValidateWorkflowConfiguration(cfg, o.conditions).ToError(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (o *orchestrator) register(run *workflowRun) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return schema.NewError(schema.ErrCodeShutdown, "orchestrator is shutting down")
	}
	if _, dup := o.running[run.id]; dup {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition, "execution %s is already running", run.id)
	}
	o.running[run.id] = run
	o.wg.Add(1)
	return nil
}

func (o *orchestrator) isClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

func (o *orchestrator) unregister(run *workflowRun) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.running, run.id)
}

// drive runs the stages of an admitted run and finalizes it.
func (o *orchestrator) drive(ctx context.Context, run *workflowRun) *schema.WorkflowExecutionResult {
	ctx = logging.WithExecutionID(ctx, run.id)
	ctx, span := o.tracer.Start(ctx, "workflow.execute", trace.WithAttributes(
		attribute.String("mplp.execution_id", run.id),
		attribute.String("mplp.context_id", run.contextID),
		attribute.String("mplp.workflow", run.cfg.Name),
		attribute.Bool("mplp.parallel", run.cfg.ParallelExecution),
	))
	defer span.End()

	log := logging.LogWith(ctx, o.logger)

	if err := o.runFSM.Transition(ctx, run.id, schema.WorkflowStatusPending, schema.WorkflowStatusRunning, map[string]any{
		"context_id": run.contextID,
		"stages":     stageNames(run.cfg.Stages),
	}); err != nil {
		return o.finish(ctx, run, schema.WorkflowStatusFailed, schema.AsCoordinationError(err, schema.ErrCodeInvalidTransition))
	}
	run.setStatus(schema.WorkflowStatusRunning)
	log.Info("workflow started",
		zap.String("workflow", run.cfg.Name),
		zap.Int("stages", len(run.cfg.Stages)),
		zap.Bool("parallel", run.cfg.ParallelExecution))

	o.beforeWorkflow(ctx, run.ec)

	stageCtx, cancelTimeout := context.WithTimeoutCause(ctx, run.cfg.Timeout(), errWorkflowTimeout)
	defer cancelTimeout()

	var failure *schema.CoordinationError
	if run.cfg.ParallelExecution {
		failure = o.runParallel(stageCtx, run)
	} else {
		failure, _ = o.runSequential(stageCtx, run, run.cfg.Stages)
	}

	status := schema.WorkflowStatusCompleted
	switch {
	case run.wasCancelled() || ctx.Err() != nil:
		status = schema.WorkflowStatusCancelled
		failure = schema.NewError(schema.ErrCodeCancelled, "workflow cancelled")
	case failure != nil || !run.allSucceeded():
		status = schema.WorkflowStatusFailed
		if failure == nil {
			failure = unsuccessfulError(run)
		}
	}

	result := o.finish(ctx, run, status, failure)
	if failure != nil {
		span.SetStatus(codes.Error, failure.Error())
	}
	span.SetAttributes(attribute.String("mplp.status", string(status)))
	return result
}

// finish moves the run to its terminal status, records the result and
// fires completion hooks, events, metrics and notifications.
func (o *orchestrator) finish(ctx context.Context, run *workflowRun, status schema.WorkflowStatus, failure *schema.CoordinationError) *schema.WorkflowExecutionResult {
	// The run's own context may already be done; completion work still runs.
	ctx = context.WithoutCancel(ctx)
	log := logging.LogWith(logging.WithExecutionID(ctx, run.id), o.logger)

	from := run.getStatus()
	now := time.Now().UTC()
	result := &schema.WorkflowExecutionResult{
		ExecutionID:     run.id,
		ContextID:       run.contextID,
		Status:          status,
		Stages:          run.stagesSnapshot(),
		TotalDurationMs: elapsedMs(run.startedAt),
		Error:           failure,
		StartedAt:       run.startedAt,
		CompletedAt:     &now,
	}

	data := map[string]any{
		"total_duration_ms": result.TotalDurationMs,
		"stages":            len(result.Stages),
	}
	if failure != nil {
		data["error"] = failure.Error()
	}
	if err := o.runFSM.Transition(ctx, run.id, from, status, data); err != nil {
		log.Error("workflow transition rejected", zap.Error(err))
	}

	run.mu.Lock()
	run.status = status
	run.result = result
	run.mu.Unlock()

	o.history.Put(result)
	o.unregister(run)
	run.timers.stopAll()
	close(run.done)

	if from != schema.WorkflowStatusPending {
		o.afterWorkflow(ctx, run.ec, result)
	}
	o.recordPerformance(MetricWorkflowCompleted, result.TotalDurationMs, map[string]string{
		"status":   string(status),
		"workflow": run.cfg.Name,
	})

	fields := []zap.Field{
		zap.String("status", string(status)),
		zap.Int64("total_duration_ms", result.TotalDurationMs),
	}
	if failure != nil {
		log.Warn("workflow finished", append(fields, zap.Error(failure))...)
	} else {
		log.Info("workflow finished", fields...)
	}

	if status == schema.WorkflowStatusFailed && run.cfg.ErrorHandling.NotificationEnabled {
		o.resolver.SendNotification(ctx, ChannelWorkflow,
			fmt.Sprintf("workflow %s failed", run.id),
			map[string]any{"execution_id": run.id, "context_id": run.contextID, "error": failure.Error()})
	}
	return result
}

func unsuccessfulError(run *workflowRun) *schema.CoordinationError {
	sr, ok := run.firstUnsuccessful()
	if !ok {
		return nil
	}
	if sr.Error != nil {
		return sr.Error
	}
	return schema.NewErrorf(schema.ErrCodeStageExecution, "stage ended %s", sr.Status).WithStage(sr.Stage)
}

func (o *orchestrator) Cancel(ctx context.Context, executionID string) ([]schema.StageExecutionResult, error) {
	o.mu.Lock()
	run, ok := o.running[executionID]
	o.mu.Unlock()

	if !ok {
		if res, found := o.history.Get(executionID); found {
			return res.Stages, schema.NewErrorf(schema.ErrCodeInvalidTransition,
				"execution %s already finished with status %s", executionID, res.Status)
		}
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "execution %s not found", executionID)
	}

	if !run.markCancelled() {
		return run.stagesSnapshot(), schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"execution %s already finished", executionID)
	}
	o.logger.Info("workflow cancel requested", zap.String("execution_id", executionID))

	select {
	case <-run.done:
		return run.snapshot().Stages, nil
	case <-ctx.Done():
		return run.stagesSnapshot(), ctx.Err()
	}
}

func (o *orchestrator) GetExecution(executionID string) (*schema.WorkflowExecutionResult, bool) {
	o.mu.Lock()
	run, ok := o.running[executionID]
	o.mu.Unlock()
	if ok {
		return run.snapshot(), true
	}
	return o.history.Get(executionID)
}

func (o *orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.admission.Close()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		o.mu.Lock()
		for _, run := range o.running {
			run.markCancelled()
		}
		o.mu.Unlock()
		<-done
	}
	return o.modules.CleanupAll(context.WithoutCancel(ctx))
}

func (o *orchestrator) emit(ctx context.Context, event schema.CoordinationEvent) {
	if o.emitter != nil {
		o.emitter.Emit(ctx, event)
	}
}

func (o *orchestrator) recordPerformance(metric string, durationMs int64, tags map[string]string) {
	if o.perf != nil {
		o.perf(metric, float64(durationMs), "ms", tags)
	}
}

func stageNames(stages []schema.Stage) []string {
	out := make([]string, len(stages))
	for i, s := range stages {
		out[i] = string(s)
	}
	return out
}
