package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mplp/coordinator/internal/engine"
	"github.com/mplp/coordinator/internal/modules"
	"github.com/mplp/coordinator/internal/templates"
	"github.com/mplp/coordinator/pkg/schema"
)

// mockRunner tracks RunTemplate calls.
type mockRunner struct {
	mu    sync.Mutex
	calls []runCall
	err   error
}

type runCall struct {
	Template  string
	ContextID string
	Input     map[string]any
}

func (r *mockRunner) RunTemplate(_ context.Context, template, contextID string, input map[string]any) (*schema.WorkflowExecutionResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, runCall{Template: template, ContextID: contextID, Input: input})
	if r.err != nil {
		return nil, r.err
	}
	return &schema.WorkflowExecutionResult{ExecutionID: "exec-" + template, Status: schema.WorkflowStatusCompleted}, nil
}

func (r *mockRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func newTestScheduler(t *testing.T, s JobStore, runner Runner) *Scheduler {
	return NewScheduler(s, runner, time.Hour, zaptest.NewLogger(t))
}

// --- Tests ---

func TestCalculateNextRun(t *testing.T) {
	sched := newTestScheduler(t, NewMemoryStore(), &mockRunner{})
	from := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)

	next, err := sched.CalculateNextRun("0 * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 10, 13, 0, 0, 0, time.UTC), next)

	next, err = sched.CalculateNextRun("*/15 * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 10, 12, 15, 0, 0, time.UTC), next)

	next, err = sched.CalculateNextRun("@daily", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 11, 0, 0, 0, 0, time.UTC), next)

	_, err = sched.CalculateNextRun("invalid cron", from)
	require.Error(t, err)
}

func TestAddJob(t *testing.T) {
	ms := NewMemoryStore()
	sched := newTestScheduler(t, ms, &mockRunner{})
	ctx := context.Background()

	job, err := sched.AddJob(ctx, Job{Template: "standard", CronExpression: "*/5 * * * *", Enabled: true})
	require.NoError(t, err)
	assert.NotEmpty(t, job.ID)
	require.NotNil(t, job.NextRunAt)
	assert.True(t, job.NextRunAt.After(time.Now().UTC()))

	_, err = sched.AddJob(ctx, Job{ID: job.ID, Template: "standard", CronExpression: "* * * * *"})
	assert.Error(t, err, "duplicate id")

	_, err = sched.AddJob(ctx, Job{Template: "standard", CronExpression: "every tuesday"})
	assert.True(t, schema.HasCode(err, schema.ErrCodeConfiguration))

	_, err = sched.AddJob(ctx, Job{CronExpression: "* * * * *"})
	assert.True(t, schema.HasCode(err, schema.ErrCodeConfiguration))
}

func TestTickRunsDueJobs(t *testing.T) {
	ms := NewMemoryStore()
	runner := &mockRunner{}
	sched := newTestScheduler(t, ms, runner)

	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)

	require.NoError(t, ms.CreateJob(ctx, &Job{
		ID:             "job-1",
		Template:       "standard",
		CronExpression: "0 * * * *",
		Enabled:        true,
		NextRunAt:      &past,
	}))

	sched.tick(ctx)

	assert.Equal(t, 1, runner.callCount())
	assert.Equal(t, "schedule:job-1", runner.calls[0].ContextID)

	got, err := ms.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.NotNil(t, got.LastRunAt)
	assert.True(t, got.NextRunAt.After(time.Now().UTC()))
	assert.Equal(t, "completed", got.LastRunStatus)
	assert.Equal(t, "exec-standard", got.LastExecutionID)
}

func TestTickSkipsNotDueAndDisabledJobs(t *testing.T) {
	ms := NewMemoryStore()
	runner := &mockRunner{}
	sched := newTestScheduler(t, ms, runner)

	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)
	future := time.Now().UTC().Add(time.Hour)

	require.NoError(t, ms.CreateJob(ctx, &Job{
		ID: "job-future", Template: "standard", CronExpression: "0 * * * *", Enabled: true, NextRunAt: &future,
	}))
	require.NoError(t, ms.CreateJob(ctx, &Job{
		ID: "job-disabled", Template: "standard", CronExpression: "0 * * * *", Enabled: false, NextRunAt: &past,
	}))

	sched.tick(ctx)

	assert.Equal(t, 0, runner.callCount())
}

func TestTickWithNilNextRunAt(t *testing.T) {
	ms := NewMemoryStore()
	runner := &mockRunner{}
	sched := newTestScheduler(t, ms, runner)
	ctx := context.Background()

	require.NoError(t, ms.CreateJob(ctx, &Job{
		ID: "job-nil-next", Template: "standard", CronExpression: "0 * * * *", Enabled: true,
	}))

	sched.tick(ctx)

	assert.Equal(t, 1, runner.callCount())
}

func TestMissedRecovery(t *testing.T) {
	ms := NewMemoryStore()
	runner := &mockRunner{}
	sched := newTestScheduler(t, ms, runner)

	ctx := context.Background()
	past := time.Now().UTC().Add(-2 * time.Hour)

	require.NoError(t, ms.CreateJob(ctx, &Job{
		ID:             "job-missed",
		Template:       "fast_track",
		CronExpression: "0 * * * *",
		ContextID:      "ctx-nightly",
		Input:          map[string]any{"env": "staging"},
		Enabled:        true,
		NextRunAt:      &past,
	}))

	require.NoError(t, sched.RecoverMissed(ctx))

	require.Equal(t, 1, runner.callCount())
	call := runner.calls[0]
	assert.Equal(t, "fast_track", call.Template)
	assert.Equal(t, "ctx-nightly", call.ContextID)
	assert.Equal(t, "staging", call.Input["env"])

	got, _ := ms.GetJob(ctx, "job-missed")
	assert.True(t, got.NextRunAt.After(time.Now().UTC()))
}

func TestJobRunFailure(t *testing.T) {
	ms := NewMemoryStore()
	runner := &mockRunner{err: assert.AnError}
	sched := newTestScheduler(t, ms, runner)

	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)

	require.NoError(t, ms.CreateJob(ctx, &Job{
		ID: "job-fail", Template: "standard", CronExpression: "0 * * * *", Enabled: true, NextRunAt: &past,
	}))

	sched.tick(ctx)

	got, _ := ms.GetJob(ctx, "job-fail")
	assert.Equal(t, "error", got.LastRunStatus)
	assert.NotNil(t, got.NextRunAt)
}

func TestDedupPreventsDoubleRun(t *testing.T) {
	ms := NewMemoryStore()
	runner := &mockRunner{}
	sched := newTestScheduler(t, ms, runner)

	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)

	require.NoError(t, ms.CreateJob(ctx, &Job{
		ID: "job-dedup", Template: "standard", CronExpression: "0 * * * *", Enabled: true, NextRunAt: &past,
	}))

	assert.True(t, sched.tryAcquire("job-dedup"))

	sched.tick(ctx)
	assert.Equal(t, 0, runner.callCount())

	sched.releaseJob("job-dedup")
	sched.tick(ctx)
	assert.Equal(t, 1, runner.callCount())

	// Due again after another reset.
	past2 := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, ms.UpdateJob(ctx, "job-dedup", JobUpdate{NextRunAt: &past2}))
	sched.tick(ctx)
	assert.Equal(t, 2, runner.callCount())
}

func TestStartStop(t *testing.T) {
	sched := newTestScheduler(t, NewMemoryStore(), &mockRunner{})
	ctx := context.Background()

	require.NoError(t, sched.Start(ctx))

	err := sched.Start(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already started")

	require.NoError(t, sched.Stop())
	require.NoError(t, sched.Stop())
}

func TestMemoryStore(t *testing.T) {
	ms := NewMemoryStore()
	ctx := context.Background()

	input := map[string]any{"k": "v"}
	require.NoError(t, ms.CreateJob(ctx, &Job{ID: "b", Template: "standard", Enabled: true, Input: input}))
	require.NoError(t, ms.CreateJob(ctx, &Job{ID: "a", Template: "fast_track"}))
	input["k"] = "changed"

	got, err := ms.GetJob(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, "v", got.Input["k"], "store keeps its own copy")

	all, err := ms.ListJobs(ctx, JobFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "a", all[0].ID)

	byTemplate, _ := ms.ListJobs(ctx, JobFilter{Template: "standard"})
	require.Len(t, byTemplate, 1)

	off := false
	require.NoError(t, ms.UpdateJob(ctx, "b", JobUpdate{Enabled: &off}))
	enabled := true
	live, _ := ms.ListJobs(ctx, JobFilter{Enabled: &enabled})
	assert.Empty(t, live)

	assert.True(t, schema.HasCode(ms.UpdateJob(ctx, "zzz", JobUpdate{}), schema.ErrCodeNotFound))
	require.NoError(t, ms.DeleteJob(ctx, "a"))
	_, err = ms.GetJob(ctx, "a")
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
}

func TestOrchestratorRunner(t *testing.T) {
	orch, err := engine.New(engine.Options{Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	for _, m := range modules.PassthroughSet() {
		require.NoError(t, orch.RegisterModule(context.Background(), m))
	}
	t.Cleanup(func() { _ = orch.Shutdown(context.Background()) })

	runner := OrchestratorRunner{Orchestrator: orch}
	res, err := runner.RunTemplate(context.Background(), templates.TemplateStandard, "ctx-cron", map[string]any{"n": 1})
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowStatusCompleted, res.Status)
	assert.Equal(t, "ctx-cron", res.ContextID)
	assert.Len(t, res.Stages, 4)

	_, err = runner.RunTemplate(context.Background(), "missing", "", nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
}
