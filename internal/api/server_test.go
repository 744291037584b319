package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mplp/coordinator/internal/engine"
	"github.com/mplp/coordinator/internal/events"
	"github.com/mplp/coordinator/internal/modules"
	"github.com/mplp/coordinator/internal/scheduler"
	"github.com/mplp/coordinator/internal/telemetry"
	"github.com/mplp/coordinator/pkg/schema"
)

type testEnv struct {
	srv  *httptest.Server
	orch engine.Orchestrator
	jobs *scheduler.MemoryStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := zaptest.NewLogger(t)

	reg := prometheus.NewRegistry()
	metrics, err := telemetry.NewMetrics(reg)
	require.NoError(t, err)
	hub := events.NewHub(logger)

	orch, err := engine.New(engine.Options{
		Config:             engine.DefaultConfig(),
		Emitter:            events.Multi{hub, metrics},
		PerformanceMonitor: metrics.Observe,
		Logger:             logger,
	})
	require.NoError(t, err)
	ctx := context.Background()
	for _, m := range modules.PassthroughSet() {
		require.NoError(t, orch.RegisterModule(ctx, m))
	}
	t.Cleanup(func() { _ = orch.Shutdown(context.Background()) })

	jobs := scheduler.NewMemoryStore()
	sched := scheduler.NewScheduler(jobs, scheduler.OrchestratorRunner{Orchestrator: orch}, 0, logger)

	s := NewServer(Deps{
		Orchestrator: orch,
		Hub:          hub,
		Scheduler:    sched,
		Jobs:         jobs,
		Gatherer:     reg,
		Logger:       logger,
	})
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, orch: orch, jobs: jobs}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.srv.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out bytes.Buffer
	_, err = out.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, out.Bytes()
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	resp, body := env.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"status":"ok"`)
}

func TestTemplates(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, http.MethodGet, "/api/templates", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list map[string]schema.WorkflowConfiguration
	require.NoError(t, json.Unmarshal(body, &list))
	assert.Contains(t, list, "standard")
	assert.Contains(t, list, "fast_track")
	assert.Contains(t, list, "collaborative")

	resp, body = env.do(t, http.MethodGet, "/api/templates/fast_track", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var cfg schema.WorkflowConfiguration
	require.NoError(t, json.Unmarshal(body, &cfg))
	assert.NotEmpty(t, cfg.Stages)

	resp, _ = env.do(t, http.MethodGet, "/api/templates/nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestTemplateDiagram(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, http.MethodGet, "/api/templates/fast_track/diagram", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "graph TD")

	resp, body = env.do(t, http.MethodGet, "/api/templates/fast_track/diagram?format=ascii", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "Start")

	resp, _ = env.do(t, http.MethodGet, "/api/templates/nope/diagram", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestValidateTemplate(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, http.MethodPost, "/api/templates/validate", schema.WorkflowConfiguration{
		Stages:    []schema.Stage{schema.StageContext, schema.StagePlan},
		TimeoutMs: 1000,
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	resp, body = env.do(t, http.MethodPost, "/api/templates/validate", schema.WorkflowConfiguration{TimeoutMs: 1000})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Contains(t, string(body), "at least one stage is required")
}

func TestExecuteSync(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, http.MethodPost, "/api/workflows", map[string]any{
		"template":   "fast_track",
		"context_id": "ctx-1",
		"input":      map[string]any{"goal": "ship"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var result schema.WorkflowExecutionResult
	require.NoError(t, json.Unmarshal(body, &result))
	assert.Equal(t, schema.WorkflowStatusCompleted, result.Status)
	assert.Equal(t, "ctx-1", result.ContextID)

	resp, body = env.do(t, http.MethodGet, "/api/executions/"+result.ExecutionID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stored schema.WorkflowExecutionResult
	require.NoError(t, json.Unmarshal(body, &stored))
	assert.Equal(t, result.ExecutionID, stored.ExecutionID)

	resp, body = env.do(t, http.MethodGet, "/api/executions/"+result.ExecutionID+"/analysis", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "performance_score")

	// Finished runs cannot be cancelled.
	resp, _ = env.do(t, http.MethodPost, "/api/executions/"+result.ExecutionID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestExecuteRejectsBadRequests(t *testing.T) {
	env := newTestEnv(t)

	resp, _ := env.do(t, http.MethodPost, "/api/workflows", map[string]any{"template": "standard"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = env.do(t, http.MethodPost, "/api/workflows", map[string]any{"template": "nope", "context_id": "c"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body := env.do(t, http.MethodPost, "/api/workflows", map[string]any{
		"context_id": "c",
		"workflow":   map[string]any{"stages": []string{}, "timeout_ms": 1000},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(body), schema.ErrCodeConfiguration)
}

func TestExecuteAsync(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, http.MethodPost, "/api/workflows", map[string]any{
		"context_id": "ctx-async",
		"async":      true,
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var accepted map[string]string
	require.NoError(t, json.Unmarshal(body, &accepted))
	id := accepted["execution_id"]
	require.NotEmpty(t, id)

	assert.Eventually(t, func() bool {
		res, ok := env.orch.GetExecution(id)
		return ok && res.Status == schema.WorkflowStatusCompleted
	}, 5*time.Second, 10*time.Millisecond)
}

func TestExecuteAsync_RejectedBeforeAccept(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, http.MethodPost, "/api/workflows", map[string]any{
		"context_id": "c1",
		"async":      true,
		"workflow":   map[string]any{"stages": []string{}, "timeout_ms": 0},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(body), schema.ErrCodeConfiguration)

	require.NoError(t, env.orch.Shutdown(context.Background()))
	resp, body = env.do(t, http.MethodPost, "/api/workflows", map[string]any{
		"context_id": "c1",
		"async":      true,
	})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Contains(t, string(body), schema.ErrCodeShutdown)
}

func TestCancelUnknownExecution(t *testing.T) {
	env := newTestEnv(t)
	resp, body := env.do(t, http.MethodPost, "/api/executions/missing/cancel", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, string(body), schema.ErrCodeNotFound)
}

func TestInterventions(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, http.MethodGet, "/api/interventions", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{}`, string(body))

	resp, _ = env.do(t, http.MethodPost, "/api/interventions/exec:plan/resolve", map[string]any{"approved": true})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestModules(t *testing.T) {
	env := newTestEnv(t)
	resp, body := env.do(t, http.MethodGet, "/api/modules", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var statuses []modules.Status
	require.NoError(t, json.Unmarshal(body, &statuses))
	assert.Len(t, statuses, len(schema.AllStages()))
}

func TestSchedulerRoutes(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, http.MethodPost, "/api/scheduler", map[string]any{
		"id":       "nightly",
		"template": "standard",
		"cron":     "0 2 * * *",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var job scheduler.Job
	require.NoError(t, json.Unmarshal(body, &job))
	assert.Equal(t, "nightly", job.ID)
	assert.True(t, job.Enabled)
	assert.NotNil(t, job.NextRunAt)

	resp, _ = env.do(t, http.MethodPost, "/api/scheduler", map[string]any{"template": "standard", "cron": "not cron"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = env.do(t, http.MethodPost, "/api/scheduler", map[string]any{"template": "nope", "cron": "@hourly"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = env.do(t, http.MethodGet, "/api/scheduler", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var jobs []scheduler.Job
	require.NoError(t, json.Unmarshal(body, &jobs))
	require.Len(t, jobs, 1)

	resp, _ = env.do(t, http.MethodDelete, "/api/scheduler/nightly", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	left, err := env.jobs.ListJobs(context.Background(), scheduler.JobFilter{})
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestMetricsRoute(t *testing.T) {
	env := newTestEnv(t)
	resp, _ := env.do(t, http.MethodPost, "/api/workflows", map[string]any{"context_id": "m"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := env.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "mplp_coordination_events_total")
	assert.Contains(t, string(body), "mplp_operation_duration_milliseconds")
}

func TestSSEStreamsExecutionEvents(t *testing.T) {
	env := newTestEnv(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, env.srv.URL+"/sse/events?types="+schema.EventWorkflowCompleted, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	got := make(chan string, 1)
	go func() {
		buf := make([]byte, 4096)
		n, _ := resp.Body.Read(buf)
		got <- string(buf[:n])
	}()

	r, _ := env.do(t, http.MethodPost, "/api/workflows", map[string]any{"context_id": "sse"})
	require.Equal(t, http.StatusOK, r.StatusCode)

	select {
	case frame := <-got:
		assert.Contains(t, frame, "event: "+schema.EventWorkflowCompleted)
	case <-time.After(5 * time.Second):
		t.Fatal("no SSE frame received")
	}
}
