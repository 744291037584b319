package api

import (
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mplp/coordinator/internal/diagram"
	"github.com/mplp/coordinator/internal/logging"
	"github.com/mplp/coordinator/internal/scheduler"
	"github.com/mplp/coordinator/internal/templates"
	"github.com/mplp/coordinator/pkg/schema"
)

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"admission": s.deps.Orchestrator.Admission(),
	})
}

// --- Templates ---

func (s *Server) handleTemplates(w http.ResponseWriter, _ *http.Request) {
	reg := s.deps.Orchestrator.Templates()
	out := make(map[string]*schema.WorkflowConfiguration)
	for _, name := range reg.Names() {
		if cfg, ok := reg.Get(name); ok {
			out[name] = cfg
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleTemplateDetail(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	cfg, ok := s.deps.Orchestrator.Templates().Get(name)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("workflow template %q not found", name))
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// handleTemplateDiagram draws a template. ?format=ascii switches from Mermaid.
func (s *Server) handleTemplateDiagram(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	cfg, ok := s.deps.Orchestrator.Templates().Get(name)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("workflow template %q not found", name))
		return
	}
	model, err := diagram.Build(cfg, nil)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if r.URL.Query().Get("format") == "ascii" {
		_, _ = io.WriteString(w, diagram.RenderASCII(model))
		return
	}
	_, _ = io.WriteString(w, diagram.RenderMermaid(model))
}

func (s *Server) handleValidateTemplate(w http.ResponseWriter, r *http.Request) {
	var cfg schema.WorkflowConfiguration
	if err := decodeBody(r, &cfg); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	res := s.deps.Orchestrator.Templates().Validate(&cfg)
	status := http.StatusOK
	if !res.IsValid() {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, map[string]any{
		"valid":    res.IsValid(),
		"errors":   res.Errors,
		"warnings": res.Warnings,
	})
}

// --- Executions ---

type executeRequest struct {
	Template  string                        `json:"template"`
	Workflow  *schema.WorkflowConfiguration `json:"workflow"`
	ContextID string                        `json:"context_id"`
	Input     map[string]any                `json:"input"`
	Async     bool                          `json:"async"`
}

// handleExecute runs a workflow. Sync requests answer with the result;
// async ones answer 202 with the execution id to poll.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var body executeRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if body.ContextID == "" {
		writeError(w, http.StatusBadRequest, "context_id is required")
		return
	}

	cfg := body.Workflow
	if cfg == nil && body.Template != "" {
		tpl, ok := s.deps.Orchestrator.Templates().Get(body.Template)
		if !ok {
			writeError(w, http.StatusNotFound, fmt.Sprintf("workflow template %q not found", body.Template))
			return
		}
		cfg = tpl
	}

	if !body.Async {
		result, err := s.deps.Orchestrator.ExecuteWorkflow(r.Context(), body.ContextID, body.Input, cfg)
		if err != nil {
			writeCoordinationError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
		return
	}

	ctx := logging.WithExecutionID(r.Context(), uuid.NewString())
	execID, err := s.deps.Orchestrator.Submit(ctx, body.ContextID, body.Input, cfg)
	if err != nil {
		writeCoordinationError(w, err)
		return
	}
	s.deps.Logger.Info("async workflow accepted",
		zap.String("execution_id", execID),
		zap.String("context_id", body.ContextID))
	writeJSON(w, http.StatusAccepted, map[string]string{"execution_id": execID})
}

func (s *Server) handleExecution(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	result, ok := s.deps.Orchestrator.GetExecution(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("execution %q not found", id))
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	stages, err := s.deps.Orchestrator.Cancel(r.Context(), id)
	if err != nil {
		writeCoordinationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"execution_id": id,
		"stages":       stages,
	})
}

func (s *Server) handleAnalysis(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	result, ok := s.deps.Orchestrator.GetExecution(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("execution %q not found", id))
		return
	}
	writeJSON(w, http.StatusOK, templates.AnalyzeWorkflowResult(result))
}

// --- Interventions ---

func (s *Server) handleInterventions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Orchestrator.Resolver().GetPendingInterventions())
}

func (s *Server) handleResolveIntervention(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("taskID")
	var body struct {
		Approved   bool   `json:"approved"`
		Resolution string `json:"resolution"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if !s.deps.Orchestrator.Resolver().ProvideManualIntervention(r.Context(), taskID, body.Approved, body.Resolution) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("no pending intervention for task %q", taskID))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"task_id":    taskID,
		"approved":   body.Approved,
		"resolution": body.Resolution,
	})
}

func (s *Server) handleModules(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Orchestrator.Modules().Statuses())
}

// --- Scheduler ---

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	if s.deps.Jobs == nil {
		writeError(w, http.StatusNotFound, "scheduler not enabled")
		return
	}
	jobs, err := s.deps.Jobs.ListJobs(r.Context(), scheduler.JobFilter{Template: r.URL.Query().Get("template")})
	if err != nil {
		writeCoordinationError(w, err)
		return
	}
	if jobs == nil {
		jobs = []*scheduler.Job{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scheduler == nil {
		writeError(w, http.StatusNotFound, "scheduler not enabled")
		return
	}
	var job scheduler.Job
	if err := decodeBody(r, &job); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if _, ok := s.deps.Orchestrator.Templates().Get(job.Template); !ok {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("workflow template %q not found", job.Template))
		return
	}
	job.Enabled = true
	created, err := s.deps.Scheduler.AddJob(r.Context(), job)
	if err != nil {
		writeCoordinationError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	if s.deps.Jobs == nil {
		writeError(w, http.StatusNotFound, "scheduler not enabled")
		return
	}
	id := r.PathValue("id")
	if err := s.deps.Jobs.DeleteJob(r.Context(), id); err != nil {
		writeCoordinationError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
