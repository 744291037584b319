package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/mplp/coordinator/internal/engine"
	"github.com/mplp/coordinator/internal/events"
	"github.com/mplp/coordinator/internal/scheduler"
)

// Deps holds the dependencies for the API server. Scheduler, Jobs and
// Gatherer are optional; their routes answer 404 when unset.
type Deps struct {
	Orchestrator engine.Orchestrator
	Hub          *events.Hub
	Scheduler    *scheduler.Scheduler
	Jobs         scheduler.JobStore
	Gatherer     prometheus.Gatherer
	Logger       *zap.Logger
}

// Server exposes the orchestrator over HTTP.
type Server struct {
	deps Deps
}

// NewServer creates a Server.
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	deps.Logger = deps.Logger.Named("api")
	return &Server{deps: deps}
}

// Handler returns the HTTP handler for the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)

	mux.HandleFunc("GET /api/templates", s.handleTemplates)
	mux.HandleFunc("GET /api/templates/{name}", s.handleTemplateDetail)
	mux.HandleFunc("GET /api/templates/{name}/diagram", s.handleTemplateDiagram)
	mux.HandleFunc("POST /api/templates/validate", s.handleValidateTemplate)

	mux.HandleFunc("POST /api/workflows", s.handleExecute)
	mux.HandleFunc("GET /api/executions/{id}", s.handleExecution)
	mux.HandleFunc("POST /api/executions/{id}/cancel", s.handleCancel)
	mux.HandleFunc("GET /api/executions/{id}/analysis", s.handleAnalysis)

	mux.HandleFunc("GET /api/interventions", s.handleInterventions)
	mux.HandleFunc("POST /api/interventions/{taskID}/resolve", s.handleResolveIntervention)

	mux.HandleFunc("GET /api/modules", s.handleModules)

	mux.HandleFunc("GET /api/scheduler", s.handleListJobs)
	mux.HandleFunc("POST /api/scheduler", s.handleCreateJob)
	mux.HandleFunc("DELETE /api/scheduler/{id}", s.handleDeleteJob)

	mux.HandleFunc("GET /sse/events", s.handleSSEGlobal)
	mux.HandleFunc("GET /sse/executions/{id}", s.handleSSEExecution)

	if s.deps.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}
