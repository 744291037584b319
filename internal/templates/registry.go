package templates

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/mplp/coordinator/pkg/schema"
)

// Built-in template names.
const (
	TemplateStandard      = "standard"
	TemplateFastTrack     = "fast_track"
	TemplateCollaborative = "collaborative"
)

// ConditionCompiler checks stage condition expressions. Satisfied by *conditions.Evaluator.
type ConditionCompiler interface {
	Compile(expression string) error
}

// Registry stores named workflow configurations.
type Registry struct {
	mu        sync.RWMutex
	templates map[string]*schema.WorkflowConfiguration
	compiler  ConditionCompiler
	logger    *zap.Logger
}

// NewRegistry creates a registry pre-loaded with the built-in templates.
// compiler may be nil, in which case stage conditions are not checked.
func NewRegistry(compiler ConditionCompiler, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		templates: make(map[string]*schema.WorkflowConfiguration),
		compiler:  compiler,
		logger:    logger,
	}
	for name, cfg := range builtinTemplates() {
		r.templates[name] = cfg
	}
	return r
}

// Get returns a copy of the named template.
func (r *Registry) Get(name string) (*schema.WorkflowConfiguration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.templates[name]
	if !ok {
		return nil, false
	}
	return cfg.Clone(), true
}

// Register stores cfg under name. An existing template with the same name is
// replaced; the overwrite is logged.
func (r *Registry) Register(name string, cfg *schema.WorkflowConfiguration) {
	cp := cfg.Clone()
	if cp != nil && cp.Name == "" {
		cp.Name = name
	}

	r.mu.Lock()
	_, exists := r.templates[name]
	r.templates[name] = cp
	r.mu.Unlock()

	if exists {
		r.logger.Warn("workflow template overwritten", zap.String("template", name))
		return
	}
	r.logger.Debug("workflow template registered", zap.String("template", name))
}

// Names returns the registered template names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.templates))
	for name := range r.templates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate runs ValidateWorkflowConfiguration with the registry's condition compiler.
func (r *Registry) Validate(cfg *schema.WorkflowConfiguration) *schema.ValidationResult {
	return ValidateWorkflowConfiguration(cfg, r.compiler)
}

func builtinTemplates() map[string]*schema.WorkflowConfiguration {
	standard := defaultConfiguration()
	standard.Name = TemplateStandard
	standard.Stages = []schema.Stage{schema.StageContext, schema.StagePlan, schema.StageConfirm, schema.StageTrace}

	fast := defaultConfiguration()
	fast.Name = TemplateFastTrack
	fast.Stages = []schema.Stage{schema.StageContext, schema.StagePlan, schema.StageTrace}
	fast.ParallelExecution = true
	fast.TimeoutMs = 60000
	fast.RetryPolicy.MaxAttempts = 1

	collab := defaultConfiguration()
	collab.Name = TemplateCollaborative
	collab.Stages = []schema.Stage{
		schema.StageContext, schema.StageRole, schema.StagePlan,
		schema.StageCollab, schema.StageConfirm, schema.StageTrace,
	}
	collab.TimeoutMs = 600000

	return map[string]*schema.WorkflowConfiguration{
		TemplateStandard:      standard,
		TemplateFastTrack:     fast,
		TemplateCollaborative: collab,
	}
}
