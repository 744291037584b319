package modules

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/mplp/coordinator/pkg/schema"
)

// Coordinator owns the module registered for each stage kind.
type Coordinator struct {
	mu      sync.RWMutex
	modules map[schema.Stage]Module
	logger  *zap.Logger
}

// NewCoordinator creates an empty Coordinator.
func NewCoordinator(logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		modules: make(map[schema.Stage]Module),
		logger:  logger.Named("modules"),
	}
}

// Register initializes m and makes it the module for its kind. A module
// already registered for the kind is cleaned up and replaced.
func (c *Coordinator) Register(ctx context.Context, m Module) error {
	if m == nil {
		return schema.NewError(schema.ErrCodeConfiguration, "module is nil")
	}
	kind := m.Kind()
	if !kind.Valid() {
		return schema.NewErrorf(schema.ErrCodeConfiguration, "unknown module kind %q", kind)
	}
	if err := m.Initialize(ctx); err != nil {
		return schema.NewErrorf(schema.ErrCodeConfiguration, "initialize %s module: %s", kind, err).
			WithStage(kind).WithCause(err)
	}

	c.mu.Lock()
	prev, replaced := c.modules[kind]
	c.modules[kind] = m
	c.mu.Unlock()

	if replaced && prev != m {
		if err := prev.Cleanup(ctx); err != nil {
			c.logger.Warn("cleanup of replaced module failed", zap.String("stage", string(kind)), zap.Error(err))
		}
	}
	c.logger.Info("module registered", zap.String("stage", string(kind)), zap.Bool("replaced", replaced))
	return nil
}

// Lookup returns the module serving stage.
func (c *Coordinator) Lookup(stage schema.Stage) (Module, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.modules[stage]
	return m, ok
}

// Require checks that every stage has a module, failing on the first missing one.
func (c *Coordinator) Require(stages []schema.Stage) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, s := range stages {
		if _, ok := c.modules[s]; !ok {
			return schema.NewErrorf(schema.ErrCodeModuleNotRegistered, "no module registered for stage %s", s).WithStage(s)
		}
	}
	return nil
}

// Kinds returns the registered kinds in canonical stage order.
func (c *Coordinator) Kinds() []schema.Stage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []schema.Stage
	for _, s := range schema.AllStages() {
		if _, ok := c.modules[s]; ok {
			out = append(out, s)
		}
	}
	return out
}

// Statuses reports every registered module's status.
func (c *Coordinator) Statuses() []Status {
	kinds := c.Kinds()
	out := make([]Status, 0, len(kinds))
	for _, k := range kinds {
		if m, ok := c.Lookup(k); ok {
			out = append(out, m.Status())
		}
	}
	return out
}

// CleanupAll cleans up every module and unregisters it. All modules are
// visited; errors are joined.
func (c *Coordinator) CleanupAll(ctx context.Context) error {
	c.mu.Lock()
	mods := c.modules
	c.modules = make(map[schema.Stage]Module)
	c.mu.Unlock()

	var errs []error
	for _, s := range schema.AllStages() {
		m, ok := mods[s]
		if !ok {
			continue
		}
		if err := m.Cleanup(ctx); err != nil {
			errs = append(errs, fmt.Errorf("cleanup %s: %w", s, err))
		}
	}
	return errors.Join(errs...)
}
