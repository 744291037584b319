// Package history keeps recently finished workflow results in memory.
package history

import (
	"slices"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/mplp/coordinator/pkg/schema"
)

const (
	DefaultTTL             = 15 * time.Minute
	DefaultCleanupInterval = time.Minute
)

// Store is a TTL cache of finished results keyed by execution id.
type Store struct {
	c *gocache.Cache
}

// New creates a Store. Non-positive durations fall back to the defaults.
func New(ttl, cleanup time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if cleanup <= 0 {
		cleanup = DefaultCleanupInterval
	}
	return &Store{c: gocache.New(ttl, cleanup)}
}

// Put stores a copy of result.
func (s *Store) Put(result *schema.WorkflowExecutionResult) {
	if result == nil || result.ExecutionID == "" {
		return
	}
	s.c.SetDefault(result.ExecutionID, clone(result))
}

// Get returns a copy of the stored result.
func (s *Store) Get(executionID string) (*schema.WorkflowExecutionResult, bool) {
	v, ok := s.c.Get(executionID)
	if !ok {
		return nil, false
	}
	return clone(v.(*schema.WorkflowExecutionResult)), true
}

// Len returns the number of stored results, expired ones included until
// the next cleanup.
func (s *Store) Len() int {
	return s.c.ItemCount()
}

// Flush removes everything.
func (s *Store) Flush() {
	s.c.Flush()
}

func clone(r *schema.WorkflowExecutionResult) *schema.WorkflowExecutionResult {
	cp := *r
	cp.Stages = slices.Clone(r.Stages)
	return &cp
}
