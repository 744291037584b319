package scheduler

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/mplp/coordinator/pkg/schema"
)

// Job runs a workflow template on a cron schedule.
type Job struct {
	ID              string         `json:"id" mapstructure:"id"`
	Template        string         `json:"template" mapstructure:"template"`
	CronExpression  string         `json:"cron" mapstructure:"cron"`
	ContextID       string         `json:"context_id,omitempty" mapstructure:"context_id"`
	Input           map[string]any `json:"input,omitempty" mapstructure:"input"`
	Enabled         bool           `json:"enabled" mapstructure:"enabled"`
	NextRunAt       *time.Time     `json:"next_run_at,omitempty" mapstructure:"-"`
	LastRunAt       *time.Time     `json:"last_run_at,omitempty" mapstructure:"-"`
	LastRunStatus   string         `json:"last_run_status,omitempty" mapstructure:"-"`
	LastExecutionID string         `json:"last_execution_id,omitempty" mapstructure:"-"`
}

// JobFilter narrows ListJobs.
type JobFilter struct {
	Enabled  *bool
	Template string
}

// JobUpdate holds the fields UpdateJob changes. Nil and empty fields are left alone.
type JobUpdate struct {
	Enabled         *bool
	NextRunAt       *time.Time
	LastRunAt       *time.Time
	LastRunStatus   string
	LastExecutionID string
}

// JobStore keeps scheduled jobs.
type JobStore interface {
	CreateJob(ctx context.Context, job *Job) error
	GetJob(ctx context.Context, id string) (*Job, error)
	UpdateJob(ctx context.Context, id string, update JobUpdate) error
	ListJobs(ctx context.Context, filter JobFilter) ([]*Job, error)
	DeleteJob(ctx context.Context, id string) error
}

// MemoryStore is a JobStore held in process memory.
type MemoryStore struct {
	mu   sync.Mutex
	jobs map[string]*Job
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*Job)}
}

func (m *MemoryStore) CreateJob(_ context.Context, job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; ok {
		return schema.NewErrorf(schema.ErrCodeConfiguration, "scheduled job %q already exists", job.ID)
	}
	m.jobs[job.ID] = copyJob(job)
	return nil
}

func (m *MemoryStore) GetJob(_ context.Context, id string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "scheduled job %q not found", id)
	}
	return copyJob(j), nil
}

func (m *MemoryStore) UpdateJob(_ context.Context, id string, update JobUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "scheduled job %q not found", id)
	}
	if update.Enabled != nil {
		j.Enabled = *update.Enabled
	}
	if update.NextRunAt != nil {
		j.NextRunAt = update.NextRunAt
	}
	if update.LastRunAt != nil {
		j.LastRunAt = update.LastRunAt
	}
	if update.LastRunStatus != "" {
		j.LastRunStatus = update.LastRunStatus
	}
	if update.LastExecutionID != "" {
		j.LastExecutionID = update.LastExecutionID
	}
	return nil
}

// ListJobs returns matching jobs sorted by id.
func (m *MemoryStore) ListJobs(_ context.Context, filter JobFilter) ([]*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := slices.Sorted(maps.Keys(m.jobs))
	var out []*Job
	for _, id := range ids {
		j := m.jobs[id]
		if filter.Enabled != nil && j.Enabled != *filter.Enabled {
			continue
		}
		if filter.Template != "" && j.Template != filter.Template {
			continue
		}
		out = append(out, copyJob(j))
	}
	return out, nil
}

func (m *MemoryStore) DeleteJob(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs, id)
	return nil
}

func copyJob(j *Job) *Job {
	cp := *j
	cp.Input = maps.Clone(j.Input)
	return &cp
}
