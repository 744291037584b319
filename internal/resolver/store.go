package resolver

import (
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// deliveredTTL bounds how long a decision nobody awaited is kept around.
const deliveredTTL = 10 * time.Minute

// keyedLocks hands out one mutex per key. Entries are reference counted and
// dropped once no episode holds or waits on them.
type keyedLocks struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{locks: make(map[string]*keyLock)}
}

// Lock blocks until key is free and returns the matching unlock func.
func (k *keyedLocks) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// PendingIntervention is a failure episode waiting on an external decision.
type PendingIntervention struct {
	TaskID    string    `json:"task_id"`
	PlanID    string    `json:"plan_id"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// Decision is the outcome delivered through ProvideManualIntervention.
type Decision struct {
	Approved   bool   `json:"approved"`
	Resolution string `json:"resolution"`
}

type pendingEntry struct {
	info     PendingIntervention
	decision chan Decision
}

// store holds retry counters and pending interventions keyed by task id.
type store struct {
	mu        sync.Mutex
	counters  map[string]int
	pending   map[string]*pendingEntry
	delivered *gocache.Cache // decided before anyone awaited
}

func newStore() *store {
	return &store{
		counters:  make(map[string]int),
		pending:   make(map[string]*pendingEntry),
		delivered: gocache.New(deliveredTTL, time.Minute),
	}
}

func (s *store) count(taskID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters[taskID]
}

func (s *store) increment(taskID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[taskID]++
	return s.counters[taskID]
}

func (s *store) reset(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.counters, taskID)
}

// register adds a pending entry unless one already exists for the task.
// It reports whether a new entry was created.
func (s *store) register(info PendingIntervention) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pending[info.TaskID]; ok {
		return false
	}
	s.delivered.Delete(info.TaskID)
	s.pending[info.TaskID] = &pendingEntry{info: info, decision: make(chan Decision, 1)}
	return true
}

// resolve removes the pending entry and hands the decision to its waiter.
func (s *store) resolve(taskID string, d Decision) (PendingIntervention, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.pending[taskID]
	if !ok {
		return PendingIntervention{}, false
	}
	delete(s.pending, taskID)
	s.delivered.SetDefault(taskID, d)
	entry.decision <- d
	return entry.info, true
}

// waiter returns the channel the decision for taskID arrives on. A decision
// that was delivered before the call is returned directly.
func (s *store) waiter(taskID string) (<-chan Decision, *Decision, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.pending[taskID]; ok {
		return entry.decision, nil, true
	}
	if v, ok := s.delivered.Get(taskID); ok {
		s.delivered.Delete(taskID)
		d := v.(Decision)
		return nil, &d, true
	}
	return nil, nil, false
}

func (s *store) consume(taskID string) {
	s.delivered.Delete(taskID)
}

func (s *store) cancel(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, pending := s.pending[taskID]
	_, delivered := s.delivered.Get(taskID)
	delete(s.pending, taskID)
	s.delivered.Delete(taskID)
	return pending || delivered
}

func (s *store) snapshot() map[string]PendingIntervention {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]PendingIntervention, len(s.pending))
	for id, e := range s.pending {
		out[id] = e.info
	}
	return out
}
