package engine

import (
	"container/list"
	"context"
	"sync"

	"github.com/mplp/coordinator/pkg/schema"
)

// AdmissionStats is a snapshot of the admission queue.
type AdmissionStats struct {
	Active   int `json:"active"`
	Queued   int `json:"queued"`
	Rejected int `json:"rejected"`
}

// Admission bounds how many runs execute at once. Callers beyond the limit
// wait in FIFO order up to maxQueued; past that they get BACKPRESSURE.
// A released slot is handed directly to the oldest waiter.
type Admission struct {
	mu        sync.Mutex
	limit     int
	maxQueued int
	active    int
	rejected  int
	queue     *list.List // of *admissionWaiter
	closed    bool
}

type admissionWaiter struct {
	ready   chan struct{}
	granted bool
	err     error
}

// NewAdmission creates an Admission with the given limits.
func NewAdmission(limit, maxQueued int) *Admission {
	if limit <= 0 {
		limit = 1
	}
	if maxQueued < 0 {
		maxQueued = 0
	}
	return &Admission{limit: limit, maxQueued: maxQueued, queue: list.New()}
}

// Acquire takes a slot, waiting in line if needed. It respects ctx while
// waiting and fails fast once the queue is full or the queue is closed.
func (a *Admission) Acquire(ctx context.Context) error {
	t, err := a.reserve()
	if err != nil {
		return err
	}
	return a.wait(ctx, t)
}

// ticket is a place taken by reserve: a granted slot when w is nil,
// otherwise a position in the queue.
type ticket struct {
	w  *admissionWaiter
	el *list.Element
}

// reserve grants a slot or queues the caller without blocking. It fails
// with BACKPRESSURE when the queue is full and SHUTDOWN once closed.
func (a *Admission) reserve() (*ticket, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, schema.NewError(schema.ErrCodeShutdown, "orchestrator is shutting down")
	}
	if a.active < a.limit && a.queue.Len() == 0 {
		a.active++
		return &ticket{}, nil
	}
	if a.queue.Len() >= a.maxQueued {
		a.rejected++
		return nil, schema.NewErrorf(schema.ErrCodeBackpressure,
			"admission queue full: %d running, %d queued", a.active, a.queue.Len()).
			WithDetails(map[string]any{"max_concurrent": a.limit, "max_queued": a.maxQueued})
	}
	w := &admissionWaiter{ready: make(chan struct{})}
	return &ticket{w: w, el: a.queue.PushBack(w)}, nil
}

// wait blocks until a queued ticket is granted. A granted ticket returns at once.
func (a *Admission) wait(ctx context.Context, t *ticket) error {
	if t.w == nil {
		return nil
	}
	select {
	case <-t.w.ready:
		return t.w.err
	case <-ctx.Done():
		a.mu.Lock()
		defer a.mu.Unlock()
		if t.w.granted {
			// The slot arrived while we gave up; pass it on.
			a.releaseLocked()
		} else if t.w.err == nil {
			a.queue.Remove(t.el)
		}
		return ctx.Err()
	}
}

// Release returns a slot taken by a successful Acquire.
func (a *Admission) Release() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.releaseLocked()
}

func (a *Admission) releaseLocked() {
	if front := a.queue.Front(); front != nil && !a.closed {
		w := a.queue.Remove(front).(*admissionWaiter)
		w.granted = true
		close(w.ready)
		return
	}
	if a.active > 0 {
		a.active--
	}
}

// Close rejects new callers and every caller still waiting.
func (a *Admission) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	a.closed = true
	for e := a.queue.Front(); e != nil; e = a.queue.Front() {
		w := a.queue.Remove(e).(*admissionWaiter)
		w.err = schema.NewError(schema.ErrCodeShutdown, "orchestrator is shutting down")
		close(w.ready)
	}
}

// Stats returns the current counters.
func (a *Admission) Stats() AdmissionStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return AdmissionStats{Active: a.active, Queued: a.queue.Len(), Rejected: a.rejected}
}
