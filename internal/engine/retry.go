package engine

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/mplp/coordinator/pkg/schema"
)

// ComputeBackoff returns the delay before retry number attempt (zero-based):
// delay_ms × backoff_multiplier^attempt, capped at max_delay_ms when set.
func ComputeBackoff(policy schema.RetryPolicy, attempt int) time.Duration {
	if policy.DelayMs <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	mult := policy.BackoffMultiplier
	if mult <= 0 {
		mult = 1
	}

	ms := float64(policy.DelayMs) * math.Pow(mult, float64(attempt))
	if policy.MaxDelayMs > 0 && ms > float64(policy.MaxDelayMs) {
		ms = float64(policy.MaxDelayMs)
	}
	if ms > float64(math.MaxInt64/int64(time.Millisecond)) {
		ms = float64(math.MaxInt64 / int64(time.Millisecond))
	}
	return time.Duration(ms) * time.Millisecond
}

// errTimersStopped is returned by a wait that was cut short by stopAll.
var errTimersStopped = errors.New("retry timers stopped")

// retryTimers tracks the backoff timers of one run so cancelling the run
// stops every outstanding timer and no stale retry fires afterwards.
type retryTimers struct {
	mu      sync.Mutex
	timers  map[uint64]*time.Timer
	next    uint64
	stopped bool
	done    chan struct{}
}

func newRetryTimers() *retryTimers {
	return &retryTimers{
		timers: make(map[uint64]*time.Timer),
		done:   make(chan struct{}),
	}
}

// wait blocks for d, or until ctx ends or the set is stopped.
func (r *retryTimers) wait(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return errTimersStopped
	}
	if d <= 0 {
		r.mu.Unlock()
		return ctx.Err()
	}
	id := r.next
	r.next++
	t := time.NewTimer(d)
	r.timers[id] = t
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.timers, id)
		r.mu.Unlock()
		t.Stop()
	}()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-r.done:
		return errTimersStopped
	}
}

// stopAll stops every pending timer and fails any later wait. It returns
// the number of timers that were pending.
func (r *retryTimers) stopAll() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return 0
	}
	r.stopped = true
	n := len(r.timers)
	for _, t := range r.timers {
		t.Stop()
	}
	close(r.done)
	return n
}

func (r *retryTimers) pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.timers)
}
