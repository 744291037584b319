// Package eventstest provides an in-memory event emitter for tests.
package eventstest

import (
	"context"
	"sync"

	"github.com/mplp/coordinator/internal/events"
	"github.com/mplp/coordinator/pkg/schema"
)

var _ events.Emitter = (*Recorder)(nil)

// Recorder is an Emitter that keeps every event in memory, in emission order.
type Recorder struct {
	mu     sync.Mutex
	events []schema.CoordinationEvent
}

// Emit appends the event.
func (r *Recorder) Emit(_ context.Context, event schema.CoordinationEvent) {
	event = events.Stamp(event)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []schema.CoordinationEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]schema.CoordinationEvent(nil), r.events...)
}

// Types returns the recorded event types in order.
func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.EventType
	}
	return out
}

// Count returns how many events of the given type were recorded.
func (r *Recorder) Count(eventType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.EventType == eventType {
			n++
		}
	}
	return n
}
