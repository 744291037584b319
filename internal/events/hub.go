package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mplp/coordinator/pkg/schema"
)

const defaultChannelBuffer = 64

// Emitter is the sink components use to publish coordination events.
type Emitter interface {
	Emit(ctx context.Context, event schema.CoordinationEvent)
}

// Filter specifies which events a subscriber wants to receive.
type Filter struct {
	ExecutionID string   `json:"execution_id,omitempty"`
	EventTypes  []string `json:"event_types,omitempty"`
}

type subscriber struct {
	ch     chan schema.CoordinationEvent
	filter Filter
}

// Hub is an in-memory Emitter with filtered fan-out to subscribers.
type Hub struct {
	mu      sync.RWMutex
	subs    map[uint64]*subscriber
	seq     atomic.Uint64
	dropped atomic.Uint64
	logger  *zap.Logger
}

// NewHub creates a new Hub. A nil logger disables event logging.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		subs:   make(map[uint64]*subscriber),
		logger: logger,
	}
}

// Emit stamps the event (id, timestamp) when missing and sends it to all
// matching subscribers. Never blocks: a full subscriber misses the event.
func (h *Hub) Emit(_ context.Context, event schema.CoordinationEvent) {
	event = Stamp(event)

	h.logger.Debug("coordination event",
		zap.String("event_type", event.EventType),
		zap.String("execution_id", event.ExecutionID),
		zap.String("stage", string(event.Stage)),
	)

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subs {
		if !matchFilter(sub.filter, event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			h.dropped.Add(1)
		}
	}
}

// Subscribe creates a new subscription filtered by the given Filter.
// Returns a receive-only channel and a cancel function. Cancel closes the
// channel.
func (h *Hub) Subscribe(ctx context.Context, filter Filter) (<-chan schema.CoordinationEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	id := h.seq.Add(1)
	ch := make(chan schema.CoordinationEvent, defaultChannelBuffer)

	h.mu.Lock()
	h.subs[id] = &subscriber{ch: ch, filter: filter}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			close(ch)
			h.mu.Unlock()
		})
	}

	return ch, cancel, nil
}

// Dropped returns how many deliveries were skipped because a subscriber was full.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

// Stamp fills in the event ID and timestamp when they are missing.
func Stamp(event schema.CoordinationEvent) schema.CoordinationEvent {
	if event.EventID == "" {
		event.EventID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	return event
}

func matchFilter(f Filter, e schema.CoordinationEvent) bool {
	if f.ExecutionID != "" && f.ExecutionID != e.ExecutionID {
		return false
	}
	if len(f.EventTypes) == 0 {
		return true
	}
	for _, t := range f.EventTypes {
		if t == e.EventType {
			return true
		}
	}
	return false
}

// Multi fans one event out to several emitters.
type Multi []Emitter

// Emit forwards the event to each non-nil emitter.
func (m Multi) Emit(ctx context.Context, event schema.CoordinationEvent) {
	event = Stamp(event)
	for _, e := range m {
		if e != nil {
			e.Emit(ctx, event)
		}
	}
}
