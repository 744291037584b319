package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mplp/coordinator/pkg/schema"
)

// DefaultPrefix namespaces the pub/sub channels.
const DefaultPrefix = "mplp"

const (
	// DefaultEventBuffer is how many events may wait for publishing before
	// new ones are dropped.
	DefaultEventBuffer = 256

	publishTimeout = 5 * time.Second
)

// Publisher is the part of a redis client the sink needs.
type Publisher interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

// RedisConfig configures the redis connection.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// NewRedisClient connects to redis and checks the connection.
func NewRedisClient(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	return client, nil
}

// RedisSink publishes notifications and coordination events as JSON on
// redis pub/sub. Notifications go to <prefix>:notify:<channel>, events to
// <prefix>:events. Events are published by a background worker from a
// bounded buffer; Close drains it.
type RedisSink struct {
	client Publisher
	prefix string
	logger *zap.Logger
	now    func() time.Time

	mu      sync.RWMutex
	closed  bool
	queue   chan queuedEvent
	done    chan struct{}
	dropped atomic.Int64
}

type queuedEvent struct {
	ctx   context.Context
	event schema.CoordinationEvent
}

// NewRedisSink creates a RedisSink and starts its event worker. An empty
// prefix uses DefaultPrefix.
func NewRedisSink(client Publisher, prefix string, logger *zap.Logger) *RedisSink {
	return newRedisSink(client, prefix, logger, DefaultEventBuffer)
}

func newRedisSink(client Publisher, prefix string, logger *zap.Logger, buffer int) *RedisSink {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &RedisSink{
		client: client,
		prefix: prefix,
		logger: logger.Named("notify.redis"),
		now:    time.Now,
		queue:  make(chan queuedEvent, buffer),
		done:   make(chan struct{}),
	}
	go s.worker()
	return s
}

// Notify publishes one notification. It has the shape of a
// resolver.NotificationHandler.
func (s *RedisSink) Notify(ctx context.Context, channel, message string, data map[string]any) error {
	payload, err := json.Marshal(Message{
		Channel:   channel,
		Message:   message,
		Data:      data,
		Timestamp: s.now().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	return s.publish(ctx, s.prefix+":notify:"+channel, payload)
}

// Emit queues a coordination event for publishing and returns at once.
// Events arriving while the buffer is full or after Close are dropped.
func (s *RedisSink) Emit(ctx context.Context, event schema.CoordinationEvent) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.drop(event, "sink closed")
		return
	}
	select {
	case s.queue <- queuedEvent{ctx: context.WithoutCancel(ctx), event: event}:
	default:
		s.drop(event, "buffer full")
	}
}

// Dropped returns how many events were discarded without publishing.
func (s *RedisSink) Dropped() int64 { return s.dropped.Load() }

// Close stops accepting events and waits until the buffered ones are
// published or ctx is done.
func (s *RedisSink) Close(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.mu.Unlock()

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain redis events: %w", ctx.Err())
	}
}

func (s *RedisSink) drop(event schema.CoordinationEvent, reason string) {
	s.dropped.Add(1)
	s.logger.Warn("event dropped", zap.String("event_type", event.EventType), zap.String("reason", reason))
}

func (s *RedisSink) worker() {
	defer close(s.done)
	for q := range s.queue {
		payload, err := json.Marshal(q.event)
		if err != nil {
			s.logger.Warn("encode event", zap.String("event_type", q.event.EventType), zap.Error(err))
			continue
		}
		ctx, cancel := context.WithTimeout(q.ctx, publishTimeout)
		if err := s.publish(ctx, s.prefix+":events", payload); err != nil {
			s.logger.Warn("publish event", zap.String("event_type", q.event.EventType), zap.Error(err))
		}
		cancel()
	}
}

func (s *RedisSink) publish(ctx context.Context, channel string, payload []byte) error {
	if err := s.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", channel, err)
	}
	return nil
}
