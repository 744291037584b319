package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mplp/coordinator/pkg/schema"
)

func TestEmitSubscribe(t *testing.T) {
	hub := NewHub(nil)
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, Filter{})
	require.NoError(t, err)
	defer cancel()

	hub.Emit(ctx, schema.CoordinationEvent{
		EventType:   schema.EventStageCompleted,
		ExecutionID: "exec-1",
		Stage:       schema.StagePlan,
	})

	select {
	case got := <-ch:
		assert.Equal(t, "exec-1", got.ExecutionID)
		assert.Equal(t, schema.StagePlan, got.Stage)
		assert.NotEmpty(t, got.EventID)
		assert.False(t, got.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestFilterByExecutionAndType(t *testing.T) {
	hub := NewHub(nil)
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, Filter{
		ExecutionID: "exec-1",
		EventTypes:  []string{schema.EventWorkflowFailed},
	})
	require.NoError(t, err)
	defer cancel()

	hub.Emit(ctx, schema.CoordinationEvent{EventType: schema.EventWorkflowFailed, ExecutionID: "exec-2"})
	hub.Emit(ctx, schema.CoordinationEvent{EventType: schema.EventStageStarted, ExecutionID: "exec-1"})
	hub.Emit(ctx, schema.CoordinationEvent{EventType: schema.EventWorkflowFailed, ExecutionID: "exec-1"})

	select {
	case got := <-ch:
		assert.Equal(t, "exec-1", got.ExecutionID)
		assert.Equal(t, schema.EventWorkflowFailed, got.EventType)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}

	select {
	case evt := <-ch:
		t.Fatalf("unexpected event: %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCancelSubscription(t *testing.T) {
	hub := NewHub(nil)
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, Filter{})
	require.NoError(t, err)
	cancel()
	cancel()

	hub.Emit(ctx, schema.CoordinationEvent{EventType: schema.EventStageStarted})

	evt, ok := <-ch
	assert.False(t, ok, "channel should be closed, got %+v", evt)

	hub.mu.RLock()
	assert.Empty(t, hub.subs)
	hub.mu.RUnlock()
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	hub := NewHub(nil)
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, Filter{})
	require.NoError(t, err)
	defer cancel()

	for i := 0; i < defaultChannelBuffer+10; i++ {
		hub.Emit(ctx, schema.CoordinationEvent{EventType: schema.EventStageStarted})
	}

	assert.Len(t, ch, defaultChannelBuffer)
	assert.Equal(t, uint64(10), hub.Dropped())
}

func TestSubscribeCancelledContext(t *testing.T) {
	hub := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := hub.Subscribe(ctx, Filter{})
	assert.ErrorIs(t, err, context.Canceled)
}
