package chat

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventBus_PublishReachesAllListeners(t *testing.T) {
	bus := NewEventBus()

	var calls atomic.Int32
	for i := 0; i < 3; i++ {
		bus.Subscribe(EventGenerationComplete, func(ctx context.Context, event *GenerationEvent) error {
			calls.Add(1)
			return nil
		})
	}

	err := bus.Publish(context.Background(), &GenerationEvent{
		Type:           EventGenerationComplete,
		ConversationID: "c1",
	})
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestEventBus_NoListenersIsNoop(t *testing.T) {
	bus := NewEventBus()
	err := bus.Publish(context.Background(), &GenerationEvent{Type: EventGenerationStart})
	assert.NoError(t, err)
}

func TestEventBus_ListenerPanicIsRecovered(t *testing.T) {
	bus := NewEventBus()

	var survived atomic.Bool
	bus.Subscribe(EventGenerationError, func(ctx context.Context, event *GenerationEvent) error {
		panic("listener bug")
	})
	bus.Subscribe(EventGenerationError, func(ctx context.Context, event *GenerationEvent) error {
		survived.Store(true)
		return nil
	})

	err := bus.Publish(context.Background(), &GenerationEvent{Type: EventGenerationError})
	assert.Error(t, err)
	assert.True(t, survived.Load(), "a panicking listener must not take down the others")
}

func TestEventBus_ListenerTimeout(t *testing.T) {
	bus := NewEventBus()
	bus.SetTimeout(50 * time.Millisecond)

	bus.Subscribe(EventGenerationCancelled, func(ctx context.Context, event *GenerationEvent) error {
		<-ctx.Done()
		return ctx.Err()
	})

	start := time.Now()
	err := bus.Publish(context.Background(), &GenerationEvent{Type: EventGenerationCancelled})
	assert.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestEventBus_EventTypeIsolation(t *testing.T) {
	bus := NewEventBus()

	var wrong atomic.Bool
	bus.Subscribe(EventGenerationStart, func(ctx context.Context, event *GenerationEvent) error {
		wrong.Store(true)
		return nil
	})

	err := bus.Publish(context.Background(), &GenerationEvent{Type: EventGenerationComplete})
	require.NoError(t, err)
	assert.False(t, wrong.Load())
}
