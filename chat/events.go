package chat

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// GenerationEvent describes a lifecycle transition of one generation channel.
type GenerationEvent struct {
	Type           GenerationEventType
	ConversationID string
	MessageID      string
	Model          string
	Text           string
	ErrorMessage   string
	Timestamp      int64
}

// GenerationEventType represents the type of generation event.
type GenerationEventType string

const (
	// EventGenerationStart is fired once per send, after the placeholders
	// are persisted and before the first backend call.
	EventGenerationStart GenerationEventType = "generation_start"
	// EventGenerationComplete is fired when a channel finishes normally.
	EventGenerationComplete GenerationEventType = "generation_complete"
	// EventGenerationError is fired when a channel terminates in error.
	EventGenerationError GenerationEventType = "generation_error"
	// EventGenerationCancelled is fired when the user cancels a channel.
	EventGenerationCancelled GenerationEventType = "generation_cancelled"
)

// GenerationEventListener is a function that processes generation events.
//
// Listeners MUST respect context cancellation: the context passed to a
// listener has a timeout (default 5s), and a listener that ignores it keeps
// running in the background after timeout, which is a resource leak.
type GenerationEventListener func(ctx context.Context, event *GenerationEvent) error

// EventBus manages generation event listeners.
//
// Listeners are invoked concurrently with a per-listener timeout.
type EventBus struct {
	listeners map[GenerationEventType][]GenerationEventListener
	mu        sync.RWMutex
	timeout   time.Duration
}

// NewEventBus creates a new event bus with the default listener timeout.
func NewEventBus() *EventBus {
	return &EventBus{
		listeners: make(map[GenerationEventType][]GenerationEventListener),
		timeout:   5 * time.Second,
	}
}

// SetTimeout sets the timeout for event listeners.
func (b *EventBus) SetTimeout(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.timeout = d
}

// Subscribe registers a listener for a specific event type.
func (b *EventBus) Subscribe(eventType GenerationEventType, listener GenerationEventListener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners[eventType] = append(b.listeners[eventType], listener)
}

// Publish emits an event to all registered listeners.
//
// Listeners run concurrently, each with its own timeout context. If any
// listener fails, the first error is returned, but every listener still
// executes.
func (b *EventBus) Publish(ctx context.Context, event *GenerationEvent) error {
	b.mu.RLock()
	listeners := make([]GenerationEventListener, len(b.listeners[event.Type]))
	copy(listeners, b.listeners[event.Type])
	timeout := b.timeout
	b.mu.RUnlock()

	if len(listeners) == 0 {
		return nil
	}

	var wg sync.WaitGroup
	var firstErr error
	var errOnce sync.Once

	for i, listener := range listeners {
		wg.Add(1)
		go func(index int, l GenerationEventListener) {
			defer wg.Done()

			// One listener's panic must not take down the others.
			defer func() {
				if r := recover(); r != nil {
					slog.Error("generation event listener panic",
						"event_type", event.Type,
						"listener_index", index,
						"panic", r,
					)
					errOnce.Do(func() { firstErr = fmt.Errorf("listener panic: %v", r) })
				}
			}()

			listenerCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			err := l(listenerCtx, event)

			if listenerCtx.Err() == context.DeadlineExceeded {
				slog.Warn("generation event listener timeout",
					"event_type", event.Type,
					"listener_index", index,
					"timeout", timeout,
				)
				errOnce.Do(func() { firstErr = fmt.Errorf("listener timeout") })
				return
			}

			if err != nil {
				slog.Warn("generation event listener failed",
					"event_type", event.Type,
					"listener_index", index,
					"error", err,
				)
				errOnce.Do(func() { firstErr = err })
			}
		}(i, listener)
	}

	wg.Wait()
	return firstErr
}
