package chat

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duetchat/duet/store"
)

func TestSecondaryKey(t *testing.T) {
	assert.Equal(t, "abc_model2", SecondaryKey("abc"))
	assert.Equal(t, "abc", conversationIDFromKey("abc_model2"))
	assert.Equal(t, "abc", conversationIDFromKey("abc"))
}

func TestRegistry_RegisterRejectsDuplicate(t *testing.T) {
	r := NewRegistry()
	gen := newGeneration("c1")
	require.NoError(t, r.register(gen))

	other := newGeneration("c1")
	assert.Error(t, r.register(other), "a second registration must fail until the first is torn down")

	assert.True(t, r.IsActive("c1"))
	r.remove(gen)
	assert.False(t, r.IsActive("c1"))
	require.NoError(t, r.register(other))
}

func TestRegistry_CancelIdleReturnsFalse(t *testing.T) {
	r := NewRegistry()
	assert.False(t, r.Cancel("nothing"))
}

func TestRegistry_CancelWaitsForTeardown(t *testing.T) {
	r := NewRegistry()
	gen := newGeneration("c1")
	_, cancel := context.WithCancel(context.Background())
	sub := &subscription{key: "c1", cancel: cancel}
	gen.subs["c1"] = sub
	require.NoError(t, r.register(gen))

	// Simulated closer: tears down once the subscription is cancelled.
	go func() {
		for !sub.cancelled.Load() {
			time.Sleep(time.Millisecond)
		}
		r.remove(gen)
		close(gen.updates)
		close(gen.done)
	}()

	done := make(chan struct{})
	go func() {
		r.Cancel("c1")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Cancel did not return after teardown")
	}
	assert.False(t, r.IsActive("c1"))
}

func TestRegistry_CancelChannelLeavesSiblingRunning(t *testing.T) {
	r := NewRegistry()
	gen := newGeneration("c1")
	_, cancel1 := context.WithCancel(context.Background())
	_, cancel2 := context.WithCancel(context.Background())
	sub1 := &subscription{key: "c1", cancel: cancel1}
	sub2 := &subscription{key: SecondaryKey("c1"), cancel: cancel2}
	gen.subs[sub1.key] = sub1
	gen.subs[sub2.key] = sub2
	require.NoError(t, r.register(gen))

	assert.True(t, r.CancelChannel(SecondaryKey("c1")))
	assert.True(t, sub2.cancelled.Load())
	assert.False(t, sub1.cancelled.Load())
	assert.True(t, r.IsActive("c1"), "generation stays active until every channel is terminal")

	assert.False(t, r.CancelChannel("unknown"))
}

func TestGeneration_PublishDropsIntermediatesKeepsTerminal(t *testing.T) {
	gen := newGeneration("c1")

	// Fill the buffer with intermediates nobody reads.
	for i := 0; i < cap(gen.updates)+10; i++ {
		gen.publish(&store.Conversation{ID: "intermediate"}, false)
	}

	terminal := &store.Conversation{ID: "terminal"}
	gen.publish(terminal, true)

	// The terminal snapshot is in the buffer even though it was full.
	var seen bool
	for {
		select {
		case snap := <-gen.updates:
			if snap == terminal {
				seen = true
			}
			continue
		default:
		}
		break
	}
	assert.True(t, seen, "terminal snapshot must survive a full buffer")
}

func TestRegistry_RemoveIgnoresStaleGeneration(t *testing.T) {
	r := NewRegistry()
	old := newGeneration("c1")
	require.NoError(t, r.register(old))
	r.remove(old)

	fresh := newGeneration("c1")
	require.NoError(t, r.register(fresh))

	// A stale closer must not evict the replacement entry.
	r.remove(old)
	assert.True(t, r.IsActive("c1"))
}
