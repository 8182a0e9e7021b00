package chat

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/duetchat/duet/store"
)

// secondarySuffix derives the registry key of the second channel in a
// comparison conversation from the conversation id.
const secondarySuffix = "_model2"

// SecondaryKey returns the registry key tracking a comparison conversation's
// second channel.
func SecondaryKey(conversationID string) string {
	return conversationID + secondarySuffix
}

func conversationIDFromKey(key string) string {
	return strings.TrimSuffix(key, secondarySuffix)
}

// subscription tracks one active backend stream. Its goroutine is the sole
// writer of the placeholder message it owns.
type subscription struct {
	key       string
	messageID string
	model     string
	source    store.ModelSource
	cancel    context.CancelFunc
	cancelled atomic.Bool
}

// markCancelled flags the subscription and cancels its stream context. The
// channel goroutine observes the flag before every state mutation, so a read
// that returns after cancellation is discarded rather than applied.
func (s *subscription) markCancelled() {
	s.cancelled.Store(true)
	s.cancel()
}

// generation groups the subscriptions and the broadcast channel of a single
// send. The updates channel closes only once every channel reached a terminal
// state and the entry was removed from the registry.
type generation struct {
	conversationID string
	updates        chan *store.Conversation
	subs           map[string]*subscription
	wg             sync.WaitGroup
	done           chan struct{}
}

func newGeneration(conversationID string) *generation {
	return &generation{
		conversationID: conversationID,
		updates:        make(chan *store.Conversation, 32),
		subs:           make(map[string]*subscription),
		done:           make(chan struct{}),
	}
}

// publish delivers a snapshot to the updates channel. Intermediate snapshots
// are dropped when the consumer lags; guaranteed snapshots (terminal states)
// evict the oldest buffered snapshot until the send succeeds, so a full
// buffer of stale intermediates never swallows a terminal update.
func (g *generation) publish(conv *store.Conversation, guaranteed bool) {
	if !guaranteed {
		select {
		case g.updates <- conv:
		default:
		}
		return
	}
	for {
		select {
		case g.updates <- conv:
			return
		default:
			select {
			case <-g.updates:
			default:
			}
		}
	}
}

// Registry tracks active generations keyed by conversation id. At most one
// generation may be registered per id at any instant.
type Registry struct {
	mu     sync.Mutex
	active map[string]*generation
}

func NewRegistry() *Registry {
	return &Registry{active: make(map[string]*generation)}
}

// register installs a generation. It fails if a prior entry for the id still
// exists: callers must fully tear down the old generation first.
func (r *Registry) register(gen *generation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.active[gen.conversationID]; ok {
		return errors.Errorf("generation already active for conversation %s", gen.conversationID)
	}
	r.active[gen.conversationID] = gen
	return nil
}

// remove deletes the entry, but only if it still maps to the same generation.
func (r *Registry) remove(gen *generation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.active[gen.conversationID]; ok && current == gen {
		delete(r.active, gen.conversationID)
	}
}

func (r *Registry) lookup(conversationID string) *generation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active[conversationID]
}

// IsActive reports whether a generation is currently running for the id.
func (r *Registry) IsActive(conversationID string) bool {
	return r.lookup(conversationID) != nil
}

// Cancel cancels every subscription of the id's active generation and blocks
// until teardown completes: all channel goroutines exited, the broadcast
// channel closed, the registry entry removed. Returns false when nothing was
// active.
func (r *Registry) Cancel(conversationID string) bool {
	gen := r.lookup(conversationID)
	if gen == nil {
		return false
	}
	for _, sub := range gen.subs {
		sub.markCancelled()
	}
	<-gen.done
	return true
}

// CancelChannel cancels a single subscription by registry key, leaving any
// sibling channel of the same generation running. The generation's broadcast
// channel stays open until every channel is terminal.
func (r *Registry) CancelChannel(key string) bool {
	gen := r.lookup(conversationIDFromKey(key))
	if gen == nil {
		return false
	}
	sub, ok := gen.subs[key]
	if !ok {
		return false
	}
	sub.markCancelled()
	return true
}
