package chat

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/duetchat/duet/store"
)

const persistTimeout = 10 * time.Second

type persistJob struct {
	snapshot *store.Conversation
	ack      chan struct{}
}

// persister serializes all writes for one conversation into a single-writer
// queue: a mutation queued later can never be overwritten by one queued
// earlier. Each job carries a full snapshot, so dropping an intermediate job
// loses nothing once a later one lands. One persister lives per conversation
// for as long as the conversation stays loaded.
type persister struct {
	store          *store.Store
	conversationID string
	jobs           chan persistJob
	drained        chan struct{}

	mu     sync.Mutex
	closed bool
}

func newPersister(st *store.Store, conversationID string) *persister {
	p := &persister{
		store:          st,
		conversationID: conversationID,
		jobs:           make(chan persistJob, 64),
		drained:        make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *persister) run() {
	defer close(p.drained)
	for job := range p.jobs {
		p.write(job.snapshot)
		if job.ack != nil {
			close(job.ack)
		}
	}
}

func (p *persister) write(snapshot *store.Conversation) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := p.store.UpsertConversation(ctx, snapshot); err != nil {
		slog.Error("chat: incremental persist failed",
			"conversation_id", p.conversationID,
			"error", err,
		)
	}
}

// enqueue queues an intermediate snapshot, dropping it when the queue is
// full. A terminal snapshot always follows via enqueueWait.
func (p *persister) enqueue(snapshot *store.Conversation) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	select {
	case p.jobs <- persistJob{snapshot: snapshot}:
	default:
	}
}

// enqueueWait queues a snapshot and blocks until it is durably written.
// Terminal states use it so the final message state outlives the process.
func (p *persister) enqueueWait(snapshot *store.Conversation) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.write(snapshot)
		return
	}
	ack := make(chan struct{})
	p.jobs <- persistJob{snapshot: snapshot, ack: ack}
	p.mu.Unlock()
	<-ack
}

// stop closes the queue and waits for every queued write to finish. Late
// enqueueWait calls fall back to a direct write.
func (p *persister) stop() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()
	<-p.drained
}
