// Package chat implements the generation orchestrator: it turns a user
// message into one or two concurrent streaming inference requests, multiplexes
// partial output back into shared conversation state, persists every mutation
// incrementally, and supports mid-flight cancellation.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lithammer/shortuuid/v4"
	"golang.org/x/sync/errgroup"

	"github.com/duetchat/duet/ai/llm"
	"github.com/duetchat/duet/ai/metrics"
	"github.com/duetchat/duet/store"
)

var (
	// ErrConversationNotFound signals a caller error: generation was
	// requested for an id that does not exist. It is the only failure that
	// propagates to the caller instead of becoming message-level error state.
	ErrConversationNotFound = errors.New("conversation not found")

	// ErrComparisonRequired is returned by SendDualModelMessage when the
	// conversation carries a single model.
	ErrComparisonRequired = errors.New("conversation is not in comparison mode")
)

// cancelledText replaces an empty placeholder when its generation is
// cancelled before any chunk arrived.
const cancelledText = "Generation stopped."

// ServiceResolver hands out a backend client per model identifier.
type ServiceResolver interface {
	ForModel(model string) (llm.Service, error)
}

// liveConversation is the single mutable instance of a conversation. The
// orchestrator's channel goroutines are its only writers; everyone else gets
// clones.
type liveConversation struct {
	mu      sync.Mutex
	conv    *store.Conversation
	persist *persister
}

// Orchestrator owns conversation mutation during generation. It enforces the
// single-active-generation-per-conversation invariant via the registry and
// serializes persistence per conversation through a single-writer queue.
type Orchestrator struct {
	store    *store.Store
	resolver ServiceResolver
	registry *Registry
	bus      *EventBus
	exporter *metrics.PrometheusExporter

	liveMu sync.Mutex
	live   map[string]*liveConversation
}

// NewOrchestrator creates an orchestrator. bus and exporter may be nil.
func NewOrchestrator(st *store.Store, resolver ServiceResolver, bus *EventBus, exporter *metrics.PrometheusExporter) *Orchestrator {
	return &Orchestrator{
		store:    st,
		resolver: resolver,
		registry: NewRegistry(),
		bus:      bus,
		exporter: exporter,
		live:     make(map[string]*liveConversation),
	}
}

// CreateConversationOptions configures a new conversation.
type CreateConversationOptions struct {
	Title        string
	Models       []string
	SystemPrompt string
	ProjectID    string
	Params       map[string]store.GenerationParams
}

// CreateConversation persists a new conversation with one model (single mode)
// or two models (comparison mode).
func (o *Orchestrator) CreateConversation(ctx context.Context, opts CreateConversationOptions) (*store.Conversation, error) {
	if len(opts.Models) == 0 || len(opts.Models) > 2 {
		return nil, fmt.Errorf("conversation requires one or two models, got %d", len(opts.Models))
	}

	now := time.Now().UnixMilli()
	conv := &store.Conversation{
		ID:           shortuuid.New(),
		Title:        opts.Title,
		Models:       append([]string(nil), opts.Models...),
		SystemPrompt: opts.SystemPrompt,
		ProjectID:    opts.ProjectID,
		CreatedTs:    now,
		UpdatedTs:    now,
		Params:       opts.Params,
	}

	if err := o.store.UpsertConversation(ctx, conv); err != nil {
		return nil, fmt.Errorf("persist conversation: %w", err)
	}

	o.liveMu.Lock()
	o.live[conv.ID] = &liveConversation{conv: conv, persist: newPersister(o.store, conv.ID)}
	o.liveMu.Unlock()

	slog.Info("chat: conversation created", "conversation_id", conv.ID, "models", conv.Models)
	return conv.Clone(), nil
}

// GetConversation returns a snapshot of the conversation.
func (o *Orchestrator) GetConversation(ctx context.Context, conversationID string) (*store.Conversation, error) {
	lc, err := o.liveFor(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return lc.conv.Clone(), nil
}

// ListConversations lists persisted conversations, newest mutation first.
func (o *Orchestrator) ListConversations(ctx context.Context, find *store.FindConversation) ([]*store.Conversation, error) {
	return o.store.ListConversations(ctx, find)
}

// DeleteConversation cancels any active generation, evicts the live instance
// and deletes the persisted row.
func (o *Orchestrator) DeleteConversation(ctx context.Context, conversationID string) error {
	o.registry.Cancel(conversationID)

	o.liveMu.Lock()
	lc := o.live[conversationID]
	delete(o.live, conversationID)
	o.liveMu.Unlock()
	if lc != nil {
		lc.persist.stop()
	}

	if err := o.store.DeleteConversation(ctx, conversationID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrConversationNotFound
		}
		return err
	}
	return nil
}

// SendMessage appends the user's text and a streaming assistant placeholder,
// persists both before any network I/O, then streams the reply. The returned
// channel carries conversation snapshots and closes once the generation
// reaches a terminal state. Any prior generation on the id is fully torn down
// first.
func (o *Orchestrator) SendMessage(ctx context.Context, conversationID, text string, attachments []*store.Attachment) (<-chan *store.Conversation, error) {
	return o.send(ctx, conversationID, sendRequest{text: text, attachments: attachments, appendUser: true})
}

// SendMessageWithContext behaves like SendMessage but assumes the caller
// already appended the context messages (e.g. ones carrying attachments); it
// only appends the placeholder(s) and generates the reply.
func (o *Orchestrator) SendMessageWithContext(ctx context.Context, conversationID string) (<-chan *store.Conversation, error) {
	return o.send(ctx, conversationID, sendRequest{})
}

// SendDualModelMessage appends one user message and two placeholders tagged
// model1/model2, then opens two independent backend streams. Requires a
// comparison-mode conversation. The returned channel closes only once both
// channels reach a terminal state.
func (o *Orchestrator) SendDualModelMessage(ctx context.Context, conversationID, text string, attachments []*store.Attachment) (<-chan *store.Conversation, error) {
	return o.send(ctx, conversationID, sendRequest{
		text:              text,
		attachments:       attachments,
		appendUser:        true,
		requireComparison: true,
	})
}

// CancelGeneration cancels the active generation for the id, if any, and
// blocks until teardown completes. Idempotent: calling it on an idle
// conversation is a no-op.
func (o *Orchestrator) CancelGeneration(conversationID string) {
	if o.registry.Cancel(conversationID) {
		slog.Info("chat: generation cancelled", "conversation_id", conversationID)
	}
}

// CancelChannel cancels a single channel of the active generation, leaving
// any sibling channel streaming. The update stream stays open until every
// channel is terminal. Returns false when the channel was not active.
func (o *Orchestrator) CancelChannel(conversationID string, source store.ModelSource) bool {
	key := conversationID
	if source == store.SourceModel2 {
		key = SecondaryKey(conversationID)
	}
	if o.registry.CancelChannel(key) {
		slog.Info("chat: channel cancelled", "conversation_id", conversationID, "source", source)
		return true
	}
	return false
}

// IsGenerating reports whether a generation is active for the id.
func (o *Orchestrator) IsGenerating(conversationID string) bool {
	return o.registry.IsActive(conversationID)
}

// Close cancels every active generation and flushes all pending writes.
func (o *Orchestrator) Close() {
	o.liveMu.Lock()
	ids := make([]string, 0, len(o.live))
	for id := range o.live {
		ids = append(ids, id)
	}
	o.liveMu.Unlock()

	// Each Cancel blocks until the generation's goroutines finish, so tear
	// them down concurrently.
	var g errgroup.Group
	for _, id := range ids {
		id := id
		g.Go(func() error {
			o.registry.Cancel(id)
			return nil
		})
	}
	_ = g.Wait()

	o.liveMu.Lock()
	live := o.live
	o.live = make(map[string]*liveConversation)
	o.liveMu.Unlock()
	for _, lc := range live {
		lc.persist.stop()
	}
}

type sendRequest struct {
	text              string
	attachments       []*store.Attachment
	appendUser        bool
	requireComparison bool
}

// channelPlan describes one generation channel before its goroutine starts.
type channelPlan struct {
	sub     *subscription
	service llm.Service
	history []llm.Message
	options llm.Options
	ctx     context.Context
}

func (o *Orchestrator) send(ctx context.Context, conversationID string, req sendRequest) (<-chan *store.Conversation, error) {
	lc, err := o.liveFor(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	// Tear down any prior generation before touching conversation state, so
	// the old placeholders are frozen before the new ones are appended.
	o.registry.Cancel(conversationID)

	lc.mu.Lock()
	comparison := lc.conv.IsComparison()
	if req.requireComparison && !comparison {
		lc.mu.Unlock()
		return nil, ErrComparisonRequired
	}

	if req.appendUser {
		userMsg := &store.Message{
			ID:          shortuuid.New(),
			Role:        store.RoleUser,
			Text:        req.text,
			CreatedTs:   time.Now().UnixMilli(),
			Attachments: req.attachments,
		}
		if comparison {
			userMsg.ModelSource = store.SourceUser
		}
		lc.conv.Messages = append(lc.conv.Messages, userMsg)
	}

	sources := []store.ModelSource{""}
	if comparison {
		sources = []store.ModelSource{store.SourceModel1, store.SourceModel2}
	}

	excludeIDs := make(map[string]bool, len(sources))
	placeholders := make(map[store.ModelSource]*store.Message, len(sources))
	for _, source := range sources {
		placeholder := &store.Message{
			ID:          shortuuid.New(),
			Role:        store.RoleAssistant,
			CreatedTs:   time.Now().UnixMilli(),
			IsStreaming: true,
			ModelSource: source,
		}
		lc.conv.Messages = append(lc.conv.Messages, placeholder)
		excludeIDs[placeholder.ID] = true
		placeholders[source] = placeholder
	}
	lc.conv.Touch()

	// Resolve backends and build per-channel context while still holding the
	// lock: a channel's history must not include the new placeholders, and
	// model1's context must never include model2's prior output.
	gen := newGeneration(conversationID)
	var plans []*channelPlan
	failed := false

	for _, source := range sources {
		placeholder := placeholders[source]
		model := lc.conv.ModelForSource(source)

		svc, resolveErr := o.resolver.ForModel(model)
		if resolveErr != nil {
			// No backend configured: the placeholder becomes an error
			// message without ever entering the streaming state.
			placeholder.IsStreaming = false
			placeholder.IsError = true
			placeholder.ErrorMessage = describeFailure(resolveErr)
			failed = true
			continue
		}

		key := conversationID
		if source == store.SourceModel2 {
			key = SecondaryKey(conversationID)
		}
		// The stream outlives the request context: generation continues
		// after the caller's HTTP request ends, until done or cancelled.
		streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		sub := &subscription{
			key:       key,
			messageID: placeholder.ID,
			model:     model,
			source:    source,
			cancel:    cancel,
		}
		gen.subs[key] = sub

		params := lc.conv.ParamsForModel(model)
		plans = append(plans, &channelPlan{
			sub:     sub,
			service: svc,
			history: BuildHistory(lc.conv, excludeIDs, source),
			options: llm.Options{
				Temperature: params.Temperature,
				TopP:        params.TopP,
				MaxTokens:   params.MaxTokens,
			},
			ctx: streamCtx,
		})
	}
	if failed {
		lc.conv.Touch()
	}
	snapshot := lc.conv.Clone()
	lc.mu.Unlock()

	// Both appends are durable and observable before any network call.
	lc.persist.enqueueWait(snapshot)

	if len(plans) == 0 {
		// Every channel failed fast. No registry entry, no stream: the
		// caller receives the error snapshot and a closed channel.
		o.publishEvent(&GenerationEvent{
			Type:           EventGenerationError,
			ConversationID: conversationID,
			ErrorMessage:   "no model backend configured",
			Timestamp:      time.Now().UnixMilli(),
		})
		updates := make(chan *store.Conversation, 1)
		updates <- snapshot
		close(updates)
		return updates, nil
	}

	// A concurrent send may have registered between our Cancel and here;
	// tear it down and retry so exactly one generation stays active.
	for o.registry.register(gen) != nil {
		o.registry.Cancel(conversationID)
	}

	mode := "single"
	if comparison {
		mode = "comparison"
	}

	gen.publish(snapshot, true)
	o.publishEvent(&GenerationEvent{
		Type:           EventGenerationStart,
		ConversationID: conversationID,
		Timestamp:      time.Now().UnixMilli(),
	})

	for _, plan := range plans {
		gen.wg.Add(1)
		go o.runChannel(gen, plan, lc, mode)
	}

	// Closer: once every channel is terminal, close the broadcast channel
	// and release the registry slot.
	go func() {
		gen.wg.Wait()
		o.registry.remove(gen)
		close(gen.updates)
		close(gen.done)
	}()

	return gen.updates, nil
}

// runChannel drives one backend stream to a terminal state. It is the sole
// writer of the placeholder message identified by plan.sub.messageID.
func (o *Orchestrator) runChannel(gen *generation, plan *channelPlan, lc *liveConversation, mode string) {
	defer gen.wg.Done()

	sub := plan.sub
	start := time.Now()

	if o.exporter != nil {
		o.exporter.GenerationStarted()
		defer o.exporter.GenerationFinished()
	}

	defer sub.cancel()
	if sub.cancelled.Load() {
		// Cancelled between registration and start.
		o.finalizeCancelled(gen, lc, sub)
		return
	}

	contentChan, statsChan, errChan := plan.service.ChatStream(plan.ctx, plan.history, plan.options)

	var streamErr error
	var stats *llm.CallStats

	for contentChan != nil || statsChan != nil || errChan != nil {
		select {
		case chunk, ok := <-contentChan:
			if !ok {
				contentChan = nil
				continue
			}
			// A read that returns after cancellation is discarded, never
			// applied.
			if sub.cancelled.Load() {
				continue
			}
			o.applyChunk(gen, lc, sub, chunk)
		case s, ok := <-statsChan:
			if !ok {
				statsChan = nil
				continue
			}
			stats = s
		case err, ok := <-errChan:
			if !ok {
				errChan = nil
				continue
			}
			if err != nil && streamErr == nil {
				streamErr = err
			}
		}
	}

	switch {
	case sub.cancelled.Load():
		o.finalizeCancelled(gen, lc, sub)
		if o.exporter != nil {
			o.exporter.RecordCancellation(sub.model)
		}
	case streamErr != nil:
		o.finalizeError(gen, lc, sub, streamErr)
		if o.exporter != nil {
			o.exporter.RecordGeneration(sub.model, mode, time.Since(start), false)
			o.exporter.RecordError(sub.model, errorClass(streamErr))
		}
	default:
		o.finalizeComplete(gen, lc, sub)
		if o.exporter != nil {
			o.exporter.RecordGeneration(sub.model, mode, time.Since(start), true)
			if stats != nil {
				o.exporter.RecordTokens(sub.model, "prompt", stats.PromptTokens)
				o.exporter.RecordTokens(sub.model, "completion", stats.CompletionTokens)
			}
		}
	}
}

// applyChunk appends one chunk of partial content to the channel's message.
// Intermediate persistence is queued, intermediate publication is best-effort.
func (o *Orchestrator) applyChunk(gen *generation, lc *liveConversation, sub *subscription, chunk string) {
	lc.mu.Lock()
	msg := lc.conv.MessageByID(sub.messageID)
	if msg == nil || !msg.IsStreaming {
		lc.mu.Unlock()
		return
	}
	msg.Text += chunk
	lc.conv.Touch()
	snapshot := lc.conv.Clone()
	lc.mu.Unlock()

	lc.persist.enqueue(snapshot)
	gen.publish(snapshot, false)

	if o.exporter != nil {
		o.exporter.RecordChunk(sub.model)
	}
}

func (o *Orchestrator) finalizeComplete(gen *generation, lc *liveConversation, sub *subscription) {
	lc.mu.Lock()
	var text string
	if msg := lc.conv.MessageByID(sub.messageID); msg != nil && msg.IsStreaming {
		msg.IsStreaming = false
		text = msg.Text
		lc.conv.Touch()
	}
	snapshot := lc.conv.Clone()
	lc.mu.Unlock()

	lc.persist.enqueueWait(snapshot)
	gen.publish(snapshot, true)

	o.publishEvent(&GenerationEvent{
		Type:           EventGenerationComplete,
		ConversationID: gen.conversationID,
		MessageID:      sub.messageID,
		Model:          sub.model,
		Text:           text,
		Timestamp:      time.Now().UnixMilli(),
	})
}

func (o *Orchestrator) finalizeError(gen *generation, lc *liveConversation, sub *subscription, streamErr error) {
	description := describeFailure(streamErr)

	lc.mu.Lock()
	if msg := lc.conv.MessageByID(sub.messageID); msg != nil && msg.IsStreaming {
		msg.IsStreaming = false
		msg.IsError = true
		msg.ErrorMessage = description
		lc.conv.Touch()
	}
	snapshot := lc.conv.Clone()
	lc.mu.Unlock()

	slog.Error("chat: generation failed",
		"conversation_id", gen.conversationID,
		"model", sub.model,
		"error", streamErr,
	)

	lc.persist.enqueueWait(snapshot)
	gen.publish(snapshot, true)

	o.publishEvent(&GenerationEvent{
		Type:           EventGenerationError,
		ConversationID: gen.conversationID,
		MessageID:      sub.messageID,
		Model:          sub.model,
		ErrorMessage:   description,
		Timestamp:      time.Now().UnixMilli(),
	})
}

func (o *Orchestrator) finalizeCancelled(gen *generation, lc *liveConversation, sub *subscription) {
	lc.mu.Lock()
	if msg := lc.conv.MessageByID(sub.messageID); msg != nil && msg.IsStreaming {
		msg.IsStreaming = false
		if msg.Text == "" {
			msg.Text = cancelledText
		}
		lc.conv.Touch()
	}
	snapshot := lc.conv.Clone()
	lc.mu.Unlock()

	lc.persist.enqueueWait(snapshot)
	gen.publish(snapshot, true)

	o.publishEvent(&GenerationEvent{
		Type:           EventGenerationCancelled,
		ConversationID: gen.conversationID,
		MessageID:      sub.messageID,
		Model:          sub.model,
		Timestamp:      time.Now().UnixMilli(),
	})
}

// liveFor returns the single mutable instance of a conversation, loading it
// from the store on first access.
func (o *Orchestrator) liveFor(ctx context.Context, conversationID string) (*liveConversation, error) {
	o.liveMu.Lock()
	if lc, ok := o.live[conversationID]; ok {
		o.liveMu.Unlock()
		return lc, nil
	}
	o.liveMu.Unlock()

	conv, err := o.store.GetConversation(ctx, conversationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrConversationNotFound
		}
		return nil, err
	}

	o.liveMu.Lock()
	defer o.liveMu.Unlock()
	if lc, ok := o.live[conversationID]; ok {
		return lc, nil
	}
	lc := &liveConversation{conv: conv, persist: newPersister(o.store, conversationID)}
	o.live[conversationID] = lc
	return lc, nil
}

func (o *Orchestrator) publishEvent(event *GenerationEvent) {
	if o.bus == nil {
		return
	}
	if err := o.bus.Publish(context.Background(), event); err != nil {
		slog.Warn("chat: event publication failed", "event_type", event.Type, "error", err)
	}
}

// describeFailure turns a backend error into the readable description carried
// by the error message.
func describeFailure(err error) string {
	switch {
	case errors.Is(err, llm.ErrNoBackend):
		return "No model backend is configured. Set up a provider to start chatting."
	case llm.IsAuthentication(err):
		return "Authentication with the model backend failed. Check your API key."
	case llm.IsRateLimit(err):
		return "The model backend is rate limiting requests. Try again shortly."
	case errors.Is(err, context.DeadlineExceeded):
		return "The model backend timed out."
	default:
		return fmt.Sprintf("Generation failed: %v", err)
	}
}

func errorClass(err error) string {
	switch {
	case errors.Is(err, llm.ErrNoBackend):
		return "no_backend"
	case llm.IsAuthentication(err):
		return "authentication"
	case llm.IsRateLimit(err):
		return "rate_limit"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "network"
	}
}
