package chat

import (
	"context"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/duetchat/duet/store"
)

const maxTitleLength = 60

// RegisterAutoTitle subscribes a listener that names untitled conversations
// after their first user message once the first generation completes.
func (o *Orchestrator) RegisterAutoTitle(bus *EventBus) {
	bus.Subscribe(EventGenerationComplete, func(ctx context.Context, event *GenerationEvent) error {
		return o.autoTitle(ctx, event.ConversationID)
	})
}

func (o *Orchestrator) autoTitle(ctx context.Context, conversationID string) error {
	lc, err := o.liveFor(ctx, conversationID)
	if err != nil {
		return err
	}

	lc.mu.Lock()
	if lc.conv.Title != "" {
		lc.mu.Unlock()
		return nil
	}
	var title string
	for _, m := range lc.conv.Messages {
		if m.Role == store.RoleUser && m.Text != "" {
			title = deriveTitle(m.Text)
			break
		}
	}
	if title == "" {
		lc.mu.Unlock()
		return nil
	}
	lc.conv.Title = title
	lc.conv.Touch()
	snapshot := lc.conv.Clone()
	lc.mu.Unlock()

	lc.persist.enqueueWait(snapshot)
	slog.Debug("chat: conversation auto-titled", "conversation_id", conversationID, "title", title)
	return nil
}

// deriveTitle takes the first line of the text, trimmed to a display length.
func deriveTitle(text string) string {
	title := strings.TrimSpace(text)
	if idx := strings.IndexByte(title, '\n'); idx >= 0 {
		title = strings.TrimSpace(title[:idx])
	}
	if utf8.RuneCountInString(title) > maxTitleLength {
		runes := []rune(title)
		title = strings.TrimSpace(string(runes[:maxTitleLength])) + "…"
	}
	return title
}
