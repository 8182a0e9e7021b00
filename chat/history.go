package chat

import (
	"encoding/base64"
	"log/slog"
	"strings"

	"github.com/duetchat/duet/ai/llm"
	"github.com/duetchat/duet/store"
)

// BuildHistory converts a conversation's messages into backend wire format.
//
// It is a pure function over the conversation. Rules, applied in order:
// the system prompt is emitted first when set; messages whose id is in
// excludeIDs (the currently generating placeholders) are skipped; error
// messages are skipped; when channel is non-empty, only messages tagged as
// user turns or as the channel's own model slot are kept, so one model's
// context never contains the other's output; image attachments on user
// messages are embedded as base64 payloads. Emitted ordering matches the
// conversation's message ordering.
func BuildHistory(conv *store.Conversation, excludeIDs map[string]bool, channel store.ModelSource) []llm.Message {
	history := make([]llm.Message, 0, len(conv.Messages)+1)

	if conv.SystemPrompt != "" {
		history = append(history, llm.Message{
			Role:    string(store.RoleSystem),
			Content: conv.SystemPrompt,
		})
	}

	for _, m := range conv.Messages {
		if excludeIDs[m.ID] {
			continue
		}
		if m.IsError {
			continue
		}
		if channel != "" && m.ModelSource != "" &&
			m.ModelSource != store.SourceUser && m.ModelSource != channel {
			continue
		}

		switch m.Role {
		case store.RoleUser:
			history = append(history, llm.Message{
				Role:    string(store.RoleUser),
				Content: m.Text,
				Images:  encodeImages(m.Attachments),
			})
		case store.RoleAssistant:
			history = append(history, llm.Message{
				Role:    string(store.RoleAssistant),
				Content: m.Text,
			})
		case store.RoleSystem:
			history = append(history, llm.Message{
				Role:    string(store.RoleSystem),
				Content: m.Text,
			})
		case store.RoleTool:
			history = append(history, llm.Message{
				Role:       string(store.RoleTool),
				Content:    m.Text,
				ToolCallID: m.ToolCallID,
			})
		default:
			slog.Warn("chat: skipping message with unknown role", "role", m.Role, "message_id", m.ID)
		}
	}

	return history
}

func encodeImages(attachments []*store.Attachment) []llm.Image {
	var images []llm.Image
	for _, att := range attachments {
		if !strings.HasPrefix(att.MIME, "image/") {
			continue
		}
		images = append(images, llm.Image{
			MIME: att.MIME,
			Data: base64.StdEncoding.EncodeToString(att.Data),
		})
	}
	return images
}
