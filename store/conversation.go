package store

import (
	"time"
)

// Role identifies the author of a message. It is a closed set: code that
// dispatches on Role must switch over all constants below and treat anything
// else as a programming error.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// ModelSource tags which generation channel produced a message. It is only
// meaningful in comparison conversations; single-model conversations leave it
// empty.
type ModelSource string

const (
	SourceUser   ModelSource = "user"
	SourceModel1 ModelSource = "model1"
	SourceModel2 ModelSource = "model2"
)

// GenerationParams are the per-model sampling parameters for a conversation.
type GenerationParams struct {
	Temperature float32 `json:"temperature"`
	TopP        float32 `json:"top_p,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
}

// Attachment is a binary payload carried by a user message.
type Attachment struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	MIME string `json:"mime"`
	Data []byte `json:"data"`
	Size int64  `json:"size"`
}

// ToolCall records a tool invocation requested by an assistant message.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Message is one entry in a conversation. A message is created as an empty
// streaming placeholder, mutated by id while chunks arrive, and frozen once
// IsStreaming flips to false.
type Message struct {
	ID           string        `json:"id"`
	Role         Role          `json:"role"`
	Text         string        `json:"text"`
	CreatedTs    int64         `json:"created_ts"`
	IsStreaming  bool          `json:"is_streaming"`
	IsError      bool          `json:"is_error"`
	ErrorMessage string        `json:"error_message,omitempty"`
	Attachments  []*Attachment `json:"attachments,omitempty"`
	ToolCalls    []*ToolCall   `json:"tool_calls,omitempty"`
	ToolCallID   string        `json:"tool_call_id,omitempty"`
	ModelSource  ModelSource   `json:"model_source,omitempty"`
}

// Conversation is an ordered message history plus one or two model
// identifiers and their generation parameters. Comparison conversations carry
// exactly two model identifiers.
type Conversation struct {
	ID           string                      `json:"id"`
	Title        string                      `json:"title"`
	Models       []string                    `json:"models"`
	SystemPrompt string                      `json:"system_prompt,omitempty"`
	ProjectID    string                      `json:"project_id,omitempty"`
	CreatedTs    int64                       `json:"created_ts"`
	UpdatedTs    int64                       `json:"updated_ts"`
	Messages     []*Message                  `json:"messages"`
	Params       map[string]GenerationParams `json:"params,omitempty"`
}

// FindConversation filters ListConversations. Nil fields match everything.
type FindConversation struct {
	ID        *string
	ProjectID *string
	Limit     *int
}

// IsComparison reports whether the conversation runs two models side by side.
func (c *Conversation) IsComparison() bool {
	return len(c.Models) == 2
}

// ModelForSource returns the model identifier backing a generation channel.
func (c *Conversation) ModelForSource(source ModelSource) string {
	if source == SourceModel2 && len(c.Models) > 1 {
		return c.Models[1]
	}
	if len(c.Models) > 0 {
		return c.Models[0]
	}
	return ""
}

// ParamsForModel returns the sampling parameters configured for a model,
// zero-valued when none are set.
func (c *Conversation) ParamsForModel(model string) GenerationParams {
	if c.Params == nil {
		return GenerationParams{}
	}
	return c.Params[model]
}

// Touch advances UpdatedTs. The timestamp increases strictly on every call so
// observers can order mutations even within the same millisecond.
func (c *Conversation) Touch() {
	now := time.Now().UnixMilli()
	if now <= c.UpdatedTs {
		now = c.UpdatedTs + 1
	}
	c.UpdatedTs = now
}

// MessageByID returns the message with the given id, or nil.
func (c *Conversation) MessageByID(id string) *Message {
	for _, m := range c.Messages {
		if m.ID == id {
			return m
		}
	}
	return nil
}

// Clone returns a deep copy. Published snapshots are clones so external
// readers never observe in-flight mutation.
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	clone := *c
	clone.Models = append([]string(nil), c.Models...)
	if c.Params != nil {
		clone.Params = make(map[string]GenerationParams, len(c.Params))
		for k, v := range c.Params {
			clone.Params[k] = v
		}
	}
	clone.Messages = make([]*Message, len(c.Messages))
	for i, m := range c.Messages {
		clone.Messages[i] = m.Clone()
	}
	return &clone
}

// Clone returns a deep copy of the message.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	clone := *m
	if m.Attachments != nil {
		clone.Attachments = make([]*Attachment, len(m.Attachments))
		for i, a := range m.Attachments {
			ac := *a
			ac.Data = append([]byte(nil), a.Data...)
			clone.Attachments[i] = &ac
		}
	}
	if m.ToolCalls != nil {
		clone.ToolCalls = make([]*ToolCall, len(m.ToolCalls))
		for i, t := range m.ToolCalls {
			tc := *t
			clone.ToolCalls[i] = &tc
		}
	}
	return &clone
}
