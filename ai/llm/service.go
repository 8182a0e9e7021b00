// Package llm provides streaming chat access to model backends. Two wire
// protocols are supported behind one Service interface: the OpenAI-compatible
// protocol (openai, deepseek, openrouter, lmstudio, any compatible server)
// and the native Ollama API.
package llm

import (
	"context"
	"net"
	"net/http"
	"time"
)

// Message represents a chat message in backend wire format.
type Message struct {
	Role       string // system, user, assistant, tool
	Content    string
	Images     []Image // image payloads attached to user messages
	ToolCallID string  // set on tool result messages
}

// Image is a base64-encoded image payload with its media type.
type Image struct {
	MIME string
	Data string // base64
}

// Options are per-call generation parameters.
type Options struct {
	Temperature float32
	TopP        float32
	MaxTokens   int
	// Timeout overrides the service default for this call. Zero means the
	// configured default.
	Timeout time.Duration
}

// CallStats represents statistics for a single backend call.
type CallStats struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`

	// ThinkingDurationMs is the time from request start to first chunk.
	ThinkingDurationMs int64 `json:"thinking_duration_ms"`
	TotalDurationMs    int64 `json:"total_duration_ms"`
}

// Service is the model backend client interface.
type Service interface {
	// TestConnection verifies the backend is reachable with the configured
	// credentials. A nil error means reachable.
	TestConnection(ctx context.Context) error

	// Chat performs synchronous chat. Returns content, statistics, and error.
	Chat(ctx context.Context, messages []Message, opts Options) (string, *CallStats, error)

	// ChatStream performs streaming chat. The content channel delivers partial
	// chunks and is closed once the backend's done marker is observed; the
	// stats channel delivers final statistics when available; the error
	// channel delivers at most one terminal error. All three channels are
	// closed when the stream ends for any reason.
	ChatStream(ctx context.Context, messages []Message, opts Options) (<-chan string, <-chan *CallStats, <-chan error)
}

// Config represents backend service configuration.
type Config struct {
	Provider string // ollama, lmstudio, openai, deepseek, openrouter
	Model    string
	APIKey   string
	BaseURL  string
	Timeout  int // request timeout in seconds (default: 120)
}

func (c *Config) timeout() time.Duration {
	if c.Timeout <= 0 {
		return 120 * time.Second
	}
	return time.Duration(c.Timeout) * time.Second
}

// NewService creates a backend client for the configured provider. The
// provider selects the concrete adapter: "ollama" speaks the native Ollama
// protocol, every other value goes through the OpenAI-compatible adapter.
func NewService(cfg *Config) (Service, error) {
	if cfg == nil || cfg.Provider == "" {
		return nil, ErrNoBackend
	}
	switch cfg.Provider {
	case "ollama":
		return newOllamaService(cfg), nil
	default:
		return newOpenAIService(cfg), nil
	}
}

func newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}
}
