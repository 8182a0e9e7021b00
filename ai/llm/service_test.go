package llm

import (
	"errors"
	"testing"
	"time"
)

func TestNewService_NilConfig(t *testing.T) {
	_, err := NewService(nil)
	if !errors.Is(err, ErrNoBackend) {
		t.Errorf("NewService(nil) error = %v, want ErrNoBackend", err)
	}
}

func TestNewService_EmptyProvider(t *testing.T) {
	_, err := NewService(&Config{Model: "some-model"})
	if !errors.Is(err, ErrNoBackend) {
		t.Errorf("NewService() with empty provider error = %v, want ErrNoBackend", err)
	}
}

func TestNewService_Ollama(t *testing.T) {
	svc, err := NewService(&Config{
		Provider: "ollama",
		Model:    "llama3.2",
	})
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	s, ok := svc.(*ollamaService)
	if !ok {
		t.Fatalf("NewService() returned %T, want *ollamaService", svc)
	}
	if s.baseURL != "http://localhost:11434" {
		t.Errorf("baseURL = %v, want default ollama endpoint", s.baseURL)
	}
}

func TestNewService_OpenAICompatible(t *testing.T) {
	for _, provider := range []string{"openai", "deepseek", "openrouter", "lmstudio"} {
		svc, err := NewService(&Config{
			Provider: provider,
			Model:    "test-model",
			APIKey:   "test-key",
		})
		if err != nil {
			t.Fatalf("NewService(%q) error = %v", provider, err)
		}
		if _, ok := svc.(*openaiService); !ok {
			t.Errorf("NewService(%q) returned %T, want *openaiService", provider, svc)
		}
	}
}

func TestConfig_TimeoutDefault(t *testing.T) {
	cfg := &Config{Provider: "ollama", Model: "m"}
	if got := cfg.timeout(); got != 120*time.Second {
		t.Errorf("timeout() = %v, want 120s", got)
	}

	cfg.Timeout = 5
	if got := cfg.timeout(); got != 5*time.Second {
		t.Errorf("timeout() = %v, want 5s", got)
	}
}

func TestClassifyStatus(t *testing.T) {
	base := errors.New("boom")

	err := classifyStatus("openai", 401, base)
	var authErr *AuthenticationError
	if !errors.As(err, &authErr) {
		t.Fatalf("status 401 classified as %T, want *AuthenticationError", err)
	}
	if authErr.Provider != "openai" {
		t.Errorf("Provider = %v, want openai", authErr.Provider)
	}

	err = classifyStatus("openai", 403, base)
	if !IsAuthentication(err) {
		t.Errorf("status 403 should classify as authentication error")
	}

	err = classifyStatus("openai", 429, base)
	var rateErr *RateLimitError
	if !errors.As(err, &rateErr) {
		t.Fatalf("status 429 classified as %T, want *RateLimitError", err)
	}
	if !IsRateLimit(err) {
		t.Errorf("IsRateLimit() = false for rate limit error")
	}

	err = classifyStatus("openai", 500, base)
	if !errors.Is(err, base) {
		t.Errorf("status 500 should pass the original error through, got %v", err)
	}
}

func TestAuthenticationError_Unwrap(t *testing.T) {
	inner := errors.New("invalid key")
	err := &AuthenticationError{Provider: "deepseek", Err: inner}
	if !errors.Is(err, inner) {
		t.Error("AuthenticationError should unwrap to the inner error")
	}
}

func TestCallStats(t *testing.T) {
	stats := &CallStats{
		PromptTokens:       100,
		CompletionTokens:   50,
		TotalTokens:        150,
		ThinkingDurationMs: 500,
		TotalDurationMs:    800,
	}

	if stats.TotalTokens != 150 {
		t.Errorf("TotalTokens = %v, want 150", stats.TotalTokens)
	}
	if stats.ThinkingDurationMs != 500 {
		t.Errorf("ThinkingDurationMs = %v, want 500", stats.ThinkingDurationMs)
	}
}

func TestConvertMessages_Images(t *testing.T) {
	messages := []Message{
		{
			Role:    "user",
			Content: "what is this?",
			Images:  []Image{{MIME: "image/png", Data: "aGVsbG8="}},
		},
	}

	wire := convertMessages(messages)
	if len(wire) != 1 {
		t.Fatalf("len(wire) = %v, want 1", len(wire))
	}
	if wire[0].Content != "" {
		t.Errorf("Content should be empty when MultiContent is set")
	}
	if len(wire[0].MultiContent) != 2 {
		t.Fatalf("MultiContent length = %v, want 2", len(wire[0].MultiContent))
	}
	url := wire[0].MultiContent[1].ImageURL.URL
	if url != "data:image/png;base64,aGVsbG8=" {
		t.Errorf("image URL = %v, want data URL", url)
	}
}
