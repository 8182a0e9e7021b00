package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
)

// openaiService talks to any OpenAI-compatible backend.
type openaiService struct {
	client   *openai.Client
	model    string
	provider string
	timeout  time.Duration
}

func newOpenAIService(cfg *Config) *openaiService {
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	clientConfig.HTTPClient = newHTTPClient(cfg.timeout())

	baseURL := cfg.BaseURL
	if baseURL == "" {
		switch cfg.Provider {
		case "deepseek":
			baseURL = "https://api.deepseek.com"
		case "openrouter":
			baseURL = "https://openrouter.ai/api/v1"
		case "lmstudio":
			baseURL = "http://localhost:1234/v1"
		}
	}
	if baseURL != "" {
		clientConfig.BaseURL = baseURL
	}

	return &openaiService{
		client:   openai.NewClientWithConfig(clientConfig),
		model:    cfg.Model,
		provider: cfg.Provider,
		timeout:  cfg.timeout(),
	}
}

func (s *openaiService) TestConnection(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if _, err := s.client.ListModels(ctx); err != nil {
		return s.classify(err)
	}
	return nil
}

func (s *openaiService) Chat(ctx context.Context, messages []Message, opts Options) (string, *CallStats, error) {
	ctx, cancel := context.WithTimeout(ctx, s.callTimeout(opts))
	defer cancel()

	slog.Debug("llm: chat request",
		"provider", s.provider,
		"model", s.model,
		"messages_count", len(messages),
	)

	startTime := time.Now()

	resp, err := s.client.CreateChatCompletion(ctx, s.buildRequest(messages, opts))
	if err != nil {
		return "", nil, s.classify(err)
	}
	if len(resp.Choices) == 0 {
		return "", nil, fmt.Errorf("empty response from backend")
	}

	totalDuration := time.Since(startTime)
	stats := &CallStats{
		PromptTokens:       resp.Usage.PromptTokens,
		CompletionTokens:   resp.Usage.CompletionTokens,
		TotalTokens:        resp.Usage.TotalTokens,
		ThinkingDurationMs: totalDuration.Milliseconds(),
		TotalDurationMs:    totalDuration.Milliseconds(),
	}

	return resp.Choices[0].Message.Content, stats, nil
}

func (s *openaiService) ChatStream(ctx context.Context, messages []Message, opts Options) (<-chan string, <-chan *CallStats, <-chan error) {
	contentChan := make(chan string, 10)
	statsChan := make(chan *CallStats, 1)
	errChan := make(chan error, 1)

	go func() {
		defer close(contentChan)
		defer close(statsChan)
		defer close(errChan)

		ctx, cancel := context.WithTimeout(ctx, s.callTimeout(opts))
		defer cancel()

		req := s.buildRequest(messages, opts)
		req.StreamOptions = &openai.StreamOptions{IncludeUsage: true}

		startTime := time.Now()
		var firstChunkTime time.Time

		stream, err := s.client.CreateChatCompletionStream(ctx, req)
		if err != nil {
			slog.Error("llm: failed to open stream", "provider", s.provider, "error", err)
			select {
			case errChan <- s.classify(err):
			case <-ctx.Done():
			}
			return
		}
		defer func() { _ = stream.Close() }()

		chunkCount := 0

		for {
			response, err := stream.Recv()
			if err != nil {
				if strings.Contains(err.Error(), "EOF") {
					statsChan <- s.finalStats(startTime, firstChunkTime, nil)
					return
				}
				slog.Error("llm: stream receive error", "provider", s.provider, "error", err, "chunks_so_far", chunkCount)
				select {
				case errChan <- s.classify(err):
				case <-ctx.Done():
				}
				return
			}

			if firstChunkTime.IsZero() && len(response.Choices) > 0 && response.Choices[0].Delta.Content != "" {
				firstChunkTime = time.Now()
			}

			// The final usage frame carries no choices; it terminates the stream.
			if response.Usage != nil && response.Usage.TotalTokens > 0 {
				statsChan <- s.finalStats(startTime, firstChunkTime, response.Usage)
				return
			}

			if len(response.Choices) == 0 {
				continue
			}

			if delta := response.Choices[0].Delta.Content; delta != "" {
				chunkCount++
				select {
				case contentChan <- delta:
				case <-ctx.Done():
					slog.Warn("llm: context cancelled during send", "chunks", chunkCount)
					return
				}
			}

			if response.Choices[0].FinishReason != "" {
				statsChan <- s.finalStats(startTime, firstChunkTime, nil)
				return
			}
		}
	}()

	return contentChan, statsChan, errChan
}

func (s *openaiService) buildRequest(messages []Message, opts Options) openai.ChatCompletionRequest {
	return openai.ChatCompletionRequest{
		Model:       s.model,
		MaxTokens:   opts.MaxTokens,
		Temperature: opts.Temperature,
		TopP:        opts.TopP,
		Messages:    convertMessages(messages),
	}
}

func (s *openaiService) callTimeout(opts Options) time.Duration {
	if opts.Timeout > 0 {
		return opts.Timeout
	}
	return s.timeout
}

func (s *openaiService) finalStats(startTime, firstChunkTime time.Time, usage *openai.Usage) *CallStats {
	stats := &CallStats{
		TotalDurationMs: time.Since(startTime).Milliseconds(),
	}
	if !firstChunkTime.IsZero() {
		stats.ThinkingDurationMs = firstChunkTime.Sub(startTime).Milliseconds()
	}
	if usage != nil {
		stats.PromptTokens = usage.PromptTokens
		stats.CompletionTokens = usage.CompletionTokens
		stats.TotalTokens = usage.TotalTokens
	}
	return stats
}

// classify maps go-openai API errors to the typed error taxonomy.
func (s *openaiService) classify(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return classifyStatus(s.provider, apiErr.HTTPStatusCode, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return classifyStatus(s.provider, reqErr.HTTPStatusCode, err)
	}
	return err
}

func convertMessages(messages []Message) []openai.ChatCompletionMessage {
	wire := make([]openai.ChatCompletionMessage, len(messages))
	for i, m := range messages {
		msg := openai.ChatCompletionMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		if len(m.Images) > 0 {
			// Multi-part content: text plus inline base64 data URLs.
			parts := []openai.ChatMessagePart{}
			if m.Content != "" {
				parts = append(parts, openai.ChatMessagePart{
					Type: openai.ChatMessagePartTypeText,
					Text: m.Content,
				})
			}
			for _, img := range m.Images {
				parts = append(parts, openai.ChatMessagePart{
					Type: openai.ChatMessagePartTypeImageURL,
					ImageURL: &openai.ChatMessageImageURL{
						URL: fmt.Sprintf("data:%s;base64,%s", img.MIME, img.Data),
					},
				})
			}
			msg.Content = ""
			msg.MultiContent = parts
		}
		wire[i] = msg
	}
	return wire
}
