package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// ollamaService speaks Ollama's native chat protocol: newline-delimited
// JSON frames over a single HTTP response.
type ollamaService struct {
	baseURL string
	model   string
	client  *http.Client
	timeout time.Duration
}

func newOllamaService(cfg *Config) *ollamaService {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	return &ollamaService{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		model:   cfg.Model,
		client:  newHTTPClient(cfg.timeout()),
		timeout: cfg.timeout(),
	}
}

type ollamaMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  map[string]any  `json:"options,omitempty"`
}

type ollamaChatResponse struct {
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	Done               bool  `json:"done"`
	PromptEvalCount    int   `json:"prompt_eval_count"`
	EvalCount          int   `json:"eval_count"`
	TotalDuration      int64 `json:"total_duration"`
	PromptEvalDuration int64 `json:"prompt_eval_duration"`
}

func (s *ollamaService) TestConnection(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/api/tags", nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("ollama unreachable at %s: %w", s.baseURL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return classifyStatus("ollama", resp.StatusCode, fmt.Errorf("ollama returned status %d", resp.StatusCode))
	}
	return nil
}

func (s *ollamaService) Chat(ctx context.Context, messages []Message, opts Options) (string, *CallStats, error) {
	ctx, cancel := context.WithTimeout(ctx, s.callTimeout(opts))
	defer cancel()

	startTime := time.Now()

	resp, err := s.send(ctx, messages, opts, false)
	if err != nil {
		return "", nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	var out ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", nil, fmt.Errorf("decode ollama response: %w", err)
	}

	stats := &CallStats{
		PromptTokens:       out.PromptEvalCount,
		CompletionTokens:   out.EvalCount,
		TotalTokens:        out.PromptEvalCount + out.EvalCount,
		ThinkingDurationMs: out.PromptEvalDuration / int64(time.Millisecond),
		TotalDurationMs:    time.Since(startTime).Milliseconds(),
	}
	return out.Message.Content, stats, nil
}

func (s *ollamaService) ChatStream(ctx context.Context, messages []Message, opts Options) (<-chan string, <-chan *CallStats, <-chan error) {
	contentChan := make(chan string, 10)
	statsChan := make(chan *CallStats, 1)
	errChan := make(chan error, 1)

	go func() {
		defer close(contentChan)
		defer close(statsChan)
		defer close(errChan)

		ctx, cancel := context.WithTimeout(ctx, s.callTimeout(opts))
		defer cancel()

		startTime := time.Now()
		var firstChunkTime time.Time

		resp, err := s.send(ctx, messages, opts, true)
		if err != nil {
			slog.Error("llm: failed to open ollama stream", "error", err)
			select {
			case errChan <- err:
			case <-ctx.Done():
			}
			return
		}
		defer func() { _ = resp.Body.Close() }()

		scanner := bufio.NewScanner(resp.Body)
		// Single frames can exceed the default 64K token limit on long
		// context models.
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		chunkCount := 0

		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}

			var frame ollamaChatResponse
			if err := json.Unmarshal(line, &frame); err != nil {
				// A malformed frame is dropped, not fatal; the stream
				// continues with the next line.
				slog.Warn("llm: skipping malformed ollama frame", "error", err)
				continue
			}

			if frame.Message.Content != "" {
				if firstChunkTime.IsZero() {
					firstChunkTime = time.Now()
				}
				chunkCount++
				select {
				case contentChan <- frame.Message.Content:
				case <-ctx.Done():
					if !errors.Is(ctx.Err(), context.Canceled) {
						errChan <- ctx.Err()
					}
					return
				}
			}

			if frame.Done {
				stats := &CallStats{
					PromptTokens:     frame.PromptEvalCount,
					CompletionTokens: frame.EvalCount,
					TotalTokens:      frame.PromptEvalCount + frame.EvalCount,
					TotalDurationMs:  time.Since(startTime).Milliseconds(),
				}
				if !firstChunkTime.IsZero() {
					stats.ThinkingDurationMs = firstChunkTime.Sub(startTime).Milliseconds()
				}
				statsChan <- stats
				return
			}
		}

		// Only the caller's own cancellation ends a stream silently; the
		// orchestrator finalizes the message itself in that case. Anything
		// else that stops the stream before the done frame is a failure:
		// the done frame is the protocol's completion marker, and a stream
		// without one was truncated.
		if errors.Is(ctx.Err(), context.Canceled) {
			return
		}
		err = scanner.Err()
		switch {
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			err = ctx.Err()
		case err == nil:
			err = fmt.Errorf("ollama stream closed before the done frame (%d chunks received)", chunkCount)
		}
		slog.Error("llm: ollama stream interrupted", "error", err, "chunks_so_far", chunkCount)
		errChan <- err
	}()

	return contentChan, statsChan, errChan
}

func (s *ollamaService) send(ctx context.Context, messages []Message, opts Options, stream bool) (*http.Response, error) {
	body := ollamaChatRequest{
		Model:    s.model,
		Messages: convertOllamaMessages(messages),
		Stream:   stream,
		Options:  buildOllamaOptions(opts),
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/api/chat", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		return nil, classifyStatus("ollama", resp.StatusCode,
			fmt.Errorf("ollama returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail))))
	}
	return resp, nil
}

func (s *ollamaService) callTimeout(opts Options) time.Duration {
	if opts.Timeout > 0 {
		return opts.Timeout
	}
	return s.timeout
}

func convertOllamaMessages(messages []Message) []ollamaMessage {
	wire := make([]ollamaMessage, len(messages))
	for i, m := range messages {
		om := ollamaMessage{Role: m.Role, Content: m.Content}
		for _, img := range m.Images {
			om.Images = append(om.Images, img.Data)
		}
		wire[i] = om
	}
	return wire
}

func buildOllamaOptions(opts Options) map[string]any {
	options := map[string]any{}
	if opts.Temperature > 0 {
		options["temperature"] = opts.Temperature
	}
	if opts.TopP > 0 {
		options["top_p"] = opts.TopP
	}
	if opts.MaxTokens > 0 {
		options["num_predict"] = opts.MaxTokens
	}
	if len(options) == 0 {
		return nil
	}
	return options
}
