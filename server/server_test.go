package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duetchat/duet/ai/llm"
	"github.com/duetchat/duet/ai/metrics"
	"github.com/duetchat/duet/chat"
	"github.com/duetchat/duet/internal/profile"
	"github.com/duetchat/duet/store"
)

type memoryDriver struct {
	mu            sync.Mutex
	conversations map[string]*store.Conversation
}

func (d *memoryDriver) Migrate(ctx context.Context) error { return nil }
func (d *memoryDriver) Close() error                      { return nil }

func (d *memoryDriver) GetConversation(ctx context.Context, id string) (*store.Conversation, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	conv, ok := d.conversations[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return conv.Clone(), nil
}

func (d *memoryDriver) UpsertConversation(ctx context.Context, conv *store.Conversation) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.conversations[conv.ID] = conv.Clone()
	return nil
}

func (d *memoryDriver) DeleteConversation(ctx context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.conversations[id]; !ok {
		return store.ErrNotFound
	}
	delete(d.conversations, id)
	return nil
}

func (d *memoryDriver) ListConversations(ctx context.Context, find *store.FindConversation) ([]*store.Conversation, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*store.Conversation
	for _, conv := range d.conversations {
		out = append(out, conv.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedTs > out[j].UpdatedTs })
	return out, nil
}

type fakeService struct {
	chunks []string
}

func (f *fakeService) TestConnection(ctx context.Context) error { return nil }

func (f *fakeService) Chat(ctx context.Context, messages []llm.Message, opts llm.Options) (string, *llm.CallStats, error) {
	return strings.Join(f.chunks, ""), &llm.CallStats{}, nil
}

func (f *fakeService) ChatStream(ctx context.Context, messages []llm.Message, opts llm.Options) (<-chan string, <-chan *llm.CallStats, <-chan error) {
	contentChan := make(chan string, len(f.chunks))
	statsChan := make(chan *llm.CallStats, 1)
	errChan := make(chan error, 1)
	go func() {
		defer close(contentChan)
		defer close(statsChan)
		defer close(errChan)
		for _, chunk := range f.chunks {
			contentChan <- chunk
		}
		statsChan <- &llm.CallStats{}
	}()
	return contentChan, statsChan, errChan
}

type fakeResolver struct {
	svc llm.Service
}

func (r *fakeResolver) ForModel(model string) (llm.Service, error) {
	if r.svc == nil {
		return nil, llm.ErrNoBackend
	}
	return r.svc, nil
}

func (r *fakeResolver) Probe(ctx context.Context) error {
	if r.svc == nil {
		return llm.ErrNoBackend
	}
	return r.svc.TestConnection(ctx)
}

func newTestServer(t *testing.T, svc llm.Service) *Server {
	t.Helper()
	p := &profile.Profile{Mode: "dev", LLMProvider: "ollama"}
	driver := &memoryDriver{conversations: make(map[string]*store.Conversation)}
	resolver := &fakeResolver{svc: svc}
	orchestrator := chat.NewOrchestrator(store.New(driver, p), resolver, chat.NewEventBus(), nil)
	t.Cleanup(orchestrator.Close)
	return NewServer(p, orchestrator, resolver, metrics.NewPrometheusExporter(metrics.DefaultConfig()))
}

func doJSON(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)
	return rec
}

func createTestConversation(t *testing.T, s *Server, models ...string) *store.Conversation {
	t.Helper()
	body, err := json.Marshal(map[string]any{"title": "", "models": models})
	require.NoError(t, err)
	rec := doJSON(t, s, http.MethodPost, "/api/v1/conversations", string(body))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var conv store.Conversation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &conv))
	return &conv
}

func TestStatusEndpoint(t *testing.T) {
	s := newTestServer(t, &fakeService{})
	rec := doJSON(t, s, http.MethodGet, "/api/v1/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var status statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "dev", status.Mode)
	assert.True(t, status.BackendConfigured)
	assert.Nil(t, status.BackendReachable)
}

func TestStatusEndpoint_Probe(t *testing.T) {
	s := newTestServer(t, &fakeService{})
	rec := doJSON(t, s, http.MethodGet, "/api/v1/status?probe=true", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var status statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	require.NotNil(t, status.BackendReachable)
	assert.True(t, *status.BackendReachable)
	assert.Empty(t, status.ProbeError)
}

func TestStatusEndpoint_ClientVersion(t *testing.T) {
	s := newTestServer(t, &fakeService{})

	rec := doJSON(t, s, http.MethodGet, "/api/v1/status?clientVersion=0.0.1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var status statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	require.NotNil(t, status.ClientSupported)
	assert.False(t, *status.ClientSupported)

	rec = doJSON(t, s, http.MethodGet, "/api/v1/status?clientVersion=1.2.0", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	require.NotNil(t, status.ClientSupported)
	assert.True(t, *status.ClientSupported)
}

func TestConversationCRUD(t *testing.T) {
	s := newTestServer(t, &fakeService{})

	conv := createTestConversation(t, s, "llama3.2")
	require.NotEmpty(t, conv.ID)

	rec := doJSON(t, s, http.MethodGet, "/api/v1/conversations/"+conv.ID, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, s, http.MethodGet, "/api/v1/conversations", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	var list []*store.Conversation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list, 1)

	rec = doJSON(t, s, http.MethodDelete, "/api/v1/conversations/"+conv.ID, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, s, http.MethodGet, "/api/v1/conversations/"+conv.ID, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateConversation_RejectsBadModels(t *testing.T) {
	s := newTestServer(t, &fakeService{})
	rec := doJSON(t, s, http.MethodPost, "/api/v1/conversations", `{"models":[]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSendMessage_StreamsSnapshots(t *testing.T) {
	s := newTestServer(t, &fakeService{chunks: []string{"Hi", "!"}})
	conv := createTestConversation(t, s, "llama3.2")

	rec := doJSON(t, s, http.MethodPost,
		fmt.Sprintf("/api/v1/conversations/%s/messages", conv.ID),
		`{"text":"hello"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/event-stream")

	var sawDone bool
	var last *store.Conversation
	scanner := bufio.NewScanner(rec.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "event: done" {
			sawDone = true
		}
		if data, ok := strings.CutPrefix(line, "data: "); ok && data != "{}" {
			var snap store.Conversation
			require.NoError(t, json.Unmarshal([]byte(data), &snap))
			last = &snap
		}
	}
	require.True(t, sawDone, "stream must finish with a done event")
	require.NotNil(t, last)
	require.Len(t, last.Messages, 2)
	assert.Equal(t, "Hi!", last.Messages[1].Text)
	assert.False(t, last.Messages[1].IsStreaming)
}

func TestSendMessage_NullAttachmentEntries(t *testing.T) {
	s := newTestServer(t, &fakeService{chunks: []string{"ok"}})
	conv := createTestConversation(t, s, "llama3.2")

	rec := doJSON(t, s, http.MethodPost,
		fmt.Sprintf("/api/v1/conversations/%s/messages", conv.ID),
		`{"text":"look","attachments":[null,{"name":"pic.png","mime":"image/png","data":"aGk="}]}`)
	require.Equal(t, http.StatusOK, rec.Code)

	loaded := doJSON(t, s, http.MethodGet, fmt.Sprintf("/api/v1/conversations/%s", conv.ID), "")
	require.Equal(t, http.StatusOK, loaded.Code)
	var got store.Conversation
	require.NoError(t, json.Unmarshal(loaded.Body.Bytes(), &got))
	require.NotEmpty(t, got.Messages)
	atts := got.Messages[0].Attachments
	require.Len(t, atts, 1, "null entries are dropped, real ones kept")
	assert.NotEmpty(t, atts[0].ID, "attachment gets an id assigned")
	assert.Equal(t, int64(2), atts[0].Size)
}

func TestSendMessage_UnknownConversation(t *testing.T) {
	s := newTestServer(t, &fakeService{})
	rec := doJSON(t, s, http.MethodPost, "/api/v1/conversations/missing/messages", `{"text":"hi"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelEndpoint_IdleConversation(t *testing.T) {
	s := newTestServer(t, &fakeService{})
	conv := createTestConversation(t, s, "llama3.2")

	rec := doJSON(t, s, http.MethodPost, fmt.Sprintf("/api/v1/conversations/%s/cancel", conv.ID), "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]bool
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp["generating"])
}

func TestCancelEndpoint_ChannelParam(t *testing.T) {
	s := newTestServer(t, &fakeService{})
	conv := createTestConversation(t, s, "llama3.2", "qwen2.5")

	rec := doJSON(t, s, http.MethodPost,
		fmt.Sprintf("/api/v1/conversations/%s/cancel?channel=model2", conv.ID), "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]bool
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp["generating"])
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, &fakeService{})
	rec := doJSON(t, s, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}
