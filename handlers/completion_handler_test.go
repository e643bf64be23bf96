package handlers

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/llm-gateway/services/providers"
	"github.com/upb/llm-gateway/services/relay"
	"go.uber.org/zap"
)

// scriptedProvider replays a fixed list of chunks, then ends with err or
// io.EOF
type scriptedProvider struct {
	chunks   []string
	err      error
	startErr error
	requests []*providers.ChatRequest
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Stream(ctx context.Context, req *providers.ChatRequest) (providers.Stream, error) {
	p.requests = append(p.requests, req)
	if p.startErr != nil {
		return nil, p.startErr
	}
	return &scriptedStream{ctx: ctx, chunks: append([]string(nil), p.chunks...), err: p.err}, nil
}

type scriptedStream struct {
	ctx    context.Context
	chunks []string
	err    error
}

func (s *scriptedStream) Recv() (providers.Chunk, error) {
	if err := s.ctx.Err(); err != nil {
		return providers.Chunk{}, err
	}
	if len(s.chunks) == 0 {
		if s.err != nil {
			return providers.Chunk{}, s.err
		}
		return providers.Chunk{FinishReason: "stop"}, io.EOF
	}
	next := s.chunks[0]
	s.chunks = s.chunks[1:]
	return providers.Chunk{Text: next}, nil
}

func (s *scriptedStream) Close() error { return nil }

func newTestRelay(t *testing.T, p providers.Provider) *relay.Relay {
	t.Helper()
	reg := providers.NewRegistry()
	if p != nil {
		require.NoError(t, reg.RegisterProvider(p))
	}
	return relay.New(reg, relay.DefaultConfig(), zap.NewNop())
}

type sseEvent struct {
	name string
	data string
}

func parseEvents(t *testing.T, body string) []sseEvent {
	t.Helper()
	var events []sseEvent
	for _, block := range strings.Split(strings.TrimSpace(body), "\n\n") {
		var ev sseEvent
		for _, line := range strings.Split(block, "\n") {
			switch {
			case strings.HasPrefix(line, "event: "):
				ev.name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				ev.data = strings.TrimPrefix(line, "data: ")
			}
		}
		if ev.name != "" {
			events = append(events, ev)
		}
	}
	return events
}

func completionRequest(t *testing.T, identity uuid.UUID, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/completions", bytes.NewBufferString(body))
	return withIdentity(req, identity)
}

func TestCompletionHandler_Streams(t *testing.T) {
	p := &scriptedProvider{chunks: []string{"Hel", "lo", "!"}}
	handler := NewCompletionHandler(newTestRelay(t, p), zap.NewNop())

	w := httptest.NewRecorder()
	handler.HandleCompletion(w, completionRequest(t, uuid.New(), `{"prompt":"hi","system":"be brief"}`))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	events := parseEvents(t, w.Body.String())
	require.Len(t, events, 4)
	assert.Equal(t, sseEvent{"chunk", `{"text":"Hel"}`}, events[0])
	assert.Equal(t, sseEvent{"chunk", `{"text":"lo"}`}, events[1])
	assert.Equal(t, sseEvent{"chunk", `{"text":"!"}`}, events[2])
	assert.Equal(t, "done", events[3].name)

	require.Len(t, p.requests, 1)
	assert.Equal(t, []providers.Message{
		{Role: providers.RoleSystem, Content: "be brief"},
		{Role: providers.RoleUser, Content: "hi"},
	}, p.requests[0].Messages)
}

func TestCompletionHandler_UpstreamFailureMidStream(t *testing.T) {
	p := &scriptedProvider{
		chunks: []string{"partial"},
		err:    providers.NewProviderError("scripted", "server_error", "secret upstream detail", 500, true, nil),
	}
	handler := NewCompletionHandler(newTestRelay(t, p), zap.NewNop())

	w := httptest.NewRecorder()
	handler.HandleCompletion(w, completionRequest(t, uuid.New(), `{"prompt":"hi"}`))

	assert.Equal(t, http.StatusOK, w.Code)
	events := parseEvents(t, w.Body.String())
	require.Len(t, events, 2)
	assert.Equal(t, "chunk", events[0].name)
	assert.Equal(t, "error", events[1].name)
	assert.Contains(t, events[1].data, `"error":"bad_gateway"`)
	assert.NotContains(t, w.Body.String(), "secret upstream detail")
}

func TestCompletionHandler_PreStreamErrors(t *testing.T) {
	tests := []struct {
		name     string
		provider providers.Provider
		body     string
		status   int
	}{
		{
			name:     "missing prompt",
			provider: &scriptedProvider{},
			body:     `{}`,
			status:   http.StatusBadRequest,
		},
		{
			name:     "blank prompt",
			provider: &scriptedProvider{},
			body:     `{"prompt":"   "}`,
			status:   http.StatusBadRequest,
		},
		{
			name:     "oversized prompt",
			provider: &scriptedProvider{},
			body:     `{"prompt":"` + strings.Repeat("a", 40*1024) + `"}`,
			status:   http.StatusBadRequest,
		},
		{
			name:   "no provider configured",
			body:   `{"prompt":"hi"}`,
			status: http.StatusServiceUnavailable,
		},
		{
			name:     "provider refuses",
			provider: &scriptedProvider{startErr: providers.NewProviderError("scripted", "auth", "bad key", 401, false, nil)},
			body:     `{"prompt":"hi"}`,
			status:   http.StatusBadGateway,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := NewCompletionHandler(newTestRelay(t, tt.provider), zap.NewNop())

			w := httptest.NewRecorder()
			handler.HandleCompletion(w, completionRequest(t, uuid.New(), tt.body))

			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
		})
	}
}

func TestCompletionHandler_RequiresIdentity(t *testing.T) {
	handler := NewCompletionHandler(newTestRelay(t, &scriptedProvider{}), zap.NewNop())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/completions", bytes.NewBufferString(`{"prompt":"hi"}`))
	w := httptest.NewRecorder()
	handler.HandleCompletion(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestCompletionHandler_ReleasesSessions(t *testing.T) {
	r := newTestRelay(t, &scriptedProvider{chunks: []string{"a", "b"}})
	handler := NewCompletionHandler(r, zap.NewNop())

	for i := 0; i < 5; i++ {
		w := httptest.NewRecorder()
		handler.HandleCompletion(w, completionRequest(t, uuid.New(), `{"prompt":"hi"}`))
		require.Equal(t, http.StatusOK, w.Code)
	}

	assert.Eventually(t, func() bool { return r.Active() == 0 }, time.Second, 10*time.Millisecond)
}
