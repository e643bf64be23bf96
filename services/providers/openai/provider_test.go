package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/llm-gateway/services/providers"
)

func newTestProvider(t *testing.T, handler http.HandlerFunc) *Provider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	p, err := New(providers.ProviderConfig{APIKey: "sk-test", BaseURL: srv.URL + "/", Model: "gpt-test", Timeout: 5 * time.Second})
	require.NoError(t, err)
	return p
}

func writeEvents(w http.ResponseWriter, events ...string) {
	w.Header().Set("Content-Type", "text/event-stream")
	for _, e := range events {
		fmt.Fprintf(w, "data: %s\n\n", e)
		w.(http.Flusher).Flush()
	}
}

func collect(t *testing.T, s providers.Stream) (string, error) {
	t.Helper()
	var text string
	for {
		chunk, err := s.Recv()
		if err != nil {
			return text, err
		}
		text += chunk.Text
	}
}

func TestProvider_Stream(t *testing.T) {
	var got chatRequest
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		writeEvents(w,
			`{"choices":[{"delta":{"role":"assistant"},"finish_reason":null}]}`,
			`{"choices":[{"delta":{"content":"Hel"},"finish_reason":null}]}`,
			`{"choices":[{"delta":{"content":"lo"},"finish_reason":null}]}`,
			`{"choices":[{"delta":{},"finish_reason":"stop"}]}`,
			`[DONE]`,
		)
	})

	s, err := p.Stream(context.Background(), &providers.ChatRequest{
		Messages: []providers.Message{{Role: providers.RoleUser, Content: "hi"}},
		User:     "user-1",
	})
	require.NoError(t, err)
	defer s.Close()

	text, err := collect(t, s)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, "Hello", text)

	assert.Equal(t, "gpt-test", got.Model)
	assert.True(t, got.Stream)
	assert.Equal(t, "user-1", got.User)
	require.Len(t, got.Messages, 1)

	_, err = s.Recv()
	assert.ErrorIs(t, err, io.EOF, "Recv stays at EOF")
	assert.NoError(t, s.Close())
	assert.NoError(t, s.Close())
}

func TestProvider_FinishReasonSurfaces(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		writeEvents(w, `{"choices":[{"delta":{"content":"cut"},"finish_reason":"length"}]}`, `[DONE]`)
	})

	s, err := p.Stream(context.Background(), &providers.ChatRequest{})
	require.NoError(t, err)
	defer s.Close()

	chunk, err := s.Recv()
	require.NoError(t, err)
	assert.Equal(t, providers.Chunk{Text: "cut", FinishReason: "length"}, chunk)
}

func TestProvider_UpstreamErrors(t *testing.T) {
	t.Run("error status", func(t *testing.T) {
		p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
			io.WriteString(w, `{"error":{"message":"slow down","type":"rate_limit_error"}}`)
		})

		_, err := p.Stream(context.Background(), &providers.ChatRequest{})
		var perr *providers.ProviderError
		require.True(t, errors.As(err, &perr))
		assert.Equal(t, http.StatusTooManyRequests, perr.StatusCode)
		assert.Equal(t, "rate_limit_error", perr.Code)
		assert.Equal(t, "slow down", perr.Message)
		assert.True(t, perr.Retryable)
	})

	t.Run("non json error body", func(t *testing.T) {
		p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "gateway exploded", http.StatusBadGateway)
		})

		_, err := p.Stream(context.Background(), &providers.ChatRequest{})
		var perr *providers.ProviderError
		require.True(t, errors.As(err, &perr))
		assert.Equal(t, "Bad Gateway", perr.Message)
	})

	t.Run("stream cut before done", func(t *testing.T) {
		p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
			writeEvents(w, `{"choices":[{"delta":{"content":"partial"}}]}`)
		})

		s, err := p.Stream(context.Background(), &providers.ChatRequest{})
		require.NoError(t, err)
		defer s.Close()

		text, err := collect(t, s)
		assert.Equal(t, "partial", text)
		assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	})

	t.Run("error event mid stream", func(t *testing.T) {
		p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
			writeEvents(w, `{"error":{"message":"overloaded","code":"server_error"}}`)
		})

		s, err := p.Stream(context.Background(), &providers.ChatRequest{})
		require.NoError(t, err)
		defer s.Close()

		_, err = s.Recv()
		var perr *providers.ProviderError
		require.True(t, errors.As(err, &perr))
		assert.Equal(t, "overloaded", perr.Message)
	})

	t.Run("malformed event", func(t *testing.T) {
		p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
			writeEvents(w, `{not json`)
		})

		s, err := p.Stream(context.Background(), &providers.ChatRequest{})
		require.NoError(t, err)
		defer s.Close()

		_, err = s.Recv()
		assert.Error(t, err)
		assert.NotErrorIs(t, err, io.EOF)
	})
}

func TestProvider_ContextCancelAbortsRead(t *testing.T) {
	release := make(chan struct{})
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		writeEvents(w, `{"choices":[{"delta":{"content":"a"}}]}`)
		select {
		case <-r.Context().Done():
		case <-release:
		}
	})
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	s, err := p.Stream(ctx, &providers.ChatRequest{})
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Recv()
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() {
		_, err := s.Recv()
		errc <- err
	}()
	cancel()

	select {
	case err := <-errc:
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Recv did not return after cancel")
	}
}

func TestNew_RequiresKey(t *testing.T) {
	_, err := New(providers.ProviderConfig{})
	assert.Error(t, err)

	p, err := New(providers.ProviderConfig{APIKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, DefaultBaseURL, p.cfg.BaseURL)
	assert.Equal(t, DefaultModel, p.cfg.Model)
	assert.Equal(t, Name, p.Name())
}
