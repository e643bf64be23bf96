// Package openai streams chat completions from OpenAI-compatible APIs.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/upb/llm-gateway/services/providers"
)

const (
	// Name is the registry name of this provider
	Name = "openai"

	DefaultBaseURL = "https://api.openai.com/v1"
	DefaultModel   = "gpt-4o-mini"

	doneSentinel = "[DONE]"
)

// Provider talks to /chat/completions with stream=true
type Provider struct {
	cfg    providers.ProviderConfig
	client *http.Client
}

// New creates an OpenAI provider
func New(cfg providers.ProviderConfig) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: api key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	return &Provider{cfg: cfg, client: cfg.NewHTTPClient()}, nil
}

// Builder adapts New to providers.ProviderBuilder
func Builder(cfg providers.ProviderConfig) (providers.Provider, error) {
	return New(cfg)
}

// Name returns the provider name
func (p *Provider) Name() string {
	return Name
}

type chatRequest struct {
	Model       string              `json:"model"`
	Messages    []providers.Message `json:"messages"`
	Stream      bool                `json:"stream"`
	MaxTokens   int                 `json:"max_tokens,omitempty"`
	Temperature *float64            `json:"temperature,omitempty"`
	User        string              `json:"user,omitempty"`
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Error *apiError `json:"error,omitempty"`
}

type apiError struct {
	Message string      `json:"message"`
	Type    string      `json:"type"`
	Code    interface{} `json:"code"`
}

// Stream starts a streaming completion
func (p *Provider) Stream(ctx context.Context, req *providers.ChatRequest) (providers.Stream, error) {
	model := req.Model
	if model == "" {
		model = p.cfg.Model
	}

	body, err := json.Marshal(chatRequest{
		Model:       model,
		Messages:    req.Messages,
		Stream:      true,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		User:        req.User,
	})
	if err != nil {
		return nil, providers.NewProviderError(Name, "encode", "failed to encode request", 0, false, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, providers.NewProviderError(Name, "request", "failed to build request", 0, false, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	for k, v := range p.cfg.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, providers.NewProviderError(Name, "transport", "request failed", 0, true, err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, decodeError(resp)
	}

	return &stream{body: resp.Body, events: providers.NewSSEReader(resp.Body)}, nil
}

func decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var envelope struct {
		Error apiError `json:"error"`
	}
	message := http.StatusText(resp.StatusCode)
	code := "http_error"
	if json.Unmarshal(raw, &envelope) == nil && envelope.Error.Message != "" {
		message = envelope.Error.Message
		if envelope.Error.Type != "" {
			code = envelope.Error.Type
		}
	}

	return providers.NewProviderError(Name, code, message, resp.StatusCode, providers.RetryableStatus(resp.StatusCode), nil)
}

type stream struct {
	body      io.ReadCloser
	events    *providers.SSEReader
	done      bool
	closeOnce sync.Once
}

// Recv returns the next non-empty chunk
func (s *stream) Recv() (providers.Chunk, error) {
	if s.done {
		return providers.Chunk{}, io.EOF
	}

	for {
		data, err := s.events.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return providers.Chunk{}, providers.NewProviderError(Name, "stream", "stream interrupted", 0, false, err)
		}

		if string(bytes.TrimSpace(data)) == doneSentinel {
			s.done = true
			return providers.Chunk{}, io.EOF
		}

		var chunk streamChunk
		if err := json.Unmarshal(data, &chunk); err != nil {
			return providers.Chunk{}, providers.NewProviderError(Name, "decode", "malformed stream event", 0, false, err)
		}
		if chunk.Error != nil {
			return providers.Chunk{}, providers.NewProviderError(Name, fmt.Sprint(chunk.Error.Code), chunk.Error.Message, 0, false, nil)
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		choice := chunk.Choices[0]
		out := providers.Chunk{Text: choice.Delta.Content}
		if choice.FinishReason != nil {
			out.FinishReason = *choice.FinishReason
		}
		if out.Text == "" && out.FinishReason == "" {
			continue
		}
		return out, nil
	}
}

// Close releases the response body
func (s *stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.body.Close()
	})
	return err
}
