// Package gemini streams completions from the Gemini generateContent API.
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/upb/llm-gateway/services/providers"
)

const (
	// Name is the registry name of this provider
	Name = "gemini"

	DefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	DefaultModel   = "gemini-1.5-flash"
)

// Provider calls models/{model}:streamGenerateContent?alt=sse
type Provider struct {
	cfg    providers.ProviderConfig
	client *http.Client
}

// New creates a Gemini provider
func New(cfg providers.ProviderConfig) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gemini: api key is required")
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

type part struct {
	Text string `json:"text"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type generationConfig struct {
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	Temperature     *float64 `json:"temperature,omitempty"`
}

type generateRequest struct {
	Contents          []content         `json:"contents"`
	SystemInstruction *content          `json:"systemInstruction,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
}

type generateResponse struct {
	Candidates []struct {
		Content      content `json:"content"`
		FinishReason string  `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback,omitempty"`
	Error *apiError `json:"error,omitempty"`
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

// buildRequest maps chat messages onto Gemini contents. System messages go
// to systemInstruction and the assistant role is called "model".
func buildRequest(req *providers.ChatRequest) generateRequest {
	var out generateRequest
	var system []part

	for _, m := range req.Messages {
		switch m.Role {
		case providers.RoleSystem:
			system = append(system, part{Text: m.Content})
		case providers.RoleAssistant:
			out.Contents = append(out.Contents, content{Role: "model", Parts: []part{{Text: m.Content}}})
		default:
			out.Contents = append(out.Contents, content{Role: "user", Parts: []part{{Text: m.Content}}})
		}
	}
	if len(system) > 0 {
		out.SystemInstruction = &content{Parts: system}
	}
	if req.MaxTokens > 0 || req.Temperature != nil {
		out.GenerationConfig = &generationConfig{MaxOutputTokens: req.MaxTokens, Temperature: req.Temperature}
	}
	return out
}

// Stream starts a streaming completion
func (p *Provider) Stream(ctx context.Context, req *providers.ChatRequest) (providers.Stream, error) {
	model := req.Model
	if model == "" {
		model = p.cfg.Model
	}

	body, err := json.Marshal(buildRequest(req))
	if err != nil {
		return nil, providers.NewProviderError(Name, "encode", "failed to encode request", 0, false, err)
	}

	endpoint := p.cfg.BaseURL + "/models/" + url.PathEscape(model) + ":streamGenerateContent?alt=sse"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, providers.NewProviderError(Name, "request", "failed to build request", 0, false, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", p.cfg.APIKey)
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
		if envelope.Error.Status != "" {
			code = envelope.Error.Status
		}
	}

	return providers.NewProviderError(Name, code, message, resp.StatusCode, providers.RetryableStatus(resp.StatusCode), nil)
}

type stream struct {
	body      io.ReadCloser
	events    *providers.SSEReader
	finished  bool
	closeOnce sync.Once
}

// Recv returns the next non-empty chunk. Gemini has no end sentinel; the
// stream is complete when the body ends after a candidate carried a
// finishReason.
func (s *stream) Recv() (providers.Chunk, error) {
	for {
		data, err := s.events.Next()
		if err != nil {
			if errors.Is(err, io.EOF) && s.finished {
				return providers.Chunk{}, io.EOF
			}
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return providers.Chunk{}, providers.NewProviderError(Name, "stream", "stream interrupted", 0, false, err)
		}

		var resp generateResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			return providers.Chunk{}, providers.NewProviderError(Name, "decode", "malformed stream event", 0, false, err)
		}
		if resp.Error != nil {
			return providers.Chunk{}, providers.NewProviderError(Name, resp.Error.Status, resp.Error.Message, resp.Error.Code, false, nil)
		}
		if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
			return providers.Chunk{}, providers.NewProviderError(Name, "blocked", "prompt blocked: "+resp.PromptFeedback.BlockReason, 0, false, nil)
		}
		if len(resp.Candidates) == 0 {
			continue
		}

		cand := resp.Candidates[0]
		var text strings.Builder
		for _, p := range cand.Content.Parts {
			text.WriteString(p.Text)
		}
		out := providers.Chunk{Text: text.String(), FinishReason: strings.ToLower(cand.FinishReason)}
		if out.FinishReason != "" {
			s.finished = true
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
