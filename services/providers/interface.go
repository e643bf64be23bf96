package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Provider represents a streaming LLM backend
type Provider interface {
	// Name returns the provider name (e.g., "openai", "gemini")
	Name() string

	// Stream starts a completion. The returned Stream yields chunks until
	// Recv returns io.EOF. Cancelling ctx aborts the upstream request.
	Stream(ctx context.Context, req *ChatRequest) (Stream, error)
}

// Stream is an in-flight completion
type Stream interface {
	// Recv blocks for the next chunk. It returns io.EOF after the provider
	// signalled completion and a *ProviderError on any upstream failure.
	Recv() (Chunk, error)

	// Close releases the connection. Safe to call more than once.
	Close() error
}

// Chunk is one increment of generated text
type Chunk struct {
	Text         string `json:"text"`
	FinishReason string `json:"finish_reason,omitempty"`
}

// Role of a message in a conversation
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatRequest represents a unified chat completion request
type ChatRequest struct {
	// Model identifier; empty selects the provider's configured model
	Model string `json:"model,omitempty"`

	// Messages in the conversation, oldest first
	Messages []Message `json:"messages"`

	// MaxTokens limits the response length
	MaxTokens int `json:"max_tokens,omitempty"`

	// Temperature controls randomness (0.0 to 2.0)
	Temperature *float64 `json:"temperature,omitempty"`

	// User identifier for abuse monitoring
	User string `json:"user,omitempty"`
}

// Message represents a single message in a conversation
type Message struct {
	// Role can be "system", "user", or "assistant"
	Role string `json:"role"`

	// Content is the message text
	Content string `json:"content"`
}

// ProviderConfig holds common configuration for providers
type ProviderConfig struct {
	// APIKey for authentication
	APIKey string

	// BaseURL for the API (optional override)
	BaseURL string

	// Model used when a request does not name one
	Model string

	// Timeout bounds connection setup and response headers. The body of a
	// stream is bounded only by the caller's context.
	Timeout time.Duration

	// Additional headers
	Headers map[string]string
}

// DefaultProviderConfig returns a sensible default configuration
func DefaultProviderConfig() ProviderConfig {
	return ProviderConfig{
		Timeout: 30 * time.Second,
		Headers: make(map[string]string),
	}
}

// NewHTTPClient builds a client for streaming use: no overall timeout, but
// bounded dial and header waits.
func (c ProviderConfig) NewHTTPClient() *http.Client {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = timeout
	transport.TLSHandshakeTimeout = timeout
	return &http.Client{Transport: transport}
}

// ProviderError represents an error from a provider
type ProviderError struct {
	// Provider that generated the error
	Provider string

	// Code is the error code
	Code string

	// Message is the error message
	Message string

	// StatusCode is the HTTP status code (if applicable)
	StatusCode int

	// Retryable indicates if the request can be retried
	Retryable bool

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface
func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Provider, e.Message)
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Cause != nil {
		return msg + ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap implements error unwrapping
func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// NewProviderError creates a new provider error
func NewProviderError(provider, code, message string, statusCode int, retryable bool, cause error) *ProviderError {
	return &ProviderError{
		Provider:   provider,
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
		Retryable:  retryable,
		Cause:      cause,
	}
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	var provErr *ProviderError
	if errors.As(err, &provErr) {
		return provErr.Retryable
	}
	return false
}

// RetryableStatus reports whether an upstream HTTP status is worth retrying
// on a fresh request.
func RetryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || status >= http.StatusInternalServerError
}
