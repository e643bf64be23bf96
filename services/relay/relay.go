// Package relay streams completions from a provider to one client with a
// bounded buffer between them.
package relay

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/upb/llm-gateway/services"
	"github.com/upb/llm-gateway/services/providers"
	"go.uber.org/zap"
)

// EventType tags a relay event
type EventType string

const (
	EventChunk EventType = "chunk"
	EventDone  EventType = "done"
	EventError EventType = "error"
)

// Event is one item delivered to the client. A session emits any number of
// chunks followed by at most one done or error event.
type Event struct {
	Type         EventType
	Text         string
	FinishReason string
	Err          error
}

// Terminal reports whether e ends the stream
func (e Event) Terminal() bool {
	return e.Type != EventChunk
}

// ProviderSource yields the provider new sessions stream from
type ProviderSource interface {
	Default() (providers.Provider, error)
}

// Config tunes the relay
type Config struct {
	// BufferSize is the number of chunks held between upstream and client
	BufferSize int

	// MaxPromptBytes bounds the total size of the messages sent upstream
	MaxPromptBytes int

	// MaxTokens is forwarded to the provider when positive
	MaxTokens int
}

// DefaultConfig returns the relay defaults
func DefaultConfig() Config {
	return Config{BufferSize: 16, MaxPromptBytes: 32 * 1024}
}

// Relay opens proxy sessions
type Relay struct {
	source ProviderSource
	cfg    Config
	active atomic.Int64
	logger *zap.Logger
}

// New creates a relay
func New(source ProviderSource, cfg Config, logger *zap.Logger) *Relay {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}
	if cfg.MaxPromptBytes <= 0 {
		cfg.MaxPromptBytes = DefaultConfig().MaxPromptBytes
	}
	return &Relay{source: source, cfg: cfg, logger: logger}
}

// Active returns the number of sessions whose producer is still running
func (r *Relay) Active() int64 {
	return r.active.Load()
}

// Open streams a completion of a single user prompt
func (r *Relay) Open(ctx context.Context, identity uuid.UUID, prompt string) (*Session, error) {
	return r.OpenChat(ctx, identity, []providers.Message{{Role: providers.RoleUser, Content: prompt}})
}

// OpenChat streams a completion of messages, the last of which is the prompt.
// Errors returned here happen before anything was streamed. The session is
// bound to ctx: cancelling it tears the session down.
func (r *Relay) OpenChat(ctx context.Context, identity uuid.UUID, messages []providers.Message) (*Session, error) {
	if len(messages) == 0 || strings.TrimSpace(messages[len(messages)-1].Content) == "" {
		return nil, services.ErrEmptyPrompt
	}
	size := 0
	for _, m := range messages {
		size += len(m.Content)
	}
	if size > r.cfg.MaxPromptBytes {
		return nil, services.ErrPromptTooBig.WithDetail("max_bytes", r.cfg.MaxPromptBytes)
	}

	provider, err := r.source.Default()
	if err != nil {
		return nil, services.ErrProviderUnavailable.Wrap(err)
	}

	sctx, cancel := context.WithCancel(ctx)
	stream, err := provider.Stream(sctx, &providers.ChatRequest{
		Messages:  messages,
		MaxTokens: r.cfg.MaxTokens,
		User:      identity.String(),
	})
	if err != nil {
		cancel()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, services.ErrProviderError.Wrap(err)
	}

	s := &Session{
		ID:        uuid.New(),
		Identity:  identity,
		Provider:  provider.Name(),
		StartedAt: time.Now(),
		ctx:       sctx,
		cancel:    cancel,
		stream:    stream,
		events:    make(chan Event, r.cfg.BufferSize),
		done:      make(chan struct{}),
		relay:     r,
	}

	r.active.Add(1)
	go s.produce()

	r.logger.Debug("relay session opened",
		zap.String("session_id", s.ID.String()),
		zap.String("user_id", identity.String()),
		zap.String("provider", s.Provider))

	return s, nil
}

// Session is one in-flight completion. Events are read from Events until it
// is closed; Close may be called any number of times from any goroutine.
type Session struct {
	ID        uuid.UUID
	Identity  uuid.UUID
	Provider  string
	StartedAt time.Time

	ctx       context.Context
	cancel    context.CancelFunc
	stream    providers.Stream
	events    chan Event
	done      chan struct{}
	closeOnce sync.Once
	relay     *Relay
}

// Events delivers chunks and then one terminal event. The channel is closed
// when the session ends.
func (s *Session) Events() <-chan Event {
	return s.events
}

// Done is closed once the upstream producer has exited
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Close cancels the upstream request and releases the stream
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		if err := s.stream.Close(); err != nil {
			s.relay.logger.Debug("closing upstream stream", zap.Error(err))
		}
	})
}

func (s *Session) produce() {
	defer s.relay.active.Add(-1)
	defer close(s.done)
	defer close(s.events)
	defer s.Close()

	chunks := 0
	finish := ""
	for {
		chunk, err := s.stream.Recv()
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				s.finish(Event{Type: EventDone, FinishReason: finish})
			case s.ctx.Err() != nil:
				s.finish(Event{Type: EventError, Err: s.ctx.Err()})
			default:
				s.relay.logger.Warn("upstream stream failed",
					zap.String("session_id", s.ID.String()),
					zap.String("provider", s.Provider),
					zap.Int("chunks", chunks),
					zap.Error(err))
				s.finish(Event{Type: EventError, Err: services.ErrProviderError.Wrap(err)})
			}
			s.relay.logger.Debug("relay session finished",
				zap.String("session_id", s.ID.String()),
				zap.Int("chunks", chunks),
				zap.Duration("duration", time.Since(s.StartedAt)))
			return
		}

		if chunk.FinishReason != "" {
			finish = chunk.FinishReason
		}
		if chunk.Text == "" {
			continue
		}

		select {
		case s.events <- Event{Type: EventChunk, Text: chunk.Text}:
			chunks++
		case <-s.ctx.Done():
			s.finish(Event{Type: EventError, Err: s.ctx.Err()})
			return
		}
	}
}

// finish delivers the terminal event. Once the session is cancelled nobody
// may be reading, so delivery is only attempted if the buffer has room.
func (s *Session) finish(ev Event) {
	if s.ctx.Err() != nil {
		select {
		case s.events <- ev:
		default:
		}
		return
	}
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}
