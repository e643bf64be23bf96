package handlers

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/upb/llm-gateway/middleware"
	"github.com/upb/llm-gateway/services"
	"github.com/upb/llm-gateway/services/providers"
	"github.com/upb/llm-gateway/services/relay"
	"github.com/upb/llm-gateway/utils"
	"go.uber.org/zap"
)

// CompletionRequest is the body of POST /api/v1/completions
type CompletionRequest struct {
	Prompt string `json:"prompt" validate:"required"`
	System string `json:"system,omitempty"`
}

// ChunkEvent carries one piece of generated text
type ChunkEvent struct {
	Text string `json:"text"`
}

// DoneEvent ends a successful stream
type DoneEvent struct {
	FinishReason string     `json:"finish_reason,omitempty"`
	MessageID    *uuid.UUID `json:"message_id,omitempty"`
}

// Streamer opens relay sessions
type Streamer interface {
	OpenChat(ctx context.Context, identity uuid.UUID, messages []providers.Message) (*relay.Session, error)
}

// CompletionHandler streams completions over server-sent events
type CompletionHandler struct {
	relay  Streamer
	logger *zap.Logger
}

// NewCompletionHandler creates a new CompletionHandler
func NewCompletionHandler(relay Streamer, logger *zap.Logger) *CompletionHandler {
	return &CompletionHandler{
		relay:  relay,
		logger: logger,
	}
}

// HandleCompletion handles POST /api/v1/completions. Failures before the
// first byte are plain HTTP errors; afterwards the stream ends with exactly
// one done or error event.
func (h *CompletionHandler) HandleCompletion(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestIDFromContext(ctx)

	identity, ok := middleware.GetIdentityFromContext(ctx)
	if !ok {
		HandleServiceError(w, services.ErrUnauthorized, h.logger)
		return
	}

	var req CompletionRequest
	if !decodeAndValidate(w, r, &req, h.logger) {
		return
	}

	messages := make([]providers.Message, 0, 2)
	if req.System != "" {
		messages = append(messages, providers.Message{Role: providers.RoleSystem, Content: req.System})
	}
	messages = append(messages, providers.Message{Role: providers.RoleUser, Content: req.Prompt})

	session, err := h.relay.OpenChat(ctx, identity, messages)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	defer session.Close()

	stream, err := utils.NewEventStream(w)
	if err != nil {
		h.logger.Error("response writer cannot stream", zap.String("request_id", requestID))
		HandleServiceError(w, services.WrapInternal("open event stream", err), h.logger)
		return
	}

	h.logger.Debug("completion stream started",
		zap.String("request_id", requestID),
		zap.String("session_id", session.ID.String()),
		zap.String("provider", session.Provider))

	for ev := range session.Events() {
		var err error
		switch ev.Type {
		case relay.EventChunk:
			err = stream.Send(string(relay.EventChunk), ChunkEvent{Text: ev.Text})
		case relay.EventDone:
			err = stream.Send(string(relay.EventDone), DoneEvent{FinishReason: ev.FinishReason})
		case relay.EventError:
			err = stream.Send(string(relay.EventError), NewStreamError(ev.Err, h.logger))
		}
		if err != nil {
			// The client went away; Close cancels the upstream request
			h.logger.Debug("completion stream write failed",
				zap.String("request_id", requestID),
				zap.Error(err))
			return
		}
	}
}
