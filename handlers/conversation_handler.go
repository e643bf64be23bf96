package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/upb/llm-gateway/middleware"
	"github.com/upb/llm-gateway/models"
	"github.com/upb/llm-gateway/services"
	"github.com/upb/llm-gateway/services/providers"
	"github.com/upb/llm-gateway/services/ratelimit"
	"github.com/upb/llm-gateway/utils"
	"go.uber.org/zap"
)

// CreateConversationRequest is the body of POST /api/v1/conversations
type CreateConversationRequest struct {
	Title string `json:"title" validate:"max=120"`
}

// ConversationService defines the conversation operations the HTTP layer needs
type ConversationService interface {
	Create(ctx context.Context, identity uuid.UUID, title string) (*models.Conversation, error)
	List(ctx context.Context, identity uuid.UUID, limit, offset int) ([]*models.Conversation, error)
	Get(ctx context.Context, identity, id uuid.UUID) (*models.Conversation, error)
	Messages(ctx context.Context, identity, id uuid.UUID, limit int) ([]*models.Message, error)
	Append(ctx context.Context, id uuid.UUID, role models.MessageRole, content string) (*models.Message, error)
	History(ctx context.Context, id uuid.UUID) ([]providers.Message, error)
}

// ConversationHandler handles conversations and their live chat socket
type ConversationHandler struct {
	conversations ConversationService
	relay         Streamer
	limiter       ratelimit.Limiter
	ws            WebSocketConfig
	logger        *zap.Logger
}

// NewConversationHandler creates a new ConversationHandler. limiter charges
// each prompt sent over the socket.
func NewConversationHandler(conversations ConversationService, relay Streamer, limiter ratelimit.Limiter, ws WebSocketConfig, logger *zap.Logger) *ConversationHandler {
	return &ConversationHandler{
		conversations: conversations,
		relay:         relay,
		limiter:       limiter,
		ws:            ws.withDefaults(),
		logger:        logger,
	}
}

// HandleCreate handles POST /api/v1/conversations
func (h *ConversationHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.GetIdentityFromContext(r.Context())
	if !ok {
		HandleServiceError(w, services.ErrUnauthorized, h.logger)
		return
	}

	var req CreateConversationRequest
	if r.ContentLength != 0 && !decodeAndValidate(w, r, &req, h.logger) {
		return
	}

	conv, err := h.conversations.Create(r.Context(), identity, req.Title)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	if err := utils.WriteCreated(w, conv); err != nil {
		h.logger.Error("failed to write response", zap.Error(err))
	}
}

// HandleList handles GET /api/v1/conversations
func (h *ConversationHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.GetIdentityFromContext(r.Context())
	if !ok {
		HandleServiceError(w, services.ErrUnauthorized, h.logger)
		return
	}

	limit, err := queryInt(r, "limit")
	if err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}
	offset, err := queryInt(r, "offset")
	if err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	convs, err := h.conversations.List(r.Context(), identity, limit, offset)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	if err := utils.WriteOK(w, convs); err != nil {
		h.logger.Error("failed to write response", zap.Error(err))
	}
}

// HandleMessages handles GET /api/v1/conversations/{id}/messages
func (h *ConversationHandler) HandleMessages(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.GetIdentityFromContext(r.Context())
	if !ok {
		HandleServiceError(w, services.ErrUnauthorized, h.logger)
		return
	}

	id, err := conversationID(r)
	if err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	msgs, err := h.conversations.Messages(r.Context(), identity, id, limit)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	if err := utils.WriteOK(w, msgs); err != nil {
		h.logger.Error("failed to write response", zap.Error(err))
	}
}

func conversationID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		return uuid.Nil, utils.NewFieldError("id", "id must be a valid UUID")
	}
	return id, nil
}

func queryInt(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, utils.NewFieldError(name, name+" must be a non-negative integer")
	}
	return n, nil
}
