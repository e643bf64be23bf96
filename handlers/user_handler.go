package handlers

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/upb/llm-gateway/middleware"
	"github.com/upb/llm-gateway/services"
	"github.com/upb/llm-gateway/services/password"
	"github.com/upb/llm-gateway/utils"
	"go.uber.org/zap"
)

// ChangePasswordRequest is the body of PUT /api/v1/users/me/password
type ChangePasswordRequest struct {
	CurrentPassword password.Secret `json:"current_password" validate:"required"`
	NewPassword     password.Secret `json:"new_password" validate:"required"`
}

// DeleteAccountRequest is the body of DELETE /api/v1/users/me
type DeleteAccountRequest struct {
	Password password.Secret `json:"password" validate:"required"`
}

// UserResponse represents the caller's account in API responses
type UserResponse struct {
	ID        uuid.UUID `json:"id"`
	Username  string    `json:"username"`
	CreatedAt string    `json:"created_at"`
}

// UserHandler handles the caller's own account
type UserHandler struct {
	accounts AccountService
	logger   *zap.Logger
}

// NewUserHandler creates a new UserHandler
func NewUserHandler(accounts AccountService, logger *zap.Logger) *UserHandler {
	return &UserHandler{
		accounts: accounts,
		logger:   logger,
	}
}

// HandleMe handles GET /api/v1/users/me
func (h *UserHandler) HandleMe(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.GetIdentityFromContext(r.Context())
	if !ok {
		HandleServiceError(w, services.ErrUnauthorized, h.logger)
		return
	}

	user, err := h.accounts.Me(r.Context(), identity)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	if err := utils.WriteOK(w, UserResponse{
		ID:        user.ID,
		Username:  user.Username,
		CreatedAt: user.CreatedAt.UTC().Format(time.RFC3339),
	}); err != nil {
		h.logger.Error("failed to write response", zap.Error(err))
	}
}

// HandleChangePassword handles PUT /api/v1/users/me/password
func (h *UserHandler) HandleChangePassword(w http.ResponseWriter, r *http.Request) {
	var req ChangePasswordRequest
	defer func() {
		req.CurrentPassword.Wipe()
		req.NewPassword.Wipe()
	}()

	identity, ok := middleware.GetIdentityFromContext(r.Context())
	if !ok {
		HandleServiceError(w, services.ErrUnauthorized, h.logger)
		return
	}
	if !decodeAndValidate(w, r, &req, h.logger) {
		return
	}

	if err := h.accounts.ChangePassword(r.Context(), identity, req.CurrentPassword, req.NewPassword); err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	utils.WriteNoContent(w)
}

// HandleDeleteAccount handles DELETE /api/v1/users/me
func (h *UserHandler) HandleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	var req DeleteAccountRequest
	defer func() { req.Password.Wipe() }()

	identity, ok := middleware.GetIdentityFromContext(r.Context())
	if !ok {
		HandleServiceError(w, services.ErrUnauthorized, h.logger)
		return
	}
	if !decodeAndValidate(w, r, &req, h.logger) {
		return
	}

	if err := h.accounts.DeleteAccount(r.Context(), identity, req.Password); err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	utils.WriteNoContent(w)
}
