package handlers

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/upb/llm-gateway/middleware"
	"github.com/upb/llm-gateway/models"
	"github.com/upb/llm-gateway/services"
	"github.com/upb/llm-gateway/services/auth"
	"github.com/upb/llm-gateway/services/password"
	"github.com/upb/llm-gateway/utils"
	"go.uber.org/zap"
)

// CredentialsRequest is the body of register and login
type CredentialsRequest struct {
	Username string          `json:"username" validate:"required"`
	Password password.Secret `json:"password" validate:"required"`
}

// RefreshRequest carries a refresh token
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

// RegisterResponse is returned after registration
type RegisterResponse struct {
	UserID   uuid.UUID `json:"user_id"`
	Username string    `json:"username"`
}

// AccountService defines the credential operations the HTTP layer needs
type AccountService interface {
	Register(ctx context.Context, username string, secret password.Secret) (*models.User, error)
	Login(ctx context.Context, username string, secret password.Secret) (*auth.Session, error)
	Refresh(ctx context.Context, raw string) (*auth.Session, error)
	Logout(ctx context.Context, identity uuid.UUID, raw string) error
	Me(ctx context.Context, identity uuid.UUID) (*models.User, error)
	ChangePassword(ctx context.Context, identity uuid.UUID, current, next password.Secret) error
	DeleteAccount(ctx context.Context, identity uuid.UUID, current password.Secret) error
}

// AuthHandler handles registration and session endpoints
type AuthHandler struct {
	accounts AccountService
	verifier middleware.TokenVerifier
	logger   *zap.Logger
}

// NewAuthHandler creates a new AuthHandler
func NewAuthHandler(accounts AccountService, verifier middleware.TokenVerifier, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{
		accounts: accounts,
		verifier: verifier,
		logger:   logger,
	}
}

// HandleRegister handles POST /api/v1/auth/register
func (h *AuthHandler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req CredentialsRequest
	defer func() { req.Password.Wipe() }()

	if !decodeAndValidate(w, r, &req, h.logger) {
		return
	}

	user, err := h.accounts.Register(r.Context(), req.Username, req.Password)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	if err := utils.WriteCreated(w, RegisterResponse{UserID: user.ID, Username: user.Username}); err != nil {
		h.logger.Error("failed to write response", zap.Error(err))
	}
}

// HandleLogin handles POST /api/v1/auth/login. A caller already holding a
// valid access token gets a conflict instead of a second session.
func (h *AuthHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req CredentialsRequest
	defer func() { req.Password.Wipe() }()

	if tok := middleware.ExtractToken(r); tok != "" {
		if identity, err := h.verifier.Verify(tok); err == nil {
			h.logger.Debug("login with a live session",
				zap.String("request_id", middleware.GetRequestIDFromContext(r.Context())),
				zap.String("user_id", identity.String()))
			HandleServiceError(w, services.ErrAlreadyLoggedIn, h.logger)
			return
		}
	}

	if !decodeAndValidate(w, r, &req, h.logger) {
		return
	}

	session, err := h.accounts.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	if err := utils.WriteOK(w, session); err != nil {
		h.logger.Error("failed to write response", zap.Error(err))
	}
}

// HandleRefresh handles POST /api/v1/auth/refresh
func (h *AuthHandler) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	var req RefreshRequest
	if !decodeAndValidate(w, r, &req, h.logger) {
		return
	}

	session, err := h.accounts.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	if err := utils.WriteOK(w, session); err != nil {
		h.logger.Error("failed to write response", zap.Error(err))
	}
}

// HandleLogout handles POST /api/v1/auth/logout
func (h *AuthHandler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.GetIdentityFromContext(r.Context())
	if !ok {
		HandleServiceError(w, services.ErrUnauthorized, h.logger)
		return
	}

	var req RefreshRequest
	if !decodeAndValidate(w, r, &req, h.logger) {
		return
	}

	if err := h.accounts.Logout(r.Context(), identity, req.RefreshToken); err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	utils.WriteNoContent(w)
}

// decodeAndValidate reads and validates a JSON body, writing the 400 itself
// on failure
func decodeAndValidate(w http.ResponseWriter, r *http.Request, dst interface{}, logger *zap.Logger) bool {
	if err := utils.DecodeJSON(w, r, dst, utils.DefaultMaxBodyBytes); err != nil {
		HandleValidationError(w, err, logger)
		return false
	}
	if err := utils.ValidateStruct(dst); err != nil {
		HandleValidationError(w, err, logger)
		return false
	}
	return true
}
