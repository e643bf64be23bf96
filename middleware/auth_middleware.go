package middleware

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/upb/llm-gateway/services"
	"github.com/upb/llm-gateway/services/ratelimit"
	"github.com/upb/llm-gateway/utils"
	"go.uber.org/zap"
)

// TokenVerifier checks a session token and returns the identity it was issued to
type TokenVerifier interface {
	Verify(token string) (uuid.UUID, error)
}

// AuthMiddleware authenticates requests and charges each one against the
// caller's quota
type AuthMiddleware struct {
	verifier TokenVerifier
	limiter  ratelimit.Limiter
	logger   *zap.Logger
}

// NewAuthMiddleware creates a new AuthMiddleware
func NewAuthMiddleware(verifier TokenVerifier, limiter ratelimit.Limiter, logger *zap.Logger) *AuthMiddleware {
	return &AuthMiddleware{
		verifier: verifier,
		limiter:  limiter,
		logger:   logger,
	}
}

// accessTokenParam carries the token on WebSocket upgrades, where browsers
// cannot set an Authorization header
const accessTokenParam = "access_token"

// RequireAuth admits a request only with a valid token and remaining quota.
// A request that reaches the limiter is counted exactly once; requests
// rejected before that are not counted at all.
func (m *AuthMiddleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		requestID := GetRequestIDFromContext(ctx)

		token := ExtractToken(r)
		if token == "" {
			m.logger.Debug("missing token",
				zap.String("request_id", requestID))
			_ = utils.WriteUnauthorized(w, "")
			return
		}

		identity, err := m.verifier.Verify(token)
		if err != nil {
			m.logger.Info("token rejected",
				zap.String("request_id", requestID),
				zap.Error(err))
			_ = utils.WriteUnauthorized(w, "")
			return
		}

		decision := m.limiter.Admit(identity.String())
		SetRateLimitHeaders(w, decision)
		if !decision.Allowed {
			m.logger.Info("request over quota",
				zap.String("request_id", requestID),
				zap.String("user_id", identity.String()),
				zap.Duration("retry_after", decision.RetryAfter))
			WriteRateLimited(w, decision)
			return
		}

		m.logger.Debug("authentication successful",
			zap.String("request_id", requestID),
			zap.String("user_id", identity.String()))

		next.ServeHTTP(w, r.WithContext(WithIdentity(ctx, identity)))
	})
}

// ExtractToken returns the bearer token of r, or "" if it carries none. The
// query parameter is only honoured on WebSocket upgrades.
func ExtractToken(r *http.Request) string {
	if token := extractBearerToken(r); token != "" {
		return token
	}
	if websocket.IsWebSocketUpgrade(r) {
		return strings.TrimSpace(r.URL.Query().Get(accessTokenParam))
	}
	return ""
}

// extractBearerToken extracts the Bearer token from the Authorization header
func extractBearerToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return ""
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return ""
	}

	return strings.TrimSpace(parts[1])
}

// SetRateLimitHeaders reports the state of the caller's bucket
func SetRateLimitHeaders(w http.ResponseWriter, d ratelimit.Decision) {
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	if !d.ResetAt.IsZero() {
		h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
	}
}

// WriteRateLimited writes a 429 with Retry-After in whole seconds
func WriteRateLimited(w http.ResponseWriter, d ratelimit.Decision) {
	err := services.NewRateLimitError(d.RetryAfter)
	w.Header().Set("Retry-After", strconv.Itoa(services.RetryAfterSeconds(d.RetryAfter)))
	_ = utils.WriteTooManyRequests(w, err.Message, err.Details)
}
