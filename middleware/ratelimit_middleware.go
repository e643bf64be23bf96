package middleware

import (
	"net"
	"net/http"

	"github.com/upb/llm-gateway/services/ratelimit"
	"go.uber.org/zap"
)

// OriginRateLimit throttles unauthenticated endpoints per client address
type OriginRateLimit struct {
	limiter ratelimit.Limiter
	logger  *zap.Logger
}

// NewOriginRateLimit creates a new OriginRateLimit
func NewOriginRateLimit(limiter ratelimit.Limiter, logger *zap.Logger) *OriginRateLimit {
	return &OriginRateLimit{
		limiter: limiter,
		logger:  logger,
	}
}

// Limit rejects a request with 429 once its origin runs out of tokens. The
// origin is the TCP peer, or the forwarded client when ProxyTrust.RealIP
// ran first and the peer is a trusted proxy.
func (m *OriginRateLimit) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := ClientOrigin(r)

		decision := m.limiter.Admit(origin)
		SetRateLimitHeaders(w, decision)
		if !decision.Allowed {
			m.logger.Info("anonymous request over quota",
				zap.String("request_id", GetRequestIDFromContext(r.Context())),
				zap.String("origin", origin),
				zap.String("path", r.URL.Path))
			WriteRateLimited(w, decision)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// ClientOrigin returns the client address of r without its port
func ClientOrigin(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
