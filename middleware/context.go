package middleware

import (
	"context"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

// Context key type to avoid collisions
type contextKey string

const (
	// RequestIDKey is the context key for request ID
	RequestIDKey contextKey = "request_id"

	// IdentityKey is the context key for the authenticated identity
	IdentityKey contextKey = "identity"
)

// GetRequestIDFromContext retrieves the request ID from context, falling back
// to the one chi's RequestID middleware assigned
func GetRequestIDFromContext(ctx context.Context) string {
	if val := ctx.Value(RequestIDKey); val != nil {
		if requestID, ok := val.(string); ok {
			return requestID
		}
	}
	return chimw.GetReqID(ctx)
}

// WithRequestID adds a request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// GetIdentityFromContext retrieves the authenticated identity. The second
// result is false when the request never passed RequireAuth.
func GetIdentityFromContext(ctx context.Context) (uuid.UUID, bool) {
	if val := ctx.Value(IdentityKey); val != nil {
		if id, ok := val.(uuid.UUID); ok && id != uuid.Nil {
			return id, true
		}
	}
	return uuid.Nil, false
}

// WithIdentity adds the authenticated identity to the context
func WithIdentity(ctx context.Context, identity uuid.UUID) context.Context {
	return context.WithValue(ctx, IdentityKey, identity)
}
