package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/upb/llm-gateway/services"
	"github.com/upb/llm-gateway/utils"
	"go.uber.org/zap"
)

// HandleServiceError maps domain errors to HTTP responses
func HandleServiceError(w http.ResponseWriter, err error, logger *zap.Logger) {
	if err == nil {
		return
	}

	details := services.GetErrorDetails(err)
	message := services.GetErrorMessage(err)

	switch {
	case services.IsNotFoundError(err):
		if err := utils.WriteNotFound(w, message); err != nil {
			logger.Error("failed to write not found response", zap.Error(err))
		}

	case services.IsValidationError(err):
		if err := utils.WriteBadRequest(w, message, details); err != nil {
			logger.Error("failed to write bad request response", zap.Error(err))
		}

	case services.IsUnauthorizedError(err):
		logger.Debug("request unauthorized", zap.Error(err))
		if err := utils.WriteUnauthorized(w, ""); err != nil {
			logger.Error("failed to write unauthorized response", zap.Error(err))
		}

	case services.IsRateLimitError(err):
		if secs, ok := details[services.DetailRetryAfter].(int); ok {
			w.Header().Set("Retry-After", strconv.Itoa(secs))
		}
		if err := utils.WriteTooManyRequests(w, message, details); err != nil {
			logger.Error("failed to write rate limit response", zap.Error(err))
		}

	case services.IsConflictError(err):
		if err := utils.WriteConflict(w, message, details); err != nil {
			logger.Error("failed to write conflict response", zap.Error(err))
		}

	case services.IsExternalError(err):
		// Upstream detail stays in the log
		logger.Warn("upstream provider failure", zap.Error(err))
		if err := utils.WriteBadGateway(w, message); err != nil {
			logger.Error("failed to write bad gateway response", zap.Error(err))
		}

	case services.IsUnavailableError(err):
		if err := utils.WriteServiceUnavailable(w, message); err != nil {
			logger.Error("failed to write unavailable response", zap.Error(err))
		}

	case services.IsInternalError(err):
		// Log internal errors but return generic message
		logger.Error("internal server error", zap.Error(err))
		if err := utils.WriteInternalServerError(w, "An internal error occurred"); err != nil {
			logger.Error("failed to write internal error response", zap.Error(err))
		}

	default:
		logger.Error("unhandled error type",
			zap.Error(err),
			zap.String("error_type", string(services.GetErrorType(err))))
		if err := utils.WriteInternalServerError(w, "An unexpected error occurred"); err != nil {
			logger.Error("failed to write internal error response", zap.Error(err))
		}
	}
}

// HandleValidationError handles validation errors from request parsing
func HandleValidationError(w http.ResponseWriter, err error, logger *zap.Logger) {
	if utils.IsValidationError(err) {
		fields := utils.GetValidationFields(err)
		details := make(map[string]interface{})
		for k, v := range fields {
			details[k] = v
		}
		if err := utils.WriteBadRequest(w, "Validation failed", details); err != nil {
			logger.Error("failed to write validation error response", zap.Error(err))
		}
		return
	}

	// Generic validation error
	if err := utils.WriteBadRequest(w, err.Error(), nil); err != nil {
		logger.Error("failed to write validation error response", zap.Error(err))
	}
}

// StreamError is the payload of a terminal error event on a stream that
// already started. Codes match the error field of HTTP error responses.
type StreamError struct {
	Error             string `json:"error"`
	Message           string `json:"message"`
	RetryAfterSeconds int    `json:"retry_after_seconds,omitempty"`
}

// NewStreamError describes err for a stream client. Upstream and internal
// causes are logged, never sent.
func NewStreamError(err error, logger *zap.Logger) StreamError {
	switch {
	case services.IsValidationError(err):
		return StreamError{Error: "bad_request", Message: services.GetErrorMessage(err)}
	case services.IsNotFoundError(err):
		return StreamError{Error: "not_found", Message: services.GetErrorMessage(err)}
	case services.IsRateLimitError(err):
		secs, _ := services.GetErrorDetails(err)[services.DetailRetryAfter].(int)
		return StreamError{Error: "rate_limit_exceeded", Message: services.GetErrorMessage(err), RetryAfterSeconds: secs}
	case services.IsExternalError(err):
		logger.Warn("upstream provider failure", zap.Error(err))
		return StreamError{Error: "bad_gateway", Message: "Upstream provider failed"}
	case services.IsUnavailableError(err):
		return StreamError{Error: "service_unavailable", Message: services.GetErrorMessage(err)}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return StreamError{Error: "canceled", Message: "Request canceled"}
	default:
		logger.Error("stream failed", zap.Error(err))
		return StreamError{Error: "internal_error", Message: "An internal error occurred"}
	}
}
