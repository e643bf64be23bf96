package handlers

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/upb/llm-gateway/utils"
	"go.uber.org/zap"
)

// HealthResponse represents the health check response
type HealthResponse struct {
	Status        string            `json:"status"`
	Timestamp     string            `json:"timestamp"`
	Checks        map[string]string `json:"checks,omitempty"`
	Providers     []string          `json:"providers,omitempty"`
	ActiveStreams *int64            `json:"active_streams,omitempty"`
}

// ProviderLister reports the registered LLM providers
type ProviderLister interface {
	ListProviders() []string
}

// StreamCounter reports the number of live relay sessions
type StreamCounter interface {
	Active() int64
}

// HealthHandler handles health-related HTTP requests
type HealthHandler struct {
	db        *sql.DB
	providers ProviderLister
	streams   StreamCounter
	logger    *zap.Logger
}

// NewHealthHandler creates a new HealthHandler. providers and streams may be nil.
func NewHealthHandler(db *sql.DB, providers ProviderLister, streams StreamCounter, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{
		db:        db,
		providers: providers,
		streams:   streams,
		logger:    logger,
	}
}

// HandleHealth handles GET /healthz
// Basic health check - always returns 200 if service is running
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	response := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	_ = utils.WriteOK(w, response)
}

// HandleReadiness handles GET /readyz
// Readiness check - validates that all dependencies are available
func (h *HealthHandler) HandleReadiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	// Check database connectivity
	if err := h.checkDatabase(ctx); err != nil {
		h.logger.Warn("database health check failed", zap.Error(err))
		checks["database"] = "unhealthy"
		allHealthy = false
	} else {
		checks["database"] = "healthy"
	}

	// Without a provider every completion fails with 503
	var names []string
	if h.providers != nil {
		names = h.providers.ListProviders()
	}
	if len(names) == 0 {
		checks["providers"] = "none_configured"
		allHealthy = false
	} else {
		checks["providers"] = "configured"
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if !allHealthy {
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	response := HealthResponse{
		Status:    status,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Checks:    checks,
		Providers: names,
	}
	if h.streams != nil {
		active := h.streams.Active()
		response.ActiveStreams = &active
	}

	if err := utils.WriteJSON(w, httpStatus, utils.SuccessResponse{Data: response}); err != nil {
		h.logger.Error("failed to write readiness response", zap.Error(err))
	}
}

// checkDatabase checks database connectivity
func (h *HealthHandler) checkDatabase(ctx context.Context) error {
	if h.db == nil {
		return nil // No database configured
	}

	if err := h.db.PingContext(ctx); err != nil {
		return err
	}

	var result int
	if err := h.db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return err
	}

	return nil
}
