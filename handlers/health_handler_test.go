package handlers

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type staticProviders []string

func (p staticProviders) ListProviders() []string { return p }

type staticStreams int64

func (s staticStreams) Active() int64 { return int64(s) }

func decodeHealth(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	return response["data"].(map[string]interface{})
}

func TestHandleHealth(t *testing.T) {
	logger := zap.NewNop()

	t.Run("always returns healthy", func(t *testing.T) {
		handler := NewHealthHandler(nil, nil, nil, logger)

		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		w := httptest.NewRecorder()

		handler.HandleHealth(w, req)

		assert.Equal(t, http.StatusOK, w.Code)

		data := decodeHealth(t, w)
		assert.Equal(t, "healthy", data["status"])
		assert.NotEmpty(t, data["timestamp"])
	})
}

func TestHandleReadiness(t *testing.T) {
	logger := zap.NewNop()
	providers := staticProviders{"gemini", "openai"}

	t.Run("healthy when database and providers are available", func(t *testing.T) {
		db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectPing()
		mock.ExpectQuery("SELECT 1").WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(1))

		handler := NewHealthHandler(db, providers, staticStreams(3), logger)

		req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
		w := httptest.NewRecorder()

		handler.HandleReadiness(w, req)

		assert.Equal(t, http.StatusOK, w.Code)

		data := decodeHealth(t, w)
		assert.Equal(t, "healthy", data["status"])
		assert.Equal(t, float64(3), data["active_streams"])
		assert.Equal(t, []interface{}{"gemini", "openai"}, data["providers"])

		checks := data["checks"].(map[string]interface{})
		assert.Equal(t, "healthy", checks["database"])
		assert.Equal(t, "configured", checks["providers"])

		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unhealthy when database ping fails", func(t *testing.T) {
		db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectPing().WillReturnError(sql.ErrConnDone)

		handler := NewHealthHandler(db, providers, nil, logger)

		req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
		w := httptest.NewRecorder()

		handler.HandleReadiness(w, req)

		assert.Equal(t, http.StatusServiceUnavailable, w.Code)

		data := decodeHealth(t, w)
		assert.Equal(t, "unhealthy", data["status"])
		checks := data["checks"].(map[string]interface{})
		assert.Equal(t, "unhealthy", checks["database"])

		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unhealthy when database query fails", func(t *testing.T) {
		db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectPing()
		mock.ExpectQuery("SELECT 1").WillReturnError(sql.ErrConnDone)

		handler := NewHealthHandler(db, providers, nil, logger)

		req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
		w := httptest.NewRecorder()

		handler.HandleReadiness(w, req)

		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unhealthy without providers", func(t *testing.T) {
		handler := NewHealthHandler(nil, staticProviders{}, nil, logger)

		req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
		w := httptest.NewRecorder()

		handler.HandleReadiness(w, req)

		assert.Equal(t, http.StatusServiceUnavailable, w.Code)

		data := decodeHealth(t, w)
		checks := data["checks"].(map[string]interface{})
		assert.Equal(t, "healthy", checks["database"])
		assert.Equal(t, "none_configured", checks["providers"])
		assert.NotContains(t, data, "active_streams")
	})
}
