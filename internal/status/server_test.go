package status

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicexxd/auto-uploader/internal/engine"
	"github.com/nicexxd/auto-uploader/internal/logger"
)

func TestHealthz(t *testing.T) {
	srv := New(":0", func() engine.Stats { return engine.Stats{} }, logger.Nop())

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestStatus(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	srv := New(":0", func() engine.Stats {
		return engine.Stats{
			Cycles:    7,
			LastCycle: now,
			Listed:    12,
			Fetched:   3,
			Failed:    1,
			Pruned:    2,
			Tracked:   12,
			LastError: "listing timed out",
		}
	}, logger.Nop())

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var got engine.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, uint64(7), got.Cycles)
	assert.Equal(t, 3, got.Fetched)
	assert.Equal(t, "listing timed out", got.LastError)
	assert.True(t, got.LastCycle.Equal(now))
}

func TestUnknownRoute(t *testing.T) {
	srv := New(":0", func() engine.Stats { return engine.Stats{} }, logger.Nop())

	req := httptest.NewRequest(http.MethodGet, "/nope", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}
