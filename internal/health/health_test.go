package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthzAllHealthy(t *testing.T) {
	s := NewServer(":0", false, zerolog.Nop())
	s.AddCheck("broker", func(ctx context.Context) error { return nil })
	s.AddCheck("store", func(ctx context.Context) error { return nil })

	rec := httptest.NewRecorder()
	s.handleHealthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var resp healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "ok", resp.Checks["broker"])
	assert.Equal(t, "ok", resp.Checks["store"])
}

func TestHealthzDegraded(t *testing.T) {
	s := NewServer(":0", false, zerolog.Nop())
	s.AddCheck("broker", func(ctx context.Context) error { return nil })
	s.AddCheck("store", func(ctx context.Context) error { return errors.New("connection refused") })

	rec := httptest.NewRecorder()
	s.handleHealthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var resp healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "degraded", resp.Status)
	assert.Equal(t, "connection refused", resp.Checks["store"])
}

func TestHealthzNoChecks(t *testing.T) {
	s := NewServer(":0", false, zerolog.Nop())

	rec := httptest.NewRecorder()
	s.handleHealthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
}
