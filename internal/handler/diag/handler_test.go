package diag

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedCount int

func (f fixedCount) Count() int        { return int(f) }
func (f fixedCount) ChannelCount() int { return int(f) * 2 }

func serve(h *Handler, path string) *httptest.ResponseRecorder {
	r := chi.NewRouter()
	h.RegisterRoutes(r)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, path, nil))
	return resp
}

func TestHealth(t *testing.T) {
	resp := serve(New(func() bool { return true }, fixedCount(0), fixedCount(0)), "/health")
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "Server is running", resp.Body.String())
}

func TestTestEndpointReportsKeyState(t *testing.T) {
	h := New(func() bool { return false }, fixedCount(0), fixedCount(0))
	h.now = func() time.Time { return time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC) }

	resp := serve(h, "/test")
	require.Equal(t, http.StatusOK, resp.Code)
	var out map[string]any
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &out))
	assert.Equal(t, "API key is missing", out["apiKey"])
	assert.Equal(t, "2024-01-02T03:04:05Z", out["timestamp"])
}

func TestInfoCounts(t *testing.T) {
	resp := serve(New(func() bool { return true }, fixedCount(3), fixedCount(1)), "/")
	var out map[string]any
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &out))
	assert.Equal(t, float64(3), out["sessions"])
	assert.Equal(t, float64(2), out["channels"])
}
