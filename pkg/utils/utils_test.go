package utils

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/carnage/backend/pkg/apperr"
)

func TestRespondError(t *testing.T) {
	rec := httptest.NewRecorder()
	RespondError(rec, apperr.NotFound("session abc"))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	var body ErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.False(t, body.Success)
	assert.Equal(t, apperr.KindNotFound, body.Error)
	assert.Contains(t, body.Message, "session abc")
}

func TestDecodeJSON(t *testing.T) {
	var dst struct {
		Action string `json:"action"`
	}
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"action":"create"}`))
	require.NoError(t, DecodeJSON(rec, req, &dst))
	assert.Equal(t, "create", dst.Action)

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(""))
	assert.NoError(t, DecodeJSON(rec, req, &dst))

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader("{"))
	assert.True(t, errors.Is(DecodeJSON(rec, req, &dst), apperr.ErrValidation))
}

type flushRecorder struct {
	*httptest.ResponseRecorder
	flushes int
}

func (f *flushRecorder) Flush() { f.flushes++ }

func TestSendSSEEvent(t *testing.T) {
	rec := &flushRecorder{ResponseRecorder: httptest.NewRecorder()}
	SetupSSEHeaders(rec)
	require.NoError(t, SendSSEEvent(rec, rec, "user-message", json.RawMessage(`{"a":1}`)))
	require.NoError(t, SendSSEEvent(rec, rec, "heartbeat", map[string]string{"ok": "yes"}))

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "event: user-message\ndata: {\"a\":1}\n\nevent: heartbeat\ndata: {\"ok\":\"yes\"}\n\n", rec.Body.String())
	assert.Equal(t, 2, rec.flushes)
}
