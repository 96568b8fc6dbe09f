package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/zhouzirui/carnage/backend/internal/model/persona"
	"github.com/zhouzirui/carnage/backend/internal/service/ai"
	"github.com/zhouzirui/carnage/backend/pkg/apperr"
	"github.com/zhouzirui/carnage/backend/pkg/utils"
)

func newTestClient(t *testing.T, h http.HandlerFunc, opts ...Option) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	opts = append([]Option{WithThrottle(0), WithLogger(zaptest.NewLogger(t))}, opts...)
	return New(srv.URL+"/api", opts...)
}

func fail(status int, kind, message string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		utils.RespondFailure(w, status, kind, message)
	}
}

func TestStatusMapping(t *testing.T) {
	cases := []struct {
		name    string
		handler http.HandlerFunc
		target  error
	}{
		{"not found", fail(http.StatusNotFound, apperr.KindNotFound, "session x"), apperr.ErrNotFound},
		{"validation", fail(http.StatusBadRequest, apperr.KindValidation, "bad id"), apperr.ErrValidation},
		{"misconfigured", fail(http.StatusInternalServerError, apperr.KindMisconfigured, "no key"), apperr.ErrMisconfigured},
		{"gateway timeout", fail(http.StatusGatewayTimeout, apperr.KindTimeout, "slow"), apperr.ErrTimeout},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := newTestClient(t, tc.handler)
			_, err := c.Get(context.Background(), "abc")
			assert.ErrorIs(t, err, tc.target)
		})
	}
}

func TestUpstreamStatusKept(t *testing.T) {
	c := newTestClient(t, fail(http.StatusTooManyRequests, apperr.KindUpstream, "slow down"))
	_, err := c.Create(context.Background())

	var upstream *apperr.UpstreamError
	require.ErrorAs(t, err, &upstream)
	assert.Equal(t, http.StatusTooManyRequests, upstream.Status)
	assert.Equal(t, "slow down", upstream.Message)
	assert.False(t, IsServerUnavailable(err))
}

func TestNonJSONErrorBody(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	})
	_, err := c.Create(context.Background())

	var upstream *apperr.UpstreamError
	require.ErrorAs(t, err, &upstream)
	assert.Equal(t, "boom", upstream.Message)
	assert.True(t, IsServerUnavailable(err))
}

func TestTimeout(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}, WithTimeout(50*time.Millisecond))

	_, err := c.Create(context.Background())
	assert.ErrorIs(t, err, apperr.ErrTimeout)
	assert.True(t, IsServerUnavailable(err))
}

func TestTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := New(url+"/api", WithThrottle(0))
	_, err := c.Create(context.Background())
	var upstream *apperr.UpstreamError
	require.ErrorAs(t, err, &upstream)
	assert.Equal(t, 0, upstream.Status)
	assert.True(t, IsServerUnavailable(err))
}

func TestThrottleDelaysSameEndpoint(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		utils.RespondJSON(w, http.StatusOK, map[string]any{"success": true, "session": map[string]any{"id": "abc"}})
	}, WithThrottle(150*time.Millisecond))

	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := c.Get(context.Background(), "abc")
		require.NoError(t, err)
	}
	assert.Equal(t, int32(3), calls.Load(), "throttled calls are delayed, not dropped")
	assert.GreaterOrEqual(t, time.Since(start), 250*time.Millisecond)

	// A different endpoint has its own limiter.
	start = time.Now()
	_, err := c.Test(context.Background())
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestJoinValidatesLocally(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) { calls.Add(1) })
	_, err := c.Join(context.Background(), "no spaces!", "c1", "")
	assert.ErrorIs(t, err, apperr.ErrValidation)
	assert.Zero(t, calls.Load())
}

func TestJoinDecodesMembers(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "join", body["action"])
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/session", r.URL.Path)
		utils.RespondJSON(w, http.StatusOK, map[string]any{
			"success":   true,
			"sessionId": body["sessionId"],
			"clientId":  "c1",
			"username":  "user-c1",
			"users": map[string]any{
				"c1": map[string]any{"username": "user-c1", "joinedAt": time.Now()},
			},
		})
	})

	res, err := c.Join(context.Background(), "abc123", "", "")
	require.NoError(t, err)
	assert.Equal(t, "abc123", res.SessionID)
	require.Contains(t, res.Members, "c1")
	assert.Equal(t, "user-c1", res.Members["c1"].Username)
}

func TestAskUsesPersonaPrompt(t *testing.T) {
	var got ai.Request
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		utils.RespondJSON(w, http.StatusOK, ai.Completion{
			Content: []ai.ContentBlock{{Type: "text", Text: "I hunger"}},
		})
	})
	asker := NewAsker(c, persona.NewMemoryStore(persona.Seed()))

	answer, err := asker.Ask(context.Background(), "hello", "venom")
	require.NoError(t, err)
	assert.Equal(t, "I hunger", answer)
	assert.Contains(t, got.System, "VENOM")
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "hello", got.Messages[0].Content)
}

func TestAskEmptyAnswer(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		utils.RespondJSON(w, http.StatusOK, ai.Completion{})
	})
	_, err := NewAsker(c, persona.NewMemoryStore(persona.Seed())).Ask(context.Background(), "hi", "")

	var upstream *apperr.UpstreamError
	require.True(t, errors.As(err, &upstream))
	assert.Contains(t, upstream.Message, "CARNAGE could not process")
}

func TestBaseInfoReturnsRawBody(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api", r.URL.Path)
		utils.RespondJSON(w, http.StatusOK, map[string]any{"success": true, "service": "carnage"})
	})
	raw, err := c.BaseInfo(context.Background())
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"service":"carnage"`)
}
