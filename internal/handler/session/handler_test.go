package session

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap/zaptest"

	"github.com/zhouzirui/carnage/backend/internal/broadcast"
	"github.com/zhouzirui/carnage/backend/internal/model/chat"
	"github.com/zhouzirui/carnage/backend/internal/model/persona"
	"github.com/zhouzirui/carnage/backend/internal/service/relay"
	sessionService "github.com/zhouzirui/carnage/backend/internal/service/session"
)

type echoAsker struct{}

func (echoAsker) Ask(_ context.Context, text, _ string) (string, error) {
	return "echo: " + text, nil
}

func setupRouter(t *testing.T) (*chi.Mux, *sessionService.Store, *relay.Service) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	store := sessionService.NewStore()
	hub := broadcast.NewHub(16, logger)
	relaySvc := relay.New(store, hub, echoAsker{}, persona.NewMemoryStore(persona.Seed()), time.Second, logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = relaySvc.Wait(ctx)
	})

	r := chi.NewRouter()
	New(store, relaySvc, hub, logger).RegisterRoutes(r)
	return r, store, relaySvc
}

func doJSON(r http.Handler, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	var payload []byte
	if body != nil {
		payload, _ = json.Marshal(body)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	out := map[string]any{}
	_ = json.Unmarshal(resp.Body.Bytes(), &out)
	return resp, out
}

func createSession(t *testing.T, r http.Handler) string {
	t.Helper()
	resp, out := doJSON(r, http.MethodPost, "/session", map[string]string{"action": "create"})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
	id, _ := out["sessionId"].(string)
	if id == "" {
		t.Fatalf("expected session id in %v", out)
	}
	return id
}

func TestCreateAndJoin(t *testing.T) {
	r, store, _ := setupRouter(t)
	id := createSession(t, r)

	resp, out := doJSON(r, http.MethodPost, "/session", map[string]string{
		"action": "join", "sessionId": id, "clientId": "c1", "username": "neo",
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if out["username"] != "neo" || out["clientId"] != "c1" {
		t.Fatalf("unexpected join body %v", out)
	}
	users, _ := out["users"].(map[string]any)
	if len(users) != 1 {
		t.Fatalf("expected 1 user, got %v", users)
	}
	if store.Count() != 1 {
		t.Fatalf("expected 1 session, got %d", store.Count())
	}
}

func TestJoinUnknownSession(t *testing.T) {
	r, _, _ := setupRouter(t)
	resp, out := doJSON(r, http.MethodPost, "/session", map[string]string{
		"action": "join", "sessionId": "missing", "clientId": "c1",
	})
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}
	if out["error"] != "not_found" || out["success"] != false {
		t.Fatalf("unexpected error body %v", out)
	}
}

func TestJoinRejectsBadSessionID(t *testing.T) {
	r, _, _ := setupRouter(t)
	resp, _ := doJSON(r, http.MethodPost, "/session", map[string]string{
		"action": "join", "sessionId": "../etc", "clientId": "c1",
	})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
}

func TestUnknownAction(t *testing.T) {
	r, _, _ := setupRouter(t)
	resp, _ := doJSON(r, http.MethodPost, "/session", map[string]string{"action": "explode"})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
}

func TestLeaveDeletesEmptySession(t *testing.T) {
	r, store, _ := setupRouter(t)
	id := createSession(t, r)
	doJSON(r, http.MethodPost, "/session", map[string]string{"action": "join", "sessionId": id, "clientId": "c1"})

	resp, out := doJSON(r, http.MethodDelete, "/session?sessionId="+id+"&clientId=c1", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
	if out["deleted"] != true || out["remaining"] != float64(0) {
		t.Fatalf("unexpected leave body %v", out)
	}
	if store.Count() != 0 {
		t.Fatalf("expected session to be collected")
	}

	resp, _ = doJSON(r, http.MethodGet, "/session?sessionId="+id, nil)
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after collection, got %d", resp.Code)
	}
}

func TestGetListsSessions(t *testing.T) {
	r, _, _ := setupRouter(t)
	id := createSession(t, r)
	doJSON(r, http.MethodPost, "/session", map[string]string{"action": "join", "sessionId": id, "clientId": "c1"})

	resp, out := doJSON(r, http.MethodGet, "/session", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	sessions, _ := out["sessions"].([]any)
	if len(sessions) != 1 {
		t.Fatalf("expected 1 session, got %v", out)
	}

	_, out = doJSON(r, http.MethodGet, "/session?sessionId="+id, nil)
	session, _ := out["session"].(map[string]any)
	if session["userCount"] != float64(1) {
		t.Fatalf("expected userCount 1, got %v", session)
	}
}

func TestPostMessageAndTranscript(t *testing.T) {
	r, _, relaySvc := setupRouter(t)
	id := createSession(t, r)
	doJSON(r, http.MethodPost, "/session", map[string]string{"action": "join", "sessionId": id, "clientId": "c1", "username": "neo"})

	resp, out := doJSON(r, http.MethodPost, "/message", map[string]any{
		"sessionId": id, "clientId": "c1", "message": "hello", "askAgent": true,
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
	if out["broadcast"] != true || out["messageId"] == "" || out["requestId"] == "" {
		t.Fatalf("unexpected post body %v", out)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := relaySvc.Wait(ctx); err != nil {
		t.Fatalf("relay did not settle: %v", err)
	}

	_, out = doJSON(r, http.MethodGet, "/session/"+id+"/messages", nil)
	messages, _ := out["messages"].([]any)
	if len(messages) != 2 {
		t.Fatalf("expected user and agent messages, got %v", out)
	}
	agent, _ := messages[1].(map[string]any)
	if agent["kind"] != string(chat.KindAgent) || agent["text"] != "echo: hello" {
		t.Fatalf("unexpected agent message %v", agent)
	}
}

func TestPostMessageRequiresMembership(t *testing.T) {
	r, _, _ := setupRouter(t)
	id := createSession(t, r)
	resp, _ := doJSON(r, http.MethodPost, "/message", map[string]any{
		"sessionId": id, "clientId": "stranger", "message": "hi",
	})
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}
}

func TestRename(t *testing.T) {
	r, _, _ := setupRouter(t)
	id := createSession(t, r)
	doJSON(r, http.MethodPost, "/session", map[string]string{"action": "join", "sessionId": id, "clientId": "c1", "username": "neo"})

	resp, out := doJSON(r, http.MethodPost, "/session", map[string]string{
		"action": "rename", "sessionId": id, "clientId": "c1", "username": "trinity",
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if out["username"] != "trinity" || out["previous"] != "neo" {
		t.Fatalf("unexpected rename body %v", out)
	}
}

func TestEventsStreamsChannelEvents(t *testing.T) {
	r, _, _ := setupRouter(t)
	srv := httptest.NewServer(r)
	defer srv.Close()
	id := createSession(t, r)
	doJSON(r, http.MethodPost, "/session", map[string]string{"action": "join", "sessionId": id, "clientId": "c1", "username": "neo"})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/session/"+id+"/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()
	if got := resp.Header.Get("Content-Type"); got != "text/event-stream" {
		t.Fatalf("expected event stream, got %q", got)
	}

	reader := bufio.NewReader(resp.Body)
	first := readEventName(t, reader)
	if first != broadcast.EventSubscriptionSucceeded {
		t.Fatalf("expected subscription event first, got %q", first)
	}

	doJSON(r, http.MethodPost, "/message", map[string]any{"sessionId": id, "clientId": "c1", "message": "hi"})
	if name := readEventName(t, reader); name != broadcast.EventUserMessage {
		t.Fatalf("expected user message event, got %q", name)
	}
}

func readEventName(t *testing.T, reader *bufio.Reader) string {
	t.Helper()
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("reading stream: %v", err)
		}
		if name, ok := strings.CutPrefix(strings.TrimSpace(line), "event: "); ok {
			return name
		}
	}
}
