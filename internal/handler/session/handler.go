package session

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/zhouzirui/carnage/backend/internal/broadcast"
	"github.com/zhouzirui/carnage/backend/internal/model/chat"
	"github.com/zhouzirui/carnage/backend/internal/service/relay"
	sessionService "github.com/zhouzirui/carnage/backend/internal/service/session"
	"github.com/zhouzirui/carnage/backend/pkg/apperr"
	"github.com/zhouzirui/carnage/backend/pkg/utils"
)

const heartbeatInterval = 15 * time.Second

// Handler 会话服务的HTTP处理器
type Handler struct {
	store  *sessionService.Store
	relay  *relay.Service
	hub    *broadcast.Hub
	logger *zap.Logger
}

// New 创建会话处理器
func New(store *sessionService.Store, relaySvc *relay.Service, hub *broadcast.Hub, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		store:  store,
		relay:  relaySvc,
		hub:    hub,
		logger: logger.Named("session-handler"),
	}
}

// RegisterRoutes 注册会话相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/session", h.handleAction)
	r.Delete("/session", h.handleLeave)
	r.Get("/session", h.handleGet)
	r.Get("/session/{sessionID}/messages", h.handleTranscript)
	r.Get("/session/{sessionID}/events", h.handleEvents)
	r.Post("/message", h.handlePostMessage)
}

type actionRequest struct {
	Action    string `json:"action"`
	SessionID string `json:"sessionId"`
	ClientID  string `json:"clientId"`
	Username  string `json:"username"`
}

// handleAction 按 action 字段分发 create / join / rename
func (h *Handler) handleAction(w http.ResponseWriter, r *http.Request) {
	var req actionRequest
	if err := utils.DecodeJSON(w, r, &req); err != nil {
		utils.RespondError(w, err)
		return
	}

	switch strings.ToLower(req.Action) {
	case "create":
		h.create(w, r)
	case "join":
		h.join(w, r, req)
	case "rename":
		h.rename(w, r, req)
	default:
		utils.RespondError(w, apperr.Validation("unknown action %q", req.Action))
	}
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	summary, err := h.store.Create(r.Context())
	if err != nil {
		h.logger.Error("session create failed", zap.Error(err))
		utils.RespondError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"sessionId": summary.ID,
		"createdAt": summary.CreatedAt,
	})
}

func (h *Handler) join(w http.ResponseWriter, r *http.Request, req actionRequest) {
	if err := chat.ValidateSessionID(req.SessionID); err != nil {
		utils.RespondError(w, err)
		return
	}
	res, err := h.store.Join(r.Context(), req.SessionID, req.ClientID, req.Username)
	if err != nil {
		utils.RespondError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"sessionId": res.SessionID,
		"clientId":  res.ClientID,
		"username":  res.Username,
		"users":     res.Members,
	})
}

func (h *Handler) rename(w http.ResponseWriter, r *http.Request, req actionRequest) {
	if err := chat.ValidateSessionID(req.SessionID); err != nil {
		utils.RespondError(w, err)
		return
	}
	res, err := h.relay.Rename(r.Context(), req.SessionID, req.ClientID, req.Username)
	if err != nil {
		utils.RespondError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"username":  res.Username,
		"previous":  res.Previous,
		"broadcast": res.Broadcast,
	})
}

// handleLeave 离开会话，最后一名成员离开时会话被回收
func (h *Handler) handleLeave(w http.ResponseWriter, r *http.Request) {
	var req actionRequest
	if err := utils.DecodeJSON(w, r, &req); err != nil {
		utils.RespondError(w, err)
		return
	}
	if req.SessionID == "" {
		req.SessionID = r.URL.Query().Get("sessionId")
	}
	if req.ClientID == "" {
		req.ClientID = r.URL.Query().Get("clientId")
	}
	if err := chat.ValidateSessionID(req.SessionID); err != nil {
		utils.RespondError(w, err)
		return
	}

	res, err := h.store.Leave(r.Context(), req.SessionID, req.ClientID)
	if err != nil {
		utils.RespondError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"remaining": res.Remaining,
		"deleted":   res.Deleted,
	})
}

// handleGet 查询单个会话，未指定 sessionId 时返回全部会话
func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		utils.RespondJSON(w, http.StatusOK, map[string]any{
			"success":  true,
			"sessions": h.store.List(r.Context()),
		})
		return
	}

	summary, err := h.store.Get(r.Context(), sessionID)
	if err != nil {
		utils.RespondError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"session": summary,
	})
}

// handleTranscript 返回会话消息记录
func (h *Handler) handleTranscript(w http.ResponseWriter, r *http.Request) {
	messages, err := h.store.Transcript(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		utils.RespondError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"messages": messages,
	})
}

type postMessageRequest struct {
	SessionID string `json:"sessionId"`
	ClientID  string `json:"clientId"`
	Message   string `json:"message"`
	MessageID string `json:"messageId"`
	AskAgent  bool   `json:"askAgent"`
	PersonaID string `json:"personaId"`
	RequestID string `json:"requestId"`
}

// handlePostMessage 记录并广播一条消息，必要时触发智能体回复
func (h *Handler) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	var req postMessageRequest
	if err := utils.DecodeJSON(w, r, &req); err != nil {
		utils.RespondError(w, err)
		return
	}

	res, err := h.relay.Post(r.Context(), relay.PostInput{
		SessionID: req.SessionID,
		ClientID:  req.ClientID,
		Text:      req.Message,
		MessageID: req.MessageID,
		AskAgent:  req.AskAgent,
		PersonaID: req.PersonaID,
		RequestID: req.RequestID,
	})
	if err != nil {
		utils.RespondError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"messageId": res.MessageID,
		"requestId": res.RequestID,
		"broadcast": res.Broadcast,
	})
}

// handleEvents 以 SSE 推送会话频道事件，只读观察者不计入在线成员
func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if _, err := h.store.Get(r.Context(), sessionID); err != nil {
		utils.RespondError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondFailure(w, http.StatusInternalServerError, apperr.KindInternal, "streaming unsupported")
		return
	}

	sub := h.hub.NewSubscriber()
	defer h.hub.Drop(sub)
	channel := chat.ChannelName(sessionID)
	if err := h.hub.Subscribe(sub, channel, nil); err != nil {
		utils.RespondError(w, err)
		return
	}

	utils.SetupSSEHeaders(w)
	h.logger.Info("event stream opened", zap.String("session", sessionID))

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			h.logger.Info("event stream closed", zap.String("session", sessionID))
			return
		case env, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := utils.SendSSEEvent(w, flusher, env.Event, env.Data); err != nil {
				return
			}
		case t := <-ticker.C:
			if err := utils.SendSSEEvent(w, flusher, "heartbeat", map[string]string{
				"time": t.UTC().Format(time.RFC3339),
			}); err != nil {
				return
			}
		}
	}
}
