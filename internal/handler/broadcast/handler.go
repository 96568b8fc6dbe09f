package broadcast

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/zhouzirui/carnage/backend/internal/broadcast"
	"github.com/zhouzirui/carnage/backend/internal/model/chat"
	"github.com/zhouzirui/carnage/backend/pkg/apperr"
	"github.com/zhouzirui/carnage/backend/pkg/utils"
)

const (
	readTimeout  = 60 * time.Second
	pingInterval = 54 * time.Second
	writeTimeout = 10 * time.Second
	maxFrameSize = 64 << 10
)

// SessionLookup 判断会话是否仍然存在
type SessionLookup interface {
	Get(ctx context.Context, sessionID string) (chat.Summary, error)
}

// Handler 广播通道的 WebSocket 处理器
type Handler struct {
	hub      *broadcast.Hub
	auth     broadcast.Authorizer
	sessions SessionLookup
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// New 创建广播处理器
func New(hub *broadcast.Hub, auth broadcast.Authorizer, sessions SessionLookup, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		hub:      hub,
		auth:     auth,
		sessions: sessions,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		logger: logger.Named("ws"),
	}
}

// RegisterRoutes 注册广播路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/ws", h.handleWebSocket)
	r.Post("/broadcast/auth", h.handleAuth)
}

type authRequest struct {
	ClientID string `json:"clientId"`
	Channel  string `json:"channel"`
}

// handleAuth 为 presence 频道订阅签名
func (h *Handler) handleAuth(w http.ResponseWriter, r *http.Request) {
	var req authRequest
	if err := utils.DecodeJSON(w, r, &req); err != nil {
		utils.RespondError(w, err)
		return
	}
	if req.ClientID == "" || req.Channel == "" {
		utils.RespondError(w, apperr.Validation("clientId and channel are required"))
		return
	}
	if err := h.checkChannel(r.Context(), req.Channel); err != nil {
		utils.RespondError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"auth": h.auth.Sign(req.ClientID, req.Channel),
	})
}

// checkChannel 只允许订阅存在的会话频道
func (h *Handler) checkChannel(ctx context.Context, channel string) error {
	sessionID, ok := chat.SessionIDFromChannel(channel)
	if !ok {
		return apperr.Validation("unsupported channel %q", channel)
	}
	if err := chat.ValidateSessionID(sessionID); err != nil {
		return err
	}
	_, err := h.sessions.Get(ctx, sessionID)
	return err
}

// handleWebSocket 处理一个广播连接：客户端发送订阅/退订/发布帧，服务端推送频道事件
func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	sub := h.hub.NewSubscriber()
	defer h.hub.Drop(sub)
	log := h.logger.With(zap.String("subscriber", sub.ID()))
	log.Debug("connection opened")

	replies := make(chan broadcast.Envelope, 8)
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writeLoop(ctx, conn, sub, replies, log)
	}()

	conn.SetReadLimit(maxFrameSize)
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	for {
		var frame broadcast.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Info("read error", zap.Error(err))
			}
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		h.handleFrame(ctx, sub, frame, replies, log)
	}

	cancel()
	<-writerDone
	log.Debug("connection closed")
}

func (h *Handler) handleFrame(ctx context.Context, sub *broadcast.Subscriber, frame broadcast.Frame, replies chan<- broadcast.Envelope, log *zap.Logger) {
	switch frame.Type {
	case broadcast.FrameSubscribe:
		if err := h.subscribe(ctx, sub, frame); err != nil {
			log.Info("subscription refused", zap.String("channel", frame.Channel), zap.Error(err))
			h.reply(replies, frame.Channel, broadcast.SubscriptionFailed{Channel: frame.Channel, Reason: err.Error()}, log)
		}
	case broadcast.FrameUnsubscribe:
		h.hub.Unsubscribe(sub, frame.Channel)
	case broadcast.FramePublish:
		if err := h.publish(ctx, sub, frame); err != nil {
			log.Info("publish refused", zap.String("channel", frame.Channel), zap.String("event", frame.Event), zap.Error(err))
		}
	default:
		log.Info("unknown frame", zap.String("type", frame.Type))
	}
}

func (h *Handler) subscribe(ctx context.Context, sub *broadcast.Subscriber, frame broadcast.Frame) error {
	if err := h.checkChannel(ctx, frame.Channel); err != nil {
		return err
	}
	if frame.ClientID == "" {
		return apperr.Validation("clientId is required")
	}
	if err := h.auth.Verify(frame.ClientID, frame.Channel, frame.Auth); err != nil {
		return err
	}
	username := frame.Username
	if username == "" {
		username = chat.DefaultUsername(frame.ClientID)
	}
	return h.hub.Subscribe(sub, frame.Channel, &broadcast.Member{ClientID: frame.ClientID, Username: username})
}

func (h *Handler) publish(ctx context.Context, sub *broadcast.Subscriber, frame broadcast.Frame) error {
	if !broadcast.ClientPublishable(frame.Event) {
		return apperr.Validation("event %q cannot be published by clients", frame.Event)
	}
	if !h.hub.IsSubscribed(sub, frame.Channel) {
		return apperr.Validation("not subscribed to %q", frame.Channel)
	}
	ev, err := broadcast.DecodeEvent(frame.Event, frame.Data)
	if err != nil {
		return apperr.Validation("%v", err)
	}
	return h.hub.PublishFrom(ctx, sub, frame.Channel, ev)
}

func (h *Handler) reply(replies chan<- broadcast.Envelope, channel string, ev broadcast.Event, log *zap.Logger) {
	env, err := broadcast.NewEnvelope(channel, ev)
	if err != nil {
		return
	}
	select {
	case replies <- env:
	default:
		log.Warn("reply dropped", zap.String("event", env.Event))
	}
}

// writeLoop 是连接上唯一的写入者，负责事件推送和心跳
func (h *Handler) writeLoop(ctx context.Context, conn *websocket.Conn, sub *broadcast.Subscriber, replies <-chan broadcast.Envelope, log *zap.Logger) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	write := func(env broadcast.Envelope) bool {
		payload, err := json.Marshal(env)
		if err != nil {
			return true
		}
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			log.Info("write failed", zap.Error(err))
			return false
		}
		return true
	}

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return
		case env := <-replies:
			if !write(env) {
				conn.Close()
				return
			}
		case env, ok := <-sub.Events():
			if !ok {
				return
			}
			if !write(env) {
				conn.Close()
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.Close()
				return
			}
		}
	}
}
