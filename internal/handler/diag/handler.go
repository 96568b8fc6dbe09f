package diag

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/carnage/backend/pkg/utils"
)

// Stats 提供诊断所需的运行时计数
type Stats interface {
	Count() int
}

// Channels 报告活跃的广播频道数量
type Channels interface {
	ChannelCount() int
}

// Handler 诊断接口处理器
type Handler struct {
	configured func() bool
	sessions   Stats
	channels   Channels
	now        func() time.Time
}

// New 创建诊断处理器，configured 用于报告模型凭证是否存在
func New(configured func() bool, sessions Stats, channels Channels) *Handler {
	return &Handler{
		configured: configured,
		sessions:   sessions,
		channels:   channels,
		now:        time.Now,
	}
}

// RegisterRoutes 注册诊断路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/", h.handleInfo)
	r.Get("/health", h.handleHealth)
	r.Get("/test", h.handleTest)
}

// handleHealth 存活探针
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("Server is running"))
}

// handleTest 报告接口可用性与模型凭证状态
func (h *Handler) handleTest(w http.ResponseWriter, r *http.Request) {
	apiKey := "API key is missing"
	if h.configured() {
		apiKey = "API key is configured"
	}
	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"message":   "API test endpoint working correctly",
		"apiKey":    apiKey,
		"timestamp": h.now().UTC().Format(time.RFC3339),
	})
}

// handleInfo 返回服务基本信息
func (h *Handler) handleInfo(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"service":  "carnage",
		"sessions": h.sessions.Count(),
		"channels": h.channels.ChannelCount(),
	})
}
