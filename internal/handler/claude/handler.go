package claude

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/zhouzirui/carnage/backend/internal/service/ai"
	"github.com/zhouzirui/carnage/backend/pkg/apperr"
	"github.com/zhouzirui/carnage/backend/pkg/utils"
)

// Handler 模型代理的HTTP处理器
type Handler struct {
	gateway *ai.Gateway
	logger  *zap.Logger
}

// New 创建模型代理处理器
func New(gateway *ai.Gateway, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{gateway: gateway, logger: logger.Named("claude-handler")}
}

// RegisterRoutes 注册模型代理路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/claude", h.handleComplete)
}

// handleComplete 透传请求到模型 API，返回模型原始响应结构
func (h *Handler) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req ai.Request
	if err := utils.DecodeJSON(w, r, &req); err != nil {
		utils.RespondError(w, err)
		return
	}

	resp, err := h.gateway.Complete(r.Context(), req)
	if err != nil {
		if apperr.Kind(err) != apperr.KindValidation {
			h.logger.Warn("completion failed", zap.String("kind", apperr.Kind(err)), zap.Error(err))
		}
		utils.RespondError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, resp)
}
