package utils

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/zhouzirui/carnage/backend/pkg/apperr"
)

// ErrorBody 是所有失败响应的统一结构
type ErrorBody struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

// RespondJSON 发送JSON响应
func RespondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Warn("failed to encode response", zap.Error(err))
	}
}

// RespondFailure 发送带错误类型的失败响应
func RespondFailure(w http.ResponseWriter, status int, kind, message string) {
	RespondJSON(w, status, ErrorBody{Success: false, Error: kind, Message: message})
}

// RespondError 根据错误类型选择状态码并发送失败响应
func RespondError(w http.ResponseWriter, err error) {
	RespondFailure(w, apperr.HTTPStatus(err), apperr.Kind(err), err.Error())
}
