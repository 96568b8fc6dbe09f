package utils

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/zhouzirui/carnage/backend/pkg/apperr"
)

// MaxBodyBytes 限制请求体大小
const MaxBodyBytes = 1 << 20

// DecodeJSON 解析请求体，空请求体视为空对象，格式错误返回 ErrValidation
func DecodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	body := http.MaxBytesReader(w, r.Body, MaxBodyBytes)
	if err := json.NewDecoder(body).Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return apperr.Validation("invalid request body")
	}
	return nil
}
