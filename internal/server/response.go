package server

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// =============================================================================
// 📦 通用响应结构
// =============================================================================

// 错误码
const (
	CodeInvalidRequest = "INVALID_REQUEST"
	CodeNotReady       = "NOT_READY"
	CodeInternal       = "INTERNAL_ERROR"
	CodeUnavailable    = "SERVICE_UNAVAILABLE"
)

// Response 统一 API 响应结构
type Response struct {
	Success   bool       `json:"success"`
	Data      any        `json:"data,omitempty"`
	Error     *ErrorInfo `json:"error,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
	RequestID string     `json:"request_id,omitempty"`
}

// ErrorInfo 错误信息结构
type ErrorInfo struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

// WriteJSON 写入 JSON 响应
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)

	// 响应头已写出，编码失败时无法再改状态码
	_ = json.NewEncoder(w).Encode(data)
}

// WriteSuccess 写入成功响应。请求 ID 取自中间件写入的响应头。
func WriteSuccess(w http.ResponseWriter, data any) {
	WriteJSON(w, http.StatusOK, Response{
		Success:   true,
		Data:      data,
		Timestamp: time.Now(),
		RequestID: w.Header().Get("X-Request-ID"),
	})
}

// WriteError 写入错误响应。5xx 错误记录日志。
func WriteError(w http.ResponseWriter, r *http.Request, status int, code, message string, logger *zap.Logger) {
	if logger != nil && status >= http.StatusInternalServerError {
		logger.Error("API error",
			zap.String("code", code),
			zap.String("message", message),
			zap.Int("status", status),
			zap.String("path", r.URL.Path))
	}

	WriteJSON(w, status, Response{
		Success: false,
		Error: &ErrorInfo{
			Code:      code,
			Message:   message,
			Retryable: code == CodeNotReady || status == http.StatusServiceUnavailable,
		},
		Timestamp: time.Now(),
		RequestID: w.Header().Get("X-Request-ID"),
	})
}
