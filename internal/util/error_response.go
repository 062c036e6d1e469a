// Package util holds helpers shared by the proxy, middleware and handlers.
package util

import (
	"encoding/json"
	"net/http"
	"regexp"
	"strings"
)

// ErrorResponse 标准错误响应格式（OpenAI 兼容）
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail 错误详情
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

// 业务错误码
const (
	CodeInvalidAPIKey        = "invalid_api_key"
	CodeDailySpendCapReached = "daily_spend_cap_reached"
	CodeRateLimitExceeded    = "rate_limit_exceeded"
	CodeBadRequest           = "bad_request"
	CodeBodyTooLarge         = "request_too_large"
	CodeUpstreamError        = "upstream_error"
	CodeTimeout              = "timeout"
	CodeInternal             = "internal_server_error"
)

// MapHTTPStatusToErrorType 将 HTTP 状态码映射到错误类型
func MapHTTPStatusToErrorType(status int) string {
	switch status {
	case http.StatusUnauthorized:
		return "authentication_error"
	case http.StatusForbidden:
		return "permission_error"
	case http.StatusTooManyRequests:
		return "rate_limit_error"
	default:
		if status >= http.StatusInternalServerError {
			return "server_error"
		}
		return "invalid_request_error"
	}
}

func defaultCode(status int) string {
	switch status {
	case http.StatusUnauthorized:
		return CodeInvalidAPIKey
	case http.StatusTooManyRequests:
		return CodeRateLimitExceeded
	case http.StatusBadRequest:
		return CodeBadRequest
	case http.StatusRequestEntityTooLarge:
		return CodeBodyTooLarge
	case http.StatusBadGateway:
		return CodeUpstreamError
	case http.StatusGatewayTimeout:
		return CodeTimeout
	default:
		if status >= http.StatusInternalServerError {
			return CodeInternal
		}
		return ""
	}
}

// NewStandardError 创建标准化错误响应对象（用于 Gin 的 AbortWithStatusJSON）
// code 为空时按状态码取默认值
func NewStandardError(status int, code, message string) ErrorResponse {
	if code == "" {
		code = defaultCode(status)
	}
	if strings.TrimSpace(message) == "" {
		message = http.StatusText(status)
	}
	return ErrorResponse{
		Error: ErrorDetail{
			Message: message,
			Type:    MapHTTPStatusToErrorType(status),
			Code:    code,
		},
	}
}

// WriteErrorResponse 写入标准化错误响应
func WriteErrorResponse(w http.ResponseWriter, status int, code, message string) {
	payload, err := json.Marshal(NewStandardError(status, code, message))
	if err != nil {
		payload = []byte(`{"error":{"message":"internal error","type":"server_error","code":"internal_server_error"}}`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(payload)
}

// sensitivePatterns 敏感信息正则模式（编译一次复用）
var sensitivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)key=[^&\s]+`),
	regexp.MustCompile(`(?i)token=[^&\s]+`),
	regexp.MustCompile(`(?i)Bearer\s+[^\s]+`),
	regexp.MustCompile(`(?i)authorization:\s*[^\s]+`),
	regexp.MustCompile(`sk-[a-zA-Z0-9-_]+`),
}

// SanitizeError 清理错误消息中的敏感信息
func SanitizeError(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	for _, pattern := range sensitivePatterns {
		msg = pattern.ReplaceAllString(msg, "[REDACTED]")
	}
	return msg
}

// MaskKey 日志中只保留密钥首尾各 4 位
func MaskKey(key string) string {
	if len(key) <= 8 {
		return strings.Repeat("*", len(key))
	}
	return key[:4] + "..." + key[len(key)-4:]
}
