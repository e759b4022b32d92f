// Package resp 定义统一的 JSON 响应信封与业务错误码。
package resp

import (
	"encoding/json"
	"net/http"
	"time"
)

// 业务错误码，0 表示成功
const (
	CodeOK                 = 0
	CodeInvalidParam       = 10001
	CodeUnauthorized       = 10002
	CodeForbidden          = 10003
	CodeNotFound           = 10004
	CodeInsufficientStock  = 20001
	CodeConflict           = 20002
	CodeTooManyRequests    = 20003
	CodeInternalError      = 50000
	CodeServiceUnavailable = 50001
	CodeTimeout            = 50002
)

// Response 统一响应信封
type Response[T any] struct {
	Code      int    `json:"code"`
	Message   string `json:"message"`
	Data      T      `json:"data,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	TraceID   string `json:"trace_id,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// WriteJSON 按给定状态码写出响应信封
func WriteJSON[T any](w http.ResponseWriter, status, code int, msg string, data T, reqID, traceID string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Response[T]{
		Code:      code,
		Message:   msg,
		Data:      data,
		RequestID: reqID,
		TraceID:   traceID,
		Timestamp: time.Now().UnixMilli(),
	})
}

// OK 写出 200 成功响应
func OK[T any](w http.ResponseWriter, data T, reqID, traceID string) {
	WriteJSON(w, http.StatusOK, CodeOK, "ok", data, reqID, traceID)
}

// Error 写出错误响应，data 字段为空
func Error(w http.ResponseWriter, status, code int, msg, reqID, traceID string) {
	WriteJSON[any](w, status, code, msg, nil, reqID, traceID)
}

// HTTPStatusFromCode 将业务错误码映射为 HTTP 状态码
func HTTPStatusFromCode(code int) int {
	switch code {
	case CodeOK:
		return http.StatusOK
	case CodeInvalidParam:
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeInsufficientStock, CodeConflict:
		return http.StatusConflict
	case CodeTooManyRequests:
		return http.StatusTooManyRequests
	case CodeServiceUnavailable:
		return http.StatusServiceUnavailable
	case CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
