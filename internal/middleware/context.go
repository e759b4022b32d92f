// Package middleware 提供库存服务的 HTTP 中间件：请求 ID、恢复、超时、CORS、
// 访问日志、调用方识别、管理员校验与写接口幂等。
package middleware

import (
	"context"

	"github.com/MorseWayne/stock_reserve/internal/service"
)

type contextKey string

const (
	contextKeyRequestID contextKey = "request_id"
	contextKeyClaims    contextKey = "claims"
	contextKeyAuthError contextKey = "auth_error"
)

func withRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, contextKeyRequestID, id)
}

// RequestIDFromContext 读取请求 ID，未经过 RequestID 中间件时为空
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(contextKeyRequestID).(string)
	return id
}

func withClaims(ctx context.Context, claims *service.Claims) context.Context {
	return context.WithValue(ctx, contextKeyClaims, claims)
}

// ClaimsFromContext 返回已校验的调用方载荷，匿名请求返回 nil
func ClaimsFromContext(ctx context.Context) *service.Claims {
	claims, _ := ctx.Value(contextKeyClaims).(*service.Claims)
	return claims
}

// withAuthError 保留令牌校验失败的原因，供 RequireAdmin 返回
func withAuthError(ctx context.Context, err error) context.Context {
	return context.WithValue(ctx, contextKeyAuthError, err)
}

func authErrorFromContext(ctx context.Context) error {
	err, _ := ctx.Value(contextKeyAuthError).(error)
	return err
}
