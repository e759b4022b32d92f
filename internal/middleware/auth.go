package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MorseWayne/stock_reserve/internal/resp"
	"github.com/MorseWayne/stock_reserve/internal/service"
)

const bearerPrefix = "Bearer "

// TokenVerifier 校验调用方令牌
type TokenVerifier interface {
	Verify(tokenString string) (*service.Claims, error)
}

// Identify 可选认证中间件
// 携带有效 Bearer 令牌时将载荷注入上下文，否则按匿名请求继续处理，
// 校验失败的原因会保留下来供 RequireAdmin 返回
func Identify(verifier TokenVerifier, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if !strings.HasPrefix(authHeader, bearerPrefix) {
				next.ServeHTTP(w, r)
				return
			}
			tokenString := strings.TrimSpace(strings.TrimPrefix(authHeader, bearerPrefix))
			if tokenString == "" {
				next.ServeHTTP(w, r)
				return
			}

			claims, err := verifier.Verify(tokenString)
			if err != nil {
				logger.Debug("bearer token rejected",
					zap.String("request_id", RequestIDFromContext(r.Context())),
					zap.Error(err),
				)
				next.ServeHTTP(w, r.WithContext(withAuthError(r.Context(), err)))
				return
			}

			next.ServeHTTP(w, r.WithContext(withClaims(r.Context(), claims)))
		})
	}
}

// CallerID 返回限流与幂等使用的调用方标识：令牌主体优先，否则为客户端 IP
func CallerID(c *gin.Context) string {
	if claims := ClaimsFromContext(c.Request.Context()); claims != nil {
		return "sub:" + claims.Subject
	}
	return "ip:" + c.ClientIP()
}

// RequireAdmin 管理员权限中间件，需在 Identify 之后使用
func RequireAdmin(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		reqID := RequestIDFromContext(ctx)

		claims := ClaimsFromContext(ctx)
		if claims == nil {
			msg := "authentication required"
			switch err := authErrorFromContext(ctx); {
			case errors.Is(err, service.ErrTokenExpired):
				msg = "token expired"
			case errors.Is(err, service.ErrTokenNotReady):
				msg = "token not ready"
			case err != nil:
				msg = "invalid token"
			}
			resp.Error(c.Writer, http.StatusUnauthorized, resp.CodeUnauthorized, msg, reqID, "")
			c.Abort()
			return
		}

		if !claims.IsAdmin() {
			logger.Warn("insufficient permissions",
				zap.String("request_id", reqID),
				zap.String("subject", claims.Subject),
				zap.String("role", claims.Role),
			)
			resp.Error(c.Writer, http.StatusForbidden, resp.CodeForbidden, "admin role required", reqID, "")
			c.Abort()
			return
		}

		c.Next()
	}
}
