package service

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// 令牌校验错误
var (
	ErrInvalidToken  = errors.New("invalid token")
	ErrTokenExpired  = errors.New("token expired")
	ErrTokenNotReady = errors.New("token used before valid")
)

// RoleAdmin 允许访问锁管理接口的角色
const RoleAdmin = "admin"

// Claims 调用方令牌载荷，Subject 即调用方标识
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// IsAdmin 判断调用方是否为管理员
func (c *Claims) IsAdmin() bool {
	return c.Role == RoleAdmin
}

// TokenVerifier 校验由外部认证服务签发的 HS256 令牌，本服务不签发令牌
type TokenVerifier struct {
	secret []byte
	issuer string
	logger *zap.Logger
}

// NewTokenVerifier 创建令牌校验器。issuer 为空时不校验签发者。
func NewTokenVerifier(secret, issuer string, logger *zap.Logger) *TokenVerifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TokenVerifier{secret: []byte(secret), issuer: issuer, logger: logger}
}

// Enabled 未配置密钥时不做身份识别，限流按客户端 IP 计
func (v *TokenVerifier) Enabled() bool {
	return len(v.secret) > 0
}

// Verify 校验令牌并返回载荷
func (v *TokenVerifier) Verify(tokenString string) (*Claims, error) {
	if !v.Enabled() {
		return nil, ErrInvalidToken
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		if errors.Is(err, jwt.ErrTokenNotValidYet) {
			return nil, ErrTokenNotReady
		}
		v.logger.Debug("token validation failed", zap.Error(err))
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}

	if v.issuer != "" && claims.Issuer != v.issuer {
		v.logger.Warn("token issuer mismatch",
			zap.String("expected", v.issuer),
			zap.String("actual", claims.Issuer),
		)
		return nil, ErrInvalidToken
	}

	return claims, nil
}
