package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/MorseWayne/stock_reserve/internal/resp"
	"github.com/MorseWayne/stock_reserve/internal/service"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// mockVerifier 按令牌字符串返回预置结果
type mockVerifier struct {
	claims map[string]*service.Claims
	errs   map[string]error
}

func newMockVerifier() *mockVerifier {
	return &mockVerifier{
		claims: map[string]*service.Claims{
			"admin-token": {Role: service.RoleAdmin, RegisteredClaims: jwt.RegisteredClaims{Subject: "ops-1"}},
			"user-token":  {Role: "client", RegisteredClaims: jwt.RegisteredClaims{Subject: "checkout"}},
		},
		errs: map[string]error{
			"expired-token": service.ErrTokenExpired,
		},
	}
}

func (m *mockVerifier) Verify(token string) (*service.Claims, error) {
	if err, ok := m.errs[token]; ok {
		return nil, err
	}
	if c, ok := m.claims[token]; ok {
		return c, nil
	}
	return nil, service.ErrInvalidToken
}

// newAuthServer 组装 Identify + gin 路由，与服务端的装配方式一致
func newAuthServer() http.Handler {
	r := gin.New()
	r.GET("/whoami", func(c *gin.Context) {
		c.String(http.StatusOK, CallerID(c))
	})
	r.GET("/admin", RequireAdmin(zap.NewNop()), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})
	return Identify(newMockVerifier(), zap.NewNop())(r)
}

func doAuth(h http.Handler, path, authHeader string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.RemoteAddr = "192.0.2.7:41000"
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	rw := httptest.NewRecorder()
	h.ServeHTTP(rw, req)
	return rw
}

func TestCallerID(t *testing.T) {
	h := newAuthServer()

	tests := []struct {
		name   string
		header string
		want   string
	}{
		{"valid token", "Bearer user-token", "sub:checkout"},
		{"no header", "", "ip:192.0.2.7"},
		{"not bearer", "Basic dXNlcjpwYXNz", "ip:192.0.2.7"},
		{"empty bearer", "Bearer ", "ip:192.0.2.7"},
		{"invalid token", "Bearer forged", "ip:192.0.2.7"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rw := doAuth(h, "/whoami", tt.header)
			require.Equal(t, http.StatusOK, rw.Code)
			assert.Equal(t, tt.want, rw.Body.String())
		})
	}
}

func TestRequireAdmin(t *testing.T) {
	h := newAuthServer()

	tests := []struct {
		name       string
		header     string
		wantStatus int
		wantCode   int
		wantMsg    string
	}{
		{"admin", "Bearer admin-token", http.StatusNoContent, 0, ""},
		{"non admin", "Bearer user-token", http.StatusForbidden, resp.CodeForbidden, "admin role required"},
		{"anonymous", "", http.StatusUnauthorized, resp.CodeUnauthorized, "authentication required"},
		{"expired", "Bearer expired-token", http.StatusUnauthorized, resp.CodeUnauthorized, "token expired"},
		{"invalid", "Bearer forged", http.StatusUnauthorized, resp.CodeUnauthorized, "invalid token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rw := doAuth(h, "/admin", tt.header)
			require.Equal(t, tt.wantStatus, rw.Code)
			if tt.wantCode == 0 {
				return
			}
			var body resp.Response[any]
			require.NoError(t, json.Unmarshal(rw.Body.Bytes(), &body))
			assert.Equal(t, tt.wantCode, body.Code)
			assert.Equal(t, tt.wantMsg, body.Message)
		})
	}
}
