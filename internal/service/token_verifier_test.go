package service

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testSecret = "test-secret-key"
	testIssuer = "test-auth"
)

func signToken(t *testing.T, method jwt.SigningMethod, key any, claims *Claims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString(key)
	require.NoError(t, err)
	return s
}

func testClaims(sub, role string, issued, expires time.Time) *Claims {
	return &Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			Issuer:    testIssuer,
			IssuedAt:  jwt.NewNumericDate(issued),
			NotBefore: jwt.NewNumericDate(issued),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
}

func TestTokenVerifier_Verify(t *testing.T) {
	v := NewTokenVerifier(testSecret, testIssuer, nil)
	now := time.Now()

	tests := []struct {
		name    string
		token   func(t *testing.T) string
		wantErr error
		wantSub string
		admin   bool
	}{
		{
			name: "valid admin token",
			token: func(t *testing.T) string {
				return signToken(t, jwt.SigningMethodHS256, []byte(testSecret), testClaims("ops-1", RoleAdmin, now, now.Add(time.Hour)))
			},
			wantSub: "ops-1",
			admin:   true,
		},
		{
			name: "valid caller token",
			token: func(t *testing.T) string {
				return signToken(t, jwt.SigningMethodHS256, []byte(testSecret), testClaims("order-svc", "service", now, now.Add(time.Hour)))
			},
			wantSub: "order-svc",
		},
		{
			name: "expired",
			token: func(t *testing.T) string {
				return signToken(t, jwt.SigningMethodHS256, []byte(testSecret), testClaims("a", "", now.Add(-2*time.Hour), now.Add(-time.Hour)))
			},
			wantErr: ErrTokenExpired,
		},
		{
			name: "not yet valid",
			token: func(t *testing.T) string {
				return signToken(t, jwt.SigningMethodHS256, []byte(testSecret), testClaims("a", "", now.Add(time.Hour), now.Add(2*time.Hour)))
			},
			wantErr: ErrTokenNotReady,
		},
		{
			name: "wrong secret",
			token: func(t *testing.T) string {
				return signToken(t, jwt.SigningMethodHS256, []byte("other"), testClaims("a", "", now, now.Add(time.Hour)))
			},
			wantErr: ErrInvalidToken,
		},
		{
			name: "wrong issuer",
			token: func(t *testing.T) string {
				c := testClaims("a", "", now, now.Add(time.Hour))
				c.Issuer = "someone-else"
				return signToken(t, jwt.SigningMethodHS256, []byte(testSecret), c)
			},
			wantErr: ErrInvalidToken,
		},
		{
			name: "missing subject",
			token: func(t *testing.T) string {
				return signToken(t, jwt.SigningMethodHS256, []byte(testSecret), testClaims("", "", now, now.Add(time.Hour)))
			},
			wantErr: ErrInvalidToken,
		},
		{
			name:    "garbage",
			token:   func(*testing.T) string { return "not.a.token" },
			wantErr: ErrInvalidToken,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims, err := v.Verify(tt.token(t))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, claims)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantSub, claims.Subject)
			assert.Equal(t, tt.admin, claims.IsAdmin())
		})
	}
}

func TestTokenVerifier_DisabledWithoutSecret(t *testing.T) {
	v := NewTokenVerifier("", "", nil)
	assert.False(t, v.Enabled())

	_, err := v.Verify("anything")
	assert.ErrorIs(t, err, ErrInvalidToken)
}
