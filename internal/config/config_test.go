package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.App.Port)
	assert.Equal(t, 300*time.Millisecond, cfg.Lock.WaitBudget)
	assert.Equal(t, 5*time.Second, cfg.Lock.TTL)
	assert.Equal(t, 50*time.Millisecond, cfg.Lock.RetryInterval)
	assert.Equal(t, "reject", cfg.Engine.DeductPolicy)
	assert.Equal(t, "127.0.0.1:6379", cfg.Redis.Addr())
	assert.False(t, cfg.MQ.Enabled)
}

func TestLoad_FromEnv(t *testing.T) {
	t.Setenv("APP_PORT", "9090")
	t.Setenv("LOCK_TTL", "8s")
	t.Setenv("ENGINE_DEDUCT_POLICY", "permit")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example, https://b.example")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.App.Port)
	assert.Equal(t, 8*time.Second, cfg.Lock.TTL)
	assert.Equal(t, "permit", cfg.Engine.DeductPolicy)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORS.AllowedOrigins)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr bool
	}{
		{name: "lock ttl below operation timeout", env: map[string]string{"LOCK_TTL": "1s", "ENGINE_OPERATION_TIMEOUT": "2s"}, wantErr: true},
		{name: "lock ttl equal to operation timeout", env: map[string]string{"LOCK_TTL": "2s", "ENGINE_OPERATION_TIMEOUT": "2s"}, wantErr: true},
		{name: "unknown deduct policy", env: map[string]string{"ENGINE_DEDUCT_POLICY": "clamp"}, wantErr: true},
		{name: "bad log encoding", env: map[string]string{"LOG_ENCODING": "xml"}, wantErr: true},
		{name: "prod without jwt secret", env: map[string]string{"APP_ENV": "prod"}, wantErr: true},
		{name: "prod with jwt secret", env: map[string]string{"APP_ENV": "prod", "JWT_SECRET": "s3cret"}, wantErr: false},
		{name: "unparsable duration falls back to default", env: map[string]string{"LOCK_TTL": "soon"}, wantErr: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			if (err != nil) != tt.wantErr {
				t.Errorf("Load() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
