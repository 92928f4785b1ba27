package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validEnv(t *testing.T) {
	t.Helper()
	t.Setenv("POSTSCHEDULER_DATABASE__URL", "postgres://localhost/test")
	t.Setenv("POSTSCHEDULER_JWT__SECRET_KEY", "secret")
}

func TestLoad_Defaults(t *testing.T) {
	validEnv(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Dispatch.TickInterval)
	assert.Equal(t, 5*time.Minute, cfg.Dispatch.LeaseTimeout)
	assert.Equal(t, "advance", cfg.Dispatch.EmptyQueuePolicy)
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.Equal(t, time.Hour, cfg.Retry.MaxDelay)
	assert.True(t, cfg.Telegram.NotifyOwner)
	assert.False(t, cfg.Valkey.Enabled)
}

func TestLoad_FileThenEnv(t *testing.T) {
	validEnv(t)

	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
server:
  port: "8081"
dispatch:
  tick_interval: 10s
  empty_queue_policy: hold
  workers: 2
retry:
  max_attempts: 3
cors:
  allowed_origins:
    - https://a.example
    - https://b.example
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	t.Setenv("POSTSCHEDULER_DISPATCH__WORKERS", "8")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "8081", cfg.Server.Port)
	assert.Equal(t, 10*time.Second, cfg.Dispatch.TickInterval)
	assert.Equal(t, "hold", cfg.Dispatch.EmptyQueuePolicy)
	assert.Equal(t, 8, cfg.Dispatch.Workers)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORS.AllowedOrigins)
	assert.Equal(t, 5*time.Minute, cfg.Dispatch.LeaseTimeout)
}

func TestLoad_MissingFile(t *testing.T) {
	validEnv(t)

	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "defaults with secrets", mutate: func(*Config) {}},
		{name: "missing database url", mutate: func(c *Config) { c.Database.URL = "" }, wantErr: "database.url"},
		{name: "zero tick", mutate: func(c *Config) { c.Dispatch.TickInterval = 0 }, wantErr: "tick_interval"},
		{
			name: "lease shorter than delivery",
			mutate: func(c *Config) {
				c.Dispatch.LeaseTimeout = 10 * time.Second
				c.Dispatch.DeliveryTimeout = 30 * time.Second
			},
			wantErr: "lease_timeout",
		},
		{
			name: "lease leaves no room for outcome write",
			mutate: func(c *Config) {
				c.Dispatch.LeaseTimeout = 35 * time.Second
				c.Dispatch.DeliveryTimeout = 30 * time.Second
			},
			wantErr: "lease_timeout",
		},
		{name: "unknown policy", mutate: func(c *Config) { c.Dispatch.EmptyQueuePolicy = "skip" }, wantErr: "empty_queue_policy"},
		{name: "telegram without token", mutate: func(c *Config) { c.Telegram.Enabled = true }, wantErr: "bot_token"},
		{name: "bad log format", mutate: func(c *Config) { c.Log.Format = "xml" }, wantErr: "log.format"},
		{name: "retry cap below base", mutate: func(c *Config) { c.Retry.MaxDelay = time.Second }, wantErr: "retry.base_delay"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Database.URL = "postgres://localhost/test"
			cfg.JWT.SecretKey = "secret"
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRead_SkipsValidation(t *testing.T) {
	t.Setenv("POSTSCHEDULER_JWT__SECRET_KEY", "secret")

	cfg, err := Read("")
	require.NoError(t, err)
	assert.Empty(t, cfg.Database.URL)
	assert.Equal(t, "secret", cfg.JWT.SecretKey)

	_, err = Load("")
	require.Error(t, err)
}
