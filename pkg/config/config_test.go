package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, ":8080", cfg.Server.Address)
	assert.Equal(t, 7*24*time.Hour, cfg.Recency.Window)
	assert.False(t, cfg.Redis.Enabled)
}

func TestLoad_MissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "no-such.yaml"))
	assert.NoError(t, err)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	yaml := `
server:
  address: ":9090"
signal:
  ping_interval: 10s
  pong_timeout: 25s
recency:
  window: 48h
redis:
  enabled: true
  address: "redis:6379"
  pool_size: 5
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	assert.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	cfg, err := Load(path)
	assert.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Server.Address)
	assert.Equal(t, 10*time.Second, cfg.Signal.PingInterval)
	assert.Equal(t, 48*time.Hour, cfg.Recency.Window)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, "redis:6379", cfg.Redis.Address)

	// Untouched sections keep their defaults.
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, 64, cfg.Signal.SendBuffer)
}

func TestLoad_InvalidFileRejected(t *testing.T) {
	yaml := `
signal:
  ping_interval: 60s
  pong_timeout: 30s
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	assert.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "pong_timeout")
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("DICKSWORD_SERVER_ADDRESS", ":7070")
	t.Setenv("DICKSWORD_JWT_SECRET", "env-secret")
	t.Setenv("DICKSWORD_REDIS_ADDRESS", "envhost:6379")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.NoError(t, err)
	assert.Equal(t, ":7070", cfg.Server.Address)
	assert.Equal(t, "env-secret", cfg.Auth.JWTSecret)
	assert.Equal(t, "envhost:6379", cfg.Redis.Address)
	assert.True(t, cfg.Redis.Enabled)
}

func TestValidate_RateLimitingBounds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimiting.Enabled = true
	assert.NoError(t, cfg.Validate())

	cfg.RateLimiting.WebSocket.MessagesPerSecond = 0
	assert.Error(t, cfg.Validate())
}
