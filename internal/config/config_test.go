package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	// Clear any existing config files from the search path
	originalDir, _ := os.Getwd()
	tmpDir := t.TempDir()
	os.Chdir(tmpDir)
	defer os.Chdir(originalDir)

	cfg, err := Load()
	require.NoError(t, err)

	// Server defaults
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 1000, cfg.Server.RateLimitRPS)

	// Redis defaults
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 0, cfg.Redis.DB)
	assert.Equal(t, 3*time.Second, cfg.Redis.DialTimeout)
	assert.Equal(t, 3*time.Second, cfg.Redis.ReadTimeout)

	// Queue defaults
	assert.Equal(t, "memory", cfg.Queue.Backend)
	assert.Equal(t, []string{"api", "script"}, cfg.Queue.Queues)
	assert.Equal(t, 2*time.Second, cfg.Queue.BlockTimeout)
	assert.Equal(t, 10*time.Minute, cfg.Queue.ClaimMinIdle)
	assert.Equal(t, int64(10), cfg.Queue.PoisonDeliveries)
	assert.Equal(t, 0.01, cfg.Queue.SweepProbability)
	assert.Equal(t, 7*24*time.Hour, cfg.Queue.TaskRetentionTTL)
	assert.Equal(t, 0, cfg.Queue.DefaultMaxRetries)

	// Worker defaults
	assert.Equal(t, 500*time.Millisecond, cfg.Worker.IdleSleep)
	assert.Equal(t, 30*time.Second, cfg.Worker.ShutdownTimeout)
	assert.Equal(t, 5*time.Second, cfg.Worker.WebhookTimeout)

	// Metrics defaults
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)

	// Auth defaults
	assert.False(t, cfg.Auth.Enabled)

	// Logging defaults
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoad_WithConfigFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := tmpDir + "/config.yaml"

	configContent := `
server:
  host: "127.0.0.1"
  port: 9090

redis:
  addr: "custom-redis:6380"
  password: "secret"
  db: 1

queue:
  backend: "redis"
  queues: ["api", "script", "bulk"]

loglevel: "warn"
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	require.NoError(t, err)

	originalDir, _ := os.Getwd()
	os.Chdir(tmpDir)
	defer os.Chdir(originalDir)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "custom-redis:6380", cfg.Redis.Addr)
	assert.Equal(t, "secret", cfg.Redis.Password)
	assert.Equal(t, 1, cfg.Redis.DB)
	assert.Equal(t, "redis", cfg.Queue.Backend)
	assert.Equal(t, []string{"api", "script", "bulk"}, cfg.Queue.Queues)
	assert.Equal(t, "warn", cfg.LogLevel)

	// Untouched sections keep their defaults
	assert.Equal(t, 2*time.Second, cfg.Queue.BlockTimeout)
}

func TestQueueConfig_Fields(t *testing.T) {
	cfg := QueueConfig{
		Backend:           "redis",
		Queues:            []string{"api"},
		BlockTimeout:      2 * time.Second,
		ClaimMinIdle:      10 * time.Minute,
		PoisonDeliveries:  10,
		SweepProbability:  0.01,
		SweepInterval:     30 * time.Second,
		TaskRetentionTTL:  7 * 24 * time.Hour,
		DefaultMaxRetries: 3,
	}

	assert.Equal(t, "redis", cfg.Backend)
	assert.Equal(t, 3, cfg.DefaultMaxRetries)
	assert.Equal(t, int64(10), cfg.PoisonDeliveries)
}
