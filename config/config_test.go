package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadWithOptions(LoadOptions{})
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "localhost", cfg.Database.Host)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, "loopmail", cfg.Database.DBName)
	assert.Equal(t, time.Second, cfg.Queue.PollInterval)
	assert.Equal(t, 5, cfg.Queue.WorkerCount)
	assert.Equal(t, 50, cfg.Queue.BatchSize)
	assert.Equal(t, 5, cfg.Queue.MaxAttempts)
	assert.Equal(t, 500, cfg.Campaign.BatchSize)
	assert.Equal(t, 10, cfg.Campaign.SendConcurrency)
	assert.False(t, cfg.Redis.Enabled)
	assert.Equal(t, "production", cfg.Environment)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("DB_HOST", "db.internal")
	t.Setenv("QUEUE_WORKER_COUNT", "12")
	t.Setenv("REDIS_ENABLED", "true")
	t.Setenv("ENVIRONMENT", "development")

	cfg, err := LoadWithOptions(LoadOptions{})
	require.NoError(t, err)

	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.Equal(t, 12, cfg.Queue.WorkerCount)
	assert.True(t, cfg.Redis.Enabled)
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())
}

func TestLoadRejectsInvalidQueueSettings(t *testing.T) {
	t.Setenv("QUEUE_WORKER_COUNT", "0")

	_, err := LoadWithOptions(LoadOptions{})
	assert.Error(t, err)
}

func TestLoadRejectsInvalidPollInterval(t *testing.T) {
	t.Setenv("QUEUE_POLL_INTERVAL", "0s")

	_, err := LoadWithOptions(LoadOptions{})
	assert.Error(t, err)
}

func TestConnectionString(t *testing.T) {
	cfg := DatabaseConfig{
		Host:     "localhost",
		Port:     5432,
		User:     "postgres",
		Password: "secret",
		DBName:   "loopmail",
		SSLMode:  "disable",
	}

	assert.Equal(t,
		"host=localhost port=5432 user=postgres password=secret dbname=loopmail sslmode=disable",
		cfg.ConnectionString())
}
