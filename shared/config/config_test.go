package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("MARKET_DATABASE_URL", "postgres://localhost/market")
	t.Setenv("MARKET_AUTH_JWT_SECRET", "secret")

	cfg, err := Load(ServiceBroadcastService, t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, ServiceBroadcastService, cfg.Service)
	assert.Equal(t, ":8081", cfg.Server.Addr)
	assert.Equal(t, 60*time.Second, cfg.Auction.SweepInterval)
	assert.Equal(t, 24*time.Hour, cfg.Auction.ArchiveDelay)
	assert.Equal(t, 54*time.Second, cfg.Hub.PingPeriod)
	assert.Equal(t, "MARKET_EVENTS", cfg.NATS.Stream)
	assert.True(t, cfg.Redis.Enabled)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("MARKET_DATABASE_URL", "postgres://db/market")
	t.Setenv("MARKET_AUTH_JWT_SECRET", "secret")
	t.Setenv("MARKET_AUCTION_SWEEP_INTERVAL", "15s")
	t.Setenv("MARKET_REDIS_ENABLED", "false")
	t.Setenv("MARKET_SERVER_ADDR", ":18080")

	cfg, err := Load(ServiceAPIGateway, t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "postgres://db/market", cfg.Database.URL)
	assert.Equal(t, 15*time.Second, cfg.Auction.SweepInterval)
	assert.False(t, cfg.Redis.Enabled)
	assert.Equal(t, ":18080", cfg.Server.Addr)
}

func TestLoadReadsConfigFile(t *testing.T) {
	dir := t.TempDir()
	yaml := []byte("environment: development\ndatabase:\n  driver: memory\nauth:\n  jwt_secret: from-file\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), yaml, 0o600))

	cfg, err := Load(ServiceAPIGateway, dir)
	require.NoError(t, err)

	assert.True(t, cfg.IsDevelopment())
	assert.Equal(t, "memory", cfg.Database.Driver)
	assert.Equal(t, "from-file", cfg.Auth.JWTSecret)
}

func TestLoadMissingRequired(t *testing.T) {
	_, err := Load(ServiceAPIGateway, t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MARKET_DATABASE_URL")
	assert.Contains(t, err.Error(), "MARKET_AUTH_JWT_SECRET")
}

func TestWorkerDoesNotNeedJWTSecret(t *testing.T) {
	t.Setenv("MARKET_DATABASE_URL", "postgres://db/market")

	cfg, err := Load(ServiceArchivalWorker, t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Server.Addr)
}
