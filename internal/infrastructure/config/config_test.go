package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/auctiondeck/auction-monitor-backend/internal/infrastructure/config"
)

const minimalYAML = `
upstream:
  product_url: "https://auctions.example.com/api/products/{id}"
  bid_url: "https://auctions.example.com/api/bids"
  referer_url: "https://auctions.example.com/product/{id}"
stream:
  url: "https://auctions.example.com/api/stream/{id}"
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, minimalYAML))
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, "info", cfg.LogLevel)

	assert.Equal(t, 60*time.Second, cfg.Monitor.Retention)
	assert.Equal(t, 30, cfg.Monitor.SnipeTiming)
	assert.Equal(t, 0, cfg.Monitor.BidBuffer)
	assert.Equal(t, 3, cfg.Monitor.RetryAttempts)
	assert.Equal(t, "increment", cfg.Monitor.DefaultStrategy)
	assert.Equal(t, 5, cfg.Monitor.DefaultIncrement)

	assert.Equal(t, 10*time.Second, cfg.Upstream.GetTimeout)
	assert.Equal(t, 15*time.Second, cfg.Upstream.BidTimeout)

	assert.Equal(t, 5, cfg.Stream.MaxReconnects)
	assert.Equal(t, time.Second, cfg.Stream.InitialBackoff)
	assert.Equal(t, 30*time.Second, cfg.Stream.MaxBackoff)
	assert.Equal(t, "bidUpdate", cfg.Stream.Events.BidUpdate)
	assert.Equal(t, "auctionClosed", cfg.Stream.Events.AuctionClosed)

	assert.Equal(t, 10, cfg.Scheduler.MaxRequestsPerSecond)
	assert.Equal(t, 6*time.Second, cfg.Scheduler.DefaultInterval)
	assert.Equal(t, 60*time.Second, cfg.Scheduler.ErrorCap)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.SafetyInterval)
	assert.Equal(t, 5*time.Second, cfg.Scheduler.ShutdownGrace)

	assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 60*time.Second, cfg.Breaker.OpenTimeout)
	assert.Equal(t, 2, cfg.Breaker.HalfOpenSuccesses)

	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, ":9091", cfg.Ops.ListenAddr)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, minimalYAML+`
monitor:
  snipe_timing: 15
  bid_buffer: 2
scheduler:
  max_rps: 5
`)
	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, 15, cfg.Monitor.SnipeTiming)
	assert.Equal(t, 2, cfg.Monitor.BidBuffer)
	assert.Equal(t, 5, cfg.Scheduler.MaxRequestsPerSecond)
	// Untouched keys keep their defaults.
	assert.Equal(t, 3, cfg.Monitor.RetryAttempts)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	t.Setenv("AMB_REDIS_ADDR", "redis.internal:6380")
	t.Setenv("AMB_ENVIRONMENT", "production")

	cfg, err := config.Load(writeConfig(t, minimalYAML))
	require.NoError(t, err)

	assert.Equal(t, "redis.internal:6380", cfg.Redis.Addr)
	assert.Equal(t, "production", cfg.Environment)
}

func TestLoadRequiresUpstreamURLs(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config")
}

func TestLoadRejectsOutOfRangeValues(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"snipe timing above cap", minimalYAML + "\nmonitor:\n  snipe_timing: 31\n"},
		{"retention below minimum", minimalYAML + "\nmonitor:\n  retention: 10s\n"},
		{"safety interval below minimum", minimalYAML + "\nscheduler:\n  safety_interval: 5s\n"},
		{"unknown strategy", minimalYAML + "\nmonitor:\n  default_strategy: aggressive\n"},
		{"zero breaker threshold", minimalYAML + "\nbreaker:\n  failure_threshold: 0\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.Load(writeConfig(t, tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), "invalid config")
		})
	}
}
