package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/txplain/explorercache/internal/usage"
)

func TestParseDefaults(t *testing.T) {
	t.Setenv("REDIS_URL", "")
	t.Setenv("ETHERSCAN_API_KEY", "")

	cfg, err := Parse()
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.DBDriver)
	assert.Equal(t, "data/explorercache.db", cfg.DBDSN)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, 10, cfg.BatchSize)
	assert.Equal(t, 5*time.Second, cfg.WarmInterval)
	assert.Equal(t, 10*time.Minute, cfg.StuckInterval)
	assert.Equal(t, 30*24*time.Hour, cfg.UsageRetention)
	assert.Empty(t, cfg.RedisURL)

	th, err := cfg.Thresholds()
	require.NoError(t, err)
	assert.Equal(t, usage.Limits{PerHour: 100, PerMinute: 5}, th.Default)
}

func TestParseOverrides(t *testing.T) {
	t.Setenv("EXPLORERCACHE_DB_DRIVER", "postgres")
	t.Setenv("EXPLORERCACHE_DB_DSN", "postgres://cache@localhost/cache")
	t.Setenv("EXPLORERCACHE_WORKERS", "8")
	t.Setenv("EXPLORERCACHE_WARM_INTERVAL", "250ms")
	t.Setenv("EXPLORERCACHE_RATE_LIMIT_OVERRIDES", "PolygonScan:200/10,arbiscan:50/2")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("ETHERSCAN_API_KEY", "shared-key")

	cfg, err := Parse()
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Storage().Driver)
	assert.Equal(t, "postgres://cache@localhost/cache", cfg.Storage().DSN)
	assert.Equal(t, 8, cfg.Warmer().Workers)
	assert.Equal(t, 250*time.Millisecond, cfg.Warmer().Interval)
	assert.Equal(t, "redis://localhost:6379/0", cfg.RedisURL)
	assert.Equal(t, "shared-key", cfg.EtherscanAPIKey)

	th, err := cfg.Thresholds()
	require.NoError(t, err)
	assert.Equal(t, usage.Limits{PerHour: 200, PerMinute: 10}, th.For("polygonscan"))
	assert.Equal(t, usage.Limits{PerHour: 50, PerMinute: 2}, th.For("arbiscan"))
	assert.Equal(t, th.Default, th.For("etherscan"))
}

func TestPrefixedValueWins(t *testing.T) {
	t.Setenv("REDIS_URL", "redis://fallback:6379")
	t.Setenv("EXPLORERCACHE_REDIS_URL", "redis://primary:6379")

	cfg, err := Parse()
	require.NoError(t, err)
	assert.Equal(t, "redis://primary:6379", cfg.RedisURL)
}

func TestParseRejectsInvalid(t *testing.T) {
	cases := map[string][2]string{
		"bad duration":   {"EXPLORERCACHE_WARM_INTERVAL", "soon"},
		"zero workers":   {"EXPLORERCACHE_WORKERS", "0"},
		"bad override":   {"EXPLORERCACHE_RATE_LIMIT_OVERRIDES", "etherscan:100"},
		"zero override":  {"EXPLORERCACHE_RATE_LIMIT_OVERRIDES", "etherscan:0/5"},
		"negative limit": {"EXPLORERCACHE_RATE_LIMIT_PER_MINUTE", "-1"},
	}
	for name, kv := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv(kv[0], kv[1])
			_, err := Parse()
			require.Error(t, err)
		})
	}
}

func TestMaintenanceConfig(t *testing.T) {
	t.Setenv("EXPLORERCACHE_QUEUE_RETENTION", "48h")
	cfg, err := Parse()
	require.NoError(t, err)
	m := cfg.Maintenance()
	assert.Equal(t, 48*time.Hour, m.QueueRetention)
	assert.Equal(t, time.Hour, m.CleanupInterval)
	assert.Equal(t, 100, m.RefreshBatch)
}
