// Package config loads the runtime configuration from the environment and an
// optional .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/txplain/explorercache/internal/data"
	"github.com/txplain/explorercache/internal/scheduler"
	"github.com/txplain/explorercache/internal/usage"
)

// Prefix is prepended to every variable name
const Prefix = "EXPLORERCACHE_"

// Config is the full runtime configuration
type Config struct {
	DBDriver       string `env:"DB_DRIVER" envDefault:"sqlite"`
	DBDSN          string `env:"DB_DSN" envDefault:"data/explorercache.db"`
	DBMaxOpenConns int    `env:"DB_MAX_OPEN_CONNS" envDefault:"8"`

	// RedisURL enables the Redis pause flag and maintenance locks; REDIS_URL
	// is used when unset
	RedisURL    string `env:"REDIS_URL"`
	RedisPrefix string `env:"REDIS_PREFIX" envDefault:"explorercache"`

	HTTPAddr  string        `env:"HTTP_ADDR" envDefault:":8080"`
	MemoTTL   time.Duration `env:"MEMO_TTL" envDefault:"5s"`
	LogLevel  string        `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string        `env:"LOG_FORMAT" envDefault:"console"`

	Workers      int           `env:"WORKERS" envDefault:"4"`
	BatchSize    int           `env:"BATCH_SIZE" envDefault:"10"`
	WarmInterval time.Duration `env:"WARM_INTERVAL" envDefault:"5s"`
	FetchTimeout time.Duration `env:"FETCH_TIMEOUT" envDefault:"90s"`

	CleanupInterval   time.Duration `env:"CLEANUP_INTERVAL" envDefault:"1h"`
	StuckInterval     time.Duration `env:"STUCK_INTERVAL" envDefault:"10m"`
	RetentionInterval time.Duration `env:"RETENTION_INTERVAL" envDefault:"24h"`
	StuckAfter        time.Duration `env:"STUCK_AFTER" envDefault:"30m"`
	QueueRetention    time.Duration `env:"QUEUE_RETENTION" envDefault:"168h"`
	UsageRetention    time.Duration `env:"USAGE_RETENTION" envDefault:"720h"`

	RateLimitPerHour   int64 `env:"RATE_LIMIT_PER_HOUR" envDefault:"100"`
	RateLimitPerMinute int64 `env:"RATE_LIMIT_PER_MINUTE" envDefault:"5"`
	// RateLimitOverrides sets per-explorer limits as explorer:perHour/perMinute pairs,
	// e.g. "polygonscan:200/10,arbiscan:50/2"
	RateLimitOverrides map[string]string `env:"RATE_LIMIT_OVERRIDES"`
	ExplorerRPS        float64           `env:"EXPLORER_RPS" envDefault:"4"`

	// EtherscanAPIKey falls back to ETHERSCAN_API_KEY
	EtherscanAPIKey string `env:"ETHERSCAN_API_KEY"`
}

// Load reads .env when present and parses the environment
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return Parse()
}

// Parse parses the environment into a validated Config
func Parse() (*Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: Prefix}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if cfg.RedisURL == "" {
		cfg.RedisURL = os.Getenv("REDIS_URL")
	}
	if cfg.EtherscanAPIKey == "" {
		cfg.EtherscanAPIKey = os.Getenv("ETHERSCAN_API_KEY")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the components cannot run with
func (c *Config) Validate() error {
	switch {
	case strings.TrimSpace(c.DBDSN) == "":
		return fmt.Errorf("%sDB_DSN is required", Prefix)
	case c.Workers <= 0:
		return fmt.Errorf("%sWORKERS must be positive", Prefix)
	case c.BatchSize <= 0:
		return fmt.Errorf("%sBATCH_SIZE must be positive", Prefix)
	case c.RateLimitPerHour <= 0 || c.RateLimitPerMinute <= 0:
		return fmt.Errorf("rate limits must be positive")
	case c.ExplorerRPS <= 0:
		return fmt.Errorf("%sEXPLORER_RPS must be positive", Prefix)
	}
	if _, err := c.Thresholds(); err != nil {
		return err
	}
	return nil
}

// Storage is the connector configuration
func (c *Config) Storage() data.Config {
	return data.Config{Driver: c.DBDriver, DSN: c.DBDSN, MaxOpenConns: c.DBMaxOpenConns}
}

// Thresholds builds the admission thresholds including per-explorer overrides
func (c *Config) Thresholds() (usage.Thresholds, error) {
	th := usage.Thresholds{
		Default:     usage.Limits{PerHour: c.RateLimitPerHour, PerMinute: c.RateLimitPerMinute},
		PerExplorer: map[string]usage.Limits{},
	}
	for explorer, value := range c.RateLimitOverrides {
		hour, minute, ok := strings.Cut(value, "/")
		if !ok {
			return th, fmt.Errorf("rate limit override %s: want perHour/perMinute, got %q", explorer, value)
		}
		perHour, err := strconv.ParseInt(strings.TrimSpace(hour), 10, 64)
		if err != nil || perHour <= 0 {
			return th, fmt.Errorf("rate limit override %s: invalid hourly limit %q", explorer, hour)
		}
		perMinute, err := strconv.ParseInt(strings.TrimSpace(minute), 10, 64)
		if err != nil || perMinute <= 0 {
			return th, fmt.Errorf("rate limit override %s: invalid minute limit %q", explorer, minute)
		}
		th.PerExplorer[strings.ToLower(strings.TrimSpace(explorer))] = usage.Limits{PerHour: perHour, PerMinute: perMinute}
	}
	return th, nil
}

// Warmer is the warmer configuration
func (c *Config) Warmer() scheduler.WarmerConfig {
	return scheduler.WarmerConfig{
		Workers:      c.Workers,
		BatchSize:    c.BatchSize,
		Interval:     c.WarmInterval,
		FetchTimeout: c.FetchTimeout,
	}
}

// Maintenance is the maintenance configuration
func (c *Config) Maintenance() scheduler.MaintenanceConfig {
	cfg := scheduler.DefaultMaintenanceConfig()
	cfg.CleanupInterval = c.CleanupInterval
	cfg.StuckInterval = c.StuckInterval
	cfg.RetentionInterval = c.RetentionInterval
	cfg.StuckAfter = c.StuckAfter
	cfg.QueueRetention = c.QueueRetention
	cfg.UsageRetention = c.UsageRetention
	return cfg
}
