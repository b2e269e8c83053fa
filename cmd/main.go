package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/txplain/explorercache/internal/config"
	"github.com/txplain/explorercache/internal/models"
)

// Version is set during build
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "explorercache",
	Short: "Explorer API response cache and contract warming pipeline",
	Long: `explorercache shields the platform from rate-limited block explorer APIs.
It serves cached explorer responses and contract data, warms the contract
cache from a priority queue, tracks explorer usage for admission control and
keeps cache analytics.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error); overrides EXPLORERCACHE_LOG_LEVEL")
	rootCmd.PersistentFlags().String("db-dsn", "", "Database DSN; overrides EXPLORERCACHE_DB_DSN")
	rootCmd.PersistentFlags().String("redis-url", "", "Redis URL for the pause flag and maintenance locks")

	rootCmd.AddCommand(serveCmd(), workerCmd(), maintainCmd(), statsCmd())
}

// loadConfig reads env and .env, then applies the flags that were set
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.LogLevel, _ = flags.GetString("log-level")
	}
	if flags.Changed("db-dsn") {
		cfg.DBDSN, _ = flags.GetString("db-dsn")
	}
	if flags.Changed("redis-url") {
		cfg.RedisURL, _ = flags.GetString("redis-url")
	}
	if flags.Lookup("http-addr") != nil && flags.Changed("http-addr") {
		cfg.HTTPAddr, _ = flags.GetString("http-addr")
	}
	if flags.Lookup("workers") != nil && flags.Changed("workers") {
		cfg.Workers, _ = flags.GetInt("workers")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	models.InitializeNetworks()
	return cfg, nil
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	var logger zerolog.Logger
	if cfg.LogFormat == "json" {
		logger = zerolog.New(os.Stderr)
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	return logger.Level(level).With().Timestamp().Str("service", "explorercache").Logger()
}
