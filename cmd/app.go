package main

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/txplain/explorercache/internal/analytics"
	"github.com/txplain/explorercache/internal/api"
	"github.com/txplain/explorercache/internal/cache"
	"github.com/txplain/explorercache/internal/config"
	"github.com/txplain/explorercache/internal/contractcache"
	"github.com/txplain/explorercache/internal/control"
	"github.com/txplain/explorercache/internal/data"
	"github.com/txplain/explorercache/internal/explorer"
	"github.com/txplain/explorercache/internal/lock"
	"github.com/txplain/explorercache/internal/models"
	"github.com/txplain/explorercache/internal/scheduler"
	"github.com/txplain/explorercache/internal/usage"
	"github.com/txplain/explorercache/internal/warming"
)

// app holds the wired components of one process
type app struct {
	cfg    *config.Config
	logger zerolog.Logger
	db     *data.Connector
	redis  *redis.Client

	cache       *cache.Store
	contracts   *contractcache.Store
	queue       *warming.Queue
	usage       *usage.Tracker
	analytics   *analytics.Analytics
	explorer    *explorer.Client
	maintenance *scheduler.Maintenance
	locker      lock.Locker
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	db, err := data.Open(ctx, cfg.Storage())
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, db: db, locker: lock.LocalLocker{}}

	var flags control.Flag
	if cfg.RedisURL != "" {
		client, err := control.OpenRedis(ctx, cfg.RedisURL)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		a.redis = client
		flags = control.NewRedisFlags(client, cfg.RedisPrefix)
		a.locker = lock.NewRedisLocker(client, cfg.RedisPrefix)
		logger.Info().Msg("using redis for the pause flag and maintenance locks")
	}

	thresholds, err := cfg.Thresholds()
	if err != nil {
		a.close()
		return nil, err
	}

	queueOpts := []warming.Option{warming.WithLogger(logger.With().Str("component", "warming").Logger())}
	if flags != nil {
		queueOpts = append(queueOpts, warming.WithFlags(flags))
	}
	a.queue = warming.NewQueue(db, queueOpts...)
	a.analytics = analytics.New(db, analytics.WithLogger(logger.With().Str("component", "analytics").Logger()))
	a.usage = usage.NewTracker(db,
		usage.WithLogger(logger.With().Str("component", "usage").Logger()),
		usage.WithThresholds(thresholds))
	a.cache = cache.NewStore(db, cache.WithLogger(logger.With().Str("component", "cache").Logger()))
	a.contracts = contractcache.NewStore(db,
		contractcache.WithLogger(logger.With().Str("component", "contractcache").Logger()),
		contractcache.WithRecorder(a.analytics),
		contractcache.WithMissHook(a.queueOnMiss))

	a.explorer = explorer.NewClient(
		explorer.WithAPIKey(cfg.EtherscanAPIKey),
		explorer.WithUsageTracker(a.usage),
		explorer.WithResponseCache(a.cache),
		explorer.WithRateLimit(cfg.ExplorerRPS, 1),
		explorer.WithLogger(logger.With().Str("component", "explorer").Logger()),
	)
	a.maintenance = scheduler.NewMaintenance(scheduler.Deps{
		Cache:     a.cache,
		Contracts: a.contracts,
		Queue:     a.queue,
		Usage:     a.usage,
	}, cfg.Maintenance(), a.locker, logger.With().Str("component", "maintenance").Logger())
	return a, nil
}

// queueOnMiss schedules warming for contract data that was asked for and missing
func (a *app) queueOnMiss(ctx context.Context, network, address string, cacheType models.CacheType) {
	_, err := a.queue.QueueContract(ctx, network, address, cacheType, warming.QueueOptions{
		Metadata: map[string]any{"reason": "cache_miss"},
	})
	if err != nil {
		a.logger.Warn().Err(err).Str("network", network).Str("address", address).
			Str("cache_type", string(cacheType)).Msg("failed to queue warming after miss")
	}
}

func (a *app) warmer() *scheduler.Warmer {
	return scheduler.NewWarmer(a.queue, a.contracts, a.explorer, a.cfg.Warmer(),
		scheduler.WithWarmerLogger(a.logger.With().Str("component", "warmer").Logger()))
}

func (a *app) server() (*api.Server, error) {
	srv, err := api.NewServer(a.cfg.HTTPAddr, api.Deps{
		Cache:       a.cache,
		Contracts:   a.contracts,
		Queue:       a.queue,
		Usage:       a.usage,
		Analytics:   a.analytics,
		Maintenance: a.maintenance,
	}, api.WithLogger(a.logger.With().Str("component", "api").Logger()), api.WithMemoTTL(a.cfg.MemoTTL))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize API server: %w", err)
	}
	return srv, nil
}

func (a *app) close() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if err := a.db.Close(); err != nil {
		a.logger.Warn().Err(err).Msg("failed to close database")
	}
}
