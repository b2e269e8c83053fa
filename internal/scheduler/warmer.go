// Package scheduler drains the warming queue on a bounded worker pool and
// runs the periodic maintenance passes.
package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/txplain/explorercache/internal/contractcache"
	"github.com/txplain/explorercache/internal/explorer"
	"github.com/txplain/explorercache/internal/models"
	"github.com/txplain/explorercache/internal/warming"
)

// DefaultContractTTLs is how long warmed contract data stays valid. Creation
// info never changes, so it is stored without expiry.
var DefaultContractTTLs = map[models.CacheType]time.Duration{
	models.CacheTypeSource:   30 * 24 * time.Hour,
	models.CacheTypeABI:      30 * 24 * time.Hour,
	models.CacheTypeCreation: 0,
}

// WarmerConfig tunes the warmer
type WarmerConfig struct {
	Workers      int
	BatchSize    int
	Interval     time.Duration
	FetchTimeout time.Duration
	TTLs         map[models.CacheType]time.Duration
}

// DefaultWarmerConfig runs up to four fetches at a time every five seconds
func DefaultWarmerConfig() WarmerConfig {
	return WarmerConfig{
		Workers:      4,
		BatchSize:    warming.DefaultBatchSize,
		Interval:     5 * time.Second,
		FetchTimeout: 90 * time.Second,
		TTLs:         DefaultContractTTLs,
	}
}

// Warmer claims due queue items and fetches them into the contract cache
type Warmer struct {
	queue     *warming.Queue
	contracts *contractcache.Store
	fetcher   explorer.Fetcher
	retryable func(error) bool
	cfg       WarmerConfig
	workerID  string
	logger    zerolog.Logger
}

// WarmerOption configures a Warmer
type WarmerOption func(*Warmer)

func WithWarmerLogger(logger zerolog.Logger) WarmerOption {
	return func(w *Warmer) { w.logger = logger }
}

// WithRetryable decides which fetch errors go back to the queue for a retry
func WithRetryable(fn func(error) bool) WarmerOption {
	return func(w *Warmer) { w.retryable = fn }
}

// WithWorkerID sets the id recorded on claimed items
func WithWorkerID(id string) WarmerOption {
	return func(w *Warmer) { w.workerID = id }
}

// NewWarmer creates a warmer. Zero fields of cfg take their defaults.
func NewWarmer(queue *warming.Queue, contracts *contractcache.Store, fetcher explorer.Fetcher, cfg WarmerConfig, opts ...WarmerOption) *Warmer {
	def := DefaultWarmerConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = def.FetchTimeout
	}
	if cfg.TTLs == nil {
		cfg.TTLs = def.TTLs
	}
	w := &Warmer{
		queue:     queue,
		contracts: contracts,
		fetcher:   fetcher,
		retryable: explorer.Retryable,
		cfg:       cfg,
		workerID:  "warmer-" + uuid.NewString(),
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// BatchResult counts the outcome of one RunOnce
type BatchResult struct {
	Claimed   int  `json:"claimed"`
	Completed int  `json:"completed"`
	Failed    int  `json:"failed"`
	Paused    bool `json:"paused"`
}

// RunOnce processes one batch unless the queue is paused. Item failures
// are routed into the queue's retry path and do not fail the batch.
func (w *Warmer) RunOnce(ctx context.Context) (*BatchResult, error) {
	paused, err := w.queue.IsQueuePaused(ctx)
	if err != nil {
		return nil, err
	}
	if paused {
		return &BatchResult{Paused: true}, nil
	}

	items, err := w.queue.ClaimNextBatch(ctx, w.cfg.BatchSize, w.workerID)
	if err != nil {
		return nil, err
	}
	res := &BatchResult{Claimed: len(items)}
	if len(items) == 0 {
		return res, nil
	}

	var completed, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.Workers)
	for _, item := range items {
		item := item
		g.Go(func() error {
			ok, err := w.process(gctx, item)
			if err != nil {
				return err
			}
			if ok {
				completed.Add(1)
			} else {
				failed.Add(1)
			}
			return nil
		})
	}
	err = g.Wait()
	res.Completed, res.Failed = int(completed.Load()), int(failed.Load())
	w.logger.Info().Int("count", res.Claimed).Int("completed", res.Completed).Int("failed", res.Failed).
		Msg("processed warming batch")
	return res, err
}

// process warms one item. It returns false when the fetch failed and the
// item was handed back to the queue, and an error only when the queue or
// cache could not be updated.
func (w *Warmer) process(ctx context.Context, item *models.WarmingQueueItem) (bool, error) {
	log := w.logger.With().Str("network", item.Network).Str("address", item.ContractAddress).
		Str("cache_type", string(item.CacheType)).Logger()

	fetchCtx, cancel := context.WithTimeout(ctx, w.cfg.FetchTimeout)
	payload, fetchErr := w.fetcher.Fetch(fetchCtx, item.Network, item.ContractAddress, item.CacheType)
	cancel()

	if fetchErr == nil {
		_, err := w.contracts.StoreContractData(ctx, item.Network, item.ContractAddress, payload,
			w.cfg.TTLs[item.CacheType], contractcache.StoreOptions{Priority: item.Priority})
		if err != nil {
			fetchErr = err
		} else if err := w.queue.MarkAsCompleted(ctx, item); errors.Is(err, warming.ErrNotClaimed) {
			log.Warn().Msg("claim lost before completion, item left to its current owner")
			return false, nil
		} else if err != nil {
			return false, err
		} else {
			log.Debug().Msg("warmed contract")
			return true, nil
		}
	}
	if errors.Is(fetchErr, context.Canceled) && ctx.Err() != nil {
		return false, ctx.Err()
	}

	retry := w.retryable(fetchErr)
	if err := w.contracts.RecordError(ctx, item.Network, item.ContractAddress, item.CacheType, fetchErr.Error()); err != nil {
		log.Warn().Err(err).Msg("failed to record contract error")
	}
	if err := w.queue.MarkAsFailed(ctx, item, fetchErr.Error(), retry); errors.Is(err, warming.ErrNotClaimed) {
		log.Warn().Err(fetchErr).Msg("claim lost before failure was recorded, item left to its current owner")
		return false, nil
	} else if err != nil {
		return false, err
	}
	log.Warn().Err(fetchErr).Bool("retry", retry).Int("retry_count", item.RetryCount).
		Str("status", string(item.Status)).Msg("warming failed")
	return false, nil
}

// Run calls RunOnce on every tick until ctx is done. Errors are logged and
// the next tick tries again.
func (w *Warmer) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()
	w.logger.Info().Str("worker", w.workerID).Dur("interval", w.cfg.Interval).Msg("warmer started")
	for {
		if _, err := w.RunOnce(ctx); err != nil && ctx.Err() == nil {
			w.logger.Error().Err(err).Msg("warming batch failed")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
