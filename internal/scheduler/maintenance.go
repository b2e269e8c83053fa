package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/txplain/explorercache/internal/cache"
	"github.com/txplain/explorercache/internal/contractcache"
	"github.com/txplain/explorercache/internal/lock"
	"github.com/txplain/explorercache/internal/models"
	"github.com/txplain/explorercache/internal/usage"
	"github.com/txplain/explorercache/internal/warming"
)

// Maintenance task names
const (
	TaskCacheCleanup     = "cache_cleanup"
	TaskContractCleanup  = "contract_cleanup"
	TaskResetStuck       = "reset_stuck"
	TaskQueueCleanup     = "queue_cleanup"
	TaskUsageCleanup     = "usage_cleanup"
	TaskRefreshContracts = "refresh_contracts"
	TaskCachePreload     = "cache_preload"
)

// ErrUnknownTask is returned by RunTask for a name with no task
var ErrUnknownTask = errors.New("unknown maintenance task")

// Task is one periodic maintenance pass. Run returns how many rows it touched.
type Task struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) (int64, error)
}

// MaintenanceConfig holds the intervals and retention windows
type MaintenanceConfig struct {
	CleanupInterval   time.Duration
	StuckInterval     time.Duration
	RetentionInterval time.Duration
	StuckAfter        time.Duration
	QueueRetention    time.Duration
	UsageRetention    time.Duration
	RefreshBatch      int
	PreloadLimit      int
	LockTTL           time.Duration
}

// DefaultMaintenanceConfig cleans up hourly, resets stuck items every ten
// minutes and applies retention daily
func DefaultMaintenanceConfig() MaintenanceConfig {
	return MaintenanceConfig{
		CleanupInterval:   time.Hour,
		StuckInterval:     10 * time.Minute,
		RetentionInterval: 24 * time.Hour,
		StuckAfter:        warming.DefaultStuckAfter,
		QueueRetention:    warming.DefaultRetention,
		UsageRetention:    usage.DefaultRetention,
		RefreshBatch:      100,
		PreloadLimit:      100,
		LockTTL:           10 * time.Minute,
	}
}

// Deps are the stores maintenance works on
type Deps struct {
	Cache     *cache.Store
	Contracts *contractcache.Store
	Queue     *warming.Queue
	Usage     *usage.Tracker
}

// Maintenance runs the periodic tasks, each under a lock so only one process
// runs a given task at a time
type Maintenance struct {
	tasks  map[string]Task
	locker lock.Locker
	ttl    time.Duration
	logger zerolog.Logger
}

// NewMaintenance builds the task set from deps. A nil locker runs without locking.
func NewMaintenance(deps Deps, cfg MaintenanceConfig, locker lock.Locker, logger zerolog.Logger) *Maintenance {
	def := DefaultMaintenanceConfig()
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}
	if cfg.StuckInterval <= 0 {
		cfg.StuckInterval = def.StuckInterval
	}
	if cfg.RetentionInterval <= 0 {
		cfg.RetentionInterval = def.RetentionInterval
	}
	if cfg.QueueRetention <= 0 {
		cfg.QueueRetention = def.QueueRetention
	}
	if cfg.UsageRetention <= 0 {
		cfg.UsageRetention = def.UsageRetention
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = def.LockTTL
	}
	if locker == nil {
		locker = lock.LocalLocker{}
	}

	m := &Maintenance{tasks: map[string]Task{}, locker: locker, ttl: cfg.LockTTL, logger: logger}
	add := func(name string, every time.Duration, run func(ctx context.Context) (int64, error)) {
		m.tasks[name] = Task{Name: name, Interval: every, Run: run}
	}

	if deps.Cache != nil {
		add(TaskCacheCleanup, cfg.CleanupInterval, deps.Cache.Cleanup)
		add(TaskCachePreload, cfg.CleanupInterval, func(ctx context.Context) (int64, error) {
			n, err := deps.Cache.PreloadFrequentlyAccessed(ctx, cfg.PreloadLimit)
			return int64(n), err
		})
	}
	if deps.Contracts != nil {
		add(TaskContractCleanup, cfg.CleanupInterval, deps.Contracts.CleanupExpired)
	}
	if deps.Queue != nil {
		add(TaskResetStuck, cfg.StuckInterval, func(ctx context.Context) (int64, error) {
			return deps.Queue.ResetStuckItems(ctx, cfg.StuckAfter)
		})
		add(TaskQueueCleanup, cfg.RetentionInterval, func(ctx context.Context) (int64, error) {
			return deps.Queue.CleanupOldItems(ctx, cfg.QueueRetention)
		})
	}
	if deps.Usage != nil {
		add(TaskUsageCleanup, cfg.RetentionInterval, func(ctx context.Context) (int64, error) {
			return deps.Usage.CleanupOldData(ctx, cfg.UsageRetention)
		})
	}
	if deps.Contracts != nil && deps.Queue != nil {
		add(TaskRefreshContracts, cfg.CleanupInterval, func(ctx context.Context) (int64, error) {
			return refreshContracts(ctx, deps.Contracts, deps.Queue, cfg.RefreshBatch)
		})
	}
	return m
}

// refreshContracts queues entries whose refresh time has come at low priority
func refreshContracts(ctx context.Context, contracts *contractcache.Store, queue *warming.Queue, limit int) (int64, error) {
	entries, err := contracts.ContractsNeedingRefresh(ctx, limit)
	if err != nil {
		return 0, err
	}
	var queued int64
	for _, e := range entries {
		_, err := queue.QueueContract(ctx, e.Network, e.ContractAddress, e.CacheType, warming.QueueOptions{
			Priority: models.PriorityLow,
			Metadata: map[string]any{"reason": "refresh"},
		})
		if err != nil {
			return queued, fmt.Errorf("queue refresh of %s/%s: %w", e.Network, e.ContractAddress, err)
		}
		queued++
	}
	return queued, nil
}

// Tasks lists the configured task names in order
func (m *Maintenance) Tasks() []string {
	names := make([]string, 0, len(m.tasks))
	for name := range m.tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RunTask runs one task now under its lock. A lock held elsewhere returns an
// error wrapping lock.ErrNotAcquired.
func (m *Maintenance) RunTask(ctx context.Context, name string) (int64, error) {
	task, ok := m.tasks[name]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	var affected int64
	started := time.Now()
	err := m.locker.WithLock(ctx, "maintenance:"+name, m.ttl, func(ctx context.Context) error {
		var err error
		affected, err = task.Run(ctx)
		return err
	})
	if err != nil {
		return affected, fmt.Errorf("maintenance %s: %w", name, err)
	}
	m.logger.Info().Str("task", name).Int64("count", affected).Dur("took", time.Since(started)).Msg("maintenance task completed")
	return affected, nil
}

// Run starts one loop per task and blocks until ctx is done. Each task runs
// once at start and then on its interval; failures are logged and retried on
// the next tick.
func (m *Maintenance) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, name := range m.Tasks() {
		task := m.tasks[name]
		g.Go(func() error {
			ticker := time.NewTicker(task.Interval)
			defer ticker.Stop()
			for {
				m.runLogged(ctx, task.Name)
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
				}
			}
		})
	}
	return g.Wait()
}

func (m *Maintenance) runLogged(ctx context.Context, name string) {
	_, err := m.RunTask(ctx, name)
	switch {
	case err == nil, ctx.Err() != nil:
	case errors.Is(err, lock.ErrNotAcquired):
		m.logger.Debug().Str("task", name).Msg("maintenance task running elsewhere, skipped")
	default:
		m.logger.Error().Err(err).Str("task", name).Msg("maintenance task failed")
	}
}
