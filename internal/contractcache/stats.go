package contractcache

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/txplain/explorercache/internal/data"
)

// Stats summarizes the contract cache
type Stats struct {
	TotalEntries   int64            `json:"total_entries"`
	ValidEntries   int64            `json:"valid_entries"`
	ExpiredEntries int64            `json:"expired_entries"`
	ByNetwork      map[string]int64 `json:"by_network"`
	ByType         map[string]int64 `json:"by_type"`
	OldestEntry    *time.Time       `json:"oldest_entry"`
	NewestEntry    *time.Time       `json:"newest_entry"`
}

// TypeEfficiency is the per cache type part of EfficiencyStats
type TypeEfficiency struct {
	Count         int64   `json:"count"`
	AvgQuality    float64 `json:"avg_quality"`
	TotalAPICalls int64   `json:"total_api_calls"`
}

// EfficiencyStats reports data quality and API usage of the cache
type EfficiencyStats struct {
	TotalEntries       int64                     `json:"total_entries"`
	ActiveEntries      int64                     `json:"active_entries"`
	ExpiredEntries     int64                     `json:"expired_entries"`
	ErrorEntries       int64                     `json:"error_entries"`
	AverageQuality     float64                   `json:"average_quality_score"`
	TotalAPICallsSaved int64                     `json:"total_api_calls_saved"`
	CacheTypes         map[string]TypeEfficiency `json:"cache_types"`
	RefreshQueueSize   int64                     `json:"refresh_queue_size"`
}

// Stats counts entries by validity, network and type
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	ctx, span := s.tracer.Start(ctx, "contractcache.Stats")
	defer span.End()
	nowMs := data.Millis(s.now())

	stats := &Stats{}
	var oldest, newest sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
SELECT
	COUNT(*),
	COALESCE(SUM(CASE WHEN expires_at IS NULL OR expires_at > ? THEN 1 ELSE 0 END), 0),
	COALESCE(SUM(CASE WHEN expires_at IS NOT NULL AND expires_at <= ? THEN 1 ELSE 0 END), 0),
	MIN(created_at),
	MAX(created_at)
FROM contract_cache`, nowMs, nowMs).Scan(
		&stats.TotalEntries, &stats.ValidEntries, &stats.ExpiredEntries, &oldest, &newest,
	)
	if err != nil {
		return nil, fmt.Errorf("query contract cache totals: %w", err)
	}
	stats.OldestEntry = data.TimePtr(oldest)
	stats.NewestEntry = data.TimePtr(newest)

	if stats.ByNetwork, err = s.countBy(ctx, "network"); err != nil {
		return nil, err
	}
	if stats.ByType, err = s.countBy(ctx, "cache_type"); err != nil {
		return nil, err
	}
	return stats, nil
}

// EfficiencyStats reports quality scores, errors and API calls saved
func (s *Store) EfficiencyStats(ctx context.Context) (*EfficiencyStats, error) {
	nowMs := data.Millis(s.now())
	stats := &EfficiencyStats{CacheTypes: map[string]TypeEfficiency{}}
	var (
		avgQuality sql.NullFloat64
		fetches    int64
	)
	err := s.db.QueryRowContext(ctx, `
SELECT
	COUNT(*),
	COALESCE(SUM(CASE WHEN expires_at IS NOT NULL AND expires_at <= ? THEN 1 ELSE 0 END), 0),
	COALESCE(SUM(CASE WHEN error_count > 0 THEN 1 ELSE 0 END), 0),
	AVG(quality_score),
	COALESCE(SUM(api_fetch_count), 0),
	COALESCE(SUM(CASE WHEN next_refresh_at IS NOT NULL AND next_refresh_at <= ? THEN 1 ELSE 0 END), 0)
FROM contract_cache`, nowMs, nowMs).Scan(
		&stats.TotalEntries, &stats.ExpiredEntries, &stats.ErrorEntries, &avgQuality, &fetches, &stats.RefreshQueueSize,
	)
	if err != nil {
		return nil, fmt.Errorf("query contract cache efficiency: %w", err)
	}
	stats.ActiveEntries = stats.TotalEntries - stats.ExpiredEntries
	stats.AverageQuality = avgQuality.Float64
	// one fetch per entry was unavoidable; every further fetch would have been saved
	stats.TotalAPICallsSaved = max(0, fetches-stats.TotalEntries)

	rows, err := s.db.QueryContext(ctx, `
SELECT cache_type, COUNT(*), AVG(quality_score), COALESCE(SUM(api_fetch_count), 0)
FROM contract_cache GROUP BY cache_type`)
	if err != nil {
		return nil, fmt.Errorf("query contract cache efficiency by type: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			cacheType string
			eff       TypeEfficiency
		)
		if err := rows.Scan(&cacheType, &eff.Count, &eff.AvgQuality, &eff.TotalAPICalls); err != nil {
			return nil, fmt.Errorf("scan contract cache efficiency: %w", err)
		}
		stats.CacheTypes[cacheType] = eff
	}
	return stats, rows.Err()
}

func (s *Store) countBy(ctx context.Context, column string) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+column+`, COUNT(*) FROM contract_cache GROUP BY `+column)
	if err != nil {
		return nil, fmt.Errorf("count contract cache by %s: %w", column, err)
	}
	defer rows.Close()

	counts := map[string]int64{}
	for rows.Next() {
		var (
			name  string
			count int64
		)
		if err := rows.Scan(&name, &count); err != nil {
			return nil, fmt.Errorf("scan %s count: %w", column, err)
		}
		counts[name] = count
	}
	return counts, rows.Err()
}
