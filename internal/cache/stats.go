package cache

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"github.com/dustin/go-humanize"

	"github.com/txplain/explorercache/internal/data"
	"github.com/txplain/explorercache/internal/models"
)

// TopEntry is one of the most-hit cache entries
type TopEntry struct {
	CacheKey        string  `json:"cache_key"`
	APISource       string  `json:"api_source"`
	ResourceType    string  `json:"resource_type"`
	ResourceID      string  `json:"resource_id,omitempty"`
	HitCount        int64   `json:"hit_count"`
	EfficiencyScore float64 `json:"efficiency_score"`
}

// Stats is the aggregate view of the cache
type Stats struct {
	TotalEntries      int64            `json:"total_entries"`
	ValidEntries      int64            `json:"valid_entries"`
	ExpiredEntries    int64            `json:"expired_entries"`
	ByStatus          map[string]int64 `json:"by_status"`
	BySource          map[string]int64 `json:"by_api_source"`
	ByResourceType    map[string]int64 `json:"by_resource_type"`
	MostAccessed      []TopEntry       `json:"most_accessed"`
	TotalHits         int64            `json:"total_hits"`
	HitRatio          float64          `json:"cache_hit_ratio"`
	TotalBytes        int64            `json:"total_bytes"`
	TotalSize         string           `json:"total_size"`
	CostAvoided       int64            `json:"api_cost_saved"`
	AverageEfficiency float64          `json:"efficiency_avg"`
}

// SourceStats is the aggregate view of one api source
type SourceStats struct {
	APISource     string     `json:"api_source"`
	TotalEntries  int64      `json:"total_entries"`
	ValidEntries  int64      `json:"valid_entries"`
	TotalHits     int64      `json:"total_hits"`
	TotalBytes    int64      `json:"total_bytes"`
	TotalSize     string     `json:"total_size"`
	ResourceTypes []string   `json:"resource_types"`
	MostAccessed  []TopEntry `json:"most_accessed"`
}

// Stats aggregates counts, hit accounting and size over the whole cache
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	ctx, span := s.tracer.Start(ctx, "cache.Stats")
	defer span.End()
	nowMs := data.Millis(s.now())

	stats := &Stats{}
	var avgEfficiency sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `
SELECT
	COUNT(*),
	COALESCE(SUM(CASE WHEN status = 'active' AND expires_at > ? THEN 1 ELSE 0 END), 0),
	COALESCE(SUM(CASE WHEN status = 'expired' OR expires_at <= ? THEN 1 ELSE 0 END), 0),
	COALESCE(SUM(hit_count), 0),
	COALESCE(SUM(response_size), 0),
	COALESCE(SUM(api_call_cost * hit_count), 0),
	(SELECT AVG(efficiency_score) FROM api_cache WHERE hit_count > 0)
FROM api_cache`, nowMs, nowMs).Scan(
		&stats.TotalEntries, &stats.ValidEntries, &stats.ExpiredEntries,
		&stats.TotalHits, &stats.TotalBytes, &stats.CostAvoided, &avgEfficiency,
	)
	if err != nil {
		return nil, fmt.Errorf("query cache totals: %w", err)
	}
	stats.AverageEfficiency = avgEfficiency.Float64
	// every entry was a miss once; each hit is one more request
	stats.HitRatio = models.HitRatePercent(stats.TotalHits, stats.TotalEntries+stats.TotalHits)
	stats.TotalSize = humanize.IBytes(uint64(stats.TotalBytes))

	if stats.ByStatus, err = s.countBy(ctx, "status", ""); err != nil {
		return nil, err
	}
	if stats.BySource, err = s.countBy(ctx, "api_source", ""); err != nil {
		return nil, err
	}
	if stats.ByResourceType, err = s.countBy(ctx, "resource_type", ""); err != nil {
		return nil, err
	}
	if stats.MostAccessed, err = s.topEntries(ctx, "", 10); err != nil {
		return nil, err
	}
	return stats, nil
}

// StatsForSource aggregates the entries of one api source
func (s *Store) StatsForSource(ctx context.Context, source string) (*SourceStats, error) {
	nowMs := data.Millis(s.now())
	stats := &SourceStats{APISource: source}
	err := s.db.QueryRowContext(ctx, `
SELECT
	COUNT(*),
	COALESCE(SUM(CASE WHEN status = 'active' AND expires_at > ? THEN 1 ELSE 0 END), 0),
	COALESCE(SUM(hit_count), 0),
	COALESCE(SUM(response_size), 0)
FROM api_cache WHERE api_source = ?`, nowMs, source).Scan(
		&stats.TotalEntries, &stats.ValidEntries, &stats.TotalHits, &stats.TotalBytes,
	)
	if err != nil {
		return nil, fmt.Errorf("query cache totals for %s: %w", source, err)
	}
	stats.TotalSize = humanize.IBytes(uint64(stats.TotalBytes))

	types, err := s.countBy(ctx, "resource_type", source)
	if err != nil {
		return nil, err
	}
	stats.ResourceTypes = make([]string, 0, len(types))
	for name := range types {
		stats.ResourceTypes = append(stats.ResourceTypes, name)
	}
	sort.Strings(stats.ResourceTypes)

	if stats.MostAccessed, err = s.topEntries(ctx, source, 5); err != nil {
		return nil, err
	}
	return stats, nil
}

// Health is the outcome of HealthCheck
type Health struct {
	Status          string   `json:"status"`
	Issues          []string `json:"issues"`
	Recommendations []string `json:"recommendations"`
}

const (
	healthMinHitRatio     = 30.0
	healthMaxBytes        = 1 << 30
	healthMaxExpiredRatio = 25.0
)

// HealthCheck flags a low hit ratio, an oversized cache and a backlog of expired rows
func (s *Store) HealthCheck(ctx context.Context) (*Health, error) {
	stats, err := s.Stats(ctx)
	if err != nil {
		return nil, err
	}
	health := &Health{Status: "healthy", Issues: []string{}, Recommendations: []string{}}

	if stats.HitRatio < healthMinHitRatio {
		health.Issues = append(health.Issues, fmt.Sprintf("Low cache hit ratio (%.2f%%)", stats.HitRatio))
		health.Recommendations = append(health.Recommendations, "Consider increasing TTL for frequently accessed data")
	}
	if stats.TotalBytes > healthMaxBytes {
		health.Issues = append(health.Issues, fmt.Sprintf("Large cache size (%s)", stats.TotalSize))
		health.Recommendations = append(health.Recommendations, "Run aggressive cleanup or reduce TTL")
	}
	var expiredRatio float64
	if stats.TotalEntries > 0 {
		expiredRatio = float64(stats.ExpiredEntries) / float64(stats.TotalEntries) * 100
	}
	if expiredRatio > healthMaxExpiredRatio {
		health.Issues = append(health.Issues, fmt.Sprintf("High expired entries ratio (%.1f%%)", expiredRatio))
		health.Recommendations = append(health.Recommendations, "Schedule more frequent cleanup")
	}
	if len(health.Issues) > 0 {
		health.Status = "needs_attention"
	}
	return health, nil
}

func (s *Store) countBy(ctx context.Context, column, source string) (map[string]int64, error) {
	query := `SELECT ` + column + `, COUNT(*) FROM api_cache`
	var args []any
	if source != "" {
		query += ` WHERE api_source = ?`
		args = append(args, source)
	}
	query += ` GROUP BY ` + column

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("count cache entries by %s: %w", column, err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
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

func (s *Store) topEntries(ctx context.Context, source string, limit int) ([]TopEntry, error) {
	query := `SELECT cache_key, api_source, resource_type, COALESCE(resource_id, ''), hit_count, efficiency_score FROM api_cache`
	var args []any
	if source != "" {
		query += ` WHERE api_source = ?`
		args = append(args, source)
	}
	query += ` ORDER BY hit_count DESC, id ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query most accessed entries: %w", err)
	}
	defer rows.Close()

	top := []TopEntry{}
	for rows.Next() {
		var e TopEntry
		if err := rows.Scan(&e.CacheKey, &e.APISource, &e.ResourceType, &e.ResourceID, &e.HitCount, &e.EfficiencyScore); err != nil {
			return nil, fmt.Errorf("scan most accessed entry: %w", err)
		}
		top = append(top, e)
	}
	return top, rows.Err()
}
