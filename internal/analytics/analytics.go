// Package analytics rolls cache hit and miss events into daily buckets per
// (network, cache type), with hour-of-day slots and unique contract counts.
package analytics

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/txplain/explorercache/internal/data"
	"github.com/txplain/explorercache/internal/models"
)

const dayLayout = "2006-01-02"

// Analytics writes and reads the contract_cache_analytics tables
type Analytics struct {
	db     *data.Connector
	logger zerolog.Logger
	tracer trace.Tracer
	now    func() time.Time
}

// Option configures Analytics
type Option func(*Analytics)

func WithLogger(logger zerolog.Logger) Option {
	return func(a *Analytics) { a.logger = logger }
}

func WithClock(now func() time.Time) Option {
	return func(a *Analytics) { a.now = now }
}

// New creates the analytics recorder over db
func New(db *data.Connector, opts ...Option) *Analytics {
	a := &Analytics{
		db:     db,
		logger: zerolog.Nop(),
		tracer: otel.Tracer("explorercache/analytics"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// RecordCacheHit counts a hit in today's bucket; a hit is one API call saved
func (a *Analytics) RecordCacheHit(ctx context.Context, network, cacheType, contractAddress string) error {
	return a.record(ctx, network, cacheType, contractAddress, true)
}

// RecordCacheMiss counts a miss in today's bucket
func (a *Analytics) RecordCacheMiss(ctx context.Context, network, cacheType, contractAddress string) error {
	return a.record(ctx, network, cacheType, contractAddress, false)
}

func (a *Analytics) record(ctx context.Context, network, cacheType, contractAddress string, hit bool) error {
	ctx, span := a.tracer.Start(ctx, "analytics.record", trace.WithAttributes(
		attribute.String("network", network),
		attribute.String("cache_type", cacheType),
		attribute.Bool("hit", hit),
	))
	defer span.End()

	network = models.NormalizeNetwork(network)
	cacheType = strings.TrimSpace(cacheType)
	if network == "" || cacheType == "" {
		return fmt.Errorf("network and cache type are required")
	}
	address := models.NormalizeAddress(contractAddress)

	now := a.now().UTC()
	day := now.Format(dayLayout)
	nowMs := data.Millis(now)
	hits, misses := int64(0), int64(1)
	if hit {
		hits, misses = 1, 0
	}

	err := a.db.InTx(ctx, func(tx *data.Tx) error {
		var newContracts int64
		if address != "" {
			res, err := tx.ExecContext(ctx, `
INSERT INTO contract_cache_analytics_contracts (network, cache_type, date, contract_address)
VALUES (?, ?, ?, ?)
ON CONFLICT (network, cache_type, date, contract_address) DO NOTHING`,
				network, cacheType, day, address)
			if err != nil {
				return fmt.Errorf("track contract: %w", err)
			}
			if newContracts, err = res.RowsAffected(); err != nil {
				return err
			}
		}

		if _, err := tx.ExecContext(ctx, `
INSERT INTO contract_cache_analytics (
	network, cache_type, date, total_requests, cache_hits, cache_misses,
	api_calls_saved, unique_contracts, created_at, updated_at
) VALUES (?, ?, ?, 1, ?, ?, ?, ?, ?, ?)
ON CONFLICT (network, cache_type, date) DO UPDATE SET
	total_requests = contract_cache_analytics.total_requests + 1,
	cache_hits = contract_cache_analytics.cache_hits + excluded.cache_hits,
	cache_misses = contract_cache_analytics.cache_misses + excluded.cache_misses,
	api_calls_saved = contract_cache_analytics.api_calls_saved + excluded.api_calls_saved,
	unique_contracts = contract_cache_analytics.unique_contracts + excluded.unique_contracts,
	updated_at = excluded.updated_at`,
			network, cacheType, day, hits, misses, hits, newContracts, nowMs, nowMs,
		); err != nil {
			return fmt.Errorf("bump bucket: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
INSERT INTO contract_cache_analytics_hourly (network, cache_type, date, hour, hits, misses)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (network, cache_type, date, hour) DO UPDATE SET
	hits = contract_cache_analytics_hourly.hits + excluded.hits,
	misses = contract_cache_analytics_hourly.misses + excluded.misses`,
			network, cacheType, day, now.Hour(), hits, misses,
		); err != nil {
			return fmt.Errorf("bump hour slot: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("record cache event for %s/%s: %w", network, cacheType, err)
	}
	return nil
}

// GetBucket returns the bucket of (network, cacheType) on the UTC day of day
func (a *Analytics) GetBucket(ctx context.Context, network, cacheType string, day time.Time) (*models.AnalyticsBucket, bool, error) {
	d := day.UTC().Format(dayLayout)
	buckets, err := a.buckets(ctx, d, d, Filter{Network: network, CacheType: cacheType})
	if err != nil {
		return nil, false, err
	}
	if len(buckets) == 0 {
		return nil, false, nil
	}
	return &buckets[0], true, nil
}

// Filter narrows reads; empty fields match everything
type Filter struct {
	Network   string
	CacheType string
}

func (f Filter) clauses(from, to string) (string, []any) {
	where := []string{"date >= ?", "date <= ?"}
	args := []any{from, to}
	if n := models.NormalizeNetwork(f.Network); n != "" {
		where = append(where, "network = ?")
		args = append(args, n)
	}
	if t := strings.TrimSpace(f.CacheType); t != "" {
		where = append(where, "cache_type = ?")
		args = append(args, t)
	}
	return " WHERE " + strings.Join(where, " AND "), args
}

// buckets loads the buckets dated in [from, to] with their hour slots
func (a *Analytics) buckets(ctx context.Context, from, to string, f Filter) ([]models.AnalyticsBucket, error) {
	where, args := f.clauses(from, to)
	rows, err := a.db.QueryContext(ctx, `
SELECT network, cache_type, date, total_requests, cache_hits, cache_misses, api_calls_saved, unique_contracts
FROM contract_cache_analytics`+where+`
ORDER BY date, network, cache_type`, args...)
	if err != nil {
		return nil, fmt.Errorf("query buckets: %w", err)
	}
	var out []models.AnalyticsBucket
	index := map[string]int{}
	for rows.Next() {
		var b models.AnalyticsBucket
		if err := rows.Scan(&b.Network, &b.CacheType, &b.Date, &b.TotalRequests, &b.CacheHits,
			&b.CacheMisses, &b.APICallsSaved, &b.UniqueContracts); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan bucket: %w", err)
		}
		b.HitRate = models.HitRatePercent(b.CacheHits, b.TotalRequests)
		index[bucketKey(b.Network, b.CacheType, b.Date)] = len(out)
		out = append(out, b)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return out, nil
	}

	rows, err = a.db.QueryContext(ctx, `
SELECT network, cache_type, date, hour, hits, misses
FROM contract_cache_analytics_hourly`+where, args...)
	if err != nil {
		return nil, fmt.Errorf("query hour slots: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			network, cacheType, date string
			hour                     int
			slot                     models.HourlyStat
		)
		if err := rows.Scan(&network, &cacheType, &date, &hour, &slot.Hits, &slot.Misses); err != nil {
			return nil, fmt.Errorf("scan hour slot: %w", err)
		}
		i, ok := index[bucketKey(network, cacheType, date)]
		if !ok || hour < 0 || hour > 23 {
			continue
		}
		out[i].HourlyStats[hour] = slot
	}
	return out, rows.Err()
}

func bucketKey(network, cacheType, date string) string {
	return network + "|" + cacheType + "|" + date
}

// ErrInvalidRange is returned when a range ends before it starts
var ErrInvalidRange = errors.New("range end is before its start")
