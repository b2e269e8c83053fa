// Package contractcache caches per-contract explorer data (source, ABI,
// creation info) keyed by (network, address, cache type).
package contractcache

import (
	"context"
	"database/sql"
	"encoding/json"
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

// Recorder receives contract cache hit and miss events
type Recorder interface {
	RecordCacheHit(ctx context.Context, network, cacheType, contractAddress string) error
	RecordCacheMiss(ctx context.Context, network, cacheType, contractAddress string) error
}

// MissHook is called after GetCachedData misses, typically to queue warming
type MissHook func(ctx context.Context, network, address string, cacheType models.CacheType)

// Store persists contract data in the contract_cache table
type Store struct {
	db       *data.Connector
	recorder Recorder
	onMiss   MissHook
	logger   zerolog.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// Option configures a Store
type Option func(*Store)

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

func WithRecorder(r Recorder) Option {
	return func(s *Store) { s.recorder = r }
}

func WithMissHook(hook MissHook) Option {
	return func(s *Store) { s.onMiss = hook }
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates a contract cache store over db
func NewStore(db *data.Connector, opts ...Option) *Store {
	s := &Store{
		db:     db,
		logger: zerolog.Nop(),
		tracer: otel.Tracer("explorercache/contractcache"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

const entryColumns = `id, network, contract_address, cache_type, payload, fetched_at, expires_at,
	fetched_from_api, api_fetch_count, cache_priority, quality_score, next_refresh_at,
	error_count, last_error_at, last_error_message, created_at, updated_at`

// GetForContract returns the valid entry of the triple; entries without an
// expiry never expire
func (s *Store) GetForContract(ctx context.Context, network, address string, cacheType models.CacheType) (*models.ContractCacheEntry, bool, error) {
	ctx, span := s.tracer.Start(ctx, "contractcache.GetForContract")
	defer span.End()
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	network = models.NormalizeNetwork(network)
	address = models.NormalizeAddress(address)
	span.SetAttributes(
		attribute.String("network", network),
		attribute.String("address", address),
		attribute.String("cache_type", string(cacheType)),
	)

	entry, err := scanEntry(s.db.QueryRowContext(ctx, `
SELECT `+entryColumns+` FROM contract_cache
WHERE network = ? AND contract_address = ? AND cache_type = ?
	AND (expires_at IS NULL OR expires_at > ?)`,
		network, address, string(cacheType), data.Millis(s.now()),
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("lookup contract cache %s/%s/%s: %w", network, address, cacheType, err)
	}
	return entry, true, nil
}

// GetCachedData is GetForContract rendered as a service response, reporting
// the hit or miss to the analytics recorder
func (s *Store) GetCachedData(ctx context.Context, network, address string, cacheType models.CacheType) (*models.ServiceResponse, bool, error) {
	entry, ok, err := s.GetForContract(ctx, network, address, cacheType)
	if err != nil {
		return nil, false, err
	}
	network = models.NormalizeNetwork(network)
	address = models.NormalizeAddress(address)
	if !ok {
		if s.recorder != nil {
			if err := s.recorder.RecordCacheMiss(ctx, network, string(cacheType), address); err != nil {
				s.logger.Warn().Err(err).Str("network", network).Str("address", address).Msg("failed to record cache miss")
			}
		}
		if s.onMiss != nil {
			s.onMiss(ctx, network, address, cacheType)
		}
		return nil, false, nil
	}
	if s.recorder != nil {
		if err := s.recorder.RecordCacheHit(ctx, network, string(cacheType), address); err != nil {
			s.logger.Warn().Err(err).Str("network", network).Str("address", address).Msg("failed to record cache hit")
		}
	}
	resp := entry.ToServiceResponse()
	return &resp, true, nil
}

// StoreOptions tunes a StoreContractData call
type StoreOptions struct {
	Priority models.Priority // medium when empty
	// FromCache marks data that did not come from a fresh API call; such
	// stores do not count towards api_fetch_count
	FromCache bool
}

// StoreContractData upserts the data of the triple named by its variant. The
// fetch time is always refreshed; ttl <= 0 stores the entry without expiry.
func (s *Store) StoreContractData(ctx context.Context, network, address string, payload models.ContractData, ttl time.Duration, opts StoreOptions) (*models.ContractCacheEntry, error) {
	ctx, span := s.tracer.Start(ctx, "contractcache.StoreContractData")
	defer span.End()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if payload == nil {
		return nil, fmt.Errorf("contract data is required")
	}
	network = models.NormalizeNetwork(network)
	address = models.NormalizeAddress(address)
	if network == "" || address == "" {
		return nil, fmt.Errorf("network and address are required")
	}
	priority := opts.Priority
	if priority == "" {
		priority = models.PriorityMedium
	}
	if priority.Rank() == 0 {
		return nil, fmt.Errorf("unknown priority %q", priority)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal contract data: %w", err)
	}

	now := s.now().UTC()
	var expiresAt *time.Time
	if ttl > 0 {
		t := now.Add(ttl)
		expiresAt = &t
	}
	nextRefresh := NextRefresh(payload, now)
	var fetchIncrement int64
	if !opts.FromCache {
		fetchIncrement = 1
	}
	verified := false
	if src, ok := payload.(models.SourceData); ok {
		verified = src.IsVerified
	}

	nowMs := data.Millis(now)
	entry, err := scanEntry(s.db.QueryRowContext(ctx, `
INSERT INTO contract_cache (
	network, contract_address, cache_type, payload, is_verified, fetched_at, expires_at,
	fetched_from_api, api_fetch_count, cache_priority, quality_score, next_refresh_at,
	error_count, last_error_message, created_at, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, '', ?, ?)
ON CONFLICT (network, contract_address, cache_type) DO UPDATE SET
	payload = excluded.payload,
	is_verified = excluded.is_verified,
	fetched_at = excluded.fetched_at,
	expires_at = excluded.expires_at,
	fetched_from_api = excluded.fetched_from_api,
	api_fetch_count = contract_cache.api_fetch_count + excluded.api_fetch_count,
	cache_priority = excluded.cache_priority,
	quality_score = excluded.quality_score,
	next_refresh_at = excluded.next_refresh_at,
	updated_at = excluded.updated_at
RETURNING `+entryColumns,
		network, address, string(payload.CacheType()), string(raw), data.Bool(verified), nowMs, data.NullMillis(expiresAt),
		data.Bool(!opts.FromCache), fetchIncrement, string(priority), payload.QualityScore(), data.NullMillis(nextRefresh),
		nowMs, nowMs,
	))
	if err != nil {
		return nil, fmt.Errorf("store contract cache %s/%s/%s: %w", network, address, payload.CacheType(), err)
	}
	s.logger.Debug().Str("network", network).Str("address", address).
		Str("cache_type", string(payload.CacheType())).Int64("api_fetch_count", entry.APIFetchCount).Msg("stored contract data")
	return entry, nil
}

// RecordError counts a failed refresh of the triple
func (s *Store) RecordError(ctx context.Context, network, address string, cacheType models.CacheType, message string) error {
	now := data.Millis(s.now())
	_, err := s.db.ExecContext(ctx, `
UPDATE contract_cache SET error_count = error_count + 1, last_error_at = ?, last_error_message = ?, updated_at = ?
WHERE network = ? AND contract_address = ? AND cache_type = ?`,
		now, message, now, models.NormalizeNetwork(network), models.NormalizeAddress(address), string(cacheType),
	)
	if err != nil {
		return fmt.Errorf("record contract cache error: %w", err)
	}
	return nil
}

// CleanupExpired deletes entries whose expiry has passed; permanent entries stay
func (s *Store) CleanupExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM contract_cache WHERE expires_at IS NOT NULL AND expires_at <= ?`, data.Millis(s.now()))
	if err != nil {
		return 0, fmt.Errorf("cleanup contract cache: %w", err)
	}
	return res.RowsAffected()
}

// ContractsNeedingRefresh lists entries whose refresh time has come, highest
// priority first
func (s *Store) ContractsNeedingRefresh(ctx context.Context, limit int) ([]*models.ContractCacheEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT `+entryColumns+` FROM contract_cache
WHERE next_refresh_at IS NOT NULL AND next_refresh_at <= ?
ORDER BY CASE cache_priority
	WHEN 'critical' THEN 4 WHEN 'high' THEN 3 WHEN 'medium' THEN 2 WHEN 'low' THEN 1 ELSE 0
END DESC, next_refresh_at ASC, id ASC
LIMIT ?`, data.Millis(s.now()), limit)
	if err != nil {
		return nil, fmt.Errorf("query contracts needing refresh: %w", err)
	}
	defer rows.Close()

	var entries []*models.ContractCacheEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan contract cache entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// NextRefresh picks when the data should be refetched. Proxies and large
// sources refresh weekly, mid-sized sources monthly, small sources quarterly;
// ABI and creation data monthly.
func NextRefresh(payload models.ContractData, now time.Time) *time.Time {
	next := now.AddDate(0, 1, 0)
	if src, ok := payload.(models.SourceData); ok {
		lines := src.LineCount()
		switch {
		case src.Proxy || lines > 1000:
			next = now.AddDate(0, 0, 7)
		case lines > 500:
			next = now.AddDate(0, 1, 0)
		default:
			next = now.AddDate(0, 3, 0)
		}
	}
	return &next
}

func scanEntry(row data.Scanner) (*models.ContractCacheEntry, error) {
	var (
		entry       models.ContractCacheEntry
		cacheType   string
		payload     string
		fetchedAt   int64
		expiresAt   sql.NullInt64
		fromAPI     int64
		priority    string
		nextRefresh sql.NullInt64
		lastErrorAt sql.NullInt64
		createdAt   int64
		updatedAt   int64
	)
	if err := row.Scan(
		&entry.ID, &entry.Network, &entry.ContractAddress, &cacheType, &payload, &fetchedAt, &expiresAt,
		&fromAPI, &entry.APIFetchCount, &priority, &entry.QualityScore, &nextRefresh,
		&entry.ErrorCount, &lastErrorAt, &entry.LastErrorMessage, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}
	entry.CacheType = models.CacheType(cacheType)
	decoded, err := models.DecodeContractData(entry.CacheType, []byte(payload))
	if err != nil {
		return nil, err
	}
	entry.Data = decoded
	entry.FetchedAt = data.FromMillis(fetchedAt)
	entry.ExpiresAt = data.TimePtr(expiresAt)
	entry.FetchedFromAPI = fromAPI != 0
	entry.CachePriority = models.Priority(strings.TrimSpace(priority))
	entry.NextRefreshAt = data.TimePtr(nextRefresh)
	entry.LastErrorAt = data.TimePtr(lastErrorAt)
	entry.CreatedAt = data.FromMillis(createdAt)
	entry.UpdatedAt = data.FromMillis(updatedAt)
	return &entry, nil
}
