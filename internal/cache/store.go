// Package cache is the generic explorer response cache. Entries are keyed by
// a deterministic hash of the request, carry a payload digest that is checked
// on every read, and count their hits.
package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/txplain/explorercache/internal/data"
	"github.com/txplain/explorercache/internal/models"
)

const (
	DefaultTTL  = time.Hour
	DefaultCost = 1

	// minAgeHours keeps efficiency finite for entries read right after storing
	minAgeHours = 1.0
)

// ErrInvalidCriteria is returned by InvalidateBy when no criterion is set
var ErrInvalidCriteria = errors.New("at least one invalidation criterion is required")

// Recorder receives hit and miss events. Store forwards
// (api_source, endpoint, resource_id) as (network, cache type, contract).
type Recorder interface {
	RecordCacheHit(ctx context.Context, network, cacheType, contractAddress string) error
	RecordCacheMiss(ctx context.Context, network, cacheType, contractAddress string) error
}

// Store persists explorer responses in the api_cache table
type Store struct {
	db       *data.Connector
	recorder Recorder
	logger   zerolog.Logger
	tracer   trace.Tracer
	policy   Policy
	now      func() time.Time
}

// Option configures a Store
type Option func(*Store)

// WithLogger sets the store logger
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// WithRecorder forwards hit and miss events to r
func WithRecorder(r Recorder) Option {
	return func(s *Store) { s.recorder = r }
}

// WithPolicy replaces the TTL and cost tables
func WithPolicy(p Policy) Option {
	return func(s *Store) { s.policy = p }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates a cache store over db
func NewStore(db *data.Connector, opts ...Option) *Store {
	s := &Store{
		db:     db,
		logger: zerolog.Nop(),
		tracer: otel.Tracer("explorercache/cache"),
		policy: DefaultPolicy(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// StoreRequest describes one response to cache
type StoreRequest struct {
	Source       string
	Endpoint     string
	ResourceType string
	Payload      any
	Params       map[string]any
	ResourceID   string
	TTL          time.Duration // DefaultTTL when zero
	Metadata     map[string]any
	Cost         int64 // DefaultCost when zero
}

// Lookup identifies a cached response
type Lookup struct {
	Source     string
	Endpoint   string
	Params     map[string]any
	ResourceID string
}

// Key returns the cache key of the lookup
func (l Lookup) Key() (string, error) {
	return GenerateKey(l.Source, l.Endpoint, l.Params, l.ResourceID)
}

const entryColumns = `id, cache_key, api_source, endpoint, resource_type, resource_id, request_params,
	response_payload, response_hash, response_size, status, expires_at, hit_count, last_accessed_at,
	efficiency_score, api_call_cost, metadata, stored_at, created_at, updated_at`

// Store upserts a response by cache key, replacing any previous entry.
// The entry comes back active with zero hits and expires after the TTL.
func (s *Store) Store(ctx context.Context, req StoreRequest) (*models.CacheEntry, error) {
	ctx, span := s.tracer.Start(ctx, "cache.Store")
	defer span.End()
	return s.store(ctx, s.db, req)
}

func (s *Store) store(ctx context.Context, q data.Querier, req StoreRequest) (*models.CacheEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	source := strings.TrimSpace(req.Source)
	endpoint := strings.TrimSpace(req.Endpoint)
	if source == "" || endpoint == "" {
		return nil, fmt.Errorf("source and endpoint are required")
	}
	if strings.TrimSpace(req.ResourceType) == "" {
		return nil, fmt.Errorf("resource type is required")
	}

	key, err := GenerateKey(source, endpoint, req.Params, req.ResourceID)
	if err != nil {
		return nil, err
	}
	params, err := CanonicalParams(req.Params)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(req.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	metadata, err := marshalMetadata(req.Metadata)
	if err != nil {
		return nil, err
	}
	ttl := req.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	cost := req.Cost
	if cost <= 0 {
		cost = DefaultCost
	}

	now := s.now().UTC()
	nowMs := data.Millis(now)

	row := q.QueryRowContext(ctx, `
INSERT INTO api_cache (
	cache_key, api_source, endpoint, resource_type, resource_id, request_params,
	response_payload, response_hash, response_size, status, expires_at, hit_count,
	efficiency_score, api_call_cost, metadata, stored_at, created_at, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 'active', ?, 0, 0, ?, ?, ?, ?, ?)
ON CONFLICT (cache_key) DO UPDATE SET
	api_source = excluded.api_source,
	endpoint = excluded.endpoint,
	resource_type = excluded.resource_type,
	resource_id = excluded.resource_id,
	request_params = excluded.request_params,
	response_payload = excluded.response_payload,
	response_hash = excluded.response_hash,
	response_size = excluded.response_size,
	status = 'active',
	expires_at = excluded.expires_at,
	hit_count = 0,
	efficiency_score = 0,
	api_call_cost = excluded.api_call_cost,
	metadata = excluded.metadata,
	stored_at = excluded.stored_at,
	updated_at = excluded.updated_at
RETURNING `+entryColumns,
		key, source, endpoint, req.ResourceType, data.NullString(req.ResourceID), string(params),
		string(payload), Digest(payload), int64(len(payload)), data.Millis(now.Add(ttl)),
		cost, metadata, nowMs, nowMs, nowMs,
	)
	entry, err := scanEntry(row)
	if err != nil {
		return nil, fmt.Errorf("store cache entry %s: %w", key, err)
	}
	return entry, nil
}

// Retrieve returns the valid entry for the lookup. The stored payload is
// re-hashed; an entry whose digest no longer matches is invalidated and
// reported as a miss. A hit bumps the hit counter and efficiency score.
func (s *Store) Retrieve(ctx context.Context, lookup Lookup) (*models.CacheEntry, bool, error) {
	ctx, span := s.tracer.Start(ctx, "cache.Retrieve")
	defer span.End()
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	key, err := lookup.Key()
	if err != nil {
		return nil, false, err
	}
	span.SetAttributes(attribute.String("cache.key", key))
	now := s.now().UTC()

	row := s.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM api_cache WHERE cache_key = ? AND status = 'active' AND expires_at > ?`,
		key, data.Millis(now),
	)
	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		s.recordMiss(ctx, key, lookup)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("lookup cache entry %s: %w", key, err)
	}

	if Digest(entry.ResponsePayload) != entry.ResponseHash {
		s.logger.Warn().Str("cache_key", key).Int64("id", entry.ID).Msg("cache entry digest mismatch, invalidating")
		if err := s.Invalidate(ctx, entry); err != nil {
			return nil, false, err
		}
		s.recordMiss(ctx, key, lookup)
		return nil, false, nil
	}

	ageHours := math.Max(now.Sub(entry.StoredAt).Hours(), minAgeHours)
	var lastAccessed int64
	err = s.db.QueryRowContext(ctx, `
UPDATE api_cache SET
	hit_count = hit_count + 1,
	last_accessed_at = ?,
	efficiency_score = CASE
		WHEN (hit_count + 1) * 10.0 / CAST(? AS DOUBLE PRECISION) > 100 THEN 100
		ELSE (hit_count + 1) * 10.0 / CAST(? AS DOUBLE PRECISION)
	END,
	updated_at = ?
WHERE id = ? AND status = 'active'
RETURNING hit_count, efficiency_score, last_accessed_at`,
		data.Millis(now), ageHours, ageHours, data.Millis(now), entry.ID,
	).Scan(&entry.HitCount, &entry.EfficiencyScore, &lastAccessed)
	if errors.Is(err, sql.ErrNoRows) {
		// invalidated between the read and the update
		s.recordMiss(ctx, key, lookup)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("record cache hit %s: %w", key, err)
	}
	accessed := data.FromMillis(lastAccessed)
	entry.LastAccessedAt = &accessed
	entry.UpdatedAt = now

	s.recordHit(ctx, entry)
	return entry, true, nil
}

// Invalidate marks the entry invalidated and keeps the row for auditing.
// A row replaced by Store since entry was read carries a new digest and is
// left alone.
func (s *Store) Invalidate(ctx context.Context, entry *models.CacheEntry) error {
	if entry == nil {
		return fmt.Errorf("cache entry is required")
	}
	now := s.now().UTC()
	if _, err := s.db.ExecContext(ctx,
		`UPDATE api_cache SET status = 'invalidated', updated_at = ? WHERE id = ? AND response_hash = ?`,
		data.Millis(now), entry.ID, entry.ResponseHash,
	); err != nil {
		return fmt.Errorf("invalidate cache entry %d: %w", entry.ID, err)
	}
	entry.Status = models.StatusInvalidated
	entry.UpdatedAt = now
	return nil
}

// Criteria selects entries for bulk invalidation; empty fields are ignored
type Criteria struct {
	APISource    string `json:"api_source,omitempty"`
	ResourceType string `json:"resource_type,omitempty"`
	ResourceID   string `json:"resource_id,omitempty"`
	Endpoint     string `json:"endpoint,omitempty"`
}

func (c Criteria) where() (string, []any) {
	var clauses []string
	var args []any
	add := func(column, value string) {
		if value == "" {
			return
		}
		clauses = append(clauses, column+" = ?")
		args = append(args, value)
	}
	add("api_source", c.APISource)
	add("resource_type", c.ResourceType)
	add("resource_id", c.ResourceID)
	add("endpoint", c.Endpoint)
	return strings.Join(clauses, " AND "), args
}

// InvalidateBy invalidates every entry matching all set criteria
func (s *Store) InvalidateBy(ctx context.Context, criteria Criteria) (int64, error) {
	where, args := criteria.where()
	if where == "" {
		return 0, ErrInvalidCriteria
	}
	args = append([]any{data.Millis(s.now())}, args...)
	res, err := s.db.ExecContext(ctx,
		`UPDATE api_cache SET status = 'invalidated', updated_at = ? WHERE `+where, args...)
	if err != nil {
		return 0, fmt.Errorf("invalidate cache entries: %w", err)
	}
	count, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("invalidate cache entries: %w", err)
	}
	s.logger.Info().Interface("criteria", criteria).Int64("count", count).Msg("invalidated cache entries")
	return count, nil
}

// Cleanup deletes expired entries
func (s *Store) Cleanup(ctx context.Context) (int64, error) {
	ctx, span := s.tracer.Start(ctx, "cache.Cleanup")
	defer span.End()
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM api_cache WHERE status = 'expired' OR expires_at <= ?`, data.Millis(s.now()))
	if err != nil {
		return 0, fmt.Errorf("cleanup cache entries: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) recordHit(ctx context.Context, entry *models.CacheEntry) {
	if s.recorder == nil {
		return
	}
	if err := s.recorder.RecordCacheHit(ctx, entry.APISource, entry.Endpoint, entry.ResourceID); err != nil {
		s.logger.Warn().Err(err).Str("cache_key", entry.CacheKey).Msg("failed to record cache hit")
	}
}

func (s *Store) recordMiss(ctx context.Context, key string, lookup Lookup) {
	if s.recorder == nil {
		return
	}
	if err := s.recorder.RecordCacheMiss(ctx, lookup.Source, lookup.Endpoint, lookup.ResourceID); err != nil {
		s.logger.Warn().Err(err).Str("cache_key", key).Msg("failed to record cache miss")
	}
}

func marshalMetadata(metadata map[string]any) (string, error) {
	if len(metadata) == 0 {
		return "{}", nil
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return "", fmt.Errorf("marshal metadata: %w", err)
	}
	return string(raw), nil
}

func scanEntry(row data.Scanner) (*models.CacheEntry, error) {
	var (
		entry        models.CacheEntry
		resourceID   sql.NullString
		params       string
		payload      string
		status       string
		expiresAt    int64
		lastAccessed sql.NullInt64
		metadata     string
		storedAt     int64
		createdAt    int64
		updatedAt    int64
	)
	if err := row.Scan(
		&entry.ID, &entry.CacheKey, &entry.APISource, &entry.Endpoint, &entry.ResourceType, &resourceID,
		&params, &payload, &entry.ResponseHash, &entry.ResponseSize, &status, &expiresAt, &entry.HitCount,
		&lastAccessed, &entry.EfficiencyScore, &entry.APICallCost, &metadata, &storedAt, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}
	entry.ResourceID = resourceID.String
	entry.RequestParams = json.RawMessage(params)
	entry.ResponsePayload = json.RawMessage(payload)
	entry.Status = models.EntryStatus(status)
	entry.ExpiresAt = data.FromMillis(expiresAt)
	entry.LastAccessedAt = data.TimePtr(lastAccessed)
	entry.Metadata = json.RawMessage(metadata)
	entry.StoredAt = data.FromMillis(storedAt)
	entry.CreatedAt = data.FromMillis(createdAt)
	entry.UpdatedAt = data.FromMillis(updatedAt)
	return &entry, nil
}
