package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/txplain/explorercache/internal/data"
	"github.com/txplain/explorercache/internal/models"
)

// FetchFunc performs the remote call on a cache miss
type FetchFunc func(ctx context.Context) (any, error)

// Request is a get-or-fetch call through the cache
type Request struct {
	Source       string
	Endpoint     string
	ResourceType string
	Params       map[string]any
	ResourceID   string
	TTL          time.Duration // policy TTL when zero
	Metadata     map[string]any
}

func (r Request) lookup() Lookup {
	return Lookup{Source: r.Source, Endpoint: r.Endpoint, Params: r.Params, ResourceID: r.ResourceID}
}

// Result is the payload served by CacheOrRetrieve
type Result struct {
	Payload json.RawMessage
	Cached  bool
	Stale   bool
}

// Policy returns the TTL and cost tables in use
func (s *Store) Policy() Policy {
	return s.policy
}

// CacheOrRetrieve serves the cached response or calls fetch and stores its
// result. When fetch fails, any row stored under the key is served as stale;
// otherwise the fetch error is returned.
func (s *Store) CacheOrRetrieve(ctx context.Context, req Request, fetch FetchFunc) (*Result, error) {
	lookup := req.lookup()
	key, err := lookup.Key()
	if err != nil {
		return nil, err
	}
	entry, ok, err := s.Retrieve(ctx, lookup)
	if err != nil {
		s.logger.Warn().Err(err).Str("cache_key", key).Msg("cache lookup failed, fetching")
	}
	if ok {
		s.logger.Debug().Str("api_source", req.Source).Str("endpoint", req.Endpoint).
			Str("resource_id", req.ResourceID).Int64("hit_count", entry.HitCount).Msg("cache hit")
		return &Result{Payload: entry.ResponsePayload, Cached: true}, nil
	}

	started := s.now()
	payload, fetchErr := fetch(ctx)
	if fetchErr != nil {
		s.logger.Error().Err(fetchErr).Str("api_source", req.Source).Str("endpoint", req.Endpoint).
			Str("resource_id", req.ResourceID).Msg("api call failed")
		stale, err := s.staleEntry(ctx, key)
		if err != nil || stale == nil {
			return nil, fetchErr
		}
		s.logger.Warn().Str("api_source", req.Source).Str("endpoint", req.Endpoint).
			Float64("age_hours", s.now().Sub(stale.StoredAt).Hours()).Msg("returning stale cache data due to api failure")
		return &Result{Payload: stale.ResponsePayload, Cached: true, Stale: true}, nil
	}

	ttl := req.TTL
	if ttl <= 0 {
		ttl = s.policy.TTL(req.Source, req.ResourceType)
	}
	metadata := make(map[string]any, len(req.Metadata)+2)
	for k, v := range req.Metadata {
		metadata[k] = v
	}
	metadata["cache_stored_at"] = s.now().UTC().Format(time.RFC3339)
	metadata["api_response_ms"] = s.now().Sub(started).Milliseconds()

	stored, err := s.Store(ctx, StoreRequest{
		Source:       req.Source,
		Endpoint:     req.Endpoint,
		ResourceType: req.ResourceType,
		Payload:      payload,
		Params:       req.Params,
		ResourceID:   req.ResourceID,
		TTL:          ttl,
		Metadata:     metadata,
		Cost:         s.policy.Cost(req.Source, req.Endpoint),
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("cache_key", key).Msg("failed to store fetched response")
		raw, marshalErr := json.Marshal(payload)
		if marshalErr != nil {
			return nil, fmt.Errorf("marshal fetched payload: %w", marshalErr)
		}
		return &Result{Payload: raw}, nil
	}
	return &Result{Payload: stored.ResponsePayload}, nil
}

// WarmCache drops the current entries of the resource and stores a fresh fetch
func (s *Store) WarmCache(ctx context.Context, req Request, fetch FetchFunc) (*models.CacheEntry, error) {
	if _, err := req.lookup().Key(); err != nil {
		return nil, err
	}
	criteria := Criteria{APISource: req.Source, Endpoint: req.Endpoint}
	if req.ResourceID != "" {
		criteria = Criteria{APISource: req.Source, ResourceID: req.ResourceID}
	}
	if _, err := s.InvalidateBy(ctx, criteria); err != nil {
		return nil, err
	}
	payload, err := fetch(ctx)
	if err != nil {
		return nil, err
	}
	ttl := req.TTL
	if ttl <= 0 {
		ttl = s.policy.TTL(req.Source, req.ResourceType)
	}
	return s.Store(ctx, StoreRequest{
		Source:       req.Source,
		Endpoint:     req.Endpoint,
		ResourceType: req.ResourceType,
		Payload:      payload,
		Params:       req.Params,
		ResourceID:   req.ResourceID,
		TTL:          ttl,
		Metadata:     map[string]any{"cache_warmed_at": s.now().UTC().Format(time.RFC3339)},
		Cost:         s.policy.Cost(req.Source, req.Endpoint),
	})
}

// StoreBatch stores every request in one transaction, resolving missing TTLs
// and costs from the policy
func (s *Store) StoreBatch(ctx context.Context, reqs []StoreRequest) ([]*models.CacheEntry, error) {
	entries := make([]*models.CacheEntry, 0, len(reqs))
	err := s.db.InTx(ctx, func(tx *data.Tx) error {
		for _, req := range reqs {
			if req.TTL <= 0 {
				req.TTL = s.policy.TTL(req.Source, req.ResourceType)
			}
			if req.Cost <= 0 {
				req.Cost = s.policy.Cost(req.Source, req.Endpoint)
			}
			entry, err := s.store(ctx, tx, req)
			if err != nil {
				return err
			}
			entries = append(entries, entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// PruneResult reports what a prune pass removed
type PruneResult struct {
	Deleted    int64 `json:"deleted"`
	BytesFreed int64 `json:"bytes_freed"`
}

// Prune removes expired entries and, when aggressive, entries older than
// olderThan with efficiency below 1 and fewer than 2 hits
func (s *Store) Prune(ctx context.Context, aggressive bool, olderThan time.Duration) (*PruneResult, error) {
	now := s.now().UTC()
	result := &PruneResult{}
	err := s.db.InTx(ctx, func(tx *data.Tx) error {
		if aggressive {
			cutoff := data.Millis(now.Add(-olderThan))
			n, bytes, err := deleteWhere(ctx, tx,
				`efficiency_score < 1 AND hit_count < 2 AND created_at < ?`, cutoff)
			if err != nil {
				return fmt.Errorf("prune low efficiency entries: %w", err)
			}
			result.Deleted += n
			result.BytesFreed += bytes
		}
		n, bytes, err := deleteWhere(ctx, tx, `status = 'expired' OR expires_at <= ?`, data.Millis(now))
		if err != nil {
			return fmt.Errorf("prune expired entries: %w", err)
		}
		result.Deleted += n
		result.BytesFreed += bytes
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Int64("count", result.Deleted).Int64("bytes_freed", result.BytesFreed).Msg("cache prune completed")
	return result, nil
}

func deleteWhere(ctx context.Context, tx *data.Tx, where string, args ...any) (int64, int64, error) {
	var bytes int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(response_size), 0) FROM api_cache WHERE `+where, args...,
	).Scan(&bytes); err != nil {
		return 0, 0, err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM api_cache WHERE `+where, args...)
	if err != nil {
		return 0, 0, err
	}
	n, err := res.RowsAffected()
	return n, bytes, err
}

// PreloadFrequentlyAccessed extends the expiry of hot entries (more than 5 hits)
// that expire within the next two hours, returning how many were extended
func (s *Store) PreloadFrequentlyAccessed(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	now := s.now().UTC()
	rows, err := s.db.QueryContext(ctx, `
SELECT `+entryColumns+` FROM api_cache
WHERE hit_count > 5 AND status = 'active' AND expires_at < ?
ORDER BY hit_count DESC
LIMIT ?`, data.Millis(now.Add(2*time.Hour)), limit)
	if err != nil {
		return 0, fmt.Errorf("query preload candidates: %w", err)
	}
	var candidates []*models.CacheEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			_ = rows.Close()
			return 0, fmt.Errorf("scan preload candidate: %w", err)
		}
		candidates = append(candidates, entry)
	}
	if err := rows.Close(); err != nil {
		return 0, err
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	preloaded := 0
	for _, entry := range candidates {
		metadata := map[string]any{}
		_ = json.Unmarshal(entry.Metadata, &metadata)
		metadata["preloaded_at"] = now.Format(time.RFC3339)
		raw, _ := json.Marshal(metadata)

		expires := now.Add(s.policy.TTL(entry.APISource, entry.ResourceType))
		if _, err := s.db.ExecContext(ctx,
			`UPDATE api_cache SET expires_at = ?, metadata = ?, updated_at = ? WHERE id = ?`,
			data.Millis(expires), string(raw), data.Millis(now), entry.ID,
		); err != nil {
			s.logger.Warn().Err(err).Int64("id", entry.ID).Msg("failed to preload cache entry")
			continue
		}
		preloaded++
	}
	s.logger.Info().Int("count", preloaded).Msg("preloaded frequently accessed cache entries")
	return preloaded, nil
}

func (s *Store) staleEntry(ctx context.Context, key string) (*models.CacheEntry, error) {
	entry, err := scanEntry(s.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM api_cache WHERE cache_key = ? AND status <> 'invalidated'`, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if Digest(entry.ResponsePayload) != entry.ResponseHash {
		return nil, nil
	}
	return entry, nil
}
