// Package control holds advisory control-plane flags such as the warming
// queue pause switch. Flags expire on their own after a TTL.
package control

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/txplain/explorercache/internal/data"
)

// Flag is a named boolean with a time to live
type Flag interface {
	Set(ctx context.Context, name string, ttl time.Duration) error
	Clear(ctx context.Context, name string) error
	IsSet(ctx context.Context, name string) (bool, error)
}

// RedisFlags keeps flags as expiring redis keys
type RedisFlags struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisFlags stores flags under prefix in client
func NewRedisFlags(client redis.UniversalClient, prefix string) *RedisFlags {
	return &RedisFlags{client: client, prefix: prefix}
}

func (f *RedisFlags) key(name string) string {
	if f.prefix == "" {
		return name
	}
	return f.prefix + ":" + name
}

func (f *RedisFlags) Set(ctx context.Context, name string, ttl time.Duration) error {
	if err := f.client.Set(ctx, f.key(name), "1", ttl).Err(); err != nil {
		return fmt.Errorf("set flag %s: %w", name, err)
	}
	return nil
}

func (f *RedisFlags) Clear(ctx context.Context, name string) error {
	if err := f.client.Del(ctx, f.key(name)).Err(); err != nil {
		return fmt.Errorf("clear flag %s: %w", name, err)
	}
	return nil
}

func (f *RedisFlags) IsSet(ctx context.Context, name string) (bool, error) {
	n, err := f.client.Exists(ctx, f.key(name)).Result()
	if err != nil {
		return false, fmt.Errorf("check flag %s: %w", name, err)
	}
	return n > 0, nil
}

// SQLFlags keeps flags in the control_flags table
type SQLFlags struct {
	db  *data.Connector
	now func() time.Time
}

// NewSQLFlags stores flags in db; now defaults to time.Now
func NewSQLFlags(db *data.Connector, now func() time.Time) *SQLFlags {
	if now == nil {
		now = time.Now
	}
	return &SQLFlags{db: db, now: now}
}

func (f *SQLFlags) Set(ctx context.Context, name string, ttl time.Duration) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("flag name is required")
	}
	now := f.now()
	_, err := f.db.ExecContext(ctx, `
INSERT INTO control_flags (name, expires_at, updated_at) VALUES (?, ?, ?)
ON CONFLICT (name) DO UPDATE SET expires_at = excluded.expires_at, updated_at = excluded.updated_at`,
		name, data.Millis(now.Add(ttl)), data.Millis(now),
	)
	if err != nil {
		return fmt.Errorf("set flag %s: %w", name, err)
	}
	return nil
}

func (f *SQLFlags) Clear(ctx context.Context, name string) error {
	if _, err := f.db.ExecContext(ctx, `DELETE FROM control_flags WHERE name = ?`, name); err != nil {
		return fmt.Errorf("clear flag %s: %w", name, err)
	}
	return nil
}

func (f *SQLFlags) IsSet(ctx context.Context, name string) (bool, error) {
	var count int
	err := f.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM control_flags WHERE name = ? AND expires_at > ?`, name, data.Millis(f.now()),
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check flag %s: %w", name, err)
	}
	return count > 0, nil
}

// OpenRedis parses a redis:// URL and checks the server answers
func OpenRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

var (
	_ Flag = (*RedisFlags)(nil)
	_ Flag = (*SQLFlags)(nil)
)
