// Package lock serializes maintenance runs across processes.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
)

// ErrNotAcquired is returned when another holder owns the lock
var ErrNotAcquired = errors.New("lock not acquired")

// Locker runs fn while holding the named lock
type Locker interface {
	WithLock(ctx context.Context, name string, ttl time.Duration, fn func(ctx context.Context) error) error
}

// RedisLocker uses redsync mutexes
type RedisLocker struct {
	rs     *redsync.Redsync
	prefix string
}

// NewRedisLocker creates a locker backed by client
func NewRedisLocker(client redis.UniversalClient, prefix string) *RedisLocker {
	pool := goredis.NewPool(client)
	return &RedisLocker{rs: redsync.New(pool), prefix: prefix}
}

// WithLock tries once to take the lock; when it cannot be taken fn is not
// run and the error wraps ErrNotAcquired
func (l *RedisLocker) WithLock(ctx context.Context, name string, ttl time.Duration, fn func(ctx context.Context) error) error {
	mutex := l.rs.NewMutex(l.prefix+":lock:"+name, redsync.WithExpiry(ttl), redsync.WithTries(1))
	if err := mutex.LockContext(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: %s: %v", ErrNotAcquired, name, err)
	}
	defer func() {
		// a fresh context so cancellation of ctx still releases the lock
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, _ = mutex.UnlockContext(unlockCtx)
	}()
	return fn(ctx)
}

// LocalLocker is used without redis: the database stays the only arbiter and
// duplicate maintenance passes are harmless
type LocalLocker struct{}

func (LocalLocker) WithLock(ctx context.Context, _ string, _ time.Duration, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

var (
	_ Locker = (*RedisLocker)(nil)
	_ Locker = LocalLocker{}
)
