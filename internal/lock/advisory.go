package lock

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Coordinator wraps Postgres advisory locks for cross-process mutual
// exclusion. Acquisition is non-blocking: a held lock is reported, never
// waited on.
type Coordinator struct {
	pool *pgxpool.Pool
}

func NewCoordinator(pool *pgxpool.Pool) *Coordinator {
	return &Coordinator{pool: pool}
}

// KeyForDay maps a YYYY-MM-DD string onto the advisory lock keyspace.
// FNV-64a masked to 63 bits keeps the key positive and leaves collision
// probability across distinct dates negligible.
func KeyForDay(date string) int64 {
	h := fnv.New64a()
	h.Write([]byte(date))
	return int64(h.Sum64() & 0x7fffffffffffffff)
}

// TryWithLock attempts to acquire the advisory lock for key and, on
// success, runs fn while holding it. The lock is released on every exit
// path of fn, including panics. When the lock is held elsewhere fn is not
// invoked and acquired is false with a nil error.
//
// Advisory locks are session-scoped, so the lock and unlock must run on the
// same pooled connection.
func (c *Coordinator) TryWithLock(ctx context.Context, key int64, fn func(context.Context) error) (acquired bool, err error) {
	if c == nil || c.pool == nil {
		return false, fmt.Errorf("lock coordinator not initialized")
	}

	conn, err := c.pool.Acquire(ctx)
	if err != nil {
		return false, fmt.Errorf("acquire lock connection: %w", err)
	}
	defer conn.Release()

	var got bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", key).Scan(&got); err != nil {
		return false, fmt.Errorf("try advisory lock %d: %w", key, err)
	}
	if !got {
		return false, nil
	}

	defer func() {
		// Unlock on the original session even when ctx is already done.
		unlockCtx := ctx
		if unlockCtx.Err() != nil {
			unlockCtx = context.Background()
		}
		var released bool
		if unlockErr := conn.QueryRow(unlockCtx, "SELECT pg_advisory_unlock($1)", key).Scan(&released); unlockErr != nil {
			slog.Error("release advisory lock", slog.Int64("key", key), slog.String("error", unlockErr.Error()))
		} else if !released {
			slog.Warn("advisory lock was not held at release", slog.Int64("key", key))
		}
	}()

	return true, fn(ctx)
}
