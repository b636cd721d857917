package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const DefaultAcquireTimeout = 5 * time.Second

// PGAdvisoryProvider uses session-level Postgres advisory locks. The lock
// lives as long as the pooled connection is held, so the TTL is not used;
// a crashed holder's lock goes away with its connection.
//
// Every held lock pins one connection for the whole guarded body. The pool
// must not be the one the body queries through, or concurrent holders can
// exhaust it and wait on each other forever.
type PGAdvisoryProvider struct {
	pool *pgxpool.Pool
	// AcquireTimeout bounds waiting for a free connection and the lock query.
	AcquireTimeout time.Duration
}

func NewPGAdvisoryProvider(pool *pgxpool.Pool) *PGAdvisoryProvider {
	return &PGAdvisoryProvider{pool: pool, AcquireTimeout: DefaultAcquireTimeout}
}

func (p *PGAdvisoryProvider) TryAcquire(ctx context.Context, key string, _ time.Duration) (Release, bool, error) {
	if p.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.AcquireTimeout)
		defer cancel()
	}

	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire conn: %w", err)
	}

	var ok bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock(hashtextextended($1, 0))`, key).Scan(&ok); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("pg_try_advisory_lock %s: %w", key, err)
	}
	if !ok {
		conn.Release()
		return nil, false, nil
	}

	return func(ctx context.Context) error {
		defer conn.Release()
		var released bool
		if err := conn.QueryRow(ctx, `SELECT pg_advisory_unlock(hashtextextended($1, 0))`, key).Scan(&released); err != nil {
			// drop the session so the lock cannot leak back into the pool
			_ = conn.Conn().Close(ctx)
			return fmt.Errorf("pg_advisory_unlock %s: %w", key, err)
		}
		if !released {
			return fmt.Errorf("advisory lock %s was not held", key)
		}
		return nil
	}, true, nil
}
