// Package lock provides the fleet-wide dedup guard that keeps two workers
// from running the same logical job, plus its advisory lock backends.
package lock

import (
	"context"
	"log/slog"
	"time"

	"mailtask/internal/observability"
)

const (
	// ScanLockKey guards the batch scan.
	ScanLockKey = "mailtask:delivery-batch"

	deliveryKeyPrefix = "mailtask:delivery:"

	DefaultTTL     = 5 * time.Minute
	releaseTimeout = 5 * time.Second
)

// DeliveryLockKey is the per-attempt job key: job type plus attempt id.
func DeliveryLockKey(attemptID string) string {
	return deliveryKeyPrefix + attemptID
}

// Release gives a held lock back. It must be safe to call after the lock
// has already expired.
type Release func(ctx context.Context) error

// Provider is a fleet-wide advisory lock backend.
type Provider interface {
	// TryAcquire never blocks waiting for a holder. ok=false means someone
	// else holds key.
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (release Release, ok bool, err error)
}

type Guard struct {
	provider Provider
	ttl      time.Duration
	logger   *slog.Logger
}

func NewGuard(p Provider, ttl time.Duration, logger *slog.Logger) *Guard {
	if p == nil {
		panic("lock: nil Provider")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{provider: p, ttl: ttl, logger: logger}
}

// WithExclusiveExecution runs body only if the lock for key is acquired and
// reports whether it ran. The lock is released whether body returns, fails
// or panics. A provider error is treated like a lock held elsewhere.
func (g *Guard) WithExclusiveExecution(ctx context.Context, key string, body func(ctx context.Context) error) (ran bool, err error) {
	release, ok, err := g.provider.TryAcquire(ctx, key, g.ttl)
	if err != nil {
		observability.DedupSkips.WithLabelValues("provider_error").Inc()
		g.logger.Warn("dedup lock unavailable, skipping", "key", key, "err", err)
		return false, nil
	}
	if !ok {
		observability.DedupSkips.WithLabelValues("held").Inc()
		g.logger.Debug("dedup lock held elsewhere, skipping", "key", key)
		return false, nil
	}

	defer func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		if rerr := release(rctx); rerr != nil {
			g.logger.Warn("dedup lock release failed", "key", key, "err", rerr)
		}
	}()

	return true, body(ctx)
}
