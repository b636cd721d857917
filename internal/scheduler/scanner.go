// Package scheduler finds due attempts and dispatches one delivery job each.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"mailtask/internal/lock"
	"mailtask/internal/observability"
	"mailtask/internal/store"
	"mailtask/internal/util"
)

const DefaultBatchSize = 500

type DueLister interface {
	ListDueIDs(ctx context.Context, q store.DueQuery) ([]string, error)
}

type Enqueuer interface {
	EnqueueDelivery(ctx context.Context, attemptID string) error
}

type Scanner struct {
	Store     DueLister
	Queue     Enqueuer
	Guard     *lock.Guard
	Clock     util.Clock
	BatchSize int
	Logger    *slog.Logger
}

// RunScan enqueues every pending attempt that is due now, in id order. Only
// one scan runs across the fleet at a time; a scan that finds the lock held
// returns (0, nil).
func (s *Scanner) RunScan(ctx context.Context) (int, error) {
	enqueued := 0
	ran, err := s.Guard.WithExclusiveExecution(ctx, lock.ScanLockKey, func(ctx context.Context) error {
		n, err := s.scan(ctx)
		enqueued = n
		return err
	})
	switch {
	case !ran:
		observability.Scans.WithLabelValues("skipped").Inc()
	case err != nil:
		observability.Scans.WithLabelValues("error").Inc()
		s.logger().Error("delivery scan failed", "enqueued", enqueued, "err", err)
	default:
		observability.Scans.WithLabelValues("ok").Inc()
		s.logger().Info("delivery scan finished", "enqueued", enqueued)
	}
	return enqueued, err
}

func (s *Scanner) scan(ctx context.Context) (int, error) {
	clock := s.Clock
	if clock == nil {
		clock = util.SystemClock{}
	}
	batch := s.BatchSize
	if batch <= 0 {
		batch = DefaultBatchSize
	}

	// one cutoff for the whole scan so paging is stable
	q := store.DueQuery{Now: clock.Now(), Limit: batch}
	enqueued := 0
	for {
		ids, err := s.Store.ListDueIDs(ctx, q)
		if err != nil {
			return enqueued, fmt.Errorf("list due attempts: %w", err)
		}
		for _, id := range ids {
			if err := s.Queue.EnqueueDelivery(ctx, id); err != nil {
				return enqueued, err
			}
			enqueued++
		}
		if len(ids) < batch {
			return enqueued, nil
		}
		q.AfterID = ids[len(ids)-1]
	}
}

// Run scans every interval until ctx is done. Scan errors are logged and
// the next tick tries again.
func (s *Scanner) Run(ctx context.Context, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		_, _ = s.RunScan(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (s *Scanner) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}
