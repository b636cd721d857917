package delivery

import (
	"context"
	"errors"
	"log/slog"

	"mailtask/internal/domain"
	"mailtask/internal/lock"
)

// Runner executes one attempt.
type Runner interface {
	Execute(ctx context.Context, id string) error
}

// Job is the queue-facing entry point: one delivery run per attempt id,
// deduplicated across the fleet.
type Job struct {
	Guard  *lock.Guard
	Runner Runner
	Logger *slog.Logger
}

// Perform returns nil when there is nothing left to do so the queue message
// can be acknowledged: the attempt is gone, already terminal, or being run
// by another worker.
func (j *Job) Perform(ctx context.Context, attemptID string) error {
	logger := j.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ran, err := j.Guard.WithExclusiveExecution(ctx, lock.DeliveryLockKey(attemptID), func(ctx context.Context) error {
		return j.Runner.Execute(ctx, attemptID)
	})
	if !ran {
		logger.Info("delivery already running elsewhere, skipping", "attempt_id", attemptID)
		return nil
	}

	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrInvalidState), errors.Is(err, domain.ErrNotFound):
		logger.Info("delivery job has nothing to do", "attempt_id", attemptID, "reason", err)
		return nil
	}
	return err
}
