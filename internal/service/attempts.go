package service

import (
	"context"
	"errors"
	"log/slog"

	"mailtask/internal/attempt"
	"mailtask/internal/domain"
	"mailtask/internal/store"
	"mailtask/internal/util"
)

type Store interface {
	Insert(ctx context.Context, in store.AttemptInsert) (domain.Attempt, error)
	Get(ctx context.Context, id string) (domain.Attempt, error)
	FindByIdempotency(ctx context.Context, token string, mailer domain.MailerIdentity) (domain.Attempt, bool, error)
	List(ctx context.Context, q store.ListQuery) ([]domain.Attempt, error)
}

type Queue interface {
	EnqueueDelivery(ctx context.Context, attemptID string) error
}

type AttemptService struct {
	Store   Store
	Machine *attempt.Machine
	// Queue is optional. When set, unscheduled attempts are dispatched right
	// away instead of waiting for the next scan.
	Queue  Queue
	Clock  util.Clock
	NewID  func() string
	Logger *slog.Logger
}

// Create records a new pending attempt. Replaying a request with the same
// idempotence token and mailer returns the existing attempt.
func (s *AttemptService) Create(ctx context.Context, req domain.CreateAttemptRequest) (domain.CreateResponse, error) {
	if err := req.Validate(); err != nil {
		return domain.CreateResponse{}, err
	}

	if existing, found, err := s.Store.FindByIdempotency(ctx, req.IdempotenceToken, req.Mailer()); err != nil {
		return domain.CreateResponse{}, err
	} else if found {
		return domain.CreateResponse{AttemptID: existing.ID, Status: string(existing.Status)}, nil
	}

	a, err := s.Store.Insert(ctx, store.AttemptInsert{
		ID:               s.newID(),
		IdempotenceToken: req.IdempotenceToken,
		Mailer:           req.Mailer(),
		MailerArgs:       req.MailerArgs,
		ShouldPersist:    req.ShouldPersist,
		ScheduledAt:      req.ScheduledAt,
		Now:              s.clock().Now(),
	})
	if errors.Is(err, domain.ErrDuplicateAttempt) {
		// lost a race with a concurrent create of the same attempt
		existing, found, ferr := s.Store.FindByIdempotency(ctx, req.IdempotenceToken, req.Mailer())
		if ferr != nil {
			return domain.CreateResponse{}, ferr
		}
		if found {
			return domain.CreateResponse{AttemptID: existing.ID, Status: string(existing.Status)}, nil
		}
	}
	if err != nil {
		return domain.CreateResponse{}, err
	}

	if s.Queue != nil && a.ScheduledAt == nil {
		if err := s.Queue.EnqueueDelivery(ctx, a.ID); err != nil {
			s.logger().Warn("immediate dispatch failed, leaving attempt for the scanner", "attempt_id", a.ID, "err", err)
		}
	}
	return domain.CreateResponse{AttemptID: a.ID, Status: string(a.Status), Created: true}, nil
}

func (s *AttemptService) Get(ctx context.Context, id string) (domain.Attempt, error) {
	return s.Store.Get(ctx, id)
}

func (s *AttemptService) List(ctx context.Context, q store.ListQuery) ([]domain.Attempt, error) {
	if q.Status != "" && !q.Status.Valid() {
		return nil, domain.ErrInvalidStatus
	}
	return s.Store.List(ctx, q)
}

func (s *AttemptService) Expire(ctx context.Context, id string) (domain.Attempt, error) {
	return s.Machine.Expire(ctx, id)
}

func (s *AttemptService) Fail(ctx context.Context, id string) (domain.Attempt, error) {
	return s.Machine.MarkFailed(ctx, id)
}

func (s *AttemptService) newID() string {
	if s.NewID != nil {
		return s.NewID()
	}
	return util.NewAttemptID()
}

func (s *AttemptService) clock() util.Clock {
	if s.Clock != nil {
		return s.Clock
	}
	return util.SystemClock{}
}

func (s *AttemptService) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}
