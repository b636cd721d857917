// Package attempt owns the lifecycle of a delivery attempt: the optimistic
// claim that takes ownership of an execution and the pessimistic critical
// section in which every terminal transition is written.
package attempt

import (
	"context"
	"fmt"
	"log/slog"

	"mailtask/internal/domain"
	"mailtask/internal/observability"
	"mailtask/internal/store"
	"mailtask/internal/util"
)

// Store is the persistence contract the state machine relies on.
type Store interface {
	Get(ctx context.Context, id string) (domain.Attempt, error)
	// SaveIfVersion writes a only if the stored version still equals
	// a.Version, returning domain.ErrVersionConflict otherwise.
	SaveIfVersion(ctx context.Context, a domain.Attempt) error
	// WithLock holds an exclusive per-attempt lock while fn runs.
	WithLock(ctx context.Context, id string, fn store.LockFunc) error
}

type Machine struct {
	store  Store
	clock  util.Clock
	logger *slog.Logger
}

type Option func(*Machine)

func WithClock(c util.Clock) Option {
	return func(m *Machine) { m.clock = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Machine) { m.logger = l }
}

func NewMachine(s Store, opts ...Option) *Machine {
	if s == nil {
		panic("attempt: nil Store")
	}
	m := &Machine{store: s}
	for _, opt := range opts {
		opt(m)
	}
	if m.clock == nil {
		m.clock = util.SystemClock{}
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	return m
}

func (m *Machine) Clock() util.Clock { return m.clock }

func (m *Machine) Get(ctx context.Context, id string) (domain.Attempt, error) {
	return m.store.Get(ctx, id)
}

// MayExecuteNow reports whether the attempt is due: no schedule, or a
// schedule strictly in the past.
func (m *Machine) MayExecuteNow(a domain.Attempt) bool {
	return a.ScheduledAt == nil || a.ScheduledAt.Before(m.clock.Now())
}

func (m *Machine) Expire(ctx context.Context, id string) (domain.Attempt, error) {
	return m.transition(ctx, id, domain.StatusExpired)
}

func (m *Machine) MarkFailed(ctx context.Context, id string) (domain.Attempt, error) {
	return m.transition(ctx, id, domain.StatusFailed)
}

func (m *Machine) MarkDelivered(ctx context.Context, id, transportMessageID string) (domain.Attempt, error) {
	var out domain.Attempt
	err := m.Critical(ctx, id, func(ctx context.Context, s *Section) error {
		if err := s.MarkDelivered(ctx, transportMessageID, ""); err != nil {
			return err
		}
		out = s.Attempt()
		return nil
	})
	return out, err
}

// Section is the handle given to code running inside a critical section.
type Section struct {
	m  *Machine
	tx store.Locked
}

// Attempt returns the attempt as re-read under the lock.
func (s *Section) Attempt() domain.Attempt { return s.tx.Attempt() }

// MarkDelivered finalizes the attempt as delivered inside the held lock.
// An empty persistenceToken leaves the token unset.
func (s *Section) MarkDelivered(ctx context.Context, transportMessageID, persistenceToken string) error {
	return s.m.finalize(ctx, s.tx, domain.StatusDelivered, func(a *domain.Attempt) {
		a.MessageID = &transportMessageID
		if persistenceToken != "" {
			a.PersistenceToken = &persistenceToken
		}
	})
}

// Critical runs fn under the attempt's row lock after re-checking that the
// attempt is still pending. It is never retried: fn may have side effects.
func (m *Machine) Critical(ctx context.Context, id string, fn func(ctx context.Context, s *Section) error) error {
	return m.store.WithLock(ctx, id, func(ctx context.Context, tx store.Locked) error {
		cur := tx.Attempt()
		if !cur.IsPending() {
			return invalidState(cur)
		}
		return fn(ctx, &Section{m: m, tx: tx})
	})
}

func (m *Machine) transition(ctx context.Context, id string, to domain.Status) (domain.Attempt, error) {
	var out domain.Attempt
	err := m.Critical(ctx, id, func(ctx context.Context, s *Section) error {
		if err := m.finalize(ctx, s.tx, to, nil); err != nil {
			return err
		}
		out = s.Attempt()
		return nil
	})
	return out, err
}

func (m *Machine) finalize(ctx context.Context, tx store.Locked, to domain.Status, mutate func(*domain.Attempt)) error {
	cur := tx.Attempt()
	if !domain.ValidTransition(cur.Status, to) {
		return invalidState(cur)
	}

	next := cur.Clone()
	now := m.clock.Now()
	next.Status = to
	next.CompletedAt = &now
	if mutate != nil {
		mutate(&next)
	}
	if err := tx.Save(ctx, next); err != nil {
		return err
	}

	observability.Transitions.WithLabelValues(string(to)).Inc()
	m.logger.Info("attempt finalized", "attempt_id", cur.ID, "status", to, "num_attempts", next.NumAttempts)
	return nil
}

func invalidState(a domain.Attempt) error {
	return fmt.Errorf("%w: attempt %s is %s", domain.ErrInvalidState, a.ID, a.Status)
}
