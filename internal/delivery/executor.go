// Package delivery executes delivery attempts: claim, build, then archive and
// send inside the attempt's critical section.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"mailtask/internal/attempt"
	"mailtask/internal/domain"
	"mailtask/internal/mailer"
	"mailtask/internal/observability"
)

// ErrNoArchiver is handed to the persist policy when an attempt asks for
// persistence and no archiver is configured.
var ErrNoArchiver = errors.New("attempt requires persistence but no archiver is configured")

type Builder interface {
	Build(ctx context.Context, id domain.MailerIdentity, args map[string]any) (mailer.Message, error)
}

// Sender delivers a message and returns the transport message id.
type Sender interface {
	Send(ctx context.Context, msg mailer.Message) (string, error)
}

// Archiver stores a copy of a message and returns its token.
type Archiver interface {
	Persist(ctx context.Context, msg mailer.Message) (string, error)
}

type Executor struct {
	machine  *attempt.Machine
	builder  Builder
	sender   Sender
	archiver Archiver

	persistPolicy ErrorPolicy
	deliverPolicy ErrorPolicy
	logger        *slog.Logger
}

type Option func(*Executor)

func WithArchiver(a Archiver) Option {
	return func(e *Executor) { e.archiver = a }
}

func WithPersistErrorPolicy(p ErrorPolicy) Option {
	return func(e *Executor) { e.persistPolicy = p }
}

func WithDeliverErrorPolicy(p ErrorPolicy) Option {
	return func(e *Executor) { e.deliverPolicy = p }
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

func NewExecutor(m *attempt.Machine, b Builder, s Sender, opts ...Option) *Executor {
	e := &Executor{machine: m, builder: b, sender: s}
	for _, opt := range opts {
		opt(e)
	}
	if e.persistPolicy == nil {
		e.persistPolicy = Propagate
	}
	if e.deliverPolicy == nil {
		e.deliverPolicy = Propagate
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e
}

// Execute runs one delivery attempt. An attempt that is not yet due is left
// untouched. A failure at any step leaves the attempt pending.
func (e *Executor) Execute(ctx context.Context, id string) error {
	a, err := e.machine.Get(ctx, id)
	if err != nil {
		return err
	}
	if !e.machine.MayExecuteNow(a) {
		observability.Deliveries.WithLabelValues("not_due").Inc()
		e.logger.Debug("attempt not due yet", "attempt_id", id, "scheduled_at", a.ScheduledAt)
		return nil
	}

	claimed, err := e.machine.Claim(ctx, id)
	if err != nil {
		return err
	}

	msg, err := e.builder.Build(ctx, claimed.Mailer, claimed.MailerArgs)
	if err != nil {
		observability.Deliveries.WithLabelValues("build_error").Inc()
		return fmt.Errorf("build message for %s: %w", id, err)
	}
	msg = msg.WithMessageID()

	return e.machine.Critical(ctx, id, func(ctx context.Context, s *attempt.Section) error {
		cur := s.Attempt()

		var token string
		if cur.ShouldPersist {
			t, err := e.persist(ctx, msg)
			if err != nil {
				if perr := e.persistPolicy(ctx, cur, err); perr != nil {
					return perr
				}
			} else {
				token = t
			}
		}

		start := time.Now()
		messageID, err := e.sender.Send(ctx, msg)
		observability.DeliveryLatency.Observe(time.Since(start).Seconds())
		if err != nil {
			observability.Deliveries.WithLabelValues("send_error").Inc()
			return e.deliverPolicy(ctx, cur, fmt.Errorf("deliver %s: %w", id, err))
		}

		if err := s.MarkDelivered(ctx, messageID, token); err != nil {
			// the mail is out; the attempt stays pending and may be sent again
			e.logger.Error("delivered mail could not be recorded",
				"attempt_id", id, "message_id", messageID, "err", err)
			return err
		}
		observability.Deliveries.WithLabelValues("delivered").Inc()
		return nil
	})
}

func (e *Executor) persist(ctx context.Context, msg mailer.Message) (string, error) {
	if e.archiver == nil {
		observability.Persists.WithLabelValues("no_archiver").Inc()
		return "", ErrNoArchiver
	}
	token, err := e.archiver.Persist(ctx, msg)
	if err != nil {
		observability.Persists.WithLabelValues("error").Inc()
		return "", fmt.Errorf("persist message: %w", err)
	}
	observability.Persists.WithLabelValues("ok").Inc()
	return token, nil
}
