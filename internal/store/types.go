package store

import (
	"context"
	"time"

	"mailtask/internal/domain"
)

const DefaultPageSize = 100

// Locked is a single attempt row held under an exclusive lock for the
// duration of a WithLock callback.
type Locked interface {
	// Attempt returns the row as read under the lock (or as last saved).
	Attempt() domain.Attempt
	// Save writes the attempt and increments its version.
	Save(ctx context.Context, a domain.Attempt) error
}

// LockFunc runs while the row lock is held. Returning an error discards
// every write made through the Locked handle.
type LockFunc func(ctx context.Context, tx Locked) error

type AttemptInsert struct {
	ID               string
	IdempotenceToken string
	Mailer           domain.MailerIdentity
	MailerArgs       map[string]any
	ShouldPersist    bool
	ScheduledAt      *time.Time
	Now              time.Time
}

// DueQuery selects pending attempts eligible at Now, ordered by id and
// starting after AfterID.
type DueQuery struct {
	Now     time.Time
	AfterID string
	Limit   int
}

type ListQuery struct {
	Status        domain.Status
	PersistedOnly bool
	AfterID       string
	Limit         int
}

func (q ListQuery) PageSize() int {
	if q.Limit <= 0 || q.Limit > 1000 {
		return DefaultPageSize
	}
	return q.Limit
}
