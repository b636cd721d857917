package domain

import "time"

type Status string

const (
	StatusPending   Status = "pending"
	StatusDelivered Status = "delivered"
	StatusExpired   Status = "expired"
	StatusFailed    Status = "failed"
)

func (s Status) IsTerminal() bool {
	return s == StatusDelivered || s == StatusExpired || s == StatusFailed
}

func (s Status) Valid() bool {
	return s == StatusPending || s.IsTerminal()
}

// ValidTransition reports whether an attempt may move from one status to another.
// Only pending attempts move, and only into a terminal status.
func ValidTransition(from, to Status) bool {
	return from == StatusPending && to.IsTerminal()
}

// MailerIdentity names the message builder (class + action) for an attempt.
type MailerIdentity struct {
	Class  string `json:"class"`
	Action string `json:"action"`
}

func (m MailerIdentity) String() string {
	return m.Class + "#" + m.Action
}

type Attempt struct {
	ID               string
	Status           Status
	Version          int64
	IdempotenceToken string
	Mailer           MailerIdentity
	MailerArgs       map[string]any
	ShouldPersist    bool
	PersistenceToken *string
	MessageID        *string
	NumAttempts      int
	ScheduledAt      *time.Time
	CompletedAt      *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (a Attempt) IsPending() bool { return a.Status == StatusPending }

// Clone returns a copy that shares no pointers with a.
func (a Attempt) Clone() Attempt {
	out := a
	out.PersistenceToken = cloneString(a.PersistenceToken)
	out.MessageID = cloneString(a.MessageID)
	out.ScheduledAt = cloneTime(a.ScheduledAt)
	out.CompletedAt = cloneTime(a.CompletedAt)
	if a.MailerArgs != nil {
		out.MailerArgs = make(map[string]any, len(a.MailerArgs))
		for k, v := range a.MailerArgs {
			out.MailerArgs[k] = v
		}
	}
	return out
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
