package domain

import "time"

type CreateAttemptRequest struct {
	IdempotenceToken string         `json:"idempotenceToken"`
	MailerClass      string         `json:"mailerClass"`
	MailerAction     string         `json:"mailerAction"`
	MailerArgs       map[string]any `json:"mailerArgs,omitempty"`
	ShouldPersist    bool           `json:"shouldPersist"`
	ScheduledAt      *time.Time     `json:"scheduledAt,omitempty"`
}

func (r CreateAttemptRequest) Validate() error {
	if r.IdempotenceToken == "" || r.MailerClass == "" || r.MailerAction == "" {
		return ErrMissingFields
	}
	return nil
}

func (r CreateAttemptRequest) Mailer() MailerIdentity {
	return MailerIdentity{Class: r.MailerClass, Action: r.MailerAction}
}

type CreateResponse struct {
	AttemptID string `json:"attemptId"`
	Status    string `json:"status"`
	Created   bool   `json:"created"`
}

// AttemptView is the JSON shape of an attempt returned by the API.
type AttemptView struct {
	ID               string         `json:"id"`
	Status           Status         `json:"status"`
	Version          int64          `json:"version"`
	IdempotenceToken string         `json:"idempotenceToken"`
	MailerClass      string         `json:"mailerClass"`
	MailerAction     string         `json:"mailerAction"`
	MailerArgs       map[string]any `json:"mailerArgs,omitempty"`
	ShouldPersist    bool           `json:"shouldPersist"`
	PersistenceToken *string        `json:"persistenceToken,omitempty"`
	MessageID        *string        `json:"messageId,omitempty"`
	NumAttempts      int            `json:"numAttempts"`
	ScheduledAt      *time.Time     `json:"scheduledAt,omitempty"`
	CompletedAt      *time.Time     `json:"completedAt,omitempty"`
	CreatedAt        time.Time      `json:"createdAt"`
	UpdatedAt        time.Time      `json:"updatedAt"`
}

func NewAttemptView(a Attempt) AttemptView {
	return AttemptView{
		ID:               a.ID,
		Status:           a.Status,
		Version:          a.Version,
		IdempotenceToken: a.IdempotenceToken,
		MailerClass:      a.Mailer.Class,
		MailerAction:     a.Mailer.Action,
		MailerArgs:       a.MailerArgs,
		ShouldPersist:    a.ShouldPersist,
		PersistenceToken: a.PersistenceToken,
		MessageID:        a.MessageID,
		NumAttempts:      a.NumAttempts,
		ScheduledAt:      a.ScheduledAt,
		CompletedAt:      a.CompletedAt,
		CreatedAt:        a.CreatedAt,
		UpdatedAt:        a.UpdatedAt,
	}
}
