package domain

import (
	"testing"
	"time"
)

func TestValidTransition(t *testing.T) {
	all := []Status{StatusPending, StatusDelivered, StatusExpired, StatusFailed}
	for _, from := range all {
		for _, to := range all {
			want := from == StatusPending && to != StatusPending
			if got := ValidTransition(from, to); got != want {
				t.Fatalf("ValidTransition(%s, %s): want %v, got %v", from, to, want, got)
			}
		}
	}
}

func TestStatusValid(t *testing.T) {
	if Status("queued").Valid() {
		t.Fatalf("expected unknown status to be invalid")
	}
	if !StatusExpired.Valid() || !StatusExpired.IsTerminal() {
		t.Fatalf("expected expired to be a valid terminal status")
	}
	if StatusPending.IsTerminal() {
		t.Fatalf("pending must not be terminal")
	}
}

func TestCloneDoesNotShare(t *testing.T) {
	id := "m1"
	now := time.Now()
	a := Attempt{MessageID: &id, ScheduledAt: &now, MailerArgs: map[string]any{"to": "a@example.com"}}
	b := a.Clone()

	*b.MessageID = "m2"
	b.MailerArgs["to"] = "b@example.com"
	*b.ScheduledAt = now.Add(time.Hour)

	if *a.MessageID != "m1" || a.MailerArgs["to"] != "a@example.com" || !a.ScheduledAt.Equal(now) {
		t.Fatalf("clone shares state with original: %+v", a)
	}
}

func TestCreateAttemptRequestValidate(t *testing.T) {
	req := CreateAttemptRequest{IdempotenceToken: "tok", MailerClass: "UserMailer"}
	if err := req.Validate(); err != ErrMissingFields {
		t.Fatalf("expected ErrMissingFields, got %v", err)
	}
	req.MailerAction = "welcome"
	if err := req.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := req.Mailer().String(); got != "UserMailer#welcome" {
		t.Fatalf("unexpected mailer identity %q", got)
	}
}
