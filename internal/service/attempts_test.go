package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"mailtask/internal/attempt"
	"mailtask/internal/domain"
	"mailtask/internal/store"
	"mailtask/internal/store/memory"
	"mailtask/internal/util"
)

type recordingQueue struct {
	ids []string
	err error
}

func (q *recordingQueue) EnqueueDelivery(_ context.Context, id string) error {
	q.ids = append(q.ids, id)
	return q.err
}

func newService(q Queue) (*AttemptService, *memory.Store) {
	now := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	clock := util.FixedClock{T: now}
	s := memory.New(clock)
	n := 0
	return &AttemptService{
		Store:   s,
		Machine: attempt.NewMachine(s, attempt.WithClock(clock)),
		Queue:   q,
		Clock:   clock,
		NewID: func() string {
			n++
			return fmt.Sprintf("att_%d", n)
		},
	}, s
}

func welcomeRequest() domain.CreateAttemptRequest {
	return domain.CreateAttemptRequest{
		IdempotenceToken: "signup-42",
		MailerClass:      "UserMailer",
		MailerAction:     "welcome",
		MailerArgs:       map[string]any{"to": "ada@example.com"},
	}
}

func TestCreateIsIdempotent(t *testing.T) {
	q := &recordingQueue{}
	svc, _ := newService(q)

	first, err := svc.Create(context.Background(), welcomeRequest())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !first.Created || first.Status != string(domain.StatusPending) {
		t.Fatalf("unexpected first response %+v", first)
	}

	again, err := svc.Create(context.Background(), welcomeRequest())
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if again.Created || again.AttemptID != first.AttemptID {
		t.Fatalf("replay must return the existing attempt, got %+v", again)
	}
	if len(q.ids) != 1 {
		t.Fatalf("expected a single dispatch, got %v", q.ids)
	}
}

func TestCreateValidates(t *testing.T) {
	svc, _ := newService(nil)
	req := welcomeRequest()
	req.MailerAction = ""
	if _, err := svc.Create(context.Background(), req); !errors.Is(err, domain.ErrMissingFields) {
		t.Fatalf("expected ErrMissingFields, got %v", err)
	}
}

func TestCreateScheduledIsNotDispatched(t *testing.T) {
	q := &recordingQueue{}
	svc, _ := newService(q)
	req := welcomeRequest()
	later := time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)
	req.ScheduledAt = &later

	if _, err := svc.Create(context.Background(), req); err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(q.ids) != 0 {
		t.Fatalf("scheduled attempts wait for the scanner, got %v", q.ids)
	}
}

func TestCreateSurvivesDispatchFailure(t *testing.T) {
	svc, s := newService(&recordingQueue{err: errors.New("sqs down")})

	resp, err := svc.Create(context.Background(), welcomeRequest())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.Get(context.Background(), resp.AttemptID); err != nil {
		t.Fatalf("attempt must be stored even if dispatch fails: %v", err)
	}
}

func TestExpireAndFail(t *testing.T) {
	svc, _ := newService(nil)
	a, _ := svc.Create(context.Background(), welcomeRequest())

	got, err := svc.Expire(context.Background(), a.AttemptID)
	if err != nil || got.Status != domain.StatusExpired {
		t.Fatalf("expire: %+v err=%v", got, err)
	}
	if _, err := svc.Fail(context.Background(), a.AttemptID); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestListScopes(t *testing.T) {
	svc, s := newService(nil)
	tok := "0123456789abcdef0123456789abcdef"
	s.Seed(domain.Attempt{ID: "att_a", Status: domain.StatusPending})
	s.Seed(domain.Attempt{ID: "att_b", Status: domain.StatusDelivered, PersistenceToken: &tok})

	pending, err := svc.List(context.Background(), store.ListQuery{Status: domain.StatusPending})
	if err != nil || len(pending) != 1 || pending[0].ID != "att_a" {
		t.Fatalf("pending scope: %+v err=%v", pending, err)
	}
	persisted, err := svc.List(context.Background(), store.ListQuery{PersistedOnly: true})
	if err != nil || len(persisted) != 1 || persisted[0].ID != "att_b" {
		t.Fatalf("persisted scope: %+v err=%v", persisted, err)
	}
	if _, err := svc.List(context.Background(), store.ListQuery{Status: "queued"}); !errors.Is(err, domain.ErrInvalidStatus) {
		t.Fatalf("expected ErrInvalidStatus, got %v", err)
	}
}
