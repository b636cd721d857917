package delivery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"mailtask/internal/attempt"
	"mailtask/internal/domain"
	"mailtask/internal/mailer"
	"mailtask/internal/store"
	"mailtask/internal/store/memory"
	"mailtask/internal/util"
)

var dummyMailer = domain.MailerIdentity{Class: "DummyMailer", Action: "action_name"}

var testNow = time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

type fakeBuilder struct {
	err error
}

func (f fakeBuilder) Build(_ context.Context, id domain.MailerIdentity, args map[string]any) (mailer.Message, error) {
	if f.err != nil {
		return mailer.Message{}, f.err
	}
	return mailer.Message{
		From:    "noreply@example.com",
		To:      []string{"user@example.com"},
		Subject: id.String(),
		Text:    "hello",
	}, nil
}

// fakeSender returns id for every call, or err. When gate is set each call
// signals entered and then waits for gate to close.
type fakeSender struct {
	id  string
	err error

	entered chan struct{}
	gate    chan struct{}

	mu    sync.Mutex
	calls int
}

func (f *fakeSender) Send(ctx context.Context, _ mailer.Message) (string, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.gate != nil {
		f.entered <- struct{}{}
		<-f.gate
	}
	if f.err != nil {
		return "", f.err
	}
	return f.id, nil
}

func (f *fakeSender) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeArchiver struct {
	token string
	err   error
	calls int
}

func (f *fakeArchiver) Persist(context.Context, mailer.Message) (string, error) {
	f.calls++
	return f.token, f.err
}

type fixture struct {
	store   *memory.Store
	machine *attempt.Machine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := util.FixedClock{T: testNow}
	s := memory.New(clock)
	return &fixture{store: s, machine: attempt.NewMachine(s, attempt.WithClock(clock))}
}

func (f *fixture) create(t *testing.T, id string, shouldPersist bool, scheduledAt *time.Time) {
	t.Helper()
	_, err := f.store.Insert(context.Background(), store.AttemptInsert{
		ID:               id,
		IdempotenceToken: "tok-" + id,
		Mailer:           dummyMailer,
		MailerArgs:       map[string]any{"to": "user@example.com"},
		ShouldPersist:    shouldPersist,
		ScheduledAt:      scheduledAt,
		Now:              testNow,
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
}

func (f *fixture) get(t *testing.T, id string) domain.Attempt {
	t.Helper()
	a, err := f.store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	return a
}

var errTransport = errors.New("smtp 421 service not available")

func testAttempt() domain.Attempt {
	return domain.Attempt{ID: "att_1", Status: domain.StatusPending, Mailer: dummyMailer}
}
