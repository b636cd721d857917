package delivery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"

	"mailtask/internal/mailer"
	"mailtask/internal/providers/mailapi"
)

type scriptedTransport struct {
	results []error
	calls   int
}

func (s *scriptedTransport) Send(context.Context, mailer.Message) (mailapi.Result, error) {
	i := s.calls
	s.calls++
	if i >= len(s.results) {
		i = len(s.results) - 1
	}
	if err := s.results[i]; err != nil {
		var se *mailapi.SendError
		if errors.As(err, &se) {
			return mailapi.Result{HTTPStatus: se.HTTPStatus}, err
		}
		return mailapi.Result{}, err
	}
	return mailapi.Result{MessageID: "msg-1", HTTPStatus: 202}, nil
}

func noSleep(context.Context, time.Duration) error { return nil }

func TestResilientSenderRetriesThrottling(t *testing.T) {
	tr := &scriptedTransport{results: []error{&mailapi.SendError{HTTPStatus: 503}, nil}}
	r := &ResilientSender{Transport: tr, MaxRetries: 2, sleep: noSleep}

	id, err := r.Send(context.Background(), mailer.Message{})
	if err != nil || id != "msg-1" {
		t.Fatalf("expected success after retry, got id=%q err=%v", id, err)
	}
	if tr.calls != 2 {
		t.Fatalf("expected 2 calls, got %d", tr.calls)
	}
}

func TestResilientSenderDoesNotRetryOtherFailures(t *testing.T) {
	tr := &scriptedTransport{results: []error{&mailapi.SendError{HTTPStatus: 500}}}
	r := &ResilientSender{Transport: tr, MaxRetries: 3, sleep: noSleep}

	if _, err := r.Send(context.Background(), mailer.Message{}); err == nil {
		t.Fatalf("expected error")
	}
	if tr.calls != 1 {
		t.Fatalf("a possibly-accepted send must not be repeated, got %d calls", tr.calls)
	}
}

func TestResilientSenderExhaustsRetries(t *testing.T) {
	tr := &scriptedTransport{results: []error{&mailapi.SendError{HTTPStatus: 429}}}
	r := &ResilientSender{Transport: tr, MaxRetries: 2, sleep: noSleep}

	_, err := r.Send(context.Background(), mailer.Message{})
	var se *mailapi.SendError
	if !errors.As(err, &se) || se.HTTPStatus != 429 {
		t.Fatalf("expected wrapped 429, got %v", err)
	}
	if tr.calls != 3 {
		t.Fatalf("expected 3 calls, got %d", tr.calls)
	}
}

func TestResilientSenderBreakerOpens(t *testing.T) {
	tr := &scriptedTransport{results: []error{&mailapi.SendError{HTTPStatus: 400}}}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "test",
		Timeout:     time.Minute,
		ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 1 },
	})
	r := &ResilientSender{Transport: tr, Breaker: cb, sleep: noSleep}

	_, _ = r.Send(context.Background(), mailer.Message{})
	_, err := r.Send(context.Background(), mailer.Message{})
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("expected open breaker, got %v", err)
	}
	if tr.calls != 1 {
		t.Fatalf("open breaker must not reach the provider, got %d calls", tr.calls)
	}
}

func TestParsePolicy(t *testing.T) {
	for _, name := range []string{"", "propagate", "Swallow"} {
		if _, err := ParsePolicy(name, nil); err != nil {
			t.Fatalf("ParsePolicy(%q): %v", name, err)
		}
	}
	if _, err := ParsePolicy("retry", nil); err == nil {
		t.Fatalf("expected error for unknown policy")
	}

	boom := errors.New("boom")
	if err := Propagate(context.Background(), testAttempt(), boom); !errors.Is(err, boom) {
		t.Fatalf("propagate must return the error")
	}
	if err := Swallow(nil)(context.Background(), testAttempt(), boom); err != nil {
		t.Fatalf("swallow must absorb the error")
	}
}
