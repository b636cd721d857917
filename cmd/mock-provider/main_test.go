package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"mailtask/internal/mailer"
	"mailtask/internal/providers/mailapi"
)

func testMessage() mailer.Message {
	return mailer.Message{
		From:    "noreply@example.com",
		To:      []string{"ada@example.com"},
		Subject: "hello",
		Text:    "hi",
	}
}

func startMock(t *testing.T, outcomes ...string) (*httptest.Server, *server) {
	t.Helper()
	s := newServer(config{APIKey: "k", OutcomeMode: "round_robin", Outcomes: outcomes})
	ts := httptest.NewServer(s.routes())
	t.Cleanup(ts.Close)
	return ts, s
}

func TestMockAcceptsWithMessageID(t *testing.T) {
	ts, s := startMock(t, "ok")
	c := &mailapi.Client{APIKey: "k", BaseURL: ts.URL, HTTP: ts.Client()}

	res, err := c.Send(context.Background(), testMessage())
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if res.MessageID == "" || res.HTTPStatus != http.StatusAccepted {
		t.Fatalf("unexpected result %+v", res)
	}
	if got := s.sent.Load(); got != 1 {
		t.Fatalf("sent = %d, want 1", got)
	}
}

func TestMockRejectsBadKey(t *testing.T) {
	ts, _ := startMock(t, "ok")
	c := &mailapi.Client{APIKey: "wrong", BaseURL: ts.URL, HTTP: ts.Client()}

	_, err := c.Send(context.Background(), testMessage())
	var se *mailapi.SendError
	if !errors.As(err, &se) || se.HTTPStatus != http.StatusUnauthorized {
		t.Fatalf("expected 401 send error, got %v", err)
	}
}

func TestMockRoundRobinOutcomes(t *testing.T) {
	ts, _ := startMock(t, "rate_limit", "missing_id", "ok")
	c := &mailapi.Client{APIKey: "k", BaseURL: ts.URL, HTTP: ts.Client()}
	ctx := context.Background()

	_, err := c.Send(ctx, testMessage())
	if !mailapi.ShouldRetry(err) {
		t.Fatalf("429 should be retryable, got %v", err)
	}
	msg := testMessage()
	msg.MessageID = "<m-1@example.com>"
	res, err := c.Send(ctx, msg)
	if err != nil || !res.Local || res.MessageID != "<m-1@example.com>" {
		t.Fatalf("accepted response without id: %+v err=%v", res, err)
	}
	if _, err := c.Send(ctx, testMessage()); err != nil {
		t.Fatalf("third send: %v", err)
	}
}

func TestMockValidatesPayload(t *testing.T) {
	ts, _ := startMock(t, "ok")
	c := &mailapi.Client{APIKey: "k", BaseURL: ts.URL, HTTP: ts.Client()}

	msg := testMessage()
	msg.Subject = ""
	_, err := c.Send(context.Background(), msg)
	var se *mailapi.SendError
	if !errors.As(err, &se) || se.HTTPStatus != http.StatusBadRequest {
		t.Fatalf("expected 400 send error, got %v", err)
	}
}

func TestClassifyOutcome(t *testing.T) {
	cases := []struct {
		in   string
		want int
	}{
		{"", http.StatusAccepted},
		{"ok", http.StatusAccepted},
		{"429", http.StatusTooManyRequests},
		{"unavailable", http.StatusServiceUnavailable},
		{"server_error:502", http.StatusBadGateway},
		{"bogus", http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got, _ := classifyOutcome(tc.in); got != tc.want {
			t.Errorf("classifyOutcome(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestPickWeighted(t *testing.T) {
	items := parseWeightedOutcomes("rate_limit=1, server_error=3, junk, bad=-1")
	if len(items) != 2 {
		t.Fatalf("parsed %d items, want 2", len(items))
	}
	if got := pickWeighted(0.1, items); got != "rate_limit" {
		t.Fatalf("pickWeighted(0.1) = %q", got)
	}
	if got := pickWeighted(0.9, items); got != "server_error" {
		t.Fatalf("pickWeighted(0.9) = %q", got)
	}
}
