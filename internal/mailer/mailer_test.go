package mailer

import (
	"context"
	"errors"
	"strings"
	"testing"

	"mailtask/internal/domain"
)

var welcome = domain.MailerIdentity{Class: "UserMailer", Action: "welcome"}

func TestRegistryBuildsFromTemplate(t *testing.T) {
	r := NewRegistry()
	r.Register(welcome, TemplateBuilder("noreply@example.com", Template{
		Subject: "Welcome {name}",
		Text:    "Hi {name}, your code is {code}.",
	}))

	msg, err := r.Build(context.Background(), welcome, map[string]any{
		"to":   []any{"a@example.com", "b@example.com"},
		"name": "Ada",
		"code": 42,
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if msg.Subject != "Welcome Ada" || msg.Text != "Hi Ada, your code is 42." {
		t.Fatalf("unexpected rendering %+v", msg)
	}
	if len(msg.To) != 2 || msg.To[1] != "b@example.com" {
		t.Fatalf("unexpected recipients %v", msg.To)
	}
}

func TestRegistryUnknownMailer(t *testing.T) {
	_, err := NewRegistry().Build(context.Background(), welcome, nil)
	if !errors.Is(err, ErrUnknownMailer) {
		t.Fatalf("expected ErrUnknownMailer, got %v", err)
	}
}

func TestTemplateBuilderRequiresRecipient(t *testing.T) {
	r := NewRegistry()
	r.Register(welcome, TemplateBuilder("noreply@example.com", Template{Subject: "hi"}))

	_, err := r.Build(context.Background(), welcome, map[string]any{"name": "Ada"})
	if !errors.Is(err, ErrNoRecipients) {
		t.Fatalf("expected ErrNoRecipients, got %v", err)
	}
}

func TestRegistryRejectsInvalidAddress(t *testing.T) {
	r := NewRegistry()
	r.Register(welcome, TemplateBuilder("noreply@example.com", Template{Subject: "hi"}))

	if _, err := r.Build(context.Background(), welcome, map[string]any{"to": "not an address"}); err == nil {
		t.Fatalf("expected invalid address error")
	}
}

func TestRenderPlainText(t *testing.T) {
	raw, err := Message{
		From:    "noreply@example.com",
		To:      []string{"a@example.com"},
		Subject: "Hello",
		Text:    "body",
	}.Render()
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	s := string(raw)
	for _, want := range []string{"From: noreply@example.com\r\n", "To: a@example.com\r\n", "Subject: Hello\r\n", "text/plain", "\r\n\r\nbody"} {
		if !strings.Contains(s, want) {
			t.Fatalf("rendered message missing %q:\n%s", want, s)
		}
	}
}

func TestRenderMultipart(t *testing.T) {
	raw, err := Message{
		From:    "noreply@example.com",
		To:      []string{"a@example.com"},
		Subject: "Hello",
		Text:    "plain body",
		HTML:    "<p>html body</p>",
	}.Render()
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	s := string(raw)
	if !strings.Contains(s, "multipart/alternative") || !strings.Contains(s, "plain body") || !strings.Contains(s, "<p>html body</p>") {
		t.Fatalf("unexpected multipart rendering:\n%s", s)
	}
}

func TestBuildStampsMessageID(t *testing.T) {
	r := NewRegistry()
	r.Register(welcome, TemplateBuilder("Mail Bot <noreply@example.com>", Template{Subject: "hi", Text: "x"}))

	msg, err := r.Build(context.Background(), welcome, map[string]any{"to": "a@example.com"})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if !strings.HasPrefix(msg.MessageID, "<") || !strings.HasSuffix(msg.MessageID, "@example.com>") {
		t.Fatalf("unexpected message id %q", msg.MessageID)
	}

	again := msg.WithMessageID()
	if again.MessageID != msg.MessageID {
		t.Fatalf("existing message id replaced: %q -> %q", msg.MessageID, again.MessageID)
	}

	raw, err := msg.Render()
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if !strings.Contains(string(raw), "Message-ID: "+msg.MessageID+"\r\n") {
		t.Fatalf("rendered message missing Message-ID:\n%s", raw)
	}
}

func TestNewMessageIDUnparsableFrom(t *testing.T) {
	id := NewMessageID("")
	if !strings.HasSuffix(id, "@mailtask.local>") {
		t.Fatalf("unexpected fallback id %q", id)
	}
	if NewMessageID("") == id {
		t.Fatalf("message ids must be unique")
	}
}
