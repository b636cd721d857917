// Package mailapi is a client for a SendGrid-compatible v3 mail send API.
package mailapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"mailtask/internal/mailer"
)

const (
	DefaultBaseURL = "https://api.sendgrid.com"
	sendPath       = "/v3/mail/send"

	// MessageIDHeader carries the provider's id for an accepted message.
	MessageIDHeader = "X-Message-Id"
)

type Client struct {
	APIKey  string
	BaseURL string
	HTTP    *http.Client
}

// SendError is a non-2xx answer from the provider.
type SendError struct {
	HTTPStatus int
	Body       string
}

func (e *SendError) Error() string {
	return fmt.Sprintf("mail api returned status %d: %s", e.HTTPStatus, e.Body)
}

type Result struct {
	MessageID  string
	HTTPStatus int
	// Local is set when the provider accepted the message without an id
	// and MessageID is the message's own Message-ID.
	Local bool
}

// Send submits msg and returns the provider message id from the
// X-Message-Id response header. A 2xx answer is always a success: without
// the header the message's Message-ID stands in for the provider id.
func (c *Client) Send(ctx context.Context, msg mailer.Message) (Result, error) {
	body, err := json.Marshal(newPayload(msg))
	if err != nil {
		return Result{}, fmt.Errorf("marshal mail payload: %w", err)
	}

	baseURL := strings.TrimRight(c.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+sendPath, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("create mail request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	req.Header.Set("Content-Type", "application/json")

	httpClient := c.HTTP
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("mail api request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Result{HTTPStatus: resp.StatusCode}, &SendError{HTTPStatus: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)

	if id := resp.Header.Get(MessageIDHeader); id != "" {
		return Result{MessageID: id, HTTPStatus: resp.StatusCode}, nil
	}
	local := msg.MessageID
	if local == "" {
		local = mailer.NewMessageID(msg.From)
	}
	return Result{MessageID: local, HTTPStatus: resp.StatusCode, Local: true}, nil
}

// ShouldRetry reports whether a send may be retried in place. Only explicit
// throttling or unavailability answers qualify: any other failure may have
// reached the provider, and resending could duplicate the mail.
func ShouldRetry(err error) bool {
	var se *SendError
	if errors.As(err, &se) {
		return se.HTTPStatus == http.StatusTooManyRequests || se.HTTPStatus == http.StatusServiceUnavailable
	}
	return false
}

func Backoff(attempt int) time.Duration {
	base := []time.Duration{200 * time.Millisecond, 600 * time.Millisecond, 1400 * time.Millisecond}
	if attempt <= 0 {
		return base[0]
	}
	if attempt >= len(base) {
		return base[len(base)-1]
	}
	return base[attempt]
}

type payload struct {
	Personalizations []personalization `json:"personalizations"`
	From             address           `json:"from"`
	Subject          string            `json:"subject"`
	Content          []content         `json:"content"`
	Headers          map[string]string `json:"headers,omitempty"`
	CustomArgs       map[string]string `json:"custom_args,omitempty"`
}

type personalization struct {
	To []address `json:"to"`
	Cc []address `json:"cc,omitempty"`
}

type address struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type content struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

func newPayload(msg mailer.Message) payload {
	p := payload{
		Personalizations: []personalization{{To: addresses(msg.To), Cc: addresses(msg.Cc)}},
		From:             address{Email: msg.From},
		Subject:          msg.Subject,
		Headers:          msg.Headers,
	}
	if msg.MessageID != "" {
		p.CustomArgs = map[string]string{"message_id": msg.MessageID}
	}
	if msg.Text != "" {
		p.Content = append(p.Content, content{Type: "text/plain", Value: msg.Text})
	}
	if msg.HTML != "" {
		p.Content = append(p.Content, content{Type: "text/html", Value: msg.HTML})
	}
	return p
}

func addresses(in []string) []address {
	if len(in) == 0 {
		return nil
	}
	out := make([]address, 0, len(in))
	for _, e := range in {
		out = append(out, address{Email: e})
	}
	return out
}
