// Package mailer builds outbound messages from an attempt's mailer identity
// and arguments.
package mailer

import (
	"bytes"
	"errors"
	"fmt"
	"mime"
	"mime/multipart"
	"net/mail"
	"net/textproto"
	"strings"

	"github.com/google/uuid"
)

var ErrNoRecipients = errors.New("message has no recipients")

type Message struct {
	From    string
	To      []string
	Cc      []string
	Subject string
	Text    string
	HTML    string
	// MessageID is the RFC 5322 Message-ID, angle brackets included. It is
	// stamped before sending and recorded when the provider returns no id.
	MessageID string
	// Headers are extra headers rendered after the standard ones.
	Headers map[string]string
}

func (m Message) Recipients() []string {
	out := make([]string, 0, len(m.To)+len(m.Cc))
	out = append(out, m.To...)
	return append(out, m.Cc...)
}

// WithMessageID returns m with a Message-ID set, keeping an existing one.
func (m Message) WithMessageID() Message {
	if m.MessageID == "" {
		m.MessageID = NewMessageID(m.From)
	}
	return m
}

// NewMessageID returns "<uuid@domain>" using the domain of from.
func NewMessageID(from string) string {
	host := "mailtask.local"
	if addr, err := mail.ParseAddress(from); err == nil {
		if i := strings.LastIndex(addr.Address, "@"); i >= 0 && i < len(addr.Address)-1 {
			host = addr.Address[i+1:]
		}
	}
	return "<" + uuid.NewString() + "@" + host + ">"
}

func (m Message) Validate() error {
	if len(m.To) == 0 {
		return ErrNoRecipients
	}
	for _, addr := range append([]string{m.From}, m.Recipients()...) {
		if _, err := mail.ParseAddress(addr); err != nil {
			return fmt.Errorf("invalid address %q: %w", addr, err)
		}
	}
	return nil
}

// Render produces the RFC 5322 form of the message used for archival.
func (m Message) Render() ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	writeHeader(&buf, "From", m.From)
	writeHeader(&buf, "To", strings.Join(m.To, ", "))
	if len(m.Cc) > 0 {
		writeHeader(&buf, "Cc", strings.Join(m.Cc, ", "))
	}
	writeHeader(&buf, "Subject", mime.QEncoding.Encode("utf-8", m.Subject))
	if m.MessageID != "" {
		writeHeader(&buf, "Message-ID", m.MessageID)
	}
	for k, v := range m.Headers {
		writeHeader(&buf, textproto.CanonicalMIMEHeaderKey(k), v)
	}
	writeHeader(&buf, "MIME-Version", "1.0")

	if m.HTML == "" {
		writeHeader(&buf, "Content-Type", `text/plain; charset="utf-8"`)
		buf.WriteString("\r\n")
		buf.WriteString(m.Text)
		return buf.Bytes(), nil
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for _, part := range []struct{ ctype, content string }{
		{"text/plain", m.Text},
		{"text/html", m.HTML},
	} {
		if part.content == "" {
			continue
		}
		w, err := mw.CreatePart(textproto.MIMEHeader{"Content-Type": {part.ctype + `; charset="utf-8"`}})
		if err != nil {
			return nil, err
		}
		if _, err := w.Write([]byte(part.content)); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	writeHeader(&buf, "Content-Type", `multipart/alternative; boundary="`+mw.Boundary()+`"`)
	buf.WriteString("\r\n")
	buf.Write(body.Bytes())
	return buf.Bytes(), nil
}

func writeHeader(buf *bytes.Buffer, key, value string) {
	buf.WriteString(key)
	buf.WriteString(": ")
	buf.WriteString(value)
	buf.WriteString("\r\n")
}
