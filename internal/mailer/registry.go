package mailer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"mailtask/internal/domain"
	"mailtask/internal/util"
)

var ErrUnknownMailer = errors.New("unknown mailer")

// BuildFunc turns mailer arguments into a message.
type BuildFunc func(ctx context.Context, args map[string]any) (Message, error)

// Registry maps mailer identities to builders. Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	builders map[domain.MailerIdentity]BuildFunc
}

func NewRegistry() *Registry {
	return &Registry{builders: make(map[domain.MailerIdentity]BuildFunc)}
}

func (r *Registry) Register(id domain.MailerIdentity, fn BuildFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builders[id] = fn
}

func (r *Registry) Build(ctx context.Context, id domain.MailerIdentity, args map[string]any) (Message, error) {
	r.mu.RLock()
	fn, ok := r.builders[id]
	r.mu.RUnlock()
	if !ok {
		return Message{}, fmt.Errorf("%w: %s", ErrUnknownMailer, id)
	}

	msg, err := fn(ctx, args)
	if err != nil {
		return Message{}, fmt.Errorf("build %s: %w", id, err)
	}
	if err := msg.Validate(); err != nil {
		return Message{}, fmt.Errorf("build %s: %w", id, err)
	}
	return msg.WithMessageID(), nil
}

type Template struct {
	Subject string
	Text    string
	HTML    string
}

// TemplateBuilder renders tpl with {var} substitution from args. Recipients
// come from args["to"] (a string or a list) and optionally args["cc"].
func TemplateBuilder(from string, tpl Template) BuildFunc {
	return func(_ context.Context, args map[string]any) (Message, error) {
		to := addressList(args["to"])
		if len(to) == 0 {
			return Message{}, ErrNoRecipients
		}
		return Message{
			From:    from,
			To:      to,
			Cc:      addressList(args["cc"]),
			Subject: util.RenderTemplate(tpl.Subject, args),
			Text:    util.RenderTemplate(tpl.Text, args),
			HTML:    util.RenderTemplate(tpl.HTML, args),
		}, nil
	}
}

func addressList(v any) []string {
	switch t := v.(type) {
	case string:
		if t == "" {
			return nil
		}
		return []string{t}
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s := util.Stringify(e); s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
