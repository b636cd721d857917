package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"mailtask/internal/domain"
)

// ErrorPolicy decides what happens to a persistence or delivery failure
// inside the critical section. Returning nil absorbs the failure.
type ErrorPolicy func(ctx context.Context, a domain.Attempt, err error) error

// Propagate returns the failure to the caller unchanged.
func Propagate(_ context.Context, _ domain.Attempt, err error) error { return err }

// Swallow logs the failure and absorbs it. For delivery failures this leaves
// the attempt pending and unmarked until the next scan picks it up.
func Swallow(logger *slog.Logger) ErrorPolicy {
	if logger == nil {
		logger = slog.Default()
	}
	return func(_ context.Context, a domain.Attempt, err error) error {
		logger.Warn("attempt failure swallowed by policy",
			"attempt_id", a.ID,
			"mailer", a.Mailer.String(),
			"num_attempts", a.NumAttempts,
			"err", err,
		)
		return nil
	}
}

// ParsePolicy maps a config value ("propagate" or "swallow") to a policy.
func ParsePolicy(name string, logger *slog.Logger) (ErrorPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "propagate":
		return Propagate, nil
	case "swallow":
		return Swallow(logger), nil
	}
	return nil, fmt.Errorf("unknown error policy %q", name)
}
