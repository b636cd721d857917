package attempt

import (
	"context"
	"errors"

	"mailtask/internal/domain"
	"mailtask/internal/observability"
)

// Claim increments the attempt counter under optimistic concurrency control.
// A lost race re-reads and tries again for as long as the attempt stays
// pending; it never falls back to an unconditional write.
func (m *Machine) Claim(ctx context.Context, id string) (domain.Attempt, error) {
	for {
		cur, err := m.store.Get(ctx, id)
		if err != nil {
			return domain.Attempt{}, err
		}
		if !cur.IsPending() {
			observability.Claims.WithLabelValues("invalid_state").Inc()
			return domain.Attempt{}, invalidState(cur)
		}

		next := cur.Clone()
		next.NumAttempts++
		err = m.store.SaveIfVersion(ctx, next)
		if err == nil {
			observability.Claims.WithLabelValues("ok").Inc()
			next.Version++
			return next, nil
		}
		if !errors.Is(err, domain.ErrVersionConflict) {
			return domain.Attempt{}, err
		}

		observability.Claims.WithLabelValues("conflict").Inc()
		m.logger.Debug("attempt claim lost race, retrying", "attempt_id", id, "version", cur.Version)
		if err := ctx.Err(); err != nil {
			return domain.Attempt{}, err
		}
	}
}
