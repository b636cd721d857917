// Package memory is an in-process attempt store with the same locking and
// uniqueness contract as the Postgres store. Row locks are per-attempt
// semaphores; conditional writes wait for a held row lock the way a
// Postgres UPDATE waits for SELECT ... FOR UPDATE.
package memory

import (
	"context"
	"sort"
	"sync"

	"mailtask/internal/domain"
	"mailtask/internal/store"
	"mailtask/internal/util"
)

type Store struct {
	clock util.Clock

	mu    sync.Mutex
	rows  map[string]domain.Attempt
	locks map[string]*rowLock
}

// rowLock is a one-slot semaphore. The entry is dropped from Store.locks
// once no holder or waiter references it.
type rowLock struct {
	ch   chan struct{}
	refs int
}

func New(clock util.Clock) *Store {
	if clock == nil {
		clock = util.SystemClock{}
	}
	return &Store{
		clock: clock,
		rows:  make(map[string]domain.Attempt),
		locks: make(map[string]*rowLock),
	}
}

func (s *Store) Insert(_ context.Context, in store.AttemptInsert) (domain.Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rows[in.ID]; ok {
		return domain.Attempt{}, domain.ErrDuplicateAttempt
	}
	for _, r := range s.rows {
		if r.IdempotenceToken == in.IdempotenceToken && r.Mailer == in.Mailer {
			return domain.Attempt{}, domain.ErrDuplicateAttempt
		}
	}

	a := domain.Attempt{
		ID:               in.ID,
		Status:           domain.StatusPending,
		IdempotenceToken: in.IdempotenceToken,
		Mailer:           in.Mailer,
		MailerArgs:       in.MailerArgs,
		ShouldPersist:    in.ShouldPersist,
		ScheduledAt:      in.ScheduledAt,
		CreatedAt:        in.Now,
		UpdatedAt:        in.Now,
	}
	s.rows[a.ID] = a.Clone()
	return a, nil
}

// Seed stores a as-is, bypassing lifecycle rules. Intended for fixtures.
func (s *Store) Seed(a domain.Attempt) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.clock.Now()
		a.UpdatedAt = a.CreatedAt
	}
	s.rows[a.ID] = a.Clone()
}

func (s *Store) Get(_ context.Context, id string) (domain.Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.rows[id]
	if !ok {
		return domain.Attempt{}, domain.ErrNotFound
	}
	return a.Clone(), nil
}

func (s *Store) FindByIdempotency(_ context.Context, token string, mailer domain.MailerIdentity) (domain.Attempt, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.rows {
		if r.IdempotenceToken == token && r.Mailer == mailer {
			return r.Clone(), true, nil
		}
	}
	return domain.Attempt{}, false, nil
}

func (s *Store) SaveIfVersion(ctx context.Context, a domain.Attempt) error {
	release, err := s.lockRow(ctx, a.ID)
	if err != nil {
		return err
	}
	defer release()

	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.rows[a.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if cur.Version != a.Version {
		return domain.ErrVersionConflict
	}
	return s.writeLocked(a, 1)
}

func (s *Store) WithLock(ctx context.Context, id string, fn store.LockFunc) error {
	release, err := s.lockRow(ctx, id)
	if err != nil {
		return err
	}
	defer release()

	cur, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	tx := &lockedTx{store: s, original: cur, current: cur}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if tx.saves == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(tx.pending, tx.saves)
}

func (s *Store) ListDueIDs(_ context.Context, q store.DueQuery) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0)
	for id, r := range s.rows {
		if r.Status != domain.StatusPending || id <= q.AfterID {
			continue
		}
		if r.ScheduledAt != nil && !r.ScheduledAt.Before(q.Now) {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if q.Limit > 0 && len(ids) > q.Limit {
		ids = ids[:q.Limit]
	}
	return ids, nil
}

func (s *Store) List(_ context.Context, q store.ListQuery) ([]domain.Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.Attempt, 0)
	for id, r := range s.rows {
		if id <= q.AfterID {
			continue
		}
		if q.Status != "" && r.Status != q.Status {
			continue
		}
		if q.PersistedOnly && r.PersistenceToken == nil {
			continue
		}
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit := q.PageSize(); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// writeLocked persists a, advancing its version by bump. s.mu must be held.
func (s *Store) writeLocked(a domain.Attempt, bump int64) error {
	if a.MessageID != nil {
		for id, r := range s.rows {
			if id != a.ID && r.MessageID != nil && *r.MessageID == *a.MessageID {
				return domain.ErrDuplicateMessageID
			}
		}
	}
	a.Version = s.rows[a.ID].Version + bump
	a.UpdatedAt = s.clock.Now()
	s.rows[a.ID] = a.Clone()
	return nil
}

func (s *Store) lockRow(ctx context.Context, id string) (func(), error) {
	s.mu.Lock()
	rl, ok := s.locks[id]
	if !ok {
		rl = &rowLock{ch: make(chan struct{}, 1)}
		s.locks[id] = rl
	}
	rl.refs++
	s.mu.Unlock()

	select {
	case rl.ch <- struct{}{}:
		return func() {
			s.mu.Lock()
			<-rl.ch
			s.unref(id, rl)
			s.mu.Unlock()
		}, nil
	case <-ctx.Done():
		s.mu.Lock()
		s.unref(id, rl)
		s.mu.Unlock()
		return nil, ctx.Err()
	}
}

// unref drops one reference to rl. s.mu must be held.
func (s *Store) unref(id string, rl *rowLock) {
	rl.refs--
	if rl.refs == 0 {
		delete(s.locks, id)
	}
}

type lockedTx struct {
	store    *Store
	original domain.Attempt
	current  domain.Attempt
	pending  domain.Attempt
	saves    int64
}

func (t *lockedTx) Attempt() domain.Attempt { return t.current.Clone() }

func (t *lockedTx) Save(_ context.Context, a domain.Attempt) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	if a.MessageID != nil {
		for id, r := range t.store.rows {
			if id != a.ID && r.MessageID != nil && *r.MessageID == *a.MessageID {
				return domain.ErrDuplicateMessageID
			}
		}
	}
	t.saves++
	t.pending = a.Clone()
	t.current = a.Clone()
	t.current.Version = t.original.Version + t.saves
	return nil
}
