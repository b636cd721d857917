package pg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"mailtask/internal/domain"
	"mailtask/internal/store"
	"mailtask/internal/util"
)

const (
	uniqueViolation = "23505"

	idempotenceIndex = "mail_delivery_attempts_idempotence_uniq"
	messageIDIndex   = "mail_delivery_attempts_message_id_uniq"
)

const attemptColumns = `id, status, lock_version, idempotence_token, mailer_class, mailer_action,
	mailer_args, should_persist, persistence_token, message_id, num_attempts,
	scheduled_at, completed_at, created_at, updated_at`

type Store struct {
	DB    *pgxpool.Pool
	Clock util.Clock
}

func New(db *pgxpool.Pool) *Store { return &Store{DB: db, Clock: util.SystemClock{}} }

// rowQuerier is satisfied by both the pool and a transaction.
type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *Store) Insert(ctx context.Context, in store.AttemptInsert) (domain.Attempt, error) {
	args := in.MailerArgs
	if args == nil {
		args = map[string]any{}
	}
	b, err := json.Marshal(args)
	if err != nil {
		return domain.Attempt{}, fmt.Errorf("encode mailer args: %w", err)
	}

	row := s.DB.QueryRow(ctx, `
		INSERT INTO mail_delivery_attempts
		  (id, status, idempotence_token, mailer_class, mailer_action, mailer_args, should_persist, scheduled_at, created_at, updated_at)
		VALUES ($1, 'pending', $2, $3, $4, $5, $6, $7, $8, $8)
		RETURNING `+attemptColumns,
		in.ID, in.IdempotenceToken, in.Mailer.Class, in.Mailer.Action, b, in.ShouldPersist, in.ScheduledAt, in.Now)
	a, err := scanAttempt(row)
	if err != nil {
		return domain.Attempt{}, mapWriteError(err)
	}
	return a, nil
}

func (s *Store) Get(ctx context.Context, id string) (domain.Attempt, error) {
	return getAttempt(ctx, s.DB, `SELECT `+attemptColumns+` FROM mail_delivery_attempts WHERE id=$1`, id)
}

func (s *Store) FindByIdempotency(ctx context.Context, token string, mailer domain.MailerIdentity) (domain.Attempt, bool, error) {
	a, err := getAttempt(ctx, s.DB, `
		SELECT `+attemptColumns+` FROM mail_delivery_attempts
		WHERE idempotence_token=$1 AND mailer_class=$2 AND mailer_action=$3
	`, token, mailer.Class, mailer.Action)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Attempt{}, false, nil
	}
	if err != nil {
		return domain.Attempt{}, false, err
	}
	return a, true, nil
}

// SaveIfVersion is a compare-and-set on lock_version. Zero affected rows
// means either a concurrent writer won or the row is gone.
func (s *Store) SaveIfVersion(ctx context.Context, a domain.Attempt) error {
	ct, err := s.DB.Exec(ctx, updateSQL, updateArgs(a, s.Clock)...)
	if err != nil {
		return mapWriteError(err)
	}
	if ct.RowsAffected() > 0 {
		return nil
	}

	var one int
	err = s.DB.QueryRow(ctx, `SELECT 1 FROM mail_delivery_attempts WHERE id=$1`, a.ID).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrNotFound
	}
	if err != nil {
		return err
	}
	return domain.ErrVersionConflict
}

// WithLock runs fn inside a transaction holding SELECT ... FOR UPDATE on the
// attempt row. fn's writes commit only if it returns nil.
func (s *Store) WithLock(ctx context.Context, id string, fn store.LockFunc) error {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	cur, err := getAttempt(ctx, tx, `SELECT `+attemptColumns+` FROM mail_delivery_attempts WHERE id=$1 FOR UPDATE`, id)
	if err != nil {
		return err
	}

	if err := fn(ctx, &lockedTx{tx: tx, clock: s.Clock, current: cur}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) ListDueIDs(ctx context.Context, q store.DueQuery) ([]string, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = store.DefaultPageSize
	}
	rows, err := s.DB.Query(ctx, `
		SELECT id FROM mail_delivery_attempts
		WHERE status='pending'
		  AND (scheduled_at IS NULL OR scheduled_at < $1)
		  AND id > $2
		ORDER BY id
		LIMIT $3
	`, q.Now, q.AfterID, limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (s *Store) List(ctx context.Context, q store.ListQuery) ([]domain.Attempt, error) {
	var (
		where []string
		args  []any
	)
	args = append(args, q.AfterID)
	where = append(where, "id > $1")
	if q.Status != "" {
		args = append(args, string(q.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if q.PersistedOnly {
		where = append(where, "persistence_token IS NOT NULL")
	}
	args = append(args, q.PageSize())

	rows, err := s.DB.Query(ctx, fmt.Sprintf(`
		SELECT %s FROM mail_delivery_attempts
		WHERE %s
		ORDER BY id
		LIMIT $%d
	`, attemptColumns, strings.Join(where, " AND "), len(args)), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.Attempt, 0)
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

type lockedTx struct {
	tx      pgx.Tx
	clock   util.Clock
	current domain.Attempt
}

func (t *lockedTx) Attempt() domain.Attempt { return t.current.Clone() }

// Save writes through the held row lock; the version guard cannot fail
// while the lock is held.
func (t *lockedTx) Save(ctx context.Context, a domain.Attempt) error {
	a.Version = t.current.Version
	row := t.tx.QueryRow(ctx, updateSQL+` RETURNING `+attemptColumns, updateArgs(a, t.clock)...)
	saved, err := scanAttempt(row)
	if err != nil {
		return mapWriteError(err)
	}
	t.current = saved
	return nil
}

const updateSQL = `
	UPDATE mail_delivery_attempts
	SET status=$3, lock_version=lock_version+1, persistence_token=$4, message_id=$5,
	    num_attempts=$6, completed_at=$7, updated_at=$8
	WHERE id=$1 AND lock_version=$2`

func updateArgs(a domain.Attempt, clock util.Clock) []any {
	if clock == nil {
		clock = util.SystemClock{}
	}
	return []any{a.ID, a.Version, string(a.Status), a.PersistenceToken, a.MessageID, a.NumAttempts, a.CompletedAt, clock.Now()}
}

func getAttempt(ctx context.Context, q rowQuerier, sql string, args ...any) (domain.Attempt, error) {
	a, err := scanAttempt(q.QueryRow(ctx, sql, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Attempt{}, domain.ErrNotFound
	}
	return a, err
}

func scanAttempt(row pgx.Row) (domain.Attempt, error) {
	var (
		a       domain.Attempt
		status  string
		argsRaw []byte
	)
	err := row.Scan(&a.ID, &status, &a.Version, &a.IdempotenceToken, &a.Mailer.Class, &a.Mailer.Action,
		&argsRaw, &a.ShouldPersist, &a.PersistenceToken, &a.MessageID, &a.NumAttempts,
		&a.ScheduledAt, &a.CompletedAt, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return domain.Attempt{}, err
	}
	a.Status = domain.Status(status)
	if len(argsRaw) > 0 {
		if err := json.Unmarshal(argsRaw, &a.MailerArgs); err != nil {
			return domain.Attempt{}, fmt.Errorf("decode mailer args for %s: %w", a.ID, err)
		}
	}
	return a, nil
}

func mapWriteError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != uniqueViolation {
		return err
	}
	switch pgErr.ConstraintName {
	case messageIDIndex:
		return fmt.Errorf("%w: %s", domain.ErrDuplicateMessageID, pgErr.Detail)
	case idempotenceIndex, "mail_delivery_attempts_pkey":
		return fmt.Errorf("%w: %s", domain.ErrDuplicateAttempt, pgErr.Detail)
	}
	return err
}
