//go:build integration
// +build integration

package pg

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"mailtask/internal/attempt"
	"mailtask/internal/domain"
	"mailtask/internal/store"
)

var testMailer = domain.MailerIdentity{Class: "DummyMailer", Action: "action_name"}

func TestInsertAndDuplicateToken(t *testing.T) {
	ctx := context.Background()
	db, cleanup := setupTestDB(t)
	defer cleanup()
	s := New(db)

	a := insertAttempt(t, s, "att_1", "tok-1", nil)
	if a.Status != domain.StatusPending || a.Version != 0 || a.MailerArgs["to"] != "user@example.com" {
		t.Fatalf("unexpected inserted row %+v", a)
	}

	_, err := s.Insert(ctx, store.AttemptInsert{ID: "att_2", IdempotenceToken: "tok-1", Mailer: testMailer, Now: time.Now()})
	if !errors.Is(err, domain.ErrDuplicateAttempt) {
		t.Fatalf("expected ErrDuplicateAttempt, got %v", err)
	}

	got, found, err := s.FindByIdempotency(ctx, "tok-1", testMailer)
	if err != nil || !found || got.ID != "att_1" {
		t.Fatalf("find by idempotency: %+v found=%v err=%v", got, found, err)
	}
}

func TestSaveIfVersionConflict(t *testing.T) {
	ctx := context.Background()
	db, cleanup := setupTestDB(t)
	defer cleanup()
	s := New(db)
	insertAttempt(t, s, "att_1", "tok-1", nil)

	a, _ := s.Get(ctx, "att_1")
	b, _ := s.Get(ctx, "att_1")
	a.NumAttempts++
	if err := s.SaveIfVersion(ctx, a); err != nil {
		t.Fatalf("first save: %v", err)
	}
	b.NumAttempts++
	if err := s.SaveIfVersion(ctx, b); !errors.Is(err, domain.ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}
	if err := s.SaveIfVersion(ctx, domain.Attempt{ID: "missing"}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestConcurrentClaimsAgainstPostgres(t *testing.T) {
	ctx := context.Background()
	db, cleanup := setupTestDB(t)
	defer cleanup()
	s := New(db)
	insertAttempt(t, s, "att_1", "tok-1", nil)
	m := attempt.NewMachine(s)

	const workers = 8
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Claim(ctx, "att_1"); err != nil {
				t.Errorf("claim: %v", err)
			}
		}()
	}
	wg.Wait()

	got, _ := s.Get(ctx, "att_1")
	if got.NumAttempts != workers {
		t.Fatalf("expected num_attempts=%d, got %d", workers, got.NumAttempts)
	}
}

func TestCriticalSectionDeliverAndRollback(t *testing.T) {
	ctx := context.Background()
	db, cleanup := setupTestDB(t)
	defer cleanup()
	s := New(db)
	insertAttempt(t, s, "att_1", "tok-1", nil)
	insertAttempt(t, s, "att_2", "tok-2", nil)
	m := attempt.NewMachine(s)

	if _, err := m.MarkDelivered(ctx, "att_1", "msg-1"); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	got, _ := s.Get(ctx, "att_1")
	if got.Status != domain.StatusDelivered || got.CompletedAt == nil || got.Version != 1 {
		t.Fatalf("unexpected delivered row %+v", got)
	}

	if _, err := m.MarkDelivered(ctx, "att_2", "msg-1"); !errors.Is(err, domain.ErrDuplicateMessageID) {
		t.Fatalf("expected ErrDuplicateMessageID, got %v", err)
	}
	got, _ = s.Get(ctx, "att_2")
	if got.Status != domain.StatusPending {
		t.Fatalf("failed section must roll back, got %s", got.Status)
	}

	if _, err := m.Expire(ctx, "att_1"); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestListDueIDsAndScopes(t *testing.T) {
	ctx := context.Background()
	db, cleanup := setupTestDB(t)
	defer cleanup()
	s := New(db)

	now := time.Now().UTC()
	past := now.Add(-time.Hour)
	future := now.Add(1000 * 24 * time.Hour)
	insertAttempt(t, s, "att_1", "tok-1", &past)
	insertAttempt(t, s, "att_2", "tok-2", &future)
	insertAttempt(t, s, "att_3", "tok-3", nil)
	insertAttempt(t, s, "att_4", "tok-4", nil)

	m := attempt.NewMachine(s)
	if _, err := m.Expire(ctx, "att_4"); err != nil {
		t.Fatalf("expire: %v", err)
	}

	ids, err := s.ListDueIDs(ctx, store.DueQuery{Now: now})
	if err != nil {
		t.Fatalf("list due: %v", err)
	}
	if len(ids) != 2 || ids[0] != "att_1" || ids[1] != "att_3" {
		t.Fatalf("unexpected due ids %v", ids)
	}

	expired, err := s.List(ctx, store.ListQuery{Status: domain.StatusExpired})
	if err != nil || len(expired) != 1 || expired[0].ID != "att_4" {
		t.Fatalf("unexpected expired scope %+v err=%v", expired, err)
	}
	persisted, err := s.List(ctx, store.ListQuery{PersistedOnly: true})
	if err != nil || len(persisted) != 0 {
		t.Fatalf("unexpected persisted scope %+v err=%v", persisted, err)
	}
}

func insertAttempt(t *testing.T, s *Store, id, token string, scheduledAt *time.Time) domain.Attempt {
	t.Helper()
	a, err := s.Insert(context.Background(), store.AttemptInsert{
		ID:               id,
		IdempotenceToken: token,
		Mailer:           testMailer,
		MailerArgs:       map[string]any{"to": "user@example.com"},
		ScheduledAt:      scheduledAt,
		Now:              time.Now(),
	})
	if err != nil {
		t.Fatalf("insert %s: %v", id, err)
	}
	return a
}

func setupTestDB(t *testing.T) (*pgxpool.Pool, func()) {
	t.Helper()

	dsn := os.Getenv("TEST_DB_DSN")
	if dsn == "" {
		dsn = os.Getenv("DB_DSN")
	}
	if dsn == "" {
		t.Skip("TEST_DB_DSN or DB_DSN not set")
	}

	schema := fmt.Sprintf("test_%d", time.Now().UnixNano())
	admin, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		t.Fatalf("connect admin db: %v", err)
	}
	if _, err := admin.Exec(context.Background(), "CREATE SCHEMA "+schema); err != nil {
		admin.Close()
		t.Fatalf("create schema: %v", err)
	}

	dbDSN, err := withSearchPath(dsn, schema)
	if err != nil {
		admin.Close()
		t.Fatalf("build dsn: %v", err)
	}
	db, err := pgxpool.New(context.Background(), dbDSN)
	if err != nil {
		admin.Close()
		t.Fatalf("connect test db: %v", err)
	}

	sqlBytes, err := os.ReadFile(filepath.Join("..", "..", "..", "migrations", "001_init.sql"))
	if err != nil {
		db.Close()
		admin.Close()
		t.Fatalf("read migrations: %v", err)
	}
	if _, err := db.Exec(context.Background(), string(sqlBytes)); err != nil {
		db.Close()
		admin.Close()
		t.Fatalf("run migrations: %v", err)
	}

	return db, func() {
		db.Close()
		_, _ = admin.Exec(context.Background(), "DROP SCHEMA "+schema+" CASCADE")
		admin.Close()
	}
}

func withSearchPath(dsn, schema string) (string, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return "", err
	}
	q := u.Query()
	opts := q.Get("options")
	if opts != "" {
		opts = opts + " -c search_path=" + schema
	} else {
		opts = "-c search_path=" + schema
	}
	q.Set("options", opts)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
