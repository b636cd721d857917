package lock

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

type BackendOptions struct {
	// Backend is "postgres" (default) or "redis".
	Backend  string
	RedisURL string
	// Pool backs advisory locks. It must be dedicated to locking; see
	// PGAdvisoryProvider.
	Pool           *pgxpool.Pool
	AcquireTimeout time.Duration
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// NewProvider picks the dedup backend. The returned closer releases any
// client the provider owns; the pool stays with the caller.
func NewProvider(opts BackendOptions) (Provider, io.Closer, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Backend)) {
	case "", BackendPostgres:
		if opts.Pool == nil {
			return nil, nil, fmt.Errorf("lock backend %q needs a database pool", BackendPostgres)
		}
		p := NewPGAdvisoryProvider(opts.Pool)
		if opts.AcquireTimeout > 0 {
			p.AcquireTimeout = opts.AcquireTimeout
		}
		return p, nopCloser{}, nil
	case BackendRedis:
		client, err := NewRedisClient(opts.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		return NewRedisProvider(client), client, nil
	default:
		return nil, nil, fmt.Errorf("unknown lock backend %q", opts.Backend)
	}
}

// UsesDatabase reports whether backend needs its own database pool.
func UsesDatabase(backend string) bool {
	b := strings.ToLower(strings.TrimSpace(backend))
	return b == "" || b == BackendPostgres
}
