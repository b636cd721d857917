package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"mailtask/internal/util"
)

// MemoryProvider is an in-process Provider with TTL expiry. It only
// deduplicates within one process.
type MemoryProvider struct {
	clock util.Clock

	mu   sync.Mutex
	held map[string]memoryLock
}

type memoryLock struct {
	owner     string
	expiresAt time.Time
}

func NewMemoryProvider(clock util.Clock) *MemoryProvider {
	if clock == nil {
		clock = util.SystemClock{}
	}
	return &MemoryProvider{clock: clock, held: make(map[string]memoryLock)}
}

func (p *MemoryProvider) TryAcquire(_ context.Context, key string, ttl time.Duration) (Release, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clock.Now()
	if cur, ok := p.held[key]; ok && now.Before(cur.expiresAt) {
		return nil, false, nil
	}

	owner := uuid.NewString()
	p.held[key] = memoryLock{owner: owner, expiresAt: now.Add(ttl)}
	return func(context.Context) error {
		p.mu.Lock()
		defer p.mu.Unlock()
		if cur, ok := p.held[key]; ok && cur.owner == owner {
			delete(p.held, key)
		}
		return nil
	}, true, nil
}
