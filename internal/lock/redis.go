package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const unlockScript = "if redis.call('get', KEYS[1]) == ARGV[1] then return redis.call('del', KEYS[1]) else return 0 end"

// RedisProvider takes locks with SET NX and a random owner value so only the
// holder can delete the key. The TTL bounds how long a crashed holder blocks
// other workers.
type RedisProvider struct {
	client   redis.UniversalClient
	newOwner func() string
}

func NewRedisProvider(client redis.UniversalClient) *RedisProvider {
	return &RedisProvider{client: client, newOwner: uuid.NewString}
}

func (p *RedisProvider) TryAcquire(ctx context.Context, key string, ttl time.Duration) (Release, bool, error) {
	owner := p.newOwner()
	ok, err := p.client.SetNX(ctx, key, owner, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("redis setnx %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	return func(ctx context.Context) error {
		res, err := p.client.Eval(ctx, unlockScript, []string{key}, owner).Result()
		if err != nil {
			return fmt.Errorf("redis unlock %s: %w", key, err)
		}
		if res == int64(0) {
			return fmt.Errorf("unlock failed, either lock expired or you're not the lock holder for key %s", key)
		}
		return nil
	}, true, nil
}

// NewRedisClient parses a redis:// URL.
func NewRedisClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	return redis.NewClient(opts), nil
}
