package vault

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const stateKeyPrefix = "engagement:oauth_state:"

// consumeStateScript deletes the owner's state only when it still holds the nonce.
var consumeStateScript = redis.NewScript(`
if redis.call('get', KEYS[1]) == ARGV[1] then
  return redis.call('del', KEYS[1])
else
  return 0
end
`)

// RedisStateStore shares issued states across service replicas.
type RedisStateStore struct {
	client redis.UniversalClient
}

func NewRedisStateStore(client redis.UniversalClient) *RedisStateStore {
	return &RedisStateStore{client: client}
}

func (r *RedisStateStore) Put(ctx context.Context, owner, nonce string, ttl time.Duration) error {
	if err := r.client.Set(ctx, stateKeyPrefix+owner, nonce, ttl).Err(); err != nil {
		return fmt.Errorf("store oauth state: %w", err)
	}
	return nil
}

func (r *RedisStateStore) Consume(ctx context.Context, owner, nonce string) (bool, error) {
	n, err := consumeStateScript.Run(ctx, r.client, []string{stateKeyPrefix + owner}, nonce).Int64()
	if err != nil {
		return false, fmt.Errorf("consume oauth state: %w", err)
	}
	return n == 1, nil
}
