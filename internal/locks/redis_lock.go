package locks

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// TickLocker hands out per-(exchange, symbol, tick) locks so overlapping
// engine instances never act on the same symbol in the same tick.
type TickLocker struct {
	client *redis.Client
}

func NewTickLocker(client *redis.Client) *TickLocker {
	return &TickLocker{client: client}
}

// NewRedisClient parses a redis URL and returns a connected client.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// Lock is a held tick lock. Release is safe to call once; it only deletes
// the key if this holder still owns it.
type Lock struct {
	client *redis.Client
	key    string
	token  string
}

// Acquire tries to take the lock for one symbol in one tick. ok=false means
// another instance already holds it and this symbol must be skipped.
func (l *TickLocker) Acquire(ctx context.Context, exchange, symbol string, tickID int64, ttl time.Duration) (*Lock, bool, error) {
	key := fmt.Sprintf("lock:tick:%s:%s:%d", exchange, symbol, tickID)
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	return &Lock{client: l.client, key: key, token: token}, true, nil
}

var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Release drops the lock if still owned. Expired or stolen locks are left
// alone.
func (k *Lock) Release(ctx context.Context) error {
	return releaseScript.Run(ctx, k.client, []string{k.key}, k.token).Err()
}
