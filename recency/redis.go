package recency

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
)

var redisRecencyPrefix = "recent/"
var redisLockPrefix = "lock/"

// extends the expiry only when the existing entry would expire sooner
var markUsedScript = redis.NewScript(`
local pttl = redis.call("PTTL", KEYS[1])
if pttl < tonumber(ARGV[2]) then
	redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
	return 1
end
return 0
`)

var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisCache relies on redis key expiry, so an expired key simply does not
// exist. Locks are SET NX keys with a random token, released only by their
// holder.
type RedisCache struct {
	Client *redis.Client
	// stamps UsedAt; expiry itself is kept by redis
	Clock clockwork.Clock
	// how long a lock survives a crashed holder
	LockTTL time.Duration
	// how often a waiter retries a held lock
	LockPoll time.Duration
}

var _ Cache = (*RedisCache)(nil)

func NewRedisCache(client *redis.Client, clock clockwork.Clock) *RedisCache {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &RedisCache{
		Client:   client,
		Clock:    clock,
		LockTTL:  2 * time.Minute,
		LockPoll: 100 * time.Millisecond,
	}
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
}

func (c *RedisCache) IsBlocked(ctx context.Context, key string) (bool, error) {
	n, err := c.Client.Exists(ctx, redisRecencyPrefix+key).Result()
	if err != nil {
		return false, unavailable("exists", err)
	}
	return n > 0, nil
}

func (c *RedisCache) MarkUsed(ctx context.Context, key string, ttl time.Duration) error {
	if ttl < time.Millisecond {
		return fmt.Errorf("recency ttl too short: %s", ttl)
	}
	usedAt := c.Clock.Now().UTC().Format(time.RFC3339Nano)
	err := markUsedScript.Run(ctx, c.Client, []string{redisRecencyPrefix + key}, usedAt, ttl.Milliseconds()).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return unavailable("mark used", err)
	}
	return nil
}

// Get returns the live entry for key. ExpiresAt is derived from the
// remaining redis TTL.
func (c *RedisCache) Get(ctx context.Context, key string) (Entry, bool, error) {
	pipe := c.Client.Pipeline()
	getCmd := pipe.Get(ctx, redisRecencyPrefix+key)
	ttlCmd := pipe.PTTL(ctx, redisRecencyPrefix+key)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return Entry{}, false, unavailable("get", err)
	}
	val, err := getCmd.Result()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, unavailable("get", err)
	}
	usedAt, err := time.Parse(time.RFC3339Nano, val)
	if err != nil {
		return Entry{}, false, fmt.Errorf("parsing recency entry %q: %w", key, err)
	}
	ttl := ttlCmd.Val()
	if ttl <= 0 {
		return Entry{}, false, nil
	}
	return Entry{Key: key, UsedAt: usedAt, ExpiresAt: c.Clock.Now().Add(ttl)}, true, nil
}

// Purge is a no-op: redis expires keys itself.
func (c *RedisCache) Purge(ctx context.Context) error {
	return nil
}

func (c *RedisCache) Ping(ctx context.Context) error {
	if err := c.Client.Ping(ctx).Err(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func lockToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func (c *RedisCache) Lock(ctx context.Context, key string) (func(), error) {
	token, err := lockToken()
	if err != nil {
		return nil, err
	}
	lockKey := redisLockPrefix + key

	for {
		ok, err := c.Client.SetNX(ctx, lockKey, token, c.LockTTL).Result()
		if err != nil {
			return nil, unavailable("lock", err)
		}
		if ok {
			break
		}
		select {
		case <-time.After(c.LockPoll):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// release even if the caller's context is already cancelled
			ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			_ = unlockScript.Run(ctx, c.Client, []string{lockKey}, token).Err()
		})
	}, nil
}
