package usage

import (
	"context"
	"errors"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
)

var redisCountPrefix = "count/"

type RedisCounter struct {
	Client *redis.Client
	clock  clockwork.Clock
}

var _ Counter = (*RedisCounter)(nil)

func NewRedisCounter(client *redis.Client, clock clockwork.Clock) *RedisCounter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &RedisCounter{Client: client, clock: clock}
}

func (s *RedisCounter) GetCount(ctx context.Context, name, val, period string) (int, error) {
	key := redisCountPrefix + periodBucket(s.clock.Now(), name, val, period)
	c, err := s.Client.Get(ctx, key).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	} else if err != nil {
		return 0, err
	}
	return c, nil
}

func (s *RedisCounter) Increment(ctx context.Context, name, val string) error {
	now := s.clock.Now()
	var key string

	// increment multiple counters in a single redis round-trip
	multi := s.Client.Pipeline()

	key = redisCountPrefix + periodBucket(now, name, val, PeriodHour)
	multi.Incr(ctx, key)
	multi.Expire(ctx, key, 2*time.Hour)

	key = redisCountPrefix + periodBucket(now, name, val, PeriodDay)
	multi.Incr(ctx, key)
	multi.Expire(ctx, key, 48*time.Hour)

	key = redisCountPrefix + periodBucket(now, name, val, PeriodTotal)
	multi.Incr(ctx, key)
	// no expiration for total

	_, err := multi.Exec(ctx)
	return err
}
