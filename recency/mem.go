package recency

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jonboulle/clockwork"
	"github.com/puzpuzpuz/xsync/v3"
)

// MemCache is a bounded in-process cache. When full, the least recently
// touched entry is evicted, which can only make a key eligible early.
type MemCache struct {
	clock clockwork.Clock
	// Add/Get on the LRU are individually safe; mu serializes MarkUsed's
	// read-modify-write against expiry removal
	mu    sync.Mutex
	data  *lru.Cache[string, Entry]
	locks *xsync.MapOf[string, chan struct{}]
}

var _ Cache = (*MemCache)(nil)

func NewMemCache(capacity int, clock clockwork.Clock) (*MemCache, error) {
	data, err := lru.New[string, Entry](capacity)
	if err != nil {
		return nil, err
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MemCache{
		clock: clock,
		data:  data,
		locks: xsync.NewMapOf[string, chan struct{}](),
	}, nil
}

func (c *MemCache) IsBlocked(ctx context.Context, key string) (bool, error) {
	e, ok := c.data.Get(key)
	if !ok {
		return false, nil
	}
	if !e.Blocking(c.clock.Now()) {
		c.removeExpired(key)
		return false, nil
	}
	return true, nil
}

func (c *MemCache) MarkUsed(ctx context.Context, key string, ttl time.Duration) error {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	e := Entry{Key: key, UsedAt: now, ExpiresAt: now.Add(ttl)}
	if prev, ok := c.data.Peek(key); ok && prev.ExpiresAt.After(e.ExpiresAt) {
		e.ExpiresAt = prev.ExpiresAt
	}
	c.data.Add(key, e)
	return nil
}

// Get returns the live entry for key, if any.
func (c *MemCache) Get(key string) (Entry, bool) {
	e, ok := c.data.Peek(key)
	if !ok || !e.Blocking(c.clock.Now()) {
		return Entry{}, false
	}
	return e, true
}

// removeExpired drops key only if it is still expired once mu is held, so a
// concurrent MarkUsed is never lost.
func (c *MemCache) removeExpired(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.data.Peek(key); ok && !e.Blocking(c.clock.Now()) {
		c.data.Remove(key)
	}
}

func (c *MemCache) Purge(ctx context.Context) error {
	now := c.clock.Now()
	for _, key := range c.data.Keys() {
		if e, ok := c.data.Peek(key); ok && !e.Blocking(now) {
			c.removeExpired(key)
		}
	}
	return nil
}

func (c *MemCache) Len() int {
	return c.data.Len()
}

func (c *MemCache) Lock(ctx context.Context, key string) (func(), error) {
	for {
		held := make(chan struct{})
		existing, loaded := c.locks.LoadOrStore(key, held)
		if !loaded {
			var once sync.Once
			return func() {
				once.Do(func() {
					c.locks.Delete(key)
					close(held)
				})
			}, nil
		}
		select {
		case <-existing:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
