package recency

import (
	"context"
	"errors"
	"strconv"
	"time"
)

// wrapped by every backend error; callers fail open on it
var ErrUnavailable = errors.New("recency cache unavailable")

type Cache interface {
	// Reports whether key was used and its entry has not yet expired.
	IsBlocked(ctx context.Context, key string) (bool, error)
	// Records a use of key. Idempotent: an existing entry keeps the later of
	// its current expiry and now+ttl.
	MarkUsed(ctx context.Context, key string, ttl time.Duration) error
	// Drops expired entries. Backends which expire on their own may no-op.
	Purge(ctx context.Context) error
	// Takes an advisory lock on key, blocking until it is held or ctx is done.
	// The returned function releases it and is safe to call more than once.
	Lock(ctx context.Context, key string) (func(), error)
}

type Entry struct {
	Key       string
	UsedAt    time.Time
	ExpiresAt time.Time
}

// Blocking reports whether the entry still blocks its key at now.
func (e Entry) Blocking(now time.Time) bool {
	return e.ExpiresAt.After(now)
}

func TemplateKey(id int64) string {
	return "template/" + strconv.FormatInt(id, 10)
}

func QuoteKey(fingerprint string) string {
	return "quote/" + fingerprint
}
