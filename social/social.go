// Boundary to the social platform: publishing, quoting and reading the home
// timeline. The bot core only sees the interfaces here.
package social

import (
	"context"
	"errors"
	"time"
)

// wrapped by every failed publish or quote
var ErrActionFailed = errors.New("social action failed")

type Post struct {
	URI          string
	CID          string
	AuthorDID    string
	AuthorHandle string
	Text         string
	CreatedAt    time.Time
}

func (p Post) Ref() PostRef {
	return PostRef{URI: p.URI, CID: p.CID}
}

// PostRef is a strong reference to a published post.
type PostRef struct {
	URI string
	CID string
}

// Publish and Quote are at-most-once: a failed call is never resent.
type Publisher interface {
	Publish(ctx context.Context, text string) (PostRef, error)
}

type Quoter interface {
	Quote(ctx context.Context, target PostRef, comment string) (PostRef, error)
}

type Timeline interface {
	// most recent first
	RecentPosts(ctx context.Context, limit int) ([]Post, error)
}

type Client interface {
	Publisher
	Quoter
	Timeline
	// account identifier (DID) of the bot itself; empty until a session exists
	Self() string
	Ping(ctx context.Context) error
}
