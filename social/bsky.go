package social

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/carlmjohnson/versioninfo"
	"golang.org/x/time/rate"

	"github.com/shooebill/nikune/pkg/robusthttp"
)

const (
	postCollection = "app.bsky.feed.post"
	// atproto datetime format, millisecond precision in UTC
	datetimeLayout = "2006-01-02T15:04:05.000Z"
)

type BskyConfig struct {
	// PDS or entryway, eg https://bsky.social
	Host        string
	Handle      string
	AppPassword string
	// post languages, eg ["ja"]
	Langs []string
	// outbound request pacing
	RequestsPerSecond float64
}

type session struct {
	AccessJwt  string `json:"accessJwt"`
	RefreshJwt string `json:"refreshJwt"`
	Handle     string `json:"handle"`
	DID        string `json:"did"`
}

// BskyClient talks XRPC to a Bluesky PDS with an app-password session. The
// session is created on first use and refreshed when the access token
// expires.
type BskyClient struct {
	Host      string
	UserAgent string
	Logger    *slog.Logger
	Now       func() time.Time

	handle      string
	appPassword string
	langs       []string
	readClient  *http.Client
	writeClient *http.Client
	limiter     *rate.Limiter

	mu      sync.Mutex
	session *session
}

var _ Client = (*BskyClient)(nil)

func NewBskyClient(cfg BskyConfig) *BskyClient {
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 2
	}
	logger := slog.Default().With("component", "bsky")
	return &BskyClient{
		Host:        cfg.Host,
		UserAgent:   "nikune/" + versioninfo.Short(),
		Logger:      logger,
		Now:         time.Now,
		handle:      cfg.Handle,
		appPassword: cfg.AppPassword,
		langs:       cfg.Langs,
		readClient:  robusthttp.NewClient(robusthttp.WithLogger(logger)),
		writeClient: robusthttp.NewWriteClient(robusthttp.WithLogger(logger)),
		limiter:     rate.NewLimiter(rate.Limit(rps), 1),
	}
}

func (c *BskyClient) Self() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return ""
	}
	return c.session.DID
}

func (c *BskyClient) createSession(ctx context.Context) (*session, error) {
	var sess session
	err := c.call(ctx, xrpcCall{
		Method: http.MethodPost,
		NSID:   "com.atproto.server.createSession",
		Body:   map[string]string{"identifier": c.handle, "password": c.appPassword},
	}, &sess)
	if err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}
	c.Logger.Info("bsky session created", "handle", sess.Handle, "did", sess.DID)
	return &sess, nil
}

func (c *BskyClient) refreshSession(ctx context.Context, prev *session) (*session, error) {
	var sess session
	err := c.call(ctx, xrpcCall{
		Method: http.MethodPost,
		NSID:   "com.atproto.server.refreshSession",
		Token:  prev.RefreshJwt,
	}, &sess)
	if err != nil {
		return nil, fmt.Errorf("refreshing session: %w", err)
	}
	return &sess, nil
}

func (c *BskyClient) currentSession(ctx context.Context) (*session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil {
		return c.session, nil
	}
	sess, err := c.createSession(ctx)
	if err != nil {
		return nil, err
	}
	c.session = sess
	return sess, nil
}

// renew replaces stale, unless another caller already did
func (c *BskyClient) renew(ctx context.Context, stale *session) (*session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil && c.session != stale {
		return c.session, nil
	}
	sess, err := c.refreshSession(ctx, stale)
	if err != nil {
		c.Logger.Warn("session refresh failed, logging in again", "err", err)
		sess, err = c.createSession(ctx)
		if err != nil {
			c.session = nil
			return nil, err
		}
	}
	c.session = sess
	return sess, nil
}

// authed runs fn with an access token. An expired token means the server
// rejected the request without acting on it, so fn is run once more with a
// renewed session.
func (c *BskyClient) authed(ctx context.Context, fn func(sess *session) error) error {
	sess, err := c.currentSession(ctx)
	if err != nil {
		return err
	}
	err = fn(sess)
	if !isExpiredToken(err) {
		return err
	}
	sess, err = c.renew(ctx, sess)
	if err != nil {
		return err
	}
	return fn(sess)
}

type strongRef struct {
	URI string `json:"uri"`
	CID string `json:"cid"`
}

type recordEmbed struct {
	Type   string    `json:"$type"`
	Record strongRef `json:"record"`
}

type postRecord struct {
	Type      string       `json:"$type"`
	Text      string       `json:"text"`
	CreatedAt string       `json:"createdAt"`
	Langs     []string     `json:"langs,omitempty"`
	Embed     *recordEmbed `json:"embed,omitempty"`
}

func (c *BskyClient) createPost(ctx context.Context, rec postRecord) (PostRef, error) {
	var out strongRef
	err := c.authed(ctx, func(sess *session) error {
		return c.call(ctx, xrpcCall{
			Method: http.MethodPost,
			NSID:   "com.atproto.repo.createRecord",
			Token:  sess.AccessJwt,
			Body: map[string]any{
				"repo":       sess.DID,
				"collection": postCollection,
				"record":     rec,
			},
		}, &out)
	})
	if err != nil {
		return PostRef{}, fmt.Errorf("%w: %w", ErrActionFailed, err)
	}
	return PostRef(out), nil
}

func (c *BskyClient) Publish(ctx context.Context, text string) (PostRef, error) {
	return c.createPost(ctx, postRecord{
		Type:      postCollection,
		Text:      text,
		CreatedAt: c.Now().UTC().Format(datetimeLayout),
		Langs:     c.langs,
	})
}

func (c *BskyClient) Quote(ctx context.Context, target PostRef, comment string) (PostRef, error) {
	return c.createPost(ctx, postRecord{
		Type:      postCollection,
		Text:      comment,
		CreatedAt: c.Now().UTC().Format(datetimeLayout),
		Langs:     c.langs,
		Embed: &recordEmbed{
			Type:   "app.bsky.embed.record",
			Record: strongRef(target),
		},
	})
}

type timelineOutput struct {
	Feed []struct {
		Post struct {
			URI    string `json:"uri"`
			CID    string `json:"cid"`
			Author struct {
				DID    string `json:"did"`
				Handle string `json:"handle"`
			} `json:"author"`
			Record struct {
				Type      string `json:"$type"`
				Text      string `json:"text"`
				CreatedAt string `json:"createdAt"`
			} `json:"record"`
		} `json:"post"`
	} `json:"feed"`
}

func (c *BskyClient) RecentPosts(ctx context.Context, limit int) ([]Post, error) {
	var out timelineOutput
	err := c.authed(ctx, func(sess *session) error {
		return c.call(ctx, xrpcCall{
			Method: http.MethodGet,
			NSID:   "app.bsky.feed.getTimeline",
			Params: url.Values{"limit": []string{strconv.Itoa(limit)}},
			Token:  sess.AccessJwt,
		}, &out)
	})
	if err != nil {
		return nil, fmt.Errorf("fetching timeline: %w", err)
	}

	posts := make([]Post, 0, len(out.Feed))
	for _, item := range out.Feed {
		p := item.Post
		if p.Record.Type != postCollection {
			continue
		}
		created, err := time.Parse(time.RFC3339, p.Record.CreatedAt)
		if err != nil {
			c.Logger.Debug("unparsable post createdAt", "uri", p.URI, "createdAt", p.Record.CreatedAt)
		}
		posts = append(posts, Post{
			URI:          p.URI,
			CID:          p.CID,
			AuthorDID:    p.Author.DID,
			AuthorHandle: p.Author.Handle,
			Text:         p.Record.Text,
			CreatedAt:    created,
		})
	}
	return posts, nil
}

func (c *BskyClient) Ping(ctx context.Context) error {
	return c.authed(ctx, func(sess *session) error {
		return c.call(ctx, xrpcCall{
			Method: http.MethodGet,
			NSID:   "com.atproto.server.getSession",
			Token:  sess.AccessJwt,
		}, nil)
	})
}
