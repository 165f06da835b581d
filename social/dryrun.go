package social

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

const dryRunSelf = "did:plc:nikune-dry-run"

// DryRunClient performs no network calls. Publish and Quote only log, and
// the timeline is a fixed set of sample posts.
type DryRunClient struct {
	Logger *slog.Logger
	seq    atomic.Int64
}

var _ Client = (*DryRunClient)(nil)

func NewDryRunClient() *DryRunClient {
	return &DryRunClient{Logger: slog.Default().With("component", "bsky", "dry_run", true)}
}

func (c *DryRunClient) Self() string {
	return dryRunSelf
}

func (c *DryRunClient) Ping(ctx context.Context) error {
	return nil
}

func (c *DryRunClient) Publish(ctx context.Context, text string) (PostRef, error) {
	n := c.seq.Add(1)
	c.Logger.Info("would publish post", "text", text)
	return PostRef{URI: fmt.Sprintf("at://%s/app.bsky.feed.post/dry%d", dryRunSelf, n), CID: "dry-run"}, nil
}

func (c *DryRunClient) Quote(ctx context.Context, target PostRef, comment string) (PostRef, error) {
	n := c.seq.Add(1)
	c.Logger.Info("would quote post", "target", target.URI, "comment", comment)
	return PostRef{URI: fmt.Sprintf("at://%s/app.bsky.feed.post/dry%d", dryRunSelf, n), CID: "dry-run"}, nil
}

func (c *DryRunClient) RecentPosts(ctx context.Context, limit int) ([]Post, error) {
	posts := MockTimeline(time.Now())
	if limit > 0 && len(posts) > limit {
		posts = posts[:limit]
	}
	return posts, nil
}

// MockTimeline is a small most-recent-first timeline with a mix of matching
// and non-matching posts.
func MockTimeline(now time.Time) []Post {
	texts := []string{
		"本日も元気いっぱい11:00よりオープンです！もうご賞味頂けましたか⁉︎数量限定でさらに肉感アップしての登場です。ランチタイムならライス＆豚汁付き是非ご賞味くださいまんせい。#akiba",
		"今日は良い天気ですね〜お散歩日和です",
		"美味しいステーキを食べました🥩とても柔らかくて最高でした！",
		"プログラミングの勉強中です。Goは楽しいですね",
		"焼肉パーティーしました🍖みんなでワイワイ楽しかった〜",
	}
	posts := make([]Post, 0, len(texts))
	for i, text := range texts {
		did := fmt.Sprintf("did:plc:mockuser%d", i+1)
		posts = append(posts, Post{
			URI:          fmt.Sprintf("at://%s/app.bsky.feed.post/mock%d", did, i+1),
			CID:          fmt.Sprintf("mockcid%d", i+1),
			AuthorDID:    did,
			AuthorHandle: fmt.Sprintf("mock-user-%d.bsky.social", i+1),
			Text:         text,
			CreatedAt:    now.Add(-time.Duration(i*10) * time.Minute),
		})
	}
	return posts
}
