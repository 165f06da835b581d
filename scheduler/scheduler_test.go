package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/shooebill/nikune/notify"
	"github.com/shooebill/nikune/ratelimit"
	"github.com/shooebill/nikune/recency"
	"github.com/shooebill/nikune/social"
	"github.com/shooebill/nikune/template"
	"github.com/shooebill/nikune/usage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	mu        sync.Mutex
	self      string
	timeline  []social.Post
	published []string
	quoted    []social.PostRef
	comments  []string
	failNext  int
	// called inside Publish, before it returns
	onPublish func()
}

func (f *fakeClient) Self() string                   { return f.self }
func (f *fakeClient) Ping(ctx context.Context) error { return nil }

func (f *fakeClient) Publish(ctx context.Context, text string) (social.PostRef, error) {
	if f.onPublish != nil {
		f.onPublish()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext > 0 {
		f.failNext--
		return social.PostRef{}, errors.New("upstream 502")
	}
	f.published = append(f.published, text)
	return social.PostRef{URI: fmt.Sprintf("at://did:plc:nikune/app.bsky.feed.post/%d", len(f.published))}, nil
}

func (f *fakeClient) Quote(ctx context.Context, target social.PostRef, comment string) (social.PostRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext > 0 {
		f.failNext--
		return social.PostRef{}, fmt.Errorf("%w: upstream 502", social.ErrActionFailed)
	}
	f.quoted = append(f.quoted, target)
	f.comments = append(f.comments, comment)
	return social.PostRef{URI: "at://did:plc:nikune/app.bsky.feed.post/q"}, nil
}

func (f *fakeClient) RecentPosts(ctx context.Context, limit int) ([]social.Post, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]social.Post{}, f.timeline...), nil
}

func (f *fakeClient) Published() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.published...)
}

func (f *fakeClient) Quoted() []social.PostRef {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]social.PostRef{}, f.quoted...)
}

// spyCache records MarkUsed calls on top of a mem cache
type spyCache struct {
	*recency.MemCache
	mu     sync.Mutex
	marked []string
	broken bool
	// runs after the lock is taken, before Lock returns
	onLock func(key string)
}

func (c *spyCache) IsBlocked(ctx context.Context, key string) (bool, error) {
	if c.broken {
		return false, recency.ErrUnavailable
	}
	return c.MemCache.IsBlocked(ctx, key)
}

func (c *spyCache) MarkUsed(ctx context.Context, key string, ttl time.Duration) error {
	if c.broken {
		return recency.ErrUnavailable
	}
	c.mu.Lock()
	c.marked = append(c.marked, key)
	c.mu.Unlock()
	return c.MemCache.MarkUsed(ctx, key, ttl)
}

func (c *spyCache) Lock(ctx context.Context, key string) (func(), error) {
	if c.broken {
		return nil, recency.ErrUnavailable
	}
	unlock, err := c.MemCache.Lock(ctx, key)
	if err == nil && c.onLock != nil {
		c.onLock(key)
	}
	return unlock, err
}

func (c *spyCache) Marked() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string{}, c.marked...)
}

type chanNotifier chan string

func (c chanNotifier) Send(ctx context.Context, msg string) error {
	c <- msg
	return nil
}

type fixture struct {
	sched  *Scheduler
	clock  *clockwork.FakeClock
	client *fakeClient
	cache  *spyCache
	store  *template.MemStore
	usage  *usage.MemCounter
	alerts chanNotifier
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Jitter = 0
	cfg.Categories = nil
	cfg.Location = time.UTC
	return cfg
}

func newFixture(t *testing.T, cfg Config) *fixture {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(time.Date(2024, 5, 1, 8, 59, 0, 0, time.UTC))
	store := template.NewMemStore()
	_, err := template.SeedIfEmpty(ctx, store)
	require.NoError(t, err)
	mem, err := recency.NewMemCache(1000, clock)
	require.NoError(t, err)
	f := &fixture{
		clock:  clock,
		client: &fakeClient{self: "did:plc:nikune"},
		cache:  &spyCache{MemCache: mem},
		store:  store,
		usage:  usage.NewMemCounter(clock),
		alerts: make(chanNotifier, 100),
	}
	f.sched, err = New(Deps{
		Store:   store,
		Cache:   f.cache,
		Client:  f.client,
		Usage:   f.usage,
		Alerter: notify.NewAlerter(f.alerts, time.Hour, 100),
		Clock:   clock,
	}, cfg)
	require.NoError(t, err)
	return f
}

func TestPostNowMarksAfterSuccess(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := newFixture(t, testConfig())

	res, err := f.sched.PostNow(ctx, PostRequest{Filter: template.Filter{Category: "日常"}})
	require.NoError(t, err)
	require.NotNil(t, res.Template)
	assert.Equal([]string{res.Text}, f.client.Published())
	assert.Equal([]string{recency.TemplateKey(res.Template.ID)}, f.cache.Marked())
	assert.NotContains(res.Text, "{greeting}")

	n, err := f.usage.GetCount(ctx, "template", fmt.Sprint(res.Template.ID), usage.PeriodTotal)
	require.NoError(t, err)
	assert.Equal(1, n)
}

func TestPostNowFailureNeverMarks(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := newFixture(t, testConfig())
	f.client.failNext = 1

	_, err := f.sched.PostNow(ctx, PostRequest{})
	assert.ErrorIs(err, social.ErrActionFailed)
	assert.Empty(f.cache.Marked())
	assert.Empty(f.client.Published())
}

func TestPostNowDryRun(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := newFixture(t, testConfig())

	res, err := f.sched.PostNow(ctx, PostRequest{DryRun: true, Filter: template.Filter{Category: "お肉"}})
	require.NoError(t, err)
	assert.True(res.DryRun)
	assert.NotEmpty(res.Text)
	assert.Equal("お肉", res.Template.Category)
	assert.Empty(f.client.Published())
	assert.Empty(f.cache.Marked())
}

func TestPostNowLiteralText(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := newFixture(t, testConfig())

	res, err := f.sched.PostNow(ctx, PostRequest{Text: "  {greeting} そのまま  "})
	require.NoError(t, err)
	assert.Nil(res.Template)
	// literal text is neither rendered nor deduplicated
	assert.Equal([]string{"{greeting} そのまま"}, f.client.Published())
	assert.Empty(f.cache.Marked())
}

func TestPostNowNotFound(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig())
	_, err := f.sched.PostNow(ctx, PostRequest{Filter: template.Filter{Category: "宇宙"}})
	assert.ErrorIs(t, err, template.ErrNotFound)
}

func TestPostNowDegradedCache(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := newFixture(t, testConfig())
	f.cache.broken = true

	res, err := f.sched.PostNow(ctx, PostRequest{})
	require.NoError(t, err)
	assert.True(res.Degraded)
	assert.Len(f.client.Published(), 1)

	f.sched.alerter.Wait()
	require.NotEmpty(t, f.alerts)
	assert.Contains(<-f.alerts, "recency")
}

func TestPostNowFailureAlert(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig())
	f.client.failNext = 3

	for i := 0; i < 3; i++ {
		_, err := f.sched.PostNow(ctx, PostRequest{})
		assert.Error(t, err)
	}
	f.sched.alerter.Wait()
	require.Len(t, f.alerts, 1)
	assert.Contains(t, <-f.alerts, "3 consecutive")
}

func TestPostNowNoRepeatWithinTTL(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := newFixture(t, testConfig())

	seen := map[int64]bool{}
	for i := 0; i < 3; i++ {
		res, err := f.sched.PostNow(ctx, PostRequest{Filter: template.Filter{Category: "お肉"}})
		require.NoError(t, err)
		assert.False(res.Exhausted)
		assert.False(seen[res.Template.ID])
		seen[res.Template.ID] = true
	}
	res, err := f.sched.PostNow(ctx, PostRequest{Filter: template.Filter{Category: "お肉"}})
	require.NoError(t, err)
	assert.True(res.Exhausted)
}

func TestPostNowReselectsWhenMarkedBeforeLock(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := newFixture(t, testConfig())

	// another process posts the selected template between selection and lock
	var first string
	f.cache.onLock = func(key string) {
		if first == "" {
			first = key
			require.NoError(t, f.cache.MemCache.MarkUsed(ctx, key, time.Hour))
		}
	}

	res, err := f.sched.PostNow(ctx, PostRequest{Filter: template.Filter{Category: "お肉"}})
	require.NoError(t, err)
	require.NotEmpty(t, first)
	assert.NotEqual(first, recency.TemplateKey(res.Template.ID))
	assert.False(res.Exhausted)
	assert.Len(f.client.Published(), 1)
	assert.Equal([]string{recency.TemplateKey(res.Template.ID)}, f.cache.Marked())
}

func meatPost(n int, author, text string) social.Post {
	return social.Post{
		URI:          fmt.Sprintf("at://%s/app.bsky.feed.post/%d", author, n),
		CID:          fmt.Sprintf("cid%d", n),
		AuthorDID:    author,
		AuthorHandle: author + ".test",
		Text:         text,
	}
}

func TestScanOnce(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := newFixture(t, testConfig())
	f.client.timeline = []social.Post{
		meatPost(1, "did:plc:nikune", "自分の焼肉ポスト"),
		meatPost(2, "did:plc:a", "今日は良い天気"),
		meatPost(3, "did:plc:b", "焼肉が腐ってた"),
		meatPost(4, "did:plc:c", "ステーキ最高"),
		meatPost(5, "did:plc:d", "ハンバーグ美味しい"),
	}

	res, err := f.sched.ScanOnce(ctx, false)
	require.NoError(t, err)
	assert.True(res.Quoted)
	assert.Equal(5, res.Fetched)
	// own posts, non-matching and NG posts are skipped; first eligible wins
	assert.Equal([]social.PostRef{{URI: "at://did:plc:c/app.bsky.feed.post/4", CID: "cid4"}}, f.client.Quoted())
	assert.Contains(res.Comment, "ステーキ")
	assert.Equal([]string{recency.QuoteKey(res.Candidate.Fingerprint)}, f.cache.Marked())

	// too soon for another quote; the next candidate waits
	f.clock.Advance(10 * time.Minute)
	res, err = f.sched.ScanOnce(ctx, false)
	require.NoError(t, err)
	assert.False(res.Quoted)
	assert.Equal(ratelimit.TooSoon, res.Decision.Reason)
	assert.Equal("at://did:plc:d/app.bsky.feed.post/5", res.Candidate.SourceID)

	f.clock.Advance(25 * time.Minute)
	res, err = f.sched.ScanOnce(ctx, false)
	require.NoError(t, err)
	assert.True(res.Quoted)
	assert.Len(f.client.Quoted(), 2)

	// everything eligible has been quoted
	f.clock.Advance(time.Hour)
	res, err = f.sched.ScanOnce(ctx, false)
	require.NoError(t, err)
	assert.Nil(res.Candidate)
}

func TestScanOnceDryRun(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := newFixture(t, testConfig())
	f.client.timeline = []social.Post{meatPost(1, "did:plc:a", "焼肉パーティー")}

	for i := 0; i < 3; i++ {
		res, err := f.sched.ScanOnce(ctx, true)
		require.NoError(t, err)
		assert.True(res.DryRun)
		assert.True(res.Decision.Permitted)
		assert.False(res.Quoted)
	}
	assert.Empty(f.client.Quoted())
	assert.Empty(f.cache.Marked())
	assert.Equal(0, f.sched.Limiter().Status().Count)
}

func TestScanOnceQuoteFailure(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := newFixture(t, testConfig())
	f.client.timeline = []social.Post{meatPost(1, "did:plc:a", "焼肉パーティー")}
	f.client.failNext = 1

	_, err := f.sched.ScanOnce(ctx, false)
	assert.ErrorIs(err, social.ErrActionFailed)
	assert.Empty(f.cache.Marked())
	// the permit stays consumed
	assert.Equal(1, f.sched.Limiter().Status().Count)
}

func TestScanOnceDegradedCache(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig())
	f.cache.broken = true
	f.client.timeline = []social.Post{meatPost(1, "did:plc:a", "焼肉パーティー")}

	res, err := f.sched.ScanOnce(ctx, false)
	require.NoError(t, err)
	assert.True(t, res.Quoted)
}

func TestRunDaily(t *testing.T) {
	assert := assert.New(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cfg := testConfig()
	cfg.Triggers = []TimeOfDay{{9, 0}}
	f := newFixture(t, cfg)
	f.client.failNext = 1

	done := make(chan error)
	go func() { done <- f.sched.RunDaily(ctx) }()

	// day 1: the post fails
	require.NoError(t, f.clock.BlockUntilContext(ctx, 1))
	f.clock.Advance(time.Minute)
	require.NoError(t, f.clock.BlockUntilContext(ctx, 1))
	assert.Empty(f.client.Published())

	// just before the same slot next day nothing fires
	f.clock.Advance(24*time.Hour - time.Second)
	assert.Empty(f.client.Published())

	// day 2: the failure did not affect the slot
	f.clock.Advance(time.Second)
	require.NoError(t, f.clock.BlockUntilContext(ctx, 1))
	assert.Len(f.client.Published(), 1)

	cancel()
	select {
	case err := <-done:
		assert.NoError(err)
	case <-time.After(5 * time.Second):
		t.Fatal("RunDaily did not stop")
	}
}

func TestRunDailyCoalescesOverrun(t *testing.T) {
	assert := assert.New(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cfg := testConfig()
	cfg.Triggers = []TimeOfDay{{9, 0}, {9, 10}, {9, 20}}
	f := newFixture(t, cfg)

	// the first post overruns past both later slots
	var once sync.Once
	f.client.onPublish = func() {
		once.Do(func() { f.clock.Advance(25 * time.Minute) })
	}

	go f.sched.RunDaily(ctx)
	require.NoError(t, f.clock.BlockUntilContext(ctx, 1))
	f.clock.Advance(time.Minute)

	// 09:10 and 09:20 collapse into one immediate post
	require.NoError(t, f.clock.BlockUntilContext(ctx, 1))
	assert.Len(f.client.Published(), 2)
	assert.Equal(time.Date(2024, 5, 1, 9, 25, 0, 0, time.UTC), f.clock.Now())
}

func TestRunDailyJitterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := testConfig()
	cfg.Jitter = 10 * time.Minute
	f := newFixture(t, cfg)

	done := make(chan error)
	go func() { done <- f.sched.RunDaily(ctx) }()
	require.NoError(t, f.clock.BlockUntilContext(ctx, 1))
	f.clock.Advance(time.Minute)
	require.NoError(t, f.clock.BlockUntilContext(ctx, 1))

	// shutdown during the jitter wait is prompt and posts nothing
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("RunDaily did not stop")
	}
	assert.Empty(t, f.client.Published())
}

func TestRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := testConfig()
	cfg.ScanInterval = 30 * time.Minute
	f := newFixture(t, cfg)
	f.client.timeline = []social.Post{meatPost(1, "did:plc:a", "焼肉パーティー")}

	done := make(chan error)
	go func() { done <- f.sched.Run(ctx) }()

	// both loops waiting
	require.NoError(t, f.clock.BlockUntilContext(ctx, 2))
	f.clock.Advance(30 * time.Minute)
	require.NoError(t, f.clock.BlockUntilContext(ctx, 2))
	assert.Len(t, f.client.Published(), 1)
	assert.Len(t, f.client.Quoted(), 1)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestRunDryRunLeavesNoState(t *testing.T) {
	assert := assert.New(t)
	ctx, cancel := context.WithCancel(context.Background())
	cfg := testConfig()
	cfg.ScanInterval = 30 * time.Minute
	cfg.DryRun = true
	f := newFixture(t, cfg)
	f.client.timeline = []social.Post{meatPost(1, "did:plc:a", "焼肉パーティー")}

	done := make(chan error)
	go func() { done <- f.sched.Run(ctx) }()

	// one scheduled slot and one scan
	require.NoError(t, f.clock.BlockUntilContext(ctx, 2))
	f.clock.Advance(30 * time.Minute)
	require.NoError(t, f.clock.BlockUntilContext(ctx, 2))

	cancel()
	select {
	case err := <-done:
		assert.NoError(err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop")
	}

	assert.Empty(f.client.Published())
	assert.Empty(f.client.Quoted())
	assert.Empty(f.cache.Marked())
	assert.Equal(0, f.cache.Len())
	assert.Equal(0, f.sched.Limiter().Status().Count)
	templates, err := f.store.ListTemplates(context.Background(), template.Filter{})
	require.NoError(t, err)
	for _, tmpl := range templates {
		n, err := f.usage.GetCount(context.Background(), "template", fmt.Sprint(tmpl.ID), usage.PeriodTotal)
		require.NoError(t, err)
		assert.Zero(n)
	}
}

func TestStatus(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	cfg := testConfig()
	cfg.Categories = []string{"お肉", "日常"}
	f := newFixture(t, cfg)

	st := f.sched.Status(4)
	assert.Equal([]time.Time{
		time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC),
		time.Date(2024, 5, 1, 13, 30, 0, 0, time.UTC),
		time.Date(2024, 5, 1, 19, 0, 0, 0, time.UTC),
		time.Date(2024, 5, 2, 9, 0, 0, 0, time.UTC),
	}, st.NextSlots)
	assert.Equal("お肉", st.NextCategory)
	assert.True(st.QuoteDecision.Permitted)
	assert.Equal(0, st.Quotes.Count)

	f.client.timeline = []social.Post{meatPost(1, "did:plc:a", "焼肉パーティー")}
	_, err := f.sched.ScanOnce(ctx, false)
	require.NoError(t, err)
	st = f.sched.Status(1)
	assert.Equal(1, st.Quotes.Count)
	assert.False(st.QuoteDecision.Permitted)
	assert.Equal(ratelimit.TooSoon, st.QuoteDecision.Reason)
	// reading status consumes nothing
	assert.Equal(1, f.sched.Limiter().Status().Count)
}
