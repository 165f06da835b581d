package selector

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/shooebill/nikune/notify"
	"github.com/shooebill/nikune/recency"
	"github.com/shooebill/nikune/template"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type brokenCache struct {
	recency.Cache
}

func (brokenCache) IsBlocked(ctx context.Context, key string) (bool, error) {
	return false, recency.ErrUnavailable
}

type brokenStore struct{}

func (brokenStore) ListTemplates(ctx context.Context, f template.Filter) ([]template.Template, error) {
	return nil, template.ErrStoreUnavailable
}

type countingNotifier struct {
	n chan string
}

func (c *countingNotifier) Send(ctx context.Context, msg string) error {
	c.n <- msg
	return nil
}

func fixtures(t *testing.T) (*template.MemStore, *recency.MemCache, *clockwork.FakeClock) {
	ctx := context.Background()
	store := template.NewMemStore()
	_, err := template.SeedIfEmpty(ctx, store)
	require.NoError(t, err)
	clock := clockwork.NewFakeClockAt(time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC))
	cache, err := recency.NewMemCache(100, clock)
	require.NoError(t, err)
	return store, cache, clock
}

func TestSelectNoRepeatsUntilExhausted(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	store, cache, _ := fixtures(t)
	s := New(store, cache, nil, 1)

	f := template.Filter{Category: "お肉"}
	seen := map[int64]bool{}
	for i := 0; i < 3; i++ {
		sel, err := s.Select(ctx, f)
		require.NoError(t, err)
		assert.False(sel.Exhausted)
		assert.False(seen[sel.Template.ID], "template %d repeated", sel.Template.ID)
		seen[sel.Template.ID] = true
		require.NoError(t, cache.MarkUsed(ctx, recency.TemplateKey(sel.Template.ID), 24*time.Hour))
	}

	// everything is blocked: a repeat is the defined fallback
	sel, err := s.Select(ctx, f)
	require.NoError(t, err)
	assert.True(sel.Exhausted)
	assert.True(seen[sel.Template.ID])
}

func TestSelectAfterExpiry(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	store, cache, clock := fixtures(t)
	s := New(store, cache, nil, 1)

	f := template.Filter{Category: "日常"}
	sel, err := s.Select(ctx, f)
	require.NoError(t, err)
	require.NoError(t, cache.MarkUsed(ctx, recency.TemplateKey(sel.Template.ID), time.Hour))

	sel, err = s.Select(ctx, f)
	require.NoError(t, err)
	assert.True(sel.Exhausted)

	clock.Advance(time.Hour)
	sel, err = s.Select(ctx, f)
	require.NoError(t, err)
	assert.False(sel.Exhausted)
}

func TestSelectUniform(t *testing.T) {
	ctx := context.Background()
	store, cache, _ := fixtures(t)
	s := New(store, cache, nil, 99)

	counts := map[int64]int{}
	for i := 0; i < 3000; i++ {
		sel, err := s.Select(ctx, template.Filter{})
		require.NoError(t, err)
		counts[sel.Template.ID]++
	}
	assert.Len(t, counts, 5)
	for id, n := range counts {
		assert.InDelta(t, 600, n, 120, "template %d", id)
	}
}

func TestSelectNotFound(t *testing.T) {
	ctx := context.Background()
	store, cache, _ := fixtures(t)
	s := New(store, cache, nil, 1)

	_, err := s.Select(ctx, template.Filter{Category: "宇宙"})
	assert.ErrorIs(t, err, template.ErrNotFound)

	s.Store = brokenStore{}
	_, err = s.Select(ctx, template.Filter{})
	assert.ErrorIs(t, err, template.ErrStoreUnavailable)
	assert.False(t, errors.Is(err, template.ErrNotFound))
}

func TestSelectDegraded(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	store, _, _ := fixtures(t)
	sent := &countingNotifier{n: make(chan string, 10)}
	alerter := notify.NewAlerter(sent, time.Hour, 10)
	s := New(store, brokenCache{}, alerter, 1)

	sel, err := s.Select(ctx, template.Filter{})
	require.NoError(t, err)
	assert.True(sel.Degraded)
	assert.False(sel.Exhausted)

	// a second degraded selection is throttled by the alert cooldown
	_, err = s.Select(ctx, template.Filter{})
	require.NoError(t, err)
	alerter.Wait()
	assert.Len(sent.n, 1)
	assert.Contains(<-sent.n, "recency")
}
