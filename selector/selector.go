// Picks the template for a post: filtered, excluding recently used
// templates, uniformly at random.
package selector

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"

	"github.com/shooebill/nikune/notify"
	"github.com/shooebill/nikune/recency"
	"github.com/shooebill/nikune/template"
)

type Selection struct {
	Template template.Template
	// every matching template was recently used; a repeat was accepted
	Exhausted bool
	// the recency cache could not be consulted
	Degraded bool
}

type Selector struct {
	Store   template.Store
	Cache   recency.Cache
	Alerter *notify.Alerter
	Logger  *slog.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

func New(store template.Store, cache recency.Cache, alerter *notify.Alerter, seed int64) *Selector {
	return &Selector{
		Store:   store,
		Cache:   cache,
		Alerter: alerter,
		Logger:  slog.Default().With("component", "selector"),
		rng:     rand.New(rand.NewSource(seed)),
	}
}

// Select does not mark the chosen template as used; that happens only once
// the post is confirmed.
func (s *Selector) Select(ctx context.Context, f template.Filter) (*Selection, error) {
	all, err := s.Store.ListTemplates(ctx, f)
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, fmt.Errorf("category=%q tone=%q: %w", f.Category, f.Tone, template.ErrNotFound)
	}

	sel := &Selection{}
	candidates := make([]template.Template, 0, len(all))
	for _, t := range all {
		blocked, err := s.Cache.IsBlocked(ctx, recency.TemplateKey(t.ID))
		if err != nil {
			// fail open: without recency data every template is eligible
			s.Logger.Error("recency cache unavailable, selecting without dedup", "err", err)
			s.Alerter.Alert(ctx, "recency-degraded", fmt.Sprintf("recency cache unavailable, posting without dedup: %v", err))
			sel.Degraded = true
			candidates = all
			break
		}
		if !blocked {
			candidates = append(candidates, t)
		}
	}

	if len(candidates) == 0 {
		s.Logger.Info("all matching templates recently used, allowing a repeat", "count", len(all))
		sel.Exhausted = true
		candidates = all
	}

	sel.Template = candidates[s.intn(len(candidates))]
	return sel, nil
}

func (s *Selector) intn(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Intn(n)
}
