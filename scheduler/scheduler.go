// Drives the bot: a daily loop posting from templates at fixed times of day,
// and a scan loop quoting matching timeline posts under a rate limit.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/shooebill/nikune/notify"
	"github.com/shooebill/nikune/quote"
	"github.com/shooebill/nikune/ratelimit"
	"github.com/shooebill/nikune/recency"
	"github.com/shooebill/nikune/render"
	"github.com/shooebill/nikune/selector"
	"github.com/shooebill/nikune/social"
	"github.com/shooebill/nikune/template"
	"github.com/shooebill/nikune/usage"
)

// upper bound on a single unit of work, which otherwise ignores shutdown
const unitTimeout = 5 * time.Minute

type Deps struct {
	Store  template.Store
	Cache  recency.Cache
	Client social.Client

	// optional; built from Store, Cache and Config when nil
	Selector  *selector.Selector
	Renderer  *render.Renderer
	Limiter   *ratelimit.Limiter
	Policy    *quote.Policy
	Commenter *quote.Commenter
	Usage     usage.Counter
	Alerter   *notify.Alerter
	Clock     clockwork.Clock
	Logger    *slog.Logger
}

type Scheduler struct {
	cfg       Config
	store     template.Store
	cache     recency.Cache
	client    social.Client
	selector  *selector.Selector
	renderer  *render.Renderer
	limiter   *ratelimit.Limiter
	policy    *quote.Policy
	commenter *quote.Commenter
	usage     usage.Counter
	alerter   *notify.Alerter
	clock     clockwork.Clock
	logger    *slog.Logger

	mu       sync.Mutex
	rng      *rand.Rand
	failures int
	rotation int
}

func New(deps Deps, cfg Config) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Store == nil || deps.Cache == nil || deps.Client == nil {
		return nil, errors.New("scheduler requires a template store, recency cache and social client")
	}
	s := &Scheduler{
		cfg:       cfg,
		store:     deps.Store,
		cache:     deps.Cache,
		client:    deps.Client,
		selector:  deps.Selector,
		renderer:  deps.Renderer,
		limiter:   deps.Limiter,
		policy:    deps.Policy,
		commenter: deps.Commenter,
		usage:     deps.Usage,
		alerter:   deps.Alerter,
		clock:     deps.Clock,
		logger:    deps.Logger,
	}
	if s.clock == nil {
		s.clock = clockwork.NewRealClock()
	}
	if s.logger == nil {
		s.logger = slog.Default().With("component", "scheduler")
	}
	seed := s.clock.Now().UnixNano()
	s.rng = rand.New(rand.NewSource(seed))
	if s.selector == nil {
		s.selector = selector.New(s.store, s.cache, s.alerter, seed)
	}
	if s.renderer == nil {
		s.renderer = render.NewRenderer(seed)
	}
	if s.limiter == nil {
		s.limiter = ratelimit.NewLimiter(cfg.RateWindow, cfg.RateMax, cfg.RateMinSpacing, s.clock)
	}
	if s.policy == nil {
		s.policy = quote.NewPolicy(quote.DefaultKeywords, quote.DefaultNGKeywords)
	}
	if s.commenter == nil {
		s.commenter = quote.NewCommenter(seed)
	}
	return s, nil
}

func (s *Scheduler) Limiter() *ratelimit.Limiter {
	return s.limiter
}

type PostRequest struct {
	Filter template.Filter
	// literal text, bypassing template selection and rendering
	Text   string
	DryRun bool
}

type PostResult struct {
	Text string
	// nil for literal text
	Template  *template.Template
	Exhausted bool
	Degraded  bool
	DryRun    bool
	Ref       social.PostRef
}

// lock takes the per-key advisory lock. An unreachable cache yields a no-op
// unlock so the unit of work still proceeds.
func (s *Scheduler) lock(ctx context.Context, key string) (func(), error) {
	unlock, err := s.cache.Lock(ctx, key)
	if err == nil {
		return unlock, nil
	}
	if errors.Is(err, recency.ErrUnavailable) {
		s.cacheDegraded(ctx, "lock", err)
		return func() {}, nil
	}
	return nil, err
}

func (s *Scheduler) cacheDegraded(ctx context.Context, op string, err error) {
	recencyDegraded.Inc()
	s.logger.Error("recency cache unavailable", "op", op, "err", err)
	s.alerter.Alert(ctx, "recency-degraded", fmt.Sprintf("recency cache unavailable (%s), continuing without dedup: %v", op, err))
}

func (s *Scheduler) recordPublish(ctx context.Context, err error) {
	s.mu.Lock()
	if err == nil {
		s.failures = 0
		s.mu.Unlock()
		return
	}
	s.failures++
	n := s.failures
	s.mu.Unlock()

	if s.cfg.FailureAlertThreshold > 0 && n >= s.cfg.FailureAlertThreshold {
		s.alerter.Alert(ctx, "publish-failures", fmt.Sprintf("%d consecutive post failures, last error: %v", n, err))
	}
}

func actionFailed(err error) error {
	if errors.Is(err, social.ErrActionFailed) {
		return err
	}
	return fmt.Errorf("%w: %w", social.ErrActionFailed, err)
}

// PostNow runs one post unit of work. The template is marked used only after
// the platform confirms the post.
func (s *Scheduler) PostNow(ctx context.Context, req PostRequest) (*PostResult, error) {
	ctx, span := tracer.Start(ctx, "PostNow")
	defer span.End()
	start := s.clock.Now()
	defer func() {
		unitDuration.WithLabelValues("post").Observe(s.clock.Since(start).Seconds())
	}()

	if text := strings.TrimSpace(req.Text); text != "" {
		res := &PostResult{Text: render.Truncate(text, s.renderer.MaxGraphemes), DryRun: req.DryRun}
		if req.DryRun {
			postsTotal.WithLabelValues("dry_run").Inc()
			return res, nil
		}
		ref, err := s.client.Publish(ctx, res.Text)
		s.recordPublish(ctx, err)
		if err != nil {
			postsTotal.WithLabelValues("failed").Inc()
			span.SetStatus(codes.Error, err.Error())
			return res, actionFailed(err)
		}
		res.Ref = ref
		postsTotal.WithLabelValues("published").Inc()
		s.logger.Info("posted literal text", "uri", ref.URI)
		return res, nil
	}

	var sel *selector.Selection
	unlock := func() {}
	defer func() { unlock() }()
	for attempt := 0; ; attempt++ {
		var err error
		sel, err = s.selector.Select(ctx, req.Filter)
		if err != nil {
			if errors.Is(err, template.ErrNotFound) {
				postsTotal.WithLabelValues("no_template").Inc()
			} else {
				postsTotal.WithLabelValues("store_error").Inc()
			}
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		if sel.Degraded {
			recencyDegraded.Inc()
		}
		if req.DryRun {
			break
		}

		key := recency.TemplateKey(sel.Template.ID)
		unlock, err = s.lock(ctx, key)
		if err != nil {
			unlock = func() {}
			return nil, err
		}
		// another process may have posted this template since selection
		if sel.Exhausted || sel.Degraded || attempt >= 2 {
			break
		}
		blocked, err := s.cache.IsBlocked(ctx, key)
		if err != nil || !blocked {
			break
		}
		unlock()
		unlock = func() {}
	}

	tmpl := sel.Template
	span.SetAttributes(attribute.Int64("template_id", tmpl.ID), attribute.String("category", tmpl.Category))
	res := &PostResult{
		Text:      s.renderer.Render(tmpl, s.clock.Now().In(s.cfg.Location)),
		Template:  &tmpl,
		Exhausted: sel.Exhausted,
		Degraded:  sel.Degraded,
		DryRun:    req.DryRun,
	}
	logger := s.logger.With("template_id", tmpl.ID, "category", tmpl.Category)
	if req.DryRun {
		postsTotal.WithLabelValues("dry_run").Inc()
		logger.Info("dry run post", "text", res.Text, "exhausted", sel.Exhausted, "degraded", sel.Degraded)
		return res, nil
	}

	ref, err := s.client.Publish(ctx, res.Text)
	s.recordPublish(ctx, err)
	if err != nil {
		postsTotal.WithLabelValues("failed").Inc()
		span.SetStatus(codes.Error, err.Error())
		logger.Error("failed to publish post", "err", err)
		return res, actionFailed(err)
	}
	res.Ref = ref

	if err := s.cache.MarkUsed(ctx, recency.TemplateKey(tmpl.ID), s.cfg.TemplateTTL); err != nil {
		s.cacheDegraded(ctx, "mark used", err)
	}
	if s.usage != nil {
		if err := s.usage.Increment(ctx, "template", strconv.FormatInt(tmpl.ID, 10)); err != nil {
			logger.Warn("failed to increment usage counter", "err", err)
		}
	}
	postsTotal.WithLabelValues("published").Inc()
	logger.Info("posted", "uri", ref.URI, "exhausted", sel.Exhausted)
	return res, nil
}

type ScanResult struct {
	Fetched   int
	Candidate *quote.Candidate
	Comment   string
	// zero unless a candidate reached the limiter
	Decision ratelimit.Decision
	// candidate was taken by a concurrent quote
	Duplicate bool
	Quoted    bool
	DryRun    bool
	Ref       social.PostRef
}

// firstCandidate returns the first post, in timeline order, which is not
// ours, matches the keyword policy and has not been quoted recently.
func (s *Scheduler) firstCandidate(ctx context.Context, posts []social.Post) *quote.Candidate {
	self := s.client.Self()
	for _, p := range posts {
		if self != "" && p.AuthorDID == self {
			continue
		}
		matched := s.policy.Match(p.Text)
		if len(matched) == 0 {
			continue
		}
		fp := quote.Fingerprint(p.Text, p.URI)
		blocked, err := s.cache.IsBlocked(ctx, recency.QuoteKey(fp))
		if err != nil {
			s.cacheDegraded(ctx, "is blocked", err)
			blocked = false
		}
		if blocked {
			continue
		}
		return &quote.Candidate{
			SourceID:        p.URI,
			CID:             p.CID,
			Author:          p.AuthorHandle,
			AuthorDID:       p.AuthorDID,
			Text:            p.Text,
			MatchedKeywords: matched,
			Fingerprint:     fp,
		}
	}
	return nil
}

// ScanOnce runs one scan unit of work: at most one quote per call. In a dry
// run the limiter is consulted without consuming a permit and nothing is
// quoted or marked.
func (s *Scheduler) ScanOnce(ctx context.Context, dryRun bool) (*ScanResult, error) {
	ctx, span := tracer.Start(ctx, "ScanOnce")
	defer span.End()
	start := s.clock.Now()
	defer func() {
		unitDuration.WithLabelValues("scan").Observe(s.clock.Since(start).Seconds())
	}()
	defer func() {
		if err := s.cache.Purge(ctx); err != nil {
			s.logger.Warn("recency purge failed", "err", err)
		}
	}()

	posts, err := s.client.RecentPosts(ctx, s.cfg.TimelineLimit)
	if err != nil {
		quotesTotal.WithLabelValues("fetch_failed").Inc()
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("scanning timeline: %w", err)
	}
	res := &ScanResult{Fetched: len(posts), DryRun: dryRun}

	cand := s.firstCandidate(ctx, posts)
	if cand == nil {
		quotesTotal.WithLabelValues("no_candidate").Inc()
		s.logger.Debug("no quote candidates", "fetched", len(posts))
		return res, nil
	}
	res.Candidate = cand
	res.Comment = s.commenter.Comment(cand.Text, s.clock.Now().In(s.cfg.Location))
	logger := s.logger.With("source", cand.SourceID, "author", cand.Author, "keywords", cand.MatchedKeywords)

	if dryRun {
		res.Decision = s.limiter.Peek()
		quotesTotal.WithLabelValues("dry_run").Inc()
		logger.Info("dry run quote", "comment", res.Comment, "permitted", res.Decision.Permitted, "reason", res.Decision.Reason)
		return res, nil
	}

	key := recency.QuoteKey(cand.Fingerprint)
	unlock, err := s.lock(ctx, key)
	if err != nil {
		return res, err
	}
	defer unlock()
	if blocked, err := s.cache.IsBlocked(ctx, key); err == nil && blocked {
		res.Duplicate = true
		quotesTotal.WithLabelValues("duplicate").Inc()
		return res, nil
	}

	res.Decision = s.limiter.TryAcquire()
	if !res.Decision.Permitted {
		rateLimitDenied.WithLabelValues(string(res.Decision.Reason)).Inc()
		quotesTotal.WithLabelValues("rate_limited").Inc()
		logger.Info("quote deferred by rate limit", "reason", res.Decision.Reason, "retry_after", res.Decision.RetryAfter)
		return res, nil
	}

	ref, err := s.client.Quote(ctx, social.PostRef{URI: cand.SourceID, CID: cand.CID}, res.Comment)
	if err != nil {
		quotesTotal.WithLabelValues("failed").Inc()
		span.SetStatus(codes.Error, err.Error())
		logger.Error("failed to quote post", "err", err)
		return res, actionFailed(err)
	}
	res.Ref = ref
	res.Quoted = true
	if err := s.cache.MarkUsed(ctx, key, s.cfg.QuoteTTL); err != nil {
		s.cacheDegraded(ctx, "mark used", err)
	}
	quotesTotal.WithLabelValues("quoted").Inc()
	logger.Info("quoted post", "uri", ref.URI, "comment", res.Comment)
	return res, nil
}

// sleepUntil returns early only with the context's error.
func (s *Scheduler) sleepUntil(ctx context.Context, t time.Time) error {
	return s.sleep(ctx, t.Sub(s.clock.Now()))
}

func (s *Scheduler) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := s.clock.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.Chan():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) jitter() time.Duration {
	if s.cfg.Jitter <= 0 {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Duration(s.rng.Int63n(int64(s.cfg.Jitter)))
}

func (s *Scheduler) nextCategory() string {
	if len(s.cfg.Categories) == 0 {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.cfg.Categories[s.rotation%len(s.cfg.Categories)]
	s.rotation++
	return c
}

// fireSlot runs the scheduled post for one slot. Failures are logged and
// never affect later slots.
func (s *Scheduler) fireSlot(ctx context.Context, slot time.Time) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), unitTimeout)
	defer cancel()

	f := template.Filter{Category: s.nextCategory()}
	logger := s.logger.With("slot", slot.Format(time.DateTime), "category", f.Category)
	_, err := s.PostNow(ctx, PostRequest{Filter: f, DryRun: s.cfg.DryRun})
	if errors.Is(err, template.ErrNotFound) && f.Category != "" {
		logger.Warn("no templates in rotation category, using any category")
		_, err = s.PostNow(ctx, PostRequest{DryRun: s.cfg.DryRun})
	}
	if err != nil {
		logger.Error("scheduled post failed", "err", err)
	}
}

// RunDaily fires a post at each trigger time until ctx is cancelled. Slots
// missed while a unit of work overran are coalesced into one immediate post
// for the latest missed slot.
func (s *Scheduler) RunDaily(ctx context.Context) error {
	last := s.clock.Now()
	for {
		slot := NextTrigger(last, s.cfg.Triggers, s.cfg.Location)
		s.logger.Info("next scheduled post", "at", slot)
		if err := s.sleepUntil(ctx, slot); err != nil {
			return nil
		}

		now := s.clock.Now()
		for {
			later := NextTrigger(slot, s.cfg.Triggers, s.cfg.Location)
			if later.After(now) {
				break
			}
			s.logger.Warn("skipping overrun trigger slot", "slot", slot)
			skippedSlots.Inc()
			slot = later
		}

		if err := s.sleep(ctx, s.jitter()); err != nil {
			return nil
		}
		s.fireSlot(ctx, slot)
		last = slot
	}
}

// RunScan scans the timeline every ScanInterval until ctx is cancelled.
func (s *Scheduler) RunScan(ctx context.Context) error {
	if s.cfg.ScanInterval <= 0 {
		s.logger.Info("quote scanning disabled")
		return nil
	}
	for {
		if err := s.sleep(ctx, s.cfg.ScanInterval); err != nil {
			return nil
		}
		unitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), unitTimeout)
		if _, err := s.ScanOnce(unitCtx, s.cfg.DryRun); err != nil {
			s.logger.Error("quote scan failed", "err", err)
		}
		cancel()
	}
}

// Run drives both loops and returns once both have stopped.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.RunDaily(ctx) })
	g.Go(func() error { return s.RunScan(ctx) })
	return g.Wait()
}

type Status struct {
	Now time.Time
	// upcoming trigger slots, in Location
	NextSlots []time.Time
	// rotation category for the next scheduled post; empty means any
	NextCategory string
	ScanInterval time.Duration
	DryRun       bool
	Quotes       ratelimit.Status
	// what an immediate quote would get from the limiter
	QuoteDecision ratelimit.Decision
}

// Status reports the next n trigger slots and the quote limiter state
// without changing either.
func (s *Scheduler) Status(n int) Status {
	now := s.clock.Now().In(s.cfg.Location)
	st := Status{
		Now:           now,
		ScanInterval:  s.cfg.ScanInterval,
		DryRun:        s.cfg.DryRun,
		Quotes:        s.limiter.Status(),
		QuoteDecision: s.limiter.Peek(),
	}
	after := now
	for i := 0; i < n; i++ {
		after = NextTrigger(after, s.cfg.Triggers, s.cfg.Location)
		st.NextSlots = append(st.NextSlots, after)
	}
	if len(s.cfg.Categories) > 0 {
		s.mu.Lock()
		st.NextCategory = s.cfg.Categories[s.rotation%len(s.cfg.Categories)]
		s.mu.Unlock()
	}
	return st
}
