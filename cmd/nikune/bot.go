package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	cli "github.com/urfave/cli/v2"
	"gorm.io/gorm"
	"gorm.io/plugin/opentelemetry/tracing"

	"github.com/shooebill/nikune/health"
	"github.com/shooebill/nikune/notify"
	"github.com/shooebill/nikune/quote"
	"github.com/shooebill/nikune/recency"
	"github.com/shooebill/nikune/social"
	"github.com/shooebill/nikune/template"
	"github.com/shooebill/nikune/usage"
	"github.com/shooebill/nikune/util/cliutil"
	"github.com/shooebill/nikune/util/redisutil"
)

// bot holds the process-wide components every command shares.
type bot struct {
	logger  *slog.Logger
	db      *gorm.DB
	store   *template.GormStore
	rdb     *redis.Client
	cache   recency.Cache
	usage   usage.Counter
	client  social.Client
	policy  *quote.Policy
	alerter *notify.Alerter
	clock   clockwork.Clock
	dryRun  bool
}

// openBot wires the components from global flags. An unreachable template
// store is fatal. A failing redis is reported and the bot runs on, with
// recency and usage degraded.
func openBot(cctx *cli.Context, dryRun bool) (_ *bot, err error) {
	ctx := cctx.Context
	logger := slog.Default()
	b := &bot{
		logger: logger,
		clock:  clockwork.NewRealClock(),
		dryRun: dryRun,
	}
	defer func() {
		if err != nil {
			b.Close()
		}
	}()

	var channels []notify.Notifier
	if u := cctx.String("slack-webhook-url"); u != "" {
		channels = append(channels, notify.NewSlackNotifier(u, cctx.String("slack-username"), cctx.String("slack-icon-emoji")))
	}
	if tok := cctx.String("line-channel-token"); tok != "" {
		channels = append(channels, notify.NewLineNotifier(tok, cctx.StringSlice("line-target-ids")))
	}
	b.alerter = notify.NewAlerter(notify.NewMulti(channels...), time.Hour, 10)

	db, err := cliutil.SetupDatabase(cctx.String("database-url"), cctx.Int("max-db-connections"))
	if err != nil {
		return nil, err
	}
	if cctx.Bool("db-tracing") {
		if err := db.Use(tracing.NewPlugin()); err != nil {
			return nil, err
		}
	}
	b.db = db
	store, err := template.NewGormStore(db)
	if err != nil {
		return nil, fmt.Errorf("template store unavailable: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err = store.Ping(pingCtx)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("template store unavailable: %w", err)
	}
	b.store = store

	if u := cctx.String("redis-url"); u != "" {
		rdb, err := redisutil.NewClient(u)
		if err != nil {
			return nil, err
		}
		b.rdb = rdb
		rc := recency.NewRedisCache(rdb, b.clock)
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := rc.Ping(pingCtx); err != nil {
			logger.Warn("redis unreachable at startup, continuing degraded", "err", err)
			b.alerter.Alert(ctx, "redis-unreachable", fmt.Sprintf("redis unreachable at startup: %v", err))
		}
		cancel()
		b.cache = rc
		b.usage = usage.NewRedisCounter(rdb, b.clock)
	} else {
		logger.Info("redis not configured, using in-process recency cache")
		mc, err := recency.NewMemCache(10_000, b.clock)
		if err != nil {
			return nil, err
		}
		b.cache = mc
		b.usage = usage.NewMemCounter(b.clock)
	}

	b.policy, err = keywordPolicy(cctx)
	if err != nil {
		return nil, err
	}

	if dryRun {
		b.client = social.NewDryRunClient()
	} else {
		handle := cctx.String("bsky-handle")
		password := cctx.String("bsky-app-password")
		if handle == "" || password == "" {
			return nil, errors.New("--bsky-handle and --bsky-app-password are required unless --dry-run is set")
		}
		b.client = social.NewBskyClient(social.BskyConfig{
			Host:              cctx.String("bsky-host"),
			Handle:            handle,
			AppPassword:       password,
			Langs:             []string{"ja"},
			RequestsPerSecond: cctx.Float64("bsky-rate-limit"),
		})
	}
	return b, nil
}

func keywordPolicy(cctx *cli.Context) (*quote.Policy, error) {
	keywords := quote.DefaultKeywords
	if s := cctx.String("quote-keywords"); s != "" {
		keywords = quote.ParseKeywordList(s)
	}
	ng := quote.DefaultNGKeywords
	if s := cctx.String("ng-keywords"); s != "" {
		ng = quote.ParseKeywordList(s)
	}
	if path := cctx.String("ng-keywords-file"); path != "" {
		extra, err := quote.LoadKeywordFile(path)
		if err != nil {
			return nil, err
		}
		ng = append(append([]string{}, ng...), extra...)
	}
	if len(keywords) == 0 {
		return nil, errors.New("quote keyword list is empty")
	}
	return quote.NewPolicy(keywords, ng), nil
}

func (b *bot) Close() {
	b.alerter.Wait()
	if b.rdb != nil {
		if err := b.rdb.Close(); err != nil {
			b.logger.Warn("closing redis client", "err", err)
		}
	}
	if b.db != nil {
		if sqldb, err := b.db.DB(); err == nil {
			_ = sqldb.Close()
		}
	}
}

func (b *bot) healthChecker() *health.Checker {
	c := health.NewChecker().
		Add("store", true, b.store).
		Add("social", !b.dryRun, b.client)
	if rc, ok := b.cache.(*recency.RedisCache); ok {
		c.Add("cache", false, rc)
	}
	return c
}
