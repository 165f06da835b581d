package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"syscall"
	"time"

	cli "github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/shooebill/nikune/pkg/metrics"
	"github.com/shooebill/nikune/scheduler"
	"github.com/shooebill/nikune/template"
	"github.com/shooebill/nikune/usage"
	"github.com/shooebill/nikune/util/cliutil"
)

var configFlag = &cli.StringFlag{
	Name:    "config",
	Usage:   "YAML scheduler config; unset fields keep their defaults",
	EnvVars: []string{"NIKUNE_CONFIG"},
}

var dryRunFlag = &cli.BoolFlag{
	Name:    "dry-run",
	Usage:   "compose and log, but never write to the platform or mark anything used",
	EnvVars: []string{"NIKUNE_DRY_RUN"},
}

func schedulerConfig(cctx *cli.Context) (scheduler.Config, error) {
	cfg := scheduler.DefaultConfig()
	loc, err := time.LoadLocation(cctx.String("timezone"))
	if err != nil {
		return cfg, fmt.Errorf("invalid timezone: %w", err)
	}
	cfg.Location = loc
	if path := cctx.String("config"); path != "" {
		if cfg, err = scheduler.LoadConfigFile(path, cfg); err != nil {
			return cfg, err
		}
	}
	cfg.DryRun = cctx.Bool("dry-run")
	return cfg, nil
}

func newScheduler(cctx *cli.Context, b *bot) (*scheduler.Scheduler, error) {
	cfg, err := schedulerConfig(cctx)
	if err != nil {
		return nil, err
	}
	return scheduler.New(scheduler.Deps{
		Store:   b.store,
		Cache:   b.cache,
		Client:  b.client,
		Policy:  b.policy,
		Usage:   b.usage,
		Alerter: b.alerter,
		Clock:   b.clock,
		Logger:  b.logger.With("component", "scheduler"),
	}, cfg)
}

var postCmd = &cli.Command{
	Name:  "post",
	Usage: "publish one post now",
	Flags: []cli.Flag{
		configFlag,
		dryRunFlag,
		&cli.StringFlag{
			Name:  "category",
			Usage: "only pick templates in this category",
		},
		&cli.StringFlag{
			Name:  "tone",
			Usage: "only pick templates with this tone",
		},
		&cli.StringFlag{
			Name:  "text",
			Usage: "post this literal text instead of a template",
		},
	},
	Action: func(cctx *cli.Context) error {
		b, err := openBot(cctx, cctx.Bool("dry-run"))
		if err != nil {
			return err
		}
		defer b.Close()
		s, err := newScheduler(cctx, b)
		if err != nil {
			return err
		}

		res, err := s.PostNow(cctx.Context, scheduler.PostRequest{
			Filter: template.Filter{Category: cctx.String("category"), Tone: cctx.String("tone")},
			Text:   cctx.String("text"),
			DryRun: cctx.Bool("dry-run"),
		})
		if err != nil {
			return err
		}
		fmt.Println(res.Text)
		if res.Ref.URI != "" {
			fmt.Println(res.Ref.URI)
		}
		return nil
	},
}

var quoteCheckCmd = &cli.Command{
	Name:  "quote-check",
	Usage: "scan the timeline once and quote at most one matching post",
	Flags: []cli.Flag{
		configFlag,
		dryRunFlag,
	},
	Action: func(cctx *cli.Context) error {
		b, err := openBot(cctx, cctx.Bool("dry-run"))
		if err != nil {
			return err
		}
		defer b.Close()
		s, err := newScheduler(cctx, b)
		if err != nil {
			return err
		}

		res, err := s.ScanOnce(cctx.Context, cctx.Bool("dry-run"))
		if err != nil {
			return err
		}
		fmt.Printf("fetched %d posts\n", res.Fetched)
		switch {
		case res.Candidate == nil:
			fmt.Println("no candidate")
		case res.Quoted:
			fmt.Printf("quoted %s: %s\n", res.Candidate.SourceID, res.Comment)
		case res.Duplicate:
			fmt.Printf("already quoted %s\n", res.Candidate.SourceID)
		case !res.Decision.Permitted:
			fmt.Printf("rate limited (%s), retry after %s\n", res.Decision.Reason, res.Decision.RetryAfter.Round(time.Second))
		default:
			fmt.Printf("would quote %s: %s\n", res.Candidate.SourceID, res.Comment)
		}
		return nil
	},
}

var runCmd = &cli.Command{
	Name:  "run",
	Usage: "run the scheduled posting and quote scanning loops",
	Flags: []cli.Flag{
		configFlag,
		dryRunFlag,
		&cli.StringFlag{
			Name:    "metrics-listen",
			Usage:   "IP or address, and port, to listen on for metrics APIs",
			Value:   ":2471",
			EnvVars: []string{"NIKUNE_METRICS_LISTEN"},
		},
	},
	Action: func(cctx *cli.Context) error {
		ctx, stop := signal.NotifyContext(cctx.Context, syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		shutdownOTEL, err := configOTEL(ctx, "nikune")
		if err != nil {
			return err
		}
		defer shutdownOTEL()

		b, err := openBot(cctx, cctx.Bool("dry-run"))
		if err != nil {
			return err
		}
		defer b.Close()
		if _, err := template.SeedIfEmpty(ctx, b.store); err != nil {
			return err
		}
		s, err := newScheduler(cctx, b)
		if err != nil {
			return err
		}

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			if err := metrics.RunServer(ctx, cctx.String("metrics-listen")); err != nil {
				return fmt.Errorf("failed to start metrics endpoint: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			st := s.Status(3)
			slog.Info("nikune running", "dry_run", st.DryRun, "next_posts", st.NextSlots, "scan_interval", st.ScanInterval)
			return s.Run(ctx)
		})
		err = g.Wait()
		slog.Info("nikune stopped")
		return err
	},
}

var templatesCmd = &cli.Command{
	Name:  "templates",
	Usage: "manage post templates",
	Subcommands: []*cli.Command{
		{
			Name:  "import",
			Usage: "import templates from a TSV file with category, tone and template columns",
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:     "file",
					Required: true,
				},
				&cli.BoolFlag{
					Name:  "clear",
					Usage: "delete all existing templates first",
				},
			},
			Action: func(cctx *cli.Context) error {
				ctx := cctx.Context
				store, err := openStore(cctx)
				if err != nil {
					return err
				}
				f, err := os.Open(cctx.String("file"))
				if err != nil {
					return err
				}
				defer f.Close()
				if cctx.Bool("clear") {
					if err := store.ClearTemplates(ctx); err != nil {
						return err
					}
				}
				res, err := template.ImportTSV(ctx, store, f, template.DefaultVocabulary())
				if err != nil {
					return err
				}
				fmt.Printf("imported %d templates (%d incomplete, %d invalid rows skipped)\n", res.Imported, res.Incomplete, res.Invalid)
				return nil
			},
		},
		{
			Name:  "export",
			Usage: "write templates as TSV",
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:  "file",
					Usage: "output path; stdout when empty",
				},
				&cli.StringFlag{Name: "category"},
				&cli.StringFlag{Name: "tone"},
			},
			Action: func(cctx *cli.Context) error {
				store, err := openStore(cctx)
				if err != nil {
					return err
				}
				var out io.Writer = os.Stdout
				if path := cctx.String("file"); path != "" {
					f, err := os.Create(path)
					if err != nil {
						return err
					}
					defer f.Close()
					out = f
				}
				n, err := template.ExportTSV(cctx.Context, store, out, template.Filter{Category: cctx.String("category"), Tone: cctx.String("tone")})
				if err != nil {
					return err
				}
				slog.Info("exported templates", "count", n)
				return nil
			},
		},
		{
			Name:  "seed",
			Usage: "add the sample templates if the store is empty",
			Action: func(cctx *cli.Context) error {
				store, err := openStore(cctx)
				if err != nil {
					return err
				}
				n, err := template.SeedIfEmpty(cctx.Context, store)
				if err != nil {
					return err
				}
				fmt.Printf("added %d sample templates\n", n)
				return nil
			},
		},
	},
}

// openStore is for commands which need only the template database.
func openStore(cctx *cli.Context) (*template.GormStore, error) {
	db, err := cliutil.SetupDatabase(cctx.String("database-url"), cctx.Int("max-db-connections"))
	if err != nil {
		return nil, err
	}
	return template.NewGormStore(db)
}

type templateUsage struct {
	ID       int64  `json:"id"`
	Category string `json:"category"`
	Total    int    `json:"total"`
	Today    int    `json:"today"`
}

var statsCmd = &cli.Command{
	Name:  "stats",
	Usage: "template counts and usage",
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  "json",
			Usage: "print as JSON",
		},
	},
	Action: func(cctx *cli.Context) error {
		ctx := cctx.Context
		b, err := openBot(cctx, true)
		if err != nil {
			return err
		}
		defer b.Close()

		st, err := template.ComputeStats(ctx, b.store)
		if err != nil {
			return err
		}
		templates, err := b.store.ListTemplates(ctx, template.Filter{})
		if err != nil {
			return err
		}
		var used []templateUsage
		for _, t := range templates {
			u, err := templateCounts(ctx, b.usage, t)
			if err != nil {
				slog.Warn("usage counters unavailable", "err", err)
				break
			}
			used = append(used, u)
		}
		sort.SliceStable(used, func(i, j int) bool { return used[i].Total > used[j].Total })

		if cctx.Bool("json") {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{"templates": st, "usage": used})
		}
		fmt.Printf("templates: %d\n", st.Total)
		for _, k := range sortedKeys(st.ByCategory) {
			fmt.Printf("  category %s: %d\n", k, st.ByCategory[k])
		}
		for _, k := range sortedKeys(st.ByTone) {
			fmt.Printf("  tone %s: %d\n", k, st.ByTone[k])
		}
		for _, u := range used {
			fmt.Printf("  #%d (%s): %d total, %d today\n", u.ID, u.Category, u.Total, u.Today)
		}
		return nil
	},
}

func templateCounts(ctx context.Context, c usage.Counter, t template.Template) (templateUsage, error) {
	id := strconv.FormatInt(t.ID, 10)
	total, err := c.GetCount(ctx, "template", id, usage.PeriodTotal)
	if err != nil {
		return templateUsage{}, err
	}
	today, err := c.GetCount(ctx, "template", id, usage.PeriodDay)
	if err != nil {
		return templateUsage{}, err
	}
	return templateUsage{ID: t.ID, Category: t.Category, Total: total, Today: today}, nil
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var statusCmd = &cli.Command{
	Name:  "status",
	Usage: "upcoming scheduled posts and quote limits",
	Flags: []cli.Flag{
		configFlag,
		&cli.IntFlag{
			Name:  "slots",
			Usage: "number of upcoming trigger slots to list",
			Value: 5,
		},
	},
	Action: func(cctx *cli.Context) error {
		// the platform is not contacted
		b, err := openBot(cctx, true)
		if err != nil {
			return err
		}
		defer b.Close()
		s, err := newScheduler(cctx, b)
		if err != nil {
			return err
		}
		cfg, err := schedulerConfig(cctx)
		if err != nil {
			return err
		}

		st := s.Status(cctx.Int("slots"))
		fmt.Printf("now: %s\n", st.Now.Format(time.DateTime+" MST"))
		fmt.Println("upcoming posts:")
		for _, slot := range st.NextSlots {
			fmt.Printf("  %s\n", slot.Format(time.DateTime+" MST"))
		}
		if st.NextCategory != "" {
			fmt.Printf("next category: %s (rotation %v)\n", st.NextCategory, cfg.Categories)
		}
		if st.ScanInterval > 0 {
			fmt.Printf("quote scan: every %s, at most %d per %s, %s apart\n", st.ScanInterval, cfg.RateMax, cfg.RateWindow, cfg.RateMinSpacing)
		} else {
			fmt.Println("quote scan: disabled")
		}
		fmt.Printf("quotes in window: %d, next allowed now: %t\n", st.Quotes.Count, st.QuoteDecision.Permitted)
		fmt.Printf("quote keywords: %d, NG keywords: %d\n", len(b.policy.Keywords()), len(b.policy.NGKeywords()))
		if b.rdb == nil {
			fmt.Println("recency: in-process (not shared with a running bot)")
		} else {
			fmt.Println("recency: redis")
		}
		return nil
	},
}

var healthCmd = &cli.Command{
	Name:  "health",
	Usage: "check reachability of the database, redis and the platform",
	Flags: []cli.Flag{
		dryRunFlag,
	},
	Action: func(cctx *cli.Context) error {
		b, err := openBot(cctx, cctx.Bool("dry-run"))
		if err != nil {
			return err
		}
		defer b.Close()

		r := b.healthChecker().CheckAll(cctx.Context)
		if _, err := r.WriteTo(os.Stdout); err != nil {
			return err
		}
		if !r.Healthy() {
			return cli.Exit("unhealthy", 1)
		}
		return nil
	},
}
