package main

import (
	"log/slog"
	"os"

	"github.com/carlmjohnson/versioninfo"
	_ "github.com/joho/godotenv/autoload"
	cli "github.com/urfave/cli/v2"
	_ "go.uber.org/automaxprocs"
	_ "time/tzdata"

	"github.com/shooebill/nikune/util/cliutil"
)

func main() {
	if err := run(os.Args); err != nil {
		slog.Error("exiting", "err", err)
		os.Exit(-1)
	}
}

func run(args []string) error {

	app := cli.App{
		Name:    "nikune",
		Usage:   "meat-loving bear bot for Bluesky",
		Version: versioninfo.Short(),
	}

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "database-url",
			Usage:   "template database (sqlite:// or postgres://)",
			Value:   "sqlite://data/nikune/nikune.db",
			EnvVars: []string{"DATABASE_URL"},
		},
		&cli.IntFlag{
			Name:    "max-db-connections",
			Value:   10,
			EnvVars: []string{"MAX_DB_CONNECTIONS"},
		},
		&cli.BoolFlag{
			Name:    "db-tracing",
			Usage:   "emit OTEL spans for database queries",
			EnvVars: []string{"NIKUNE_DB_TRACING"},
		},
		&cli.StringFlag{
			Name:    "redis-url",
			Usage:   "redis for recency and usage counters; in-process when empty",
			EnvVars: []string{"NIKUNE_REDIS_URL", "REDIS_URL"},
		},
		&cli.StringFlag{
			Name:    "bsky-host",
			Usage:   "method, hostname, and port of PDS or entryway",
			Value:   "https://bsky.social",
			EnvVars: []string{"NIKUNE_BSKY_HOST", "ATP_PDS_HOST"},
		},
		&cli.StringFlag{
			Name:    "bsky-handle",
			EnvVars: []string{"NIKUNE_BSKY_HANDLE", "BSKY_HANDLE"},
		},
		&cli.StringFlag{
			Name:    "bsky-app-password",
			EnvVars: []string{"NIKUNE_BSKY_APP_PASSWORD", "BSKY_APP_PASSWORD"},
		},
		&cli.Float64Flag{
			Name:    "bsky-rate-limit",
			Usage:   "max requests per second to the PDS",
			Value:   2,
			EnvVars: []string{"NIKUNE_BSKY_RATE_LIMIT"},
		},
		&cli.StringFlag{
			Name:    "slack-webhook-url",
			Usage:   "Slack incoming webhook for operator alerts",
			EnvVars: []string{"SLACK_WEBHOOK_URL"},
		},
		&cli.StringFlag{
			Name:    "slack-username",
			Value:   "nikune",
			EnvVars: []string{"SLACK_USERNAME"},
		},
		&cli.StringFlag{
			Name:    "slack-icon-emoji",
			Value:   ":bear:",
			EnvVars: []string{"SLACK_ICON_EMOJI"},
		},
		&cli.StringFlag{
			Name:    "line-channel-token",
			Usage:   "LINE Messaging API channel access token for operator alerts",
			EnvVars: []string{"LINE_CHANNEL_ACCESS_TOKEN"},
		},
		&cli.StringSliceFlag{
			Name:    "line-target-ids",
			Usage:   "LINE user or group ids to push alerts to",
			EnvVars: []string{"LINE_TARGET_IDS"},
		},
		&cli.StringFlag{
			Name:    "quote-keywords",
			Usage:   "comma-separated keywords which make a post a quote candidate; replaces the built-in list",
			EnvVars: []string{"NIKUNE_QUOTE_KEYWORDS"},
		},
		&cli.StringFlag{
			Name:    "ng-keywords",
			Usage:   "comma-separated keywords which exclude a post; replaces the built-in list",
			EnvVars: []string{"NIKUNE_NG_KEYWORDS"},
		},
		&cli.StringFlag{
			Name:    "ng-keywords-file",
			Usage:   "file with one additional NG keyword per line",
			EnvVars: []string{"NIKUNE_NG_KEYWORDS_FILE"},
		},
		&cli.StringFlag{
			Name:    "timezone",
			Usage:   "zone for trigger times and time-of-day text",
			Value:   "Asia/Tokyo",
			EnvVars: []string{"NIKUNE_TIMEZONE", "TZ"},
		},
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "log verbosity level (eg: warn, info, debug)",
			EnvVars: []string{"NIKUNE_LOG_LEVEL", "LOG_LEVEL"},
		},
		&cli.StringFlag{
			Name:    "log-format",
			Usage:   "text or json",
			EnvVars: []string{"NIKUNE_LOG_FMT", "LOG_FMT"},
		},
	}

	app.Before = func(cctx *cli.Context) error {
		_, err := cliutil.SetupSlog(cliutil.LogOptions{
			LogLevel:  cctx.String("log-level"),
			LogFormat: cctx.String("log-format"),
		})
		return err
	}

	app.Commands = []*cli.Command{
		postCmd,
		quoteCheckCmd,
		runCmd,
		templatesCmd,
		statsCmd,
		statusCmd,
		healthCmd,
	}

	return app.Run(args)
}
