package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"storyline/db"
	"storyline/firehose"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

func subscribeCmd() *cli.Command {
	return &cli.Command{
		Name:  "subscribe",
		Usage: "Ingest posts from the Bluesky firehose",
		Description: `Subscribes to the Bluesky Jetstream firehose and stores every new post
		that passes the language and spam filters. Reconnects resume shortly
		before the latest stored post.`,
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:    "jetstream-host",
				Usage:   "Jetstream host to connect to, may be repeated",
				EnvVars: []string{"STORYLINE_JETSTREAM_HOSTS"},
			},
			&cli.StringSliceFlag{
				Name:    "language",
				Usage:   "Language tag to keep, may be repeated",
				EnvVars: []string{"STORYLINE_LANGUAGES"},
			},
		},
		Action: func(ctx *cli.Context) error {
			cfg, err := loadConfig(ctx)
			if err != nil {
				return err
			}
			database, err := db.Open(cfg.Database.Driver, cfg.Database.DSN)
			if err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			defer database.Close()

			fc := firehose.Config{
				JetstreamHosts: cfg.Firehose.JetstreamHosts,
				Compress:       cfg.Firehose.Compress,
				UserAgent:      "storyline",
				Languages:      cfg.Firehose.Languages,
				MinWords:       cfg.Firehose.MinWords,
				Workers:        cfg.Firehose.Workers,
			}
			if ctx.IsSet("jetstream-host") {
				fc.JetstreamHosts = ctx.StringSlice("jetstream-host")
			}
			if ctx.IsSet("language") {
				fc.Languages = ctx.StringSlice("language")
			}

			runCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			log.WithFields(log.Fields{
				"hosts":     fc.JetstreamHosts,
				"languages": fc.Languages,
			}).Info("Subscribing to firehose")
			return firehose.Subscribe(runCtx, database, fc)
		},
	}
}
