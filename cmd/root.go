package cmd

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

func RootApp() *cli.App {
	return &cli.App{
		Name:  "storyline",
		Usage: "Group a stream of social posts into named news events",
		Description: `Storyline enriches ingested posts with a generated summary and an
		embedding, clusters the embeddings into events, names each event and
		retires events that have gone quiet.

		Every stage can be run on its own and only advances posts that have not
		reached it yet, so any command is safe to re-run.

		Flags can generally be set via environment variables, e.g.:

		--database => STORYLINE_DATABASE=storyline.db
		--listen => STORYLINE_LISTEN=:8888
		`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the TOML configuration file",
				EnvVars: []string{"STORYLINE_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "database-driver",
				Usage:   "Database driver, sqlite or postgres",
				EnvVars: []string{"STORYLINE_DATABASE_DRIVER"},
			},
			&cli.StringFlag{
				Name:    "database",
				Aliases: []string{"d"},
				Usage:   "SQLite database file or PostgreSQL connection string",
				EnvVars: []string{"STORYLINE_DATABASE"},
			},
			&cli.StringFlag{
				Name:    "generation-api-key",
				Usage:   "API key of the text generation service",
				EnvVars: []string{"STORYLINE_GENERATION_API_KEY", "OPENAI_API_KEY"},
			},
			&cli.StringFlag{
				Name:    "embedding-api-key",
				Usage:   "API key of the embedding service",
				EnvVars: []string{"STORYLINE_EMBEDDING_API_KEY", "OPENAI_API_KEY"},
			},
			&cli.StringFlag{
				Name:    "redis",
				Usage:   "Redis address for stage locks shared between processes",
				EnvVars: []string{"STORYLINE_REDIS"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Value:   "info",
				Usage:   "Log level: debug, info, warn or error",
				EnvVars: []string{"STORYLINE_LOG_LEVEL"},
			},
			&cli.StringFlag{
				Name:    "log-format",
				Value:   "text",
				Usage:   "Log format: text or json",
				EnvVars: []string{"STORYLINE_LOG_FORMAT"},
			},
		},
		Before: func(ctx *cli.Context) error {
			return setupLogging(ctx.String("log-level"), ctx.String("log-format"))
		},
		Commands: []*cli.Command{
			serveCmd(),
			migrateCmd(),
			rollbackCmd(),
			summarizeCmd(),
			embedCmd(),
			clusterCmd(),
			archiveCmd(),
			tidyCmd(),
			runCmd(),
			importCmd(),
			subscribeCmd(),
		},
		Action: func(ctx *cli.Context) error {
			// Show help if no command is specified
			return ctx.App.Run([]string{"", "help"})
		},
	}
}

// Execute loads a .env file when present and runs the app
func Execute() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Warnf("Could not load .env file: %v", err)
	}

	if err := RootApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func setupLogging(level, format string) error {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	log.SetLevel(lvl)

	switch format {
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	case "text", "":
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	default:
		return fmt.Errorf("invalid log format %q", format)
	}
	return nil
}
