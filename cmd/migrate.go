package cmd

import (
	"storyline/db"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

func migrateCmd() *cli.Command {
	return &cli.Command{
		Name:        "migrate",
		Usage:       "Run database migrations",
		Description: `Runs database migrations on the configured database. Will create the database if it does not exist.`,
		Action: func(ctx *cli.Context) error {
			cfg, err := loadConfig(ctx)
			if err != nil {
				return err
			}
			log.WithField("driver", cfg.Database.Driver).Info("Migrating database")
			return db.Migrate(cfg.Database.Driver, cfg.Database.DSN)
		},
	}
}

func rollbackCmd() *cli.Command {
	return &cli.Command{
		Name:        "rollback",
		Usage:       "Rollback database migration",
		Description: `Rolls back the last database migration`,
		Action: func(ctx *cli.Context) error {
			cfg, err := loadConfig(ctx)
			if err != nil {
				return err
			}
			log.WithField("driver", cfg.Database.Driver).Info("Rolling back database")
			return db.Rollback(cfg.Database.Driver, cfg.Database.DSN)
		},
	}
}
