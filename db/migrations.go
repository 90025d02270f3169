package db

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	log "github.com/sirupsen/logrus"
)

//go:embed migrations
var fs embed.FS

// Migrate runs all pending migrations for the given driver using golang-migrate
func Migrate(driver, dsn string) error {
	log.WithFields(log.Fields{
		"driver": driver,
	}).Info("Running migrations")

	return withMigrator(driver, dsn, func(m *migrate.Migrate) error {
		if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return err
		}
		return nil
	})
}

// Rollback reverts the most recent migration
func Rollback(driver, dsn string) error {
	log.WithFields(log.Fields{
		"driver": driver,
	}).Info("Rolling back last migration")

	return withMigrator(driver, dsn, func(m *migrate.Migrate) error {
		return m.Steps(-1)
	})
}

func withMigrator(driver, dsn string, fn func(m *migrate.Migrate) error) error {
	// Create a new source instance using the embedded migrations for the driver
	source, err := iofs.New(fs, "migrations/"+driver)
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}

	conn, err := connection(driver, dsn)
	if err != nil {
		return err
	}

	instance, err := databaseInstance(driver, conn)
	if err != nil {
		conn.Close()
		return err
	}

	m, err := migrate.NewWithInstance("iofs", source, driver, instance)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	// Closing the migrator also closes conn
	defer m.Close()

	return fn(m)
}

func databaseInstance(driver string, conn *sql.DB) (database.Driver, error) {
	switch driver {
	case DriverSQLite:
		return sqlite.WithInstance(conn, &sqlite.Config{})
	case DriverPostgres:
		return postgres.WithInstance(conn, &postgres.Config{})
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}
