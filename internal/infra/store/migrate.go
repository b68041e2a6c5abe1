package store

import (
	"embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
)

//go:embed migrations
var migrations embed.FS

// Migrator applies the embedded schema migrations for one database.
type Migrator struct {
	db     *sqlx.DB
	driver string
	logger *slog.Logger
	mg     *migrate.Migrate
}

// NewMigrator creates a migrator over an open connection.
func NewMigrator(db *sqlx.DB, driverName string, logger *slog.Logger) *Migrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Migrator{db: db, driver: driverName, logger: logger}
}

// instance builds the migrate handle once. Closing it would close the shared
// pool, so it lives as long as the Migrator.
func (m *Migrator) instance() (*migrate.Migrate, error) {
	if m.mg != nil {
		return m.mg, nil
	}

	var (
		target database.Driver
		err    error
	)
	switch m.driver {
	case DriverPostgres:
		target, err = postgres.WithInstance(m.db.DB, &postgres.Config{})
	case DriverSQLite:
		target, err = sqlite.WithInstance(m.db.DB, &sqlite.Config{})
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", m.driver)
	}
	if err != nil {
		return nil, fmt.Errorf("creating %s migration driver: %w", m.driver, err)
	}

	source, err := iofs.New(migrations, "migrations/"+m.driver)
	if err != nil {
		return nil, fmt.Errorf("loading embedded migrations: %w", err)
	}

	mg, err := migrate.NewWithInstance("iofs", source, m.driver, target)
	if err != nil {
		return nil, fmt.Errorf("creating migrate instance: %w", err)
	}
	m.mg = mg
	return mg, nil
}

// Up applies every pending migration.
func (m *Migrator) Up() error {
	mg, err := m.instance()
	if err != nil {
		return err
	}

	if err := mg.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			m.logger.Info("schema is up to date")
			return nil
		}
		return fmt.Errorf("running migrations: %w", err)
	}
	m.logger.Info("migrations applied")
	return nil
}

// Down rolls back the most recent migration.
func (m *Migrator) Down() error {
	mg, err := m.instance()
	if err != nil {
		return err
	}

	if err := mg.Steps(-1); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			m.logger.Info("no migrations to roll back")
			return nil
		}
		return fmt.Errorf("rolling back migration: %w", err)
	}
	m.logger.Info("migration rolled back")
	return nil
}

// Version reports the applied schema version. A fresh database is version 0.
func (m *Migrator) Version() (uint, bool, error) {
	mg, err := m.instance()
	if err != nil {
		return 0, false, err
	}

	version, dirty, err := mg.Version()
	if err != nil {
		if errors.Is(err, migrate.ErrNilVersion) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("reading schema version: %w", err)
	}
	return version, dirty, nil
}

// AutoMigrate refuses to touch a dirty schema and otherwise brings it up to date.
func (m *Migrator) AutoMigrate() error {
	version, dirty, err := m.Version()
	if err != nil {
		return err
	}
	if dirty {
		return fmt.Errorf("database schema is dirty at version %d", version)
	}
	if err := m.Up(); err != nil {
		return err
	}

	current, _, err := m.Version()
	if err != nil {
		return err
	}
	m.logger.Info("schema migrated", "from_version", version, "to_version", current)
	return nil
}
