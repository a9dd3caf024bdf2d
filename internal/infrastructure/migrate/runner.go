// Package migrate applies the schema for conversations, listing drafts and sellers.
package migrate

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file" // file source for migrations
	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

// ErrDirty is returned when a previous migration failed half way.
var ErrDirty = errors.New("database is in dirty state")

type Config struct {
	DatabaseURL    string
	MigrationsPath string
}

type Runner struct {
	config *Config
	logger *zap.Logger
}

func NewRunner(config *Config, logger *zap.Logger) *Runner {
	return &Runner{
		config: config,
		logger: logger,
	}
}

// open returns a migrate instance and a func that releases it and its connection.
func (r *Runner) open() (*migrate.Migrate, func(), error) {
	db, err := sql.Open("postgres", r.config.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("failed to create postgres driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(
		fmt.Sprintf("file://%s", r.config.MigrationsPath),
		"postgres",
		driver,
	)
	if err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}

	closeFn := func() {
		srcErr, dbErr := m.Close()
		if srcErr != nil || dbErr != nil {
			r.logger.Warn("Failed to close migration resources",
				zap.NamedError("source_error", srcErr),
				zap.NamedError("database_error", dbErr))
		}
	}
	return m, closeFn, nil
}

// Up applies steps pending migrations, or all of them when steps is zero or less.
func (r *Runner) Up(steps int) (uint, error) {
	m, closeFn, err := r.open()
	if err != nil {
		return 0, err
	}
	defer closeFn()

	if steps > 0 {
		err = m.Steps(steps)
	} else {
		err = m.Up()
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return 0, fmt.Errorf("failed to run migrations: %w", err)
	}

	version, err := r.cleanVersion(m)
	if err != nil {
		return 0, err
	}
	r.logger.Info("Migrations applied", zap.Uint("version", version))
	return version, nil
}

// Down rolls back steps migrations, at least one.
func (r *Runner) Down(steps int) (uint, error) {
	if steps < 1 {
		steps = 1
	}

	m, closeFn, err := r.open()
	if err != nil {
		return 0, err
	}
	defer closeFn()

	if err := m.Steps(-steps); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return 0, fmt.Errorf("failed to rollback migrations: %w", err)
	}

	version, err := r.cleanVersion(m)
	if err != nil {
		return 0, err
	}
	r.logger.Info("Migrations rolled back", zap.Uint("version", version))
	return version, nil
}

// Version returns the applied version and whether it is dirty. Zero means none applied.
func (r *Runner) Version() (uint, bool, error) {
	m, closeFn, err := r.open()
	if err != nil {
		return 0, false, err
	}
	defer closeFn()

	return version(m)
}

func (r *Runner) cleanVersion(m *migrate.Migrate) (uint, error) {
	v, dirty, err := version(m)
	if err != nil {
		return 0, err
	}
	if dirty {
		return v, fmt.Errorf("%w at version %d", ErrDirty, v)
	}
	return v, nil
}

func version(m *migrate.Migrate) (uint, bool, error) {
	v, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to get version: %w", err)
	}
	return v, dirty, nil
}
