package db

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/golang-migrate/migrate/v4"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/migadu/mailfilter/config"
	"github.com/migadu/mailfilter/consts"
	"github.com/migadu/mailfilter/logger"
)

//go:embed migrations/*.sql
var MigrationsFS embed.FS

// Migrator wraps a migrate instance together with the connection it holds
// the advisory lock on.
type Migrator struct {
	*migrate.Migrate
	sqlDB *sql.DB
}

// NewMigrator opens a dedicated connection for schema changes.
func NewMigrator(ctx context.Context, cfg *config.DatabaseConfig) (*Migrator, error) {
	connString, err := ConnString(cfg)
	if err != nil {
		return nil, err
	}

	sqlDB, err := sql.Open("pgx", connString)
	if err != nil {
		return nil, fmt.Errorf("failed to open sql.DB for migrations: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	migrations, err := fs.Sub(MigrationsFS, "migrations")
	if err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to get migrations subdirectory: %w", err)
	}
	sourceDriver, err := iofs.New(migrations, ".")
	if err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to create migration source driver: %w", err)
	}
	dbDriver, err := pgxv5.WithInstance(sqlDB, &pgxv5.Config{})
	if err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to create migration db driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "pgx5", dbDriver)
	if err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = migrationLogger{}

	return &Migrator{Migrate: m, sqlDB: sqlDB}, nil
}

// Lock takes the migration advisory lock without waiting for it.
func (m *Migrator) Lock(ctx context.Context) error {
	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var acquired bool
	err := m.sqlDB.QueryRowContext(queryCtx, "SELECT pg_try_advisory_lock($1)", consts.MigrationAdvisoryLockID).Scan(&acquired)
	if err != nil {
		return fmt.Errorf("failed to query for advisory lock: %w", err)
	}
	if !acquired {
		return fmt.Errorf("could not acquire the migration lock; is another mailfilter migrating?")
	}
	return nil
}

func (m *Migrator) Unlock(ctx context.Context) {
	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var unlocked bool
	if err := m.sqlDB.QueryRowContext(queryCtx, "SELECT pg_advisory_unlock($1)", consts.MigrationAdvisoryLockID).Scan(&unlocked); err != nil {
		logger.Warn("DB: failed to release migration lock", "error", err)
	} else if !unlocked {
		logger.Warn("DB: migration lock was not held at release")
	}
}

// Close releases the migrate instance and its connection.
func (m *Migrator) Close() error {
	srcErr, dbErr := m.Migrate.Close()
	return errors.Join(srcErr, dbErr)
}

// Version reports the applied version; 0 with no error means an empty schema.
func (m *Migrator) Version() (uint, bool, error) {
	version, dirty, err := m.Migrate.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

// Migrate applies every pending migration under the advisory lock.
func Migrate(ctx context.Context, cfg *config.DatabaseConfig) error {
	timeout, err := cfg.GetMigrationTimeout()
	if err != nil {
		return fmt.Errorf("invalid migration_timeout: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	m, err := NewMigrator(ctx, cfg)
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Lock(ctx); err != nil {
		return err
	}
	defer m.Unlock(context.Background())

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil {
		return fmt.Errorf("failed to read migration version: %w", err)
	}
	logger.Info("DB: schema up to date", "version", version, "dirty", dirty)
	return nil
}

type migrationLogger struct{}

func (migrationLogger) Printf(format string, v ...any) {
	logger.Infof("DB: migrate: "+format, v...)
}

func (migrationLogger) Verbose() bool { return false }
