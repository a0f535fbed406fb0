package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	"github.com/migadu/mailfilter/db"
	"github.com/migadu/mailfilter/logger"
	"github.com/migadu/mailfilter/pkg/errors"
)

func printMigrateUsage(w io.Writer) {
	fmt.Fprint(w, `Database Schema Migration Management

Run while no other mailfilter process uses the database. A database lock
keeps two migrations from running at once.

Usage:
  mailfilter migrate <subcommand> [options]

Subcommands:
  up        Apply all pending migrations
  down      Revert migrations
  version   Show the current migration version and dirty state
  force     Force the database to a specific version (for fixing dirty states)

Examples:
  mailfilter migrate up
  mailfilter migrate down -limit 2
  mailfilter migrate down -all
  mailfilter migrate version
  mailfilter migrate force 1
`)
}

func handleMigrate(ctx context.Context, args []string) error {
	if len(args) < 1 {
		printMigrateUsage(os.Stderr)
		return &errors.GracefulError{Operation: "parse migrate command", Err: fmt.Errorf("missing subcommand"), Code: errors.ExitUsage}
	}

	sub := args[0]
	switch sub {
	case "up", "down", "version", "force":
	case "help", "--help", "-h":
		printMigrateUsage(os.Stdout)
		return nil
	default:
		printMigrateUsage(os.Stderr)
		return &errors.GracefulError{Operation: "parse migrate command", Err: fmt.Errorf("unknown subcommand %q", sub), Code: errors.ExitUsage}
	}

	cf := newCommandFlags("migrate "+sub, "Manage the Postgres schema")
	limit := cf.fs.Int("limit", 1, "Number of migrations to revert (down)")
	all := cf.fs.Bool("all", false, "Revert all migrations (down)")
	if err := cf.parse(args[1:]); err != nil {
		return err
	}
	cfg, err := cf.load()
	if err != nil {
		return err
	}
	defer setupLogging(cfg.Logging)()

	if !cfg.Database.IsEnabled() {
		return errors.ValidationError("database.hosts", fmt.Errorf("no database configured"))
	}

	if sub == "up" {
		if err := db.Migrate(ctx, &cfg.Database); err != nil {
			return errors.NewGracefulError("migrate up", err)
		}
		return nil
	}

	m, err := db.NewMigrator(ctx, &cfg.Database)
	if err != nil {
		return errors.NewGracefulError("initialize migrations", err)
	}
	defer m.Close()

	switch sub {
	case "version":
		return showVersion(m)
	case "force":
		if cf.fs.NArg() != 1 {
			return &errors.GracefulError{Operation: "migrate force", Err: fmt.Errorf("exactly one version is required"), Code: errors.ExitUsage}
		}
		version, err := strconv.Atoi(cf.fs.Arg(0))
		if err != nil || version < 0 {
			return &errors.GracefulError{Operation: "migrate force", Err: fmt.Errorf("invalid version %q", cf.fs.Arg(0)), Code: errors.ExitUsage}
		}
		if err := m.Lock(ctx); err != nil {
			return errors.NewGracefulError("migrate force", err)
		}
		defer m.Unlock(context.Background())
		if err := m.Force(version); err != nil {
			return errors.NewGracefulError("migrate force", err)
		}
		logger.Info("DB: migration version forced", "version", version)
		return showVersion(m)
	}

	if err := m.Lock(ctx); err != nil {
		return errors.NewGracefulError("migrate down", err)
	}
	defer m.Unlock(context.Background())

	steps := *limit
	if *all {
		version, dirty, err := m.Version()
		if err != nil {
			return errors.NewGracefulError("migrate down", err)
		}
		if dirty {
			return errors.NewGracefulError("migrate down", fmt.Errorf("database is dirty at version %d, fix it with 'force'", version))
		}
		if version == 0 {
			logger.Info("DB: no migrations to revert")
			return showVersion(m)
		}
		steps = int(version)
	}
	if steps <= 0 {
		return errors.ValidationError("-limit", fmt.Errorf("must be positive, got %d", steps))
	}

	logger.Info("DB: reverting migrations", "count", steps)
	if err := m.Steps(-steps); err != nil && !stderrors.Is(err, migrate.ErrNoChange) {
		return errors.NewGracefulError("migrate down", err)
	}
	return showVersion(m)
}

func showVersion(m *db.Migrator) error {
	version, dirty, err := m.Version()
	if err != nil {
		return errors.NewGracefulError("read migration version", err)
	}
	fmt.Printf("Current migration version: %d (dirty: %t)\n", version, dirty)
	return nil
}
