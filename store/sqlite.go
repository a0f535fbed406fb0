// Package store keeps the local address book and tag registry in SQLite.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/migadu/mailfilter/config"
	"github.com/migadu/mailfilter/filterenv"
	"github.com/migadu/mailfilter/logger"
	"github.com/migadu/mailfilter/pkg/lookupcache"
	"github.com/migadu/mailfilter/pkg/metrics"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements filterenv.AddressBook and filterenv.TagRegistry.
type SQLiteStore struct {
	db      *sqlx.DB
	lookups *lookupcache.Cache[[]filterenv.Contact]
}

// Open opens (or creates) the database at cfg.Path and applies pending
// migrations. ":memory:" gives a private in-memory database.
func Open(cfg config.LocalStoreConfig) (*SQLiteStore, error) {
	ttl, err := cfg.GetLookupCacheTTL()
	if err != nil {
		return nil, fmt.Errorf("invalid lookup cache ttl: %w", err)
	}
	path := cfg.Path
	if path == "" {
		path = ":memory:"
	}

	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	if path == ":memory:" {
		// Every connection would get its own empty database.
		db.SetMaxOpenConns(1)
	} else if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:      db,
		lookups: lookupcache.New[[]filterenv.Contact](ttl, ttl/2, 10000, time.Minute),
	}
	if err := s.runMigrations(); err != nil {
		s.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("STORE: local store opened", "path", path, "lookup_ttl", ttl)
	return s, nil
}

func (s *SQLiteStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = s.lookups.Stop(ctx)
	return s.db.Close()
}

func (s *SQLiteStore) runMigrations() error {
	current := 0
	var tables int
	err := s.db.Get(&tables, "SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'")
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}
	if tables > 0 {
		if err := s.db.Get(&current, "SELECT COALESCE(MAX(version), 0) FROM schema_version"); err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		tx, err := s.db.Beginx()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d: %w", m.version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", m.version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", m.version, err)
		}
		logger.Debug("STORE: applied migration", "version", m.version)
	}
	return nil
}

// Stats counts contacts and tags for the metrics collector.
func (s *SQLiteStore) Stats(ctx context.Context) (*metrics.StoreStats, error) {
	var st metrics.StoreStats
	if err := s.db.GetContext(ctx, &st.Contacts, "SELECT COUNT(*) FROM contacts"); err != nil {
		return nil, fmt.Errorf("counting contacts: %w", err)
	}
	if err := s.db.GetContext(ctx, &st.Tags, "SELECT COUNT(*) FROM tags"); err != nil {
		return nil, fmt.Errorf("counting tags: %w", err)
	}
	return &st, nil
}

var (
	_ filterenv.AddressBook = (*SQLiteStore)(nil)
	_ filterenv.TagRegistry = (*SQLiteStore)(nil)
	_ metrics.StatsProvider = (*SQLiteStore)(nil)
)
