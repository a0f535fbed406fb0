// Package cache keeps complete message payloads on local disk so a refetch
// after a header-only pass does not go back to the remote store.
package cache

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/migadu/mailfilter/config"
	"github.com/migadu/mailfilter/consts"
	"github.com/migadu/mailfilter/logger"
	"github.com/migadu/mailfilter/pkg/metrics"
	"lukechampine.com/blake3"
	_ "modernc.org/sqlite"
)

const DataDir = "data"
const IndexDB = "cache_index.db"

type Cache struct {
	basePath      string
	capacity      int64
	maxObjectSize int64
	purgeInterval time.Duration
	db            *sql.DB
	mu            sync.Mutex

	hits   int64
	misses int64
}

// Key derives the cache key of one stored item.
func Key(store, collection, id string) string {
	sum := blake3.Sum256([]byte(store + ":" + collection + ":" + id))
	return hex.EncodeToString(sum[:])
}

// NewFromConfig opens the cache described by cfg.
func NewFromConfig(cfg config.LocalCacheConfig) (*Cache, error) {
	capacity, err := cfg.GetCapacity()
	if err != nil {
		return nil, fmt.Errorf("invalid cache capacity: %w", err)
	}
	maxObjectSize, err := cfg.GetMaxObjectSize()
	if err != nil {
		return nil, fmt.Errorf("invalid cache max_object_size: %w", err)
	}
	purgeInterval, err := cfg.GetPurgeInterval()
	if err != nil {
		return nil, fmt.Errorf("invalid cache purge_interval: %w", err)
	}
	return New(cfg.Path, capacity, maxObjectSize, purgeInterval)
}

func New(basePath string, capacity, maxObjectSize int64, purgeInterval time.Duration) (*Cache, error) {
	basePath = strings.TrimSpace(basePath)
	if basePath == "" {
		return nil, fmt.Errorf("cache base path cannot be empty")
	}
	basePath = filepath.Clean(basePath)

	dataDir := filepath.Join(basePath, DataDir)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache data path %s: %w", dataDir, err)
	}

	db, err := sql.Open("sqlite", filepath.Join(basePath, IndexDB))
	if err != nil {
		return nil, fmt.Errorf("failed to open cache index DB: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL;`); err != nil {
		logger.Warn("CACHE: failed to enable WAL", "error", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS cache_index (
		key TEXT PRIMARY KEY,
		size INTEGER NOT NULL,
		mod_time INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_cache_mod_time ON cache_index(mod_time);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create cache schema: %w", err)
	}

	return &Cache{
		basePath:      basePath,
		capacity:      capacity,
		maxObjectSize: maxObjectSize,
		purgeInterval: purgeInterval,
		db:            db,
	}, nil
}

func (c *Cache) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// path splits the key over two directory levels.
func (c *Cache) path(key string) string {
	if len(key) < 4 {
		return filepath.Join(c.basePath, DataDir, key)
	}
	return filepath.Join(c.basePath, DataDir, key[:2], key[2:4], key[4:])
}

// Get returns the cached payload or consts.ErrCacheMiss.
func (c *Cache) Get(key string) ([]byte, error) {
	data, err := os.ReadFile(c.path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			atomic.AddInt64(&c.misses, 1)
			metrics.CacheOperationsTotal.WithLabelValues("get", "miss").Inc()
			return nil, consts.ErrCacheMiss
		}
		metrics.CacheOperationsTotal.WithLabelValues("get", "error").Inc()
		return nil, err
	}
	atomic.AddInt64(&c.hits, 1)
	metrics.CacheOperationsTotal.WithLabelValues("get", "hit").Inc()

	c.mu.Lock()
	if _, err := c.db.Exec(`UPDATE cache_index SET mod_time = ? WHERE key = ?`, time.Now().UnixNano(), key); err != nil {
		logger.Debug("CACHE: failed to touch entry", "key", key, "error", err)
	}
	c.mu.Unlock()
	return data, nil
}

// Put stores data under key. Payloads above the object limit are refused.
func (c *Cache) Put(key string, data []byte) error {
	if c.maxObjectSize > 0 && int64(len(data)) > c.maxObjectSize {
		metrics.CacheOperationsTotal.WithLabelValues("put", "too_large").Inc()
		return fmt.Errorf("data size %d exceeds object limit %d", len(data), c.maxObjectSize)
	}

	path := c.path(key)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}

	tempFile, err := os.CreateTemp(dir, "put-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temporary cache file: %w", err)
	}
	defer os.Remove(tempFile.Name())

	if _, err := tempFile.Write(data); err != nil {
		tempFile.Close()
		return fmt.Errorf("failed to write temporary cache file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("failed to close temporary cache file: %w", err)
	}
	if err := os.Rename(tempFile.Name(), path); err != nil {
		return fmt.Errorf("failed to move cache file into place: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	_, err = c.db.Exec(`
		INSERT INTO cache_index (key, size, mod_time) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET size = excluded.size, mod_time = excluded.mod_time
	`, key, len(data), time.Now().UnixNano())
	if err != nil {
		metrics.CacheOperationsTotal.WithLabelValues("put", "error").Inc()
		return fmt.Errorf("failed to track cache file: %w", err)
	}
	metrics.CacheOperationsTotal.WithLabelValues("put", "success").Inc()
	return nil
}

// Delete removes key. A missing entry is not an error.
func (c *Cache) Delete(key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	path := c.path(key)
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove cache file: %w", err)
	}
	if _, err := c.db.Exec(`DELETE FROM cache_index WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to remove cache index entry: %w", err)
	}
	removeEmptyParents(path, filepath.Join(c.basePath, DataDir))
	metrics.CacheOperationsTotal.WithLabelValues("delete", "success").Inc()
	return nil
}

func removeEmptyParents(path, stopAt string) {
	for dir := filepath.Dir(path); dir != stopAt && strings.HasPrefix(dir, stopAt); dir = filepath.Dir(dir) {
		if err := os.Remove(dir); err != nil {
			return
		}
	}
}

// PurgeIfNeeded drops the least recently used entries until the cache is
// back within capacity.
func (c *Cache) PurgeIfNeeded(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var total int64
	if err := c.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(size), 0) FROM cache_index`).Scan(&total); err != nil {
		return fmt.Errorf("failed to get total cache size: %w", err)
	}
	if total <= c.capacity {
		return nil
	}

	rows, err := c.db.QueryContext(ctx, `SELECT key, size FROM cache_index ORDER BY mod_time ASC`)
	if err != nil {
		return fmt.Errorf("failed to query purge candidates: %w", err)
	}
	var keys []string
	var freed int64
	for total-freed > c.capacity && rows.Next() {
		var key string
		var size int64
		if err := rows.Scan(&key, &size); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan purge candidate: %w", err)
		}
		keys = append(keys, key)
		freed += size
	}
	rows.Close()

	dataDir := filepath.Join(c.basePath, DataDir)
	for _, key := range keys {
		path := c.path(key)
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.Warn("CACHE: failed to purge file", "path", path, "error", err)
			continue
		}
		if _, err := c.db.ExecContext(ctx, `DELETE FROM cache_index WHERE key = ?`, key); err != nil {
			return fmt.Errorf("failed to remove purged entry: %w", err)
		}
		removeEmptyParents(path, dataDir)
	}
	logger.Info("CACHE: purged entries", "count", len(keys), "freed_bytes", freed)
	metrics.CacheOperationsTotal.WithLabelValues("purge", "success").Add(float64(len(keys)))
	return nil
}

// StartPurgeLoop purges on every interval until ctx is done.
func (c *Cache) StartPurgeLoop(ctx context.Context) {
	if c.purgeInterval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(c.purgeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := c.PurgeIfNeeded(ctx); err != nil {
					logger.Error("CACHE: purge failed", "error", err)
				}
			}
		}
	}()
}

// GetStats reports the number of cached payloads and their total size.
func (c *Cache) GetStats() (int64, int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var count, size int64
	err := c.db.QueryRow(`SELECT COUNT(*), COALESCE(SUM(size), 0) FROM cache_index`).Scan(&count, &size)
	return count, size, err
}

var _ metrics.CacheStatsProvider = (*Cache)(nil)

// HitRatio returns hits and misses since the cache was opened.
func (c *Cache) HitRatio() (hits, misses int64) {
	return atomic.LoadInt64(&c.hits), atomic.LoadInt64(&c.misses)
}
