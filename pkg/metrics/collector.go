package metrics

import (
	"context"
	"time"

	"github.com/migadu/mailfilter/logger"
)

// StoreStats holds aggregate counts of the local address book store.
type StoreStats struct {
	Contacts int64
	Tags     int64
}

// StatsProvider is an interface for retrieving local store statistics
type StatsProvider interface {
	Stats(ctx context.Context) (*StoreStats, error)
}

// CacheStatsProvider is an interface for cache statistics
type CacheStatsProvider interface {
	GetStats() (objectCount int64, totalSize int64, err error)
}

// Collector periodically refreshes gauge metrics backed by stores.
type Collector struct {
	provider      StatsProvider
	cacheProvider CacheStatsProvider
	interval      time.Duration
	stopCh        chan struct{}
}

// NewCollector creates a new metrics collector. Either provider may be nil.
func NewCollector(provider StatsProvider, cacheProvider CacheStatsProvider, interval time.Duration) *Collector {
	if interval == 0 {
		interval = 60 * time.Second
	}
	return &Collector{
		provider:      provider,
		cacheProvider: cacheProvider,
		interval:      interval,
		stopCh:        make(chan struct{}),
	}
}

// Start runs the collection loop until ctx is done or Stop is called.
func (c *Collector) Start(ctx context.Context) {
	c.collect(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	logger.Info("MetricsCollector started", "interval", c.interval)

	for {
		select {
		case <-ctx.Done():
			logger.Info("MetricsCollector stopping due to context cancellation")
			return
		case <-c.stopCh:
			logger.Info("MetricsCollector stopping due to stop signal")
			return
		case <-ticker.C:
			c.collect(ctx)
		}
	}
}

// Stop signals the collector to stop
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect(ctx context.Context) {
	if c.provider != nil {
		stats, err := c.provider.Stats(ctx)
		if err != nil {
			logger.Error("MetricsCollector: error collecting store metrics", "error", err)
		} else {
			ContactsTotal.Set(float64(stats.Contacts))
			TagsTotal.Set(float64(stats.Tags))
			logger.Debug("MetricsCollector: updated store metrics", "contacts", stats.Contacts, "tags", stats.Tags)
		}
	}

	if c.cacheProvider != nil {
		objectCount, totalSize, err := c.cacheProvider.GetStats()
		if err != nil {
			logger.Error("MetricsCollector: error collecting cache metrics", "error", err)
			return
		}
		CacheObjectsTotal.Set(float64(objectCount))
		CacheSizeBytes.Set(float64(totalSize))
		logger.Debug("MetricsCollector: updated cache metrics", "objects", objectCount, "size_bytes", totalSize)
	}
}
