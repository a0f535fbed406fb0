package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/migadu/mailfilter/cache"
	"github.com/migadu/mailfilter/config"
	"github.com/migadu/mailfilter/db"
	"github.com/migadu/mailfilter/delivery"
	"github.com/migadu/mailfilter/filter"
	"github.com/migadu/mailfilter/filterenv"
	"github.com/migadu/mailfilter/filterlog"
	"github.com/migadu/mailfilter/identity"
	"github.com/migadu/mailfilter/logger"
	"github.com/migadu/mailfilter/pgp"
	"github.com/migadu/mailfilter/pkg/errors"
	"github.com/migadu/mailfilter/pkg/metrics"
	"github.com/migadu/mailfilter/runner"
	"github.com/migadu/mailfilter/store"
	"github.com/redis/go-redis/v9"
)

// jobTimeout bounds background work started by actions.
const jobTimeout = 30 * time.Second

// services holds the process-wide collaborators built from the
// configuration. Optional ones are nil when not configured.
type services struct {
	cfg       config.Config
	account   string
	env       *filterenv.Env
	database  *db.Database
	local     *store.SQLiteStore
	cache     *cache.Cache
	redis     *redis.Client
	history   *filterlog.RedisSink
	collector *metrics.Collector
}

// newServices builds the filter environment for account. account may be
// empty; it then only selects filters without an account restriction and
// MDNs are tracked under the empty account.
func newServices(ctx context.Context, cfg config.Config, account string) (*services, error) {
	s := &services{cfg: cfg, account: account}
	if err := s.init(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *services) init(ctx context.Context) error {
	identities, err := identity.NewManager(s.cfg.Identities)
	if err != nil {
		return errors.ValidationError("identity", err)
	}
	transports, err := delivery.NewManager(s.cfg.Transports, &s.cfg.TransportBreaker)
	if err != nil {
		return errors.ValidationError("transport", err)
	}
	crypto, err := pgp.New(s.cfg.Crypto)
	if err != nil {
		return errors.NewGracefulError("load keyrings", err)
	}
	shell, err := runner.New(s.cfg.Commands)
	if err != nil {
		return errors.ValidationError("commands", err)
	}

	s.env = &filterenv.Env{
		Crypto:     crypto,
		Commands:   shell,
		Identities: identities,
		Transports: transports,
		Sender:     transports,
		Sound:      shell,
		Jobs:       filterenv.NewJobGroup(jobTimeout),
	}

	if s.cfg.LocalStore.Path != "" {
		if s.cfg.LocalStore.Path != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(s.cfg.LocalStore.Path), 0755); err != nil {
				return errors.NewGracefulError("create local store directory", err)
			}
		}
		if s.local, err = store.Open(s.cfg.LocalStore); err != nil {
			return errors.NewGracefulError("open local store", err)
		}
		s.env.AddressBook = s.local
		s.env.Tags = s.local
	}

	if s.cfg.FilterLog.Enabled {
		if s.env.Log, err = s.newFilterLog(ctx); err != nil {
			return err
		}
	}

	if s.cfg.Database.IsEnabled() {
		if s.database, err = db.NewDatabaseFromConfig(ctx, &s.cfg.Database); err != nil {
			return errors.NewGracefulError("connect to database", err)
		}
		s.env.MDN = s.database.MDNTracker(s.account)
		s.database.StartPoolMetrics(ctx)
	}

	if s.cfg.Cache.Enabled {
		if s.cache, err = cache.NewFromConfig(s.cfg.Cache); err != nil {
			return errors.NewGracefulError("open cache", err)
		}
		s.cache.StartPurgeLoop(ctx)
	}

	if s.cfg.Metrics.Enabled {
		var provider metrics.StatsProvider
		if s.local != nil {
			provider = s.local
		}
		var cacheProvider metrics.CacheStatsProvider
		if s.cache != nil {
			cacheProvider = s.cache
		}
		s.collector = metrics.NewCollector(provider, cacheProvider, 0)
		go s.collector.Start(ctx)
	}
	return nil
}

func (s *services) newFilterLog(ctx context.Context) (*filterlog.Log, error) {
	maxSize, err := s.cfg.FilterLog.GetMaxSize()
	if err != nil {
		return nil, errors.ValidationError("filter_log.max_size", err)
	}
	log := filterlog.New(maxSize)
	if len(s.cfg.FilterLog.Categories) > 0 {
		mask, err := filterlog.ParseCategories(s.cfg.FilterLog.Categories)
		if err != nil {
			return nil, errors.ValidationError("filter_log.categories", err)
		}
		log.SetEnabledCategories(mask)
	}
	log.AddSink(filterlog.LoggerSink{})

	if s.cfg.FilterLog.RedisAddr != "" {
		s.redis = redis.NewClient(&redis.Options{
			Addr:     s.cfg.FilterLog.RedisAddr,
			Password: s.cfg.FilterLog.RedisPassword,
			DB:       s.cfg.FilterLog.RedisDB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := s.redis.Ping(pingCtx).Err(); err != nil {
			return nil, errors.NewGracefulError("connect to redis", err)
		}
		s.history = filterlog.NewRedisSink(s.redis, s.cfg.FilterLog.GetRedisKey(), s.cfg.FilterLog.GetRedisMaxEntries())
		log.AddSink(s.history)
		logger.Info("FILTERLOG: persisting entries to redis", "addr", s.cfg.FilterLog.RedisAddr, "key", s.cfg.FilterLog.GetRedisKey())
	}
	return log, nil
}

// manager builds the filter manager for the services' account.
func (s *services) manager(ctx context.Context) (*filter.Manager, error) {
	filters, err := loadFilters(ctx, s.cfg, s.database, s.account)
	if err != nil {
		return nil, err
	}
	return filter.NewManager(s.env, filters), nil
}

// loadFilters returns the configured filters, followed by the account's
// filters from the database when one is given.
func loadFilters(ctx context.Context, cfg config.Config, database *db.Database, account string) ([]*filter.Filter, error) {
	filters, err := filter.LoadFilters(cfg.Filters)
	if err != nil {
		return nil, errors.ValidationError("filter", err)
	}
	if database != nil && account != "" {
		stored, err := database.LoadFilters(ctx, account)
		if err != nil {
			return nil, errors.NewGracefulError("load account filters", err)
		}
		filters = append(filters, stored...)
	}
	logger.Info("Filters loaded", "count", len(filters), "account", account)
	return filters, nil
}

// Close waits for background jobs and releases every resource.
func (s *services) Close() {
	if s.env != nil {
		ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
		if err := s.env.Jobs.Wait(ctx); err != nil {
			logger.Warn("Background jobs did not finish cleanly", "error", err)
		}
		cancel()
	}
	if s.collector != nil {
		s.collector.Stop()
	}
	if s.cache != nil {
		if err := s.cache.Close(); err != nil {
			logger.Warn("Error closing cache", "error", err)
		}
	}
	if s.local != nil {
		if err := s.local.Close(); err != nil {
			logger.Warn("Error closing local store", "error", err)
		}
	}
	if s.database != nil {
		s.database.Close()
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			logger.Warn("Error closing redis client", "error", err)
		}
	}
}

// describe is a one line summary of a filter run for the command output.
func describe(name string, res filter.Result, deleted bool, moveTo string) string {
	line := fmt.Sprintf("%s: matched=%v code=%s", name, res.Matched, res.Code)
	if res.Stopped {
		line += " stopped"
	}
	switch {
	case deleted:
		line += " deleted"
	case moveTo != "":
		line += " moved-to=" + moveTo
	}
	return line
}
