// Package db keeps per-account filter definitions and the MDN send log in
// PostgreSQL.
package db

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/migadu/mailfilter/config"
	"github.com/migadu/mailfilter/logger"
	"github.com/migadu/mailfilter/pkg/metrics"
)

type Database struct {
	Pool         *pgxpool.Pool
	queryTimeout time.Duration
}

// ConnString builds the postgres:// URL for cfg. The first host wins; a host
// without a port gets cfg.Port, or 5432.
func ConnString(cfg *config.DatabaseConfig) (string, error) {
	if !cfg.IsEnabled() {
		return "", fmt.Errorf("at least one database host must be specified")
	}

	host := cfg.Hosts[0]
	if _, _, err := net.SplitHostPort(host); err != nil {
		port := cfg.Port
		if port == "" {
			port = "5432"
		}
		host = net.JoinHostPort(host, port)
	}

	sslMode := "disable"
	if cfg.TLSMode {
		sslMode = "require"
	}

	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(cfg.User, cfg.Password),
		Host:     host,
		Path:     "/" + cfg.Name,
		RawQuery: "sslmode=" + sslMode,
	}
	return u.String(), nil
}

// NewDatabaseFromConfig opens the pool and, when auto_migrate is set, brings
// the schema up to date.
func NewDatabaseFromConfig(ctx context.Context, cfg *config.DatabaseConfig) (*Database, error) {
	connString, err := ConnString(cfg)
	if err != nil {
		return nil, err
	}

	poolConfig, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse connection string: %w", err)
	}
	if cfg.Debug {
		poolConfig.ConnConfig.Tracer = &queryTracer{}
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxConns)
	}
	if cfg.MinConns > 0 {
		poolConfig.MinConns = int32(cfg.MinConns)
	}
	if poolConfig.MaxConnLifetime, err = cfg.GetMaxConnLifetime(); err != nil {
		return nil, fmt.Errorf("invalid max_conn_lifetime: %w", err)
	}
	if poolConfig.MaxConnIdleTime, err = cfg.GetMaxConnIdleTime(); err != nil {
		return nil, fmt.Errorf("invalid max_conn_idle_time: %w", err)
	}
	queryTimeout, err := cfg.GetQueryTimeout()
	if err != nil {
		return nil, fmt.Errorf("invalid query_timeout: %w", err)
	}

	logger.Info("DB: connecting", "host", poolConfig.ConnConfig.Host, "port", poolConfig.ConnConfig.Port,
		"database", cfg.Name, "user", cfg.User, "max_conns", poolConfig.MaxConns)

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to the database: %w", err)
	}

	if cfg.AutoMigrate {
		if err := Migrate(ctx, cfg); err != nil {
			pool.Close()
			return nil, err
		}
	}

	return &Database{Pool: pool, queryTimeout: queryTimeout}, nil
}

func (db *Database) Close() {
	if db.Pool != nil {
		db.Pool.Close()
	}
}

// StartPoolMetrics periodically publishes connection pool gauges until ctx
// is done.
func (db *Database) StartPoolMetrics(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stats := db.Pool.Stat()
				metrics.DBPoolTotalConns.Set(float64(stats.TotalConns()))
				metrics.DBPoolInUseConns.Set(float64(stats.AcquiredConns()))
			}
		}
	}()
}

func (db *Database) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if db.queryTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, db.queryTimeout)
}

// observe records the outcome of one query.
func observe(operation string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.DBQueriesTotal.WithLabelValues(operation, status).Inc()
}

type queryTracer struct{}

type traceStartKey struct{}

type traceStart struct {
	sql   string
	start time.Time
}

func (t *queryTracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	return context.WithValue(ctx, traceStartKey{}, traceStart{sql: data.SQL, start: time.Now()})
}

func (t *queryTracer) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	st, ok := ctx.Value(traceStartKey{}).(traceStart)
	if !ok {
		return
	}
	logger.DebugContext(ctx, "DB: query",
		"sql", strings.Join(strings.Fields(st.sql), " "),
		"duration", time.Since(st.start),
		"rows", data.CommandTag.RowsAffected(),
		"error", data.Err)
}
