package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// Options selects a backend for Open.
type Options struct {
	Driver      string // memory, sqlite or postgres
	SQLitePath  string
	DatabaseURL string
	RedisURL    string // optional read-through cache
	CacheTTL    time.Duration
}

// Open builds the configured Store. The returned cleanup func releases
// every connection it opened and is safe to call on error paths.
func Open(ctx context.Context, opts Options) (Store, func(), error) {
	var cleanup []func()
	closeAll := func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}

	var st Store
	switch opts.Driver {
	case "memory":
		slog.Warn("using in-memory store (data will not persist)")
		st = NewMemoryStore()

	case "sqlite":
		s, err := NewSQLiteStore(opts.SQLitePath)
		if err != nil {
			return nil, closeAll, err
		}
		cleanup = append(cleanup, func() { s.Close() })
		st = s
		slog.Info("opened SQLite store", "path", opts.SQLitePath)

	case "postgres":
		if err := Migrate(opts.DatabaseURL); err != nil {
			return nil, closeAll, err
		}
		pool, err := pgxpool.New(ctx, opts.DatabaseURL)
		if err != nil {
			return nil, closeAll, fmt.Errorf("database connection failed: %w", err)
		}
		cleanup = append(cleanup, pool.Close)
		st = NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

	default:
		return nil, closeAll, fmt.Errorf("unknown storage driver %q", opts.Driver)
	}

	// Wrap with Redis read-through cache if configured.
	if opts.RedisURL != "" {
		ropt, err := redis.ParseURL(opts.RedisURL)
		if err != nil {
			closeAll()
			return nil, func() {}, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(ropt)
		cleanup = append(cleanup, func() { rdb.Close() })
		st = NewCachedStore(st, rdb, opts.CacheTTL)
		slog.Info("Redis cache enabled")
	}

	return st, closeAll, nil
}
