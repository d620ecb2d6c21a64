package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/kayigireerneste/broker-sub000/internal/config"
)

// Open builds the store selected by cfg: the primary backend, optionally
// wrapped in the Redis cache. The caller owns the result and must Close it.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (Store, error) {
	var st Store

	switch cfg.Database.Driver {
	case config.DriverPostgres:
		pool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		pg := NewPostgresStore(pool)
		if cfg.Database.Migrate {
			if err := pg.Migrate(ctx); err != nil {
				pool.Close()
				return nil, err
			}
		}
		st = pg
		logger.Info("connected to PostgreSQL")

	case config.DriverSQLite:
		lite, err := NewSQLiteStore(ctx, cfg.Database.SQLitePath)
		if err != nil {
			return nil, err
		}
		st = lite
		logger.Info("opened SQLite database", "path", cfg.Database.SQLitePath)

	default:
		logger.Warn("using in-memory store (data will not persist)")
		st = NewMemoryStore()
	}

	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("invalid redis url: %w", err)
		}
		rdb := redis.NewClient(opt)
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unreachable, cache reads will fall through", "err", err)
		}
		st = NewCachedStore(st, rdb, cfg.Redis.TTL)
		logger.Info("Redis cache enabled", "ttl", cfg.Redis.TTL)
	}

	if cfg.Database.Seed != "" {
		n, err := LoadFixtures(ctx, st, cfg.Database.Seed)
		if err != nil {
			st.Close()
			return nil, err
		}
		logger.Info("loaded fixtures", "path", cfg.Database.Seed, "rows", n)
	}
	return st, nil
}
