// Package storage opens the job store and queue backends selected by config.
package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"renderapi/internal/config"
	"renderapi/internal/pkg/logger"
	"renderapi/internal/repositories"
)

// OpenJobStore returns the store named by cfg.StoreDriver with its schema in
// place. The caller owns Close.
func OpenJobStore(ctx context.Context, cfg *config.Config, log *logger.Logger) (repositories.JobStore, error) {
	switch cfg.StoreDriver {
	case config.DriverMemory:
		log.Warn("using in-memory job store; jobs are lost on restart")
		return repositories.NewMemoryJobStore(), nil

	case config.DriverSQLite:
		log.Info("opening SQLite job store", "path", cfg.SQLitePath)
		store, err := repositories.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return store, nil

	case config.DriverPostgres:
		log.Info("connecting to PostgreSQL")
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
		}
		store := repositories.NewPostgresJobStore(pool)
		if err := store.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		log.Info("PostgreSQL connected")
		return store, nil

	default:
		return nil, fmt.Errorf("unknown store driver: %s", cfg.StoreDriver)
	}
}

// OpenRedis connects to addr and verifies the connection.
func OpenRedis(ctx context.Context, addr string, log *logger.Logger) (*redis.Client, error) {
	log.Info("connecting to Redis", "addr", addr)
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}
	log.Info("Redis connected")
	return rdb, nil
}
