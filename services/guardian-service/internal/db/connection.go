package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const connectTimeout = 10 * time.Second

// Pool is the process-wide ledger pool, set by Init.
var Pool *pgxpool.Pool

// PoolOptions size the pool. Zero values keep the pgx defaults.
type PoolOptions struct {
	// MaxConns should cover the scheduler's concurrent users plus the API.
	MaxConns        int32
	MaxConnIdleTime time.Duration
}

// Init opens Pool on url and checks the server answers. On failure Pool is
// left nil.
func Init(ctx context.Context, url string, opts PoolOptions) error {
	if url == "" {
		return errors.New("database.url not configured")
	}

	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return fmt.Errorf("invalid database.url: %w", err)
	}
	cfg.ConnConfig.ConnectTimeout = connectTimeout
	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}
	if opts.MaxConnIdleTime > 0 {
		cfg.MaxConnIdleTime = opts.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return fmt.Errorf("failed to reach %s: %w", cfg.ConnConfig.Host, err)
	}

	Pool = pool
	return nil
}

// Close releases Pool. It is safe to call when Init never succeeded.
func Close() {
	if Pool != nil {
		Pool.Close()
		Pool = nil
	}
}
