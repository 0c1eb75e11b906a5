// Package database provides PostgreSQL clients and migration utilities for
// the analytics (target) and workflow-engine (source) databases.
package database

import (
	"context"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Client wraps a pgx connection pool for one database.
type Client struct {
	pool *pgxpool.Pool
	cfg  Config
}

// Pool returns the underlying connection pool.
func (c *Client) Pool() *pgxpool.Pool {
	return c.pool
}

// DSN returns the connection string, used for dedicated LISTEN connections.
func (c *Client) DSN() string {
	return c.cfg.DSN()
}

// Close releases the connection pool.
func (c *Client) Close() {
	c.pool.Close()
}

// NewTargetClient opens the analytics database, configures pooling, runs
// the embedded migrations, and verifies connectivity.
func NewTargetClient(ctx context.Context, cfg Config) (*Client, error) {
	client, err := newClient(ctx, cfg)
	if err != nil {
		return nil, err
	}

	if err := runMigrations(cfg); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return client, nil
}

// NewSourceClient opens the workflow engine's database read-only. No
// migrations are ever applied: the source schema is an external contract.
func NewSourceClient(ctx context.Context, cfg Config) (*Client, error) {
	return newClient(ctx, cfg)
}

func newClient(ctx context.Context, cfg Config) (*Client, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	poolCfg.MaxConns = int32(cfg.MaxOpenConns)
	poolCfg.MinConns = int32(cfg.MaxIdleConns)
	poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
	poolCfg.MaxConnIdleTime = cfg.ConnMaxIdleTime
	if cfg.StatementTimeout > 0 {
		poolCfg.ConnConfig.RuntimeParams["statement_timeout"] =
			strconv.FormatInt(cfg.StatementTimeout.Milliseconds(), 10)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Client{pool: pool, cfg: cfg}, nil
}
