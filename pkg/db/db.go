// Package db opens the ledger's Postgres pool and applies its migrations.
package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"forged/pkg/db/migrations"
)

const (
	// DefaultTimeout is used when executing queries to avoid leaking resources on hung calls.
	DefaultTimeout = 5 * time.Second
)

// Open creates a new pgx connection pool using the provided DSN.
func Open(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	if dsn == "" {
		return nil, errors.New("dsn is required")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}

	// Simple protocol keeps gorm and goose happy on the shared pool.
	cfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return pool, nil
}

// Migrate applies every ledger migration that has not run yet and returns the versions applied.
func Migrate(ctx context.Context, pool *pgxpool.Pool) ([]int64, error) {
	if pool == nil {
		return nil, errors.New("nil pool provided")
	}

	sqlDB := stdlib.OpenDBFromPool(pool)
	defer sqlDB.Close()

	provider, err := goose.NewProvider(goose.DialectPostgres, sqlDB, nil,
		goose.WithGoMigrations(migrations.All()...),
	)
	if err != nil {
		return nil, fmt.Errorf("goose provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	applied := make([]int64, 0, len(results))
	for _, r := range results {
		applied = append(applied, r.Source.Version)
	}
	return applied, nil
}

// Gorm wraps pool in a gorm handle. Closing the pool closes the handle.
func Gorm(pool *pgxpool.Pool) (*gorm.DB, error) {
	if pool == nil {
		return nil, errors.New("nil pool provided")
	}
	return gorm.Open(postgres.New(postgres.Config{
		Conn:                 stdlib.OpenDBFromPool(pool),
		PreferSimpleProtocol: true,
	}), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
}

// Exec executes a statement with the default timeout applied.
func Exec(ctx context.Context, pool *pgxpool.Pool, query string, args ...any) (pgconn.CommandTag, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()

	return pool.Exec(ctx, query, args...)
}

// Get retrieves a single row into dest with the default timeout applied.
func Get(ctx context.Context, pool *pgxpool.Pool, dest any, query string, args ...any) error {
	ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()

	return pgxscan.Get(ctx, pool, dest, query, args...)
}

// Select retrieves multiple rows into dest with the default timeout applied.
func Select(ctx context.Context, pool *pgxpool.Pool, dest any, query string, args ...any) error {
	ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()

	return pgxscan.Select(ctx, pool, dest, query, args...)
}

// IsNotFound reports whether err means a query matched no rows.
func IsNotFound(err error) bool {
	return pgxscan.NotFound(err) || errors.Is(err, pgx.ErrNoRows)
}

// Ping ensures the database is reachable with the default timeout.
func Ping(ctx context.Context, pool *pgxpool.Pool) error {
	ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()
	return pool.Ping(ctx)
}
