// Package db provides database connection helpers, schema migration, and transaction plumbing.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "github.com/jackc/pgx/v5/stdlib" // pgx postgres driver registered as 'pgx'
)

// DBTX is satisfied by both *sql.DB and *sql.Tx so stores can run inside or outside a transaction.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// PoolOptions tunes the database/sql connection pool.
type PoolOptions struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	// PingTimeout bounds the startup wait for Postgres. Zero means one minute.
	PingTimeout time.Duration
}

// Connect opens a Postgres pool and waits for it to answer a ping, retrying with exponential backoff.
func Connect(ctx context.Context, dsn string, opts PoolOptions) (*sql.DB, error) {
	database, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if opts.MaxOpenConns > 0 {
		database.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		database.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		database.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = opts.PingTimeout
	if policy.MaxElapsedTime <= 0 {
		policy.MaxElapsedTime = time.Minute
	}
	attempt := 1
	err = backoff.Retry(func() error {
		if err := database.PingContext(ctx); err != nil {
			slog.Info("waiting for database", slog.Int("attempt", attempt), slog.Any("err", err), slog.String("component", "db"))
			attempt++
			return err
		}
		return nil
	}, backoff.WithContext(policy, ctx))
	if err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("database not reachable: %w", err)
	}
	return database, nil
}

// WithTx runs fn inside a transaction. fn's error (or a panic) rolls back; otherwise the tx commits.
func WithTx(ctx context.Context, database *sql.DB, fn func(tx *sql.Tx) error) (err error) {
	tx, err := database.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			rollbackTx(ctx, tx)
			panic(p)
		}
		if err != nil {
			rollbackTx(ctx, tx)
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func rollbackTx(ctx context.Context, tx *sql.Tx) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		slog.ErrorContext(ctx, "failed to rollback transaction", slog.Any("err", err), slog.String("component", "db"))
	}
}

// Migrate applies idempotent schema changes for all required tables and indices.
// It is the fallback path for deployments that predate versioned migrations.
func Migrate(ctx context.Context, database *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			device_token TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS external_auth (
			id TEXT NOT NULL,
			provider TEXT NOT NULL,
			user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			access_token TEXT,
			at_iv TEXT,
			at_tag TEXT,
			refresh_token TEXT,
			rt_iv TEXT,
			rt_tag TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS streams (
			id BIGSERIAL PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			csync_path TEXT,
			stream_name TEXT,
			description TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		// Columns and constraints added after the first schema shipped.
		`ALTER TABLE external_auth ADD COLUMN IF NOT EXISTS expires_at TIMESTAMPTZ`,
		`ALTER TABLE external_auth ADD COLUMN IF NOT EXISTS refresh_after TIMESTAMPTZ`,
		`CREATE UNIQUE INDEX IF NOT EXISTS external_auth_provider_id_key ON external_auth(provider, id)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS external_auth_user_provider_key ON external_auth(user_id, provider)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS streams_user_id_key ON streams(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_external_auth_user_id ON external_auth(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_external_auth_expires_at ON external_auth(provider, expires_at)`,
		`CREATE INDEX IF NOT EXISTS idx_users_created_at ON users(created_at)`,
	}
	for i, s := range stmts {
		if _, err := database.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("postgres migrate step %d failed: %w", i, err)
		}
	}
	return nil
}
