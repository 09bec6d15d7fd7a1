package utils

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// postgresDriver is the database/sql name registered by pgx/v5/stdlib.
const postgresDriver = "pgx"

// PostgresOptions sizes the pool behind the credential store and call log.
// One device issues a handful of statements per call, so the pool stays small.
type PostgresOptions struct {
	MaxConns     int
	IdleConns    int
	ConnLifetime time.Duration
	PingTimeout  time.Duration
}

func (o PostgresOptions) normalized() PostgresOptions {
	if o.MaxConns <= 0 {
		o.MaxConns = 4
	}
	if o.IdleConns <= 0 || o.IdleConns > o.MaxConns {
		o.IdleConns = min(2, o.MaxConns)
	}
	if o.ConnLifetime <= 0 {
		o.ConnLifetime = 30 * time.Minute
	}
	if o.PingTimeout <= 0 {
		o.PingTimeout = 5 * time.Second
	}
	return o
}

// OpenPostgres connects through pgx and refuses to return a pool it could not ping.
// The DSN carries the password; never log it.
func OpenPostgres(ctx context.Context, dsn string, opts PostgresOptions) (*sql.DB, error) {
	if dsn == "" {
		return nil, errors.New("postgres: dsn is required")
	}
	opts = opts.normalized()

	db, err := sql.Open(postgresDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	db.SetMaxOpenConns(opts.MaxConns)
	db.SetMaxIdleConns(opts.IdleConns)
	db.SetConnMaxLifetime(opts.ConnLifetime)
	db.SetConnMaxIdleTime(opts.ConnLifetime / 6)

	if err := PingPostgres(ctx, db, opts.PingTimeout); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// PingPostgres backs the /readyz check.
func PingPostgres(ctx context.Context, db *sql.DB, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres: ping: %w", err)
	}
	return nil
}

// WithTx commits when fn succeeds and rolls back otherwise, including on panic.
func WithTx(ctx context.Context, db *sql.DB, opts *sql.TxOptions, fn func(ctx context.Context, tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	done := false
	defer func() {
		if !done {
			_ = tx.Rollback()
		}
	}()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	done = true
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("postgres: commit: %w", err)
	}
	return nil
}
