package db

import (
	"context"
	_ "embed"
	"fmt"
	"strings"
	"time"

	"ocpphub/internal/models"

	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

type DB struct {
	Pool *pgxpool.Pool
}

func Connect(ctx context.Context, url string) (*DB, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 20
	cfg.MinConns = 1
	cfg.MaxConnIdleTime = 5 * time.Minute
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &DB{Pool: pool}, nil
}

func (d *DB) Close() {
	if d != nil && d.Pool != nil {
		d.Pool.Close()
	}
}

// Schema returns the DDL with the terminal reservation statuses filled in.
func Schema() string {
	return strings.ReplaceAll(schemaSQL, "{{TERMINAL_STATUSES}}", models.TerminalStatusSQLList())
}

// Migrate applies the schema inside one transaction. The statements are
// idempotent; the active-reservation index is rebuilt so that it always
// matches the current terminal status set.
func (d *DB) Migrate(ctx context.Context) error {
	tx, err := d.Pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, Schema()); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return tx.Commit(ctx)
}
