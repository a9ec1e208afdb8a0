package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"github.com/acme/campaign-call-manager/internal/config"
)

// Postgres wraps a sqlx DB instance backed by pgx.
type Postgres struct {
	pool *pgxpool.Pool
	db   *sqlx.DB
}

// NewPostgres creates a new connection pool.
func NewPostgres(ctx context.Context, cfg config.PostgresConfig) (*Postgres, error) {
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database, cfg.SSLMode,
	)

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}

	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: new pool: %w", err)
	}

	sql := stdlib.OpenDBFromPool(pool)
	db := sqlx.NewDb(sql, "pgx")

	if err := db.PingContext(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	return &Postgres{pool: pool, db: db}, nil
}

// DB exposes the sqlx handle.
func (p *Postgres) DB() *sqlx.DB {
	return p.db
}

// Close drains the pool and releases resources.
func (p *Postgres) Close(ctx context.Context) error {
	if p.pool != nil {
		p.pool.Close()
	}
	if p.db != nil {
		return p.db.Close()
	}
	return nil
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS campaigns (
		id UUID PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS campaign_targets (
		id UUID PRIMARY KEY,
		campaign_id UUID NOT NULL REFERENCES campaigns(id),
		phone_number TEXT NOT NULL,
		state TEXT NOT NULL,
		last_error TEXT,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		UNIQUE (campaign_id, phone_number)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_campaign_targets_pending
		ON campaign_targets (created_at) WHERE state = 'pending'`,
	`CREATE TABLE IF NOT EXISTS call_attempts (
		call_id TEXT PRIMARY KEY,
		campaign_id UUID NOT NULL,
		phone_number TEXT NOT NULL,
		status TEXT NOT NULL,
		attempt_count INT NOT NULL,
		max_attempts INT NOT NULL,
		external_ref TEXT,
		duration_seconds INT,
		error_message TEXT,
		next_retry_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL,
		last_transition_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_call_attempts_due
		ON call_attempts (next_retry_at) WHERE next_retry_at IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS idx_call_attempts_campaign
		ON call_attempts (campaign_id, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS dead_letters (
		id UUID PRIMARY KEY,
		topic TEXT NOT NULL,
		message_key TEXT,
		payload BYTEA,
		error TEXT NOT NULL,
		replay_count INT NOT NULL DEFAULT 0,
		processed BOOLEAN NOT NULL DEFAULT FALSE,
		processed_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_dead_letters_replayable
		ON dead_letters (created_at) WHERE processed = FALSE`,
	`CREATE TABLE IF NOT EXISTS call_metrics (
		campaign_id UUID NOT NULL,
		day DATE NOT NULL,
		initiated BIGINT NOT NULL DEFAULT 0,
		picked BIGINT NOT NULL DEFAULT 0,
		disconnected BIGINT NOT NULL DEFAULT 0,
		rnr BIGINT NOT NULL DEFAULT 0,
		failed BIGINT NOT NULL DEFAULT 0,
		exhausted BIGINT NOT NULL DEFAULT 0,
		retries BIGINT NOT NULL DEFAULT 0,
		PRIMARY KEY (campaign_id, day)
	)`,
}

// InitSchema creates the application tables when missing. Safe to run on
// every startup.
func (p *Postgres) InitSchema(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	for _, stmt := range schemaStatements {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: init schema: %w", err)
		}
	}
	return nil
}
