// Package storage persists teaching positions, recipes and the safety
// audit trail in PostgreSQL.
package storage

import (
	"context"
	"fmt"

	"github.com/KevinKickass/PendantCore/internal/config"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

type PostgresClient struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

func NewPostgresClient(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (*PostgresClient, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse pool config: %w", err)
	}

	if cfg.MaxConnections > 0 {
		poolConfig.MaxConns = int32(cfg.MaxConnections)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}

	// Connection testen
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("Connected to PostgreSQL",
		zap.String("host", cfg.Host),
		zap.String("database", cfg.Database))

	return &PostgresClient{pool: pool, logger: logger}, nil
}

func (p *PostgresClient) Close() {
	p.pool.Close()
}

// EnsureSchema creates the tables the pendant needs. Statements are
// idempotent and run in one transaction.
func (p *PostgresClient) EnsureSchema(ctx context.Context) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	for i, stmt := range schemaStatements {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement %d failed: %w", i, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit schema: %w", err)
	}

	p.logger.Info("Database schema ready", zap.Int("statements", len(schemaStatements)))
	return nil
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS teaching_positions (
		grp        TEXT NOT NULL,
		location   TEXT NOT NULL,
		r          DOUBLE PRECISION NOT NULL,
		theta      DOUBLE PRECISION NOT NULL,
		z          DOUBLE PRECISION NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (grp, location)
	)`,
	`CREATE TABLE IF NOT EXISTS recipes (
		id          UUID PRIMARY KEY,
		recipe_name TEXT NOT NULL UNIQUE,
		version     TEXT NOT NULL DEFAULT '',
		definition  JSONB NOT NULL,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS safety_events (
		id            UUID PRIMARY KEY,
		event_type    TEXT NOT NULL,
		occurred_at   TIMESTAMPTZ NOT NULL,
		previous      TEXT NOT NULL DEFAULT '',
		current       TEXT NOT NULL DEFAULT '',
		device        TEXT NOT NULL DEFAULT '',
		device_status TEXT NOT NULL DEFAULT '',
		reason        TEXT NOT NULL DEFAULT '',
		source        TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS safety_events_occurred_at_idx ON safety_events (occurred_at DESC)`,
}
