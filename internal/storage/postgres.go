package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/KevinKickass/OpenRemoteIO/internal/config"
)

type PostgresClient struct {
	pool *pgxpool.Pool
}

func NewPostgresClient(ctx context.Context, cfg config.DatabaseConfig) (*PostgresClient, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse pool config: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxConnections)

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}

	// Connection testen
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresClient{pool: pool}, nil
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS bus_sessions (
	id         UUID PRIMARY KEY,
	interface  TEXT NOT NULL,
	channel    TEXT NOT NULL,
	started_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS can_frames (
	id             BIGSERIAL PRIMARY KEY,
	session_id     UUID NOT NULL REFERENCES bus_sessions(id),
	observed_at    TIMESTAMPTZ NOT NULL,
	arbitration_id INTEGER NOT NULL,
	kind           SMALLINT NOT NULL,
	node_id        SMALLINT NOT NULL,
	dlc            SMALLINT NOT NULL,
	data           BYTEA NOT NULL,
	decoded        JSONB,
	decode_error   TEXT
);

CREATE INDEX IF NOT EXISTS can_frames_node_time ON can_frames (node_id, observed_at DESC);
`

// EnsureSchema creates the journal tables if they do not exist.
func (p *PostgresClient) EnsureSchema(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

func (p *PostgresClient) Close() {
	p.pool.Close()
}

func (p *PostgresClient) Pool() *pgxpool.Pool {
	return p.pool
}
