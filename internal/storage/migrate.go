package storage

import (
	"context"
	"fmt"
)

const candleTableDDL = `CREATE TABLE IF NOT EXISTS %s (
    source        TEXT NOT NULL,
    exchange      TEXT NOT NULL,
    chain         TEXT NOT NULL DEFAULT '',
    symbol        TEXT NOT NULL,
    base          TEXT NOT NULL DEFAULT '',
    quote         TEXT NOT NULL DEFAULT '',
    open_ts       BIGINT NOT NULL,
    close_ts      BIGINT NOT NULL,
    open          DOUBLE PRECISION NOT NULL,
    high          DOUBLE PRECISION NOT NULL,
    low           DOUBLE PRECISION NOT NULL,
    close         DOUBLE PRECISION NOT NULL,
    volume_base   DOUBLE PRECISION NOT NULL DEFAULT 0,
    volume_quote  DOUBLE PRECISION NOT NULL DEFAULT 0,
    notional_usd  DOUBLE PRECISION NOT NULL DEFAULT 0,
    trades        BIGINT NOT NULL DEFAULT 0,
    UNIQUE (source, exchange, chain, symbol, close_ts)
);`

var schemaDDL = []string{
	fmt.Sprintf(candleTableDDL, "candles_1m"),
	fmt.Sprintf(candleTableDDL, "candles_5m"),
	fmt.Sprintf(candleTableDDL, "candles_15m"),
	`CREATE TABLE IF NOT EXISTS events (
    id          TEXT PRIMARY KEY,
    ts          BIGINT NOT NULL,
    symbol      TEXT NOT NULL,
    source      TEXT NOT NULL,
    exchange    TEXT NOT NULL,
    timeframe   TEXT NOT NULL,
    rule        TEXT NOT NULL,
    severity    TEXT NOT NULL,
    message     TEXT NOT NULL DEFAULT '',
    detail_json JSONB,
    created_at  BIGINT NOT NULL,
    delivered   BOOLEAN NOT NULL DEFAULT FALSE
);`,
	`CREATE INDEX IF NOT EXISTS events_undelivered_idx ON events (created_at) WHERE delivered = FALSE;`,
	`CREATE TABLE IF NOT EXISTS kv_state (
    key        TEXT PRIMARY KEY,
    value      BYTEA NOT NULL,
    updated_at BIGINT NOT NULL
);`,
	`CREATE TABLE IF NOT EXISTS cooldown_state (
    id           TEXT PRIMARY KEY,
    symbol       TEXT NOT NULL,
    rule         TEXT NOT NULL,
    timeframe    TEXT NOT NULL,
    last_fire_ts BIGINT NOT NULL
);`,
}

// CreateSchema bootstraps the tables the engine reads and writes. Every
// statement is idempotent, so it is safe to run on each startup.
func (s *Store) CreateSchema(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	for _, stmt := range schemaDDL {
		if _, execErr := pool.Exec(ctx, stmt); execErr != nil {
			return fmt.Errorf("create schema: %w", execErr)
		}
	}
	return nil
}
