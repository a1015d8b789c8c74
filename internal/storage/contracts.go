package storage

import (
	"context"
	"errors"

	"candle-signal-alerts/internal/market"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

// CandleStore provides candle persistence and lookups. Candles are written
// by the ingestion collaborator and by the rollup aggregator; rule
// evaluators only read. All fetches return candles ordered by close_ts
// ascending.
type CandleStore interface {
	UpsertCandle(ctx context.Context, tf market.Timeframe, candle market.Candle) error
	ListSymbols(ctx context.Context, tf market.Timeframe, sinceTS int64) ([]string, error)
	FetchCandles(ctx context.Context, tf market.Timeframe, symbol string, sinceTS int64) ([]market.Candle, error)
	FetchRecentCandles(ctx context.Context, tf market.Timeframe, symbol string, limit int) ([]market.Candle, error)
	FetchLatestCandle(ctx context.Context, tf market.Timeframe, symbol string) (market.Candle, bool, error)
}

// EventStore persists alert events keyed by their deterministic id.
type EventStore interface {
	UpsertEvent(ctx context.Context, event AlertEvent) error
	ListUndeliveredEvents(ctx context.Context, limit int) ([]AlertEvent, error)
	MarkEventDelivered(ctx context.Context, id string) error
	ListEvents(ctx context.Context, filter EventFilter) ([]AlertEvent, error)
}

// StateStore holds opaque per-key evaluator state blobs.
type StateStore interface {
	GetKV(ctx context.Context, key string) (KVEntry, bool, error)
	SetKV(ctx context.Context, key string, value []byte, updatedAt int64) error
}

// CooldownStore tracks last-fire timestamps per cooldown key.
type CooldownStore interface {
	GetCooldown(ctx context.Context, key string) (CooldownState, bool, error)
	UpsertCooldown(ctx context.Context, state CooldownState) error
}

// AdvisoryLocker exposes advisory lock helpers so only one scanner instance
// works a bucket at a time.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}
