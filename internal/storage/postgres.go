package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"candle-signal-alerts/internal/market"
)

const (
	upsertCandleSQL = `INSERT INTO %s (
        source,
        exchange,
        chain,
        symbol,
        base,
        quote,
        open_ts,
        close_ts,
        open,
        high,
        low,
        close,
        volume_base,
        volume_quote,
        notional_usd,
        trades
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16
    )
    ON CONFLICT (source, exchange, chain, symbol, close_ts) DO UPDATE
    SET
        base         = EXCLUDED.base,
        quote        = EXCLUDED.quote,
        open_ts      = EXCLUDED.open_ts,
        open         = EXCLUDED.open,
        high         = EXCLUDED.high,
        low          = EXCLUDED.low,
        close        = EXCLUDED.close,
        volume_base  = EXCLUDED.volume_base,
        volume_quote = EXCLUDED.volume_quote,
        notional_usd = EXCLUDED.notional_usd,
        trades       = EXCLUDED.trades;`

	candleColumnsSQL = `source, exchange, chain, symbol, base, quote,
        open_ts, close_ts, open, high, low, close,
        volume_base, volume_quote, notional_usd, trades`

	listSymbolsSQL      = `SELECT DISTINCT symbol FROM %s`
	listSymbolsSinceSQL = `SELECT DISTINCT symbol FROM %s WHERE close_ts >= $1`

	fetchCandlesSQL = `SELECT ` + candleColumnsSQL + `
    FROM %s
    WHERE symbol = $1
    ORDER BY close_ts ASC;`

	fetchCandlesSinceSQL = `SELECT ` + candleColumnsSQL + `
    FROM %s
    WHERE symbol = $1
      AND close_ts >= $2
    ORDER BY close_ts ASC;`

	fetchRecentCandlesSQL = `SELECT ` + candleColumnsSQL + `
    FROM %s
    WHERE symbol = $1
    ORDER BY close_ts DESC
    LIMIT $2;`

	upsertEventSQL = `INSERT INTO events (
        id,
        ts,
        symbol,
        source,
        exchange,
        timeframe,
        rule,
        severity,
        message,
        detail_json,
        created_at,
        delivered
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12
    )
    ON CONFLICT (id) DO UPDATE
    SET
        ts          = EXCLUDED.ts,
        symbol      = EXCLUDED.symbol,
        source      = EXCLUDED.source,
        exchange    = EXCLUDED.exchange,
        timeframe   = EXCLUDED.timeframe,
        rule        = EXCLUDED.rule,
        severity    = EXCLUDED.severity,
        message     = EXCLUDED.message,
        detail_json = EXCLUDED.detail_json;`

	eventColumnsSQL = `id, ts, symbol, source, exchange, timeframe, rule,
        severity, message, detail_json, created_at, delivered`

	listUndeliveredEventsSQL = `SELECT ` + eventColumnsSQL + `
    FROM events
    WHERE delivered = FALSE
    ORDER BY created_at ASC
    LIMIT $1;`

	markEventDeliveredSQL = `UPDATE events SET delivered = TRUE WHERE id = $1;`

	getKVSQL = `SELECT key, value, updated_at FROM kv_state WHERE key = $1;`

	setKVSQL = `INSERT INTO kv_state (key, value, updated_at)
    VALUES ($1, $2, $3)
    ON CONFLICT (key) DO UPDATE
    SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at;`

	getCooldownSQL = `SELECT id, symbol, rule, timeframe, last_fire_ts
    FROM cooldown_state WHERE id = $1;`

	upsertCooldownSQL = `INSERT INTO cooldown_state (id, symbol, rule, timeframe, last_fire_ts)
    VALUES ($1, $2, $3, $4, $5)
    ON CONFLICT (id) DO UPDATE
    SET last_fire_ts = EXCLUDED.last_fire_ts;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// Store is the PostgreSQL-backed implementation of the candle, event,
// state and cooldown contracts.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

func candleTable(tf market.Timeframe) (string, error) {
	switch tf {
	case market.Timeframe1m:
		return "candles_1m", nil
	case market.Timeframe5m:
		return "candles_5m", nil
	case market.Timeframe15m:
		return "candles_15m", nil
	}
	return "", fmt.Errorf("unsupported candle timeframe: %q", tf)
}

// UpsertCandle inserts or replaces a candle (last write wins on non-key
// fields).
func (s *Store) UpsertCandle(ctx context.Context, tf market.Timeframe, candle market.Candle) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	table, err := candleTable(tf)
	if err != nil {
		return err
	}

	_, execErr := pool.Exec(ctx, fmt.Sprintf(upsertCandleSQL, table),
		candle.Source,
		candle.Exchange,
		candle.Chain,
		candle.Symbol,
		candle.Base,
		candle.Quote,
		candle.OpenTS,
		candle.CloseTS,
		candle.Open,
		candle.High,
		candle.Low,
		candle.Close,
		candle.VolumeBase,
		candle.VolumeQuote,
		candle.NotionalUSD,
		candle.Trades,
	)
	if execErr != nil {
		return fmt.Errorf("upsert candle: %w", execErr)
	}
	return nil
}

// ListSymbols returns the distinct symbols present in a timeframe,
// optionally restricted to candles at or after sinceTS.
func (s *Store) ListSymbols(ctx context.Context, tf market.Timeframe, sinceTS int64) ([]string, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	table, err := candleTable(tf)
	if err != nil {
		return nil, err
	}

	var rows pgx.Rows
	var queryErr error
	if sinceTS > 0 {
		rows, queryErr = pool.Query(ctx, fmt.Sprintf(listSymbolsSinceSQL, table), sinceTS)
	} else {
		rows, queryErr = pool.Query(ctx, fmt.Sprintf(listSymbolsSQL, table))
	}
	if queryErr != nil {
		return nil, fmt.Errorf("list symbols: %w", queryErr)
	}
	defer rows.Close()

	symbols := make([]string, 0)
	for rows.Next() {
		var symbol string
		if err := rows.Scan(&symbol); err != nil {
			return nil, err
		}
		symbols = append(symbols, symbol)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return symbols, nil
}

// FetchCandles returns every candle for symbol ascending by close time,
// optionally restricted to close_ts >= sinceTS.
func (s *Store) FetchCandles(ctx context.Context, tf market.Timeframe, symbol string, sinceTS int64) ([]market.Candle, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	table, err := candleTable(tf)
	if err != nil {
		return nil, err
	}

	var rows pgx.Rows
	var queryErr error
	if sinceTS > 0 {
		rows, queryErr = pool.Query(ctx, fmt.Sprintf(fetchCandlesSinceSQL, table), symbol, sinceTS)
	} else {
		rows, queryErr = pool.Query(ctx, fmt.Sprintf(fetchCandlesSQL, table), symbol)
	}
	if queryErr != nil {
		return nil, fmt.Errorf("fetch candles: %w", queryErr)
	}
	defer rows.Close()

	return scanCandles(rows)
}

// FetchRecentCandles returns the newest limit candles for symbol, ordered
// ascending by close time.
func (s *Store) FetchRecentCandles(ctx context.Context, tf market.Timeframe, symbol string, limit int) ([]market.Candle, error) {
	if limit <= 0 {
		return nil, nil
	}
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	table, err := candleTable(tf)
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, fmt.Sprintf(fetchRecentCandlesSQL, table), symbol, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("fetch recent candles: %w", queryErr)
	}
	defer rows.Close()

	candles, err := scanCandles(rows)
	if err != nil {
		return nil, err
	}
	reverseCandles(candles)
	return candles, nil
}

// FetchLatestCandle returns the most recent candle for symbol, if any.
func (s *Store) FetchLatestCandle(ctx context.Context, tf market.Timeframe, symbol string) (market.Candle, bool, error) {
	candles, err := s.FetchRecentCandles(ctx, tf, symbol, 1)
	if err != nil {
		return market.Candle{}, false, err
	}
	if len(candles) == 0 {
		return market.Candle{}, false, nil
	}
	return candles[0], true, nil
}

// UpsertEvent persists an alert event keyed by its deterministic id. The
// delivered flag is only written on first insert; re-upserting an existing
// event never resets delivery.
func (s *Store) UpsertEvent(ctx context.Context, event AlertEvent) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	_, execErr := pool.Exec(ctx, upsertEventSQL,
		event.ID,
		event.TS,
		event.Symbol,
		event.Source,
		event.Exchange,
		string(event.Timeframe),
		event.Rule,
		event.Severity,
		event.Message,
		[]byte(event.Detail),
		event.CreatedAt,
		event.Delivered,
	)
	if execErr != nil {
		return fmt.Errorf("upsert event: %w", execErr)
	}
	return nil
}

// ListUndeliveredEvents returns pending events for the notification
// collaborator, oldest first.
func (s *Store) ListUndeliveredEvents(ctx context.Context, limit int) ([]AlertEvent, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listUndeliveredEventsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list undelivered events: %w", queryErr)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// MarkEventDelivered flags an event as handed off to a channel.
func (s *Store) MarkEventDelivered(ctx context.Context, id string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	cmdTag, execErr := pool.Exec(ctx, markEventDeliveredSQL, id)
	if execErr != nil {
		return fmt.Errorf("mark event delivered: %w", execErr)
	}
	if cmdTag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// ListEvents lists events matching the filter, ordered by event timestamp.
func (s *Store) ListEvents(ctx context.Context, filter EventFilter) ([]AlertEvent, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + eventColumnsSQL + ` FROM events WHERE 1=1`
	args := make([]interface{}, 0, 4)
	if filter.Timeframe != "" {
		args = append(args, string(filter.Timeframe))
		query += fmt.Sprintf(" AND timeframe = $%d", len(args))
	}
	if len(filter.Symbols) > 0 {
		args = append(args, filter.Symbols)
		query += fmt.Sprintf(" AND symbol = ANY($%d)", len(args))
	}
	if len(filter.Rules) > 0 {
		args = append(args, filter.Rules)
		query += fmt.Sprintf(" AND rule = ANY($%d)", len(args))
	}
	if filter.SinceTS > 0 {
		args = append(args, filter.SinceTS)
		query += fmt.Sprintf(" AND ts >= $%d", len(args))
	}
	query += " ORDER BY ts ASC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, queryErr := pool.Query(ctx, query, args...)
	if queryErr != nil {
		return nil, fmt.Errorf("list events: %w", queryErr)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// GetKV reads an opaque state blob.
func (s *Store) GetKV(ctx context.Context, key string) (KVEntry, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return KVEntry{}, false, err
	}

	var entry KVEntry
	scanErr := pool.QueryRow(ctx, getKVSQL, key).Scan(&entry.Key, &entry.Value, &entry.UpdatedAt)
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return KVEntry{}, false, nil
	}
	if scanErr != nil {
		return KVEntry{}, false, fmt.Errorf("get kv: %w", scanErr)
	}
	return entry, true, nil
}

// SetKV writes an opaque state blob.
func (s *Store) SetKV(ctx context.Context, key string, value []byte, updatedAt int64) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, setKVSQL, key, value, updatedAt); execErr != nil {
		return fmt.Errorf("set kv: %w", execErr)
	}
	return nil
}

// GetCooldown reads the last-fire record for a cooldown key.
func (s *Store) GetCooldown(ctx context.Context, key string) (CooldownState, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return CooldownState{}, false, err
	}

	var state CooldownState
	var timeframe string
	scanErr := pool.QueryRow(ctx, getCooldownSQL, key).Scan(
		&state.Key,
		&state.Symbol,
		&state.Rule,
		&timeframe,
		&state.LastFireTS,
	)
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return CooldownState{}, false, nil
	}
	if scanErr != nil {
		return CooldownState{}, false, fmt.Errorf("get cooldown: %w", scanErr)
	}
	state.Timeframe = market.Timeframe(timeframe)
	return state, true, nil
}

// UpsertCooldown records a fire for a cooldown key.
func (s *Store) UpsertCooldown(ctx context.Context, state CooldownState) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	_, execErr := pool.Exec(ctx, upsertCooldownSQL,
		state.Key,
		state.Symbol,
		state.Rule,
		string(state.Timeframe),
		state.LastFireTS,
	)
	if execErr != nil {
		return fmt.Errorf("upsert cooldown: %w", execErr)
	}
	return nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns
// a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// Best effort; the lock also drops with the connection.
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func scanCandles(rows pgx.Rows) ([]market.Candle, error) {
	candles := make([]market.Candle, 0)
	for rows.Next() {
		var c market.Candle
		if err := rows.Scan(
			&c.Source,
			&c.Exchange,
			&c.Chain,
			&c.Symbol,
			&c.Base,
			&c.Quote,
			&c.OpenTS,
			&c.CloseTS,
			&c.Open,
			&c.High,
			&c.Low,
			&c.Close,
			&c.VolumeBase,
			&c.VolumeQuote,
			&c.NotionalUSD,
			&c.Trades,
		); err != nil {
			return nil, err
		}
		candles = append(candles, c)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return candles, nil
}

func scanEvents(rows pgx.Rows) ([]AlertEvent, error) {
	events := make([]AlertEvent, 0)
	for rows.Next() {
		var e AlertEvent
		var timeframe string
		var detail []byte
		if err := rows.Scan(
			&e.ID,
			&e.TS,
			&e.Symbol,
			&e.Source,
			&e.Exchange,
			&timeframe,
			&e.Rule,
			&e.Severity,
			&e.Message,
			&detail,
			&e.CreatedAt,
			&e.Delivered,
		); err != nil {
			return nil, err
		}
		e.Timeframe = market.Timeframe(timeframe)
		e.Detail = detail
		events = append(events, e)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return events, nil
}

func reverseCandles(candles []market.Candle) {
	for i, j := 0, len(candles)-1; i < j; i, j = i+1, j-1 {
		candles[i], candles[j] = candles[j], candles[i]
	}
}

var (
	_ CandleStore    = (*Store)(nil)
	_ EventStore     = (*Store)(nil)
	_ StateStore     = (*Store)(nil)
	_ CooldownStore  = (*Store)(nil)
	_ AdvisoryLocker = (*Store)(nil)
)
