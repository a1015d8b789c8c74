package storage

import (
	"context"
	"sort"
	"sync"

	"candle-signal-alerts/internal/market"
)

type candleKey struct {
	source   string
	exchange string
	chain    string
	symbol   string
	closeTS  int64
}

// MemoryStore is an in-process implementation of the storage contracts.
// It backs tests and one-shot commands that run without a database, and
// mirrors the upsert semantics of the PostgreSQL store.
type MemoryStore struct {
	mu        sync.Mutex
	candles   map[market.Timeframe]map[candleKey]market.Candle
	events    map[string]AlertEvent
	kv        map[string]KVEntry
	cooldowns map[string]CooldownState
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		candles:   make(map[market.Timeframe]map[candleKey]market.Candle),
		events:    make(map[string]AlertEvent),
		kv:        make(map[string]KVEntry),
		cooldowns: make(map[string]CooldownState),
	}
}

// UpsertCandle inserts or replaces a candle.
func (m *MemoryStore) UpsertCandle(_ context.Context, tf market.Timeframe, candle market.Candle) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	table, ok := m.candles[tf]
	if !ok {
		table = make(map[candleKey]market.Candle)
		m.candles[tf] = table
	}
	table[candleKey{
		source:   candle.Source,
		exchange: candle.Exchange,
		chain:    candle.Chain,
		symbol:   candle.Symbol,
		closeTS:  candle.CloseTS,
	}] = candle
	return nil
}

func (m *MemoryStore) symbolCandlesLocked(tf market.Timeframe, symbol string, sinceTS int64) []market.Candle {
	out := make([]market.Candle, 0)
	for key, candle := range m.candles[tf] {
		if key.symbol != symbol {
			continue
		}
		if sinceTS > 0 && candle.CloseTS < sinceTS {
			continue
		}
		out = append(out, candle)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CloseTS < out[j].CloseTS })
	return out
}

// ListSymbols returns the distinct symbols in a timeframe.
func (m *MemoryStore) ListSymbols(_ context.Context, tf market.Timeframe, sinceTS int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]struct{})
	for key, candle := range m.candles[tf] {
		if sinceTS > 0 && candle.CloseTS < sinceTS {
			continue
		}
		seen[key.symbol] = struct{}{}
	}
	symbols := make([]string, 0, len(seen))
	for symbol := range seen {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	return symbols, nil
}

// FetchCandles returns every candle for symbol ascending by close time.
func (m *MemoryStore) FetchCandles(_ context.Context, tf market.Timeframe, symbol string, sinceTS int64) ([]market.Candle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.symbolCandlesLocked(tf, symbol, sinceTS), nil
}

// FetchRecentCandles returns the newest limit candles ascending.
func (m *MemoryStore) FetchRecentCandles(_ context.Context, tf market.Timeframe, symbol string, limit int) ([]market.Candle, error) {
	if limit <= 0 {
		return nil, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	candles := m.symbolCandlesLocked(tf, symbol, 0)
	if len(candles) > limit {
		candles = candles[len(candles)-limit:]
	}
	return candles, nil
}

// FetchLatestCandle returns the most recent candle for symbol, if any.
func (m *MemoryStore) FetchLatestCandle(ctx context.Context, tf market.Timeframe, symbol string) (market.Candle, bool, error) {
	candles, err := m.FetchRecentCandles(ctx, tf, symbol, 1)
	if err != nil || len(candles) == 0 {
		return market.Candle{}, false, err
	}
	return candles[0], true, nil
}

// UpsertEvent inserts or updates an event by id, preserving the delivered
// flag of an existing row.
func (m *MemoryStore) UpsertEvent(_ context.Context, event AlertEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.events[event.ID]; ok {
		event.Delivered = existing.Delivered
		event.CreatedAt = existing.CreatedAt
	}
	m.events[event.ID] = event
	return nil
}

// ListUndeliveredEvents returns pending events oldest first.
func (m *MemoryStore) ListUndeliveredEvents(_ context.Context, limit int) ([]AlertEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]AlertEvent, 0)
	for _, event := range m.events {
		if !event.Delivered {
			out = append(out, event)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MarkEventDelivered flags an event as delivered.
func (m *MemoryStore) MarkEventDelivered(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	event, ok := m.events[id]
	if !ok {
		return nil
	}
	event.Delivered = true
	m.events[id] = event
	return nil
}

// ListEvents lists events matching the filter ordered by event timestamp.
func (m *MemoryStore) ListEvents(_ context.Context, filter EventFilter) ([]AlertEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	symbolSet := make(map[string]struct{}, len(filter.Symbols))
	for _, s := range filter.Symbols {
		symbolSet[s] = struct{}{}
	}
	ruleSet := make(map[string]struct{}, len(filter.Rules))
	for _, r := range filter.Rules {
		ruleSet[r] = struct{}{}
	}

	out := make([]AlertEvent, 0)
	for _, event := range m.events {
		if filter.Timeframe != "" && event.Timeframe != filter.Timeframe {
			continue
		}
		if len(symbolSet) > 0 {
			if _, ok := symbolSet[event.Symbol]; !ok {
				continue
			}
		}
		if len(ruleSet) > 0 {
			if _, ok := ruleSet[event.Rule]; !ok {
				continue
			}
		}
		if filter.SinceTS > 0 && event.TS < filter.SinceTS {
			continue
		}
		out = append(out, event)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TS < out[j].TS })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// GetKV reads a state blob.
func (m *MemoryStore) GetKV(_ context.Context, key string) (KVEntry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.kv[key]
	return entry, ok, nil
}

// SetKV writes a state blob.
func (m *MemoryStore) SetKV(_ context.Context, key string, value []byte, updatedAt int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	copied := make([]byte, len(value))
	copy(copied, value)
	m.kv[key] = KVEntry{Key: key, Value: copied, UpdatedAt: updatedAt}
	return nil
}

// GetCooldown reads the last-fire record for a key.
func (m *MemoryStore) GetCooldown(_ context.Context, key string) (CooldownState, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.cooldowns[key]
	return state, ok, nil
}

// UpsertCooldown records a fire.
func (m *MemoryStore) UpsertCooldown(_ context.Context, state CooldownState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cooldowns[state.Key] = state
	return nil
}

var (
	_ CandleStore   = (*MemoryStore)(nil)
	_ EventStore    = (*MemoryStore)(nil)
	_ StateStore    = (*MemoryStore)(nil)
	_ CooldownStore = (*MemoryStore)(nil)
)
