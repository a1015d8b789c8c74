package storage

import (
	"context"
	"testing"

	"candle-signal-alerts/internal/market"
)

func TestMemoryUpsertEventPreservesDelivery(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	event := AlertEvent{ID: "evt-1", TS: 100, Symbol: "BTC-USDT", Rule: "price_above", CreatedAt: 100}
	if err := store.UpsertEvent(ctx, event); err != nil {
		t.Fatalf("写入事件失败: %v", err)
	}
	if err := store.MarkEventDelivered(ctx, "evt-1"); err != nil {
		t.Fatalf("标记已投递失败: %v", err)
	}

	// 重放同一事件不得重置投递标记或创建时间
	replay := event
	replay.CreatedAt = 999
	if err := store.UpsertEvent(ctx, replay); err != nil {
		t.Fatalf("重放事件失败: %v", err)
	}

	events, err := store.ListEvents(ctx, EventFilter{})
	if err != nil {
		t.Fatalf("读取事件失败: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("重放应覆盖而非新增, 实际 %d 条", len(events))
	}
	if !events[0].Delivered || events[0].CreatedAt != 100 {
		t.Fatalf("投递标记与创建时间应保留, 实际 %+v", events[0])
	}

	undelivered, err := store.ListUndeliveredEvents(ctx, 10)
	if err != nil {
		t.Fatalf("读取待投递事件失败: %v", err)
	}
	if len(undelivered) != 0 {
		t.Fatal("已投递事件不应出现在待投递列表")
	}
}

func TestMemoryListEventsFilters(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	seed := []AlertEvent{
		{ID: "a", TS: 100, Symbol: "BTC-USDT", Timeframe: market.Timeframe5m, Rule: "trend_sustain"},
		{ID: "b", TS: 200, Symbol: "ETH-USDT", Timeframe: market.Timeframe5m, Rule: "volume_spike"},
		{ID: "c", TS: 300, Symbol: "BTC-USDT", Timeframe: market.Timeframe15m, Rule: "trend_breakout"},
	}
	for _, event := range seed {
		if err := store.UpsertEvent(ctx, event); err != nil {
			t.Fatalf("写入事件失败: %v", err)
		}
	}

	events, err := store.ListEvents(ctx, EventFilter{Symbols: []string{"BTC-USDT"}})
	if err != nil || len(events) != 2 {
		t.Fatalf("按品种过滤期望 2 条: %d err=%v", len(events), err)
	}
	if events[0].TS > events[1].TS {
		t.Fatal("结果应按事件时间升序")
	}

	events, err = store.ListEvents(ctx, EventFilter{Timeframe: market.Timeframe15m})
	if err != nil || len(events) != 1 || events[0].ID != "c" {
		t.Fatalf("按时间框架过滤不正确: %+v err=%v", events, err)
	}

	events, err = store.ListEvents(ctx, EventFilter{SinceTS: 200, Limit: 1})
	if err != nil || len(events) != 1 || events[0].ID != "b" {
		t.Fatalf("起始时间与上限过滤不正确: %+v err=%v", events, err)
	}
}

func TestMemoryFetchRecentCandles(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	for _, ts := range []int64{300, 60, 180, 240, 120} {
		candle := market.Candle{Source: "cex", Exchange: "binance", Symbol: "BTC-USDT", CloseTS: ts, Close: float64(ts)}
		if err := store.UpsertCandle(ctx, market.Timeframe1m, candle); err != nil {
			t.Fatalf("写入 K 线失败: %v", err)
		}
	}

	candles, err := store.FetchRecentCandles(ctx, market.Timeframe1m, "BTC-USDT", 3)
	if err != nil {
		t.Fatalf("读取失败: %v", err)
	}
	if len(candles) != 3 {
		t.Fatalf("期望 3 根, 实际 %d", len(candles))
	}
	if candles[0].CloseTS != 180 || candles[2].CloseTS != 300 {
		t.Fatalf("应返回最新 3 根并按收盘升序: %+v", candles)
	}

	latest, ok, err := store.FetchLatestCandle(ctx, market.Timeframe1m, "BTC-USDT")
	if err != nil || !ok || latest.CloseTS != 300 {
		t.Fatalf("最新 K 线不正确: %+v ok=%v err=%v", latest, ok, err)
	}

	if _, ok, _ := store.FetchLatestCandle(ctx, market.Timeframe1m, "NONE"); ok {
		t.Fatal("未知品种应返回 ok=false")
	}
}

func TestMemoryKVAndCooldown(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	if _, ok, err := store.GetKV(ctx, "missing"); err != nil || ok {
		t.Fatalf("缺失键应返回 ok=false: ok=%v err=%v", ok, err)
	}
	if err := store.SetKV(ctx, "k", []byte("v"), 42); err != nil {
		t.Fatalf("写入失败: %v", err)
	}
	entry, ok, err := store.GetKV(ctx, "k")
	if err != nil || !ok || string(entry.Value) != "v" || entry.UpdatedAt != 42 {
		t.Fatalf("读取结果不正确: %+v ok=%v err=%v", entry, ok, err)
	}

	if _, ok, _ := store.GetCooldown(ctx, "missing"); ok {
		t.Fatal("缺失冷却键应返回 ok=false")
	}
	state := CooldownState{Key: "trend:BTC-USDT:5m:SUSTAIN", Symbol: "BTC-USDT", Rule: "trend_sustain", Timeframe: market.Timeframe5m, LastFireTS: 100}
	if err := store.UpsertCooldown(ctx, state); err != nil {
		t.Fatalf("写入冷却失败: %v", err)
	}
	loaded, ok, err := store.GetCooldown(ctx, state.Key)
	if err != nil || !ok || loaded.LastFireTS != 100 {
		t.Fatalf("冷却状态不正确: %+v ok=%v err=%v", loaded, ok, err)
	}
}
