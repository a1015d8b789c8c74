package rules

import (
	"context"
	"testing"

	"candle-signal-alerts/internal/config"
	"candle-signal-alerts/internal/market"
	"candle-signal-alerts/internal/storage"
)

func volumeEngine(symbol string, spike config.VolumeSpikeConfig) config.EngineConfig {
	return config.EngineConfig{
		Symbols:         []string{symbol},
		CooldownMinutes: 10,
		VolumeSpike:     spike,
	}
}

func zscoreSpike() config.VolumeSpikeConfig {
	return config.VolumeSpikeConfig{
		Mode: config.VolumeSpikeZScore,
		ZScore: config.VolumeZScoreConfig{
			Lookback:       5,
			ZThreshold:     3,
			MinNotionalUSD: 150,
			MinAbsReturn:   0.005,
		},
	}
}

// seedVolume writes 5 baseline bars (均值 100, 标准差约 14.14 的成交额)
// plus one current bar.
func seedVolume(t *testing.T, store *storage.MemoryStore, symbol string, currentClose, currentNotional float64) {
	t.Helper()
	ctx := context.Background()
	baseNotionals := []float64{80, 90, 100, 110, 120}
	for i, notional := range baseNotionals {
		candle := channelCandle(symbol, int64((i+1)*300), 100, notional)
		if err := store.UpsertCandle(ctx, market.Timeframe5m, candle); err != nil {
			t.Fatalf("写入 K 线失败: %v", err)
		}
	}
	current := channelCandle(symbol, 6*300, currentClose, currentNotional)
	if err := store.UpsertCandle(ctx, market.Timeframe5m, current); err != nil {
		t.Fatalf("写入 K 线失败: %v", err)
	}
}

func TestVolumeZScoreFires(t *testing.T) {
	store := storage.NewMemoryStore()
	eval := NewVolumeEvaluator(store, store, store, volumeEngine("BTC-USDT", zscoreSpike()), testLogger())

	// z ≈ 7.07, 回报 1%, 成交额高于下限: 三个条件同时满足
	seedVolume(t, store, "BTC-USDT", 101, 200)
	events, err := eval.Scan(context.Background(), market.Timeframe5m, 10000)
	if err != nil {
		t.Fatalf("扫描不应报错: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("期望 1 条事件, 实际 %d", len(events))
	}
	event := events[0]
	if event.Rule != "volume_spike" || event.Severity != storage.SeverityWarning {
		t.Fatalf("事件属性不正确: %+v", event)
	}
	if event.TS != 6*300 {
		t.Fatalf("事件时间应为当前 K 线收盘, 实际 %d", event.TS)
	}
}

func TestVolumeZScoreConjunction(t *testing.T) {
	cases := []struct {
		name     string
		close    float64
		notional float64
		spike    config.VolumeSpikeConfig
	}{
		{name: "z 分数不足", close: 101, notional: 110, spike: zscoreSpike()},
		{name: "回报过小", close: 100.1, notional: 200, spike: zscoreSpike()},
		{name: "成交额低于下限", close: 101, notional: 200, spike: func() config.VolumeSpikeConfig {
			s := zscoreSpike()
			s.ZScore.MinNotionalUSD = 500
			return s
		}()},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := storage.NewMemoryStore()
			eval := NewVolumeEvaluator(store, store, store, volumeEngine("BTC-USDT", tc.spike), testLogger())
			seedVolume(t, store, "BTC-USDT", tc.close, tc.notional)

			events, err := eval.Scan(context.Background(), market.Timeframe5m, 10000)
			if err != nil {
				t.Fatalf("扫描不应报错: %v", err)
			}
			if len(events) != 0 {
				t.Fatal("任一条件不满足都不应触发")
			}
		})
	}
}

func TestVolumeMultiplierMode(t *testing.T) {
	spike := config.VolumeSpikeConfig{
		Mode:   config.VolumeSpikeMultiplier,
		ZScore: config.VolumeZScoreConfig{Lookback: 5},
		Multiplier: config.VolumeMultiplierConfig{
			MinAbsReturn: 0.005,
			Buckets: map[string]config.VolumeBucketConfig{
				"majors": {Symbols: []string{"BTC-USDT"}, Mult: 3, MinNotionalUSD: 150},
			},
		},
	}

	store := storage.NewMemoryStore()
	eval := NewVolumeEvaluator(store, store, store, volumeEngine("BTC-USDT", spike), testLogger())

	// 基线均值 100, 成交额 400 对应 4 倍
	seedVolume(t, store, "BTC-USDT", 101, 400)
	events, err := eval.Scan(context.Background(), market.Timeframe5m, 10000)
	if err != nil {
		t.Fatalf("扫描不应报错: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("倍数模式应触发, 实际 %d 条", len(events))
	}

	// 不在任何桶中的品种不触发
	store2 := storage.NewMemoryStore()
	eval2 := NewVolumeEvaluator(store2, store2, store2, volumeEngine("DOGE-USDT", spike), testLogger())
	seedVolume(t, store2, "DOGE-USDT", 101, 400)
	events, err = eval2.Scan(context.Background(), market.Timeframe5m, 10000)
	if err != nil {
		t.Fatalf("扫描不应报错: %v", err)
	}
	if len(events) != 0 {
		t.Fatal("未配置桶的品种不应触发")
	}
}

func TestVolumeCooldownBlocksRefire(t *testing.T) {
	store := storage.NewMemoryStore()
	eval := NewVolumeEvaluator(store, store, store, volumeEngine("BTC-USDT", zscoreSpike()), testLogger())
	seedVolume(t, store, "BTC-USDT", 101, 200)

	events, err := eval.Scan(context.Background(), market.Timeframe5m, 10000)
	if err != nil || len(events) != 1 {
		t.Fatalf("首次扫描应触发: events=%d err=%v", len(events), err)
	}

	events, err = eval.Scan(context.Background(), market.Timeframe5m, 10060)
	if err != nil {
		t.Fatalf("扫描不应报错: %v", err)
	}
	if len(events) != 0 {
		t.Fatal("冷却期内不应再次触发")
	}
}

func TestVolumeInsufficientHistorySkipped(t *testing.T) {
	store := storage.NewMemoryStore()
	eval := NewVolumeEvaluator(store, store, store, volumeEngine("BTC-USDT", zscoreSpike()), testLogger())

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		candle := channelCandle("BTC-USDT", int64((i+1)*300), 100, 100)
		if err := store.UpsertCandle(ctx, market.Timeframe5m, candle); err != nil {
			t.Fatalf("写入 K 线失败: %v", err)
		}
	}

	events, err := eval.Scan(ctx, market.Timeframe5m, 10000)
	if err != nil {
		t.Fatalf("扫描不应报错: %v", err)
	}
	if len(events) != 0 {
		t.Fatal("样本不足 lookback+1 时应跳过")
	}
}
