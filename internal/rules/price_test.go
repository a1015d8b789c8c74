package rules

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"candle-signal-alerts/internal/config"
	"candle-signal-alerts/internal/market"
	"candle-signal-alerts/internal/storage"
)

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

func floatPtr(v float64) *float64 {
	return &v
}

func setLatestClose(t *testing.T, store *storage.MemoryStore, symbol string, closeTS int64, close float64) {
	t.Helper()
	setTimeframeClose(t, store, market.Timeframe1m, symbol, closeTS, close)
}

func setTimeframeClose(t *testing.T, store *storage.MemoryStore, tf market.Timeframe, symbol string, closeTS int64, close float64) {
	t.Helper()
	candle := market.Candle{
		Source:      "cex",
		Exchange:    "binance",
		Symbol:      symbol,
		OpenTS:      closeTS - tf.WindowSeconds(),
		CloseTS:     closeTS,
		Open:        close,
		High:        close,
		Low:         close,
		Close:       close,
		NotionalUSD: 1000,
		Trades:      1,
	}
	if err := store.UpsertCandle(context.Background(), tf, candle); err != nil {
		t.Fatalf("写入 K 线失败: %v", err)
	}
}

func scanPrice(t *testing.T, eval *PriceEvaluator, rule config.PriceRuleConfig, now int64) []storage.AlertEvent {
	t.Helper()
	events, err := eval.Scan(context.Background(), []config.PriceRuleConfig{rule}, now)
	if err != nil {
		t.Fatalf("扫描不应报错: %v", err)
	}
	return events
}

func TestPriceAboveWithTimeConfirmAndHysteresis(t *testing.T) {
	store := storage.NewMemoryStore()
	eval := NewPriceEvaluator(store, store, store, testLogger())

	rule := config.PriceRuleConfig{
		ID:         "btc-above-105",
		Symbol:     "BTC-USDT",
		Kind:       config.RuleAbove,
		Level:      floatPtr(105),
		Hysteresis: floatPtr(2),
		Confirm:    &config.ConfirmConfig{Mode: config.ConfirmTime, Seconds: 60},
		Message:    "BTC above 105",
	}

	// 条件首次成立: 记录起始时间但未到确认时长
	setLatestClose(t, store, "BTC-USDT", 1000, 106)
	if events := scanPrice(t, eval, rule, 1000); len(events) != 0 {
		t.Fatalf("确认时长未满不应触发, 实际 %d 条", len(events))
	}

	// 持续 60 秒后触发
	setLatestClose(t, store, "BTC-USDT", 1060, 107)
	events := scanPrice(t, eval, rule, 1060)
	if len(events) != 1 {
		t.Fatalf("确认时长满足后应触发 1 条, 实际 %d", len(events))
	}
	if events[0].Rule != "price_above" || events[0].Severity != storage.SeverityInfo {
		t.Fatalf("事件属性不正确: %+v", events[0])
	}

	// 触发后解除武装: 价格回落但未跌破 level-hysteresis=103, 不重新武装
	setLatestClose(t, store, "BTC-USDT", 1120, 106)
	if events := scanPrice(t, eval, rule, 1120); len(events) != 0 {
		t.Fatal("未重新武装不应再次触发")
	}

	// 跌破 103 重新武装, 条件不成立
	setLatestClose(t, store, "BTC-USDT", 1180, 102)
	if events := scanPrice(t, eval, rule, 1180); len(events) != 0 {
		t.Fatal("重新武装的扫描不应触发")
	}

	// 再次越过阈值并确认, 第二次触发
	setLatestClose(t, store, "BTC-USDT", 1240, 106)
	if events := scanPrice(t, eval, rule, 1240); len(events) != 0 {
		t.Fatal("确认计时重新开始, 不应立即触发")
	}
	setLatestClose(t, store, "BTC-USDT", 1300, 106)
	if events := scanPrice(t, eval, rule, 1300); len(events) != 1 {
		t.Fatal("完整的解除-重武装周期后应再次触发")
	}

	stored, err := store.ListEvents(context.Background(), storage.EventFilter{Symbols: []string{"BTC-USDT"}})
	if err != nil {
		t.Fatalf("读取事件失败: %v", err)
	}
	if len(stored) != 2 {
		t.Fatalf("整个周期应持久化 2 条事件, 实际 %d", len(stored))
	}
}

func TestPriceSamplesConfirm(t *testing.T) {
	store := storage.NewMemoryStore()
	eval := NewPriceEvaluator(store, store, store, testLogger())

	rule := config.PriceRuleConfig{
		ID:      "eth-above-100",
		Symbol:  "ETH-USDT",
		Kind:    config.RuleAbove,
		Level:   floatPtr(100),
		Confirm: &config.ConfirmConfig{Mode: config.ConfirmSamples, Total: 4, PassRequired: 3},
	}

	// 样本窗口未满之前不触发
	closes := []float64{101, 99, 101}
	for i, close := range closes {
		now := int64((i + 1) * 60)
		setLatestClose(t, store, "ETH-USDT", now, close)
		if events := scanPrice(t, eval, rule, now); len(events) != 0 {
			t.Fatalf("第 %d 轮样本不足, 不应触发", i+1)
		}
	}

	// 窗口 [true false true true]: 3/4 通过
	setLatestClose(t, store, "ETH-USDT", 240, 101)
	if events := scanPrice(t, eval, rule, 240); len(events) != 1 {
		t.Fatal("通过样本达到 3/4 后应触发")
	}
}

func TestPriceSamplesConfirmSuppressedBelowThreshold(t *testing.T) {
	store := storage.NewMemoryStore()
	eval := NewPriceEvaluator(store, store, store, testLogger())

	rule := config.PriceRuleConfig{
		ID:      "eth-above-100-weak",
		Symbol:  "ETH-USDT",
		Kind:    config.RuleAbove,
		Level:   floatPtr(100),
		Confirm: &config.ConfirmConfig{Mode: config.ConfirmSamples, Total: 4, PassRequired: 3},
	}

	// 窗口 [true false false true]: 2/4 不足
	for i, close := range []float64{101, 99, 99, 101} {
		now := int64((i + 1) * 60)
		setLatestClose(t, store, "ETH-USDT", now, close)
		if events := scanPrice(t, eval, rule, now); len(events) != 0 {
			t.Fatal("2/4 通过不应触发")
		}
	}
}

func TestPriceBarCloseConfirm(t *testing.T) {
	store := storage.NewMemoryStore()
	eval := NewPriceEvaluator(store, store, store, testLogger())

	rule := config.PriceRuleConfig{
		ID:      "btc-above-bar-close",
		Symbol:  "BTC-USDT",
		Kind:    config.RuleAbove,
		Level:   floatPtr(105),
		Confirm: &config.ConfirmConfig{Mode: config.ConfirmBarClose, Timeframe: "5m"},
	}

	// 1m 条件成立但尚无已收盘的 5m K 线: 不触发
	setLatestClose(t, store, "BTC-USDT", 300, 106)
	if events := scanPrice(t, eval, rule, 300); len(events) != 0 {
		t.Fatal("确认时间框架没有 K 线时不应触发")
	}

	// 最新 5m 收盘价未越过阈值: 不触发
	setTimeframeClose(t, store, market.Timeframe5m, "BTC-USDT", 300, 104)
	if events := scanPrice(t, eval, rule, 360); len(events) != 0 {
		t.Fatal("5m 收盘未确认条件时不应触发")
	}

	// 5m 收盘价同样越过阈值: 触发
	setLatestClose(t, store, "BTC-USDT", 600, 106)
	setTimeframeClose(t, store, market.Timeframe5m, "BTC-USDT", 600, 107)
	if events := scanPrice(t, eval, rule, 600); len(events) != 1 {
		t.Fatal("5m 收盘确认条件后应触发")
	}
}

func TestPriceAbovePctHysteresisRearm(t *testing.T) {
	store := storage.NewMemoryStore()
	eval := NewPriceEvaluator(store, store, store, testLogger())

	rule := config.PriceRuleConfig{
		ID:            "btc-above-pct-hyst",
		Symbol:        "BTC-USDT",
		Kind:          config.RuleAbove,
		Level:         floatPtr(100),
		HysteresisPct: floatPtr(0.05),
	}

	// 首次越过阈值触发并解除武装
	setLatestClose(t, store, "BTC-USDT", 60, 101)
	if events := scanPrice(t, eval, rule, 60); len(events) != 1 {
		t.Fatal("首次越过阈值应触发")
	}

	// 回落至 96: 仍高于重武装阈值 100*(1-0.05)=95, 保持解除
	setLatestClose(t, store, "BTC-USDT", 120, 96)
	if events := scanPrice(t, eval, rule, 120); len(events) != 0 {
		t.Fatal("未跌破百分比重武装阈值不应重新武装")
	}

	// 再次越过阈值但仍处于解除状态: 不触发
	setLatestClose(t, store, "BTC-USDT", 180, 102)
	if events := scanPrice(t, eval, rule, 180); len(events) != 0 {
		t.Fatal("解除武装期间不应再次触发")
	}

	// 跌破 95 重新武装
	setLatestClose(t, store, "BTC-USDT", 240, 94)
	if events := scanPrice(t, eval, rule, 240); len(events) != 0 {
		t.Fatal("重新武装的扫描不应触发")
	}

	// 重武装后再次越过阈值, 第二次触发
	setLatestClose(t, store, "BTC-USDT", 300, 101)
	if events := scanPrice(t, eval, rule, 300); len(events) != 1 {
		t.Fatal("重新武装后越过阈值应再次触发")
	}
}

func TestPricePctUpBaselineLifecycle(t *testing.T) {
	store := storage.NewMemoryStore()
	eval := NewPriceEvaluator(store, store, store, testLogger())

	rule := config.PriceRuleConfig{
		ID:     "sol-pct-up",
		Symbol: "SOL-USDT",
		Kind:   config.RulePctUp,
		Pct:    floatPtr(0.05),
	}

	// 首次扫描只建立基线, 即便后续涨幅已经足够也不触发
	setLatestClose(t, store, "SOL-USDT", 60, 100)
	if events := scanPrice(t, eval, rule, 60); len(events) != 0 {
		t.Fatal("基线建立扫描不应触发")
	}

	// 相对基线 100 上涨 6% 触发
	setLatestClose(t, store, "SOL-USDT", 120, 106)
	if events := scanPrice(t, eval, rule, 120); len(events) != 1 {
		t.Fatal("相对基线涨幅达标应触发")
	}

	// 回落到基线以下重新武装, 基线重置为重武装价格
	setLatestClose(t, store, "SOL-USDT", 180, 105)
	if events := scanPrice(t, eval, rule, 180); len(events) != 0 {
		t.Fatal("重新武装的扫描不应触发")
	}

	// 相对新基线 105 不足 5% 不触发
	setLatestClose(t, store, "SOL-USDT", 240, 109)
	if events := scanPrice(t, eval, rule, 240); len(events) != 0 {
		t.Fatal("相对新基线涨幅不足不应触发")
	}

	// 超过 105*1.05=110.25 触发
	setLatestClose(t, store, "SOL-USDT", 300, 111)
	if events := scanPrice(t, eval, rule, 300); len(events) != 1 {
		t.Fatal("相对新基线涨幅达标应触发")
	}
}

func TestPriceATRBreakoutRequiresHistory(t *testing.T) {
	store := storage.NewMemoryStore()
	eval := NewPriceEvaluator(store, store, store, testLogger())

	rule := config.PriceRuleConfig{
		ID:      "bnb-atr",
		Symbol:  "BNB-USDT",
		Kind:    config.RuleATRBreakout,
		ATRMult: floatPtr(2),
	}

	// 少于 20 根历史 K 线静默跳过
	for i := 1; i <= 5; i++ {
		setLatestClose(t, store, "BNB-USDT", int64(i*60), 300)
	}
	if events := scanPrice(t, eval, rule, 300); len(events) != 0 {
		t.Fatal("历史不足时不应触发")
	}
}

func TestPriceDisabledRuleSkipped(t *testing.T) {
	store := storage.NewMemoryStore()
	eval := NewPriceEvaluator(store, store, store, testLogger())

	disabled := false
	rule := config.PriceRuleConfig{
		ID:      "off",
		Symbol:  "BTC-USDT",
		Kind:    config.RuleAbove,
		Level:   floatPtr(1),
		Enabled: &disabled,
	}

	setLatestClose(t, store, "BTC-USDT", 60, 100)
	if events := scanPrice(t, eval, rule, 60); len(events) != 0 {
		t.Fatal("停用的规则不应触发")
	}
}
