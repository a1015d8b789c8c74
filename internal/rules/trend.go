package rules

import (
	"context"
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"candle-signal-alerts/internal/config"
	"candle-signal-alerts/internal/indicator"
	"candle-signal-alerts/internal/market"
	"candle-signal-alerts/internal/storage"
)

// Trend channel labels.
const (
	LabelSustain  = "SUSTAIN"
	LabelBreakout = "BREAKOUT"
)

const trendATRPeriod = 14

// TrendEvaluator classifies symbols into channel continuation (SUSTAIN) or
// volume-confirmed breakout (BREAKOUT) using a linear-regression fit over
// recent candles. Symbols failing the channel quality gates are skipped
// for the scan.
type TrendEvaluator struct {
	candles   storage.CandleStore
	events    storage.EventStore
	cooldowns storage.CooldownStore

	symbols         []string
	cfg             config.TrendChannelConfig
	cooldownMinutes int
	logger          zerolog.Logger
}

// NewTrendEvaluator wires the trend channel detector.
func NewTrendEvaluator(candles storage.CandleStore, events storage.EventStore, cooldowns storage.CooldownStore, engine config.EngineConfig, logger zerolog.Logger) *TrendEvaluator {
	return &TrendEvaluator{
		candles:         candles,
		events:          events,
		cooldowns:       cooldowns,
		symbols:         engine.Symbols,
		cfg:             engine.TrendChannel,
		cooldownMinutes: engine.CooldownMinutes,
		logger:          logger.With().Str("component", "trend_channel").Logger(),
	}
}

// Scan evaluates every configured symbol on one timeframe.
func (t *TrendEvaluator) Scan(ctx context.Context, tf market.Timeframe, now int64) ([]storage.AlertEvent, error) {
	events := make([]storage.AlertEvent, 0)
	for _, symbol := range t.symbols {
		event, err := t.evaluateSymbol(ctx, tf, symbol, now)
		if err != nil {
			return events, err
		}
		if event != nil {
			events = append(events, *event)
		}
	}
	return events, nil
}

type trendDetail struct {
	Slope     float64  `json:"slope"`
	R2        float64  `json:"r2"`
	ResidStd  float64  `json:"resid_std"`
	MidPrice  float64  `json:"mid_price"`
	ATR       float64  `json:"atr"`
	Deviation float64  `json:"deviation"`
	ZVol      *float64 `json:"z_vol,omitempty"`
	Direction string   `json:"direction,omitempty"`
}

func (t *TrendEvaluator) evaluateSymbol(ctx context.Context, tf market.Timeframe, symbol string, now int64) (*storage.AlertEvent, error) {
	window := t.cfg.Window
	candles, err := t.candles.FetchRecentCandles(ctx, tf, symbol, window+1)
	if err != nil {
		return nil, err
	}
	if len(candles) < window {
		return nil, nil
	}

	// With exactly window candles every bar is regression history and the
	// last one doubles as the subject with no forecast step; with window+1
	// the last candle is the subject and the channel is projected one bar
	// forward. The two paths intentionally differ.
	var history []market.Candle
	forecast := false
	subject := candles[len(candles)-1]
	if len(candles) == window {
		history = candles
	} else {
		history = candles[:len(candles)-1]
		forecast = true
	}

	closes := make([]float64, len(history))
	highs := make([]float64, len(history))
	lows := make([]float64, len(history))
	notionals := make([]float64, len(history))
	for i, candle := range history {
		closes[i] = candle.Close
		highs[i] = candle.High
		lows[i] = candle.Low
		notionals[i] = candle.NotionalUSD
	}

	feats, ok, err := indicator.LinRegFeatures(closes, window)
	if err != nil || !ok {
		return nil, nil
	}

	atrPeriod := trendATRPeriod
	if len(history) < atrPeriod {
		atrPeriod = len(history)
	}
	atrValues, err := indicator.ATR(highs, lows, closes, atrPeriod)
	if err != nil || len(atrValues) == 0 {
		return nil, nil
	}
	atrLast := atrValues[len(atrValues)-1]
	if !atrLast.Defined {
		return nil, nil
	}
	atr := atrLast.Float64

	lastClose := history[len(history)-1].Close
	if lastClose == 0 {
		return nil, nil
	}
	slopeNorm := math.Abs(feats.Slope / lastClose)

	if feats.R2 < t.cfg.R2Min {
		return nil, nil
	}
	if slopeNorm < t.cfg.SlopeNormMin || slopeNorm > t.cfg.SlopeNormMax {
		return nil, nil
	}
	if feats.ResidStd > atr*t.cfg.ResidATRMax {
		return nil, nil
	}

	predicted := feats.MidPrice
	if forecast {
		predicted += feats.Slope
	}
	deviation := subject.Close - predicted

	detail := trendDetail{
		Slope:     feats.Slope,
		R2:        feats.R2,
		ResidStd:  feats.ResidStd,
		MidPrice:  feats.MidPrice,
		ATR:       atr,
		Deviation: deviation,
	}

	var label string
	if math.Abs(deviation) <= atr*t.cfg.PullbackATRMax {
		label = LabelSustain
	} else {
		zVol, zOK := indicator.ZScore(subject.NotionalUSD, notionals)
		if !zOK {
			// Degenerate baseline variance: fall back to a mean-multiple
			// check at the same confirmation strength.
			baselineMean := indicator.Mean(notionals)
			if baselineMean == 0 || subject.NotionalUSD < baselineMean*t.cfg.VolConfirmZ {
				return nil, nil
			}
			zVol = t.cfg.VolConfirmZ
		}
		if zVol < t.cfg.VolConfirmZ {
			return nil, nil
		}

		switch {
		case deviation >= t.cfg.BreakoutATRMult*atr:
			label = LabelBreakout
			detail.ZVol = &zVol
			detail.Direction = "up"
		case deviation <= -t.cfg.BreakoutATRMult*atr:
			label = LabelBreakout
			detail.ZVol = &zVol
			detail.Direction = "down"
		default:
			return nil, nil
		}
	}

	key := trendCooldownKey(symbol, tf, label)
	allowed, err := passesCooldown(ctx, t.cooldowns, key, t.cooldownMinutes, now)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, nil
	}

	event := buildTrendEvent(symbol, tf, subject, label, detail, now)
	if err := t.events.UpsertEvent(ctx, event); err != nil {
		return nil, err
	}
	if err := recordFire(ctx, t.cooldowns, key, symbol, event.Rule, tf, now); err != nil {
		return nil, err
	}

	t.logger.Info().
		Str("symbol", symbol).
		Str("timeframe", string(tf)).
		Str("label", label).
		Float64("deviation", deviation).
		Msg("trend channel classified")
	return &event, nil
}

func buildTrendEvent(symbol string, tf market.Timeframe, subject market.Candle, label string, detail trendDetail, now int64) storage.AlertEvent {
	severity := storage.SeverityInfo
	if label == LabelBreakout {
		severity = storage.SeverityWarning
	}
	payload, _ := json.Marshal(detail)
	return storage.AlertEvent{
		ID:        eventID("trend", label, symbol, strconv.FormatInt(subject.CloseTS, 10)),
		TS:        subject.CloseTS,
		Symbol:    symbol,
		Source:    subject.Source,
		Exchange:  subject.Exchange,
		Timeframe: tf,
		Rule:      "trend_" + strings.ToLower(label),
		Severity:  severity,
		Message:   "Trend channel " + strings.ToLower(label),
		Detail:    payload,
		CreatedAt: now,
		Delivered: false,
	}
}
