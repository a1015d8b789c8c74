package rules

import (
	"context"
	"encoding/json"
	"math"
	"strconv"

	"github.com/rs/zerolog"

	"candle-signal-alerts/internal/config"
	"candle-signal-alerts/internal/indicator"
	"candle-signal-alerts/internal/market"
	"candle-signal-alerts/internal/storage"
)

// VolumeEvaluator flags abnormal notional volume on a timeframe, in one
// of two mutually exclusive modes: a z-score test against a trailing
// baseline, or a per-bucket multiplier over the baseline mean. Both modes
// additionally require a minimum absolute return and notional floor.
type VolumeEvaluator struct {
	candles   storage.CandleStore
	events    storage.EventStore
	cooldowns storage.CooldownStore

	symbols         []string
	cfg             config.VolumeSpikeConfig
	cooldownMinutes int
	logger          zerolog.Logger
}

// NewVolumeEvaluator wires the volume spike detector.
func NewVolumeEvaluator(candles storage.CandleStore, events storage.EventStore, cooldowns storage.CooldownStore, engine config.EngineConfig, logger zerolog.Logger) *VolumeEvaluator {
	return &VolumeEvaluator{
		candles:         candles,
		events:          events,
		cooldowns:       cooldowns,
		symbols:         engine.Symbols,
		cfg:             engine.VolumeSpike,
		cooldownMinutes: engine.CooldownMinutes,
		logger:          logger.With().Str("component", "volume_spike").Logger(),
	}
}

type volumeDetail struct {
	Mode         string   `json:"mode"`
	ZVol         *float64 `json:"z_vol,omitempty"`
	Ratio        *float64 `json:"ratio,omitempty"`
	Ret          float64  `json:"ret"`
	Notional     float64  `json:"notional"`
	BaselineMean float64  `json:"baseline_mean"`
}

// Scan evaluates every configured symbol on one timeframe.
func (v *VolumeEvaluator) Scan(ctx context.Context, tf market.Timeframe, now int64) ([]storage.AlertEvent, error) {
	lookback := v.cfg.ZScore.Lookback
	events := make([]storage.AlertEvent, 0)

	for _, symbol := range v.symbols {
		candles, err := v.candles.FetchRecentCandles(ctx, tf, symbol, lookback+1)
		if err != nil {
			return events, err
		}
		if len(candles) < lookback+1 {
			continue
		}

		key := volumeCooldownKey(symbol, tf)
		allowed, err := passesCooldown(ctx, v.cooldowns, key, v.cooldownMinutes, now)
		if err != nil {
			return events, err
		}
		if !allowed {
			continue
		}

		var detail *volumeDetail
		if v.cfg.Mode == config.VolumeSpikeZScore {
			detail = v.checkZScore(candles)
		} else {
			detail = v.checkMultiplier(symbol, candles)
		}
		if detail == nil {
			continue
		}

		current := candles[len(candles)-1]
		event := buildVolumeEvent(symbol, tf, current, *detail, now)
		if err := v.events.UpsertEvent(ctx, event); err != nil {
			return events, err
		}
		if err := recordFire(ctx, v.cooldowns, key, symbol, event.Rule, tf, now); err != nil {
			return events, err
		}
		events = append(events, event)

		v.logger.Info().
			Str("symbol", symbol).
			Str("timeframe", string(tf)).
			Str("mode", detail.Mode).
			Msg("volume spike detected")
	}
	return events, nil
}

func baselineAndCurrent(candles []market.Candle) (baseline []market.Candle, current market.Candle) {
	return candles[:len(candles)-1], candles[len(candles)-1]
}

func notionalSeries(candles []market.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, candle := range candles {
		out[i] = candle.NotionalUSD
	}
	return out
}

// currentReturn measures the close-to-close return of the current candle
// against the last baseline candle. A zero previous close yields 0.
func currentReturn(baseline []market.Candle, current market.Candle) float64 {
	prevClose := baseline[len(baseline)-1].Close
	if prevClose == 0 {
		return 0
	}
	return current.Close/prevClose - 1.0
}

func (v *VolumeEvaluator) checkZScore(candles []market.Candle) *volumeDetail {
	baseline, current := baselineAndCurrent(candles)
	notionals := notionalSeries(baseline)

	z, ok := indicator.ZScore(current.NotionalUSD, notionals)
	if !ok || z < v.cfg.ZScore.ZThreshold {
		return nil
	}
	ret := currentReturn(baseline, current)
	if math.Abs(ret) < v.cfg.ZScore.MinAbsReturn {
		return nil
	}
	if current.NotionalUSD < v.cfg.ZScore.MinNotionalUSD {
		return nil
	}

	return &volumeDetail{
		Mode:         string(config.VolumeSpikeZScore),
		ZVol:         &z,
		Ret:          ret,
		Notional:     current.NotionalUSD,
		BaselineMean: indicator.Mean(notionals),
	}
}

func (v *VolumeEvaluator) checkMultiplier(symbol string, candles []market.Candle) *volumeDetail {
	baseline, current := baselineAndCurrent(candles)

	ret := currentReturn(baseline, current)
	if math.Abs(ret) < v.cfg.Multiplier.MinAbsReturn {
		return nil
	}

	bucket, ok := v.cfg.Multiplier.FindBucket(symbol)
	if !ok {
		return nil
	}

	baselineMean := indicator.Mean(notionalSeries(baseline))
	if baselineMean == 0 {
		return nil
	}
	ratio := current.NotionalUSD / baselineMean
	if ratio < bucket.Mult || current.NotionalUSD < bucket.MinNotionalUSD {
		return nil
	}

	return &volumeDetail{
		Mode:         string(config.VolumeSpikeMultiplier),
		Ratio:        &ratio,
		Ret:          ret,
		Notional:     current.NotionalUSD,
		BaselineMean: baselineMean,
	}
}

func buildVolumeEvent(symbol string, tf market.Timeframe, current market.Candle, detail volumeDetail, now int64) storage.AlertEvent {
	payload, _ := json.Marshal(detail)
	return storage.AlertEvent{
		ID:        eventID("volume", symbol, string(tf), strconv.FormatInt(current.CloseTS, 10)),
		TS:        current.CloseTS,
		Symbol:    symbol,
		Source:    current.Source,
		Exchange:  current.Exchange,
		Timeframe: tf,
		Rule:      "volume_spike",
		Severity:  storage.SeverityWarning,
		Message:   "Volume spike detected",
		Detail:    payload,
		CreatedAt: now,
		Delivered: false,
	}
}
