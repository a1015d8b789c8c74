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

const (
	atrBreakoutHistory = 60
	atrBreakoutMinBars = 20
	atrBreakoutEMASpan = 20
	atrBreakoutPeriod  = 14
)

// PriceEvaluator runs the per-rule threshold/percentage/ATR-breakout state
// machine. Each rule is either Armed (may fire) or Disarmed (fired
// previously, waiting on hysteresis); the state is persisted on every
// scan so a crash never loses a transition.
type PriceEvaluator struct {
	candles storage.CandleStore
	states  storage.StateStore
	events  storage.EventStore
	logger  zerolog.Logger
}

// NewPriceEvaluator wires the price alert evaluator to its stores.
func NewPriceEvaluator(candles storage.CandleStore, states storage.StateStore, events storage.EventStore, logger zerolog.Logger) *PriceEvaluator {
	return &PriceEvaluator{
		candles: candles,
		states:  states,
		events:  events,
		logger:  logger.With().Str("component", "price_alerts").Logger(),
	}
}

// Scan evaluates every enabled rule against the latest base candle close.
// Rules without a current price are skipped. Store access failures abort
// the scan; they would otherwise risk duplicate or missed alerts.
func (p *PriceEvaluator) Scan(ctx context.Context, ruleSet []config.PriceRuleConfig, now int64) ([]storage.AlertEvent, error) {
	events := make([]storage.AlertEvent, 0)
	for _, rule := range ruleSet {
		if !rule.IsEnabled() {
			continue
		}
		event, err := p.evaluateRule(ctx, rule, now)
		if err != nil {
			return events, err
		}
		if event != nil {
			events = append(events, *event)
		}
	}
	return events, nil
}

func (p *PriceEvaluator) evaluateRule(ctx context.Context, rule config.PriceRuleConfig, now int64) (*storage.AlertEvent, error) {
	latest, ok, err := p.candles.FetchLatestCandle(ctx, market.Timeframe1m, rule.Symbol)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	price := latest.Close

	state, err := loadRuleState(ctx, p.states, rule.ID)
	if err != nil {
		return nil, err
	}

	baselineInitialized := state.Baseline != nil
	rearmed := applyHysteresis(rule, price, &state)

	if rule.Kind == config.RulePctUp || rule.Kind == config.RulePctDown {
		if rearmed || !baselineInitialized {
			state.Baseline = &price
			state.BaselineTS = now
			if err := saveRuleState(ctx, p.states, rule.ID, state, now); err != nil {
				return nil, err
			}
		}
		if !baselineInitialized {
			// Baseline-establishment pass: future scans compare against
			// this fixed reference, never the scan that set it.
			return nil, nil
		}
	}

	if !state.Armed {
		return nil, saveRuleState(ctx, p.states, rule.ID, state, now)
	}

	condition, err := p.evaluateCondition(ctx, rule, price, state)
	if err != nil {
		return nil, err
	}
	confirmed, err := p.confirm(ctx, rule, condition, &state, now)
	if err != nil {
		return nil, err
	}
	if !confirmed {
		return nil, saveRuleState(ctx, p.states, rule.ID, state, now)
	}

	event := buildPriceEvent(rule, latest, price, now)
	if err := p.events.UpsertEvent(ctx, event); err != nil {
		return nil, err
	}

	state.Armed = false
	state.Baseline = &price
	state.LastTriggerTS = now
	state.ConditionSince = nil
	state.Samples = []bool{}
	if err := saveRuleState(ctx, p.states, rule.ID, state, now); err != nil {
		return nil, err
	}

	p.logger.Info().
		Str("rule", rule.ID).
		Str("symbol", rule.Symbol).
		Str("kind", string(rule.Kind)).
		Float64("price", price).
		Msg("price alert triggered")
	return &event, nil
}

// applyHysteresis re-arms a disarmed rule once price crosses back past the
// re-arm threshold. It reports whether the rule transitioned to Armed on
// this scan. Armed rules are untouched.
func applyHysteresis(rule config.PriceRuleConfig, price float64, state *RuleRuntimeState) bool {
	if state.Armed {
		return false
	}

	level := price
	if rule.Level != nil {
		level = *rule.Level
	}

	threshold := level
	switch {
	case rule.HysteresisPct != nil && *rule.HysteresisPct != 0:
		hp := *rule.HysteresisPct
		if rule.Kind == config.RuleAbove {
			threshold = level * (1 - hp)
		} else if rule.Kind == config.RuleBelow {
			threshold = level * (1 + hp)
		}
	case rule.Hysteresis != nil && *rule.Hysteresis != 0:
		h := *rule.Hysteresis
		if rule.Kind == config.RuleAbove {
			threshold = level - h
		} else if rule.Kind == config.RuleBelow {
			threshold = level + h
		}
	}

	switch rule.Kind {
	case config.RuleAbove:
		if price <= threshold {
			state.Armed = true
		}
	case config.RuleBelow:
		if price >= threshold {
			state.Armed = true
		}
	case config.RulePctUp, config.RulePctDown:
		// Percentage rules re-arm against their stored baseline; the
		// baseline is then reset by the caller so the next move is
		// measured from the re-arm price.
		baseline := level
		if state.Baseline != nil {
			baseline = *state.Baseline
		}
		if rule.Kind == config.RulePctUp {
			state.Armed = price <= baseline
		} else {
			state.Armed = price >= baseline
		}
	}

	return state.Armed
}

func (p *PriceEvaluator) evaluateCondition(ctx context.Context, rule config.PriceRuleConfig, price float64, state RuleRuntimeState) (bool, error) {
	switch rule.Kind {
	case config.RuleAbove:
		return price >= *rule.Level, nil
	case config.RuleBelow:
		return price <= *rule.Level, nil
	case config.RulePctUp:
		baseline := price
		if state.Baseline != nil {
			baseline = *state.Baseline
		}
		return price >= baseline*(1+*rule.Pct), nil
	case config.RulePctDown:
		baseline := price
		if state.Baseline != nil {
			baseline = *state.Baseline
		}
		return price <= baseline*(1-*rule.Pct), nil
	case config.RuleATRBreakout:
		return p.atrBreakout(ctx, rule, price)
	}
	return false, nil
}

// atrBreakout compares price against an EMA(20) ± k·ATR(14) band computed
// over recent base candles. Fewer than 20 candles, or an undefined
// EMA/ATR, suppresses firing.
func (p *PriceEvaluator) atrBreakout(ctx context.Context, rule config.PriceRuleConfig, price float64) (bool, error) {
	candles, err := p.candles.FetchRecentCandles(ctx, market.Timeframe1m, rule.Symbol, atrBreakoutHistory)
	if err != nil {
		return false, err
	}
	if len(candles) < atrBreakoutMinBars {
		return false, nil
	}

	closes := make([]float64, len(candles))
	highs := make([]float64, len(candles))
	lows := make([]float64, len(candles))
	for i, candle := range candles {
		closes[i] = candle.Close
		highs[i] = candle.High
		lows[i] = candle.Low
	}

	emaValues, err := indicator.EMA(closes, atrBreakoutEMASpan)
	if err != nil || len(emaValues) == 0 {
		return false, nil
	}
	atrValues, err := indicator.ATR(highs, lows, closes, atrBreakoutPeriod)
	if err != nil || len(atrValues) == 0 {
		return false, nil
	}
	atrLast := atrValues[len(atrValues)-1]
	if !atrLast.Defined {
		return false, nil
	}
	emaLast := emaValues[len(emaValues)-1]
	band := *rule.ATRMult * atrLast.Float64

	switch rule.Direction {
	case "above":
		return price >= emaLast+band, nil
	case "below":
		return price <= emaLast-band, nil
	default:
		return math.Abs(price-emaLast) >= band, nil
	}
}

// confirm gates the raw condition through the rule's confirmation policy.
// Without one, the raw condition decides.
func (p *PriceEvaluator) confirm(ctx context.Context, rule config.PriceRuleConfig, condition bool, state *RuleRuntimeState, now int64) (bool, error) {
	if rule.Confirm == nil {
		return condition, nil
	}

	switch rule.Confirm.Mode {
	case config.ConfirmTime:
		if !condition {
			state.ConditionSince = nil
			return false, nil
		}
		if state.ConditionSince == nil {
			since := now
			state.ConditionSince = &since
		}
		return now-*state.ConditionSince >= int64(rule.Confirm.Seconds), nil

	case config.ConfirmSamples:
		state.Samples = append(state.Samples, condition)
		total := rule.Confirm.Total
		if len(state.Samples) > total {
			state.Samples = state.Samples[len(state.Samples)-total:]
		}
		if len(state.Samples) < total {
			return false, nil
		}
		passes := 0
		for _, sample := range state.Samples {
			if sample {
				passes++
			}
		}
		return passes >= rule.Confirm.PassRequired, nil

	case config.ConfirmBarClose:
		tf, err := market.ParseTimeframe(rule.Confirm.Timeframe)
		if err != nil {
			return false, nil
		}
		candle, ok, err := p.candles.FetchLatestCandle(ctx, tf, rule.Symbol)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
		return p.evaluateCondition(ctx, rule, candle.Close, *state)
	}

	return condition, nil
}

type priceDetail struct {
	Price float64 `json:"price"`
	Rule  string  `json:"rule"`
}

func buildPriceEvent(rule config.PriceRuleConfig, latest market.Candle, price float64, now int64) storage.AlertEvent {
	detail, _ := json.Marshal(priceDetail{Price: price, Rule: string(rule.Kind)})
	return storage.AlertEvent{
		ID:        eventID("price", rule.ID, strconv.FormatInt(now, 10)),
		TS:        now,
		Symbol:    rule.Symbol,
		Source:    latest.Source,
		Exchange:  latest.Exchange,
		Timeframe: market.Timeframe1m,
		Rule:      "price_" + string(rule.Kind),
		Severity:  storage.SeverityInfo,
		Message:   rule.Message,
		Detail:    detail,
		CreatedAt: now,
		Delivered: false,
	}
}
