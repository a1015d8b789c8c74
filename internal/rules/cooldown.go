package rules

import (
	"context"
	"fmt"

	"candle-signal-alerts/internal/market"
	"candle-signal-alerts/internal/storage"
)

func trendCooldownKey(symbol string, tf market.Timeframe, label string) string {
	return fmt.Sprintf("trend:%s:%s:%s", symbol, tf, label)
}

func volumeCooldownKey(symbol string, tf market.Timeframe) string {
	return fmt.Sprintf("volume_spike:%s:%s", symbol, tf)
}

// passesCooldown reports whether a fire for key is allowed at now. A key
// with no prior fire always passes.
func passesCooldown(ctx context.Context, store storage.CooldownStore, key string, cooldownMinutes int, now int64) (bool, error) {
	state, ok, err := store.GetCooldown(ctx, key)
	if err != nil {
		return false, fmt.Errorf("get cooldown %s: %w", key, err)
	}
	if !ok {
		return true, nil
	}
	return now-state.LastFireTS >= int64(cooldownMinutes)*60, nil
}

func recordFire(ctx context.Context, store storage.CooldownStore, key, symbol, rule string, tf market.Timeframe, now int64) error {
	state := storage.CooldownState{
		Key:        key,
		Symbol:     symbol,
		Rule:       rule,
		Timeframe:  tf,
		LastFireTS: now,
	}
	if err := store.UpsertCooldown(ctx, state); err != nil {
		return fmt.Errorf("record cooldown %s: %w", key, err)
	}
	return nil
}
