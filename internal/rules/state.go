// Package rules holds the three stateful signal evaluators: price alerts,
// trend channel classification, and volume spike detection. Evaluators are
// invoked per scan by the service layer, read candles and their persisted
// runtime state from the storage contracts, and write alert events plus
// updated state back. Errors returned from evaluator methods are store
// access failures and must surface to the scan caller; insufficient data
// is never an error, the affected rule or symbol is skipped for the scan.
package rules

import (
	"context"
	"encoding/json"
	"fmt"

	"candle-signal-alerts/internal/storage"
)

// ruleStateVersion is bumped whenever RuleRuntimeState gains fields, so
// older persisted blobs can be migrated on read.
const ruleStateVersion = 1

// RuleRuntimeState is the persisted per-rule state of the price alert
// evaluator. Armed transitions only through hysteresis re-arm or fire
// logic. The struct is stored as a versioned JSON blob keyed by rule id
// and survives restarts; it is created lazily on first evaluation and
// never deleted.
type RuleRuntimeState struct {
	Version        int      `json:"version"`
	Armed          bool     `json:"armed"`
	Baseline       *float64 `json:"baseline,omitempty"`
	BaselineTS     int64    `json:"baseline_ts,omitempty"`
	ConditionSince *int64   `json:"condition_since,omitempty"`
	Samples        []bool   `json:"samples"`
	LastTriggerTS  int64    `json:"last_trigger_ts,omitempty"`
}

func defaultRuleState() RuleRuntimeState {
	return RuleRuntimeState{
		Version: ruleStateVersion,
		Armed:   true,
		Samples: []bool{},
	}
}

func ruleStateKey(ruleID string) string {
	return "price_state:" + ruleID
}

// loadRuleState reads the persisted state for a rule, defaulting to an
// armed state with no baseline when none exists yet. A corrupt blob is
// replaced with the default rather than failing the scan.
func loadRuleState(ctx context.Context, store storage.StateStore, ruleID string) (RuleRuntimeState, error) {
	entry, ok, err := store.GetKV(ctx, ruleStateKey(ruleID))
	if err != nil {
		return RuleRuntimeState{}, fmt.Errorf("load rule state %s: %w", ruleID, err)
	}
	if !ok || len(entry.Value) == 0 {
		return defaultRuleState(), nil
	}

	var state RuleRuntimeState
	if err := json.Unmarshal(entry.Value, &state); err != nil {
		return defaultRuleState(), nil
	}
	if state.Version == 0 {
		// Blobs written before versioning carry the same field set.
		state.Version = ruleStateVersion
	}
	if state.Samples == nil {
		state.Samples = []bool{}
	}
	return state, nil
}

func saveRuleState(ctx context.Context, store storage.StateStore, ruleID string, state RuleRuntimeState, now int64) error {
	state.Version = ruleStateVersion
	blob, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal rule state %s: %w", ruleID, err)
	}
	if err := store.SetKV(ctx, ruleStateKey(ruleID), blob, now); err != nil {
		return fmt.Errorf("save rule state %s: %w", ruleID, err)
	}
	return nil
}
