package storage

import (
	"encoding/json"

	"candle-signal-alerts/internal/market"
)

// Alert severities attached to emitted events.
const (
	SeverityInfo    = "info"
	SeverityWarning = "warning"
)

// AlertEvent is an alert emitted by a rule evaluator. The id is derived
// deterministically from the rule, symbol and timestamp, so re-running a
// scan over the same data upserts rather than duplicates. The Delivered
// flag is owned by the notification collaborator; evaluators always write
// it as false and never touch an event again.
type AlertEvent struct {
	ID        string
	TS        int64
	Symbol    string
	Source    string
	Exchange  string
	Timeframe market.Timeframe
	Rule      string
	Severity  string
	Message   string
	Detail    json.RawMessage
	CreatedAt int64
	Delivered bool
}

// KVEntry is an opaque per-key state blob with its last-updated timestamp.
// Rule evaluators persist their runtime state through this record.
type KVEntry struct {
	Key       string
	Value     []byte
	UpdatedAt int64
}

// CooldownState gates re-triggering of a (symbol, rule label, timeframe)
// combination within the configured cooldown window.
type CooldownState struct {
	Key        string
	Symbol     string
	Rule       string
	Timeframe  market.Timeframe
	LastFireTS int64
}

// EventFilter narrows ListEvents. Zero values are ignored.
type EventFilter struct {
	Timeframe market.Timeframe
	Symbols   []string
	Rules     []string
	SinceTS   int64
	Limit     int
}
