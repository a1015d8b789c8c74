package market

import "fmt"

// Timeframe identifies a candle resolution. Base candles arrive at 1m;
// the 5m and 15m series are derived by the rollup aggregator.
type Timeframe string

const (
	Timeframe1m  Timeframe = "1m"
	Timeframe5m  Timeframe = "5m"
	Timeframe15m Timeframe = "15m"
)

// ParseTimeframe validates a configured timeframe string.
func ParseTimeframe(value string) (Timeframe, error) {
	switch Timeframe(value) {
	case Timeframe1m, Timeframe5m, Timeframe15m:
		return Timeframe(value), nil
	}
	return "", fmt.Errorf("unsupported timeframe: %q", value)
}

// WindowMinutes returns the bucket width in minutes.
func (tf Timeframe) WindowMinutes() int {
	switch tf {
	case Timeframe1m:
		return 1
	case Timeframe5m:
		return 5
	case Timeframe15m:
		return 15
	}
	return 0
}

// WindowSeconds returns the bucket width in seconds.
func (tf Timeframe) WindowSeconds() int64 {
	return int64(tf.WindowMinutes()) * 60
}

func (tf Timeframe) String() string { return string(tf) }

// BucketCloseTS aligns a source close timestamp to the derived bucket it
// belongs to: the next window boundary at or after closeTs. A timestamp
// already on a boundary maps to itself.
func BucketCloseTS(closeTs int64, windowMinutes int) int64 {
	window := int64(windowMinutes) * 60
	return ((closeTs-1)/window + 1) * window
}
