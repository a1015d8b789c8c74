// Package rollup derives higher-timeframe candles from the base series.
package rollup

import (
	"context"
	"fmt"
	"sort"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"candle-signal-alerts/internal/market"
	"candle-signal-alerts/internal/storage"
)

// maxSourceGapSeconds is the spacing between consecutive source candles
// beyond which a gap warning is logged. Aggregation continues regardless.
const maxSourceGapSeconds = 60

// Stats reports one rollup pass. Aggregated counts every bucket written,
// including incomplete ones; Skipped counts the incomplete buckets
// separately. Incomplete buckets are still written so that repeated runs
// converge once the remaining source candles arrive.
type Stats struct {
	Aggregated int
	Skipped    int
}

// Aggregator rolls base candles into derived timeframes.
type Aggregator struct {
	store  storage.CandleStore
	logger zerolog.Logger
}

// New constructs an Aggregator over a candle store.
func New(store storage.CandleStore, logger zerolog.Logger) *Aggregator {
	return &Aggregator{
		store:  store,
		logger: logger.With().Str("component", "rollup").Logger(),
	}
}

// Rollup aggregates src candles into dst buckets for every symbol present
// in src, optionally restricted to candles with close_ts >= sinceTS. The
// write path is the same last-write-wins upsert as candle ingestion, so
// re-running over the same range is idempotent.
func (a *Aggregator) Rollup(ctx context.Context, src, dst market.Timeframe, sinceTS int64) (Stats, error) {
	window := dst.WindowMinutes()
	if window <= src.WindowMinutes() {
		return Stats{}, fmt.Errorf("rollup window %s must be wider than source %s", dst, src)
	}

	var stats Stats
	symbols, err := a.store.ListSymbols(ctx, src, sinceTS)
	if err != nil {
		return stats, fmt.Errorf("list rollup symbols: %w", err)
	}

	for _, symbol := range symbols {
		candles, err := a.store.FetchCandles(ctx, src, symbol, sinceTS)
		if err != nil {
			return stats, fmt.Errorf("fetch source candles for %s: %w", symbol, err)
		}
		if len(candles) == 0 {
			continue
		}

		buckets := a.bucketCandles(symbol, candles, window)

		keys := make([]int64, 0, len(buckets))
		for key := range buckets {
			keys = append(keys, key)
		}
		sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

		for _, bucketTS := range keys {
			members := buckets[bucketTS]
			if !bucketComplete(members, bucketTS) {
				a.logger.Debug().
					Str("symbol", symbol).
					Int64("bucket_ts", bucketTS).
					Int("members", len(members)).
					Msg("incomplete bucket; aggregating available candles")
				stats.Skipped++
			}

			aggregated := aggregateBucket(members)
			aggregated.CloseTS = bucketTS
			if err := a.store.UpsertCandle(ctx, dst, aggregated); err != nil {
				return stats, fmt.Errorf("upsert rollup candle %s@%d: %w", symbol, bucketTS, err)
			}
			stats.Aggregated++
		}
	}

	return stats, nil
}

func (a *Aggregator) bucketCandles(symbol string, candles []market.Candle, window int) map[int64][]market.Candle {
	buckets := make(map[int64][]market.Candle)
	var prevClose int64
	for _, candle := range candles {
		if prevClose != 0 && candle.CloseTS-prevClose > maxSourceGapSeconds {
			a.logger.Warn().
				Str("symbol", symbol).
				Int64("prev_close_ts", prevClose).
				Int64("close_ts", candle.CloseTS).
				Msg("gap detected in source candles")
		}
		prevClose = candle.CloseTS

		key := market.BucketCloseTS(candle.CloseTS, window)
		buckets[key] = append(buckets[key], candle)
	}
	return buckets
}

func bucketComplete(members []market.Candle, bucketTS int64) bool {
	for _, candle := range members {
		if candle.CloseTS == bucketTS {
			return true
		}
	}
	return false
}

// aggregateBucket folds the bucket members (already ascending by close
// time) into one candle. Volume fields are summed with decimals so that
// repeated rollups reproduce identical values.
func aggregateBucket(members []market.Candle) market.Candle {
	first := members[0]
	last := members[len(members)-1]

	out := market.Candle{
		Source:   first.Source,
		Exchange: first.Exchange,
		Chain:    first.Chain,
		Symbol:   first.Symbol,
		Base:     first.Base,
		Quote:    first.Quote,
		OpenTS:   first.OpenTS,
		Open:     first.Open,
		Close:    last.Close,
		High:     first.High,
		Low:      first.Low,
	}

	volumeBase := decimal.Zero
	volumeQuote := decimal.Zero
	notional := decimal.Zero
	for _, candle := range members {
		if candle.High > out.High {
			out.High = candle.High
		}
		if candle.Low < out.Low {
			out.Low = candle.Low
		}
		volumeBase = volumeBase.Add(decimal.NewFromFloat(candle.VolumeBase))
		volumeQuote = volumeQuote.Add(decimal.NewFromFloat(candle.VolumeQuote))
		notional = notional.Add(decimal.NewFromFloat(candle.NotionalUSD))
		out.Trades += candle.Trades
	}
	out.VolumeBase = volumeBase.InexactFloat64()
	out.VolumeQuote = volumeQuote.InexactFloat64()
	out.NotionalUSD = notional.InexactFloat64()

	return out
}
