package app

import (
	"context"
	"time"

	"candle-signal-alerts/internal/market"
	"candle-signal-alerts/internal/rollup"
)

// ScanOnce performs a single rollup-and-evaluate pass and exits. Useful for
// cron-driven deployments and for smoke-testing a configuration.
func (a *App) ScanOnce(ctx context.Context) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	svc, closeStates, err := a.newService(ctx, store)
	if err != nil {
		return err
	}
	if closeStates != nil {
		defer closeStates()
	}

	return svc.Scan(ctx, time.Now().UTC().Unix())
}

// RollupOnce aggregates base candles into the requested derived timeframe
// (or all configured timeframes when none is given) without evaluating rules.
func (a *App) RollupOnce(ctx context.Context, opts RollupOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	targets := a.Config.Engine.EvaluationTimeframes()
	if opts.Timeframe != "" {
		tf, err := market.ParseTimeframe(opts.Timeframe)
		if err != nil {
			return err
		}
		targets = []market.Timeframe{tf}
	}

	aggregator := rollup.New(store, a.Logger)
	for _, tf := range targets {
		stats, err := aggregator.Rollup(ctx, market.Timeframe1m, tf, opts.SinceTS)
		if err != nil {
			return err
		}
		a.Logger.Info().
			Str("timeframe", string(tf)).
			Int("aggregated", stats.Aggregated).
			Int("skipped", stats.Skipped).
			Msg("rollup complete")
	}
	return nil
}
