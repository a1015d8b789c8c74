package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"candle-signal-alerts/internal/app"
)

var (
	rollupTimeframe string
	rollupSince     string
)

var rollupCmd = &cobra.Command{
	Use:   "rollup",
	Short: "Aggregate base candles into derived timeframes without evaluating rules",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.RollupOptions{
			Timeframe: rollupTimeframe,
		}

		if rollupSince != "" {
			since, err := time.Parse(time.RFC3339, rollupSince)
			if err != nil {
				return fmt.Errorf("invalid --since value: %w", err)
			}
			opts.SinceTS = since.Unix()
		}

		return getApp().RollupOnce(cmd.Context(), opts)
	},
}

func init() {
	rollupCmd.Flags().StringVar(&rollupTimeframe, "timeframe", "", "Derived timeframe to build (defaults to all configured)")
	rollupCmd.Flags().StringVar(&rollupSince, "since", "", "Only aggregate candles closing at or after this timestamp (RFC3339)")
}
