package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"candle-signal-alerts/internal/app"
)

var (
	showLimit       int
	showSymbol      string
	showRule        string
	showTimeframe   string
	showUndelivered bool
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recent alert events",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			Limit:       showLimit,
			Symbol:      showSymbol,
			Rule:        showRule,
			Timeframe:   showTimeframe,
			Undelivered: showUndelivered,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of events to display")
	showCmd.Flags().StringVar(&showSymbol, "symbol", "", "Only show events for this symbol")
	showCmd.Flags().StringVar(&showRule, "rule", "", "Only show events emitted by this rule")
	showCmd.Flags().StringVar(&showTimeframe, "timeframe", "", "Only show events for this timeframe")
	showCmd.Flags().BoolVar(&showUndelivered, "undelivered", false, "Only show events not yet delivered")
}
