package app

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"candle-signal-alerts/internal/market"
	"candle-signal-alerts/internal/storage"
)

// Show prints recent alert events.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	var events []storage.AlertEvent
	if opts.Undelivered {
		events, err = store.ListUndeliveredEvents(ctx, opts.Limit)
	} else {
		filter := storage.EventFilter{Limit: opts.Limit}
		if opts.Symbol != "" {
			filter.Symbols = []string{opts.Symbol}
		}
		if opts.Rule != "" {
			filter.Rules = []string{opts.Rule}
		}
		if opts.Timeframe != "" {
			tf, tfErr := market.ParseTimeframe(opts.Timeframe)
			if tfErr != nil {
				return tfErr
			}
			filter.Timeframe = tf
		}
		events, err = store.ListEvents(ctx, filter)
	}
	if err != nil {
		return err
	}
	if len(events) == 0 {
		fmt.Fprintln(os.Stdout, "no events found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tSymbol\tTimeframe\tRule\tSeverity\tDelivered\tMessage")

	for _, event := range events {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%t\t%s\n",
			time.Unix(event.TS, 0).UTC().Format(time.RFC3339),
			event.Symbol,
			event.Timeframe,
			event.Rule,
			event.Severity,
			event.Delivered,
			sanitizeInline(event.Message),
		)
	}

	writer.Flush()
	return nil
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
