package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"

	"candle-signal-alerts/internal/market"
	"candle-signal-alerts/internal/storage"
)

// Export renders candles and alert markers as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}
	if opts.Symbol == "" {
		return errors.New("--symbol is required")
	}

	tf, err := market.ParseTimeframe(opts.Timeframe)
	if err != nil {
		return err
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-time.Duration(opts.MaxPoints*tf.WindowMinutes()) * time.Minute)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	candles, err := store.FetchCandles(ctx, tf, opts.Symbol, from.Unix())
	if err != nil {
		return err
	}
	candles = trimCandlesAfter(candles, to.Unix())
	if len(candles) == 0 {
		a.Logger.Info().Msg("no candles found for export window")
		return nil
	}

	events, err := store.ListEvents(ctx, storage.EventFilter{
		Symbols: []string{opts.Symbol},
		SinceTS: from.Unix(),
	})
	if err != nil {
		return err
	}

	downsampled := downsampleCandles(candles, opts.MaxPoints)
	a.Logger.Info().
		Int("total", len(candles)).
		Int("exported", len(downsampled)).
		Int("events", len(events)).
		Msg("exporting candles")

	if opts.CSVPath != "" {
		if err := writeCandlesCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeCandlesPNG(opts.PNGPath, opts.Symbol, downsampled, events); err != nil {
			return err
		}
	}

	return nil
}

func trimCandlesAfter(candles []market.Candle, maxTS int64) []market.Candle {
	trimmed := candles[:0]
	for _, candle := range candles {
		if candle.CloseTS <= maxTS {
			trimmed = append(trimmed, candle)
		}
	}
	return trimmed
}

func downsampleCandles(candles []market.Candle, max int) []market.Candle {
	if max <= 0 || len(candles) <= max {
		return candles
	}

	result := make([]market.Candle, 0, max)
	step := float64(len(candles)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(candles) {
			idx = len(candles) - 1
		}
		result = append(result, candles[idx])
	}
	return result
}

func writeCandlesCSV(path string, candles []market.Candle) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"close_ts", "symbol", "open", "high", "low", "close", "volume_base", "volume_quote", "notional_usd", "trades"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, candle := range candles {
		record := []string{
			time.Unix(candle.CloseTS, 0).UTC().Format(time.RFC3339),
			candle.Symbol,
			formatPrice(candle.Open),
			formatPrice(candle.High),
			formatPrice(candle.Low),
			formatPrice(candle.Close),
			formatPrice(candle.VolumeBase),
			formatPrice(candle.VolumeQuote),
			formatPrice(candle.NotionalUSD),
			strconv.FormatInt(candle.Trades, 10),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

func writeCandlesPNG(path, symbol string, candles []market.Candle, events []storage.AlertEvent) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(candles))
	closes := make([]float64, len(candles))
	for i, candle := range candles {
		x[i] = time.Unix(candle.CloseTS, 0).UTC()
		closes[i] = candle.Close
	}

	priceFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.4f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Close (" + symbol + ")",
			ValueFormatter: priceFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Close",
				XValues: x,
				YValues: closes,
			},
		},
	}

	if markers := eventAnnotations(candles, events); len(markers) > 0 {
		graph.Series = append(graph.Series, chart.AnnotationSeries{
			Annotations: markers,
		})
	}

	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

// eventAnnotations pins each alert to the closest exported candle so markers
// survive downsampling.
func eventAnnotations(candles []market.Candle, events []storage.AlertEvent) []chart.Value2 {
	if len(candles) == 0 {
		return nil
	}

	markers := make([]chart.Value2, 0, len(events))
	for _, event := range events {
		candle := candles[0]
		for _, candidate := range candles {
			if candidate.CloseTS > event.TS {
				break
			}
			candle = candidate
		}
		markers = append(markers, chart.Value2{
			XValue: chart.TimeToFloat64(time.Unix(candle.CloseTS, 0).UTC()),
			YValue: candle.Close,
			Label:  event.Rule,
		})
	}
	return markers
}

func formatPrice(v float64) string {
	return decimal.NewFromFloat(v).StringFixed(8)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
