// Package indicator provides the stateless numerical primitives shared by
// the rollup aggregator and the rule evaluators. Values that cannot be
// computed yet (warm-up windows, degenerate variance) are reported through
// explicit defined/ok flags rather than errors; errors are reserved for
// caller mistakes such as non-positive windows.
package indicator

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidParameter marks indicator calls with unusable inputs.
var ErrInvalidParameter = errors.New("indicator: invalid parameter")

// Value is a single indicator output. Defined is false while the indicator
// is still inside its warm-up window.
type Value struct {
	Float64 float64
	Defined bool
}

// EMA computes the exponential moving average of series with smoothing
// alpha = 2/(span+1), seeded with the first value. The result has the same
// length as the input.
func EMA(series []float64, span int) ([]float64, error) {
	if span <= 0 {
		return nil, fmt.Errorf("%w: span must be positive", ErrInvalidParameter)
	}
	if len(series) == 0 {
		return nil, nil
	}

	alpha := 2.0 / (float64(span) + 1.0)
	out := make([]float64, len(series))
	prev := series[0]
	out[0] = prev
	for i := 1; i < len(series); i++ {
		prev += alpha * (series[i] - prev)
		out[i] = prev
	}
	return out, nil
}

// ATR computes the Wilder-smoothed Average True Range. The first bar's true
// range is high-low; later bars take the max of high-low, |high-prevClose|
// and |low-prevClose|. The seed at index period-1 is the simple average of
// the first period true ranges, after which
// atr = (prev*(period-1) + tr) / period. Entries before the seed are
// undefined.
func ATR(high, low, close []float64, period int) ([]Value, error) {
	if period <= 0 {
		return nil, fmt.Errorf("%w: period must be positive", ErrInvalidParameter)
	}
	if len(high) == 0 || len(high) != len(low) || len(high) != len(close) {
		return nil, fmt.Errorf("%w: high, low and close must be non-empty and of equal length", ErrInvalidParameter)
	}

	trs := make([]float64, len(high))
	for i := range high {
		hl := high[i] - low[i]
		if i == 0 {
			trs[i] = hl
			continue
		}
		prevClose := close[i-1]
		trs[i] = math.Max(hl, math.Max(math.Abs(high[i]-prevClose), math.Abs(low[i]-prevClose)))
	}

	out := make([]Value, len(trs))
	var prev float64
	seeded := false
	for i, tr := range trs {
		if i+1 < period {
			continue
		}
		if !seeded {
			sum := 0.0
			for _, v := range trs[:period] {
				sum += v
			}
			prev = sum / float64(period)
			seeded = true
		} else {
			prev = (prev*float64(period-1) + tr) / float64(period)
		}
		out[i] = Value{Float64: prev, Defined: true}
	}
	return out, nil
}

// RegressionFeatures summarises a least-squares fit of a close series
// against bar index 0..window-1.
type RegressionFeatures struct {
	Slope    float64
	R2       float64
	ResidStd float64
	MidPrice float64 // fitted value at the last index
}

// LinRegFeatures fits the trailing window values of close. It reports
// ok=false when fewer than window samples are available or the x variance
// is zero.
func LinRegFeatures(close []float64, window int) (RegressionFeatures, bool, error) {
	if window <= 1 {
		return RegressionFeatures{}, false, fmt.Errorf("%w: window must be greater than 1", ErrInvalidParameter)
	}
	if len(close) < window {
		return RegressionFeatures{}, false, nil
	}

	y := close[len(close)-window:]
	xMean := float64(window-1) / 2.0
	yMean := 0.0
	for _, v := range y {
		yMean += v
	}
	yMean /= float64(window)

	var cov, xVar float64
	for i, v := range y {
		dx := float64(i) - xMean
		cov += dx * (v - yMean)
		xVar += dx * dx
	}
	if xVar == 0 {
		return RegressionFeatures{}, false, nil
	}

	slope := cov / xVar
	intercept := yMean - slope*xMean

	var ssRes, ssTot float64
	for i, v := range y {
		fitted := intercept + slope*float64(i)
		resid := v - fitted
		ssRes += resid * resid
		diff := v - yMean
		ssTot += diff * diff
	}

	r2 := 0.0
	if ssTot != 0 {
		r2 = 1.0 - ssRes/ssTot
	}

	feats := RegressionFeatures{
		Slope:    slope,
		R2:       r2,
		ResidStd: math.Sqrt(ssRes / float64(window)),
		MidPrice: intercept + slope*float64(window-1),
	}
	return feats, true, nil
}

// ZScore standardises current against the baseline population. It reports
// ok=false with fewer than two baseline samples or zero standard deviation.
func ZScore(current float64, baseline []float64) (float64, bool) {
	if len(baseline) < 2 {
		return 0, false
	}
	mu := Mean(baseline)
	var sumSq float64
	for _, v := range baseline {
		d := v - mu
		sumSq += d * d
	}
	sigma := math.Sqrt(sumSq / float64(len(baseline)))
	if sigma == 0 {
		return 0, false
	}
	return (current - mu) / sigma, true
}

// Mean returns the arithmetic mean of values, or 0 for an empty slice.
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
