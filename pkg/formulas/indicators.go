// Package formulas wraps go-talib with nil-safe helpers for the common
// indicators the strategy and rule evaluation code needs.
package formulas

import (
	"github.com/markcheno/go-talib"
)

func isNaN(f float64) bool { return f != f }

// RSI returns the latest Relative Strength Index over length periods, or
// nil when there isn't enough history.
func RSI(closes []float64, length int) *float64 {
	if len(closes) < length+1 {
		return nil
	}
	rsi := talib.Rsi(closes, length)
	if len(rsi) > 0 && !isNaN(rsi[len(rsi)-1]) {
		v := rsi[len(rsi)-1]
		return &v
	}
	return nil
}

// EMA returns the latest Exponential Moving Average over length periods,
// falling back to a simple mean when history is shorter than length.
func EMA(closes []float64, length int) *float64 {
	if len(closes) == 0 {
		return nil
	}
	if len(closes) < length {
		m := Mean(closes)
		return &m
	}
	ema := talib.Ema(closes, length)
	if len(ema) > 0 && !isNaN(ema[len(ema)-1]) {
		v := ema[len(ema)-1]
		return &v
	}
	m := Mean(closes[len(closes)-length:])
	return &m
}

// SMA returns the latest Simple Moving Average over length periods, or
// nil when there isn't enough history.
func SMA(closes []float64, length int) *float64 {
	if len(closes) < length {
		return nil
	}
	sma := talib.Sma(closes, length)
	if len(sma) > 0 && !isNaN(sma[len(sma)-1]) {
		v := sma[len(sma)-1]
		return &v
	}
	return nil
}

// Mean is the arithmetic mean of values, 0 for an empty slice.
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// BollingerBands holds the three Bollinger Band levels.
type BollingerBands struct {
	Upper  float64
	Middle float64
	Lower  float64
}

// Bollinger returns the latest Bollinger Bands over length periods at
// stdDevMultiplier standard deviations, or nil when there isn't enough history.
func Bollinger(closes []float64, length int, stdDevMultiplier float64) *BollingerBands {
	if len(closes) < length {
		return nil
	}
	upper, middle, lower := talib.BBands(closes, length, stdDevMultiplier, stdDevMultiplier, 0)
	if len(upper) > 0 && !isNaN(upper[len(upper)-1]) {
		return &BollingerBands{
			Upper:  upper[len(upper)-1],
			Middle: middle[len(middle)-1],
			Lower:  lower[len(lower)-1],
		}
	}
	return nil
}

// BollingerPosition maps the latest close into [0,1] within the bands,
// clamping outliers; 0.5 when the bands have collapsed to zero width.
func BollingerPosition(closes []float64, length int, stdDevMultiplier float64) *float64 {
	bands := Bollinger(closes, length, stdDevMultiplier)
	if bands == nil || len(closes) == 0 {
		return nil
	}
	width := bands.Upper - bands.Lower
	if width == 0 {
		v := 0.5
		return &v
	}
	pos := (closes[len(closes)-1] - bands.Lower) / width
	clamped := pos
	if clamped < 0 {
		clamped = 0
	}
	if clamped > 1 {
		clamped = 1
	}
	return &clamped
}

// VolumeRatio divides the latest volume by the mean of the prior window,
// nil when there isn't enough history or the baseline is zero.
func VolumeRatio(volumes []float64, window int) *float64 {
	if len(volumes) < window+1 {
		return nil
	}
	baseline := Mean(volumes[len(volumes)-window-1 : len(volumes)-1])
	if baseline == 0 {
		return nil
	}
	ratio := volumes[len(volumes)-1] / baseline
	return &ratio
}

// Return computes the fractional return between the first and last
// element of closes, nil when there are fewer than 2 points or the
// baseline is zero.
func Return(closes []float64) *float64 {
	if len(closes) < 2 || closes[0] == 0 {
		return nil
	}
	r := (closes[len(closes)-1] - closes[0]) / closes[0]
	return &r
}
