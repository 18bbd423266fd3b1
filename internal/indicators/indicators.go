package indicators

import (
	"math"

	talib "github.com/markcheno/go-talib"

	"pairtrader/internal/types"
)

// Closes extracts the close series from a candle window.
func Closes(candles []types.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}

// Highs extracts the high series from a candle window.
func Highs(candles []types.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.High
	}
	return out
}

// Lows extracts the low series from a candle window.
func Lows(candles []types.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Low
	}
	return out
}

// Volumes extracts the volume series from a candle window.
func Volumes(candles []types.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Volume
	}
	return out
}

// EMA returns the full EMA series for the given period, or nil when the
// input is too short.
func EMA(values []float64, period int) []float64 {
	if len(values) < period || period <= 0 {
		return nil
	}
	return talib.Ema(values, period)
}

// LastPrev returns the last and second-to-last values of a series. ok is
// false when the series has fewer than two elements.
func LastPrev(series []float64) (last, prev float64, ok bool) {
	if len(series) < 2 {
		return 0, 0, false
	}
	return series[len(series)-1], series[len(series)-2], true
}

// RSI returns the latest Relative Strength Index value. A neutral 50 is
// returned when there is not enough data.
func RSI(closes []float64, period int) float64 {
	if len(closes) < period+1 {
		return 50
	}
	series := talib.Rsi(closes, period)
	return series[len(series)-1]
}

// MACD returns the latest MACD line, signal line, and histogram values.
func MACD(closes []float64, fast, slow, signal int) (macd, sig, hist float64) {
	if len(closes) < slow+signal {
		return 0, 0, 0
	}
	m, s, h := talib.Macd(closes, fast, slow, signal)
	n := len(m) - 1
	return m[n], s[n], h[n]
}

// ATR returns the latest Average True Range over the window.
func ATR(candles []types.Candle, period int) float64 {
	if len(candles) < period+1 {
		return 0
	}
	series := talib.Atr(Highs(candles), Lows(candles), Closes(candles), period)
	return series[len(series)-1]
}

// VolumeAverage is the mean volume over the window.
func VolumeAverage(candles []types.Candle) float64 {
	if len(candles) == 0 {
		return 0
	}
	total := 0.0
	for _, c := range candles {
		total += c.Volume
	}
	return total / float64(len(candles))
}

// CrossedAbove reports whether series a crossed above series b on the most
// recent step: a was at or below b, and is now strictly above.
func CrossedAbove(a, b []float64) bool {
	aLast, aPrev, ok := LastPrev(a)
	if !ok {
		return false
	}
	bLast, bPrev, ok := LastPrev(b)
	if !ok {
		return false
	}
	return aPrev <= bPrev && aLast > bLast
}

// CrossedBelow reports whether series a crossed below series b on the most
// recent step.
func CrossedBelow(a, b []float64) bool {
	aLast, aPrev, ok := LastPrev(a)
	if !ok {
		return false
	}
	bLast, bPrev, ok := LastPrev(b)
	if !ok {
		return false
	}
	return aPrev >= bPrev && aLast < bLast
}

// Clamp limits v to the [lo, hi] range.
func Clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
