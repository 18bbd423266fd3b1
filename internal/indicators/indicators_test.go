package indicators

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pairtrader/internal/types"
)

func candles(closes ...float64) []types.Candle {
	out := make([]types.Candle, len(closes))
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, c := range closes {
		out[i] = types.Candle{
			Pair:     "BTCUSDT",
			OpenTime: base.Add(time.Duration(i) * 5 * time.Minute),
			Open:     c,
			High:     c + 1,
			Low:      c - 1,
			Close:    c,
			Volume:   10,
			IsClosed: true,
		}
	}
	return out
}

func TestSeriesExtractors(t *testing.T) {
	w := candles(100, 101, 102)
	assert.Equal(t, []float64{100, 101, 102}, Closes(w))
	assert.Equal(t, []float64{101, 102, 103}, Highs(w))
	assert.Equal(t, []float64{99, 100, 101}, Lows(w))
	assert.Equal(t, []float64{10, 10, 10}, Volumes(w))
}

func TestEMA_ShortInput(t *testing.T) {
	assert.Nil(t, EMA([]float64{1, 2, 3}, 9))
	assert.Nil(t, EMA([]float64{1, 2, 3}, 0))
}

func TestEMA_TracksTrend(t *testing.T) {
	closes := make([]float64, 50)
	for i := range closes {
		closes[i] = 100 + float64(i)
	}
	series := EMA(closes, 9)
	require.Len(t, series, 50)

	last, prev, ok := LastPrev(series)
	require.True(t, ok)
	assert.Greater(t, last, prev)
	// EMA lags a rising series from below
	assert.Less(t, last, closes[len(closes)-1])
}

func TestLastPrev_TooShort(t *testing.T) {
	_, _, ok := LastPrev([]float64{1})
	assert.False(t, ok)
}

func TestRSI_NeutralFallback(t *testing.T) {
	assert.Equal(t, 50.0, RSI([]float64{100, 101}, 14))
}

func TestRSI_Extremes(t *testing.T) {
	up := make([]float64, 30)
	down := make([]float64, 30)
	for i := range up {
		up[i] = 100 + float64(i)
		down[i] = 200 - float64(i)
	}
	assert.Greater(t, RSI(up, 14), 70.0)
	assert.Less(t, RSI(down, 14), 30.0)
}

func TestMACD_ShortInput(t *testing.T) {
	m, s, h := MACD([]float64{1, 2, 3}, 12, 26, 9)
	assert.Zero(t, m)
	assert.Zero(t, s)
	assert.Zero(t, h)
}

func TestMACD_PositiveInUptrend(t *testing.T) {
	closes := make([]float64, 100)
	price := 100.0
	for i := range closes {
		closes[i] = price
		price *= 1.005
	}
	m, s, h := MACD(closes, 12, 26, 9)
	assert.Greater(t, m, 0.0)
	assert.Greater(t, s, 0.0)
	assert.Greater(t, h, 0.0)
}

func TestATR(t *testing.T) {
	w := candles(100, 101, 102, 103, 104, 105, 106, 107, 108, 109, 110, 111, 112, 113, 114, 115)
	atr := ATR(w, 14)
	assert.Greater(t, atr, 0.0)

	assert.Zero(t, ATR(w[:5], 14))
}

func TestVolumeAverage(t *testing.T) {
	assert.Zero(t, VolumeAverage(nil))
	assert.Equal(t, 10.0, VolumeAverage(candles(1, 2, 3)))
}

func TestCrossedAbove(t *testing.T) {
	assert.True(t, CrossedAbove([]float64{1, 3}, []float64{2, 2}))
	assert.True(t, CrossedAbove([]float64{2, 3}, []float64{2, 2}), "equality before counts as below")
	assert.False(t, CrossedAbove([]float64{3, 4}, []float64{2, 2}), "already above, no cross")
	assert.False(t, CrossedAbove([]float64{1}, []float64{2}))
}

func TestCrossedBelow(t *testing.T) {
	assert.True(t, CrossedBelow([]float64{3, 1}, []float64{2, 2}))
	assert.False(t, CrossedBelow([]float64{1, 0}, []float64{2, 2}))
}

func TestClamp(t *testing.T) {
	assert.Equal(t, 0.0, Clamp(-5, 0, 100))
	assert.Equal(t, 100.0, Clamp(120, 0, 100))
	assert.Equal(t, 42.0, Clamp(42, 0, 100))
}
