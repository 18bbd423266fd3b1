package strategy

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pairtrader/internal/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var base = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func window(closes []float64, volumes []float64) []types.Candle {
	out := make([]types.Candle, len(closes))
	for i, c := range closes {
		vol := 10.0
		if volumes != nil {
			vol = volumes[i]
		}
		spread := c * 0.005
		out[i] = types.Candle{
			Pair:     "BTCUSDT",
			OpenTime: base.Add(time.Duration(i) * 5 * time.Minute),
			Open:     c,
			High:     c + spread,
			Low:      c - spread,
			Close:    c,
			Volume:   vol,
			IsClosed: true,
		}
	}
	return out
}

// uptrend builds a geometric rise so MACD momentum stays clearly positive
// at the window's end, with a volume surge on the final candle.
func uptrend(n int) []types.Candle {
	closes := make([]float64, n)
	volumes := make([]float64, n)
	price := 100.0
	for i := range closes {
		closes[i] = price
		price *= 1.005
		volumes[i] = 10
	}
	volumes[n-1] = 50
	return window(closes, volumes)
}

// chop alternates around a flat level so no trend component ever lines up.
func chop(n int) []types.Candle {
	closes := make([]float64, n)
	for i := range closes {
		closes[i] = 100
		if i%2 == 0 {
			closes[i] = 100.1
		}
	}
	return window(closes, nil)
}

func TestRegistry_ActivateAndList(t *testing.T) {
	r, err := NewRegistry(NameComposite, testLogger())
	require.NoError(t, err)

	_, name := r.Active()
	assert.Equal(t, NameComposite, name)

	require.NoError(t, r.Activate(NameSimpleEMA))
	_, name = r.Active()
	assert.Equal(t, NameSimpleEMA, name)

	assert.Error(t, r.Activate("bogus"))

	infos := r.List()
	require.Len(t, infos, 2)
	assert.Equal(t, NameComposite, infos[0].Name)
	assert.Equal(t, NameSimpleEMA, infos[1].Name)
}

func TestRegistry_UnknownDefault(t *testing.T) {
	_, err := NewRegistry("nothing", testLogger())
	assert.Error(t, err)
}

func TestComposite_UptrendSignalsLong(t *testing.T) {
	c := NewComposite()
	sig := c.Evaluate(uptrend(200))

	require.Equal(t, types.DirectionLong, sig.Direction)
	assert.GreaterOrEqual(t, sig.Confidence, 75.0)
	assert.LessOrEqual(t, sig.Confidence, 100.0)
	assert.Greater(t, sig.TakeProfit, sig.ReferencePrice)
	assert.Less(t, sig.StopLoss, sig.ReferencePrice)
	assert.Greater(t, sig.TrailingDist, 0.0)
}

func TestComposite_DowntrendSignalsShort(t *testing.T) {
	closes := make([]float64, 200)
	volumes := make([]float64, 200)
	price := 300.0
	for i := range closes {
		closes[i] = price
		price *= 0.995
		volumes[i] = 10
	}
	volumes[199] = 50

	c := NewComposite()
	sig := c.Evaluate(window(closes, volumes))

	require.Equal(t, types.DirectionShort, sig.Direction)
	assert.GreaterOrEqual(t, sig.Confidence, 75.0)
	assert.Less(t, sig.TakeProfit, sig.ReferencePrice)
	assert.Greater(t, sig.StopLoss, sig.ReferencePrice)
}

func TestComposite_ChopStaysOut(t *testing.T) {
	c := NewComposite()
	sig := c.Evaluate(chop(200))

	if sig.Actionable() {
		assert.Less(t, sig.Confidence, 75.0, "choppy tape must never clear the entry threshold")
	}
}

func TestComposite_ShortWindow(t *testing.T) {
	c := NewComposite()
	sig := c.Evaluate(uptrend(10))
	assert.Equal(t, types.DirectionNone, sig.Direction)
	assert.Zero(t, sig.Confidence)
}

func TestComposite_ConfidenceBounds(t *testing.T) {
	c := NewComposite()
	for _, w := range [][]types.Candle{uptrend(200), chop(200), uptrend(60)} {
		sig := c.Evaluate(w)
		assert.GreaterOrEqual(t, sig.Confidence, 0.0)
		assert.LessOrEqual(t, sig.Confidence, 100.0)
	}
}

func TestCompositeTPSL_FallbackBand(t *testing.T) {
	c := NewComposite()
	// window too thin for ATR, fixed band applies
	tp, sl := c.TPSL(100, types.DirectionLong, nil)
	assert.InDelta(t, 101.5, tp, 1e-9)
	assert.InDelta(t, 99.25, sl, 1e-9)

	tp, sl = c.TPSL(100, types.DirectionShort, nil)
	assert.InDelta(t, 98.5, tp, 1e-9)
	assert.InDelta(t, 100.75, sl, 1e-9)
}

func TestSimpleEMA_CrossoverFires(t *testing.T) {
	s := NewSimpleEMA()

	// decline then recovery; a fresh 9/21 crossover must fire exactly once
	// somewhere on the way up, long only
	closes := make([]float64, 0, 80)
	price := 110.0
	for i := 0; i < 40; i++ {
		closes = append(closes, price)
		price -= 0.5
	}
	for i := 0; i < 40; i++ {
		closes = append(closes, price)
		price += 2
	}

	longs := 0
	for n := s.SlowPeriod + 2; n <= len(closes); n++ {
		sig := s.Evaluate(window(closes[:n], nil))
		switch sig.Direction {
		case types.DirectionLong:
			longs++
			assert.Greater(t, sig.Confidence, 0.0)
			assert.Equal(t, sig.ReferencePrice*1.02, sig.TakeProfit)
			assert.Equal(t, sig.ReferencePrice*0.99, sig.StopLoss)
		case types.DirectionShort:
			t.Fatalf("unexpected short at window %d", n)
		}
	}
	assert.Equal(t, 1, longs, "crossover is a single-candle event")
}

func TestSimpleEMA_QuietWithoutCrossover(t *testing.T) {
	s := NewSimpleEMA()
	sig := s.Evaluate(uptrend(100))
	assert.Equal(t, types.DirectionNone, sig.Direction, "established trend has no fresh crossover")
}

func TestSimpleEMA_TPSL(t *testing.T) {
	s := NewSimpleEMA()
	tp, sl := s.TPSL(100, types.DirectionLong, nil)
	assert.InDelta(t, 102, tp, 1e-9)
	assert.InDelta(t, 99, sl, 1e-9)

	tp, sl = s.TPSL(100, types.DirectionShort, nil)
	assert.InDelta(t, 98, tp, 1e-9)
	assert.InDelta(t, 101, sl, 1e-9)
}

func TestComputeReadiness_Bounds(t *testing.T) {
	c := NewComposite()
	r, ok := ComputeReadiness("BTCUSDT", chop(100), c)
	require.True(t, ok)
	assert.Equal(t, "BTCUSDT", r.Pair)
	assert.GreaterOrEqual(t, r.Readiness, 0.0)
	assert.LessOrEqual(t, r.Readiness, 100.0)
	assert.Contains(t, []types.Direction{types.DirectionLong, types.DirectionShort}, r.Bias)
}

func TestComputeReadiness_WideGapScoresLow(t *testing.T) {
	c := NewComposite()
	// strong established trend: EMAs far apart, RSI pinned high, so both
	// proximity and RSI alignment stay weak
	r, ok := ComputeReadiness("BTCUSDT", uptrend(200), c)
	require.True(t, ok)
	assert.Less(t, r.Readiness, 60.0)
	assert.Greater(t, r.EMAGapPct, 0.3, "gap beyond the scoring band")
}

func TestComputeReadiness_ShortWindow(t *testing.T) {
	c := NewComposite()
	_, ok := ComputeReadiness("BTCUSDT", window([]float64{100, 101}, nil), c)
	assert.False(t, ok)
}

func TestEvaluateIsPure(t *testing.T) {
	c := NewComposite()
	w := uptrend(200)
	first := c.Evaluate(w)
	second := c.Evaluate(w)
	assert.Equal(t, first, second)
}
