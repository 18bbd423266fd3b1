package strategy

import (
	"pairtrader/internal/indicators"
	"pairtrader/internal/types"
)

const NameSimpleEMA = "simple_ema"

// SimpleEMA trades fresh EMA crossovers filtered by RSI. It only fires on the
// candle where the crossover happens, so it is quiet between regime changes.
type SimpleEMA struct {
	FastPeriod    int
	SlowPeriod    int
	RSIPeriod     int
	RSIOverbought float64
	RSIOversold   float64
	TakeProfitPct float64
	StopLossPct   float64
}

func NewSimpleEMA() *SimpleEMA {
	return &SimpleEMA{
		FastPeriod:    9,
		SlowPeriod:    21,
		RSIPeriod:     14,
		RSIOverbought: 70,
		RSIOversold:   30,
		TakeProfitPct: 0.02,
		StopLossPct:   0.01,
	}
}

func (s *SimpleEMA) Describe() Info {
	return Info{
		Name:        NameSimpleEMA,
		DisplayName: "Simple EMA Crossover",
		Description: "EMA 9/21 crossover with RSI filter, fixed percentage TP/SL",
		Interval:    "5m",
	}
}

func (s *SimpleEMA) Evaluate(window []types.Candle) types.Signal {
	pair := ""
	if len(window) > 0 {
		pair = window[len(window)-1].Pair
	}
	sig := types.Signal{Pair: pair, Direction: types.DirectionNone}

	closes := indicators.Closes(window)
	if len(closes) < s.SlowPeriod+2 {
		return sig
	}

	fast := indicators.EMA(closes, s.FastPeriod)
	slow := indicators.EMA(closes, s.SlowPeriod)
	fLast, _, okF := indicators.LastPrev(fast)
	sLast, _, okS := indicators.LastPrev(slow)
	if !okF || !okS {
		return sig
	}

	rsi := indicators.RSI(closes, s.RSIPeriod)
	price := closes[len(closes)-1]
	sig.ReferencePrice = price
	sig.Indicators = types.IndicatorSnapshot{
		EMAFast: fLast,
		EMASlow: sLast,
		RSI:     rsi,
	}

	crossedUp := indicators.CrossedAbove(fast, slow)
	crossedDown := indicators.CrossedBelow(fast, slow)

	switch {
	case crossedUp && rsi < s.RSIOverbought:
		sig.Direction = types.DirectionLong
		sig.Confidence = s.confidence(types.DirectionLong, rsi, true)
	case crossedDown && rsi > s.RSIOversold:
		sig.Direction = types.DirectionShort
		sig.Confidence = s.confidence(types.DirectionShort, rsi, true)
	default:
		return sig
	}

	sig.TakeProfit, sig.StopLoss = s.TPSL(price, sig.Direction, window)
	return sig
}

// confidence starts at 60 for an aligned trend, adds 20 for a fresh
// crossover, and up to 40 more as RSI moves toward the favorable extreme.
func (s *SimpleEMA) confidence(dir types.Direction, rsi float64, fresh bool) float64 {
	conf := 60.0
	if fresh {
		conf += 20
	}
	if dir == types.DirectionLong {
		if rsi < s.RSIOversold {
			conf += 40
		} else {
			conf += 40 * (s.RSIOverbought - rsi) / s.RSIOverbought
		}
	} else {
		if rsi > s.RSIOverbought {
			conf += 40
		} else {
			conf += 40 * (rsi - s.RSIOversold) / (100 - s.RSIOversold)
		}
	}
	return indicators.Clamp(conf, 0, 100)
}

func (s *SimpleEMA) TPSL(entry float64, dir types.Direction, _ []types.Candle) (tp, sl float64) {
	if dir == types.DirectionShort {
		return entry * (1 - s.TakeProfitPct), entry * (1 + s.StopLossPct)
	}
	return entry * (1 + s.TakeProfitPct), entry * (1 - s.StopLossPct)
}
