package strategy

import (
	"math"

	"pairtrader/internal/indicators"
	"pairtrader/internal/types"
)

// Readiness probe tuning. The probe measures proximity to trade conditions
// rather than the conditions themselves: pairs whose EMAs are converging
// toward a crossover score high before the signal actually fires.
const (
	readinessGapMax  = 0.003 // EMA gap as a fraction of price beyond which proximity is zero
	readinessRSIBand = 20.0
	readinessEMAWt   = 0.6
	readinessRSIWt   = 0.4
)

// ComputeReadiness scores how close a pair is to producing an actionable
// signal for the given variant, on a 0..100 scale, together with the
// directional bias of the nearer setup. Pure function of the window.
func ComputeReadiness(pair string, window []types.Candle, s Strategy) (types.Readiness, bool) {
	var fastP, slowP, rsiP int
	var overbought, oversold float64
	switch v := s.(type) {
	case *Composite:
		fastP, slowP, rsiP = v.FastPeriod, v.SlowPeriod, v.RSIPeriod
		overbought, oversold = v.RSIOverbought, v.RSIOversold
	case *SimpleEMA:
		fastP, slowP, rsiP = v.FastPeriod, v.SlowPeriod, v.RSIPeriod
		overbought, oversold = v.RSIOverbought, v.RSIOversold
	default:
		fastP, slowP, rsiP = 9, 21, 14
		overbought, oversold = 70, 30
	}

	closes := indicators.Closes(window)
	fast := indicators.EMA(closes, fastP)
	slow := indicators.EMA(closes, slowP)
	if len(fast) == 0 || len(slow) == 0 || len(closes) == 0 {
		return types.Readiness{}, false
	}

	fLast := fast[len(fast)-1]
	sLast := slow[len(slow)-1]
	price := closes[len(closes)-1]
	rsi := indicators.RSI(closes, rsiP)

	gapPct := 0.0
	if price > 0 {
		gapPct = math.Abs(fLast-sLast) / price
	}
	proximity := 0.0
	if gapPct < readinessGapMax {
		proximity = 1 - gapPct/readinessGapMax
	}

	// a buy setup needs the fast EMA at or below the slow EMA, about to cross up
	emaBuy, emaSell := 0.0, 0.0
	if fLast <= sLast {
		emaBuy = proximity
	}
	if fLast >= sLast {
		emaSell = proximity
	}

	rsiBuy := 1.0
	if rsi > oversold {
		rsiBuy = math.Max(0, 1-(rsi-oversold)/readinessRSIBand)
	}
	rsiSell := 1.0
	if rsi < overbought {
		rsiSell = math.Max(0, 1-(overbought-rsi)/readinessRSIBand)
	}

	buy := (emaBuy*readinessEMAWt + rsiBuy*readinessRSIWt) * 100
	sell := (emaSell*readinessEMAWt + rsiSell*readinessRSIWt) * 100

	r := types.Readiness{
		Pair:      pair,
		EMAGapPct: gapPct * 100,
		RSI:       rsi,
	}
	if buy >= sell {
		r.Readiness = buy
		r.Bias = types.DirectionLong
	} else {
		r.Readiness = sell
		r.Bias = types.DirectionShort
	}
	return r, true
}
