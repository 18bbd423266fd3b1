package strategy

import (
	"fmt"

	"pairtrader/internal/indicators"
	"pairtrader/internal/types"
)

const NameComposite = "composite"

// Composite scores trend, momentum, volume, and volatility agreement into a
// single 0..100 confidence. Unlike SimpleEMA it emits a signal on every
// candle where the trend is aligned, not only on fresh crossovers, so the
// confidence threshold does the gating.
type Composite struct {
	FastPeriod    int
	SlowPeriod    int
	RSIPeriod     int
	RSIOverbought float64
	RSIOversold   float64
	MACDFast      int
	MACDSlow      int
	MACDSignal    int
	ATRPeriod     int
	ATRTPMult     float64
	ATRSLMult     float64
	ATRTrailMult  float64
	VolLookback   int
	VolConfirmMul float64
	MinConfidence float64

	// component weights, summing to 100 with the crossover bonus folded in
	trendWeight    float64
	crossoverBonus float64
	macdWeight     float64
	rsiWeight      float64
	volumeWeight   float64
	volWeight      float64
}

func NewComposite() *Composite {
	return &Composite{
		FastPeriod:    9,
		SlowPeriod:    21,
		RSIPeriod:     14,
		RSIOverbought: 70,
		RSIOversold:   30,
		MACDFast:      12,
		MACDSlow:      26,
		MACDSignal:    9,
		ATRPeriod:     14,
		ATRTPMult:     3.0,
		ATRSLMult:     1.5,
		ATRTrailMult:  1.0,
		VolLookback:   20,
		VolConfirmMul: 1.2,
		MinConfidence: 40,

		trendWeight:    35,
		crossoverBonus: 10,
		macdWeight:     25,
		rsiWeight:      20,
		volumeWeight:   10,
		volWeight:      10,
	}
}

func (c *Composite) Describe() Info {
	return Info{
		Name:        NameComposite,
		DisplayName: "Composite Confluence",
		Description: "EMA trend, MACD momentum, RSI, volume and ATR volatility scored into one confidence",
		Interval:    "5m",
	}
}

func (c *Composite) Evaluate(window []types.Candle) types.Signal {
	pair := ""
	if len(window) > 0 {
		pair = window[len(window)-1].Pair
	}
	sig := types.Signal{Pair: pair, Direction: types.DirectionNone}

	closes := indicators.Closes(window)
	if len(closes) < c.MACDSlow+c.MACDSignal {
		return sig
	}

	fast := indicators.EMA(closes, c.FastPeriod)
	slow := indicators.EMA(closes, c.SlowPeriod)
	fLast, _, okF := indicators.LastPrev(fast)
	sLast, _, okS := indicators.LastPrev(slow)
	if !okF || !okS {
		return sig
	}

	price := closes[len(closes)-1]
	rsi := indicators.RSI(closes, c.RSIPeriod)
	macd, macdSig, hist := indicators.MACD(closes, c.MACDFast, c.MACDSlow, c.MACDSignal)
	atr := indicators.ATR(window, c.ATRPeriod)

	sig.ReferencePrice = price
	sig.Indicators = types.IndicatorSnapshot{
		EMAFast:  fLast,
		EMASlow:  sLast,
		RSI:      rsi,
		MACD:     macd,
		MACDHist: hist,
		ATR:      atr,
		Volume:   window[len(window)-1].Volume,
	}

	var dir types.Direction
	switch {
	case fLast > sLast:
		dir = types.DirectionLong
	case fLast < sLast:
		dir = types.DirectionShort
	default:
		return sig
	}

	conf := c.trendWeight
	if dir == types.DirectionLong && indicators.CrossedAbove(fast, slow) {
		conf += c.crossoverBonus
	}
	if dir == types.DirectionShort && indicators.CrossedBelow(fast, slow) {
		conf += c.crossoverBonus
	}

	if dir == types.DirectionLong && macd > macdSig && hist > 0 {
		conf += c.macdWeight
	}
	if dir == types.DirectionShort && macd < macdSig && hist < 0 {
		conf += c.macdWeight
	}

	conf += c.rsiScore(dir, rsi)

	lookback := window
	if len(lookback) > c.VolLookback {
		lookback = lookback[len(lookback)-c.VolLookback:]
	}
	avgVol := indicators.VolumeAverage(lookback)
	if avgVol > 0 && window[len(window)-1].Volume >= avgVol*c.VolConfirmMul {
		conf += c.volumeWeight
	}

	// ATR as a fraction of price; dead or chaotic tape scores zero
	if price > 0 {
		atrPct := atr / price
		if atrPct >= 0.0005 && atrPct <= 0.05 {
			conf += c.volWeight
		}
	}

	conf = indicators.Clamp(conf, 0, 100)
	if conf < c.MinConfidence {
		return sig
	}

	sig.Direction = dir
	sig.Confidence = conf
	sig.TakeProfit, sig.StopLoss = c.TPSL(price, dir, window)
	sig.TrailingDist = atr * c.ATRTrailMult
	return sig
}

// rsiScore rewards RSI headroom in the trade direction: a long near oversold
// scores full weight, a long near overbought scores nothing.
func (c *Composite) rsiScore(dir types.Direction, rsi float64) float64 {
	if dir == types.DirectionLong {
		if rsi <= c.RSIOversold {
			return c.rsiWeight
		}
		if rsi >= c.RSIOverbought {
			return 0
		}
		return c.rsiWeight * (c.RSIOverbought - rsi) / (c.RSIOverbought - c.RSIOversold)
	}
	if rsi >= c.RSIOverbought {
		return c.rsiWeight
	}
	if rsi <= c.RSIOversold {
		return 0
	}
	return c.rsiWeight * (rsi - c.RSIOversold) / (c.RSIOverbought - c.RSIOversold)
}

// TrailingDistance is the ATR-derived gap the trailing stop keeps behind a
// favorable close.
func (c *Composite) TrailingDistance(window []types.Candle) float64 {
	return indicators.ATR(window, c.ATRPeriod) * c.ATRTrailMult
}

func (c *Composite) TPSL(entry float64, dir types.Direction, window []types.Candle) (tp, sl float64) {
	atr := indicators.ATR(window, c.ATRPeriod)
	if atr <= 0 {
		// ATR degrades to a fixed band on thin windows
		atr = entry * 0.005
	}
	if dir == types.DirectionShort {
		return entry - atr*c.ATRTPMult, entry + atr*c.ATRSLMult
	}
	return entry + atr*c.ATRTPMult, entry - atr*c.ATRSLMult
}

// Note renders a short human-readable summary of the signal for persistence
// alongside the trade row.
func Note(sig types.Signal, variant string) string {
	return fmt.Sprintf("%s %s conf=%.1f ema=%.4f/%.4f rsi=%.1f",
		variant, sig.Direction, sig.Confidence,
		sig.Indicators.EMAFast, sig.Indicators.EMASlow, sig.Indicators.RSI)
}
