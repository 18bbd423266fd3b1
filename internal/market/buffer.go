package market

import (
	"pairtrader/internal/types"
)

// DefaultBufferSize is the rolling window length a strategy sees.
const DefaultBufferSize = 200

// Buffer holds a fixed-size rolling window of candles for one pair, keyed by
// open time. It is not goroutine safe: each pair engine owns its buffer and
// applies candles from its own loop only.
type Buffer struct {
	pair    string
	size    int
	candles []types.Candle
}

// NewBuffer creates an empty buffer. size <= 0 falls back to the default.
func NewBuffer(pair string, size int) *Buffer {
	if size <= 0 {
		size = DefaultBufferSize
	}
	return &Buffer{
		pair:    pair,
		size:    size,
		candles: make([]types.Candle, 0, size),
	}
}

// Seed bulk-loads historical candles, oldest first, keeping only the newest
// window. In-progress candles are dropped: the window holds closed candles
// plus at most one live tail.
func (b *Buffer) Seed(candles []types.Candle) {
	b.candles = b.candles[:0]
	for _, c := range candles {
		if !c.IsClosed {
			continue
		}
		b.append(c)
	}
}

// Apply folds one streamed candle into the window. A candle with a known open
// time replaces the stored one (live updates to the in-progress candle); a
// newer open time appends, evicting the oldest entry when full. closed is
// true when this call finalized a candle, which is the engine's cue to run
// the strategy. Out-of-order candles older than the window tail are ignored.
func (b *Buffer) Apply(c types.Candle) (closed bool) {
	n := len(b.candles)
	if n == 0 {
		b.append(c)
		return c.IsClosed
	}

	last := &b.candles[n-1]
	switch {
	case c.OpenTime.Equal(last.OpenTime):
		// re-closing an already closed candle must not re-trigger evaluation
		if last.IsClosed {
			return false
		}
		*last = c
		return c.IsClosed
	case c.OpenTime.After(last.OpenTime):
		b.append(c)
		return c.IsClosed
	default:
		return false
	}
}

// Window returns the closed candles in the buffer, oldest first. The live
// in-progress tail is excluded so indicator values never flicker mid-candle.
func (b *Buffer) Window() []types.Candle {
	out := make([]types.Candle, 0, len(b.candles))
	for _, c := range b.candles {
		if c.IsClosed {
			out = append(out, c)
		}
	}
	return out
}

// Last returns the most recent candle, closed or not.
func (b *Buffer) Last() (types.Candle, bool) {
	if len(b.candles) == 0 {
		return types.Candle{}, false
	}
	return b.candles[len(b.candles)-1], true
}

// Len is the number of stored candles including the live tail.
func (b *Buffer) Len() int {
	return len(b.candles)
}

func (b *Buffer) append(c types.Candle) {
	if len(b.candles) == b.size {
		copy(b.candles, b.candles[1:])
		b.candles = b.candles[:b.size-1]
	}
	b.candles = append(b.candles, c)
}
