package gateway

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"pairtrader/internal/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newStuckSub(pair string) *klineSub {
	return &klineSub{
		pair:     pair,
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func TestClose_LeavesChannelsOpenWhileStreamAlive(t *testing.T) {
	g := NewBinanceFutures("", "", testLogger())
	g.closeTimeout = 20 * time.Millisecond

	sub := newStuckSub("BTCUSDT")
	g.subscriptions[sub.pair] = sub

	require.NoError(t, g.Close())

	// Stop was requested.
	select {
	case <-sub.stopChan:
	default:
		t.Fatal("stop channel not closed")
	}

	// The goroutine never confirmed exit, so the fan-in channels must
	// still accept a late send.
	require.NotPanics(t, func() {
		g.candleChan <- types.CandleEvent{}
		g.positionChan <- types.PositionUpdateEvent{}
	})
}

func TestClose_ClosesChannelsAfterStreamsStop(t *testing.T) {
	g := NewBinanceFutures("", "", testLogger())
	g.closeTimeout = 20 * time.Millisecond

	sub := newStuckSub("ETHUSDT")
	close(sub.done)
	g.subscriptions[sub.pair] = sub

	require.NoError(t, g.Close())

	_, ok := <-g.candleChan
	require.False(t, ok)
	_, ok = <-g.positionChan
	require.False(t, ok)
}

func TestClose_WaitsForUserStream(t *testing.T) {
	g := NewBinanceFutures("", "", testLogger())
	g.closeTimeout = 20 * time.Millisecond
	g.userDone = make(chan struct{})

	require.NoError(t, g.Close())

	require.NotPanics(t, func() {
		g.positionChan <- types.PositionUpdateEvent{}
	})
}
