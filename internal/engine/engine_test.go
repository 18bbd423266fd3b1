package engine

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pairtrader/internal/gateway"
	"pairtrader/internal/store"
	"pairtrader/internal/strategy"
	"pairtrader/internal/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var base = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func candleAt(i int, open, high, low, close, volume float64) types.Candle {
	return types.Candle{
		Pair:     "BTCUSDT",
		OpenTime: base.Add(time.Duration(i) * 5 * time.Minute),
		Open:     open,
		High:     high,
		Low:      low,
		Close:    close,
		Volume:   volume,
		IsClosed: true,
	}
}

// uptrendSeed builds a rising window that the composite variant scores as a
// confident long: trend and momentum aligned, volume surging on the final
// candle.
func uptrendSeed(n int) []types.Candle {
	out := make([]types.Candle, n)
	price := 100.0
	for i := range out {
		vol := 10.0
		if i == n-1 {
			vol = 50
		}
		out[i] = candleAt(i, price, price*1.005, price*0.995, price, vol)
		price *= 1.005
	}
	return out
}

type testRig struct {
	engine *PairEngine
	gw     *gateway.Mock
	store  *store.Memory
	wallet *PaperWallet
}

func newTestRig(t *testing.T, mode types.Mode) *testRig {
	t.Helper()
	logger := testLogger()
	gw := gateway.NewMock()
	st := store.NewMemory()
	wallet := NewPaperWallet(st, logger)
	registry, err := strategy.NewRegistry(strategy.NameComposite, logger)
	require.NoError(t, err)

	eng := New(Config{
		Pair:                "BTCUSDT",
		Interval:            "5m",
		Mode:                mode,
		ConfidenceThreshold: 75,
		FeeRate:             0.0005,
		MaxOpenTrades:       5,
		Leverage:            1,
		Quantity:            1,
		BufferSize:          200,
	}, gw, st, registry, wallet, logger)

	return &testRig{engine: eng, gw: gw, store: st, wallet: wallet}
}

func openPaperPosition(t *testing.T, rig *testRig, entry, tp, sl float64, side types.Side) *types.Position {
	t.Helper()
	pos := &types.Position{
		ID:         "pos-1",
		Pair:       "BTCUSDT",
		Side:       side,
		EntryPrice: entry,
		Quantity:   1,
		Leverage:   1,
		TPPrice:    tp,
		SLPrice:    sl,
		Status:     types.StatusOpen,
		Mode:       types.ModePaper,
		OpenedAt:   base,
	}
	require.NoError(t, rig.store.SaveTrade(context.Background(), pos))
	rig.engine.position = pos
	rig.engine.state = StateOpen
	return pos
}

func TestPaperEntry_UptrendOpensLong(t *testing.T) {
	rig := newTestRig(t, types.ModePaper)
	ctx := context.Background()

	balanceBefore, err := rig.wallet.Balance(ctx)
	require.NoError(t, err)

	seed := uptrendSeed(201)
	rig.engine.buffer.Seed(seed[:200])
	rig.engine.onCandle(ctx, seed[200])

	require.Equal(t, StateOpen, rig.engine.state)
	pos := rig.engine.position
	require.NotNil(t, pos)
	assert.Equal(t, types.SideBuy, pos.Side)
	assert.Equal(t, types.ModePaper, pos.Mode)
	assert.GreaterOrEqual(t, pos.Confidence, 75.0)
	assert.Greater(t, pos.TPPrice, pos.EntryPrice)
	assert.Less(t, pos.SLPrice, pos.EntryPrice)
	assert.Greater(t, pos.TrailingStop, 0.0, "composite arms a trailing stop")

	// entry never touches the wallet; fees settle on close
	balanceAfter, err := rig.wallet.Balance(ctx)
	require.NoError(t, err)
	assert.Equal(t, balanceBefore, balanceAfter)

	open, err := rig.store.OpenTrades(ctx, types.ModePaper)
	require.NoError(t, err)
	require.Len(t, open, 1)
}

func TestPaperExit_TakeProfit(t *testing.T) {
	rig := newTestRig(t, types.ModePaper)
	ctx := context.Background()
	openPaperPosition(t, rig, 100, 110, 95, types.SideBuy)

	// high reaches TP, low never breaches SL
	rig.engine.onCandle(ctx, candleAt(0, 105, 112, 98, 111, 10))

	assert.Equal(t, StateIdle, rig.engine.state)
	assert.Nil(t, rig.engine.position)

	closed, err := rig.store.ClosedTrades(ctx, types.ModePaper, 10)
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.Equal(t, 110.0, closed[0].ExitPrice, "fill at tp_price exactly, not the close")
	assert.Equal(t, types.CloseTakeProfit, closed[0].CloseReason)

	// pnl = (110-100)*1 - (100+110)*0.0005
	assert.InDelta(t, 9.895, closed[0].PnL, 1e-9)

	balance, err := rig.wallet.Balance(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 10009.895, balance, 1e-9)
}

func TestPaperExit_LeveragedFeesOnNotionalOnly(t *testing.T) {
	rig := newTestRig(t, types.ModePaper)
	ctx := context.Background()
	pos := &types.Position{
		ID:         "lev-1",
		Pair:       "BTCUSDT",
		Side:       types.SideBuy,
		EntryPrice: 100,
		Quantity:   1,
		Leverage:   5,
		TPPrice:    110,
		SLPrice:    95,
		Status:     types.StatusOpen,
		Mode:       types.ModePaper,
		OpenedAt:   base,
	}
	require.NoError(t, rig.store.SaveTrade(ctx, pos))
	rig.engine.position = pos
	rig.engine.state = StateOpen

	rig.engine.onCandle(ctx, candleAt(0, 105, 112, 98, 111, 10))

	closed, err := rig.store.ClosedTrades(ctx, types.ModePaper, 10)
	require.NoError(t, err)
	require.Len(t, closed, 1)

	// leverage amplifies the gross pnl but never the fee: fees stay
	// (100+110)*1*0.0005 regardless of leverage
	assert.InDelta(t, 0.105, closed[0].FeePaid, 1e-9)
	assert.InDelta(t, 49.895, closed[0].PnL, 1e-9)

	balance, err := rig.wallet.Balance(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 10049.895, balance, 1e-9)
}

func TestPaperExit_StopLossPrecedence(t *testing.T) {
	rig := newTestRig(t, types.ModePaper)
	ctx := context.Background()
	openPaperPosition(t, rig, 100, 110, 95, types.SideBuy)

	// both levels inside the candle's range: the stop wins
	rig.engine.onCandle(ctx, candleAt(0, 105, 112, 90, 100, 10))

	closed, err := rig.store.ClosedTrades(ctx, types.ModePaper, 10)
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.Equal(t, 95.0, closed[0].ExitPrice)
	assert.Equal(t, types.CloseStopLoss, closed[0].CloseReason)
	assert.Negative(t, closed[0].PnL)
}

func TestPaperExit_ShortSide(t *testing.T) {
	rig := newTestRig(t, types.ModePaper)
	ctx := context.Background()
	openPaperPosition(t, rig, 100, 90, 105, types.SideSell)

	// low reaches the short's TP
	rig.engine.onCandle(ctx, candleAt(0, 95, 96, 88, 89, 10))

	closed, err := rig.store.ClosedTrades(ctx, types.ModePaper, 10)
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.Equal(t, 90.0, closed[0].ExitPrice)
	assert.Equal(t, types.CloseTakeProfit, closed[0].CloseReason)
	// pnl = (90-100)*1*(-1) - (100+90)*0.0005
	assert.InDelta(t, 9.905, closed[0].PnL, 1e-9)
}

func TestTrailingStop_TightensMonotonically(t *testing.T) {
	pos := &types.Position{Side: types.SideBuy, EntryPrice: 100, TrailingStop: 98}

	assert.True(t, tightenTrailing(pos, types.Candle{Close: 104}, 2))
	assert.Equal(t, 102.0, pos.TrailingStop)

	// unfavorable move never loosens
	assert.False(t, tightenTrailing(pos, types.Candle{Close: 101}, 2))
	assert.Equal(t, 102.0, pos.TrailingStop)
}

func TestTrailingStop_ShortTightensDownward(t *testing.T) {
	pos := &types.Position{Side: types.SideSell, EntryPrice: 100, TrailingStop: 102}

	assert.True(t, tightenTrailing(pos, types.Candle{Close: 96}, 2))
	assert.Equal(t, 98.0, pos.TrailingStop)

	assert.False(t, tightenTrailing(pos, types.Candle{Close: 99}, 2))
	assert.Equal(t, 98.0, pos.TrailingStop)
}

func TestTrailingStop_ExitFill(t *testing.T) {
	rig := newTestRig(t, types.ModePaper)
	ctx := context.Background()
	pos := openPaperPosition(t, rig, 100, 120, 95, types.SideBuy)
	pos.TrailingStop = 103

	rig.engine.onCandle(ctx, candleAt(0, 104, 105, 102, 102.5, 10))

	closed, err := rig.store.ClosedTrades(ctx, types.ModePaper, 10)
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.Equal(t, 103.0, closed[0].ExitPrice)
	assert.Equal(t, types.CloseTrailingStop, closed[0].CloseReason)
}

func TestEntry_BlockedByOpenPosition(t *testing.T) {
	rig := newTestRig(t, types.ModePaper)
	ctx := context.Background()
	openPaperPosition(t, rig, 1e9, 2e9, 1, types.SideBuy) // levels never hit

	seed := uptrendSeed(201)
	rig.engine.buffer.Seed(seed[:200])
	rig.engine.onCandle(ctx, seed[200])

	open, err := rig.store.OpenTrades(ctx, types.ModePaper)
	require.NoError(t, err)
	assert.Len(t, open, 1, "no second entry while a position is open")
}

func TestEntry_BlockedByMaxOpenTrades(t *testing.T) {
	rig := newTestRig(t, types.ModePaper)
	ctx := context.Background()

	// fill the global cap with positions on other pairs
	for i := 0; i < 5; i++ {
		pos := &types.Position{
			ID:       string(rune('a' + i)),
			Pair:     "ETHUSDT",
			Side:     types.SideBuy,
			Status:   types.StatusOpen,
			Mode:     types.ModePaper,
			OpenedAt: base,
		}
		require.NoError(t, rig.store.SaveTrade(ctx, pos))
	}

	seed := uptrendSeed(201)
	rig.engine.buffer.Seed(seed[:200])
	rig.engine.onCandle(ctx, seed[200])

	assert.Equal(t, StateIdle, rig.engine.state)
	assert.Nil(t, rig.engine.position)
}

func TestEntry_BlockedWhileDraining(t *testing.T) {
	rig := newTestRig(t, types.ModePaper)
	ctx := context.Background()
	rig.engine.Drain()

	seed := uptrendSeed(201)
	rig.engine.buffer.Seed(seed[:200])
	rig.engine.onCandle(ctx, seed[200])

	assert.Equal(t, StateIdle, rig.engine.state)
	assert.Nil(t, rig.engine.position)
}

func TestRealEntry_PlacesOrderAndTPSL(t *testing.T) {
	rig := newTestRig(t, types.ModeReal)
	ctx := context.Background()
	rig.gw.FillPrice = 250

	seed := uptrendSeed(201)
	rig.engine.buffer.Seed(seed[:200])
	rig.engine.onCandle(ctx, seed[200])

	require.Equal(t, StateOpen, rig.engine.state)
	pos := rig.engine.position
	require.NotNil(t, pos)
	assert.Equal(t, 250.0, pos.EntryPrice, "entry records the gateway fill price")
	assert.Equal(t, "MOCK-1", pos.OrderID)

	require.Len(t, rig.gw.Orders, 1)
	assert.Equal(t, types.SideBuy, rig.gw.Orders[0].Side)
	require.Len(t, rig.gw.TPSLCalls, 1)
	assert.Equal(t, pos.TPPrice, rig.gw.TPSLCalls[0].TP)
	assert.Equal(t, pos.SLPrice, rig.gw.TPSLCalls[0].SL)
}

func TestRealEntry_RejectionAbortsCleanly(t *testing.T) {
	rig := newTestRig(t, types.ModeReal)
	ctx := context.Background()
	rig.gw.OrderErr = assert.AnError

	seed := uptrendSeed(201)
	rig.engine.buffer.Seed(seed[:200])
	rig.engine.onCandle(ctx, seed[200])

	assert.Equal(t, StateIdle, rig.engine.state)
	assert.Nil(t, rig.engine.position)

	open, err := rig.store.OpenTrades(ctx, types.ModeReal)
	require.NoError(t, err)
	assert.Empty(t, open, "no partial position is ever recorded")
}

func TestRealClose_DrivenByPositionUpdate(t *testing.T) {
	rig := newTestRig(t, types.ModeReal)
	ctx := context.Background()
	pos := &types.Position{
		ID:         "real-1",
		Pair:       "BTCUSDT",
		Side:       types.SideBuy,
		EntryPrice: 100,
		Quantity:   1,
		Leverage:   2,
		Status:     types.StatusOpen,
		Mode:       types.ModeReal,
		OpenedAt:   base,
	}
	require.NoError(t, rig.store.SaveTrade(ctx, pos))
	rig.engine.position = pos
	rig.engine.state = StateOpen

	rig.engine.onPositionUpdate(ctx, types.PositionUpdateEvent{
		Pair:        "BTCUSDT",
		Status:      "closed",
		ExitPrice:   110,
		RealizedPnL: 20,
		At:          base.Add(time.Hour),
	})

	assert.Equal(t, StateIdle, rig.engine.state)
	closed, err := rig.store.ClosedTrades(ctx, types.ModeReal, 10)
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.Equal(t, 110.0, closed[0].ExitPrice)
	assert.Equal(t, 20.0, closed[0].PnL, "exchange-reported pnl wins")
	assert.Equal(t, types.CloseExchange, closed[0].CloseReason)
	assert.Contains(t, rig.gw.CancelCalls, "BTCUSDT", "leftover exit orders cancelled")
}

func TestRecovery_ReloadsOpenPosition(t *testing.T) {
	rig := newTestRig(t, types.ModePaper)
	ctx := context.Background()
	pos := &types.Position{
		ID:         "old-1",
		Pair:       "BTCUSDT",
		Side:       types.SideBuy,
		EntryPrice: 100,
		Quantity:   1,
		TPPrice:    110,
		SLPrice:    95,
		Status:     types.StatusOpen,
		Mode:       types.ModePaper,
		OpenedAt:   base,
	}
	require.NoError(t, rig.store.SaveTrade(ctx, pos))

	require.NoError(t, rig.engine.recover(ctx))
	require.NotNil(t, rig.engine.position)
	assert.Equal(t, "old-1", rig.engine.position.ID)
	assert.Equal(t, StateOpen, rig.engine.state)
}

func TestDrainedEngineExitsWhenFlat(t *testing.T) {
	rig := newTestRig(t, types.ModePaper)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- rig.engine.Run(ctx) }()

	rig.engine.Drain()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("drained idle engine did not exit")
	}
}

func TestResolveQuantity_UnconfiguredSizeErrors(t *testing.T) {
	rig := newTestRig(t, types.ModePaper)
	rig.engine.cfg.Quantity = 0
	rig.engine.cfg.INRAmount = 0

	_, err := rig.engine.resolveQuantity(context.Background(), 100)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no trade size configured")
}

func TestINRSizing(t *testing.T) {
	rig := newTestRig(t, types.ModePaper)
	rig.engine.cfg.INRAmount = 8400
	rig.engine.cfg.INRPerUSDT = 84
	rig.engine.cfg.Leverage = 5

	qty, err := rig.engine.resolveQuantity(context.Background(), 50)
	require.NoError(t, err)
	// 8400 INR / 84 = 100 USDT margin, x5 leverage / 50 price = 10
	assert.InDelta(t, 10.0, qty, 1e-9)
}

func TestPaperWallet_SerializesConcurrentCloses(t *testing.T) {
	st := store.NewMemory()
	wallet := NewPaperWallet(st, testLogger())
	ctx := context.Background()

	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		go func() {
			for j := 0; j < 100; j++ {
				if _, err := wallet.Apply(ctx, 1); err != nil {
					errs <- err
					return
				}
			}
			errs <- nil
		}()
	}
	for i := 0; i < 10; i++ {
		require.NoError(t, <-errs)
	}

	balance, err := wallet.Balance(ctx)
	require.NoError(t, err)
	assert.Equal(t, 11000.0, balance, "no lost updates under concurrent closes")
}
