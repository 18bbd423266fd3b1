package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pairtrader/internal/engine"
	"pairtrader/internal/gateway"
	"pairtrader/internal/store"
	"pairtrader/internal/strategy"
	"pairtrader/internal/types"
)

func newOrchestratorRig(t *testing.T) (*Orchestrator, *gateway.Mock, *store.Memory) {
	t.Helper()
	logger := testLogger()
	gw := gateway.NewMock()
	st := store.NewMemory()
	registry, err := strategy.NewRegistry(strategy.NameComposite, logger)
	require.NoError(t, err)
	wallet := engine.NewPaperWallet(st, logger)

	orch := New(Config{
		Mode:                types.ModePaper,
		Interval:            "5m",
		ConfidenceThreshold: 75,
		FeeRate:             0.0005,
		MaxOpenTrades:       5,
		BufferSize:          200,
	}, gw, st, registry, wallet, logger)
	return orch, gw, st
}

func waitDone(t *testing.T, s *supervised) {
	t.Helper()
	select {
	case <-s.eng.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not exit")
	}
}

func TestReconcile_StartsEnabledPair(t *testing.T) {
	orch, _, st := newOrchestratorRig(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, st.UpsertPairConfig(ctx, types.PairConfig{
		Pair: "BTCUSDT", Enabled: true, Leverage: 1, Quantity: 1,
	}))

	orch.reconcile(ctx)

	statuses := orch.PairStatuses()
	require.Contains(t, statuses, "BTCUSDT")
	assert.Equal(t, types.PairStatusRunning, statuses["BTCUSDT"])
	assert.NotNil(t, orch.lookup("BTCUSDT"))
	assert.Nil(t, orch.lookup("ETHUSDT"))
}

func TestReconcile_DisabledPairIgnored(t *testing.T) {
	orch, _, st := newOrchestratorRig(t)
	ctx := context.Background()

	require.NoError(t, st.UpsertPairConfig(ctx, types.PairConfig{Pair: "BTCUSDT"}))

	orch.reconcile(ctx)
	assert.Empty(t, orch.PairStatuses())
}

func TestReconcile_DrainsAndReapsDisabledPair(t *testing.T) {
	orch, _, st := newOrchestratorRig(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, st.UpsertPairConfig(ctx, types.PairConfig{
		Pair: "BTCUSDT", Enabled: true, Leverage: 1, Quantity: 1,
	}))
	orch.reconcile(ctx)

	require.NoError(t, st.SetPairEnabled(ctx, "BTCUSDT", false, false))
	orch.reconcile(ctx)

	orch.mu.RLock()
	s := orch.engines["BTCUSDT"]
	orch.mu.RUnlock()
	require.NotNil(t, s)
	assert.Equal(t, types.PairStatusStopping, s.status)

	// flat engine drains out on its own, the next pass reaps it
	waitDone(t, s)
	orch.reconcile(ctx)
	assert.Empty(t, orch.PairStatuses())
}

func TestReconcile_DegradesAfterBudgetExhausted(t *testing.T) {
	orch, _, st := newOrchestratorRig(t)
	orch.cfg.RestartBudget = 0 // first crash exhausts the budget
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, st.UpsertPairConfig(ctx, types.PairConfig{
		Pair: "BTCUSDT", Enabled: true, Leverage: 1, Quantity: 1,
	}))
	orch.reconcile(ctx)

	orch.mu.RLock()
	s := orch.engines["BTCUSDT"]
	orch.mu.RUnlock()
	require.NotNil(t, s)

	// kill the engine's context to simulate a crash
	s.cancel()
	waitDone(t, s)

	orch.reconcile(ctx)
	assert.Equal(t, types.PairStatusDegraded, orch.PairStatuses()["BTCUSDT"])

	// degraded pairs stay parked while desired, never restarted
	orch.reconcile(ctx)
	assert.Equal(t, types.PairStatusDegraded, orch.PairStatuses()["BTCUSDT"])

	// disabling clears the marker so a later re-enable starts fresh
	require.NoError(t, st.SetPairEnabled(ctx, "BTCUSDT", false, false))
	orch.reconcile(ctx)
	assert.Empty(t, orch.PairStatuses())
}

func TestDispatch_RoutesCandlesToOwningEngine(t *testing.T) {
	orch, gw, st := newOrchestratorRig(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// an open position the recovered engine will close when its TP candle
	// arrives through dispatch
	require.NoError(t, st.SaveTrade(ctx, &types.Position{
		ID:         "routed-1",
		Pair:       "BTCUSDT",
		Side:       types.SideBuy,
		EntryPrice: 100,
		Quantity:   1,
		Leverage:   1,
		TPPrice:    110,
		SLPrice:    95,
		Status:     types.StatusOpen,
		Mode:       types.ModePaper,
		OpenedAt:   time.Now(),
	}))
	require.NoError(t, st.UpsertPairConfig(ctx, types.PairConfig{
		Pair: "BTCUSDT", Enabled: true, Leverage: 1, Quantity: 1,
	}))
	orch.reconcile(ctx)
	go orch.dispatch(ctx)

	// a candle for an unmanaged pair is dropped without effect
	gw.PushCandle(seedCandle("ETHUSDT", 0, 100, 200, 99, 150, 10))
	gw.PushCandle(seedCandle("BTCUSDT", 0, 105, 112, 98, 111, 10))

	assert.Eventually(t, func() bool {
		closed, err := st.ClosedTrades(ctx, types.ModePaper, 10)
		return err == nil && len(closed) == 1
	}, 2*time.Second, 10*time.Millisecond, "delivered candle reaches the engine and closes at TP")
}
