package gateway

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"pairtrader/internal/types"
)

// Mock implements Gateway for tests. Candles and position updates are
// injected through the Push helpers; orders are recorded and filled at a
// configurable price.
type Mock struct {
	mu sync.RWMutex

	candleChan   chan types.CandleEvent
	positionChan chan types.PositionUpdateEvent

	Historical map[string][]types.Candle
	Prices     map[string]float64

	Orders       []types.OrderRequest
	TPSLCalls    []MockTPSL
	CancelCalls  []string
	CloseCalls   []MockClose
	Positions    []types.PositionSnapshot
	Subscribed   map[string]bool
	FillPrice    float64
	OrderErr     error
	orderIDSeq   atomic.Int64
	closedStream bool
}

// MockTPSL records a PlaceTPSL call.
type MockTPSL struct {
	Pair string
	Side types.Side
	TP   float64
	SL   float64
}

// MockClose records a ClosePosition call.
type MockClose struct {
	Pair string
	Side types.Side
	Qty  float64
}

func NewMock() *Mock {
	return &Mock{
		candleChan:   make(chan types.CandleEvent, 100),
		positionChan: make(chan types.PositionUpdateEvent, 100),
		Historical:   make(map[string][]types.Candle),
		Prices:       make(map[string]float64),
		Subscribed:   make(map[string]bool),
		FillPrice:    100,
	}
}

// PushCandle injects a candle event as if it arrived from the stream.
func (m *Mock) PushCandle(c types.Candle) {
	m.candleChan <- types.CandleEvent{Candle: c}
}

// PushPositionUpdate injects an exchange-side position closure.
func (m *Mock) PushPositionUpdate(ev types.PositionUpdateEvent) {
	m.positionChan <- ev
}

func (m *Mock) SubscribeCandles(_ context.Context, pair, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Subscribed[pair] = true
	return nil
}

func (m *Mock) UnsubscribeCandles(pair string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.Subscribed, pair)
}

func (m *Mock) Candles() <-chan types.CandleEvent {
	return m.candleChan
}

func (m *Mock) GetHistoricalCandles(_ context.Context, pair, _ string, limit int) ([]types.Candle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	candles := m.Historical[pair]
	if len(candles) > limit {
		candles = candles[len(candles)-limit:]
	}
	return candles, nil
}

func (m *Mock) GetPrice(_ context.Context, pair string) (float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if p, ok := m.Prices[pair]; ok {
		return p, nil
	}
	return m.FillPrice, nil
}

func (m *Mock) PlaceOrder(_ context.Context, req types.OrderRequest) (string, float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.OrderErr != nil {
		return "", 0, m.OrderErr
	}
	m.Orders = append(m.Orders, req)
	return fmt.Sprintf("MOCK-%d", m.orderIDSeq.Add(1)), m.FillPrice, nil
}

func (m *Mock) PlaceTPSL(_ context.Context, pair string, side types.Side, tp, sl float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TPSLCalls = append(m.TPSLCalls, MockTPSL{Pair: pair, Side: side, TP: tp, SL: sl})
	return nil
}

func (m *Mock) CancelExitOrders(_ context.Context, pair string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CancelCalls = append(m.CancelCalls, pair)
	return nil
}

func (m *Mock) ClosePosition(_ context.Context, pair string, side types.Side, qty float64) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CloseCalls = append(m.CloseCalls, MockClose{Pair: pair, Side: side, Qty: qty})
	return m.FillPrice, nil
}

func (m *Mock) ListOpenPositions(_ context.Context) ([]types.PositionSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.PositionSnapshot, len(m.Positions))
	copy(out, m.Positions)
	return out, nil
}

func (m *Mock) SubscribePositionUpdates(_ context.Context) error {
	return nil
}

func (m *Mock) PositionUpdates() <-chan types.PositionUpdateEvent {
	return m.positionChan
}

func (m *Mock) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closedStream {
		close(m.candleChan)
		close(m.positionChan)
		m.closedStream = true
	}
	return nil
}
