package gateway

import (
	"context"

	"pairtrader/internal/types"
)

// Gateway is the exchange boundary. MarketData covers everything both modes
// need; Executor covers the calls only real mode makes. Paper engines use a
// Gateway purely for market data and never place orders.
type Gateway interface {
	MarketData
	Executor
}

// MarketData streams and fetches candles and prices.
type MarketData interface {
	// SubscribeCandles starts a kline stream for the pair. Events arrive on
	// the Candles channel, both in-progress updates and final closes.
	SubscribeCandles(ctx context.Context, pair, interval string) error

	// UnsubscribeCandles stops the pair's kline stream and waits for its
	// goroutine to exit.
	UnsubscribeCandles(pair string)

	// Candles is the fan-in channel for all subscribed pairs.
	Candles() <-chan types.CandleEvent

	// GetHistoricalCandles fetches up to limit recent candles, oldest first.
	GetHistoricalCandles(ctx context.Context, pair, interval string, limit int) ([]types.Candle, error)

	// GetPrice returns the current mark price for a pair.
	GetPrice(ctx context.Context, pair string) (float64, error)
}

// Executor places and manages real orders.
type Executor interface {
	// PlaceOrder submits a market entry order and returns the exchange
	// order id and average fill price.
	PlaceOrder(ctx context.Context, req types.OrderRequest) (orderID string, fillPrice float64, err error)

	// PlaceTPSL arms exchange-side close-position exit orders. side is the
	// entry side; implementations place the exit orders on the opposite side.
	PlaceTPSL(ctx context.Context, pair string, side types.Side, tp, sl float64) error

	// CancelExitOrders cancels all open orders for a pair. Called before
	// re-arming exits and after a position closes.
	CancelExitOrders(ctx context.Context, pair string) error

	// ClosePosition flattens a position with a reduce-only market order and
	// returns the fill price.
	ClosePosition(ctx context.Context, pair string, side types.Side, qty float64) (float64, error)

	// ListOpenPositions returns exchange-side open positions.
	ListOpenPositions(ctx context.Context) ([]types.PositionSnapshot, error)

	// SubscribePositionUpdates starts the user-data stream. Exit fills
	// arrive on PositionUpdates.
	SubscribePositionUpdates(ctx context.Context) error

	// PositionUpdates delivers exchange-side position closures.
	PositionUpdates() <-chan types.PositionUpdateEvent

	// Close tears down all streams and connections.
	Close() error
}
