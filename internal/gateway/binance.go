package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/futures"

	"pairtrader/internal/types"
)

// BinanceFutures implements Gateway against the Binance USD-M futures API.
// Each subscribed pair gets its own WebSocket goroutine with reconnection;
// all candle events fan into a single channel.
type BinanceFutures struct {
	client *futures.Client
	logger *slog.Logger

	mu            sync.RWMutex
	subscriptions map[string]*klineSub
	leverageSet   map[string]int

	candleChan   chan types.CandleEvent
	positionChan chan types.PositionUpdateEvent

	userStreamOnce sync.Once
	userDone       chan struct{}

	closeTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
}

type klineSub struct {
	pair     string
	stopChan chan struct{}
	done     chan struct{}
}

// NewBinanceFutures creates a futures gateway. Keys may be empty for
// market-data-only use (paper mode).
func NewBinanceFutures(apiKey, secretKey string, logger *slog.Logger) *BinanceFutures {
	ctx, cancel := context.WithCancel(context.Background())
	return &BinanceFutures{
		client:        futures.NewClient(apiKey, secretKey),
		logger:        logger,
		subscriptions: make(map[string]*klineSub),
		leverageSet:   make(map[string]int),
		candleChan:    make(chan types.CandleEvent, 1000),
		positionChan:  make(chan types.PositionUpdateEvent, 100),
		closeTimeout:  5 * time.Second,
		ctx:           ctx,
		cancel:        cancel,
	}
}

// SubscribeCandles starts a kline stream for the pair.
func (g *BinanceFutures) SubscribeCandles(_ context.Context, pair, interval string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.subscriptions[pair]; exists {
		g.logger.Debug("[GATEWAY] Already subscribed", "pair", pair)
		return nil
	}

	sub := &klineSub{
		pair:     pair,
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
	g.subscriptions[pair] = sub

	go g.runKlineStream(sub, interval)

	g.logger.Info("[GATEWAY] Subscribed to klines", "pair", pair, "interval", interval)
	return nil
}

// runKlineStream manages one pair's WebSocket connection with reconnection.
func (g *BinanceFutures) runKlineStream(sub *klineSub, interval string) {
	defer close(sub.done)

	symbol := strings.ToUpper(sub.pair)
	backoff := time.Second
	maxBackoff := 30 * time.Second

	for {
		select {
		case <-sub.stopChan:
			return
		case <-g.ctx.Done():
			return
		default:
		}

		handler := func(event *futures.WsKlineEvent) {
			candle, err := candleFromWsKline(sub.pair, event.Kline)
			if err != nil {
				g.logger.Error("[GATEWAY] Failed to parse kline",
					"pair", sub.pair,
					"error", err,
				)
				return
			}

			select {
			case g.candleChan <- types.CandleEvent{Candle: candle}:
			default:
				// Channel full, drop update to prevent blocking
				g.logger.Warn("[GATEWAY] Candle channel full, dropping update",
					"pair", sub.pair,
				)
			}
		}

		errHandler := func(err error) {
			g.logger.Error("[GATEWAY] Kline stream error",
				"pair", sub.pair,
				"error", err,
			)
		}

		doneC, stopC, err := futures.WsKlineServe(symbol, interval, handler, errHandler)
		if err != nil {
			g.logger.Error("[GATEWAY] Failed to connect kline stream",
				"pair", sub.pair,
				"error", err,
				"retry_in", backoff,
			)
			select {
			case <-time.After(backoff):
				backoff = min(backoff*2, maxBackoff)
				continue
			case <-sub.stopChan:
				return
			case <-g.ctx.Done():
				return
			}
		}

		g.logger.Info("[GATEWAY] Kline stream connected", "pair", sub.pair)
		backoff = time.Second

		select {
		case <-doneC:
			g.logger.Warn("[GATEWAY] Kline stream disconnected, reconnecting...",
				"pair", sub.pair,
			)
		case <-sub.stopChan:
			close(stopC)
			return
		case <-g.ctx.Done():
			close(stopC)
			return
		}
	}
}

// UnsubscribeCandles stops the pair's stream.
func (g *BinanceFutures) UnsubscribeCandles(pair string) {
	g.mu.Lock()
	sub, exists := g.subscriptions[pair]
	if !exists {
		g.mu.Unlock()
		return
	}
	delete(g.subscriptions, pair)
	g.mu.Unlock()

	close(sub.stopChan)
	select {
	case <-sub.done:
	case <-time.After(g.closeTimeout):
		g.logger.Warn("[GATEWAY] Timeout waiting for kline stream to close",
			"pair", pair,
		)
	}
	g.logger.Info("[GATEWAY] Unsubscribed from klines", "pair", pair)
}

// Candles returns the fan-in candle channel.
func (g *BinanceFutures) Candles() <-chan types.CandleEvent {
	return g.candleChan
}

// GetHistoricalCandles fetches recent klines via REST, oldest first.
func (g *BinanceFutures) GetHistoricalCandles(ctx context.Context, pair, interval string, limit int) ([]types.Candle, error) {
	klines, err := g.client.NewKlinesService().
		Symbol(strings.ToUpper(pair)).
		Interval(interval).
		Limit(limit).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch klines for %s: %w", pair, err)
	}

	candles := make([]types.Candle, 0, len(klines))
	for i, k := range klines {
		o, _ := strconv.ParseFloat(k.Open, 64)
		h, _ := strconv.ParseFloat(k.High, 64)
		l, _ := strconv.ParseFloat(k.Low, 64)
		c, _ := strconv.ParseFloat(k.Close, 64)
		v, _ := strconv.ParseFloat(k.Volume, 64)
		candles = append(candles, types.Candle{
			Pair:     pair,
			OpenTime: time.UnixMilli(k.OpenTime),
			Open:     o,
			High:     h,
			Low:      l,
			Close:    c,
			Volume:   v,
			// the newest kline in the response is still forming
			IsClosed: i < len(klines)-1,
		})
	}
	return candles, nil
}

// GetPrice returns the current price for a pair.
func (g *BinanceFutures) GetPrice(ctx context.Context, pair string) (float64, error) {
	prices, err := g.client.NewListPricesService().Symbol(strings.ToUpper(pair)).Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get price for %s: %w", pair, err)
	}
	if len(prices) == 0 {
		return 0, fmt.Errorf("no price found for %s", pair)
	}
	price, err := strconv.ParseFloat(prices[0].Price, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse price: %w", err)
	}
	return price, nil
}

// PlaceOrder sets leverage if needed, then submits a market order.
func (g *BinanceFutures) PlaceOrder(ctx context.Context, req types.OrderRequest) (string, float64, error) {
	symbol := strings.ToUpper(req.Pair)

	if err := g.ensureLeverage(ctx, symbol, req.Leverage); err != nil {
		return "", 0, err
	}

	side := futures.SideTypeBuy
	if req.Side == types.SideSell {
		side = futures.SideTypeSell
	}

	order, err := g.client.NewCreateOrderService().
		Symbol(symbol).
		Side(side).
		Type(futures.OrderTypeMarket).
		Quantity(strconv.FormatFloat(req.Quantity, 'f', -1, 64)).
		NewOrderResponseType(futures.NewOrderRespTypeRESULT).
		Do(ctx)
	if err != nil {
		g.logger.Error("[GATEWAY] Order failed",
			"pair", req.Pair,
			"side", req.Side,
			"error", err,
		)
		return "", 0, err
	}

	fillPrice, _ := strconv.ParseFloat(order.AvgPrice, 64)
	if fillPrice == 0 {
		// RESULT responses can lag the fill; fall back to the ticker
		fillPrice, _ = g.GetPrice(ctx, req.Pair)
	}

	g.logger.Info("[GATEWAY] Order placed",
		"order_id", order.OrderID,
		"pair", req.Pair,
		"side", req.Side,
		"qty", req.Quantity,
		"fill_price", fillPrice,
	)
	return fmt.Sprintf("%d", order.OrderID), fillPrice, nil
}

func (g *BinanceFutures) ensureLeverage(ctx context.Context, symbol string, leverage int) error {
	if leverage <= 0 {
		leverage = 1
	}
	g.mu.RLock()
	current := g.leverageSet[symbol]
	g.mu.RUnlock()
	if current == leverage {
		return nil
	}

	_, err := g.client.NewChangeLeverageService().
		Symbol(symbol).
		Leverage(leverage).
		Do(ctx)
	if err != nil {
		return fmt.Errorf("failed to set leverage for %s: %w", symbol, err)
	}

	g.mu.Lock()
	g.leverageSet[symbol] = leverage
	g.mu.Unlock()
	return nil
}

// PlaceTPSL arms close-position take-profit and stop-loss orders.
func (g *BinanceFutures) PlaceTPSL(ctx context.Context, pair string, side types.Side, tp, sl float64) error {
	symbol := strings.ToUpper(pair)

	exitSide := futures.SideTypeSell
	if side == types.SideSell {
		exitSide = futures.SideTypeBuy
	}

	if tp > 0 {
		_, err := g.client.NewCreateOrderService().
			Symbol(symbol).
			Side(exitSide).
			Type(futures.OrderTypeTakeProfitMarket).
			StopPrice(strconv.FormatFloat(tp, 'f', -1, 64)).
			ClosePosition(true).
			Do(ctx)
		if err != nil {
			return fmt.Errorf("failed to place take-profit for %s: %w", pair, err)
		}
	}

	if sl > 0 {
		_, err := g.client.NewCreateOrderService().
			Symbol(symbol).
			Side(exitSide).
			Type(futures.OrderTypeStopMarket).
			StopPrice(strconv.FormatFloat(sl, 'f', -1, 64)).
			ClosePosition(true).
			Do(ctx)
		if err != nil {
			return fmt.Errorf("failed to place stop-loss for %s: %w", pair, err)
		}
	}

	g.logger.Info("[GATEWAY] Exit orders armed",
		"pair", pair,
		"tp", tp,
		"sl", sl,
	)
	return nil
}

// CancelExitOrders cancels all open orders for a pair.
func (g *BinanceFutures) CancelExitOrders(ctx context.Context, pair string) error {
	err := g.client.NewCancelAllOpenOrdersService().
		Symbol(strings.ToUpper(pair)).
		Do(ctx)
	if err != nil {
		return fmt.Errorf("failed to cancel open orders for %s: %w", pair, err)
	}
	return nil
}

// ClosePosition flattens with a reduce-only market order.
func (g *BinanceFutures) ClosePosition(ctx context.Context, pair string, side types.Side, qty float64) (float64, error) {
	symbol := strings.ToUpper(pair)

	exitSide := futures.SideTypeSell
	if side == types.SideSell {
		exitSide = futures.SideTypeBuy
	}

	order, err := g.client.NewCreateOrderService().
		Symbol(symbol).
		Side(exitSide).
		Type(futures.OrderTypeMarket).
		Quantity(strconv.FormatFloat(qty, 'f', -1, 64)).
		ReduceOnly(true).
		NewOrderResponseType(futures.NewOrderRespTypeRESULT).
		Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to close position for %s: %w", pair, err)
	}

	fillPrice, _ := strconv.ParseFloat(order.AvgPrice, 64)
	if fillPrice == 0 {
		fillPrice, _ = g.GetPrice(ctx, pair)
	}

	g.logger.Info("[GATEWAY] Position closed",
		"pair", pair,
		"qty", qty,
		"fill_price", fillPrice,
	)
	return fillPrice, nil
}

// ListOpenPositions returns exchange-side positions with nonzero amounts.
func (g *BinanceFutures) ListOpenPositions(ctx context.Context) ([]types.PositionSnapshot, error) {
	risks, err := g.client.NewGetPositionRiskService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list positions: %w", err)
	}

	out := make([]types.PositionSnapshot, 0, len(risks))
	for _, r := range risks {
		amt, _ := strconv.ParseFloat(r.PositionAmt, 64)
		if amt == 0 {
			continue
		}
		entry, _ := strconv.ParseFloat(r.EntryPrice, 64)
		lev, _ := strconv.Atoi(r.Leverage)

		side := types.SideBuy
		qty := amt
		if amt < 0 {
			side = types.SideSell
			qty = -amt
		}
		out = append(out, types.PositionSnapshot{
			Pair:       r.Symbol,
			Side:       side,
			EntryPrice: entry,
			Quantity:   qty,
			Leverage:   lev,
		})
	}
	return out, nil
}

// SubscribePositionUpdates starts the user-data stream. Filled exit orders
// are forwarded as position closures.
func (g *BinanceFutures) SubscribePositionUpdates(ctx context.Context) error {
	var startErr error
	g.userStreamOnce.Do(func() {
		listenKey, err := g.client.NewStartUserStreamService().Do(ctx)
		if err != nil {
			startErr = fmt.Errorf("failed to start user stream: %w", err)
			return
		}
		g.mu.Lock()
		g.userDone = make(chan struct{})
		g.mu.Unlock()
		go g.runUserStream(listenKey)
		go g.keepAliveUserStream(listenKey)
	})
	return startErr
}

func (g *BinanceFutures) runUserStream(listenKey string) {
	defer close(g.userDone)

	backoff := time.Second
	maxBackoff := 30 * time.Second

	for {
		select {
		case <-g.ctx.Done():
			return
		default:
		}

		handler := func(event *futures.WsUserDataEvent) {
			if event.Event != futures.UserDataEventTypeOrderTradeUpdate {
				return
			}
			u := event.OrderTradeUpdate
			if u.Status != futures.OrderStatusTypeFilled {
				return
			}
			if u.OriginalType != futures.OrderTypeStopMarket &&
				u.OriginalType != futures.OrderTypeTakeProfitMarket &&
				!u.IsReduceOnly {
				return
			}

			exitPrice, _ := strconv.ParseFloat(u.AveragePrice, 64)
			pnl, _ := strconv.ParseFloat(u.RealizedPnL, 64)

			select {
			case g.positionChan <- types.PositionUpdateEvent{
				Pair:        u.Symbol,
				Status:      "closed",
				ExitPrice:   exitPrice,
				RealizedPnL: pnl,
				At:          time.UnixMilli(event.Time),
			}:
			default:
				g.logger.Warn("[GATEWAY] Position channel full, dropping update",
					"pair", u.Symbol,
				)
			}
		}

		errHandler := func(err error) {
			g.logger.Error("[GATEWAY] User stream error", "error", err)
		}

		doneC, stopC, err := futures.WsUserDataServe(listenKey, handler, errHandler)
		if err != nil {
			g.logger.Error("[GATEWAY] Failed to connect user stream",
				"error", err,
				"retry_in", backoff,
			)
			select {
			case <-time.After(backoff):
				backoff = min(backoff*2, maxBackoff)
				continue
			case <-g.ctx.Done():
				return
			}
		}

		g.logger.Info("[GATEWAY] User stream connected")
		backoff = time.Second

		select {
		case <-doneC:
			g.logger.Warn("[GATEWAY] User stream disconnected, reconnecting...")
		case <-g.ctx.Done():
			close(stopC)
			return
		}
	}
}

// keepAliveUserStream pings the listen key before its 60 minute expiry.
func (g *BinanceFutures) keepAliveUserStream(listenKey string) {
	ticker := time.NewTicker(30 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			err := g.client.NewKeepaliveUserStreamService().
				ListenKey(listenKey).
				Do(g.ctx)
			if err != nil {
				g.logger.Error("[GATEWAY] User stream keepalive failed", "error", err)
			}
		case <-g.ctx.Done():
			return
		}
	}
}

// PositionUpdates returns the position closure channel.
func (g *BinanceFutures) PositionUpdates() <-chan types.PositionUpdateEvent {
	return g.positionChan
}

// Close stops all streams. The fan-in channels are only closed once every
// stream goroutine has confirmed exit; on timeout they stay open so a late
// send cannot panic.
func (g *BinanceFutures) Close() error {
	g.cancel()

	g.mu.Lock()
	subs := make([]*klineSub, 0, len(g.subscriptions))
	for _, sub := range g.subscriptions {
		subs = append(subs, sub)
	}
	g.subscriptions = make(map[string]*klineSub)
	userDone := g.userDone
	g.mu.Unlock()

	for _, sub := range subs {
		close(sub.stopChan)
	}

	deadline := time.After(g.closeTimeout)
	for _, sub := range subs {
		select {
		case <-sub.done:
		case <-deadline:
			g.logger.Warn("[GATEWAY] Timeout waiting for kline stream to stop",
				"pair", sub.pair,
			)
			return nil
		}
	}
	if userDone != nil {
		select {
		case <-userDone:
		case <-deadline:
			g.logger.Warn("[GATEWAY] Timeout waiting for user stream to stop")
			return nil
		}
	}

	close(g.candleChan)
	close(g.positionChan)
	g.logger.Info("[GATEWAY] Closed")
	return nil
}

func candleFromWsKline(pair string, k futures.WsKline) (types.Candle, error) {
	o, err := strconv.ParseFloat(k.Open, 64)
	if err != nil {
		return types.Candle{}, err
	}
	h, err := strconv.ParseFloat(k.High, 64)
	if err != nil {
		return types.Candle{}, err
	}
	l, err := strconv.ParseFloat(k.Low, 64)
	if err != nil {
		return types.Candle{}, err
	}
	c, err := strconv.ParseFloat(k.Close, 64)
	if err != nil {
		return types.Candle{}, err
	}
	v, err := strconv.ParseFloat(k.Volume, 64)
	if err != nil {
		return types.Candle{}, err
	}
	return types.Candle{
		Pair:     pair,
		OpenTime: time.UnixMilli(k.StartTime),
		Open:     o,
		High:     h,
		Low:      l,
		Close:    c,
		Volume:   v,
		IsClosed: k.IsFinal,
	}, nil
}
