package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"pairtrader/internal/gateway"
	"pairtrader/internal/market"
	"pairtrader/internal/store"
	"pairtrader/internal/strategy"
	"pairtrader/internal/types"
)

// State is the lifecycle state of the pair engine's position machine.
type State string

const (
	StateIdle         State = "idle"
	StatePendingEntry State = "pending_entry"
	StateOpen         State = "open"
)

// Config holds one pair engine's settings.
type Config struct {
	Pair                string
	Interval            string
	Mode                types.Mode
	ConfidenceThreshold float64
	FeeRate             float64
	MaxOpenTrades       int
	Leverage            int
	Quantity            float64
	INRAmount           float64
	INRPerUSDT          float64
	BufferSize          int
}

// PairEngine runs one trading pair: candle buffering, strategy evaluation,
// and the position lifecycle. All state is owned by the Run goroutine; the
// outside world talks to it through Deliver* (non-blocking) and Drain/Stop.
type PairEngine struct {
	cfg      Config
	gw       gateway.Gateway
	store    store.Store
	registry *strategy.Registry
	paper    *PaperSimulator
	real     *RealExecutor
	logger   *slog.Logger

	buffer   *market.Buffer
	state    State
	position *types.Position

	candleCh  chan types.Candle
	posCh     chan types.PositionUpdateEvent
	stopCh    chan struct{}
	doneCh    chan struct{}
	drainCh   chan struct{}
	draining  atomic.Bool
	drainOnce sync.Once
	stopOnce  atomic.Bool
}

func New(cfg Config, gw gateway.Gateway, st store.Store, registry *strategy.Registry, wallet *PaperWallet, logger *slog.Logger) *PairEngine {
	if cfg.Leverage <= 0 {
		cfg.Leverage = 1
	}
	if cfg.ConfidenceThreshold <= 0 {
		cfg.ConfidenceThreshold = 75
	}
	if cfg.MaxOpenTrades <= 0 {
		cfg.MaxOpenTrades = 5
	}
	return &PairEngine{
		cfg:      cfg,
		gw:       gw,
		store:    st,
		registry: registry,
		paper:    NewPaperSimulator(st, wallet, cfg.FeeRate, logger),
		real:     NewRealExecutor(gw, st, logger),
		logger:   logger,
		buffer:   market.NewBuffer(cfg.Pair, cfg.BufferSize),
		state:    StateIdle,
		candleCh: make(chan types.Candle, 100),
		posCh:    make(chan types.PositionUpdateEvent, 10),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		drainCh:  make(chan struct{}),
	}
}

// Pair returns the engine's trading pair.
func (e *PairEngine) Pair() string { return e.cfg.Pair }

// Done is closed when the Run goroutine has exited.
func (e *PairEngine) Done() <-chan struct{} { return e.doneCh }

// Deliver hands a candle to the engine. Never blocks: when the engine is
// backed up the candle is dropped and the next update covers the gap.
func (e *PairEngine) Deliver(c types.Candle) {
	select {
	case e.candleCh <- c:
	default:
		e.logger.Warn("[ENGINE] Candle queue full, dropping", "pair", e.cfg.Pair)
	}
}

// DeliverPositionUpdate hands an exchange-side closure event to the engine.
func (e *PairEngine) DeliverPositionUpdate(ev types.PositionUpdateEvent) {
	select {
	case e.posCh <- ev:
	default:
		e.logger.Warn("[ENGINE] Position update queue full, dropping", "pair", e.cfg.Pair)
	}
}

// Drain stops new entries. The engine keeps managing an open position to
// closure, then exits. Idempotent.
func (e *PairEngine) Drain() {
	e.draining.Store(true)
	e.drainOnce.Do(func() { close(e.drainCh) })
}

// Stop requests immediate shutdown, leaving any open position persisted as
// open for recovery on the next start. Idempotent.
func (e *PairEngine) Stop() {
	if e.stopOnce.CompareAndSwap(false, true) {
		close(e.stopCh)
	}
}

// Run is the engine's single goroutine: seed, subscribe, then consume events
// in strict arrival order until stopped or drained empty.
func (e *PairEngine) Run(ctx context.Context) error {
	defer close(e.doneCh)

	if err := e.recover(ctx); err != nil {
		return fmt.Errorf("recovery for %s: %w", e.cfg.Pair, err)
	}
	if err := e.seed(ctx); err != nil {
		return fmt.Errorf("seeding for %s: %w", e.cfg.Pair, err)
	}
	if err := e.gw.SubscribeCandles(ctx, e.cfg.Pair, e.cfg.Interval); err != nil {
		return fmt.Errorf("subscribe for %s: %w", e.cfg.Pair, err)
	}
	defer e.gw.UnsubscribeCandles(e.cfg.Pair)

	e.logger.Info("[ENGINE] Started",
		"pair", e.cfg.Pair,
		"mode", e.cfg.Mode,
		"interval", e.cfg.Interval,
		"window", e.buffer.Len(),
	)

	drainNotify := e.drainCh
	for {
		select {
		case c := <-e.candleCh:
			e.onCandle(ctx, c)
		case ev := <-e.posCh:
			e.onPositionUpdate(ctx, ev)
		case <-drainNotify:
			drainNotify = nil
		case <-e.stopCh:
			e.logger.Info("[ENGINE] Stopped", "pair", e.cfg.Pair, "state", e.state)
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}

		if e.draining.Load() && e.position == nil {
			e.logger.Info("[ENGINE] Drained, exiting", "pair", e.cfg.Pair)
			return nil
		}
	}
}

// recover reloads an open position persisted by a previous run.
func (e *PairEngine) recover(ctx context.Context) error {
	pos, err := e.store.OpenTradeForPair(ctx, e.cfg.Pair, e.cfg.Mode)
	if err != nil {
		return err
	}
	if pos != nil {
		e.position = pos
		e.state = StateOpen
		e.logger.Info("[ENGINE] Recovered open position",
			"pair", e.cfg.Pair,
			"id", pos.ID,
			"side", pos.Side,
			"entry", pos.EntryPrice,
		)
	}
	return nil
}

// seed bulk-loads the candle window so the first live evaluation has full
// lookback.
func (e *PairEngine) seed(ctx context.Context) error {
	size := e.cfg.BufferSize
	if size <= 0 {
		size = market.DefaultBufferSize
	}
	candles, err := e.gw.GetHistoricalCandles(ctx, e.cfg.Pair, e.cfg.Interval, size)
	if err != nil {
		return err
	}
	e.buffer.Seed(candles)
	return nil
}

func (e *PairEngine) onCandle(ctx context.Context, c types.Candle) {
	if c.Pair != e.cfg.Pair {
		return
	}
	closed := e.buffer.Apply(c)
	if !closed {
		return
	}
	window := e.buffer.Window()

	switch e.state {
	case StateOpen:
		e.manageOpen(ctx, c, window)
	case StateIdle:
		if !e.draining.Load() {
			e.tryEnter(ctx, window)
		}
	}
}

// tryEnter runs idle → pending_entry → open when the signal clears every
// gate, or falls back to idle on execution failure.
func (e *PairEngine) tryEnter(ctx context.Context, window []types.Candle) {
	sig := e.registry.Evaluate(window)
	if !sig.Actionable() || sig.Confidence < e.cfg.ConfidenceThreshold {
		return
	}

	openCount, err := e.store.CountOpenTrades(ctx, e.cfg.Mode)
	if err != nil {
		e.logger.Error("[ENGINE] Failed to count open trades", "pair", e.cfg.Pair, "error", err)
		return
	}
	if openCount >= e.cfg.MaxOpenTrades {
		e.logger.Debug("[ENGINE] Max open trades reached, skipping entry",
			"pair", e.cfg.Pair,
			"open", openCount,
		)
		return
	}

	qty, err := e.resolveQuantity(ctx, sig.ReferencePrice)
	if err != nil || qty <= 0 {
		e.logger.Error("[ENGINE] Could not resolve trade size",
			"pair", e.cfg.Pair,
			"error", err,
		)
		return
	}

	e.state = StatePendingEntry
	_, variant := e.registry.Active()
	note := strategy.Note(sig, variant)

	var pos *types.Position
	if e.cfg.Mode == types.ModeReal {
		pos, err = e.real.Open(ctx, sig, qty, e.cfg.Leverage, note)
	} else {
		pos, err = e.paper.Open(ctx, sig, qty, e.cfg.Leverage, note)
	}
	if err != nil {
		e.state = StateIdle
		e.logger.Error("[ENGINE] Entry aborted",
			"pair", e.cfg.Pair,
			"error", err,
		)
		return
	}

	pos.TrailingStop = initialTrailing(pos, sig.TrailingDist)
	e.position = pos
	e.state = StateOpen
}

// resolveQuantity converts a configured INR amount to contract quantity at
// the current price, falling back to the fixed quantity.
func (e *PairEngine) resolveQuantity(ctx context.Context, price float64) (float64, error) {
	if e.cfg.INRAmount <= 0 {
		if e.cfg.Quantity <= 0 {
			return 0, fmt.Errorf("no trade size configured for %s: quantity and inr_amount both unset", e.cfg.Pair)
		}
		return e.cfg.Quantity, nil
	}
	if price <= 0 {
		var err error
		price, err = e.gw.GetPrice(ctx, e.cfg.Pair)
		if err != nil {
			return 0, err
		}
	}
	rate := e.cfg.INRPerUSDT
	if rate <= 0 {
		rate = 84
	}
	margin := e.cfg.INRAmount / rate
	return margin * float64(e.cfg.Leverage) / price, nil
}

// manageOpen is the open → open self-loop: exit detection on the candle's
// extremes, then trailing tighten on the close.
func (e *PairEngine) manageOpen(ctx context.Context, c types.Candle, window []types.Candle) {
	pos := e.position
	if pos == nil {
		e.state = StateIdle
		return
	}

	if e.cfg.Mode == types.ModePaper {
		if exitPrice, reason, hit := detectExit(pos, c); hit {
			if err := e.paper.Close(ctx, pos, exitPrice, reason); err != nil {
				e.logger.Error("[ENGINE] Paper close failed", "pair", e.cfg.Pair, "error", err)
				return
			}
			e.position = nil
			e.state = StateIdle
			return
		}
	} else if localTrailing(e.registry) {
		// exchange enforces TP/SL; only the trailing stop is local
		if hitTrailing(pos, c) {
			if err := e.real.CloseLocal(ctx, pos, types.CloseTrailingStop); err != nil {
				e.logger.Error("[ENGINE] Local trailing close failed", "pair", e.cfg.Pair, "error", err)
				return
			}
			e.position = nil
			e.state = StateIdle
			return
		}
	}

	if tightened := tightenTrailing(pos, c, e.trailingDistance(window)); tightened {
		if err := e.store.UpdateTrade(ctx, pos); err != nil {
			e.logger.Error("[ENGINE] Failed to persist trailing update",
				"pair", e.cfg.Pair,
				"error", err,
			)
		} else {
			e.logger.Debug("[ENGINE] Trailing stop tightened",
				"pair", e.cfg.Pair,
				"trailing", pos.TrailingStop,
			)
		}
	}
}

// trailingDistance asks the active variant for its current trailing
// distance. Variants without one report zero and trailing stays where it is.
func (e *PairEngine) trailingDistance(window []types.Candle) float64 {
	active, _ := e.registry.Active()
	if tp, ok := active.(interface {
		TrailingDistance(window []types.Candle) float64
	}); ok {
		return tp.TrailingDistance(window)
	}
	return 0
}

func (e *PairEngine) onPositionUpdate(ctx context.Context, ev types.PositionUpdateEvent) {
	if e.cfg.Mode != types.ModeReal || e.position == nil {
		return
	}
	if ev.Pair != e.cfg.Pair {
		return
	}
	if err := e.real.CloseFromEvent(ctx, e.position, ev); err != nil {
		e.logger.Error("[ENGINE] Failed to record exchange close",
			"pair", e.cfg.Pair,
			"error", err,
		)
		return
	}
	e.position = nil
	e.state = StateIdle
}

// detectExit checks the candle's range against SL, trailing, then TP. The
// stop side wins when both are inside the range (conservative bias).
func detectExit(pos *types.Position, c types.Candle) (exitPrice float64, reason types.CloseReason, hit bool) {
	long := pos.Side == types.SideBuy
	if long {
		if pos.SLPrice > 0 && c.Low <= pos.SLPrice {
			return pos.SLPrice, types.CloseStopLoss, true
		}
		if pos.TrailingStop > 0 && c.Low <= pos.TrailingStop {
			return pos.TrailingStop, types.CloseTrailingStop, true
		}
		if pos.TPPrice > 0 && c.High >= pos.TPPrice {
			return pos.TPPrice, types.CloseTakeProfit, true
		}
		return 0, "", false
	}
	if pos.SLPrice > 0 && c.High >= pos.SLPrice {
		return pos.SLPrice, types.CloseStopLoss, true
	}
	if pos.TrailingStop > 0 && c.High >= pos.TrailingStop {
		return pos.TrailingStop, types.CloseTrailingStop, true
	}
	if pos.TPPrice > 0 && c.Low <= pos.TPPrice {
		return pos.TPPrice, types.CloseTakeProfit, true
	}
	return 0, "", false
}

// hitTrailing checks only the trailing level, for real mode where the
// exchange owns TP/SL.
func hitTrailing(pos *types.Position, c types.Candle) bool {
	if pos.TrailingStop <= 0 {
		return false
	}
	if pos.Side == types.SideBuy {
		return c.Low <= pos.TrailingStop
	}
	return c.High >= pos.TrailingStop
}

// initialTrailing arms the trailing stop one distance behind entry. Zero
// distance leaves it unarmed.
func initialTrailing(pos *types.Position, dist float64) float64 {
	if dist <= 0 {
		return 0
	}
	if pos.Side == types.SideBuy {
		return pos.EntryPrice - dist
	}
	return pos.EntryPrice + dist
}

// tightenTrailing moves the stop behind a favorable close. Monotonic: it
// never loosens.
func tightenTrailing(pos *types.Position, c types.Candle, dist float64) bool {
	if pos.TrailingStop <= 0 || dist <= 0 {
		return false
	}
	if pos.Side == types.SideBuy {
		candidate := c.Close - dist
		if candidate > pos.TrailingStop {
			pos.TrailingStop = candidate
			return true
		}
		return false
	}
	candidate := c.Close + dist
	if candidate < pos.TrailingStop {
		pos.TrailingStop = candidate
		return true
	}
	return false
}

// localTrailing reports whether the active variant wants trailing enforced
// locally in real mode rather than by the exchange.
func localTrailing(r *strategy.Registry) bool {
	active, _ := r.Active()
	return active.Describe().LocalTrailing
}
