package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"pairtrader/internal/gateway"
	"pairtrader/internal/store"
	"pairtrader/internal/types"
)

// ErrExecutionFailure marks an order or TP/SL placement rejection. The entry
// attempt is aborted with no position recorded; the next closed candle may
// retry if the signal still holds.
var ErrExecutionFailure = errors.New("execution failure")

// RealExecutor places live orders through the gateway. Calls are at-most-once
// with no retry inside a transition: a rejected entry never retries, and a
// fill that cannot be protected with TP/SL is flattened immediately.
type RealExecutor struct {
	gw     gateway.Executor
	store  store.Store
	logger *slog.Logger
}

func NewRealExecutor(gw gateway.Executor, st store.Store, logger *slog.Logger) *RealExecutor {
	return &RealExecutor{gw: gw, store: st, logger: logger}
}

// Open places a market entry plus exchange-side TP/SL and persists the open
// position.
func (r *RealExecutor) Open(ctx context.Context, sig types.Signal, qty float64, leverage int, note string) (*types.Position, error) {
	side := types.SideForDirection(sig.Direction)
	orderID, fillPrice, err := r.gw.PlaceOrder(ctx, types.OrderRequest{
		Pair:     sig.Pair,
		Side:     side,
		Quantity: qty,
		Leverage: leverage,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: entry order for %s: %v", ErrExecutionFailure, sig.Pair, err)
	}

	if err := r.gw.PlaceTPSL(ctx, sig.Pair, side, sig.TakeProfit, sig.StopLoss); err != nil {
		// A naked fill is worse than a missed entry: flatten it.
		r.logger.Error("[REAL] TP/SL placement failed, flattening entry",
			"pair", sig.Pair,
			"order_id", orderID,
			"error", err,
		)
		if _, closeErr := r.gw.ClosePosition(ctx, sig.Pair, side, qty); closeErr != nil {
			r.logger.Error("[REAL] Failed to flatten unprotected position",
				"pair", sig.Pair,
				"error", closeErr,
			)
		}
		return nil, fmt.Errorf("%w: tp/sl placement for %s: %v", ErrExecutionFailure, sig.Pair, err)
	}

	pos := &types.Position{
		ID:           uuid.NewString(),
		Pair:         sig.Pair,
		Side:         side,
		EntryPrice:   fillPrice,
		Quantity:     qty,
		Leverage:     leverage,
		TPPrice:      sig.TakeProfit,
		SLPrice:      sig.StopLoss,
		Status:       types.StatusOpen,
		Mode:         types.ModeReal,
		OrderID:      orderID,
		Confidence:   sig.Confidence,
		StrategyNote: note,
		OpenedAt:     time.Now().UTC(),
	}
	if err := r.store.SaveTrade(ctx, pos); err != nil {
		return nil, fmt.Errorf("failed to persist real entry: %w", err)
	}

	r.logger.Info("[REAL] Position opened",
		"pair", pos.Pair,
		"side", pos.Side,
		"order_id", orderID,
		"entry", pos.EntryPrice,
		"qty", pos.Quantity,
		"leverage", pos.Leverage,
		"tp", pos.TPPrice,
		"sl", pos.SLPrice,
	)
	return pos, nil
}

// CloseFromEvent records an exchange-driven closure (TP/SL fill or
// liquidation reported on the user-data stream).
func (r *RealExecutor) CloseFromEvent(ctx context.Context, pos *types.Position, ev types.PositionUpdateEvent) error {
	pos.ExitPrice = ev.ExitPrice
	pos.PnL = ev.RealizedPnL
	if pos.PnL == 0 && ev.ExitPrice > 0 {
		lev := float64(pos.Leverage)
		if lev <= 0 {
			lev = 1
		}
		pos.PnL = (ev.ExitPrice - pos.EntryPrice) * pos.Quantity * lev * pos.DirectionSign()
	}
	pos.Status = types.StatusClosed
	pos.CloseReason = types.CloseExchange
	pos.ClosedAt = ev.At
	if pos.ClosedAt.IsZero() {
		pos.ClosedAt = time.Now().UTC()
	}

	if err := r.store.UpdateTrade(ctx, pos); err != nil {
		return fmt.Errorf("failed to persist real close: %w", err)
	}
	if err := r.gw.CancelExitOrders(ctx, pos.Pair); err != nil {
		r.logger.Warn("[REAL] Failed to cancel leftover exit orders",
			"pair", pos.Pair,
			"error", err,
		)
	}

	r.logger.Info("[REAL] Position closed by exchange",
		"pair", pos.Pair,
		"exit", pos.ExitPrice,
		"pnl", pos.PnL,
	)
	return nil
}

// CloseLocal flattens a position from the local side (trailing enforcement
// or manual close) with a reduce-only market order.
func (r *RealExecutor) CloseLocal(ctx context.Context, pos *types.Position, reason types.CloseReason) error {
	exitPrice, err := r.gw.ClosePosition(ctx, pos.Pair, pos.Side, pos.Quantity)
	if err != nil {
		return fmt.Errorf("%w: close for %s: %v", ErrExecutionFailure, pos.Pair, err)
	}
	if err := r.gw.CancelExitOrders(ctx, pos.Pair); err != nil {
		r.logger.Warn("[REAL] Failed to cancel exit orders after local close",
			"pair", pos.Pair,
			"error", err,
		)
	}

	lev := float64(pos.Leverage)
	if lev <= 0 {
		lev = 1
	}
	pos.ExitPrice = exitPrice
	pos.PnL = (exitPrice - pos.EntryPrice) * pos.Quantity * lev * pos.DirectionSign()
	pos.Status = types.StatusClosed
	pos.CloseReason = reason
	pos.ClosedAt = time.Now().UTC()

	if err := r.store.UpdateTrade(ctx, pos); err != nil {
		return fmt.Errorf("failed to persist local close: %w", err)
	}

	r.logger.Info("[REAL] Position closed locally",
		"pair", pos.Pair,
		"reason", reason,
		"exit", exitPrice,
		"pnl", pos.PnL,
	)
	return nil
}
