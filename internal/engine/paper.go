package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"pairtrader/internal/store"
	"pairtrader/internal/types"
)

// PaperSimulator fills entries at the signal's reference close and exits at
// the exact TP/SL/trailing level, no slippage. Fees for both legs settle on
// close; the wallet is untouched at entry. Deterministic given the candle
// stream.
type PaperSimulator struct {
	store   store.Store
	wallet  *PaperWallet
	logger  *slog.Logger
	feeRate float64
}

func NewPaperSimulator(st store.Store, wallet *PaperWallet, feeRate float64, logger *slog.Logger) *PaperSimulator {
	return &PaperSimulator{
		store:   st,
		wallet:  wallet,
		logger:  logger,
		feeRate: feeRate,
	}
}

// Open fills at sig.ReferencePrice and persists the open position.
func (s *PaperSimulator) Open(ctx context.Context, sig types.Signal, qty float64, leverage int, note string) (*types.Position, error) {
	pos := &types.Position{
		ID:           uuid.NewString(),
		Pair:         sig.Pair,
		Side:         types.SideForDirection(sig.Direction),
		EntryPrice:   sig.ReferencePrice,
		Quantity:     qty,
		Leverage:     leverage,
		TPPrice:      sig.TakeProfit,
		SLPrice:      sig.StopLoss,
		Status:       types.StatusOpen,
		Mode:         types.ModePaper,
		Confidence:   sig.Confidence,
		StrategyNote: note,
		OpenedAt:     time.Now().UTC(),
	}
	if err := s.store.SaveTrade(ctx, pos); err != nil {
		return nil, fmt.Errorf("failed to persist paper entry: %w", err)
	}

	s.logger.Info("[PAPER] Position opened",
		"pair", pos.Pair,
		"side", pos.Side,
		"entry", pos.EntryPrice,
		"qty", pos.Quantity,
		"leverage", pos.Leverage,
		"tp", pos.TPPrice,
		"sl", pos.SLPrice,
		"confidence", pos.Confidence,
	)
	return pos, nil
}

// Close fills at exitPrice exactly, settles both legs' fees, credits the
// wallet with the net pnl, and persists the closed position.
func (s *PaperSimulator) Close(ctx context.Context, pos *types.Position, exitPrice float64, reason types.CloseReason) error {
	lev := float64(pos.Leverage)
	if lev <= 0 {
		lev = 1
	}
	gross := (exitPrice - pos.EntryPrice) * pos.Quantity * lev * pos.DirectionSign()
	// taker fees are charged per leg on notional; quantity already reflects
	// any leverage applied at sizing time
	fees := (pos.EntryPrice + exitPrice) * pos.Quantity * s.feeRate

	pos.ExitPrice = exitPrice
	pos.FeePaid = fees
	pos.PnL = gross - fees
	pos.Status = types.StatusClosed
	pos.CloseReason = reason
	pos.ClosedAt = time.Now().UTC()

	if err := s.store.UpdateTrade(ctx, pos); err != nil {
		return fmt.Errorf("failed to persist paper close: %w", err)
	}
	balance, err := s.wallet.Apply(ctx, pos.PnL)
	if err != nil {
		return fmt.Errorf("failed to settle paper wallet: %w", err)
	}

	s.logger.Info("[PAPER] Position closed",
		"pair", pos.Pair,
		"reason", reason,
		"exit", exitPrice,
		"pnl", pos.PnL,
		"fees", fees,
		"balance", balance,
	)
	return nil
}
