package engine

import (
	"context"
	"log/slog"
	"sync"

	"pairtrader/internal/store"
)

// PaperWallet is the process-wide simulated balance. All pair engines share
// one instance; the mutex serializes concurrent closes so credits are never
// lost. Balance lives in the store so it survives restarts.
type PaperWallet struct {
	mu     sync.Mutex
	store  store.Store
	logger *slog.Logger
}

func NewPaperWallet(st store.Store, logger *slog.Logger) *PaperWallet {
	return &PaperWallet{store: st, logger: logger}
}

// Balance returns the current simulated balance.
func (w *PaperWallet) Balance(ctx context.Context) (float64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.store.PaperBalance(ctx)
}

// Apply adds delta (negative for debits) and returns the new balance.
func (w *PaperWallet) Apply(ctx context.Context, delta float64) (float64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	balance, err := w.store.AdjustPaperBalance(ctx, delta)
	if err != nil {
		return 0, err
	}
	w.logger.Debug("[WALLET] Balance adjusted", "delta", delta, "balance", balance)
	return balance, nil
}

// Reset wipes paper trades and restores the starting balance.
func (w *PaperWallet) Reset(ctx context.Context, startingBalance float64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.store.ResetPaper(ctx, startingBalance); err != nil {
		return err
	}
	w.logger.Info("[WALLET] Paper wallet reset", "balance", startingBalance)
	return nil
}
