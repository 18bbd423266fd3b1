package store

import (
	"context"

	"pairtrader/internal/types"
)

// Store persists trades, the paper wallet, pair desired-state, and
// operational records. Implementations must be safe for concurrent use:
// every pair engine, the orchestrator, and the HTTP boundary share one Store.
type Store interface {
	// InitSchema creates tables when missing. Idempotent.
	InitSchema(ctx context.Context) error

	// SaveTrade inserts a newly opened position.
	SaveTrade(ctx context.Context, p *types.Position) error

	// UpdateTrade rewrites a position's mutable fields after a state
	// transition (trailing tighten, close).
	UpdateTrade(ctx context.Context, p *types.Position) error

	// OpenTrades returns all open positions for a mode, any pair.
	OpenTrades(ctx context.Context, mode types.Mode) ([]types.Position, error)

	// OpenTradeForPair returns the open position for one pair, or nil.
	OpenTradeForPair(ctx context.Context, pair string, mode types.Mode) (*types.Position, error)

	// ClosedTrades returns recent closed positions, newest first.
	ClosedTrades(ctx context.Context, mode types.Mode, limit int) ([]types.Position, error)

	// TradeStats aggregates closed-trade performance for a mode.
	TradeStats(ctx context.Context, mode types.Mode) (types.TradeStats, error)

	// CountOpenTrades returns the number of open positions for a mode.
	CountOpenTrades(ctx context.Context, mode types.Mode) (int, error)

	// PaperBalance returns the simulated wallet balance.
	PaperBalance(ctx context.Context) (float64, error)

	// AdjustPaperBalance atomically adds delta (negative for debits) and
	// returns the new balance.
	AdjustPaperBalance(ctx context.Context, delta float64) (float64, error)

	// ResetPaper wipes paper trades and restores the wallet to the
	// starting balance.
	ResetPaper(ctx context.Context, startingBalance float64) error

	// PairConfigs returns the desired state of every configured pair.
	PairConfigs(ctx context.Context) ([]types.PairConfig, error)

	// UpsertPairConfig inserts or updates a pair's desired state.
	UpsertPairConfig(ctx context.Context, cfg types.PairConfig) error

	// SetPairEnabled flips a pair's enabled flag. auto marks scheduler
	// toggles as opposed to operator toggles.
	SetPairEnabled(ctx context.Context, pair string, enabled, auto bool) error

	// ActiveStrategy returns the persisted active strategy name, empty if
	// never set.
	ActiveStrategy(ctx context.Context) (string, error)

	// SetActiveStrategy persists the active strategy name.
	SetActiveStrategy(ctx context.Context, name string) error

	// SaveEquitySnapshot records wallet balance plus unrealized PnL.
	SaveEquitySnapshot(ctx context.Context, mode types.Mode, balance, openPnL float64) error

	// LogEvent appends an operational log row.
	LogEvent(ctx context.Context, level, component, message string) error

	// RecentLogs returns the newest operational log rows, newest first.
	RecentLogs(ctx context.Context, limit int) ([]types.LogEntry, error)

	// Close releases the underlying connections.
	Close()
}
