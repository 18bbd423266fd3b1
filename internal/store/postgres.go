package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"pairtrader/internal/types"
)

// Postgres implements Store on a pgx connection pool.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgres connects using POSTGRES_* environment variables.
func NewPostgres(ctx context.Context, logger *slog.Logger) (*Postgres, error) {
	connStr := buildConnectionString()
	logger.Info("[POSTGRES] Connecting to database", "host", os.Getenv("POSTGRES_HOST"))

	poolConfig, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	poolConfig.MaxConns = 10
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("[POSTGRES] Connected to database")
	return &Postgres{pool: pool, logger: logger}, nil
}

func buildConnectionString() string {
	host := getEnvOrDefault("POSTGRES_HOST", "localhost")
	port := getEnvOrDefault("POSTGRES_PORT", "5432")
	user := getEnvOrDefault("POSTGRES_USER", "trader")
	dbname := getEnvOrDefault("POSTGRES_DB", "pairtrader")

	// Docker secret takes precedence over the environment
	password := ""
	if data, err := os.ReadFile("/run/secrets/postgres_password"); err == nil {
		password = strings.TrimSpace(string(data))
	} else {
		password = os.Getenv("POSTGRES_PASSWORD")
	}

	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		host, port, user, password, dbname,
	)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS trades (
	id TEXT PRIMARY KEY,
	pair TEXT NOT NULL,
	side TEXT NOT NULL,
	entry_price DOUBLE PRECISION NOT NULL,
	exit_price DOUBLE PRECISION NOT NULL DEFAULT 0,
	quantity DOUBLE PRECISION NOT NULL,
	leverage INTEGER NOT NULL DEFAULT 1,
	tp_price DOUBLE PRECISION NOT NULL DEFAULT 0,
	sl_price DOUBLE PRECISION NOT NULL DEFAULT 0,
	trailing_stop DOUBLE PRECISION NOT NULL DEFAULT 0,
	fee_paid DOUBLE PRECISION NOT NULL DEFAULT 0,
	pnl DOUBLE PRECISION NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	mode TEXT NOT NULL,
	order_id TEXT NOT NULL DEFAULT '',
	confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
	close_reason TEXT NOT NULL DEFAULT '',
	strategy_note TEXT NOT NULL DEFAULT '',
	opened_at TIMESTAMPTZ NOT NULL,
	closed_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_trades_pair_status ON trades (pair, status);
CREATE INDEX IF NOT EXISTS idx_trades_mode_status ON trades (mode, status);

CREATE TABLE IF NOT EXISTS paper_wallet (
	id INTEGER PRIMARY KEY DEFAULT 1 CHECK (id = 1),
	balance DOUBLE PRECISION NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS pair_config (
	pair TEXT PRIMARY KEY,
	enabled BOOLEAN NOT NULL DEFAULT false,
	auto_enabled BOOLEAN NOT NULL DEFAULT false,
	leverage INTEGER NOT NULL DEFAULT 1,
	quantity DOUBLE PRECISION NOT NULL DEFAULT 0,
	inr_amount DOUBLE PRECISION NOT NULL DEFAULT 0,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS bot_settings (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS equity_snapshots (
	id BIGSERIAL PRIMARY KEY,
	mode TEXT NOT NULL,
	balance DOUBLE PRECISION NOT NULL,
	open_pnl DOUBLE PRECISION NOT NULL,
	taken_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS bot_log (
	id BIGSERIAL PRIMARY KEY,
	level TEXT NOT NULL,
	component TEXT NOT NULL,
	message TEXT NOT NULL,
	logged_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// InitSchema creates tables when missing and seeds the paper wallet row.
func (p *Postgres) InitSchema(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, schemaDDL); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	_, err := p.pool.Exec(ctx, `
		INSERT INTO paper_wallet (id, balance) VALUES (1, 10000)
		ON CONFLICT (id) DO NOTHING
	`)
	if err != nil {
		return fmt.Errorf("failed to seed paper wallet: %w", err)
	}
	p.logger.Info("[POSTGRES] Schema ready")
	return nil
}

const tradeColumns = `id, pair, side, entry_price, exit_price, quantity, leverage,
	tp_price, sl_price, trailing_stop, fee_paid, pnl, status, mode, order_id,
	confidence, close_reason, strategy_note, opened_at, closed_at`

func (p *Postgres) SaveTrade(ctx context.Context, t *types.Position) error {
	query := `
		INSERT INTO trades (` + tradeColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)
	`
	var closedAt *time.Time
	if !t.ClosedAt.IsZero() {
		closedAt = &t.ClosedAt
	}
	_, err := p.pool.Exec(ctx, query,
		t.ID, t.Pair, t.Side, t.EntryPrice, t.ExitPrice, t.Quantity, t.Leverage,
		t.TPPrice, t.SLPrice, t.TrailingStop, t.FeePaid, t.PnL, t.Status, t.Mode,
		t.OrderID, t.Confidence, string(t.CloseReason), t.StrategyNote, t.OpenedAt, closedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert trade %s: %w", t.ID, err)
	}
	return nil
}

func (p *Postgres) UpdateTrade(ctx context.Context, t *types.Position) error {
	query := `
		UPDATE trades SET
			exit_price = $2, tp_price = $3, sl_price = $4, trailing_stop = $5,
			fee_paid = $6, pnl = $7, status = $8, close_reason = $9, closed_at = $10
		WHERE id = $1
	`
	var closedAt *time.Time
	if !t.ClosedAt.IsZero() {
		closedAt = &t.ClosedAt
	}
	tag, err := p.pool.Exec(ctx, query,
		t.ID, t.ExitPrice, t.TPPrice, t.SLPrice, t.TrailingStop,
		t.FeePaid, t.PnL, t.Status, string(t.CloseReason), closedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update trade %s: %w", t.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("trade %s not found", t.ID)
	}
	return nil
}

func (p *Postgres) OpenTrades(ctx context.Context, mode types.Mode) ([]types.Position, error) {
	query := `SELECT ` + tradeColumns + ` FROM trades WHERE mode = $1 AND status = 'open'`
	rows, err := p.pool.Query(ctx, query, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to query open trades: %w", err)
	}
	defer rows.Close()
	return scanTrades(rows)
}

func (p *Postgres) OpenTradeForPair(ctx context.Context, pair string, mode types.Mode) (*types.Position, error) {
	query := `
		SELECT ` + tradeColumns + ` FROM trades
		WHERE pair = $1 AND mode = $2 AND status = 'open'
		ORDER BY opened_at DESC
		LIMIT 1
	`
	rows, err := p.pool.Query(ctx, query, pair, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to query open trade for %s: %w", pair, err)
	}
	defer rows.Close()

	trades, err := scanTrades(rows)
	if err != nil {
		return nil, err
	}
	if len(trades) == 0 {
		return nil, nil
	}
	return &trades[0], nil
}

func (p *Postgres) ClosedTrades(ctx context.Context, mode types.Mode, limit int) ([]types.Position, error) {
	query := `
		SELECT ` + tradeColumns + ` FROM trades
		WHERE mode = $1 AND status = 'closed'
		ORDER BY closed_at DESC
		LIMIT $2
	`
	rows, err := p.pool.Query(ctx, query, mode, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query closed trades: %w", err)
	}
	defer rows.Close()
	return scanTrades(rows)
}

func (p *Postgres) TradeStats(ctx context.Context, mode types.Mode) (types.TradeStats, error) {
	query := `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE pnl > 0),
			COUNT(*) FILTER (WHERE pnl <= 0),
			COALESCE(SUM(pnl), 0)
		FROM trades
		WHERE mode = $1 AND status = 'closed'
	`
	var stats types.TradeStats
	err := p.pool.QueryRow(ctx, query, mode).Scan(
		&stats.Total, &stats.Wins, &stats.Losses, &stats.TotalPnL,
	)
	if err != nil {
		return stats, fmt.Errorf("failed to compute trade stats: %w", err)
	}
	if stats.Total > 0 {
		stats.WinRate = float64(stats.Wins) / float64(stats.Total) * 100
		stats.AvgPnL = stats.TotalPnL / float64(stats.Total)
	}
	return stats, nil
}

func (p *Postgres) CountOpenTrades(ctx context.Context, mode types.Mode) (int, error) {
	var n int
	err := p.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM trades WHERE mode = $1 AND status = 'open'`, mode,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count open trades: %w", err)
	}
	return n, nil
}

func (p *Postgres) PaperBalance(ctx context.Context) (float64, error) {
	var balance float64
	err := p.pool.QueryRow(ctx, `SELECT balance FROM paper_wallet WHERE id = 1`).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("failed to read paper balance: %w", err)
	}
	return balance, nil
}

func (p *Postgres) AdjustPaperBalance(ctx context.Context, delta float64) (float64, error) {
	var balance float64
	err := p.pool.QueryRow(ctx, `
		UPDATE paper_wallet SET balance = balance + $1, updated_at = now()
		WHERE id = 1
		RETURNING balance
	`, delta).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("failed to adjust paper balance: %w", err)
	}
	return balance, nil
}

func (p *Postgres) ResetPaper(ctx context.Context, startingBalance float64) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin paper reset: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM trades WHERE mode = $1`, types.ModePaper); err != nil {
		return fmt.Errorf("failed to delete paper trades: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE paper_wallet SET balance = $1, updated_at = now() WHERE id = 1
	`, startingBalance); err != nil {
		return fmt.Errorf("failed to reset paper wallet: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM equity_snapshots WHERE mode = $1`, types.ModePaper); err != nil {
		return fmt.Errorf("failed to delete paper equity snapshots: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit paper reset: %w", err)
	}
	p.logger.Info("[POSTGRES] Paper state reset", "balance", startingBalance)
	return nil
}

func (p *Postgres) PairConfigs(ctx context.Context) ([]types.PairConfig, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT pair, enabled, auto_enabled, leverage, quantity, inr_amount, updated_at
		FROM pair_config
		ORDER BY pair
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query pair configs: %w", err)
	}
	defer rows.Close()

	var configs []types.PairConfig
	for rows.Next() {
		var cfg types.PairConfig
		if err := rows.Scan(&cfg.Pair, &cfg.Enabled, &cfg.AutoEnabled,
			&cfg.Leverage, &cfg.Quantity, &cfg.INRAmount, &cfg.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan pair config: %w", err)
		}
		configs = append(configs, cfg)
	}
	return configs, rows.Err()
}

func (p *Postgres) UpsertPairConfig(ctx context.Context, cfg types.PairConfig) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO pair_config (pair, enabled, auto_enabled, leverage, quantity, inr_amount, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (pair) DO UPDATE SET
			enabled = EXCLUDED.enabled,
			auto_enabled = EXCLUDED.auto_enabled,
			leverage = EXCLUDED.leverage,
			quantity = EXCLUDED.quantity,
			inr_amount = EXCLUDED.inr_amount,
			updated_at = now()
	`, cfg.Pair, cfg.Enabled, cfg.AutoEnabled, cfg.Leverage, cfg.Quantity, cfg.INRAmount)
	if err != nil {
		return fmt.Errorf("failed to upsert pair config %s: %w", cfg.Pair, err)
	}
	return nil
}

func (p *Postgres) SetPairEnabled(ctx context.Context, pair string, enabled, auto bool) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE pair_config SET enabled = $2, auto_enabled = $3, updated_at = now()
		WHERE pair = $1
	`, pair, enabled, auto)
	if err != nil {
		return fmt.Errorf("failed to set pair %s enabled=%t: %w", pair, enabled, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("pair %s not configured", pair)
	}
	return nil
}

func (p *Postgres) ActiveStrategy(ctx context.Context) (string, error) {
	var name string
	err := p.pool.QueryRow(ctx,
		`SELECT value FROM bot_settings WHERE key = 'active_strategy'`,
	).Scan(&name)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read active strategy: %w", err)
	}
	return name, nil
}

func (p *Postgres) SetActiveStrategy(ctx context.Context, name string) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO bot_settings (key, value, updated_at)
		VALUES ('active_strategy', $1, now())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()
	`, name)
	if err != nil {
		return fmt.Errorf("failed to persist active strategy: %w", err)
	}
	return nil
}

func (p *Postgres) SaveEquitySnapshot(ctx context.Context, mode types.Mode, balance, openPnL float64) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO equity_snapshots (mode, balance, open_pnl) VALUES ($1, $2, $3)
	`, mode, balance, openPnL)
	if err != nil {
		return fmt.Errorf("failed to save equity snapshot: %w", err)
	}
	return nil
}

func (p *Postgres) LogEvent(ctx context.Context, level, component, message string) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO bot_log (level, component, message) VALUES ($1, $2, $3)
	`, level, component, message)
	if err != nil {
		return fmt.Errorf("failed to append bot log: %w", err)
	}
	return nil
}

func (p *Postgres) RecentLogs(ctx context.Context, limit int) ([]types.LogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.pool.Query(ctx, `
		SELECT level, component, message, logged_at
		FROM bot_log
		ORDER BY logged_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query bot log: %w", err)
	}
	defer rows.Close()

	var entries []types.LogEntry
	for rows.Next() {
		var e types.LogEntry
		if err := rows.Scan(&e.Level, &e.Component, &e.Message, &e.LoggedAt); err != nil {
			return nil, fmt.Errorf("failed to scan log row: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (p *Postgres) Close() {
	if p.pool != nil {
		p.pool.Close()
		p.logger.Info("[POSTGRES] Connection closed")
	}
}

func scanTrades(rows pgx.Rows) ([]types.Position, error) {
	var trades []types.Position
	for rows.Next() {
		var t types.Position
		var reason string
		var closedAt *time.Time
		err := rows.Scan(
			&t.ID, &t.Pair, &t.Side, &t.EntryPrice, &t.ExitPrice, &t.Quantity,
			&t.Leverage, &t.TPPrice, &t.SLPrice, &t.TrailingStop, &t.FeePaid,
			&t.PnL, &t.Status, &t.Mode, &t.OrderID, &t.Confidence, &reason,
			&t.StrategyNote, &t.OpenedAt, &closedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trade row: %w", err)
		}
		t.CloseReason = types.CloseReason(reason)
		if closedAt != nil {
			t.ClosedAt = *closedAt
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}
