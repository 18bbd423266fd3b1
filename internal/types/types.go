package types

import (
	"time"
)

// Direction is the directional bias of a signal.
type Direction string

const (
	DirectionLong  Direction = "long"
	DirectionShort Direction = "short"
	DirectionNone  Direction = "none"
)

// Side represents the order side sent to the exchange.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// SideForDirection maps a signal direction to the entry order side.
func SideForDirection(d Direction) Side {
	if d == DirectionShort {
		return SideSell
	}
	return SideBuy
}

// Mode distinguishes simulated and live execution.
type Mode string

const (
	ModePaper Mode = "PAPER"
	ModeReal  Mode = "REAL"
)

// PositionStatus is the lifecycle status of a position.
type PositionStatus string

const (
	StatusOpen   PositionStatus = "open"
	StatusClosed PositionStatus = "closed"
)

// CloseReason records which exit level ended a position.
type CloseReason string

const (
	CloseTakeProfit   CloseReason = "take_profit"
	CloseStopLoss     CloseReason = "stop_loss"
	CloseTrailingStop CloseReason = "trailing_stop"
	CloseManual       CloseReason = "manual"
	CloseExchange     CloseReason = "exchange"
)

// Candle is a single OHLCV aggregate for a pair.
// Once IsClosed is true the candle is immutable.
type Candle struct {
	Pair     string    `json:"pair"`
	OpenTime time.Time `json:"open_time"`
	Open     float64   `json:"open"`
	High     float64   `json:"high"`
	Low      float64   `json:"low"`
	Close    float64   `json:"close"`
	Volume   float64   `json:"volume"`
	IsClosed bool      `json:"is_closed"`
}

// IndicatorSnapshot carries the indicator values a strategy saw when it
// produced a signal. Used for logging and strategy notes only.
type IndicatorSnapshot struct {
	EMAFast  float64 `json:"ema_fast"`
	EMASlow  float64 `json:"ema_slow"`
	RSI      float64 `json:"rsi"`
	MACD     float64 `json:"macd"`
	MACDHist float64 `json:"macd_hist"`
	ATR      float64 `json:"atr"`
	Volume   float64 `json:"volume"`
}

// Signal is the ephemeral output of one strategy evaluation. It is recomputed
// on every closed candle and never persisted directly.
type Signal struct {
	Pair           string            `json:"pair"`
	Direction      Direction         `json:"direction"`
	Confidence     float64           `json:"confidence"` // 0..100
	TakeProfit     float64           `json:"take_profit"`
	StopLoss       float64           `json:"stop_loss"`
	TrailingDist   float64           `json:"trailing_dist"` // 0 = no trailing stop
	ReferencePrice float64           `json:"reference_price"`
	Indicators     IndicatorSnapshot `json:"indicators"`
}

// Actionable reports whether the signal carries a tradable direction.
func (s Signal) Actionable() bool {
	return s.Direction == DirectionLong || s.Direction == DirectionShort
}

// Position is a single open or closed trade. It is created by the pair
// engine when a signal crosses the confidence threshold, mutated only by that
// engine's goroutine, and persisted on open and on every state transition.
// Mode is fixed at creation.
type Position struct {
	ID           string         `json:"id"`
	Pair         string         `json:"pair"`
	Side         Side           `json:"side"`
	EntryPrice   float64        `json:"entry_price"`
	ExitPrice    float64        `json:"exit_price"`
	Quantity     float64        `json:"quantity"`
	Leverage     int            `json:"leverage"`
	TPPrice      float64        `json:"tp_price"`
	SLPrice      float64        `json:"sl_price"`
	TrailingStop float64        `json:"trailing_stop"` // 0 = not armed
	FeePaid      float64        `json:"fee_paid"`
	PnL          float64        `json:"pnl"`
	Status       PositionStatus `json:"status"`
	CloseReason  CloseReason    `json:"close_reason,omitempty"`
	Mode         Mode           `json:"mode"`
	OrderID      string         `json:"order_id"`
	Confidence   float64        `json:"confidence"` // confidence at entry
	StrategyNote string         `json:"strategy_note"`
	OpenedAt     time.Time      `json:"opened_at"`
	ClosedAt     time.Time      `json:"closed_at"`
}

// DirectionSign is +1 for long positions and -1 for short positions.
func (p *Position) DirectionSign() float64 {
	if p.Side == SideSell {
		return -1
	}
	return 1
}

// PairConfig is the desired-state record for one trading pair. Enabled pairs
// get a running pair engine within one reconciliation interval. AutoEnabled
// marks rows toggled by the batch scheduler rather than an operator.
type PairConfig struct {
	Pair        string    `json:"pair"`
	Enabled     bool      `json:"enabled"`
	AutoEnabled bool      `json:"auto_enabled"`
	Leverage    int       `json:"leverage"`
	Quantity    float64   `json:"quantity"`
	INRAmount   float64   `json:"inr_amount"` // 0 = fixed Quantity sizing
	UpdatedAt   time.Time `json:"updated_at"`
}

// BatchState is the scheduler's progress snapshot. Written only by the batch
// scheduler, read by the HTTP boundary.
type BatchState struct {
	IsProcessing     bool      `json:"is_processing"`
	CurrentBatch     []string  `json:"current_batch"`
	SecondsUntilNext int       `json:"seconds_until_next"`
	LastError        string    `json:"last_error,omitempty"`
	LastCycleAt      time.Time `json:"last_cycle_at"`
}

// Readiness is the result of a side-effect-free probe of one pair: how close
// the pair is to producing an actionable signal, and in which direction.
type Readiness struct {
	Pair      string    `json:"pair"`
	Readiness float64   `json:"readiness"` // 0..100
	Bias      Direction `json:"bias"`
	EMAGapPct float64   `json:"ema_gap_pct"`
	RSI       float64   `json:"rsi"`
}

// CandleEvent is one element of a gateway candle stream.
type CandleEvent struct {
	Candle Candle
}

// PositionUpdateEvent reports an exchange-side position change (real mode).
type PositionUpdateEvent struct {
	Pair        string
	PositionID  string
	Status      string // "closed", "liquidated"
	ExitPrice   float64
	RealizedPnL float64
	At          time.Time
}

// PositionSnapshot is an exchange-side view of an open position.
type PositionSnapshot struct {
	ID         string
	Pair       string
	Side       Side
	EntryPrice float64
	Quantity   float64
	Leverage   int
}

// OrderRequest describes an entry order for the gateway.
type OrderRequest struct {
	Pair     string
	Side     Side
	Quantity float64
	Leverage int
}

// PairStatus is the orchestrator's view of one supervised pair.
type PairStatus string

const (
	PairStatusRunning  PairStatus = "running"
	PairStatusStopping PairStatus = "stopping"
	PairStatusDegraded PairStatus = "degraded"
)

// LogEntry is one operational log row.
type LogEntry struct {
	Level     string    `json:"level"`
	Component string    `json:"component"`
	Message   string    `json:"message"`
	LoggedAt  time.Time `json:"logged_at"`
}

// TradeStats aggregates closed-trade performance.
type TradeStats struct {
	Total    int     `json:"total"`
	Wins     int     `json:"wins"`
	Losses   int     `json:"losses"`
	WinRate  float64 `json:"win_rate"`
	TotalPnL float64 `json:"total_pnl"`
	AvgPnL   float64 `json:"avg_pnl"`
}
