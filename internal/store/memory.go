package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"pairtrader/internal/types"
)

// Memory implements Store in process memory. Used by tests and when running
// without a database.
type Memory struct {
	mu           sync.RWMutex
	trades       map[string]types.Position
	paperBalance float64
	pairs        map[string]types.PairConfig
	settings     map[string]string
	logLines     []types.LogEntry
}

func NewMemory() *Memory {
	return &Memory{
		trades:       make(map[string]types.Position),
		paperBalance: 10000,
		pairs:        make(map[string]types.PairConfig),
		settings:     make(map[string]string),
	}
}

func (m *Memory) InitSchema(context.Context) error { return nil }

func (m *Memory) SaveTrade(_ context.Context, p *types.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.trades[p.ID]; exists {
		return fmt.Errorf("trade %s already exists", p.ID)
	}
	m.trades[p.ID] = *p
	return nil
}

func (m *Memory) UpdateTrade(_ context.Context, p *types.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.trades[p.ID]; !exists {
		return fmt.Errorf("trade %s not found", p.ID)
	}
	m.trades[p.ID] = *p
	return nil
}

func (m *Memory) OpenTrades(_ context.Context, mode types.Mode) ([]types.Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []types.Position
	for _, t := range m.trades {
		if t.Mode == mode && t.Status == types.StatusOpen {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out, nil
}

func (m *Memory) OpenTradeForPair(_ context.Context, pair string, mode types.Mode) (*types.Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var best *types.Position
	for _, t := range m.trades {
		if t.Pair != pair || t.Mode != mode || t.Status != types.StatusOpen {
			continue
		}
		t := t
		if best == nil || t.OpenedAt.After(best.OpenedAt) {
			best = &t
		}
	}
	return best, nil
}

func (m *Memory) ClosedTrades(_ context.Context, mode types.Mode, limit int) ([]types.Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []types.Position
	for _, t := range m.trades {
		if t.Mode == mode && t.Status == types.StatusClosed {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClosedAt.After(out[j].ClosedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) TradeStats(ctx context.Context, mode types.Mode) (types.TradeStats, error) {
	closed, _ := m.ClosedTrades(ctx, mode, 0)
	var stats types.TradeStats
	for _, t := range closed {
		stats.Total++
		stats.TotalPnL += t.PnL
		if t.PnL > 0 {
			stats.Wins++
		} else {
			stats.Losses++
		}
	}
	if stats.Total > 0 {
		stats.WinRate = float64(stats.Wins) / float64(stats.Total) * 100
		stats.AvgPnL = stats.TotalPnL / float64(stats.Total)
	}
	return stats, nil
}

func (m *Memory) CountOpenTrades(ctx context.Context, mode types.Mode) (int, error) {
	open, _ := m.OpenTrades(ctx, mode)
	return len(open), nil
}

func (m *Memory) PaperBalance(context.Context) (float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.paperBalance, nil
}

func (m *Memory) AdjustPaperBalance(_ context.Context, delta float64) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paperBalance += delta
	return m.paperBalance, nil
}

func (m *Memory) ResetPaper(_ context.Context, startingBalance float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, t := range m.trades {
		if t.Mode == types.ModePaper {
			delete(m.trades, id)
		}
	}
	m.paperBalance = startingBalance
	return nil
}

func (m *Memory) PairConfigs(context.Context) ([]types.PairConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.PairConfig, 0, len(m.pairs))
	for _, cfg := range m.pairs {
		out = append(out, cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Pair < out[j].Pair })
	return out, nil
}

func (m *Memory) UpsertPairConfig(_ context.Context, cfg types.PairConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg.UpdatedAt = time.Now()
	m.pairs[cfg.Pair] = cfg
	return nil
}

func (m *Memory) SetPairEnabled(_ context.Context, pair string, enabled, auto bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, ok := m.pairs[pair]
	if !ok {
		return fmt.Errorf("pair %s not configured", pair)
	}
	cfg.Enabled = enabled
	cfg.AutoEnabled = auto
	cfg.UpdatedAt = time.Now()
	m.pairs[pair] = cfg
	return nil
}

func (m *Memory) ActiveStrategy(context.Context) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.settings["active_strategy"], nil
}

func (m *Memory) SetActiveStrategy(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings["active_strategy"] = name
	return nil
}

func (m *Memory) SaveEquitySnapshot(_ context.Context, mode types.Mode, balance, openPnL float64) error {
	return nil
}

func (m *Memory) LogEvent(_ context.Context, level, component, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logLines = append(m.logLines, types.LogEntry{
		Level:     level,
		Component: component,
		Message:   message,
		LoggedAt:  time.Now(),
	})
	return nil
}

func (m *Memory) RecentLogs(_ context.Context, limit int) ([]types.LogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.LogEntry, 0, len(m.logLines))
	for i := len(m.logLines) - 1; i >= 0; i-- {
		out = append(out, m.logLines[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) Close() {}
