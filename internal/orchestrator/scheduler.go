package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"pairtrader/internal/gateway"
	"pairtrader/internal/store"
	"pairtrader/internal/strategy"
	"pairtrader/internal/types"
)

// SchedulerConfig tunes the batch scheduler. Cycle length and batch size are
// fixed constants of the deployment, not derived at runtime.
type SchedulerConfig struct {
	CycleInterval       time.Duration
	BatchSize           int
	ConfidenceThreshold float64
	Interval            string
	BufferSize          int
	ProbesPerSecond     float64
	DefaultLeverage     int
	DefaultQuantity     float64
	DefaultINRAmount    float64
}

func (c *SchedulerConfig) applyDefaults() {
	if c.CycleInterval <= 0 {
		c.CycleInterval = 10 * time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 5
	}
	if c.ConfidenceThreshold <= 0 {
		c.ConfidenceThreshold = 75
	}
	if c.Interval == "" {
		c.Interval = "5m"
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 200
	}
	if c.ProbesPerSecond <= 0 {
		c.ProbesPerSecond = 2
	}
	if c.DefaultLeverage <= 0 {
		c.DefaultLeverage = 1
	}
}

// Scheduler re-probes pairs on a fixed cycle and toggles the desired-enabled
// set: auto-enabled pairs that decay below the threshold are disabled, and
// disabled pairs whose confidence clears it are enabled with defaults.
// Probes are pure: they never touch positions or the wallet.
type Scheduler struct {
	cfg      SchedulerConfig
	gw       gateway.MarketData
	store    store.Store
	registry *strategy.Registry
	limiter  *rate.Limiter
	logger   *slog.Logger

	mu     sync.RWMutex
	state  types.BatchState
	nextAt time.Time
	probes map[string]types.Readiness
}

func NewScheduler(cfg SchedulerConfig, gw gateway.MarketData, st store.Store, registry *strategy.Registry, logger *slog.Logger) *Scheduler {
	cfg.applyDefaults()
	return &Scheduler{
		cfg:      cfg,
		gw:       gw,
		store:    st,
		registry: registry,
		limiter:  rate.NewLimiter(rate.Limit(cfg.ProbesPerSecond), 1),
		logger:   logger,
		probes:   make(map[string]types.Readiness),
	}
}

// Run executes cycles until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.setNext(time.Now().Add(s.cfg.CycleInterval))

	ticker := time.NewTicker(s.cfg.CycleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runCycle(ctx)
			s.setNext(time.Now().Add(s.cfg.CycleInterval))
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// RunCycleNow executes one full cycle immediately. Used by tests and the
// operator boundary.
func (s *Scheduler) RunCycleNow(ctx context.Context) {
	s.runCycle(ctx)
}

func (s *Scheduler) runCycle(ctx context.Context) {
	s.mu.Lock()
	s.state.IsProcessing = true
	s.state.LastError = ""
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.state.IsProcessing = false
		s.state.CurrentBatch = nil
		s.state.LastCycleAt = time.Now()
		s.mu.Unlock()
	}()

	configs, err := s.store.PairConfigs(ctx)
	if err != nil {
		s.recordError(fmt.Sprintf("load pair configs: %v", err))
		return
	}

	s.phaseDisable(ctx, configs)
	s.phaseEnable(ctx, configs)
}

// phaseDisable re-probes every auto-enabled pair and disables those whose
// confidence fell below the threshold. Open positions are untouched: the
// draining engine manages them to closure.
func (s *Scheduler) phaseDisable(ctx context.Context, configs []types.PairConfig) {
	for _, cfg := range configs {
		if !cfg.AutoEnabled || !cfg.Enabled {
			continue
		}
		probe, err := s.probePair(ctx, cfg.Pair)
		if err != nil {
			s.recordError(fmt.Sprintf("probe %s: %v", cfg.Pair, err))
			continue
		}
		if probe.Readiness >= s.cfg.ConfidenceThreshold {
			continue
		}
		if err := s.store.SetPairEnabled(ctx, cfg.Pair, false, false); err != nil {
			s.recordError(fmt.Sprintf("disable %s: %v", cfg.Pair, err))
			continue
		}
		s.logger.Info("[BATCH] Pair auto-disabled",
			"pair", cfg.Pair,
			"confidence", probe.Readiness,
			"threshold", s.cfg.ConfidenceThreshold,
		)
	}
}

// phaseEnable probes disabled pairs in fixed-size batches, rate limited, and
// enables those whose confidence clears the threshold.
func (s *Scheduler) phaseEnable(ctx context.Context, configs []types.PairConfig) {
	var disabled []types.PairConfig
	for _, cfg := range configs {
		if !cfg.Enabled {
			disabled = append(disabled, cfg)
		}
	}

	for _, batch := range Batches(disabled, s.cfg.BatchSize) {
		pairs := make([]string, len(batch))
		for i, cfg := range batch {
			pairs[i] = cfg.Pair
		}
		s.mu.Lock()
		s.state.CurrentBatch = pairs
		s.mu.Unlock()

		for _, cfg := range batch {
			if err := s.limiter.Wait(ctx); err != nil {
				return
			}
			probe, err := s.probePair(ctx, cfg.Pair)
			if err != nil {
				s.recordError(fmt.Sprintf("probe %s: %v", cfg.Pair, err))
				continue
			}
			if probe.Readiness < s.cfg.ConfidenceThreshold {
				continue
			}
			update := cfg
			update.Enabled = true
			update.AutoEnabled = true
			if update.Leverage <= 0 {
				update.Leverage = s.cfg.DefaultLeverage
			}
			if update.Quantity <= 0 && update.INRAmount <= 0 {
				update.Quantity = s.cfg.DefaultQuantity
				update.INRAmount = s.cfg.DefaultINRAmount
			}
			if err := s.store.UpsertPairConfig(ctx, update); err != nil {
				s.recordError(fmt.Sprintf("enable %s: %v", cfg.Pair, err))
				continue
			}
			s.logger.Info("[BATCH] Pair auto-enabled",
				"pair", cfg.Pair,
				"confidence", probe.Readiness,
				"bias", probe.Bias,
			)
		}
	}
}

// probePair fetches a fresh window and scores the pair without side effects.
// An actionable signal reports its confidence directly; otherwise the
// proximity readiness score stands in.
func (s *Scheduler) probePair(ctx context.Context, pair string) (types.Readiness, error) {
	candles, err := s.gw.GetHistoricalCandles(ctx, pair, s.cfg.Interval, s.cfg.BufferSize)
	if err != nil {
		return types.Readiness{}, err
	}
	window := make([]types.Candle, 0, len(candles))
	for _, c := range candles {
		if c.IsClosed {
			window = append(window, c)
		}
	}

	active, _ := s.registry.Active()
	probe := types.Readiness{Pair: pair}

	if sig := active.Evaluate(window); sig.Actionable() {
		probe.Readiness = sig.Confidence
		probe.Bias = sig.Direction
		probe.RSI = sig.Indicators.RSI
	} else if r, ok := strategy.ComputeReadiness(pair, window, active); ok {
		probe = r
	} else {
		return types.Readiness{}, fmt.Errorf("window too short for %s", pair)
	}

	s.mu.Lock()
	s.probes[pair] = probe
	s.mu.Unlock()
	return probe, nil
}

// Readiness exposes the probe for the boundary, computed fresh.
func (s *Scheduler) Readiness(ctx context.Context, pair string) (types.Readiness, error) {
	return s.probePair(ctx, pair)
}

// State returns a copy of the scheduler's progress snapshot.
func (s *Scheduler) State() types.BatchState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state := s.state
	state.CurrentBatch = append([]string(nil), s.state.CurrentBatch...)
	if !s.nextAt.IsZero() {
		remaining := time.Until(s.nextAt)
		if remaining < 0 {
			remaining = 0
		}
		state.SecondsUntilNext = int(remaining.Seconds())
	}
	return state
}

// AutoEnabledPairs returns the last probe result for every auto-enabled pair.
func (s *Scheduler) AutoEnabledPairs(ctx context.Context) ([]types.Readiness, error) {
	configs, err := s.store.PairConfigs(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []types.Readiness
	for _, cfg := range configs {
		if !cfg.AutoEnabled || !cfg.Enabled {
			continue
		}
		if probe, ok := s.probes[cfg.Pair]; ok {
			out = append(out, probe)
		} else {
			out = append(out, types.Readiness{Pair: cfg.Pair})
		}
	}
	return out, nil
}

func (s *Scheduler) setNext(t time.Time) {
	s.mu.Lock()
	s.nextAt = t
	s.mu.Unlock()
}

func (s *Scheduler) recordError(msg string) {
	s.mu.Lock()
	s.state.LastError = msg
	s.mu.Unlock()
	s.logger.Warn("[BATCH] Probe error", "error", msg)
}

// Batches splits configs into fixed-size groups, preserving order. The last
// group holds the remainder.
func Batches(configs []types.PairConfig, size int) [][]types.PairConfig {
	if size <= 0 || len(configs) == 0 {
		return nil
	}
	var out [][]types.PairConfig
	for start := 0; start < len(configs); start += size {
		end := start + size
		if end > len(configs) {
			end = len(configs)
		}
		out = append(out, configs[start:end])
	}
	return out
}
