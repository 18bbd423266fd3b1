package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jpillora/backoff"

	"pairtrader/internal/engine"
	"pairtrader/internal/gateway"
	"pairtrader/internal/store"
	"pairtrader/internal/strategy"
	"pairtrader/internal/types"
)

// Config holds orchestrator-wide settings shared by every pair engine.
type Config struct {
	Mode                types.Mode
	Interval            string
	PollInterval        time.Duration
	EquityInterval      time.Duration
	ConfidenceThreshold float64
	FeeRate             float64
	MaxOpenTrades       int
	BufferSize          int
	INRPerUSDT          float64
	RestartBudget       int
}

func (c *Config) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 30 * time.Second
	}
	if c.EquityInterval <= 0 {
		c.EquityInterval = 15 * time.Minute
	}
	if c.Interval == "" {
		c.Interval = "5m"
	}
	if c.RestartBudget <= 0 {
		c.RestartBudget = 3
	}
}

// supervised tracks one pair engine under management.
type supervised struct {
	pair     string
	eng      *engine.PairEngine
	cancel   context.CancelFunc
	status   types.PairStatus
	restarts int
	backoff  *backoff.Backoff
}

// Orchestrator reconciles running pair engines against the enabled pairs in
// the store, routes gateway events to the owning engine, restarts crashed
// engines with backoff, and takes periodic equity snapshots.
type Orchestrator struct {
	cfg      Config
	gw       gateway.Gateway
	store    store.Store
	registry *strategy.Registry
	wallet   *engine.PaperWallet
	logger   *slog.Logger

	mu      sync.RWMutex
	engines map[string]*supervised
}

func New(cfg Config, gw gateway.Gateway, st store.Store, registry *strategy.Registry, wallet *engine.PaperWallet, logger *slog.Logger) *Orchestrator {
	cfg.applyDefaults()
	return &Orchestrator{
		cfg:      cfg,
		gw:       gw,
		store:    st,
		registry: registry,
		wallet:   wallet,
		logger:   logger,
		engines:  make(map[string]*supervised),
	}
}

// Run reconciles until the context is cancelled, then gracefully stops every
// engine.
func (o *Orchestrator) Run(ctx context.Context) error {
	if o.cfg.Mode == types.ModeReal {
		if err := o.gw.SubscribePositionUpdates(ctx); err != nil {
			return fmt.Errorf("failed to subscribe position updates: %w", err)
		}
	}

	go o.dispatch(ctx)
	go o.equityLoop(ctx)

	o.reconcile(ctx)

	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			o.reconcile(ctx)
		case <-ctx.Done():
			o.shutdown()
			return ctx.Err()
		}
	}
}

// dispatch routes the gateway's fan-in streams to the owning engine.
func (o *Orchestrator) dispatch(ctx context.Context) {
	candles := o.gw.Candles()
	updates := o.gw.PositionUpdates()
	for {
		select {
		case ev, ok := <-candles:
			if !ok {
				return
			}
			if eng := o.lookup(ev.Candle.Pair); eng != nil {
				eng.Deliver(ev.Candle)
			}
		case ev, ok := <-updates:
			if !ok {
				return
			}
			if eng := o.lookup(ev.Pair); eng != nil {
				eng.DeliverPositionUpdate(ev)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (o *Orchestrator) lookup(pair string) *engine.PairEngine {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if s, ok := o.engines[pair]; ok {
		return s.eng
	}
	return nil
}

// reconcile diffs desired state against running engines: start newly enabled
// pairs, drain newly disabled ones, reap finished units.
func (o *Orchestrator) reconcile(ctx context.Context) {
	configs, err := o.store.PairConfigs(ctx)
	if err != nil {
		o.logger.Error("[ORCHESTRATOR] Failed to load pair configs", "error", err)
		return
	}

	desired := make(map[string]types.PairConfig)
	for _, cfg := range configs {
		if cfg.Enabled {
			desired[cfg.Pair] = cfg
		}
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	// reap engines whose goroutine has exited
	for pair, s := range o.engines {
		select {
		case <-s.eng.Done():
			if s.status == types.PairStatusStopping {
				delete(o.engines, pair)
				o.logger.Info("[ORCHESTRATOR] Pair stopped", "pair", pair)
				continue
			}
			if _, stillWanted := desired[pair]; !stillWanted {
				delete(o.engines, pair)
				continue
			}
			if s.status == types.PairStatusDegraded {
				continue
			}
			o.restartLocked(ctx, s, desired[pair])
		default:
		}
	}

	// drain engines whose pair was disabled
	for pair, s := range o.engines {
		if _, ok := desired[pair]; !ok && s.status == types.PairStatusRunning {
			s.status = types.PairStatusStopping
			s.eng.Drain()
			o.logger.Info("[ORCHESTRATOR] Draining disabled pair", "pair", pair)
		}
	}

	// clear degraded markers for pairs no longer desired, so a later
	// re-enable starts fresh
	for pair, s := range o.engines {
		if s.status == types.PairStatusDegraded {
			if _, ok := desired[pair]; !ok {
				delete(o.engines, pair)
			}
		}
	}

	// start engines for newly enabled pairs
	for pair, cfg := range desired {
		if _, running := o.engines[pair]; running {
			continue
		}
		o.startLocked(ctx, cfg)
	}
}

func (o *Orchestrator) startLocked(ctx context.Context, cfg types.PairConfig) {
	s := &supervised{
		pair:   cfg.Pair,
		status: types.PairStatusRunning,
		backoff: &backoff.Backoff{
			Min:    time.Second,
			Max:    30 * time.Second,
			Factor: 2,
			Jitter: true,
		},
	}
	o.launchLocked(ctx, s, cfg)
	o.engines[cfg.Pair] = s
	o.logger.Info("[ORCHESTRATOR] Pair started",
		"pair", cfg.Pair,
		"leverage", cfg.Leverage,
		"quantity", cfg.Quantity,
		"inr_amount", cfg.INRAmount,
	)
}

// restartLocked replaces a crashed engine, counting attempts against the
// retry budget before marking the pair degraded.
func (o *Orchestrator) restartLocked(ctx context.Context, s *supervised, cfg types.PairConfig) {
	s.restarts++
	if s.restarts > o.cfg.RestartBudget {
		s.status = types.PairStatusDegraded
		o.logger.Error("[ORCHESTRATOR] Pair degraded, retry budget exhausted",
			"pair", s.pair,
			"restarts", s.restarts-1,
		)
		_ = o.store.LogEvent(ctx, "ERROR", "orchestrator",
			fmt.Sprintf("pair %s degraded after %d restarts", s.pair, s.restarts-1))
		return
	}

	delay := s.backoff.Duration()
	o.logger.Warn("[ORCHESTRATOR] Restarting crashed pair",
		"pair", s.pair,
		"attempt", s.restarts,
		"delay", delay,
	)
	pair := s.pair
	go func() {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
		o.mu.Lock()
		defer o.mu.Unlock()
		if cur, ok := o.engines[pair]; ok && cur == s {
			o.launchLocked(ctx, s, cfg)
		}
	}()
}

// launchLocked builds a fresh engine for the pair and runs it.
func (o *Orchestrator) launchLocked(ctx context.Context, s *supervised, cfg types.PairConfig) {
	eng := engine.New(engine.Config{
		Pair:                cfg.Pair,
		Interval:            o.cfg.Interval,
		Mode:                o.cfg.Mode,
		ConfidenceThreshold: o.cfg.ConfidenceThreshold,
		FeeRate:             o.cfg.FeeRate,
		MaxOpenTrades:       o.cfg.MaxOpenTrades,
		Leverage:            cfg.Leverage,
		Quantity:            cfg.Quantity,
		INRAmount:           cfg.INRAmount,
		INRPerUSDT:          o.cfg.INRPerUSDT,
		BufferSize:          o.cfg.BufferSize,
	}, o.gw, o.store, o.registry, o.wallet, o.logger)

	runCtx, cancel := context.WithCancel(ctx)
	s.eng = eng
	s.cancel = cancel

	go func() {
		if err := eng.Run(runCtx); err != nil && runCtx.Err() == nil {
			o.logger.Error("[ORCHESTRATOR] Pair engine exited with error",
				"pair", cfg.Pair,
				"error", err,
			)
		}
	}()
}

// shutdown stops every engine with a bounded grace period.
func (o *Orchestrator) shutdown() {
	o.mu.Lock()
	engines := make([]*supervised, 0, len(o.engines))
	for _, s := range o.engines {
		engines = append(engines, s)
	}
	o.mu.Unlock()

	for _, s := range engines {
		s.eng.Stop()
		s.cancel()
	}
	for _, s := range engines {
		select {
		case <-s.eng.Done():
		case <-time.After(5 * time.Second):
			o.logger.Warn("[ORCHESTRATOR] Timeout waiting for pair to stop", "pair", s.pair)
		}
	}
	o.logger.Info("[ORCHESTRATOR] All pairs stopped")
}

// PairStatuses returns the supervision status of every managed pair.
func (o *Orchestrator) PairStatuses() map[string]types.PairStatus {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make(map[string]types.PairStatus, len(o.engines))
	for pair, s := range o.engines {
		out[pair] = s.status
	}
	return out
}

// equityLoop snapshots wallet balance plus unrealized pnl on a fixed cadence.
func (o *Orchestrator) equityLoop(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.EquityInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			o.snapshotEquity(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (o *Orchestrator) snapshotEquity(ctx context.Context) {
	open, err := o.store.OpenTrades(ctx, o.cfg.Mode)
	if err != nil {
		o.logger.Error("[ORCHESTRATOR] Equity snapshot failed", "error", err)
		return
	}

	openPnL := 0.0
	for i := range open {
		pos := &open[i]
		price, err := o.gw.GetPrice(ctx, pos.Pair)
		if err != nil {
			o.logger.Warn("[ORCHESTRATOR] No price for equity snapshot",
				"pair", pos.Pair,
				"error", err,
			)
			continue
		}
		lev := float64(pos.Leverage)
		if lev <= 0 {
			lev = 1
		}
		openPnL += (price - pos.EntryPrice) * pos.Quantity * lev * pos.DirectionSign()
	}

	balance := 0.0
	if o.cfg.Mode == types.ModePaper {
		balance, err = o.wallet.Balance(ctx)
		if err != nil {
			o.logger.Error("[ORCHESTRATOR] Failed to read wallet for snapshot", "error", err)
			return
		}
	}

	if err := o.store.SaveEquitySnapshot(ctx, o.cfg.Mode, balance, openPnL); err != nil {
		o.logger.Error("[ORCHESTRATOR] Failed to save equity snapshot", "error", err)
		return
	}
	o.logger.Debug("[ORCHESTRATOR] Equity snapshot saved",
		"balance", balance,
		"open_pnl", openPnL,
	)
}
