package strategy

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"pairtrader/internal/types"
)

// Info describes a strategy variant.
type Info struct {
	Name          string `json:"name"`
	DisplayName   string `json:"display_name"`
	Description   string `json:"description"`
	Interval      string `json:"interval"`
	LocalTrailing bool   `json:"local_trailing"` // enforce real-mode trailing locally instead of on the exchange
}

// Strategy is the capability set every variant implements. Evaluate and TPSL
// are pure functions of the candle window: safe to call as probes from any
// goroutine without position side effects.
type Strategy interface {
	// Evaluate consumes a closed-candle window (oldest first) and emits a
	// signal. Direction is none unless confidence clears the variant's
	// internal floor.
	Evaluate(window []types.Candle) types.Signal

	// TPSL computes take-profit and stop-loss prices for an entry.
	TPSL(entry float64, dir types.Direction, window []types.Candle) (tp, sl float64)

	// Describe returns variant metadata.
	Describe() Info
}

// Registry maps variant names to implementations and tracks the process-wide
// active variant. Variants are registered at startup; the active one can be
// swapped at runtime without restarting engines. Probing a non-active variant
// is allowed and side-effect free.
type Registry struct {
	mu      sync.RWMutex
	logger  *slog.Logger
	byName  map[string]Strategy
	active  string
}

// NewRegistry creates a registry with all built-in variants registered and
// the named variant active.
func NewRegistry(active string, logger *slog.Logger) (*Registry, error) {
	r := &Registry{
		logger: logger,
		byName: map[string]Strategy{
			NameComposite: NewComposite(),
			NameSimpleEMA: NewSimpleEMA(),
		},
	}
	if err := r.Activate(active); err != nil {
		return nil, err
	}
	return r, nil
}

// Activate switches the process-wide active variant.
func (r *Registry) Activate(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byName[name]; !ok {
		return fmt.Errorf("unknown strategy %q", name)
	}
	r.active = name
	r.logger.Info("[STRATEGY] Variant activated", "name", name)
	return nil
}

// Active returns the currently active variant and its name.
func (r *Registry) Active() (Strategy, string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byName[r.active], r.active
}

// Get returns a variant by name, active or not.
func (r *Registry) Get(name string) (Strategy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byName[name]
	return s, ok
}

// List returns metadata for all registered variants, sorted by name.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.byName))
	for _, s := range r.byName {
		infos = append(infos, s.Describe())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// Evaluate runs the active variant against the window.
func (r *Registry) Evaluate(window []types.Candle) types.Signal {
	s, _ := r.Active()
	return s.Evaluate(window)
}
