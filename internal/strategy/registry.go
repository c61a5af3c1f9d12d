// Package strategy tracks which trading strategies the operator has switched
// on. Strategy decision logic lives elsewhere; executors consult the registry
// together with the market condition gate.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"perpetual-mode-bot/internal/state"

	"go.uber.org/zap"
)

const (
	Grid      = "grid"
	Scalping  = "scalping"
	Swing     = "swing"
	DCA       = "dca"
	Momentum  = "momentum"
	Arbitrage = "arbitrage"
)

var ErrUnknownStrategy = errors.New("unknown strategy")

func DefaultNames() []string {
	return []string{Grid, Scalping, Swing, DCA, Momentum, Arbitrage}
}

type Registry struct {
	mu      sync.RWMutex
	enabled map[string]bool
	store   state.Store
	log     *zap.Logger

	// persistMu orders writes so the store always ends with the latest snapshot.
	persistMu sync.Mutex
}

// NewRegistry starts with every named strategy disabled.
func NewRegistry(names []string, store state.Store, log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	enabled := make(map[string]bool, len(names))
	for _, name := range names {
		enabled[name] = false
	}
	return &Registry{enabled: enabled, store: store, log: log}
}

// Load applies persisted toggles. Unknown names are ignored.
func (r *Registry) Load(ctx context.Context) error {
	toggles, ok, err := state.LoadStrategyToggles(ctx, r.store)
	if err != nil || !ok {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, on := range toggles {
		if _, known := r.enabled[name]; !known {
			r.log.Warn("ignoring persisted toggle for unknown strategy", zap.String("strategy", name))
			continue
		}
		r.enabled[name] = on
	}
	return nil
}

// Toggle flips name and returns its new value.
func (r *Registry) Toggle(ctx context.Context, name string) (bool, error) {
	r.mu.Lock()
	on, ok := r.enabled[name]
	if !ok {
		r.mu.Unlock()
		return false, fmt.Errorf("%w: %s", ErrUnknownStrategy, name)
	}
	on = !on
	r.enabled[name] = on
	r.mu.Unlock()
	r.persist(ctx)
	return on, nil
}

func (r *Registry) Set(ctx context.Context, name string, on bool) error {
	r.mu.Lock()
	if _, ok := r.enabled[name]; !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownStrategy, name)
	}
	r.enabled[name] = on
	r.mu.Unlock()
	r.persist(ctx)
	return nil
}

func (r *Registry) Enabled(name string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	on, ok := r.enabled[name]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownStrategy, name)
	}
	return on, nil
}

func (r *Registry) Snapshot() map[string]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked()
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.enabled))
	for name := range r.enabled {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) snapshotLocked() map[string]bool {
	out := make(map[string]bool, len(r.enabled))
	for name, on := range r.enabled {
		out[name] = on
	}
	return out
}

func (r *Registry) persist(ctx context.Context) {
	if r.store == nil {
		return
	}
	r.persistMu.Lock()
	defer r.persistMu.Unlock()
	if err := state.SaveStrategyToggles(ctx, r.store, r.Snapshot()); err != nil {
		r.log.Warn("failed to persist strategy toggles", zap.Error(err))
	}
}
