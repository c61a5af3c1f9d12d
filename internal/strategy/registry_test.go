package strategy

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"perpetual-mode-bot/internal/state"
)

type memoryStore struct {
	mu   sync.Mutex
	data map[string]string
}

func newMemoryStore() *memoryStore {
	return &memoryStore{data: make(map[string]string)}
}

func (m *memoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	val, ok := m.data[key]
	return val, ok, nil
}

func (m *memoryStore) Set(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *memoryStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *memoryStore) List(ctx context.Context, prefix string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string)
	for k, v := range m.data {
		if strings.HasPrefix(k, prefix) {
			out[k] = v
		}
	}
	return out, nil
}

func (m *memoryStore) Close() error { return nil }

func TestRegistryStartsDisabled(t *testing.T) {
	reg := NewRegistry(DefaultNames(), nil, nil)
	snap := reg.Snapshot()
	if len(snap) != 6 {
		t.Fatalf("expected 6 strategies, got %d", len(snap))
	}
	for name, on := range snap {
		if on {
			t.Fatalf("expected %s disabled", name)
		}
	}
	names := reg.Names()
	if names[0] != Arbitrage || names[len(names)-1] != Swing {
		t.Fatalf("expected sorted names, got %v", names)
	}
}

func TestRegistryTogglePersists(t *testing.T) {
	store := newMemoryStore()
	reg := NewRegistry(DefaultNames(), store, nil)
	ctx := context.Background()
	on, err := reg.Toggle(ctx, Grid)
	if err != nil || !on {
		t.Fatalf("expected grid enabled, got %v (%v)", on, err)
	}
	toggles, ok, err := state.LoadStrategyToggles(ctx, store)
	if err != nil || !ok || !toggles[Grid] {
		t.Fatalf("expected persisted grid toggle, got %v ok=%v err=%v", toggles, ok, err)
	}
	on, err = reg.Toggle(ctx, Grid)
	if err != nil || on {
		t.Fatalf("expected grid disabled again, got %v (%v)", on, err)
	}
}

func TestRegistryUnknownStrategy(t *testing.T) {
	reg := NewRegistry(DefaultNames(), nil, nil)
	if _, err := reg.Toggle(context.Background(), "martingale"); !errors.Is(err, ErrUnknownStrategy) {
		t.Fatalf("expected ErrUnknownStrategy, got %v", err)
	}
	if _, err := reg.Enabled("martingale"); !errors.Is(err, ErrUnknownStrategy) {
		t.Fatalf("expected ErrUnknownStrategy, got %v", err)
	}
	if err := reg.Set(context.Background(), "martingale", true); !errors.Is(err, ErrUnknownStrategy) {
		t.Fatalf("expected ErrUnknownStrategy, got %v", err)
	}
}

func TestRegistryLoadRestoresKnownToggles(t *testing.T) {
	store := newMemoryStore()
	ctx := context.Background()
	if err := state.SaveStrategyToggles(ctx, store, map[string]bool{DCA: true, "legacy": true}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	reg := NewRegistry(DefaultNames(), store, nil)
	if err := reg.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	if on, _ := reg.Enabled(DCA); !on {
		t.Fatalf("expected dca restored")
	}
	if _, ok := reg.Snapshot()["legacy"]; ok {
		t.Fatalf("expected unknown strategy ignored")
	}
}

func TestRegistryConcurrentToggles(t *testing.T) {
	reg := NewRegistry(DefaultNames(), newMemoryStore(), nil)
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = reg.Toggle(context.Background(), Swing)
		}()
	}
	wg.Wait()
	if on, _ := reg.Enabled(Swing); on {
		t.Fatalf("expected even number of toggles to leave swing disabled")
	}
}
