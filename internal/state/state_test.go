package state

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"perpetual-mode-bot/internal/gate"
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

func TestGateStateRoundTrip(t *testing.T) {
	store := newMemoryStore()
	ctx := context.Background()
	since := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	want := gate.State{
		OperatorEnabled: true,
		LastScore:       58,
		TradingActive:   false,
		SuspendedSince:  &since,
		UpdatedAt:       since.Add(time.Minute),
	}
	if err := SaveGateState(ctx, store, want); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, ok, err := LoadGateState(ctx, store)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !ok {
		t.Fatalf("expected saved state")
	}
	if got.OperatorEnabled != want.OperatorEnabled || got.LastScore != want.LastScore || got.TradingActive {
		t.Fatalf("unexpected state %+v", got)
	}
	if got.SuspendedSince == nil || !got.SuspendedSince.Equal(since) {
		t.Fatalf("unexpected suspended_since %v", got.SuspendedSince)
	}
}

func TestLoadGateStateMissing(t *testing.T) {
	_, ok, err := LoadGateState(context.Background(), newMemoryStore())
	if err != nil || ok {
		t.Fatalf("expected no state, got ok=%v err=%v", ok, err)
	}
	_, ok, err = LoadGateState(context.Background(), nil)
	if err != nil || ok {
		t.Fatalf("expected nil store to be a no-op, got ok=%v err=%v", ok, err)
	}
}

func TestLoadGateStateCorrupt(t *testing.T) {
	store := newMemoryStore()
	_ = store.Set(context.Background(), GateSnapshotKey, "{not json")
	if _, _, err := LoadGateState(context.Background(), store); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestStrategyTogglesRoundTrip(t *testing.T) {
	store := newMemoryStore()
	ctx := context.Background()
	if err := SaveStrategyToggles(ctx, store, map[string]bool{"grid": true, "dca": false}); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, ok, err := LoadStrategyToggles(ctx, store)
	if err != nil || !ok {
		t.Fatalf("load: ok=%v err=%v", ok, err)
	}
	if !got["grid"] || got["dca"] {
		t.Fatalf("unexpected toggles %v", got)
	}
}

func TestAuditNewestFirst(t *testing.T) {
	store := newMemoryStore()
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	for i, action := range []string{"enable", "disable", "toggle"} {
		_, err := AppendAudit(ctx, store, AuditEvent{
			At:     base.Add(time.Duration(i) * time.Second),
			Source: "telegram",
			Action: action,
		})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	_ = store.Set(ctx, GateSnapshotKey, "{}")
	events, err := ListAudit(ctx, store, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Action != "toggle" || events[1].Action != "disable" {
		t.Fatalf("unexpected order: %s, %s", events[0].Action, events[1].Action)
	}
	if events[0].ID == "" {
		t.Fatalf("expected generated id")
	}
}
