package exec

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"perpetual-mode-bot/internal/state"

	"go.uber.org/zap"
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

type fakeGate struct {
	active atomic.Bool
}

func openGate() *fakeGate {
	g := &fakeGate{}
	g.active.Store(true)
	return g
}

func (g *fakeGate) TradingActive() bool { return g.active.Load() }

type mockBroker struct {
	mu       sync.Mutex
	calls    int
	failures int
	last     Order
	onCall   func()
}

func (m *mockBroker) PlaceOrder(ctx context.Context, order Order) (Fill, error) {
	m.mu.Lock()
	m.calls++
	m.last = order
	fail := m.calls <= m.failures
	onCall := m.onCall
	m.mu.Unlock()
	if onCall != nil {
		onCall()
	}
	if fail {
		return Fill{}, errors.New("exchange unavailable")
	}
	return Fill{OrderID: "oid-1", Symbol: order.Symbol, Side: order.Side, Amount: order.Amount, Price: 100, Status: "filled"}, nil
}

func newTestExecutor(broker Broker, gate Gate, store state.Store) *Executor {
	e := New(broker, gate, store, 100, nil, zap.NewNop())
	e.backoff = time.Millisecond
	return e
}

func TestExecutorIdempotentPlacement(t *testing.T) {
	store := newMemoryStore()
	broker := &mockBroker{}
	executor := newTestExecutor(broker, openGate(), store)

	ctx := context.Background()
	order := Order{Symbol: "BTCUSDT", Side: SideBuy, Amount: 1, ClientOrderID: "abc"}

	f1, err := executor.PlaceOrder(ctx, order)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	f2, err := executor.PlaceOrder(ctx, order)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f1.OrderID != f2.OrderID {
		t.Fatalf("expected same order id, got %s and %s", f1.OrderID, f2.OrderID)
	}
	if broker.calls != 1 {
		t.Fatalf("expected 1 broker call, got %d", broker.calls)
	}

	restarted := newTestExecutor(broker, openGate(), store)
	f3, err := restarted.PlaceOrder(ctx, order)
	if err != nil {
		t.Fatalf("unexpected error after restart: %v", err)
	}
	if f3.OrderID != f1.OrderID || broker.calls != 1 {
		t.Fatalf("expected stored fill reuse, got %s after %d calls", f3.OrderID, broker.calls)
	}
}

func TestExecutorRefusesWhenSuspended(t *testing.T) {
	broker := &mockBroker{}
	executor := newTestExecutor(broker, &fakeGate{}, newMemoryStore())
	_, err := executor.PlaceOrder(context.Background(), Order{Symbol: "BTCUSDT", Side: SideBuy, Amount: 1})
	if !errors.Is(err, ErrTradingSuspended) {
		t.Fatalf("expected ErrTradingSuspended, got %v", err)
	}
	if broker.calls != 0 {
		t.Fatalf("expected no broker calls, got %d", broker.calls)
	}
}

func TestExecutorStopsRetryWhenGateCloses(t *testing.T) {
	gate := openGate()
	broker := &mockBroker{failures: 10}
	broker.onCall = func() { gate.active.Store(false) }
	executor := newTestExecutor(broker, gate, nil)
	_, err := executor.PlaceOrder(context.Background(), Order{Symbol: "BTCUSDT", Side: SideSell, Amount: 1})
	if !errors.Is(err, ErrTradingSuspended) {
		t.Fatalf("expected ErrTradingSuspended after gate closed, got %v", err)
	}
	if broker.calls != 1 {
		t.Fatalf("expected a single attempt, got %d", broker.calls)
	}
}

func TestExecutorRetriesTransientFailures(t *testing.T) {
	broker := &mockBroker{failures: 2}
	executor := newTestExecutor(broker, openGate(), nil)
	fill, err := executor.PlaceOrder(context.Background(), Order{Symbol: "ethusdt", Side: "BUY", Amount: 2})
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if broker.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", broker.calls)
	}
	if fill.Symbol != "ETHUSDT" || fill.Side != SideBuy {
		t.Fatalf("expected normalized order, got %+v", fill)
	}
	if got := executor.Recent(); len(got) != 1 || got[0].OrderID != "oid-1" {
		t.Fatalf("unexpected recent fills %v", got)
	}
}

func TestExecutorGivesUpAfterMaxAttempts(t *testing.T) {
	broker := &mockBroker{failures: 10}
	executor := newTestExecutor(broker, openGate(), nil)
	if _, err := executor.PlaceOrder(context.Background(), Order{Symbol: "BTCUSDT", Side: SideBuy, Amount: 1}); err == nil {
		t.Fatalf("expected failure")
	}
	if broker.calls != maxAttempts {
		t.Fatalf("expected %d attempts, got %d", maxAttempts, broker.calls)
	}
}

func TestExecutorCapsAmount(t *testing.T) {
	broker := &mockBroker{}
	executor := newTestExecutor(broker, openGate(), nil)
	if _, err := executor.PlaceOrder(context.Background(), Order{Symbol: "BTCUSDT", Side: SideBuy, Amount: 250}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if broker.last.Amount != 100 {
		t.Fatalf("expected amount capped to 100, got %v", broker.last.Amount)
	}
}

func TestExecutorValidatesOrder(t *testing.T) {
	executor := newTestExecutor(&mockBroker{}, openGate(), nil)
	cases := []Order{
		{Side: SideBuy, Amount: 1},
		{Symbol: "BTCUSDT", Side: "hold", Amount: 1},
		{Symbol: "BTCUSDT", Side: SideBuy, Amount: 0},
		{Symbol: "BTCUSDT", Side: SideBuy, Amount: 1, Price: -1},
	}
	for _, order := range cases {
		if _, err := executor.PlaceOrder(context.Background(), order); !errors.Is(err, ErrInvalidOrder) {
			t.Fatalf("expected ErrInvalidOrder for %+v, got %v", order, err)
		}
	}
}

func TestExecutorConcurrentDuplicateClientOrderID(t *testing.T) {
	broker := &mockBroker{onCall: func() { time.Sleep(50 * time.Millisecond) }}
	executor := newTestExecutor(broker, openGate(), newMemoryStore())
	order := Order{Symbol: "BTCUSDT", Side: SideBuy, Amount: 1, ClientOrderID: "dup-1"}

	start := make(chan struct{})
	fills := make([]Fill, 4)
	errs := make([]error, 4)
	var wg sync.WaitGroup
	for i := range fills {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			fills[i], errs[i] = executor.PlaceOrder(context.Background(), order)
		}(i)
	}
	close(start)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("order %d: unexpected error: %v", i, err)
		}
		if fills[i].OrderID != "oid-1" || fills[i].ClientOrderID != "dup-1" {
			t.Fatalf("order %d: unexpected fill %+v", i, fills[i])
		}
	}
	broker.mu.Lock()
	calls := broker.calls
	broker.mu.Unlock()
	if calls != 1 {
		t.Fatalf("expected 1 broker call for one client order id, got %d", calls)
	}
	if got := len(executor.Recent()); got != 1 {
		t.Fatalf("expected 1 recent fill, got %d", got)
	}
}
