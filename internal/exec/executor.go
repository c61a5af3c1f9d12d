package exec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"perpetual-mode-bot/internal/metrics"
	"perpetual-mode-bot/internal/state"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	orderKeyPrefix = "exec:order:"
	maxRecentFills = 100
	maxAttempts    = 5
)

type Broker interface {
	PlaceOrder(ctx context.Context, order Order) (Fill, error)
}

// Gate reports whether automated trading is currently permitted.
type Gate interface {
	TradingActive() bool
}

type Executor struct {
	broker    Broker
	gate      Gate
	store     state.Store
	log       *zap.Logger
	metrics   *metrics.Metrics
	maxAmount float64
	backoff   time.Duration

	inflight singleflight.Group

	mu     sync.Mutex
	cache  map[string]Fill
	recent []Fill
}

func New(broker Broker, gate Gate, store state.Store, maxAmount float64, m *metrics.Metrics, log *zap.Logger) *Executor {
	if log == nil {
		log = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewNoop()
	}
	return &Executor{
		broker:    broker,
		gate:      gate,
		store:     store,
		log:       log,
		metrics:   m,
		maxAmount: maxAmount,
		backoff:   200 * time.Millisecond,
		cache:     make(map[string]Fill),
	}
}

// PlaceOrder refuses every order while the gate is closed. Orders carrying a
// ClientOrderID are placed at most once.
func (e *Executor) PlaceOrder(ctx context.Context, order Order) (Fill, error) {
	order, err := e.normalize(order)
	if err != nil {
		return Fill{}, err
	}
	if !e.gate.TradingActive() {
		e.metrics.OrdersRejected.Inc()
		return Fill{}, ErrTradingSuspended
	}
	if order.ClientOrderID == "" {
		return e.place(ctx, order)
	}
	cacheKey := orderKeyPrefix + order.ClientOrderID
	// Concurrent calls for one client order id share a single placement.
	v, err, _ := e.inflight.Do(cacheKey, func() (interface{}, error) {
		return e.placeOnce(ctx, cacheKey, order)
	})
	if err != nil {
		return Fill{}, err
	}
	return v.(Fill), nil
}

func (e *Executor) placeOnce(ctx context.Context, cacheKey string, order Order) (Fill, error) {
	e.mu.Lock()
	if fill, ok := e.cache[cacheKey]; ok {
		e.mu.Unlock()
		return fill, nil
	}
	e.mu.Unlock()
	if e.store != nil {
		if raw, ok, err := e.store.Get(ctx, cacheKey); err != nil {
			return Fill{}, err
		} else if ok {
			var fill Fill
			if err := json.Unmarshal([]byte(raw), &fill); err != nil {
				return Fill{}, fmt.Errorf("decode stored fill: %w", err)
			}
			e.mu.Lock()
			e.cache[cacheKey] = fill
			e.mu.Unlock()
			return fill, nil
		}
	}
	fill, err := e.place(ctx, order)
	if err != nil {
		return Fill{}, err
	}
	if e.store != nil {
		if payload, err := json.Marshal(fill); err == nil {
			if err := e.store.Set(ctx, cacheKey, string(payload)); err != nil {
				e.log.Warn("failed to persist fill", zap.Error(err))
			}
		}
	}
	e.mu.Lock()
	e.cache[cacheKey] = fill
	e.mu.Unlock()
	return fill, nil
}

// Recent returns the fills placed by this process, newest last.
func (e *Executor) Recent() []Fill {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Fill(nil), e.recent...)
}

func (e *Executor) normalize(order Order) (Order, error) {
	order.Symbol = strings.ToUpper(strings.TrimSpace(order.Symbol))
	if order.Symbol == "" {
		return order, fmt.Errorf("%w: symbol is required", ErrInvalidOrder)
	}
	side, ok := ParseSide(string(order.Side))
	if !ok {
		return order, fmt.Errorf("%w: side must be buy or sell", ErrInvalidOrder)
	}
	order.Side = side
	if order.Amount <= 0 {
		return order, fmt.Errorf("%w: amount must be > 0", ErrInvalidOrder)
	}
	if order.Price < 0 {
		return order, fmt.Errorf("%w: price must be >= 0", ErrInvalidOrder)
	}
	if e.maxAmount > 0 && order.Amount > e.maxAmount {
		e.log.Info("order amount capped",
			zap.String("symbol", order.Symbol),
			zap.Float64("requested", order.Amount),
			zap.Float64("max", e.maxAmount),
		)
		order.Amount = e.maxAmount
	}
	return order, nil
}

func (e *Executor) place(ctx context.Context, order Order) (Fill, error) {
	var fill Fill
	err := e.retry(ctx, func() error {
		if !e.gate.TradingActive() {
			return ErrTradingSuspended
		}
		var err error
		fill, err = e.broker.PlaceOrder(ctx, order)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrTradingSuspended) {
			e.metrics.OrdersRejected.Inc()
		} else {
			e.metrics.OrdersFailed.Inc()
		}
		return Fill{}, err
	}
	if fill.OrderID == "" {
		e.metrics.OrdersFailed.Inc()
		return Fill{}, errors.New("empty order id")
	}
	fill.ClientOrderID = order.ClientOrderID
	fill.Strategy = order.Strategy
	e.metrics.OrdersPlaced.Inc()
	e.log.Info("order filled",
		zap.String("id", fill.OrderID),
		zap.String("symbol", fill.Symbol),
		zap.String("side", string(fill.Side)),
		zap.Float64("amount", fill.Amount),
		zap.Float64("price", fill.Price),
	)
	e.mu.Lock()
	e.recent = append(e.recent, fill)
	if len(e.recent) > maxRecentFills {
		e.recent = e.recent[len(e.recent)-maxRecentFills:]
	}
	e.mu.Unlock()
	return fill, nil
}

// retry stops early on a closed gate or an invalid order.
func (e *Executor) retry(ctx context.Context, fn func() error) error {
	backoff := e.backoff
	for attempt := 0; attempt < maxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrTradingSuspended) || errors.Is(err, ErrInvalidOrder) {
			return err
		}
		if attempt == maxAttempts-1 {
			return fmt.Errorf("retry failed: %w", err)
		}
		e.log.Warn("order attempt failed", zap.Int("attempt", attempt+1), zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
			backoff *= 2
		}
	}
	return nil
}
