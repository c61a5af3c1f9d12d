package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"perpetual-mode-bot/internal/alerts"
	"perpetual-mode-bot/internal/api"
	"perpetual-mode-bot/internal/config"
	"perpetual-mode-bot/internal/exec"
	"perpetual-mode-bot/internal/gate"
	"perpetual-mode-bot/internal/market"
	"perpetual-mode-bot/internal/metrics"
	"perpetual-mode-bot/internal/score"
	"perpetual-mode-bot/internal/state"
	"perpetual-mode-bot/internal/state/redis"
	"perpetual-mode-bot/internal/state/sqlite"
	"perpetual-mode-bot/internal/strategy"
	"perpetual-mode-bot/internal/timescale"

	"go.uber.org/zap"
)

const (
	Version          = "0.1.0"
	alertQueueSize   = 16
	shutdownDeadline = 5 * time.Second
)

type App struct {
	cfg       *config.Config
	log       *zap.Logger
	store     state.Store
	gate      *gate.Gate
	source    score.Source
	candles   *score.CandleSource
	klines    *market.KlineClient
	registry  *strategy.Registry
	executor  *exec.Executor
	metrics   *metrics.Metrics
	prom      *metrics.Prometheus
	timescale *timescale.Writer
	alerts    *alerts.Telegram
	api       *api.Server

	// observerMu serializes gate observer work; lastMode is guarded by it.
	observerMu sync.Mutex
	lastMode   gate.Mode
	alertCh    chan string

	breakdownMu   sync.RWMutex
	lastBreakdown *score.Breakdown

	operatorWarned bool
}

func New(cfg *config.Config, log *zap.Logger) (*App, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store, err := OpenStore(ctx, cfg.State)
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}
	g, err := gate.New(cfg.Gate.SuspendThreshold, cfg.Gate.ResumeThreshold)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	if cfg.Gate.RestoreValue() {
		restoreGate(ctx, g, store, log)
	}

	a := &App{
		cfg:      cfg,
		log:      log,
		store:    store,
		gate:     g,
		metrics:  metrics.NewNoop(),
		alerts:   alerts.NewTelegram(cfg.Telegram, log),
		alertCh:  make(chan string, alertQueueSize),
		lastMode: g.Snapshot().CurrentMode,
	}
	if cfg.Metrics.EnabledValue() {
		a.prom = metrics.NewPrometheus()
		a.metrics = a.prom.Metrics
	}
	writer, err := timescale.New(cfg.Timescale, log)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("timescale: %w", err)
	}
	a.timescale = writer

	a.klines = market.NewKlineClient(cfg.Score.MarketBaseURL, clientOptions(cfg.Score), log)
	a.source, a.candles = NewScoreSource(cfg.Score, a.klines, log)
	if a.candles != nil {
		a.candles.OnCandles = func(symbol string, candles []market.Candle) {
			for _, c := range candles {
				a.timescale.EnqueueCandle(c)
			}
		}
	}

	a.registry = strategy.NewRegistry(strategy.DefaultNames(), store, log)
	if err := a.registry.Load(ctx); err != nil {
		log.Warn("strategy toggles restore failed", zap.Error(err))
	}
	broker := exec.NewPaperBroker(a.klines, cfg.Trading.FeeBps)
	a.executor = exec.New(broker, g, store, cfg.Trading.MaxTradeAmount, a.metrics, log)

	snap := g.Snapshot()
	a.metrics.ObserveGate(snap.OperatorEnabled, snap.TradingActive, snap.LastScore)
	g.Watch(a)

	if cfg.HTTP.EnabledValue() {
		a.api = api.New(api.Options{
			Address:      cfg.HTTP.Address,
			ReadTimeout:  cfg.HTTP.ReadTimeout,
			WriteTimeout: cfg.HTTP.WriteTimeout,
			Version:      Version,
		}, api.Deps{
			Gate:       g,
			Strategies: a.registry,
			Orders:     a.executor,
			Store:      store,
			Metrics:    a.metrics,
			Breakdown:  a.Breakdown,
		}, log)
	}
	return a, nil
}

// OpenStore opens the configured state backend.
func OpenStore(ctx context.Context, cfg config.StateConfig) (state.Store, error) {
	switch cfg.Backend {
	case config.StateBackendRedis:
		store, err := redis.New(ctx, redis.Options{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
		})
		if err != nil {
			return nil, fmt.Errorf("redis %s: %w", cfg.Redis.Addr, err)
		}
		return store, nil
	case config.StateBackendSQLite, "":
		store, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("sqlite %s: %w", cfg.SQLitePath, err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown state backend %q", cfg.Backend)
	}
}

// NewScoreSource builds the configured score source. The candle source is
// also returned when in use so callers can read its breakdown.
func NewScoreSource(cfg config.ScoreConfig, klines *market.KlineClient, log *zap.Logger) (score.Source, *score.CandleSource) {
	if cfg.Source == config.ScoreSourceFearGreed {
		fng := market.NewFearGreedClient(cfg.FearGreedURL, clientOptions(cfg), log)
		return score.NewFearGreedSource(fng), nil
	}
	if klines == nil {
		klines = market.NewKlineClient(cfg.MarketBaseURL, clientOptions(cfg), log)
	}
	src := score.NewCandleSource(klines, cfg.Symbols, cfg.CandleInterval, cfg.CandleWindow, log)
	return src, src
}

func clientOptions(cfg config.ScoreConfig) market.ClientOptions {
	return market.ClientOptions{
		Timeout:         cfg.Timeout,
		RequestsPerSec:  cfg.RequestsPerSec,
		BreakerFailures: cfg.BreakerFailures,
		BreakerTimeout:  cfg.BreakerTimeout,
	}
}

func restoreGate(ctx context.Context, g *gate.Gate, store state.Store, log *zap.Logger) {
	st, ok, err := state.LoadGateState(ctx, store)
	if err != nil {
		log.Warn("gate state restore failed", zap.Error(err))
		return
	}
	if !ok {
		return
	}
	if err := g.Restore(st); err != nil {
		log.Warn("persisted gate state rejected", zap.Error(err))
		return
	}
	snap := g.Snapshot()
	log.Info("gate state restored",
		zap.Bool("operator_enabled", snap.OperatorEnabled),
		zap.Bool("trading_active", snap.TradingActive),
		zap.Int("last_score", snap.LastScore),
		zap.String("mode", string(snap.CurrentMode)),
	)
}

func (a *App) Run(ctx context.Context) error {
	defer a.store.Close()
	defer a.timescale.Close()

	var wg sync.WaitGroup
	errCh := make(chan error, 2)
	if a.prom != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.serveMetrics(ctx); err != nil {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}
	if a.api != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.api.Run(ctx); err != nil {
				errCh <- fmt.Errorf("api server: %w", err)
			}
		}()
	}
	defer wg.Wait()

	a.timescale.Start(ctx)
	go a.alertLoop(ctx)
	a.startOperator(ctx)

	a.log.Info("perpetual mode gate running",
		zap.Int("suspend_threshold", a.cfg.Gate.SuspendThreshold),
		zap.Int("resume_threshold", a.cfg.Gate.ResumeThreshold),
		zap.Duration("evaluation_interval", a.cfg.Gate.EvaluationInterval),
		zap.String("score_source", a.cfg.Score.Source),
	)
	_ = a.evaluate(ctx)

	ticker := time.NewTicker(a.cfg.Gate.EvaluationInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errCh:
			return err
		case <-ticker.C:
			_ = a.evaluate(ctx)
		}
	}
}

// evaluate fetches a score outside the gate lock and feeds it to the gate.
// A failed fetch or an out of range score leaves the gate untouched.
func (a *App) evaluate(ctx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	fetchCtx, cancel := context.WithTimeout(ctx, a.scoreTimeout())
	value, err := a.fetchScore(fetchCtx)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		a.metrics.ScoreFailures.Inc()
		a.log.Warn("market condition score unavailable; evaluation skipped", zap.Error(err))
		return err
	}
	res, err := a.gate.Evaluate(value)
	if err != nil {
		a.metrics.InvalidScores.Inc()
		a.log.Warn("market condition score rejected", zap.Int("score", value), zap.Error(err))
		return err
	}
	a.metrics.Evaluations.Inc()
	fields := []zap.Field{
		zap.Int("score", value),
		zap.String("mode", string(res.To)),
		zap.Bool("trading_active", res.Active),
	}
	if res.Transitioned {
		a.log.Info("gate transitioned", append(fields, zap.String("from", string(res.From)))...)
	} else {
		a.log.Debug("market condition evaluated", fields...)
	}
	a.recordEvaluation(value, res, "evaluate")
	return nil
}

func (a *App) fetchScore(ctx context.Context) (int, error) {
	if a.candles == nil {
		return a.source.Score(ctx)
	}
	b, err := a.candles.Breakdown(ctx)
	if err != nil {
		return 0, err
	}
	a.breakdownMu.Lock()
	a.lastBreakdown = &b
	a.breakdownMu.Unlock()
	return b.Score, nil
}

// scoreTimeout bounds one score fetch across every configured symbol.
func (a *App) scoreTimeout() time.Duration {
	timeout := a.cfg.Score.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if a.candles != nil && len(a.cfg.Score.Symbols) > 1 {
		timeout *= time.Duration(len(a.cfg.Score.Symbols))
	}
	return timeout
}

// Breakdown returns the components behind the last candle based score.
func (a *App) Breakdown() (score.Breakdown, bool) {
	a.breakdownMu.RLock()
	defer a.breakdownMu.RUnlock()
	if a.lastBreakdown == nil {
		return score.Breakdown{}, false
	}
	return *a.lastBreakdown, true
}

// GateChanged persists the snapshot, refreshes gauges and queues a telegram
// alert when the mode changed. The gate delivers snapshots in commit order.
func (a *App) GateChanged(snap gate.Snapshot) {
	a.observerMu.Lock()
	defer a.observerMu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := state.SaveGateState(ctx, a.store, snap.State); err != nil {
		a.log.Warn("gate state persist failed", zap.Error(err))
	}
	a.metrics.ObserveGate(snap.OperatorEnabled, snap.TradingActive, snap.LastScore)
	if snap.CurrentMode == a.lastMode {
		return
	}
	from := a.lastMode
	a.lastMode = snap.CurrentMode
	switch {
	case from == gate.ModeActive && snap.CurrentMode == gate.ModeSuspended:
		a.metrics.Suspensions.Inc()
	case from == gate.ModeSuspended && snap.CurrentMode == gate.ModeActive:
		a.metrics.Resumptions.Inc()
	}
	a.queueAlert(transitionMessage(from, snap))
}

func transitionMessage(from gate.Mode, snap gate.Snapshot) string {
	switch snap.CurrentMode {
	case gate.ModeActive:
		return fmt.Sprintf("perpetual mode: trading resumed (score %d >= %d)", snap.LastScore, snap.ResumeThreshold)
	case gate.ModeSuspended:
		if from == gate.ModeDisabled {
			return fmt.Sprintf("perpetual mode: enabled, waiting for score >= %d (last %d)", snap.ResumeThreshold, snap.LastScore)
		}
		return fmt.Sprintf("perpetual mode: trading suspended (score %d < %d)", snap.LastScore, snap.SuspendThreshold)
	default:
		return "perpetual mode: disabled by operator"
	}
}

func (a *App) queueAlert(msg string) {
	if !a.alerts.Enabled() {
		return
	}
	select {
	case a.alertCh <- msg:
	default:
		a.log.Warn("alert queue full; dropping alert", zap.String("message", msg))
	}
}

func (a *App) alertLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-a.alertCh:
			if err := a.alerts.Send(ctx, msg); err != nil {
				a.log.Warn("telegram alert failed", zap.Error(err))
			}
		}
	}
}

func (a *App) serveMetrics(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle(a.cfg.Metrics.Path, a.prom.Handler())
	srv := &http.Server{
		Addr:              a.cfg.Metrics.Address,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		a.log.Info("metrics server listening", zap.String("addr", srv.Addr), zap.String("path", a.cfg.Metrics.Path))
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownDeadline)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
