package timescale

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"perpetual-mode-bot/internal/config"
	"perpetual-mode-bot/internal/market"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

const writeTimeout = 3 * time.Second

// Evaluation is one gate evaluation or operator change.
type Evaluation struct {
	Time            time.Time
	Score           int
	OperatorEnabled bool
	TradingActive   bool
	Mode            string
	Transitioned    bool
	Trigger         string
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type Writer struct {
	db          *sql.DB
	exec        execer
	log         *zap.Logger
	schema      string
	evaluations chan Evaluation
	candles     chan market.Candle
	started     atomic.Bool
	dropEval    atomic.Uint64
	dropCandle  atomic.Uint64
}

// New returns nil when timescale recording is disabled.
func New(cfg config.TimescaleConfig, log *zap.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("timescale dsn is required")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	writer := newWriter(db, cfg.Schema, cfg.QueueSize, log)
	writer.db = db
	if err := writer.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return writer, nil
}

func newWriter(exec execer, schema string, queueSize int, log *zap.Logger) *Writer {
	schema = strings.TrimSpace(schema)
	if schema == "" {
		schema = "public"
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Writer{
		exec:        exec,
		log:         log,
		schema:      schema,
		evaluations: make(chan Evaluation, queueSize),
		candles:     make(chan market.Candle, queueSize),
	}
}

func (w *Writer) Start(ctx context.Context) {
	if w == nil {
		return
	}
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.run(ctx)
}

func (w *Writer) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}

// EnqueueEvaluation never blocks; rows are dropped when the queue is full.
func (w *Writer) EnqueueEvaluation(ev Evaluation) {
	if w == nil {
		return
	}
	select {
	case w.evaluations <- ev:
	default:
		if w.dropEval.Add(1) == 1 {
			w.log.Warn("timescale evaluation queue full")
		}
	}
}

func (w *Writer) EnqueueCandle(candle market.Candle) {
	if w == nil {
		return
	}
	select {
	case w.candles <- candle:
	default:
		if w.dropCandle.Add(1) == 1 {
			w.log.Warn("timescale candle queue full")
		}
	}
}

func (w *Writer) Dropped() (evaluations, candles uint64) {
	if w == nil {
		return 0, 0
	}
	return w.dropEval.Load(), w.dropCandle.Load()
}

func (w *Writer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-w.evaluations:
			w.writeEvaluation(ctx, ev)
		case candle := <-w.candles:
			w.writeCandle(ctx, candle)
		}
	}
}

func (w *Writer) ensureSchema(ctx context.Context) error {
	if w.exec == nil {
		return errors.New("timescale db not initialized")
	}
	if w.schema != "public" {
		if err := w.execQuery(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", w.schema)); err != nil {
			return err
		}
	}
	if err := w.execQuery(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		asset TEXT NOT NULL,
		interval TEXT NOT NULL,
		open DOUBLE PRECISION NOT NULL,
		high DOUBLE PRECISION NOT NULL,
		low DOUBLE PRECISION NOT NULL,
		close DOUBLE PRECISION NOT NULL,
		volume DOUBLE PRECISION NOT NULL DEFAULT 0,
		PRIMARY KEY (ts, asset, interval)
	)`, w.table("market_ohlc"))); err != nil {
		return err
	}
	if err := w.execQuery(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		score INTEGER NOT NULL,
		operator_enabled BOOLEAN NOT NULL,
		trading_active BOOLEAN NOT NULL,
		mode TEXT NOT NULL,
		transitioned BOOLEAN NOT NULL,
		trigger TEXT NOT NULL
	)`, w.table("gate_evaluations"))); err != nil {
		return err
	}
	if err := w.execQuery(ctx, "CREATE EXTENSION IF NOT EXISTS timescaledb"); err != nil {
		w.log.Warn("timescale extension ensure failed", zap.Error(err))
		return nil
	}
	for _, name := range []string{"market_ohlc", "gate_evaluations"} {
		if err := w.execQuery(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table(name))); err != nil {
			w.log.Warn("timescale hypertable create failed", zap.String("table", name), zap.Error(err))
		}
	}
	return nil
}

func (w *Writer) writeEvaluation(ctx context.Context, ev Evaluation) {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, score, operator_enabled, trading_active, mode, transitioned, trigger
	) VALUES ($1,$2,$3,$4,$5,$6,$7)`, w.table("gate_evaluations"))
	if _, err := w.exec.ExecContext(ctx, query,
		ev.Time,
		ev.Score,
		ev.OperatorEnabled,
		ev.TradingActive,
		ev.Mode,
		ev.Transitioned,
		ev.Trigger,
	); err != nil {
		w.log.Warn("timescale evaluation insert failed", zap.Error(err))
	}
}

func (w *Writer) writeCandle(ctx context.Context, candle market.Candle) {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, asset, interval, open, high, low, close, volume
	) VALUES (
		$1,$2,$3,$4,$5,$6,$7,$8
	)
	ON CONFLICT (ts, asset, interval) DO UPDATE SET
		open = EXCLUDED.open,
		high = EXCLUDED.high,
		low = EXCLUDED.low,
		close = EXCLUDED.close,
		volume = EXCLUDED.volume`, w.table("market_ohlc"))
	if _, err := w.exec.ExecContext(ctx, query,
		candle.Start,
		candle.Asset,
		candle.Interval,
		candle.Open,
		candle.High,
		candle.Low,
		candle.Close,
		candle.Volume,
	); err != nil {
		w.log.Warn("timescale candle upsert failed", zap.Error(err))
	}
}

func (w *Writer) execQuery(ctx context.Context, query string) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_, err := w.exec.ExecContext(ctx, query)
	return err
}

func (w *Writer) table(name string) string {
	return w.schema + "." + name
}
