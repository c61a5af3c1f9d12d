package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Log       LoggingConfig   `yaml:"log"`
	HTTP      HTTPConfig      `yaml:"http"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	State     StateConfig     `yaml:"state"`
	Gate      GateConfig      `yaml:"gate"`
	Score     ScoreConfig     `yaml:"score"`
	Trading   TradingConfig   `yaml:"trading"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	Timescale TimescaleConfig `yaml:"timescale"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type HTTPConfig struct {
	Enabled      *bool         `yaml:"enabled"`
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

func (h HTTPConfig) EnabledValue() bool {
	return h.Enabled == nil || *h.Enabled
}

type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled"`
	Address string `yaml:"address"`
	Path    string `yaml:"path"`
}

func (m MetricsConfig) EnabledValue() bool {
	return m.Enabled == nil || *m.Enabled
}

const (
	StateBackendSQLite = "sqlite"
	StateBackendRedis  = "redis"
)

type StateConfig struct {
	Backend    string      `yaml:"backend"`
	SQLitePath string      `yaml:"sqlite_path"`
	Redis      RedisConfig `yaml:"redis"`
}

type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// GateConfig holds the perpetual earning mode thresholds. They are fixed at
// startup.
type GateConfig struct {
	SuspendThreshold   int           `yaml:"suspend_threshold"`
	ResumeThreshold    int           `yaml:"resume_threshold"`
	EvaluationInterval time.Duration `yaml:"evaluation_interval"`
	Restore            *bool         `yaml:"restore"`
}

func (g GateConfig) RestoreValue() bool {
	return g.Restore == nil || *g.Restore
}

const (
	ScoreSourceCandles   = "candles"
	ScoreSourceFearGreed = "feargreed"
)

type ScoreConfig struct {
	Source          string        `yaml:"source"`
	Symbols         []string      `yaml:"symbols"`
	CandleInterval  string        `yaml:"candle_interval"`
	CandleWindow    int           `yaml:"candle_window"`
	MarketBaseURL   string        `yaml:"market_base_url"`
	FearGreedURL    string        `yaml:"feargreed_url"`
	Timeout         time.Duration `yaml:"timeout"`
	RequestsPerSec  float64       `yaml:"requests_per_sec"`
	BreakerFailures uint32        `yaml:"breaker_failures"`
	BreakerTimeout  time.Duration `yaml:"breaker_timeout"`
}

type TradingConfig struct {
	Mode           string  `yaml:"mode"`
	MaxTradeAmount float64 `yaml:"max_trade_amount"`
	FeeBps         float64 `yaml:"fee_bps"`
}

type TelegramConfig struct {
	Enabled                bool          `yaml:"enabled"`
	Token                  string        `yaml:"token"`
	ChatID                 string        `yaml:"chat_id"`
	OperatorEnabled        bool          `yaml:"operator_enabled"`
	OperatorPollInterval   time.Duration `yaml:"operator_poll_interval"`
	OperatorAllowedUserIDs []int64       `yaml:"operator_allowed_user_ids"`
}

type TimescaleConfig struct {
	Enabled         bool          `yaml:"enabled"`
	DSN             string        `yaml:"dsn"`
	Schema          string        `yaml:"schema"`
	QueueSize       int           `yaml:"queue_size"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}
	return &cfg, validate(&cfg)
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.HTTP.Enabled == nil {
		enabled := true
		cfg.HTTP.Enabled = &enabled
	}
	if cfg.HTTP.Address == "" {
		cfg.HTTP.Address = "127.0.0.1:8000"
	}
	if cfg.HTTP.ReadTimeout == 0 {
		cfg.HTTP.ReadTimeout = 10 * time.Second
	}
	if cfg.HTTP.WriteTimeout == 0 {
		cfg.HTTP.WriteTimeout = 10 * time.Second
	}
	if cfg.Metrics.Enabled == nil {
		enabled := true
		cfg.Metrics.Enabled = &enabled
	}
	if cfg.Metrics.Address == "" {
		cfg.Metrics.Address = "127.0.0.1:9001"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.State.Backend == "" {
		cfg.State.Backend = StateBackendSQLite
	}
	if cfg.State.SQLitePath == "" {
		cfg.State.SQLitePath = "data/perpetual-mode-bot.db"
	}
	if cfg.State.Redis.Addr == "" {
		cfg.State.Redis.Addr = "127.0.0.1:6379"
	}
	if cfg.State.Redis.KeyPrefix == "" {
		cfg.State.Redis.KeyPrefix = "pmb:"
	}
	if cfg.Gate.SuspendThreshold == 0 && cfg.Gate.ResumeThreshold == 0 {
		cfg.Gate.SuspendThreshold = 60
		cfg.Gate.ResumeThreshold = 75
	}
	if cfg.Gate.EvaluationInterval == 0 {
		cfg.Gate.EvaluationInterval = 5 * time.Minute
	}
	if cfg.Score.Source == "" {
		cfg.Score.Source = ScoreSourceCandles
	}
	if len(cfg.Score.Symbols) == 0 {
		cfg.Score.Symbols = []string{"BTCUSDT", "ETHUSDT"}
	}
	if cfg.Score.CandleInterval == "" {
		cfg.Score.CandleInterval = "1h"
	}
	if cfg.Score.CandleWindow == 0 {
		cfg.Score.CandleWindow = 24
	}
	if cfg.Score.MarketBaseURL == "" {
		cfg.Score.MarketBaseURL = "https://api.binance.com"
	}
	if cfg.Score.FearGreedURL == "" {
		cfg.Score.FearGreedURL = "https://api.alternative.me"
	}
	if cfg.Score.Timeout == 0 {
		cfg.Score.Timeout = 10 * time.Second
	}
	if cfg.Score.RequestsPerSec == 0 {
		cfg.Score.RequestsPerSec = 5
	}
	if cfg.Score.BreakerFailures == 0 {
		cfg.Score.BreakerFailures = 5
	}
	if cfg.Score.BreakerTimeout == 0 {
		cfg.Score.BreakerTimeout = time.Minute
	}
	if cfg.Trading.Mode == "" {
		cfg.Trading.Mode = "paper"
	}
	if cfg.Trading.MaxTradeAmount == 0 {
		cfg.Trading.MaxTradeAmount = 100
	}
	if cfg.Trading.FeeBps == 0 {
		cfg.Trading.FeeBps = 10
	}
	if cfg.Telegram.OperatorPollInterval == 0 {
		cfg.Telegram.OperatorPollInterval = 3 * time.Second
	}
	if cfg.Timescale.Schema == "" {
		cfg.Timescale.Schema = "public"
	}
	if cfg.Timescale.QueueSize == 0 {
		cfg.Timescale.QueueSize = 256
	}
}

func applyEnvOverrides(cfg *Config) error {
	if token := strings.TrimSpace(os.Getenv("PMB_TELEGRAM_TOKEN")); token != "" {
		cfg.Telegram.Token = token
	}
	if chatID := strings.TrimSpace(os.Getenv("PMB_TELEGRAM_CHAT_ID")); chatID != "" {
		cfg.Telegram.ChatID = chatID
	}
	if password := os.Getenv("PMB_REDIS_PASSWORD"); password != "" {
		cfg.State.Redis.Password = password
	}
	if dsn := strings.TrimSpace(os.Getenv("PMB_TIMESCALE_DSN")); dsn != "" {
		cfg.Timescale.DSN = dsn
	}
	suspend, err := envInt("PMB_SUSPEND_THRESHOLD", "MIN_MARKET_CONDITION_SCORE")
	if err != nil {
		return err
	}
	if suspend != nil {
		cfg.Gate.SuspendThreshold = *suspend
	}
	resume, err := envInt("PMB_RESUME_THRESHOLD", "AUTO_RESUME_THRESHOLD")
	if err != nil {
		return err
	}
	if resume != nil {
		cfg.Gate.ResumeThreshold = *resume
	}
	return nil
}

// envInt returns the first non-empty variable among keys parsed as an int.
func envInt(keys ...string) (*int, error) {
	for _, key := range keys {
		raw := strings.TrimSpace(os.Getenv(key))
		if raw == "" {
			continue
		}
		val, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		return &val, nil
	}
	return nil, nil
}

func validate(cfg *Config) error {
	if cfg.Gate.SuspendThreshold < 0 || cfg.Gate.SuspendThreshold > 100 {
		return errors.New("gate.suspend_threshold must be within [0,100]")
	}
	if cfg.Gate.ResumeThreshold < 0 || cfg.Gate.ResumeThreshold > 100 {
		return errors.New("gate.resume_threshold must be within [0,100]")
	}
	if cfg.Gate.ResumeThreshold < cfg.Gate.SuspendThreshold {
		return fmt.Errorf("gate.resume_threshold %d must be >= gate.suspend_threshold %d", cfg.Gate.ResumeThreshold, cfg.Gate.SuspendThreshold)
	}
	if cfg.Gate.EvaluationInterval < 0 {
		return errors.New("gate.evaluation_interval must be > 0")
	}
	switch cfg.State.Backend {
	case StateBackendSQLite, StateBackendRedis:
	default:
		return fmt.Errorf("state.backend must be %q or %q", StateBackendSQLite, StateBackendRedis)
	}
	switch cfg.Score.Source {
	case ScoreSourceCandles:
		if cfg.Score.CandleWindow < 2 {
			return errors.New("score.candle_window must be >= 2")
		}
	case ScoreSourceFearGreed:
	default:
		return fmt.Errorf("score.source must be %q or %q", ScoreSourceCandles, ScoreSourceFearGreed)
	}
	if cfg.Score.Timeout < 0 || cfg.Score.BreakerTimeout < 0 {
		return errors.New("score timeouts must be >= 0")
	}
	if cfg.Score.RequestsPerSec < 0 {
		return errors.New("score.requests_per_sec must be >= 0")
	}
	if cfg.Trading.Mode != "paper" {
		return errors.New("trading.mode must be paper")
	}
	if cfg.Trading.MaxTradeAmount < 0 {
		return errors.New("trading.max_trade_amount must be >= 0")
	}
	if cfg.Trading.FeeBps < 0 {
		return errors.New("trading.fee_bps must be >= 0")
	}
	if cfg.Metrics.Path != "" && !strings.HasPrefix(cfg.Metrics.Path, "/") {
		return errors.New("metrics.path must start with /")
	}
	if cfg.Telegram.Enabled && (strings.TrimSpace(cfg.Telegram.Token) == "" || strings.TrimSpace(cfg.Telegram.ChatID) == "") {
		return errors.New("telegram.token and telegram.chat_id are required when telegram is enabled")
	}
	if cfg.Telegram.OperatorEnabled && !cfg.Telegram.Enabled {
		return errors.New("telegram.operator_enabled requires telegram.enabled")
	}
	if cfg.Timescale.Enabled && strings.TrimSpace(cfg.Timescale.DSN) == "" {
		return errors.New("timescale.dsn is required when timescale is enabled")
	}
	return nil
}
