package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"perpetual-mode-bot/internal/app"
	"perpetual-mode-bot/internal/config"
	"perpetual-mode-bot/internal/logging"
	"perpetual-mode-bot/internal/state"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	configPath string
	envFile    string
)

var rootCmd = &cobra.Command{
	Use:           "perpetual-mode-bot",
	Short:         "Market condition gate for automated trading",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runBot,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the gate loop with its HTTP API and operator channel",
	RunE:  runBot,
}

var scoreCmd = &cobra.Command{
	Use:   "score",
	Short: "Fetch market data once and print the market condition score",
	RunE:  runScore,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the persisted gate state, strategy toggles and recent audit events",
	RunE:  runStatus,
}

var auditLimit int

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "path to config file")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "optional dotenv file loaded before the config")
	statusCmd.Flags().IntVar(&auditLimit, "audit", 10, "number of audit events to print")
	rootCmd.AddCommand(runCmd, scoreCmd, statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, *zap.Logger, error) {
	if err := config.LoadEnv(envFile); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load %s: %v\n", envFile, err)
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	log := logging.New(cfg.Log)
	log.Info("config loaded", zap.String("path", configPath))
	return cfg, log, nil
}

func runBot(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	application, err := app.New(cfg, log)
	if err != nil {
		log.Error("failed to initialize app", zap.Error(err))
		return err
	}
	log.Info("app initialized", zap.String("version", app.Version))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("app terminated", zap.Error(err))
		return err
	}
	return nil
}

func runScore(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()
	src, candles := app.NewScoreSource(cfg.Score, nil, log)
	var out any
	if candles != nil {
		b, err := candles.Breakdown(ctx)
		if err != nil {
			return err
		}
		out = b
	} else {
		value, err := src.Score(ctx)
		if err != nil {
			return err
		}
		out = map[string]any{"score": value, "source": cfg.Score.Source}
	}
	return printJSON(cmd, out)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()
	store, err := app.OpenStore(ctx, cfg.State)
	if err != nil {
		return err
	}
	defer store.Close()

	gateState, found, err := state.LoadGateState(ctx, store)
	if err != nil {
		return err
	}
	toggles, _, err := state.LoadStrategyToggles(ctx, store)
	if err != nil {
		return err
	}
	events, err := state.ListAudit(ctx, store, auditLimit)
	if err != nil {
		return err
	}
	out := map[string]any{
		"gate_state_found":  found,
		"perpetual_mode":    gateState.OperatorEnabled,
		"trading_active":    gateState.TradingActive,
		"mode":              gateState.Mode(),
		"last_score":        gateState.LastScore,
		"suspended_since":   gateState.SuspendedSince,
		"suspend_threshold": cfg.Gate.SuspendThreshold,
		"resume_threshold":  cfg.Gate.ResumeThreshold,
		"strategies":        toggles,
		"audit":             events,
	}
	return printJSON(cmd, out)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
