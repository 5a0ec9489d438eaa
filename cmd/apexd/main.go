// apexd — a multi-account, multi-venue spot trading engine.
//
// Architecture:
//
//	main.go                    entry point: config, logging, wiring, signal handling
//	engine/supervisor.go       builds one loop per account, owns the copy bus and cleanup cron
//	engine/account_loop.go     per-account cycle: reconcile, exits, scan, enter, sleep
//	strategy/apex.go           multi-factor long-only scoring over three timeframes
//	risk/engine.go             pre-trade gate: tiers, confidence sizing, profitability guard
//	exit/engine.go             nine prioritized exit rules with per-broker profit ladders
//	position/tracker.go        per-account position bookkeeping and gross PnL marks
//	copytrade/bus.go           master fill fan-out to follower accounts, equity-scaled
//	safety/                    mode state machine, kill switch, forced cleanup
//	broker/                    one adapter per venue: Coinbase, Kraken, OKX, Binance, Alpaca
//	market/                    product universe rotation and the live ticker feed
//	store/, journal/           JSON snapshots and the SQLite trade history
//
// The engine always boots OFF. DRY_RUN_MODE routes orders to the in-memory
// paper broker; LIVE_CAPITAL_VERIFIED is required before any live order.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"apex-engine/internal/api"
	"apex-engine/internal/config"
	"apex-engine/internal/engine"
	"apex-engine/internal/journal"
	"apex-engine/internal/metrics"
	"apex-engine/internal/safety"
	"apex-engine/internal/store"
	"apex-engine/pkg/types"
)

func main() {
	os.Exit(run())
}

func run() int {
	_ = godotenv.Load() // .env is optional; real deployments use the environment

	cfgPath := "configs/config.yaml"
	if p := os.Getenv("APEX_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, warnings, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config %s: %v\n", cfgPath, err)
		return 1
	}
	logger := newLogger(cfg.Logging)
	for _, w := range warnings {
		logger.Warn().Msg("config: " + w)
	}
	if err := cfg.Validate(); err != nil {
		logger.Error().Err(err).Msg("invalid config")
		return 1
	}

	st, err := store.Open(cfg.Store.DataDir)
	if err != nil {
		logger.Error().Err(err).Msg("open store")
		return 1
	}
	defer st.Close()

	jr, err := journal.Open(cfg.Journal.SQLitePath)
	if err != nil {
		logger.Error().Err(err).Msg("open trade journal")
		return 1
	}
	defer jr.Close()

	met := metrics.New()
	kill := safety.NewKillSwitch(cfg.Store.DataDir, logger)
	machine := safety.NewMachine(logger, cfg.Engine.LiveCapitalVerified, func(mode types.Mode) error {
		state, err := st.LoadEngineState()
		if err != nil {
			return err
		}
		state.Mode = mode
		return st.SaveEngineState(state)
	})

	if kill.Engaged() {
		logger.Error().Msg("kill switch engaged at startup; remove the sentinel file to trade")
	}

	sup, err := engine.NewSupervisor(cfg, machine, kill, st, jr, met, logger)
	if err != nil {
		logger.Error().Err(err).Msg("build supervisor")
		return 1
	}

	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer = api.NewServer(cfg.API, sup, sup, jr, met.Handler(), logger)
		go func() {
			if err := apiServer.Start(); err != nil {
				logger.Error().Err(err).Msg("api server failed")
			}
		}()
	}

	if err := sup.Start(); err != nil {
		logger.Error().Err(err).Msg("start supervisor")
		return 1
	}
	if cfg.Engine.DryRun {
		logger.Warn().Msg("DRY-RUN MODE: orders route to the paper broker")
	}
	logger.Info().
		Str("mode", string(machine.Mode())).
		Dur("cycle", cfg.Engine.CycleInterval).
		Int("batch", cfg.Market.BatchSize).
		Msg("apexd started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutdown signal received")

	if apiServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := apiServer.Stop(ctx); err != nil {
			logger.Error().Err(err).Msg("api server stop failed")
		}
		cancel()
	}
	sup.Stop()

	if machine.Mode() == types.ModeEmergencyStop {
		// Non-zero exit so process managers surface the stop instead of
		// silently restarting into it.
		return 2
	}
	return 0
}

func newLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	if cfg.Format == "json" {
		return zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		Level(level).With().Timestamp().Logger()
}
