// Lay Engine — an autonomous pre-off lay-betting engine for Betfair
// Exchange horse-racing win markets.
//
// Architecture:
//
//	main.go                 — entry point: loads config, starts engine, waits for SIGINT/SIGTERM
//	internal/engine         — scheduler: ticks the day's markets through discovery, rules, submission
//	internal/rules          — pure rule evaluator: RULE_1/RULE_2/RULE_3A/RULE_3B, spread gate, JOFS
//	internal/market         — per-market lifecycle tracker + registry + cohort partitioning
//	internal/betpipeline    — dedup, submission, and session aggregate bookkeeping
//	internal/exchange       — REST client for the Betfair Exchange API-NG JSON-RPC surface
//	internal/store          — two-tier (hot file + durable object store) state persistence
//	internal/control        — operator RPC surface: start/stop/toggle/set/reset
//	internal/api            — HTTP/WebSocket layer over internal/control
//
// How it makes money:
//
//	The engine identifies each day's win markets and, in the minutes
//	before post time, lays the favourite (or joint favourites) at a
//	stake sized by one of four rules keyed to the favourite's odds and
//	the gap to the second favourite. It profits when the favourite
//	doesn't win; a spread gate and max-odds guard bound the downside
//	of any single lay.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"layengine/internal/api"
	"layengine/internal/betpipeline"
	"layengine/internal/config"
	"layengine/internal/control"
	"layengine/internal/engine"
	"layengine/internal/exchange"
	"layengine/internal/store"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("BF_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	startCtx, startCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer startCancel()

	session := exchange.NewSession(cfg.Exchange)
	hasCredentials := cfg.Exchange.Username != "" && cfg.Exchange.Password != "" && cfg.Exchange.AppKey != ""
	if hasCredentials {
		if err := session.Login(startCtx); err != nil {
			logger.Error("exchange login failed, engine start will be refused", "error", err)
			hasCredentials = false
		}
	} else {
		logger.Warn("exchange credentials absent, control.Start() will fail until configured")
	}

	client := exchange.NewClient(*cfg, session, logger)
	pipeline := betpipeline.New(client, logger)

	durable, err := store.NewDurableFromConfig(startCtx, cfg.Store.S3Bucket, cfg.Store.S3Prefix, cfg.Store.S3Region)
	if err != nil {
		logger.Error("failed to build durable store tier, continuing with hot tier only", "error", err)
	}

	hotPath := cfg.Store.HotFile
	if hotPath == "" {
		hotPath = "state.json"
	}
	if cfg.Store.DataDir != "" {
		hotPath = cfg.Store.DataDir + "/" + hotPath
	}
	st, err := store.Open(hotPath, durable, logger)
	if err != nil {
		logger.Error("failed to open persistence store", "error", err)
		os.Exit(1)
	}

	doc, err := st.Load(startCtx)
	if err != nil {
		logger.Error("failed to load persisted state", "error", err)
		os.Exit(1)
	}

	eng := engine.New(client, pipeline, st, cfg.Strategy, cfg.DryRun, logger)
	now := time.Now().UTC()
	eng.Restore(doc, now.Format("2006-01-02"), now)

	controller := control.New(eng, hasCredentials)

	var apiServer *api.Server
	if cfg.Control.Enabled {
		apiServer = api.NewServer(cfg.Control, controller, logger)
		go func() {
			if err := apiServer.Start(); err != nil {
				logger.Error("control server failed", "error", err)
			}
		}()
		logger.Info("control surface started", "url", fmt.Sprintf("http://localhost:%d", cfg.Control.Port))
	}

	if res := controller.Start(); res.Status != "ok" {
		logger.Error("failed to start engine", "message", res.Message)
		os.Exit(1)
	}

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — no real lay orders will be placed")
	}

	logger.Info("lay engine started",
		"countries", cfg.Strategy.Countries,
		"process_window_minutes", cfg.Strategy.ProcessWindowMinutes,
		"point_value", cfg.Strategy.PointValue,
		"dry_run", cfg.DryRun,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	if apiServer != nil {
		if err := apiServer.Stop(); err != nil {
			logger.Error("failed to stop control surface", "error", err)
		}
	}

	controller.Stop()
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
