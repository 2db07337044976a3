// Strategy Execution Service — runs operator-authored trading
// strategies against a crypto venue, with position sizing, risk
// enforcement, safe-mode protection, and a full audit trail.
//
// Architecture:
//
//	main.go              — entry point: loads config, starts engine + API, waits for SIGINT/SIGTERM
//	engine/engine.go     — orchestrator: single-writer tick loop wiring market data → entries → exits → router
//	strategy/service.go  — watches the strategy file, validates, and hot-swaps the active document
//	condition/           — entry/invalidation condition DSL: comparisons and stateful crossings
//	market/hub.go        — snapshot cache + tick fan-in feeding the evaluation loop
//	exchange/client.go   — REST client for the venue (orders, balances, positions)
//	exchange/ws.go       — market-data WebSocket feed with auto-reconnect
//	exchange/paper.go    — simulated venue for paper mode, filling against live prices
//	router/router.go     — order lifecycle: placement, acks, fills, failure accounting
//	registry/registry.go — open positions and the closed-trade journal (JSON persistence)
//	risk/manager.go      — drawdown, total-exposure, and daily-loss limits
//	sizing/sizer.go      — allocation percentage → order quantity with lot rounding
//	state/               — durable flags: safe mode, operation mode, failure streak
//	events/log.go        — append-only NDJSON event log with an in-memory ring
//	api/server.go        — operator HTTP API and WebSocket event stream
//
// How it trades:
//
//	An operator drops a strategy document (JSON) next to the service;
//	the watcher validates and loads it atomically. Entries fire when
//	their conditions hold, sized off current equity; exits run stops,
//	take-profit ladders, time deadlines, and invalidation conditions.
//	Breached risk limits suspend entries. Repeated order failures or a
//	drawdown breach flatten the book and latch safe mode until an
//	operator clears it.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"stratexec/internal/api"
	"stratexec/internal/config"
	"stratexec/internal/engine"
)

func main() {
	// .env is optional; deployment injects real credentials.
	_ = godotenv.Load()

	cfgPath := "configs/config.yaml"
	if p := os.Getenv("STRATEXEC_CONFIG"); p != "" {
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

	// Set up logger
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	eng, err := engine.New(cfg, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	// Start operator API if enabled
	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer = api.NewServer(*cfg, eng, logger)
		go func() {
			if err := apiServer.Start(); err != nil {
				logger.Error("api server failed", "error", err)
			}
		}()
		logger.Info("operator api started", "url", fmt.Sprintf("http://localhost:%d", cfg.API.Port))
	}

	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	logger.Info("execution service started",
		"version", cfg.Service.Version,
		"mode", eng.OperationMode().Current(),
		"safe_mode", eng.SafeMode().Active(),
		"strategy_path", cfg.Strategy.Path,
	)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	// Stop the API first so operators get clean connection closes.
	if apiServer != nil {
		if err := apiServer.Stop(); err != nil {
			logger.Error("failed to stop api server", "error", err)
		}
	}

	eng.Stop()
	if err := eng.Events().Close(); err != nil {
		logger.Error("failed to close event log", "error", err)
	}
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
