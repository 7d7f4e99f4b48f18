// futures-riskd — a personal risk-enforcement daemon for futures trading
// accounts on a ProjectX-style brokerage gateway.
//
// Architecture:
//
//	main.go              — entry point: loads config, starts engine, waits for SIGINT/SIGTERM
//	engine/engine.go     — orchestrator: wires stream → dispatcher → rules → executor
//	stream/stream.go     — SignalR user + market hub connections with auto-reconnect
//	dispatch/            — per-account event serialization, state updates, rule evaluation
//	rules/               — the risk rules: loss limits, size limits, frequency, session windows
//	enforce/executor.go  — runs remediation intents (close, cancel) against the REST gateway
//	lockout/manager.go   — hard/cooldown/symbol lockouts with persistence and auto-expiry
//	state/               — in-memory account state: positions, orders, P&L, quotes, contracts
//	gateway/             — REST client, token session, rate limiting
//	store/store.go       — sqlite persistence (state, lockouts, enforcement log)
//	api/                 — status frontend: snapshot endpoint + WebSocket event feed
//
// The daemon never places entry orders. It watches the account streams and
// flattens, cancels, or locks out when a configured limit is breached.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"futures-riskd/internal/config"
	"futures-riskd/internal/engine"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("RISKD_CONFIG"); p != "" {
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

	eng, err := engine.New(cfg, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — breaches are logged but not enforced")
	}
	if cfg.Status.Enabled {
		logger.Info("status frontend started",
			"url", fmt.Sprintf("http://localhost:%d", cfg.Status.Port))
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig.String())
		eng.Stop()
	case err := <-eng.Fatal():
		logger.Error("fatal condition, exiting", "error", err)
		eng.Stop()
		os.Exit(1)
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
