package main

import (
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/charlago/charla/internal/auth"
	"github.com/charlago/charla/internal/server"
)

const shutdownTimeout = 10 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	cfg, err := server.LoadConfig()
	if err != nil {
		logger.Error("loading configuration failed", "error", err)
		os.Exit(1)
	}
	server.SetConfig(cfg)

	store, err := auth.NewStore(cfg.UsersFile)
	if err != nil {
		logger.Error("opening user directory failed", "error", err)
		os.Exit(1)
	}

	tokens, err := auth.NewTokenService([]byte(cfg.JWTSecret), cfg.TokenTTL)
	if err != nil {
		logger.Error("creating token service failed", "error", err)
		os.Exit(1)
	}

	registry := prometheus.NewRegistry()
	metrics := server.NewMetrics(registry)

	gate := server.NewGate(tokens, logger)
	hub := server.NewHub(gate, store, logger, metrics)
	api := server.NewAPI(hub, gate, tokens, store, logger, registry)

	httpServer := server.CreateServer(cfg.Port, server.SetupRoutes(api))

	server.StartHub(hub)

	go func() {
		if err := server.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server failed", "error", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutting down", "signal", sig.String())

	if err := hub.Shutdown(shutdownTimeout); err != nil {
		logger.Warn("hub shutdown incomplete", "error", err)
	}
	if err := server.ShutdownServer(httpServer, shutdownTimeout); err != nil {
		logger.Warn("HTTP shutdown incomplete", "error", err)
	}
}
