// Command server runs the Sentinel agent fabric: the memory store, the
// metadata ledger, the seven specialized agents and the Coordinator, and the HTTP surface
// that exposes health, status, and manual-cycle operations.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aristath/sentinel/internal/config"
	"github.com/aristath/sentinel/internal/di"
	"github.com/aristath/sentinel/internal/server"
	"github.com/aristath/sentinel/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallbackLog := logger.New(logger.Config{Level: "info", Pretty: true})
		fallbackLog.Fatal().Err(err).Msg("failed to load configuration")
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.DevMode})
	log.Info().Str("data_dir", cfg.DataDir).Msg("starting sentinel")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	container, err := di.Wire(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to wire dependencies")
	}
	defer func() {
		if err := container.Close(); err != nil {
			log.Error().Err(err).Msg("error during dependency cleanup")
		}
	}()

	if err := container.Registry.StartAll(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start agents")
	}
	log.Info().Msg("agent registry started")

	if err := container.Registry.StartHealthChecks(); err != nil {
		log.Error().Err(err).Msg("failed to start agent health checks")
	}

	srv := server.New(server.Config{
		Log:         log,
		Port:        cfg.Port,
		DevMode:     cfg.DevMode,
		Registry:    container.Registry,
		Coordinator: container.Coordinator,
		Portfolio:   container.Portfolio,
		Watchlist:   cfg.Agents.Watchlist,
		Execute:     container.Execute,
	})

	go func() {
		if err := srv.Start(); err != nil {
			log.Fatal().Err(err).Msg("failed to start HTTP server")
		}
	}()
	log.Info().Int("port", cfg.Port).Msg("HTTP server started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutdown signal received")

	cancel()
	container.Registry.StopHealthChecks()

	if err := container.Registry.StopAll(); err != nil {
		log.Error().Err(err).Msg("error stopping agents")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("sentinel stopped")
}
