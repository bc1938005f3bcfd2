package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"validation-queue/internal/app"
	"validation-queue/internal/config"
	"validation-queue/internal/logging"
	"validation-queue/internal/telemetry"
	"validation-queue/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLogger := logging.New("validation-worker", "info", "json")
		bootLogger.Fatal().Err(err).Msg("load config")
	}

	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}
	logger := logging.New("validation-worker", cfg.LogLevel, cfg.LogFormat).
		With().Str("worker_id", workerID).Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, "validation-worker", logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("init")
	}
	defer a.Close(context.Background())

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Error().Err(err).Msg("metrics server stopped")
		}
	}()

	poller := worker.NewPoller(a.Drainer, a.Sweeper, a.Reporter, worker.PollerConfig{
		Interval:      cfg.DrainInterval,
		SweepInterval: cfg.SweepInterval,
		Drain:         a.DrainOptions(),
	}, logger)
	if err := poller.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("worker stopped")
	}
}
