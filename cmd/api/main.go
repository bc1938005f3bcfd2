package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"validation-queue/internal/api"
	"validation-queue/internal/app"
	"validation-queue/internal/config"
	"validation-queue/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLogger := logging.New("validation-api", "info", "json")
		bootLogger.Fatal().Err(err).Msg("load config")
	}
	logger := logging.New("validation-api", cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, "validation-api", logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("init")
	}
	defer a.Close(context.Background())

	var deadLetter api.DeadLetterReader
	if a.DeadLetter != nil {
		deadLetter = a.DeadLetter
	}
	server := api.New(a.Service, a.Reporter, a.Drainer, a.DrainOptions(), deadLetter, a.Store, logger)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info().Str("port", cfg.HTTPPort).Msg("api listening")
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("listen")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("shutdown")
	}
}
