// Package app assembles the validation queue from configuration. The API, the
// worker and the drain CLI all build on it.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"validation-queue/internal/config"
	"validation-queue/internal/deadletter"
	"validation-queue/internal/files"
	"validation-queue/internal/ratelimit"
	"validation-queue/internal/service"
	"validation-queue/internal/store"
	"validation-queue/internal/telemetry"
	"validation-queue/internal/validation"
	"validation-queue/internal/webhook"
	"validation-queue/internal/worker"
)

// App holds the wired components.
type App struct {
	Config     config.Config
	Logger     zerolog.Logger
	Store      *store.Store
	Redis      *redis.Client
	DeadLetter *deadletter.RedisIndex
	Processor  *worker.Processor
	Drainer    *worker.Drainer
	Sweeper    *worker.Sweeper
	Service    *service.Service
	Reporter   *service.Reporter

	shutdownTracing func(context.Context) error
}

// New connects to the store, applies migrations and builds every component.
func New(ctx context.Context, cfg config.Config, serviceName string, logger zerolog.Logger) (*App, error) {
	if err := cfg.RequireStore(); err != nil {
		return nil, err
	}

	shutdown, err := telemetry.InitTracing(ctx, telemetry.TracingConfig{
		Endpoint:    cfg.OTLPEndpoint,
		ServiceName: serviceName,
		Environment: cfg.Env,
	})
	if err != nil {
		return nil, err
	}

	st, err := store.New(ctx, cfg.StoreURL, cfg.StoreKey)
	if err != nil {
		_ = shutdown(ctx)
		return nil, err
	}
	if err := st.RunMigrations(ctx); err != nil {
		st.Close()
		_ = shutdown(ctx)
		return nil, err
	}

	a := &App{Config: cfg, Logger: logger, Store: st, shutdownTracing: shutdown}

	if cfg.RedisAddr != "" {
		a.Redis = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := a.Redis.Ping(ctx).Err(); err != nil {
			a.Close(ctx)
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		a.DeadLetter = deadletter.NewRedisIndex(a.Redis, cfg.DeadLetterKey)
	}

	resolver, err := files.NewResolver(ctx, files.S3Config{
		Bucket:     cfg.S3Bucket,
		Region:     cfg.S3Region,
		Endpoint:   cfg.S3Endpoint,
		PathStyle:  cfg.S3PathStyle,
		PresignTTL: cfg.PresignTTL,
	})
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	hook := webhook.NewClient(cfg.WebhookURL, cfg.WebhookToken, cfg.WebhookRatePerSec,
		&http.Client{Timeout: cfg.ValidationTimeout + 5*time.Second})
	pipeline := validation.NewPipeline(resolver, hook, st, cfg.CreditCost, logger)

	a.Processor = worker.NewProcessor(st, pipeline, logger, worker.Options{
		Timeout:     cfg.ValidationTimeout,
		RetryBase:   cfg.RetryBaseDelay,
		RetryJitter: cfg.RetryJitter,
	})
	a.Drainer = worker.NewDrainer(st, a.Processor, logger)
	a.Sweeper = worker.NewSweeper(st, cfg.StaleAfter, logger)
	a.Reporter = service.NewReporter(st)
	a.Service = service.New(st, a.Processor, pipeline, cfg.MaxAttempts, logger)

	if a.DeadLetter != nil {
		a.Processor.WithDeadLetter(a.DeadLetter)
		a.Service.WithDeadLetter(a.DeadLetter)
		a.Service.WithLimiter(ratelimit.NewTokenBucket(a.Redis, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour))
	}
	return a, nil
}

// DrainOptions returns the configured per-cycle drain settings.
func (a *App) DrainOptions() worker.DrainOptions {
	return worker.DrainOptions{
		MaxConcurrent: a.Config.DrainMaxConcurrent,
		Timeout:       a.Config.ValidationTimeout,
	}
}

// Close releases connections and flushes traces.
func (a *App) Close(ctx context.Context) {
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
			a.Logger.Warn().Err(err).Msg("close redis")
		}
	}
	if a.Store != nil {
		a.Store.Close()
	}
	if a.shutdownTracing != nil {
		if err := a.shutdownTracing(ctx); err != nil {
			a.Logger.Warn().Err(err).Msg("flush traces")
		}
	}
}
