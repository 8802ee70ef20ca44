package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"plugin-runner/internal/api"
	"plugin-runner/internal/app"
	"plugin-runner/internal/config"
	"plugin-runner/internal/pipeline"
	"plugin-runner/internal/plugin"
	"plugin-runner/internal/plugins"
	"plugin-runner/internal/queue"
	"plugin-runner/internal/ratelimit"
	"plugin-runner/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := telemetry.NewLogger(cfg)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	records, closeRecords, err := app.OpenRecords(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("open record store", zap.Error(err))
	}
	defer closeRecords()

	arts, err := app.OpenArtifacts(ctx, cfg)
	if err != nil {
		logger.Fatal("open artifact store", zap.Error(err))
	}

	registry, err := plugin.NewRegistry(plugins.Builtin(cfg)...)
	if err != nil {
		logger.Fatal("plugin registry", zap.Error(err))
	}

	redisClient := queue.NewRedisClient(cfg)
	defer redisClient.Close()
	q := queue.NewRedisQueue(redisClient, cfg)

	var limiter api.Limiter
	if cfg.RateLimitCapacity > 0 {
		limiter = ratelimit.NewTokenBucket(redisClient, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
	}

	escalator := pipeline.NewOperatorChannel(logger, q)
	admission := pipeline.NewAdmission(records, pipeline.NewDispatcher(records, q, escalator, logger), logger)

	server := api.New(records, admission, registry, arts, q, limiter, logger)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("api listening", zap.String("addr", httpServer.Addr), zap.Int("plugins", len(registry.All())))
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
