package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"plugin-runner/internal/app"
	"plugin-runner/internal/config"
	"plugin-runner/internal/pipeline"
	"plugin-runner/internal/plugin"
	"plugin-runner/internal/plugins"
	"plugin-runner/internal/queue"
	"plugin-runner/internal/telemetry"
	"plugin-runner/internal/worker"
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

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
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

	// Unique worker ID from env var or hostname
	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	link := pipeline.NewErrorLink(records, pipeline.NewOperatorChannel(logger, q), logger)
	executor := worker.NewExecutor(records, arts, registry, link, logger)
	processor := worker.NewProcessor(cfg, q, executor, workerID, logger)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()

	if err := processor.Run(ctx); err != nil {
		logger.Error("worker stopped", zap.Error(err))
	}
}
