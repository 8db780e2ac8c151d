package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/vellumhq/pipeline/internal/ai"
	"github.com/vellumhq/pipeline/internal/assets"
	"github.com/vellumhq/pipeline/internal/cache"
	"github.com/vellumhq/pipeline/internal/config"
	"github.com/vellumhq/pipeline/internal/queue"
	"github.com/vellumhq/pipeline/internal/store"
	"github.com/vellumhq/pipeline/internal/worker"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the job worker pool",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWorker()
	},
}

func runWorker() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded",
		"ai_provider", cfg.AI.Provider,
		"concurrency", cfg.Worker.Concurrency)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	objectStore, err := assets.NewMinioStore(ctx, cfg.ObjectStore)
	if err != nil {
		return fmt.Errorf("create object store: %w", err)
	}

	aiProvider, err := ai.NewProvider(cfg.AI)
	if err != nil {
		return fmt.Errorf("create AI provider: %w", err)
	}
	slog.Info("AI provider initialized", "provider", aiProvider.Name())

	pgStore := store.NewPostgresStore(pool)
	jobQueue := queue.New(pgStore, redisCache, cfg.Queue)

	handlers := worker.NewHandlers(aiProvider, objectStore, pgStore)
	workerPool := worker.NewPool(jobQueue, cfg.Worker, cfg.Queue, handlers...)

	// Expired-lease recovery runs alongside the pool so stuck jobs from
	// crashed workers re-enter the queue.
	go jobQueue.RunReaper(ctx, cfg.Queue.ReaperInterval)

	workerPool.Run(ctx)

	slog.Info("worker stopped gracefully")
	return nil
}
