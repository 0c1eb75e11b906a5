// firewatch ETL worker — drains the source engine's execution stream into
// the analytics schema and serves the ops API.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/firewatch-ai/firewatch/pkg/api"
	"github.com/firewatch-ai/firewatch/pkg/config"
	"github.com/firewatch-ai/firewatch/pkg/database"
	"github.com/firewatch-ai/firewatch/pkg/etl"
	"github.com/firewatch-ai/firewatch/pkg/events"
	"github.com/firewatch-ai/firewatch/pkg/images"
	"github.com/firewatch-ai/firewatch/pkg/n8n"
	"github.com/firewatch-ai/firewatch/pkg/queue"
	"github.com/firewatch-ai/firewatch/pkg/version"
)

// resolveWorkerID determines the worker identity used in queue claims.
// Priority: WORKER_ID env > HOSTNAME env > "local"
func resolveWorkerID() string {
	if id := os.Getenv("WORKER_ID"); id != "" {
		return id
	}
	if hostname := os.Getenv("HOSTNAME"); hostname != "" {
		return hostname
	}
	return "local"
}

func main() {
	envFile := flag.String("env-file", os.Getenv("ENV_FILE"), "Path to .env file (optional)")
	flag.Parse()

	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil {
			slog.Warn("Could not load .env file, continuing with existing environment",
				"path", *envFile, "error", err)
		} else {
			slog.Info("Loaded environment", "path", *envFile)
		}
	}

	workerID := resolveWorkerID()

	// 1. Configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	cfg.TargetDB.StatementTimeout = cfg.Queue.StatementTimeout
	cfg.SourceDB.StatementTimeout = cfg.Queue.StatementTimeout

	slog.Info("Starting firewatch ETL",
		"version", version.Full(),
		"worker_id", workerID,
		"workers", cfg.Queue.WorkerCount,
		"batch_size", cfg.Queue.BatchSize,
		"http_port", cfg.HTTPPort)

	ctx := context.Background()

	// 2. Databases: target owns migrations, source is read-only.
	targetDB, err := database.NewTargetClient(ctx, cfg.TargetDB)
	if err != nil {
		slog.Error("Failed to connect to target database", "error", err)
		os.Exit(1)
	}
	defer targetDB.Close()
	slog.Info("Connected to target database")

	sourceDB, err := database.NewSourceClient(ctx, cfg.SourceDB)
	if err != nil {
		slog.Error("Failed to connect to source database", "error", err)
		os.Exit(1)
	}
	defer sourceDB.Close()
	slog.Info("Connected to source database")

	// 3. Pipeline components
	sourceStore := n8n.NewSourceStore(sourceDB.Pool())
	writer := etl.NewWriter(targetDB.Pool())
	materializer := images.NewMaterializer(
		cfg.Images.BinaryDataRoot, cfg.Images.CacheRoot,
		cfg.Images.ThumbnailMaxWidth, cfg.Images.ThumbnailQuality, cfg.Images.WebPQuality)
	if !materializer.Enabled() {
		slog.Warn("Image materialization disabled: N8N_BINARY_DATA_ROOT or IMAGE_CACHE_ROOT not set")
	}
	processor := etl.NewProcessor(writer, materializer)
	publisher := events.NewPublisher(targetDB.Pool())

	q := queue.NewQueue(targetDB.Pool())
	stage1 := queue.NewStage1(cfg.Queue, writer, q, sourceStore)
	pool := queue.NewWorkerPool(workerID, cfg.Queue, q, stage1, sourceStore, processor, publisher)

	// 4. LISTEN connections, one per database: the execution-ready trigger
	// fires on the source engine's database, the queue wakeup on ours.
	sourceListener := events.NewNotifyListener(sourceDB.DSN(), pool.HandleNotification)
	if err := sourceListener.Start(ctx); err != nil {
		slog.Error("Failed to start source NotifyListener", "error", err)
		os.Exit(1)
	}
	defer sourceListener.Stop(ctx)
	if err := sourceListener.Subscribe(ctx, events.ChannelExecutionReady); err != nil {
		slog.Error("Failed to subscribe", "channel", events.ChannelExecutionReady, "error", err)
		os.Exit(1)
	}

	targetListener := events.NewNotifyListener(targetDB.DSN(), pool.HandleNotification)
	if err := targetListener.Start(ctx); err != nil {
		slog.Error("Failed to start target NotifyListener", "error", err)
		os.Exit(1)
	}
	defer targetListener.Stop(ctx)
	if err := targetListener.Subscribe(ctx, events.ChannelStage2Queue); err != nil {
		slog.Error("Failed to subscribe", "channel", events.ChannelStage2Queue, "error", err)
		os.Exit(1)
	}

	// 5. Workers
	if err := pool.Start(ctx); err != nil {
		slog.Error("Failed to start worker pool", "error", err)
		os.Exit(1)
	}

	// 6. Ops API (non-blocking)
	httpServer := api.NewServer(targetDB, sourceDB, pool, q)
	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.HTTPPort
		slog.Info("Ops API listening", "addr", addr)
		if err := httpServer.Start(addr); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("firewatch ETL started", "worker_id", workerID)

	// 7. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 8. Graceful shutdown: drain in-flight batches, then release the
	// LISTEN connection and the HTTP server. Rows still claimed past the
	// deadline are returned to pending by any surviving worker's cleanup.
	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Queue.ShutdownTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		pool.Stop()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("Worker pool stopped gracefully")
	case <-shutdownCtx.Done():
		slog.Warn("Shutdown timeout exceeded — unfinished claims will be stale-recovered")
	}

	httpShutdownCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
