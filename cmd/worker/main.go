package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dontdude/snipbox/internal/app"
	"github.com/dontdude/snipbox/internal/domain"
	"github.com/dontdude/snipbox/internal/platform/queue"
	"github.com/dontdude/snipbox/internal/worker"
)

func main() {
	configPath := flag.String("config", "", "path to snipbox.yaml")
	flag.Parse()

	// 1. Load config and initialize logger
	cfg, err := app.Setup(*configPath)
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}
	slog.Info("Starting Snipbox Worker...")

	// 2. Build the execution pipeline
	// This will panic if Docker is not available (Fail-Fast)
	comp, err := app.NewCompiler(cfg)
	if err != nil {
		slog.Error("Failed to build compiler", "error", err)
		os.Exit(1)
	}
	exec, err := app.NewExecutor(cfg, comp)
	if err != nil {
		slog.Error("Failed to build executor", "error", err)
		os.Exit(1)
	}
	slog.Info("Docker wrapper initialized", "image", cfg.Sandbox.Image)

	// 3. Connect to the queue
	redisQ := app.NewQueue(cfg, queue.WithRecovery(cfg.Redis.RecoverInterval, cfg.Redis.MaxIdle, cfg.Redis.MaxDeliveries))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	jobs, err := redisQ.Subscribe(ctx)
	if err != nil {
		slog.Error("Failed to subscribe", "error", err)
		os.Exit(1)
	}

	// 4. Start the pool, the cancellation listener and the result publisher
	pool := worker.NewPool(cfg.Worker.Concurrency, exec, cfg.Worker.JobTimeout)
	pool.Start()

	cancels, err := redisQ.SubscribeCancels(ctx)
	if err != nil {
		slog.Error("Failed to subscribe to cancellations", "error", err)
		os.Exit(1)
	}
	go func() {
		for id := range cancels {
			pool.Cancel(id)
		}
	}()

	results := make(chan domain.JobResult, cfg.Worker.Concurrency)
	published := make(chan struct{})
	go func() {
		defer close(published)
		publishResults(redisQ, results)
	}()

	// 5. Feed jobs until signalled
	for job := range jobs {
		job.ResultCh = results
		pool.Submit(job)
	}

	// 6. Graceful shutdown
	slog.Info("Shutdown signal received")
	drained := make(chan struct{})
	go func() {
		pool.Stop()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(cfg.Worker.JobTimeout):
		slog.Warn("Jobs still running, aborting")
		pool.Abort()
		<-drained
	}
	close(results)
	<-published
	slog.Info("Worker exited")
}

// publishResults broadcasts each result, then acknowledges its job.
// Unacknowledged jobs are reclaimed by another worker's recovery routine.
func publishResults(q domain.JobQueue, results <-chan domain.JobResult) {
	for res := range results {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := q.Broadcast(ctx, res); err != nil {
			slog.Error("Failed to broadcast result", "jobID", res.JobID, "error", err)
			cancel()
			continue
		}
		if err := q.Acknowledge(ctx, res.RawID); err != nil {
			slog.Error("Failed to acknowledge job", "jobID", res.JobID, "error", err)
		}
		cancel()
		slog.Info("Job finished", "jobID", res.JobID)
	}
}
