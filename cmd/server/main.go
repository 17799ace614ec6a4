package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/dontdude/snipbox/internal/app"
	"github.com/dontdude/snipbox/internal/platform/web"
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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Open the version store
	versions, closeStore, err := app.OpenStore(ctx, cfg)
	if err != nil {
		slog.Error("Failed to open store", "driver", cfg.Store.Driver, "error", err)
		os.Exit(1)
	}
	defer closeStore()

	// 3. Compiler (shared by validate, show and run)
	comp, err := app.NewCompiler(cfg)
	if err != nil {
		slog.Error("Failed to build compiler", "error", err)
		os.Exit(1)
	}

	deps := web.Deps{
		Compiler:   comp,
		Store:      versions,
		InlineRuns: int64(cfg.Worker.Concurrency),
		CORSOrigin: cfg.Server.CORSOrigin,
	}

	// 4. Runs go to the worker fleet through Redis, or to a local sandbox
	if cfg.Queue.Enabled {
		redisQ := app.NewQueue(cfg)
		results, err := redisQ.SubscribeLogs(ctx)
		if err != nil {
			slog.Error("Failed to subscribe to results", "error", err)
			os.Exit(1)
		}
		hub := web.NewHub(1024)
		go hub.Run(ctx, results)

		deps.Queue = redisQ
		deps.Hub = hub
		slog.Info("Runs are queued", "stream", cfg.Redis.Stream)
	} else {
		// This will panic if Docker is not available (Fail-Fast)
		exec, err := app.NewExecutor(cfg, comp)
		if err != nil {
			slog.Error("Failed to build executor", "error", err)
			os.Exit(1)
		}
		deps.Executor = exec
		slog.Info("Runs execute inline", "concurrency", cfg.Worker.Concurrency)
	}

	// 5. Rate limiter
	if cfg.Server.RateLimit > 0 {
		deps.Limiter = web.NewRateLimiter(ctx, cfg.Server.RateLimit, cfg.Server.RateBurst)
	}

	// 6. Serve until signalled
	srv := web.NewServer(deps)
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(cfg.Server.Addr)
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	case <-ctx.Done():
		if err := srv.Shutdown(context.Background()); err != nil {
			slog.Error("Shutdown failed", "error", err)
		}
	}
	slog.Info("Server exited")
}
