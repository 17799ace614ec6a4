// Package app assembles snipbox components from configuration. The binaries under cmd/ share it.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dontdude/snipbox/internal/compiler"
	"github.com/dontdude/snipbox/internal/config"
	"github.com/dontdude/snipbox/internal/domain"
	"github.com/dontdude/snipbox/internal/executor"
	"github.com/dontdude/snipbox/internal/platform/docker"
	"github.com/dontdude/snipbox/internal/platform/gobuild"
	"github.com/dontdude/snipbox/internal/platform/queue"
	"github.com/dontdude/snipbox/internal/store"
)

// Setup loads configuration and installs the default logger.
func Setup(configPath string) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger, err := config.NewLogger(cfg.Log, nil)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)
	return cfg, nil
}

// OpenStore returns the configured version store and a func releasing it.
func OpenStore(ctx context.Context, cfg *config.Config) (domain.VersionStore, func() error, error) {
	noop := func() error { return nil }

	switch cfg.Store.Driver {
	case "", "memory":
		slog.Warn("Using in-memory store; snippets are lost on restart")
		return store.NewMemoryStore(), noop, nil
	case "sqlite":
		s, err := store.OpenSQLite(cfg.Store.Path)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case "postgres":
		s, err := store.OpenPostgres(ctx, cfg.Store.DSN)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case "redis":
		rdb := queue.Connect(cfg.Redis.Addr)
		return store.NewRedisStore(rdb, cfg.Store.Prefix), rdb.Close, nil
	default:
		return nil, nil, fmt.Errorf("store.driver: unknown driver %q", cfg.Store.Driver)
	}
}

// NewCompiler returns the front-end compiler, memoized when a cache size is set.
func NewCompiler(cfg *config.Config) (domain.Compiler, error) {
	maxSource, err := cfg.MaxSourceBytes()
	if err != nil {
		return nil, err
	}
	c := compiler.New(compiler.WithMaxSourceBytes(maxSource))
	if cfg.Compiler.CacheSize <= 0 {
		return c, nil
	}
	cache, err := compiler.NewCache(c, cfg.Compiler.CacheSize)
	if err != nil {
		return nil, err
	}
	return cache, nil
}

// Policy translates sandbox settings for the Docker runner.
func Policy(cfg *config.Config) docker.Policy {
	p := docker.DefaultPolicy()
	p.Image = cfg.Sandbox.Image
	p.PidsLimit = cfg.Sandbox.Pids
	p.NanoCPUs = cfg.NanoCPUs()
	p.TmpfsSize = cfg.Sandbox.Tmpfs
	return p
}

// NewExecutor connects to Docker and returns a full pipeline. It panics if Docker is unreachable.
func NewExecutor(cfg *config.Config, comp domain.Compiler) (*executor.Executor, error) {
	ceiling, err := cfg.Limits()
	if err != nil {
		return nil, err
	}

	runner := docker.NewClient(Policy(cfg))
	builder := gobuild.New(gobuild.Config{
		GoBinary: cfg.Build.Go,
		Timeout:  cfg.Build.Timeout,
		CacheDir: cfg.Build.CacheDir,
		WorkDir:  cfg.Build.WorkDir,
	})
	return executor.New(comp, builder, runner, ceiling), nil
}

// NewQueue connects to Redis and returns the run queue. It panics if Redis is unreachable.
func NewQueue(cfg *config.Config, opts ...queue.Option) *queue.RedisQueue {
	rdb := queue.Connect(cfg.Redis.Addr)
	return queue.NewRedisQueue(rdb, cfg.Redis.Stream, cfg.Redis.Group, opts...)
}
