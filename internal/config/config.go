// Package config loads snipbox settings from defaults, an optional snipbox.yaml,
// a .env file and SNIPBOX_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	units "github.com/docker/go-units"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/dontdude/snipbox/internal/domain"
)

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type ServerConfig struct {
	Addr       string  `mapstructure:"addr"`
	RateLimit  float64 `mapstructure:"rate_limit"`
	RateBurst  float64 `mapstructure:"rate_burst"`
	CORSOrigin string  `mapstructure:"cors_origin"`
}

type StoreConfig struct {
	// Driver is one of memory, sqlite, postgres, redis.
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"`
	DSN    string `mapstructure:"dsn"`
	Prefix string `mapstructure:"prefix"`
}

type RedisConfig struct {
	Addr            string        `mapstructure:"addr"`
	Stream          string        `mapstructure:"stream"`
	Group           string        `mapstructure:"group"`
	RecoverInterval time.Duration `mapstructure:"recover_interval"`
	MaxIdle         time.Duration `mapstructure:"max_idle"`
	MaxDeliveries   int64         `mapstructure:"max_deliveries"`
}

type QueueConfig struct {
	// Enabled routes runs through Redis to cmd/worker; otherwise the server runs them inline.
	Enabled bool `mapstructure:"enabled"`
}

type SandboxConfig struct {
	Image   string        `mapstructure:"image"`
	Timeout time.Duration `mapstructure:"timeout"`
	Memory  string        `mapstructure:"memory"`
	Output  string        `mapstructure:"output"`
	Pids    int64         `mapstructure:"pids"`
	CPUs    float64       `mapstructure:"cpus"`
	Tmpfs   string        `mapstructure:"tmpfs"`
}

type BuildConfig struct {
	Go       string        `mapstructure:"go"`
	Timeout  time.Duration `mapstructure:"timeout"`
	CacheDir string        `mapstructure:"cache_dir"`
	WorkDir  string        `mapstructure:"work_dir"`
}

type CompilerConfig struct {
	MaxSource string `mapstructure:"max_source"`
	CacheSize int    `mapstructure:"cache_size"`
}

type WorkerConfig struct {
	Concurrency int           `mapstructure:"concurrency"`
	JobTimeout  time.Duration `mapstructure:"job_timeout"`
}

type Config struct {
	Log      LogConfig      `mapstructure:"log"`
	Server   ServerConfig   `mapstructure:"server"`
	Store    StoreConfig    `mapstructure:"store"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Sandbox  SandboxConfig  `mapstructure:"sandbox"`
	Build    BuildConfig    `mapstructure:"build"`
	Compiler CompilerConfig `mapstructure:"compiler"`
	Worker   WorkerConfig   `mapstructure:"worker"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("server.addr", ":8080")
	// Rate: 0.5 tokens/sec (1 request every 2s), Capacity: 5 (Burst)
	v.SetDefault("server.rate_limit", 0.5)
	v.SetDefault("server.rate_burst", 5.0)
	v.SetDefault("server.cors_origin", "*")

	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.path", "data/snipbox.db")
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.prefix", "snipbox")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.stream", "snipbox:jobs")
	v.SetDefault("redis.group", "snipbox:workers")
	v.SetDefault("redis.recover_interval", 30*time.Second)
	v.SetDefault("redis.max_idle", 2*time.Minute)
	v.SetDefault("redis.max_deliveries", 3)

	v.SetDefault("queue.enabled", false)

	v.SetDefault("sandbox.image", "gcr.io/distroless/static-debian12:nonroot")
	v.SetDefault("sandbox.timeout", 10*time.Second)
	v.SetDefault("sandbox.memory", "128m")
	v.SetDefault("sandbox.output", "64k")
	v.SetDefault("sandbox.pids", 64)
	v.SetDefault("sandbox.cpus", 1.0)
	v.SetDefault("sandbox.tmpfs", "16m")

	v.SetDefault("build.go", "go")
	v.SetDefault("build.timeout", 60*time.Second)
	v.SetDefault("build.cache_dir", "")
	v.SetDefault("build.work_dir", "")

	v.SetDefault("compiler.max_source", "64k")
	v.SetDefault("compiler.cache_size", 512)

	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.job_timeout", 2*time.Minute)
}

// Load reads configuration. An explicit path must exist; otherwise snipbox.yaml is optional.
func Load(path string) (*Config, error) {
	// A missing .env is fine.
	_ = godotenv.Load()

	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("snipbox")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/snipbox")
	}

	setDefaults(v)
	v.SetEnvPrefix("SNIPBOX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if _, err := cfg.Limits(); err != nil {
		return nil, err
	}
	if _, err := cfg.MaxSourceBytes(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Limits returns the operator ceilings for a single run.
func (c *Config) Limits() (domain.Limits, error) {
	mem, err := units.RAMInBytes(c.Sandbox.Memory)
	if err != nil {
		return domain.Limits{}, fmt.Errorf("sandbox.memory: %w", err)
	}
	out, err := units.RAMInBytes(c.Sandbox.Output)
	if err != nil {
		return domain.Limits{}, fmt.Errorf("sandbox.output: %w", err)
	}
	return domain.Limits{Timeout: c.Sandbox.Timeout, MemoryBytes: mem, OutputBytes: out}, nil
}

// MaxSourceBytes is the compile input ceiling.
func (c *Config) MaxSourceBytes() (int, error) {
	n, err := units.RAMInBytes(c.Compiler.MaxSource)
	if err != nil {
		return 0, fmt.Errorf("compiler.max_source: %w", err)
	}
	return int(n), nil
}

// NanoCPUs converts the CPU quota for the Docker API.
func (c *Config) NanoCPUs() int64 {
	return int64(c.Sandbox.CPUs * 1e9)
}

// NewLogger builds the process logger. Text output matches the default handler layout.
func NewLogger(cfg LogConfig, w io.Writer) (*slog.Logger, error) {
	if w == nil {
		w = os.Stdout
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("log.level: %w", err)
	}
	opts := &slog.HandlerOptions{Level: level}

	switch strings.ToLower(cfg.Format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("log.format: unknown format %q", cfg.Format)
	}
}
