package gobuild

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/dontdude/snipbox/internal/domain"
)

// BinaryName is the file name of every built program.
const BinaryName = "snippet"

// Config controls the host-side toolchain invocation.
type Config struct {
	// GoBinary is the go command; defaults to "go" on PATH.
	GoBinary string
	// Timeout bounds a single build. It is independent of the run timeout.
	Timeout time.Duration
	// CacheDir is shared across builds so the standard library compiles once.
	CacheDir string
	// WorkDir is where per-build temp directories are created; defaults to os.TempDir.
	WorkDir string
}

// Builder compiles generated programs into static Linux binaries.
type Builder struct {
	cfg Config
	run func(ctx context.Context, dir string, env []string, name string, args ...string) ([]byte, error)
}

// Check if Builder implements domain.Builder
var _ domain.Builder = (*Builder)(nil)

// New returns a Builder with defaults filled in.
func New(cfg Config) *Builder {
	if cfg.GoBinary == "" {
		cfg.GoBinary = "go"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &Builder{cfg: cfg, run: runCommand}
}

func runCommand(ctx context.Context, dir string, env []string, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Env = env
	return cmd.CombinedOutput()
}

// Build writes files to a fresh directory and runs go build there.
// A toolchain rejection is a *domain.BuildError; the caller owns Artifact.Cleanup.
func (b *Builder) Build(ctx context.Context, files []domain.SourceFile) (domain.Artifact, error) {
	dir, err := os.MkdirTemp(b.cfg.WorkDir, "snipbox-build-*")
	if err != nil {
		return domain.Artifact{}, fmt.Errorf("creating build dir: %w", err)
	}
	cleanup := func() {
		if err := os.RemoveAll(dir); err != nil {
			slog.Warn("Failed to remove build dir", "dir", dir, "error", err)
		}
	}

	for _, f := range files {
		if strings.ContainsAny(f.Name, `/\`) {
			cleanup()
			return domain.Artifact{}, fmt.Errorf("invalid source file name %q", f.Name)
		}
		if err := os.WriteFile(filepath.Join(dir, f.Name), f.Data, 0o644); err != nil {
			cleanup()
			return domain.Artifact{}, fmt.Errorf("writing %s: %w", f.Name, err)
		}
	}

	// The sandbox mounts dir read-only as a non-root user.
	if err := os.Chmod(dir, 0o755); err != nil {
		cleanup()
		return domain.Artifact{}, fmt.Errorf("chmod build dir: %w", err)
	}

	buildCtx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	start := time.Now()
	out, err := b.run(buildCtx, dir, b.env(), b.cfg.GoBinary, "build", "-trimpath", "-o", BinaryName, ".")
	if err != nil {
		cleanup()
		if ctx.Err() != nil {
			return domain.Artifact{}, ctx.Err()
		}
		if errors.Is(buildCtx.Err(), context.DeadlineExceeded) {
			return domain.Artifact{}, fmt.Errorf("build exceeded %s", b.cfg.Timeout)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return domain.Artifact{}, &domain.BuildError{Output: cleanOutput(string(out), dir)}
		}
		return domain.Artifact{}, fmt.Errorf("running go build: %w", err)
	}

	slog.Debug("Snippet built", "dir", dir, "duration", time.Since(start))
	return domain.Artifact{Dir: dir, Binary: BinaryName, Cleanup: cleanup}, nil
}

// env is a closed environment: no network module fetches, no cgo, no workspace files.
func (b *Builder) env() []string {
	env := []string{
		"PATH=" + os.Getenv("PATH"),
		"HOME=" + os.TempDir(),
		"GOOS=linux",
		"GOARCH=" + runtime.GOARCH,
		"CGO_ENABLED=0",
		"GOFLAGS=-mod=mod",
		"GOPROXY=off",
		"GOWORK=off",
		"GOTOOLCHAIN=local",
	}
	if b.cfg.CacheDir != "" {
		env = append(env, "GOCACHE="+b.cfg.CacheDir)
	} else if c := os.Getenv("GOCACHE"); c != "" {
		env = append(env, "GOCACHE="+c)
	}
	if root := os.Getenv("GOROOT"); root != "" {
		env = append(env, "GOROOT="+root)
	}
	return env
}

// cleanOutput drops the "# snippet" banner and host paths from toolchain output.
func cleanOutput(out, dir string) string {
	var lines []string
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, "# ") {
			continue
		}
		line = strings.ReplaceAll(line, dir+string(filepath.Separator), "")
		lines = append(lines, line)
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
