package gobuild

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dontdude/snipbox/internal/compiler"
	"github.com/dontdude/snipbox/internal/domain"
)

func TestBuildWritesFilesAndReturnsArtifact(t *testing.T) {
	b := New(Config{WorkDir: t.TempDir()})
	var gotArgs []string
	b.run = func(_ context.Context, dir string, env []string, name string, args ...string) ([]byte, error) {
		gotArgs = args
		assert.Contains(t, env, "CGO_ENABLED=0")
		assert.Contains(t, env, "GOOS=linux")
		data, err := os.ReadFile(filepath.Join(dir, "main.go"))
		require.NoError(t, err)
		assert.Equal(t, "package main", string(data))
		return nil, os.WriteFile(filepath.Join(dir, BinaryName), []byte("bin"), 0o755)
	}

	art, err := b.Build(context.Background(), []domain.SourceFile{{Name: "main.go", Data: []byte("package main")}})
	require.NoError(t, err)

	assert.Equal(t, []string{"build", "-trimpath", "-o", BinaryName, "."}, gotArgs)
	assert.FileExists(t, filepath.Join(art.Dir, art.Binary))

	art.Cleanup()
	assert.NoDirExists(t, art.Dir)
}

func TestBuildToolchainRejection(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	work := t.TempDir()
	b := New(Config{WorkDir: work})
	b.run = func(ctx context.Context, dir string, env []string, _ string, _ ...string) ([]byte, error) {
		script := "echo '# snippet'; echo \"" + dir + "/content.go:4:2: boom\"; exit 1"
		return runCommand(ctx, dir, env, "sh", "-c", script)
	}

	_, err := b.Build(context.Background(), []domain.SourceFile{{Name: "content.go", Data: []byte("x")}})

	var be *domain.BuildError
	require.True(t, errors.As(err, &be))
	assert.Equal(t, "content.go:4:2: boom", be.Output)

	entries, _ := os.ReadDir(work)
	assert.Empty(t, entries, "failed builds leave nothing behind")
}

func TestBuildRejectsPathInFileName(t *testing.T) {
	b := New(Config{WorkDir: t.TempDir()})
	b.run = func(context.Context, string, []string, string, ...string) ([]byte, error) {
		t.Fatal("toolchain must not run")
		return nil, nil
	}

	_, err := b.Build(context.Background(), []domain.SourceFile{{Name: "../evil.go"}})
	assert.Error(t, err)
}

func TestBuildCancelled(t *testing.T) {
	b := New(Config{WorkDir: t.TempDir()})
	b.run = func(ctx context.Context, _ string, _ []string, _ string, _ ...string) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := b.Build(ctx, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBuildTimeout(t *testing.T) {
	b := New(Config{WorkDir: t.TempDir(), Timeout: 10 * time.Millisecond})
	b.run = func(ctx context.Context, _ string, _ []string, _ string, _ ...string) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	_, err := b.Build(context.Background(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "build exceeded")
}

func TestBuildRealToolchain(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping toolchain build in short mode")
	}
	if _, err := exec.LookPath("go"); err != nil {
		t.Skip("go not on PATH")
	}

	unit, err := compiler.Assemble("return strings.ToUpper(\"hi\")", nil)
	require.NoError(t, err)

	b := New(Config{WorkDir: t.TempDir()})
	art, err := b.Build(context.Background(), unit.ProgramFiles())
	require.NoError(t, err)
	defer art.Cleanup()
	assert.FileExists(t, filepath.Join(art.Dir, art.Binary))
}

func TestBuildRealToolchainRuntimeFaultKind(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping toolchain build in short mode")
	}
	if runtime.GOOS != "linux" {
		t.Skip("artifacts target linux")
	}
	if _, err := exec.LookPath("go"); err != nil {
		t.Skip("go not on PATH")
	}

	cases := map[string]struct {
		content string
		kind    string
	}{
		"nil map write": {"var m map[string]int\nm[\"a\"] = 1\nreturn m", compiler.RuntimeErrorKind},
		"index":         {"s := []int{}\ni := 3\nreturn s[i]", compiler.RuntimeErrorKind},
		"user value":    {"panic(errors.New(\"boom\"))", "*errors.errorString"},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			unit, err := compiler.Assemble(tc.content, nil)
			require.NoError(t, err)

			b := New(Config{WorkDir: t.TempDir()})
			art, err := b.Build(context.Background(), unit.ProgramFiles())
			require.NoError(t, err)
			defer art.Cleanup()

			var stderr bytes.Buffer
			cmd := exec.Command(filepath.Join(art.Dir, art.Binary))
			cmd.Env = []string{compiler.NonceEnv + "=tag"}
			cmd.Stderr = &stderr
			require.Error(t, cmd.Run())

			var report map[string]string
			for _, line := range strings.Split(stderr.String(), "\n") {
				if rest, ok := strings.CutPrefix(line, "tag "); ok {
					require.NoError(t, json.Unmarshal([]byte(rest), &report))
				}
			}
			require.NotNil(t, report, stderr.String())
			assert.Equal(t, "failed", report["status"])
			assert.Equal(t, tc.kind, report["kind"])
		})
	}
}
