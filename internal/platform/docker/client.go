package docker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	units "github.com/docker/go-units"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/dontdude/snipbox/internal/domain"
)

// containerAPI is the subset of the Docker SDK the runner drives.
type containerAPI interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerAttach(ctx context.Context, container string, options container.AttachOptions) (types.HijackedResponse, error)
	ContainerStart(ctx context.Context, container string, options container.StartOptions) error
	ContainerWait(ctx context.Context, container string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerKill(ctx context.Context, container, signal string) error
	ContainerInspect(ctx context.Context, container string) (container.InspectResponse, error)
	ContainerRemove(ctx context.Context, container string, options container.RemoveOptions) error
}

// teardownTimeout bounds cleanup calls made after the caller's context is gone.
const teardownTimeout = 10 * time.Second

// Client wraps the official Docker SDK client.
type Client struct {
	api    containerAPI
	policy Policy
}

// Check if Client implements domain.ContainerRunner
var _ domain.ContainerRunner = (*Client)(nil)

// NewClient initializes and returns a verified Docker client.
// It performs a connection check (Ping) upon initialization and makes sure the sandbox image is present.
// If the Docker daemon is unreachable, the function panics to prevent the service from starting in a broken state
// (Fail-Fast).
func NewClient(policy Policy) *Client {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		slog.Error("Failed to create Docker client", "error", err)
		panic(err)
	}

	// Ping Docker to ensure connection
	ctx := context.Background()
	_, err = cli.Ping(ctx)
	if err != nil {
		slog.Error("Failed to connect to Docker Daemon", "error", err)
		panic(err)
	}

	policy = policy.withDefaults()
	if err := ensureImage(ctx, cli, policy.Image); err != nil {
		slog.Error("Failed to prepare sandbox image", "image", policy.Image, "error", err)
		panic(err)
	}

	slog.Info("Docker Client initialized successfully", "image", policy.Image)
	return &Client{api: cli, policy: policy}
}

func newClient(api containerAPI, policy Policy) *Client {
	return &Client{api: api, policy: policy.withDefaults()}
}

// ensureImage pulls the image once at startup; runs never pull.
func ensureImage(ctx context.Context, cli *client.Client, ref string) error {
	if _, err := cli.ImageInspect(ctx, ref); err == nil {
		return nil
	}
	slog.Info("Pulling image", "image", ref)
	reader, err := cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image: %w", err)
	}
	// Drain the response body to ensure the pull completes properly.
	defer reader.Close()
	_, err = io.Copy(io.Discard, reader)
	return err
}

// Run executes the artifact in a fresh container that is removed before Run returns.
// Limit hits are reported in the RunReport; only Docker faults produce an error.
func (c *Client) Run(ctx context.Context, spec domain.RunSpec) (domain.RunReport, error) {
	var rep domain.RunReport

	// 1. Create Container with Limits
	// Memory equals MemorySwap so the cgroup cannot spill to swap.
	created, err := c.api.ContainerCreate(ctx, c.containerConfig(spec), c.hostConfig(spec), nil, nil, "")
	if err != nil {
		slog.Error("Failed to create container", "error", err)
		return rep, fmt.Errorf("failed to create container: %w", err)
	}
	id := created.ID
	defer c.remove(id)

	// 2. Attach before start so no output is missed.
	hijacked, err := c.api.ContainerAttach(ctx, id, container.AttachOptions{Stream: true, Stdout: true, Stderr: true})
	if err != nil {
		return rep, fmt.Errorf("failed to attach to container: %w", err)
	}
	defer hijacked.Close()

	overflow := make(chan struct{})
	var once sync.Once
	signal := func() { once.Do(func() { close(overflow) }) }
	stdout := &cappedWriter{limit: spec.Limits.OutputBytes, onOverflow: signal}
	stderr := &cappedWriter{limit: spec.Limits.OutputBytes + c.policy.ReportReserve, onOverflow: signal}

	copied := make(chan struct{})
	go func() {
		defer close(copied)
		if _, err := stdcopy.StdCopy(stdout, stderr, hijacked.Reader); err != nil {
			slog.Debug("Container stream ended", "containerID", id, "error", err)
		}
	}()

	// 3. Start and wait under the run timeout.
	runCtx, cancel := context.WithTimeout(ctx, spec.Limits.Timeout)
	defer cancel()

	start := time.Now()
	if err := c.api.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return rep, fmt.Errorf("failed to start container: %w", err)
	}
	waitCh, errCh := c.api.ContainerWait(ctx, id, container.WaitConditionNotRunning)

	killed := false
	select {
	case w := <-waitCh:
		rep.ExitCode = int(w.StatusCode)
	case err := <-errCh:
		if ctx.Err() != nil {
			c.kill(id)
			return rep, ctx.Err()
		}
		return rep, fmt.Errorf("failed waiting for container: %w", err)
	case <-runCtx.Done():
		if ctx.Err() != nil {
			c.kill(id)
			return rep, ctx.Err()
		}
		rep.TimedOut = true
		killed = true
	case <-overflow:
		rep.OutputExceeded = true
		killed = true
	}
	rep.Duration = time.Since(start)

	if killed {
		c.kill(id)
		select {
		case w := <-waitCh:
			rep.ExitCode = int(w.StatusCode)
		case <-errCh:
		case <-time.After(teardownTimeout):
		}
	}

	// 4. Drain remaining output.
	select {
	case <-copied:
	case <-time.After(teardownTimeout):
		slog.Warn("Container output did not close", "containerID", id)
	}
	rep.Stdout = stdout.Bytes()
	rep.Stderr = stderr.Bytes()
	// The process may exit on its own after overflowing.
	rep.OutputExceeded = rep.OutputExceeded || stdout.Exceeded() || stderr.Exceeded()

	// 5. The exit code alone cannot tell an OOM kill from a SIGKILL.
	inspectCtx, cancelInspect := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancelInspect()
	if info, err := c.api.ContainerInspect(inspectCtx, id); err == nil && info.ContainerJSONBase != nil && info.State != nil {
		rep.OOMKilled = info.State.OOMKilled
	}

	slog.Debug("Container finished",
		"containerID", id,
		"exitCode", rep.ExitCode,
		"timedOut", rep.TimedOut,
		"oomKilled", rep.OOMKilled,
		"outputExceeded", rep.OutputExceeded,
		"duration", rep.Duration,
	)
	return rep, nil
}

func (c *Client) containerConfig(spec domain.RunSpec) *container.Config {
	return &container.Config{
		Image:           c.policy.Image,
		Cmd:             []string{path.Join(c.policy.MountPath, spec.Artifact.Binary)},
		Env:             spec.Env,
		User:            c.policy.User,
		WorkingDir:      "/tmp",
		NetworkDisabled: true,
		AttachStdout:    true,
		AttachStderr:    true,
		Tty:             false,
	}
}

func (c *Client) hostConfig(spec domain.RunSpec) *container.HostConfig {
	pids := c.policy.PidsLimit
	slog.Debug("Sandbox limits", "memory", units.BytesSize(float64(spec.Limits.MemoryBytes)), "timeout", spec.Limits.Timeout)
	return &container.HostConfig{
		NetworkMode:    "none",
		ReadonlyRootfs: true,
		CapDrop:        []string{"ALL"},
		SecurityOpt:    []string{"no-new-privileges"},
		Tmpfs:          map[string]string{"/tmp": "rw,noexec,nosuid,size=" + c.policy.TmpfsSize},
		Mounts: []mount.Mount{{
			Type:     mount.TypeBind,
			Source:   spec.Artifact.Dir,
			Target:   c.policy.MountPath,
			ReadOnly: true,
		}},
		Resources: container.Resources{
			Memory:     spec.Limits.MemoryBytes,
			MemorySwap: spec.Limits.MemoryBytes,
			PidsLimit:  &pids,
			NanoCPUs:   c.policy.NanoCPUs,
		},
	}
}

func (c *Client) kill(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	if err := c.api.ContainerKill(ctx, id, "KILL"); err != nil {
		slog.Debug("Failed to kill container", "containerID", id, "error", err)
	}
}

// remove runs on a detached context so cancelled requests still clean up.
func (c *Client) remove(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	if err := c.api.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		slog.Warn("Failed to remove container", "containerID", id, "error", err)
	}
}

// cappedWriter keeps at most limit bytes and signals once when more arrive.
// It never returns an error so the demultiplexer keeps draining.
type cappedWriter struct {
	mu         sync.Mutex
	buf        bytes.Buffer
	limit      int64
	exceeded   bool
	onOverflow func()
}

func (w *cappedWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	room := w.limit - int64(w.buf.Len())
	if int64(len(p)) > room {
		if room > 0 {
			w.buf.Write(p[:room])
		}
		if !w.exceeded {
			w.exceeded = true
			w.onOverflow()
		}
		return len(p), nil
	}
	w.buf.Write(p)
	return len(p), nil
}

func (w *cappedWriter) Exceeded() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.exceeded
}

func (w *cappedWriter) Bytes() []byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	return bytes.Clone(w.buf.Bytes())
}
