package docker

import (
	"bufio"
	"bytes"
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dontdude/snipbox/internal/domain"
)

type fakeAPI struct {
	mu      sync.Mutex
	stream  []byte
	exit    int64
	block   bool
	oom     bool
	killed  bool
	removed bool
	config  *container.Config
	host    *container.HostConfig
	waitCh  chan container.WaitResponse
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{waitCh: make(chan container.WaitResponse, 1)}
}

func (f *fakeAPI) write(stream stdcopy.StdType, data string) {
	var buf bytes.Buffer
	_, _ = stdcopy.NewStdWriter(&buf, stream).Write([]byte(data))
	f.stream = append(f.stream, buf.Bytes()...)
}

func (f *fakeAPI) ContainerCreate(_ context.Context, cfg *container.Config, host *container.HostConfig, _ *network.NetworkingConfig, _ *ocispec.Platform, _ string) (container.CreateResponse, error) {
	f.config, f.host = cfg, host
	return container.CreateResponse{ID: "c1"}, nil
}

func (f *fakeAPI) ContainerAttach(context.Context, string, container.AttachOptions) (types.HijackedResponse, error) {
	conn, peer := net.Pipe()
	_ = peer.Close()
	return types.HijackedResponse{Conn: conn, Reader: bufio.NewReader(bytes.NewReader(f.stream))}, nil
}

func (f *fakeAPI) ContainerStart(context.Context, string, container.StartOptions) error {
	if !f.block {
		f.waitCh <- container.WaitResponse{StatusCode: f.exit}
	}
	return nil
}

func (f *fakeAPI) ContainerWait(context.Context, string, container.WaitCondition) (<-chan container.WaitResponse, <-chan error) {
	return f.waitCh, make(chan error)
}

func (f *fakeAPI) ContainerKill(context.Context, string, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.killed {
		f.killed = true
		f.waitCh <- container.WaitResponse{StatusCode: 137}
	}
	return nil
}

func (f *fakeAPI) ContainerInspect(context.Context, string) (container.InspectResponse, error) {
	return container.InspectResponse{ContainerJSONBase: &container.ContainerJSONBase{State: &container.State{OOMKilled: f.oom}}}, nil
}

func (f *fakeAPI) ContainerRemove(context.Context, string, container.RemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = true
	return nil
}

func testSpec() domain.RunSpec {
	return domain.RunSpec{
		Artifact: domain.Artifact{Dir: "/tmp/build-1", Binary: "snippet"},
		Env:      []string{"SNIPBOX_REPORT_NONCE=abc"},
		Limits:   domain.Limits{Timeout: time.Second, MemoryBytes: 64 << 20, OutputBytes: 100},
	}
}

func TestRunCompletes(t *testing.T) {
	api := newFakeAPI()
	api.write(stdcopy.Stdout, "hi\n")
	api.write(stdcopy.Stderr, "warn\n")

	rep, err := newClient(api, Policy{}).Run(context.Background(), testSpec())
	require.NoError(t, err)

	assert.Equal(t, "hi\n", string(rep.Stdout))
	assert.Equal(t, "warn\n", string(rep.Stderr))
	assert.Zero(t, rep.ExitCode)
	assert.False(t, rep.TimedOut)
	assert.False(t, api.killed)
	assert.True(t, api.removed)
}

func TestRunIsolationSettings(t *testing.T) {
	api := newFakeAPI()

	_, err := newClient(api, Policy{}).Run(context.Background(), testSpec())
	require.NoError(t, err)

	assert.Equal(t, []string{"/sandbox/snippet"}, []string(api.config.Cmd))
	assert.Equal(t, []string{"SNIPBOX_REPORT_NONCE=abc"}, api.config.Env)
	assert.True(t, api.config.NetworkDisabled)
	assert.Equal(t, "65534:65534", api.config.User)

	h := api.host
	assert.Equal(t, container.NetworkMode("none"), h.NetworkMode)
	assert.True(t, h.ReadonlyRootfs)
	assert.Equal(t, []string{"ALL"}, []string(h.CapDrop))
	assert.Equal(t, int64(64<<20), h.Resources.Memory)
	assert.Equal(t, h.Resources.Memory, h.Resources.MemorySwap)
	require.NotNil(t, h.Resources.PidsLimit)
	assert.Equal(t, int64(64), *h.Resources.PidsLimit)
	require.Len(t, h.Mounts, 1)
	assert.True(t, h.Mounts[0].ReadOnly)
	assert.Equal(t, "/tmp/build-1", h.Mounts[0].Source)
}

func TestRunTimeout(t *testing.T) {
	api := newFakeAPI()
	api.block = true
	spec := testSpec()
	spec.Limits.Timeout = 20 * time.Millisecond

	rep, err := newClient(api, Policy{}).Run(context.Background(), spec)
	require.NoError(t, err)

	assert.True(t, rep.TimedOut)
	assert.True(t, api.killed)
	assert.Equal(t, 137, rep.ExitCode)
	assert.True(t, api.removed)
}

func TestRunOutputOverflow(t *testing.T) {
	api := newFakeAPI()
	api.block = true
	api.write(stdcopy.Stdout, strings.Repeat("x", 500))

	rep, err := newClient(api, Policy{}).Run(context.Background(), testSpec())
	require.NoError(t, err)

	assert.True(t, rep.OutputExceeded)
	assert.Len(t, rep.Stdout, 100)
	assert.True(t, api.killed)
}

func TestRunStderrReserve(t *testing.T) {
	api := newFakeAPI()
	api.write(stdcopy.Stderr, strings.Repeat("r", 150))

	rep, err := newClient(api, Policy{ReportReserve: 100}).Run(context.Background(), testSpec())
	require.NoError(t, err)

	assert.False(t, rep.OutputExceeded)
	assert.Len(t, rep.Stderr, 150)
}

func TestRunOOMKilled(t *testing.T) {
	api := newFakeAPI()
	api.exit = 137
	api.oom = true

	rep, err := newClient(api, Policy{}).Run(context.Background(), testSpec())
	require.NoError(t, err)

	assert.True(t, rep.OOMKilled)
	assert.Equal(t, 137, rep.ExitCode)
}

func TestRunCancelled(t *testing.T) {
	api := newFakeAPI()
	api.block = true
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := newClient(api, Policy{}).Run(ctx, testSpec())
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, api.killed)
	assert.True(t, api.removed)
}

func TestCappedWriter(t *testing.T) {
	calls := 0
	w := &cappedWriter{limit: 5, onOverflow: func() { calls++ }}

	n, err := w.Write([]byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = w.Write([]byte("defg"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	_, _ = w.Write([]byte("more"))

	assert.Equal(t, "abcde", string(w.Bytes()))
	assert.Equal(t, 1, calls)
}
