package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/botvisor/botvisor/internal/runtime"
)

type fakeAPI struct {
	images     map[string]bool
	pullErr    error
	pulled     []string
	containers map[string]*container.InspectResponse
	created    *container.Config
	hostCfg    *container.HostConfig
	createErr  error
	removed    []string
	stopped    []int
	logs       []byte
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{images: map[string]bool{}, containers: map[string]*container.InspectResponse{}}
}

func (f *fakeAPI) ImageInspect(_ context.Context, ref string, _ ...client.ImageInspectOption) (image.InspectResponse, error) {
	if f.images[ref] {
		return image.InspectResponse{ID: ref}, nil
	}
	return image.InspectResponse{}, fmt.Errorf("no such image: %w", cerrdefs.ErrNotFound)
}

func (f *fakeAPI) ImagePull(_ context.Context, ref string, _ image.PullOptions) (io.ReadCloser, error) {
	if f.pullErr != nil {
		return nil, f.pullErr
	}
	f.pulled = append(f.pulled, ref)
	f.images[ref] = true
	return io.NopCloser(bytes.NewBufferString(`{"status":"done"}`)), nil
}

func (f *fakeAPI) ContainerCreate(_ context.Context, cfg *container.Config, host *container.HostConfig, _ *network.NetworkingConfig, _ *ocispec.Platform, name string) (container.CreateResponse, error) {
	if f.createErr != nil {
		return container.CreateResponse{}, f.createErr
	}
	f.created, f.hostCfg = cfg, host
	id := "id-" + name + "-000000000000"
	f.containers[name] = inspectResp(id, name, true, 0)
	f.containers[id] = f.containers[name]
	return container.CreateResponse{ID: id}, nil
}

func (f *fakeAPI) ContainerStart(context.Context, string, container.StartOptions) error { return nil }

func (f *fakeAPI) ContainerStop(_ context.Context, id string, opts container.StopOptions) error {
	c, ok := f.containers[id]
	if !ok {
		return fmt.Errorf("no such container: %w", cerrdefs.ErrNotFound)
	}
	c.State.Running = false
	f.stopped = append(f.stopped, *opts.Timeout)
	return nil
}

func (f *fakeAPI) ContainerRemove(_ context.Context, id string, _ container.RemoveOptions) error {
	c, ok := f.containers[id]
	if !ok {
		return fmt.Errorf("no such container: %w", cerrdefs.ErrNotFound)
	}
	delete(f.containers, c.ID)
	delete(f.containers, c.Name)
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeAPI) ContainerInspect(_ context.Context, id string) (container.InspectResponse, error) {
	c, ok := f.containers[id]
	if !ok {
		return container.InspectResponse{}, fmt.Errorf("no such container: %w", cerrdefs.ErrNotFound)
	}
	return *c, nil
}

func (f *fakeAPI) ContainerLogs(context.Context, string, container.LogsOptions) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(f.logs)), nil
}

func (f *fakeAPI) Close() error { return nil }

func inspectResp(id, name string, running bool, exit int) *container.InspectResponse {
	return &container.InspectResponse{
		ContainerJSONBase: &container.ContainerJSONBase{
			ID:    id,
			Name:  name,
			State: &container.State{Running: running, ExitCode: exit},
		},
	}
}

func TestStartPullsMissingImageAndMounts(t *testing.T) {
	api := newFakeAPI()
	rt := newRuntime(api, Config{}, nil)

	h, err := rt.Start(context.Background(), runtime.Spec{
		Name:  "alpha",
		Image: "bots/pmm:latest",
		Env:   map[string]string{"BOT_NAME": "alpha", "A": "1"},
		Dirs:  runtime.Dirs{Conf: "/srv/alpha/conf", Data: "/srv/alpha/data", Logs: "/srv/alpha/logs"},
	})
	require.NoError(t, err)
	assert.Equal(t, "alpha", h.Name)
	assert.Equal(t, []string{"bots/pmm:latest"}, api.pulled)
	assert.Equal(t, []string{"A=1", "BOT_NAME=alpha"}, api.created.Env)
	assert.Equal(t, "alpha", api.created.Labels[LabelBot])
	require.Len(t, api.hostCfg.Mounts, 3)
	assert.Equal(t, "/home/bot/conf", api.hostCfg.Mounts[0].Target)
	assert.Equal(t, "10m", api.hostCfg.LogConfig.Config["max-size"])
	assert.Equal(t, "5", api.hostCfg.LogConfig.Config["max-file"])
}

func TestStartPullFailure(t *testing.T) {
	api := newFakeAPI()
	api.pullErr = errors.New("denied")
	_, err := newRuntime(api, Config{}, nil).Start(context.Background(), runtime.Spec{Name: "a", Image: "private/img"})
	assert.ErrorIs(t, err, runtime.ErrImagePullFailed)
}

func TestStartRemovesStoppedSameName(t *testing.T) {
	api := newFakeAPI()
	api.images["img"] = true
	old := inspectResp("old-id", "alpha", false, 0)
	api.containers["alpha"], api.containers["old-id"] = old, old

	_, err := newRuntime(api, Config{}, nil).Start(context.Background(), runtime.Spec{Name: "alpha", Image: "img"})
	require.NoError(t, err)
	assert.Equal(t, []string{"old-id"}, api.removed)
}

func TestStartRejectsRunningSameName(t *testing.T) {
	api := newFakeAPI()
	api.images["img"] = true
	api.containers["alpha"] = inspectResp("live", "alpha", true, 0)
	_, err := newRuntime(api, Config{}, nil).Start(context.Background(), runtime.Spec{Name: "alpha", Image: "img"})
	assert.ErrorIs(t, err, runtime.ErrNameConflict)
}

func TestCreateResourceExhausted(t *testing.T) {
	api := newFakeAPI()
	api.images["img"] = true
	api.createErr = fmt.Errorf("quota: %w", cerrdefs.ErrResourceExhausted)
	_, err := newRuntime(api, Config{}, nil).Start(context.Background(), runtime.Spec{Name: "a", Image: "img"})
	assert.ErrorIs(t, err, runtime.ErrResourceExhausted)
}

func TestStopInspectRemove(t *testing.T) {
	api := newFakeAPI()
	api.images["img"] = true
	rt := newRuntime(api, Config{}, nil)
	ctx := context.Background()
	h, err := rt.Start(ctx, runtime.Spec{Name: "alpha", Image: "img"})
	require.NoError(t, err)

	st, err := rt.Inspect(ctx, h)
	require.NoError(t, err)
	assert.True(t, st.Running)
	assert.True(t, st.Healthy)
	assert.Nil(t, st.ExitCode)

	require.NoError(t, rt.Stop(ctx, h, 10*time.Second))
	assert.Equal(t, []int{10}, api.stopped)
	st, err = rt.Inspect(ctx, h)
	require.NoError(t, err)
	assert.True(t, st.Exited())
	require.NotNil(t, st.ExitCode)

	require.NoError(t, rt.ForceRemove(ctx, h))
	_, err = rt.Inspect(ctx, h)
	assert.ErrorIs(t, err, runtime.ErrNotFound)
}

func TestInspectHealthCheck(t *testing.T) {
	api := newFakeAPI()
	c := inspectResp("c1", "alpha", true, 0)
	c.State.Health = &container.Health{Status: "starting"}
	api.containers["c1"] = c
	st, err := newRuntime(api, Config{}, nil).Inspect(context.Background(), runtime.Handle{ID: "c1"})
	require.NoError(t, err)
	assert.True(t, st.Running)
	assert.False(t, st.Healthy)
}

func TestLogsDemultiplexed(t *testing.T) {
	api := newFakeAPI()
	var buf bytes.Buffer
	_, _ = stdcopy.NewStdWriter(&buf, stdcopy.Stdout).Write([]byte("line one\n"))
	_, _ = stdcopy.NewStdWriter(&buf, stdcopy.Stderr).Write([]byte("line two\n"))
	api.logs = buf.Bytes()
	lines, err := newRuntime(api, Config{}, nil).Logs(context.Background(), runtime.Handle{ID: "c1"}, 50)
	require.NoError(t, err)
	assert.Equal(t, []string{"line one", "line two"}, lines)
}
