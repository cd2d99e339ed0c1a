package docker

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strconv"
	"strings"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"golang.org/x/time/rate"

	"github.com/botvisor/botvisor/internal/env"
	"github.com/botvisor/botvisor/internal/runtime"
)

// LabelBot marks containers managed by botvisor.
const LabelBot = "io.botvisor.bot"

// Config tunes the Docker runtime.
type Config struct {
	// Host overrides DOCKER_HOST when set.
	Host          string  `mapstructure:"host"`
	Network       string  `mapstructure:"network"`
	RestartPolicy string  `mapstructure:"restart_policy"`
	MountRoot     string  `mapstructure:"mount_root"`
	LogMaxSize    string  `mapstructure:"log_max_size"`
	LogMaxFile    string  `mapstructure:"log_max_file"`
	InspectRate   float64 `mapstructure:"inspect_rate"`
	InspectBurst  int     `mapstructure:"inspect_burst"`
}

func (c Config) withDefaults() Config {
	if c.RestartPolicy == "" {
		c.RestartPolicy = "no"
	}
	if c.MountRoot == "" {
		c.MountRoot = "/home/bot"
	}
	if c.LogMaxSize == "" {
		c.LogMaxSize = "10m"
	}
	if c.LogMaxFile == "" {
		c.LogMaxFile = "5"
	}
	if c.InspectRate <= 0 {
		c.InspectRate = 20
	}
	if c.InspectBurst <= 0 {
		c.InspectBurst = 5
	}
	return c
}

// apiClient is the subset of the Docker client used here.
type apiClient interface {
	ImageInspect(ctx context.Context, imageID string, inspectOpts ...client.ImageInspectOption) (image.InspectResponse, error)
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	Close() error
}

// Runtime runs each bot as one named Docker container.
type Runtime struct {
	api     apiClient
	cfg     Config
	limiter *rate.Limiter
	log     *slog.Logger
}

// New connects to the Docker daemon from the environment (DOCKER_HOST etc.).
func New(cfg Config, log *slog.Logger) (*Runtime, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return newRuntime(cli, cfg, log), nil
}

func newRuntime(api apiClient, cfg Config, log *slog.Logger) *Runtime {
	cfg = cfg.withDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &Runtime{
		api:     api,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.InspectRate), cfg.InspectBurst),
		log:     log.With(slog.String("component", "docker")),
	}
}

func (r *Runtime) Close() error { return r.api.Close() }

func (r *Runtime) Start(ctx context.Context, spec runtime.Spec) (runtime.Handle, error) {
	if err := r.ensureImage(ctx, spec.Image); err != nil {
		return runtime.Handle{}, err
	}
	if err := r.clearStale(ctx, spec.Name); err != nil {
		return runtime.Handle{}, err
	}

	labels := map[string]string{LabelBot: spec.Name}
	for k, v := range spec.Labels {
		labels[k] = v
	}
	cfg := &container.Config{
		Image:  spec.Image,
		Env:    env.Pairs(spec.Env),
		Labels: labels,
		Tty:    false,
	}
	host := &container.HostConfig{
		Mounts: r.mounts(spec.Dirs),
		LogConfig: container.LogConfig{
			Type:   "json-file",
			Config: map[string]string{"max-size": r.cfg.LogMaxSize, "max-file": r.cfg.LogMaxFile},
		},
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyMode(r.cfg.RestartPolicy)},
	}
	if r.cfg.Network != "" {
		host.NetworkMode = container.NetworkMode(r.cfg.Network)
	}

	created, err := r.api.ContainerCreate(ctx, cfg, host, nil, nil, spec.Name)
	if err != nil {
		return runtime.Handle{}, mapErr("create", err)
	}
	for _, w := range created.Warnings {
		r.log.Warn("container create warning", slog.String("bot", spec.Name), slog.String("warning", w))
	}
	h := runtime.Handle{ID: created.ID, Name: spec.Name}
	if err := r.api.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		_ = r.api.ContainerRemove(context.WithoutCancel(ctx), created.ID, container.RemoveOptions{Force: true})
		return runtime.Handle{}, mapErr("start", err)
	}
	r.log.Info("container started", slog.String("bot", spec.Name), slog.String("id", shortID(created.ID)), slog.String("image", spec.Image))
	return h, nil
}

func (r *Runtime) ensureImage(ctx context.Context, ref string) error {
	if ref == "" {
		return fmt.Errorf("%w: empty image reference", runtime.ErrImagePullFailed)
	}
	if _, err := r.api.ImageInspect(ctx, ref); err == nil {
		return nil
	} else if !cerrdefs.IsNotFound(err) {
		return mapErr("image inspect", err)
	}
	r.log.Info("pulling image", slog.String("image", ref))
	rc, err := r.api.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("%w: %s: %v", runtime.ErrImagePullFailed, ref, err)
	}
	defer func() { _ = rc.Close() }()
	// the pull only completes once the progress stream is drained
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("%w: %s: %v", runtime.ErrImagePullFailed, ref, err)
	}
	return nil
}

// clearStale removes a stopped container holding the bot's name. A running
// one is a conflict.
func (r *Runtime) clearStale(ctx context.Context, name string) error {
	info, err := r.api.ContainerInspect(ctx, name)
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return nil
		}
		return mapErr("inspect", err)
	}
	if info.State != nil && info.State.Running {
		return fmt.Errorf("%w: %s", runtime.ErrNameConflict, name)
	}
	r.log.Info("removing stale container", slog.String("bot", name), slog.String("id", shortID(info.ID)))
	if err := r.api.ContainerRemove(ctx, info.ID, container.RemoveOptions{Force: true}); err != nil && !cerrdefs.IsNotFound(err) {
		return mapErr("remove", err)
	}
	return nil
}

func (r *Runtime) mounts(d runtime.Dirs) []mount.Mount {
	var out []mount.Mount
	add := func(src, leaf string) {
		if src == "" {
			return
		}
		out = append(out, mount.Mount{Type: mount.TypeBind, Source: src, Target: path.Join(r.cfg.MountRoot, leaf)})
	}
	add(d.Conf, "conf")
	add(d.Data, "data")
	add(d.Logs, "logs")
	return out
}

func (r *Runtime) Stop(ctx context.Context, h runtime.Handle, grace time.Duration) error {
	secs := int(grace.Round(time.Second) / time.Second)
	if err := r.api.ContainerStop(ctx, h.ID, container.StopOptions{Timeout: &secs}); err != nil {
		return mapErr("stop", err)
	}
	return nil
}

func (r *Runtime) ForceRemove(ctx context.Context, h runtime.Handle) error {
	if err := r.api.ContainerRemove(ctx, h.ID, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		return mapErr("remove", err)
	}
	return nil
}

func (r *Runtime) Inspect(ctx context.Context, h runtime.Handle) (runtime.State, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return runtime.State{}, err
	}
	info, err := r.api.ContainerInspect(ctx, h.ID)
	if err != nil {
		return runtime.State{}, mapErr("inspect", err)
	}
	if info.State == nil {
		return runtime.State{}, nil
	}
	st := runtime.State{Running: info.State.Running, Status: string(info.State.Status)}
	if !st.Running {
		code := info.State.ExitCode
		st.ExitCode = &code
	}
	st.Healthy = st.Running
	if info.State.Health != nil && string(info.State.Health.Status) != "none" {
		st.Healthy = st.Running && string(info.State.Health.Status) == "healthy"
	}
	return st, nil
}

func (r *Runtime) Logs(ctx context.Context, h runtime.Handle, tail int) ([]string, error) {
	t := "all"
	if tail > 0 {
		t = strconv.Itoa(tail)
	}
	rc, err := r.api.ContainerLogs(ctx, h.ID, container.LogsOptions{ShowStdout: true, ShowStderr: true, Tail: t})
	if err != nil {
		return nil, mapErr("logs", err)
	}
	defer func() { _ = rc.Close() }()
	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, rc); err != nil {
		return nil, fmt.Errorf("read logs: %w", err)
	}
	var lines []string
	sc := bufio.NewScanner(&buf)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	return lines, sc.Err()
}

func mapErr(op string, err error) error {
	switch {
	case cerrdefs.IsNotFound(err):
		return fmt.Errorf("%s: %w: %v", op, runtime.ErrNotFound, err)
	case cerrdefs.IsConflict(err):
		return fmt.Errorf("%s: %w: %v", op, runtime.ErrNameConflict, err)
	case cerrdefs.IsResourceExhausted(err):
		return fmt.Errorf("%s: %w: %v", op, runtime.ErrResourceExhausted, err)
	case strings.Contains(err.Error(), "no space left on device"):
		return fmt.Errorf("%s: %w: %v", op, runtime.ErrResourceExhausted, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

var _ runtime.Runtime = (*Runtime)(nil)
