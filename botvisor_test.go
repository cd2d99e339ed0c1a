package botvisor

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/botvisor/botvisor/internal/broker"
	"github.com/botvisor/botvisor/internal/event"
	"github.com/botvisor/botvisor/internal/runtime/runtimetest"
	"github.com/botvisor/botvisor/pkg/client"
)

func testConfig(t *testing.T) *Config {
	t.Helper()
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	dir := t.TempDir()
	cfg.Server.Listen = "127.0.0.1:0"
	cfg.Broker.Type = "memory"
	cfg.Store.DSN = "sqlite://" + filepath.Join(dir, "botvisor.db")
	cfg.Runtime.InstanceRoot = filepath.Join(dir, "instances")
	cfg.Archive.Dir = filepath.Join(dir, "archive")
	cfg.Archive.StagingDir = filepath.Join(dir, "staging")
	cfg.Lifecycle.LivenessCheck = 10 * time.Millisecond
	cfg.Lifecycle.StopGrace = 10 * time.Millisecond
	cfg.Lifecycle.DefaultImage = "botvisor/bot:test"
	return cfg
}

func TestDaemonLifecycleOverHTTP(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	br := broker.NewMemory()
	rt := runtimetest.New()
	rt.LogLines = []string{"booted"}

	d, err := New(ctx, cfg,
		WithBroker(br),
		WithRuntime(rt),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)
	require.NoError(t, d.Serve())
	t.Cleanup(func() { _ = d.Shutdown(context.Background()) })
	require.NotEmpty(t, d.Addr())

	c, err := client.New(client.Config{BaseURL: "http://" + d.Addr() + "/api"})
	require.NoError(t, err)

	inst, err := c.Deploy(ctx, client.DeployRequest{Name: "b1", StrategyRef: "pmm", Config: map[string]any{"spread": 0.02}})
	require.NoError(t, err)
	assert.Equal(t, "Starting", inst.State)
	assert.Equal(t, "botvisor/bot:test", inst.Image)

	hb, err := event.Encode(event.KindHeartbeat, 1, map[string]any{"uptime_s": 1})
	require.NoError(t, err)
	require.NoError(t, br.Publish(ctx, broker.StatusTopic(cfg.Reconciler.TopicPrefix, "b1"), hb))

	require.Eventually(t, func() bool {
		st, err := c.Status(ctx, "b1")
		return err == nil && st.State == "Running"
	}, 3*time.Second, 10*time.Millisecond)

	res, err := c.Stop(ctx, "b1", true)
	require.NoError(t, err)
	assert.Equal(t, "Archived", res.State)

	st, err := c.Status(ctx, "b1")
	require.NoError(t, err)
	require.NotNil(t, st.Archive)
	assert.Equal(t, inst.RunID, st.Archive.RunID)
	assert.Equal(t, []string{"Pending", "Starting", "Running", "Stopping", "Stopped", "Archiving", "Archived"}, st.Path)

	// idempotent
	res, err = c.Stop(ctx, "b1", true)
	require.NoError(t, err)
	assert.Equal(t, "Archived", res.State)

	_, err = c.Status(ctx, "nope")
	assert.True(t, client.IsNotFound(err))
}

func TestNewRejectsUnknownBroker(t *testing.T) {
	cfg := testConfig(t)
	cfg.Broker.Type = "amqp"
	_, err := New(context.Background(), cfg,
		WithRuntime(runtimetest.New()),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	assert.Error(t, err)
}
