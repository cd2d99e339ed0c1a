package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/botvisor/botvisor/internal/archive"
	"github.com/botvisor/botvisor/internal/broker"
	"github.com/botvisor/botvisor/internal/event"
	"github.com/botvisor/botvisor/internal/history"
	"github.com/botvisor/botvisor/internal/reconciler"
	"github.com/botvisor/botvisor/internal/runtime"
	"github.com/botvisor/botvisor/internal/runtime/runtimetest"
	"github.com/botvisor/botvisor/internal/store"
	"github.com/botvisor/botvisor/internal/store/sqlite"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type pathSink struct {
	mu     sync.Mutex
	events []history.Event
}

func (s *pathSink) Send(_ context.Context, e history.Event) error {
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
	return nil
}

func (s *pathSink) path(runID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, e := range s.events {
		if e.Type == history.EventTransition && e.Transition.RunID == runID {
			out = append(out, e.Transition.To)
		}
	}
	return out
}

func (s *pathSink) count(typ history.EventType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e.Type == typ {
			n++
		}
	}
	return n
}

type flakyStore struct {
	store.Store
	fail atomic.Bool
}

func (f *flakyStore) AppendEvents(ctx context.Context, b store.Batch) error {
	if f.fail.Load() {
		return errors.New("disk full")
	}
	return f.Store.AppendEvents(ctx, b)
}

type flakyArchiver struct {
	inner Archiver
	fail  atomic.Bool
	calls atomic.Int32
}

func (a *flakyArchiver) Archive(ctx context.Context, req archive.Request) (store.ArchiveRecord, error) {
	a.calls.Add(1)
	if a.fail.Load() {
		return store.ArchiveRecord{}, archive.ErrArchival
	}
	return a.inner.Archive(ctx, req)
}

// stopRecorder records the persisted watermark at the moment the container is
// asked to stop.
type stopRecorder struct {
	runtime.Runtime
	st       store.Store
	bot      string
	runID    atomic.Value
	seqAtStp atomic.Uint64
}

func (p *stopRecorder) Stop(ctx context.Context, h runtime.Handle, grace time.Duration) error {
	if id, ok := p.runID.Load().(string); ok {
		seq, err := p.st.LastSequence(ctx, p.bot, id)
		if err == nil {
			p.seqAtStp.Store(seq)
		}
	}
	return p.Runtime.Stop(ctx, h, grace)
}

// beatOnStart publishes the first heartbeat while Start is still in flight.
type beatOnStart struct {
	runtime.Runtime
	br *broker.Memory
}

func (r *beatOnStart) Start(ctx context.Context, spec runtime.Spec) (runtime.Handle, error) {
	h, err := r.Runtime.Start(ctx, spec)
	if err != nil {
		return h, err
	}
	b, err := event.Encode(event.KindHeartbeat, 1, map[string]any{"uptime_s": 1})
	if err != nil {
		return h, err
	}
	if err := r.br.Publish(ctx, broker.StatusTopic("", spec.Name), b); err != nil {
		return h, err
	}
	time.Sleep(30 * time.Millisecond)
	return h, nil
}

type harness struct {
	t          *testing.T
	clock      *clock
	br         *broker.Memory
	st         *flakyStore
	rt         *runtimetest.Runtime
	rec        *reconciler.Reconciler
	arch       *flakyArchiver
	sink       *pathSink
	o          *Orchestrator
	archiveDir string
}

type harnessOpt func(*Config, *Deps, *harness)

func newHarness(t *testing.T, opts ...harnessOpt) *harness {
	t.Helper()
	db, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.EnsureSchema(context.Background()))

	h := &harness{
		t:          t,
		clock:      &clock{t: time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)},
		br:         broker.NewMemory(),
		st:         &flakyStore{Store: db},
		rt:         runtimetest.New(),
		sink:       &pathSink{},
		archiveDir: filepath.Join(t.TempDir(), "archive"),
	}
	h.rec = reconciler.New(h.br, h.st, reconciler.Config{
		BatchSize:     10,
		FlushInterval: 10 * time.Millisecond,
		MaxRetries:    1,
		RetryBase:     time.Millisecond,
		RetryMax:      2 * time.Millisecond,
	}, reconciler.WithNow(h.clock.Now))
	am, err := archive.New(h.st, archive.LocalUploader{Dir: h.archiveDir}, archive.Config{
		StagingDir: filepath.Join(t.TempDir(), "staging"),
		Dir:        h.archiveDir,
		MaxRetries: 1,
		RetryBase:  time.Millisecond,
	}, archive.WithNow(h.clock.Now))
	require.NoError(t, err)
	h.arch = &flakyArchiver{inner: am}

	cfg := Config{
		LivenessCheck: 5 * time.Millisecond,
		StopGrace:     10 * time.Millisecond,
		DefaultImage:  "botvisor/bot:latest",
		Strategies:    map[string]string{"pmm": "botvisor/pmm:2.1"},
		Env:           map[string]string{"EXCHANGE": "binance", "LOG_DIR": "/bot/logs/${BOT_NAME}"},
	}
	deps := Deps{
		Runtime:    runtime.NewAdapter(h.rt, runtime.AdapterConfig{CallTimeout: time.Second, MaxRetries: 1, RetryBase: time.Millisecond}, nil),
		Broker:     h.br,
		Reconciler: h.rec,
		Archiver:   h.arch,
		Store:      h.st,
		Layout:     runtime.Layout{Root: filepath.Join(t.TempDir(), "instances")},
		History:    h.sink,
	}
	for _, opt := range opts {
		opt(&cfg, &deps, h)
	}
	h.o, err = New(cfg, deps, WithNow(h.clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.o.Shutdown(context.Background()) })
	return h
}

func (h *harness) publish(bot string, kind event.Kind, seq uint64, payload any) {
	h.t.Helper()
	b, err := event.Encode(kind, seq, payload)
	require.NoError(h.t, err)
	require.NoError(h.t, h.br.Publish(context.Background(), broker.StatusTopic("", bot), b))
}

func (h *harness) beat(bot string, seq uint64) {
	h.publish(bot, event.KindHeartbeat, seq, map[string]any{"uptime_s": seq})
}

func (h *harness) deploy(name string) BotInstance {
	h.t.Helper()
	inst, err := h.o.Deploy(context.Background(), DeployRequest{Name: name, StrategyRef: "pmm", Config: map[string]any{"spread": 0.01}})
	require.NoError(h.t, err)
	return inst
}

func (h *harness) waitState(name string, want State) StatusReport {
	h.t.Helper()
	var rep StatusReport
	require.Eventually(h.t, func() bool {
		r, err := h.o.Status(context.Background(), name)
		if err != nil {
			return false
		}
		rep = r
		return r.State == want
	}, 2*time.Second, 5*time.Millisecond, "waiting for %s", want)
	return rep
}

func (h *harness) running(name string) BotInstance {
	h.t.Helper()
	inst := h.deploy(name)
	h.beat(name, 1)
	h.waitState(name, StateRunning)
	return inst
}

func TestDeployReachesRunningOnFirstHeartbeat(t *testing.T) {
	h := newHarness(t)
	inst := h.deploy("alpha")
	assert.Equal(t, StateStarting, inst.State)
	assert.NotEmpty(t, inst.RunID)
	assert.Equal(t, "botvisor/pmm:2.1", inst.Image)

	h.beat("alpha", 1)
	rep := h.waitState("alpha", StateRunning)
	assert.Equal(t, []State{StatePending, StateStarting, StateRunning}, rep.Path)
	assert.True(t, rep.Healthy)
	assert.Equal(t, []string{"Pending", "Starting", "Running"}, h.sink.path(inst.RunID))
}

func TestDeployInjectsEnvAndStrategyConfig(t *testing.T) {
	h := newHarness(t)
	inst := h.deploy("alpha")

	spec, ok := h.rt.Spec("alpha")
	require.True(t, ok)
	assert.Equal(t, "alpha", spec.Env["BOT_NAME"])
	assert.Equal(t, inst.RunID, spec.Env["BOT_RUN_ID"])
	assert.Equal(t, "pmm", spec.Env["BOT_STRATEGY"])
	assert.Equal(t, "bots", spec.Env["BOT_TOPIC_PREFIX"])
	assert.Equal(t, "0.01", spec.Env["BOT_CONFIG_SPREAD"])
	assert.JSONEq(t, `{"spread":0.01}`, spec.Env["BOT_CONFIG"])
	assert.Equal(t, "binance", spec.Env["EXCHANGE"])
	assert.Equal(t, "/bot/logs/alpha", spec.Env["LOG_DIR"])
	assert.Equal(t, inst.RunID, spec.Labels[LabelRunID])

	assert.Equal(t, inst.RunID, filepath.Base(spec.Dirs.Root))
	b, err := os.ReadFile(filepath.Join(spec.Dirs.Conf, runtime.StrategyFile))
	require.NoError(t, err)
	strategy := map[string]any{}
	require.NoError(t, yaml.Unmarshal(b, &strategy))
	assert.Equal(t, 0.01, strategy["spread"])
}

func TestDeployImageResolution(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	inst, err := h.o.Deploy(ctx, DeployRequest{Name: "a", StrategyRef: "pmm", Config: map[string]any{"image": "custom/bot:dev"}})
	require.NoError(t, err)
	assert.Equal(t, "custom/bot:dev", inst.Image)

	inst, err = h.o.Deploy(ctx, DeployRequest{Name: "b", StrategyRef: "unknown"})
	require.NoError(t, err)
	assert.Equal(t, "botvisor/bot:latest", inst.Image)
}

func TestDuplicateDeployMakesNoRuntimeCall(t *testing.T) {
	h := newHarness(t)
	h.running("alpha")

	_, err := h.o.Deploy(context.Background(), DeployRequest{Name: "alpha", StrategyRef: "pmm"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDuplicateName)
	assert.Equal(t, KindDuplicateName, KindOf(err))
	var oe *Error
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, StateRunning, oe.State)
	assert.Equal(t, 1, h.rt.Count("start"))
}

func TestInvalidDeployHasNoSideEffect(t *testing.T) {
	h := newHarness(t, func(c *Config, _ *Deps, _ *harness) { c.DefaultImage = "" })
	ctx := context.Background()
	cases := []DeployRequest{
		{Name: "bad name!", StrategyRef: "pmm"},
		{Name: "", StrategyRef: "pmm"},
		{Name: "alpha"},
		{Name: "alpha", StrategyRef: "pmm", Config: map[string]any{"image": 42}},
		{Name: "alpha", StrategyRef: "unknown"},
		{Name: "alpha", StrategyRef: "pmm", Config: map[string]any{"bad": make(chan int)}},
	}
	for _, req := range cases {
		_, err := h.o.Deploy(ctx, req)
		require.Error(t, err, "%+v", req)
		assert.ErrorIs(t, err, ErrInvalidConfig)
		assert.Equal(t, KindConfig, KindOf(err))
	}
	assert.Empty(t, h.rt.Calls())
	assert.Empty(t, h.o.List())
	assert.Zero(t, h.br.Subscribers())
}

func TestStartFailureFailsBot(t *testing.T) {
	h := newHarness(t)
	h.rt.StartErr = runtime.ErrImagePullFailed

	_, err := h.o.Deploy(context.Background(), DeployRequest{Name: "alpha", StrategyRef: "pmm"})
	require.Error(t, err)
	assert.ErrorIs(t, err, runtime.ErrImagePullFailed)
	assert.Equal(t, KindRuntime, KindOf(err))

	rep, err := h.o.Status(context.Background(), "alpha")
	require.NoError(t, err)
	assert.Equal(t, StateFailed, rep.State)
	assert.Equal(t, ReasonStartFailed, rep.Reason)
	assert.Zero(t, h.br.Subscribers())
	assert.NoDirExists(t, h.o.deps.Layout.Dirs("alpha", rep.RunID).Root)
	assert.NoDirExists(t, filepath.Join(h.o.deps.Layout.Root, "alpha"))

	h.rt.StartErr = nil
	h.deploy("alpha")
}

func TestDeployReportsStartingWhenHeartbeatRacesReply(t *testing.T) {
	h := newHarness(t, func(_ *Config, d *Deps, h *harness) {
		d.Runtime = &beatOnStart{Runtime: d.Runtime, br: h.br}
	})
	for i := 0; i < 5; i++ {
		name := fmt.Sprintf("bot-%d", i)
		inst := h.deploy(name)
		assert.Equal(t, StateStarting, inst.State, name)
		h.waitState(name, StateRunning)
	}
}

func TestStartupTimeout(t *testing.T) {
	h := newHarness(t)
	h.deploy("alpha")

	h.clock.Advance(31 * time.Second)
	rep := h.waitState("alpha", StateFailed)
	assert.Equal(t, ReasonStartupTimeout, rep.Reason)
	assert.False(t, h.rt.Exists("alpha"))
	assert.Zero(t, h.br.Subscribers())
}

func TestStartupWaitsForHealthyContainer(t *testing.T) {
	h := newHarness(t)
	h.rt.StartUnhealthy = true
	h.deploy("alpha")
	h.beat("alpha", 1)

	time.Sleep(50 * time.Millisecond)
	rep, err := h.o.Status(context.Background(), "alpha")
	require.NoError(t, err)
	assert.Equal(t, StateStarting, rep.State)

	h.rt.SetHealthy("alpha", true)
	h.waitState("alpha", StateRunning)
}

func TestStopArchivesAfterHeartbeatSilence(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	inst := h.running("alpha")
	h.beat("alpha", 2)

	h.clock.Advance(400 * time.Second)
	res, err := h.o.Stop(ctx, "alpha", true)
	require.NoError(t, err)
	assert.Equal(t, StateArchived, res.State)

	rep, err := h.o.Status(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, StateArchived, rep.State)
	assert.Equal(t, inst.RunID, rep.RunID)
	require.NotNil(t, rep.Archive)
	assert.Equal(t, inst.RunID, rep.Archive.RunID)
	assert.Equal(t, 2, rep.Archive.EventCount)

	assert.Equal(t, []string{"Pending", "Starting", "Running", "Stopping", "Stopped", "Archiving", "Archived"}, h.sink.path(inst.RunID))
	assert.Equal(t, 1, h.sink.count(history.EventArchived))

	recs, err := h.st.ListArchives(ctx, "alpha")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	c, err := archive.ReadFile(recs[0].Location)
	require.NoError(t, err)
	assert.Len(t, c.Events, 2)
	assert.Contains(t, c.Manifest.Files, "conf/strategy.yml")
	assert.False(t, h.rt.Exists("alpha"))
}

func TestStopIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.running("alpha")

	for i := 0; i < 3; i++ {
		res, err := h.o.Stop(ctx, "alpha", true)
		require.NoError(t, err)
		assert.Equal(t, StateArchived, res.State)
	}
	assert.Equal(t, int32(1), h.arch.calls.Load())
	assert.Equal(t, 1, h.rt.Count("stop"))

	files, err := os.ReadDir(filepath.Join(h.archiveDir, "alpha"))
	require.NoError(t, err)
	assert.Len(t, files, 1)
}

func TestStopUnknownBot(t *testing.T) {
	h := newHarness(t)
	_, err := h.o.Stop(context.Background(), "ghost", false)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, KindNotFound, KindOf(err))
	assert.Empty(t, h.rt.Calls())

	_, err = h.o.Status(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStopFlushesBeforeStoppingContainer(t *testing.T) {
	var rec *stopRecorder
	h := newHarness(t, func(_ *Config, d *Deps, h *harness) {
		rec = &stopRecorder{Runtime: d.Runtime, st: h.st, bot: "alpha"}
		d.Runtime = rec
	})
	ctx := context.Background()
	cmds, err := h.br.Subscribe(ctx, broker.CommandTopic("", "alpha"), 4)
	require.NoError(t, err)
	defer func() { _ = cmds.Close() }()

	inst := h.running("alpha")
	rec.runID.Store(inst.RunID)
	h.beat("alpha", 2)
	h.publish("alpha", event.KindOrderUpdate, 3, map[string]any{"order_id": "o-1", "status": "open"})

	res, err := h.o.Stop(ctx, "alpha", false)
	require.NoError(t, err)
	assert.Equal(t, StateStopped, res.State)
	assert.Equal(t, uint64(3), rec.seqAtStp.Load())

	select {
	case m := <-cmds.C():
		assert.JSONEq(t, `{"command":"stop"}`, string(m.Payload))
	case <-time.After(time.Second):
		t.Fatal("no stop command published")
	}
}

func TestLivenessTimeoutStopsBot(t *testing.T) {
	h := newHarness(t)
	h.running("alpha")

	h.clock.Advance(91 * time.Second)
	rep := h.waitState("alpha", StateStopped)
	assert.Equal(t, ReasonLivenessTimeout, rep.Reason)
	assert.False(t, h.rt.Exists("alpha"))

	res, err := h.o.Stop(context.Background(), "alpha", true)
	require.NoError(t, err)
	assert.Equal(t, StateArchived, res.State)
}

func TestContainerExitFailsBot(t *testing.T) {
	h := newHarness(t)
	h.running("alpha")

	h.rt.Exit("alpha", 137)
	rep := h.waitState("alpha", StateFailed)
	assert.Equal(t, ReasonProcessExited, rep.Reason)
	assert.Contains(t, rep.Error, "137")
	assert.False(t, h.rt.Exists("alpha"))

	res, err := h.o.Stop(context.Background(), "alpha", true)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, res.State)
}

func TestStopForcesRemovalWhenContainerIgnoresStop(t *testing.T) {
	h := newHarness(t)
	h.running("alpha")
	h.rt.IgnoreStop = true

	res, err := h.o.Stop(context.Background(), "alpha", false)
	require.NoError(t, err)
	assert.Equal(t, StateStopped, res.State)
	assert.False(t, h.rt.Exists("alpha"))
	assert.Equal(t, 1, h.rt.Count("remove"))
}

func TestPersistenceFailureFreezesBot(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.running("alpha")
	require.Eventually(t, func() bool {
		rep, _ := h.o.Status(ctx, "alpha")
		return rep.LastSequence == 1
	}, time.Second, 5*time.Millisecond)

	h.st.fail.Store(true)
	h.beat("alpha", 2)
	_, err := h.o.Stop(ctx, "alpha", false)
	require.Error(t, err)
	assert.Equal(t, KindPersistence, KindOf(err))
	var oe *Error
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, StateRunning, oe.State)

	// liveness does not fire for a frozen bot
	h.clock.Advance(5 * time.Minute)
	time.Sleep(30 * time.Millisecond)
	rep, err := h.o.Status(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, StateRunning, rep.State)
	assert.False(t, rep.Healthy)
	assert.Equal(t, 0, h.rt.Count("stop"))

	h.st.fail.Store(false)
	res, err := h.o.Stop(ctx, "alpha", false)
	require.NoError(t, err)
	assert.Equal(t, StateStopped, res.State)
	rep, err = h.o.Status(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), rep.LastSequence)
}

func TestRedeployGetsFreshInstanceDirs(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	first := h.running("alpha")
	spec1, ok := h.rt.Spec("alpha")
	require.True(t, ok)
	leftover := filepath.Join(spec1.Dirs.Data, "inventory.db")
	require.NoError(t, os.WriteFile(leftover, []byte("run one"), 0o644))

	_, err := h.o.Stop(ctx, "alpha", false)
	require.NoError(t, err)
	second := h.running("alpha")
	spec2, ok := h.rt.Spec("alpha")
	require.True(t, ok)

	assert.NotEqual(t, spec1.Dirs.Root, spec2.Dirs.Root)
	assert.Equal(t, first.RunID, filepath.Base(spec1.Dirs.Root))
	assert.Equal(t, second.RunID, filepath.Base(spec2.Dirs.Root))
	assert.NoFileExists(t, filepath.Join(spec2.Dirs.Data, "inventory.db"))
	assert.FileExists(t, leftover)
	assert.FileExists(t, filepath.Join(spec2.Dirs.Conf, runtime.StrategyFile))

	_, err = h.o.Stop(ctx, "alpha", true)
	require.NoError(t, err)
	recs, err := h.st.ListArchives(ctx, "alpha")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	c, err := archive.ReadFile(recs[0].Location)
	require.NoError(t, err)
	assert.NotContains(t, c.Manifest.Files, "data/inventory.db")
}

func TestRedeployAfterStop(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	first := h.running("alpha")
	_, err := h.o.Stop(ctx, "alpha", false)
	require.NoError(t, err)

	second := h.deploy("alpha")
	assert.NotEqual(t, first.RunID, second.RunID)
	h.beat("alpha", 1)
	rep := h.waitState("alpha", StateRunning)
	assert.Equal(t, second.RunID, rep.RunID)
	assert.Equal(t, 2, h.rt.Count("start"))
}

func TestStatusReport(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.running("alpha")
	h.publish("alpha", event.KindOrderUpdate, 2, map[string]any{"order_id": "o-1", "status": "open"})
	h.publish("alpha", event.KindOrderUpdate, 3, map[string]any{"order_id": "o-2", "status": "filled"})

	require.Eventually(t, func() bool {
		rep, _ := h.o.Status(ctx, "alpha")
		return rep.LastSequence == 3
	}, time.Second, 5*time.Millisecond)

	h.clock.Advance(12 * time.Second)
	rep, err := h.o.Status(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, 1, rep.ActiveOrderCount)
	require.NotNil(t, rep.LastHeartbeatAgeSeconds)
	assert.InDelta(t, 12.0, *rep.LastHeartbeatAgeSeconds, 0.001)
	assert.NotEmpty(t, rep.ContainerID)

	b, err := json.Marshal(rep)
	require.NoError(t, err)
	var wire map[string]any
	require.NoError(t, json.Unmarshal(b, &wire))
	assert.Equal(t, "alpha", wire["bot_name"])
	assert.Equal(t, "Running", wire["state"])
	assert.Contains(t, wire, "last_heartbeat_age_seconds")
	assert.Contains(t, wire, "active_order_count")
}

func TestLatestAndRebuild(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.running("alpha")
	h.beat("alpha", 2)
	_, err := h.o.Stop(ctx, "alpha", false)
	require.NoError(t, err)

	st, err := h.o.Latest(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), st.LastSequence)
	assert.Equal(t, int64(2), st.HeartbeatCount())

	rebuilt, err := h.o.Rebuild(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, st.LastSequence, rebuilt.LastSequence)
	assert.Equal(t, int64(2), rebuilt.HeartbeatCount())

	_, err = h.o.Latest(ctx, "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLogsFallBackToCapturedFile(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.rt.LogLines = []string{"boot", "connected", "quoting"}
	h.running("alpha")

	lines, err := h.o.Logs(ctx, "alpha", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"connected", "quoting"}, lines)

	_, err = h.o.Stop(ctx, "alpha", false)
	require.NoError(t, err)
	lines, err = h.o.Logs(ctx, "alpha", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"boot", "connected", "quoting"}, lines)
}

func TestTombstoneExpires(t *testing.T) {
	h := newHarness(t, func(c *Config, _ *Deps, _ *harness) { c.TombstoneTTL = time.Minute })
	ctx := context.Background()
	h.running("alpha")
	_, err := h.o.Stop(ctx, "alpha", false)
	require.NoError(t, err)

	rep, err := h.o.Status(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, StateStopped, rep.State)

	h.clock.Advance(2 * time.Minute)
	_, err = h.o.Status(ctx, "alpha")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Empty(t, h.o.List())
}

func TestArchivedBotLeavesRegistry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	inst := h.running("alpha")
	h.beat("alpha", 2)
	_, err := h.o.Stop(ctx, "alpha", true)
	require.NoError(t, err)
	assert.Empty(t, h.o.List())

	res, err := h.o.Stop(ctx, "alpha", true)
	require.NoError(t, err)
	assert.Equal(t, StateArchived, res.State)
	rep, err := h.o.Status(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, StateArchived, rep.State)
	assert.Equal(t, inst.RunID, rep.RunID)
	assert.Equal(t, int32(1), h.arch.calls.Load())

	st, err := h.o.Latest(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, inst.RunID, st.RunID)
	assert.Equal(t, uint64(2), st.LastSequence)

	evs, err := h.o.Events(ctx, "alpha", "")
	require.NoError(t, err)
	assert.Len(t, evs, 2)

	recs, err := h.o.Archives(ctx, "")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, inst.RunID, recs[0].RunID)
}

func TestArchiveFailureKeepsArchiving(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.running("alpha")
	h.arch.fail.Store(true)

	res, err := h.o.Stop(ctx, "alpha", true)
	require.Error(t, err)
	assert.Equal(t, KindArchival, KindOf(err))
	assert.ErrorIs(t, err, archive.ErrArchival)
	assert.Equal(t, StateArchiving, res.State)

	rep, err := h.o.Status(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, StateArchiving, rep.State)
	assert.Equal(t, ReasonArchiveFailed, rep.Reason)
	assert.NotEmpty(t, rep.Error)

	// a second failure keeps the reason the bot was stopped for
	_, err = h.o.Stop(ctx, "alpha", true)
	require.Error(t, err)
	b := h.o.get("alpha")
	require.NotNil(t, b)
	assert.Equal(t, ReasonUserRequested, b.stopReason)

	h.arch.fail.Store(false)
	res, err = h.o.Stop(ctx, "alpha", true)
	require.NoError(t, err)
	assert.Equal(t, StateArchived, res.State)
	assert.Equal(t, 1, h.rt.Count("stop"))
	assert.Equal(t, ReasonUserRequested, b.report(h.clock.Now()).Reason)
	assert.Empty(t, b.report(h.clock.Now()).Error)
}

func TestListIsSortedByName(t *testing.T) {
	h := newHarness(t)
	h.deploy("charlie")
	h.deploy("alpha")
	h.deploy("bravo")

	var names []string
	for _, r := range h.o.List() {
		names = append(names, r.Name)
	}
	assert.Equal(t, []string{"alpha", "bravo", "charlie"}, names)
}

func TestShutdownLeavesContainersRunning(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.running("alpha")

	require.NoError(t, h.o.Shutdown(ctx))
	assert.True(t, h.rt.Exists("alpha"))
	assert.Zero(t, h.br.Subscribers())

	_, err := h.o.Deploy(ctx, DeployRequest{Name: "bravo", StrategyRef: "pmm"})
	assert.ErrorIs(t, err, ErrShutdown)
	_, err = h.o.Stop(ctx, "alpha", false)
	assert.ErrorIs(t, err, ErrShutdown)
}

func TestNewValidatesDeps(t *testing.T) {
	_, err := New(Config{}, Deps{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "runtime is required")
	assert.Contains(t, err.Error(), "instance root is required")
}
