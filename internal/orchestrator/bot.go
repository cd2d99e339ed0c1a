package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/botvisor/botvisor/internal/archive"
	"github.com/botvisor/botvisor/internal/broker"
	"github.com/botvisor/botvisor/internal/env"
	"github.com/botvisor/botvisor/internal/history"
	"github.com/botvisor/botvisor/internal/metrics"
	"github.com/botvisor/botvisor/internal/reconciler"
	"github.com/botvisor/botvisor/internal/runtime"
	"github.com/botvisor/botvisor/internal/store"
)

const historyTimeout = 5 * time.Second

// Container labels set next to the docker runtime's own bot label.
const (
	LabelRunID    = "io.botvisor.run_id"
	LabelStrategy = "io.botvisor.strategy"
)

type action int

const (
	actionStart action = iota
	actionStop
)

type command struct {
	ctx     context.Context
	action  action
	archive bool
	reply   chan result
}

type result struct {
	state State
	inst  BotInstance
	err   error
}

// bot is one deployed run. Its actor goroutine is the only code that moves
// the lifecycle state or touches the container; readers take snapshots
// under mu.
//
// State machine:
// Pending -> Starting -> Running -> Stopping -> Stopped [-> Archiving -> Archived]
// and Failed from any non-terminal state.
type bot struct {
	o           *Orchestrator
	name        string
	runID       string
	strategyRef string
	image       string
	config      map[string]any
	configEnv   map[string]string
	createdAt   time.Time
	log         *slog.Logger

	mu     sync.RWMutex
	state  State
	reason Reason
	// stopReason is restored once a failed archive is retried successfully
	stopReason Reason
	lastErr    string
	updatedAt  time.Time
	handle     runtime.Handle
	dirs       runtime.Dirs
	sub        *reconciler.Subscription
	path       []State
	archived   *store.ArchiveRecord

	cmdChan  chan command
	quit     chan struct{}
	doneChan chan struct{}
	quitOnce sync.Once
	ctx      context.Context
	cancel   context.CancelFunc

	// owned by the actor goroutine
	startDeadline time.Time
	beat          bool
	cmdSent       bool
	logsCaptured  bool
	removed       bool
	detached      bool
}

func newBot(o *Orchestrator, req DeployRequest, image string, configEnv map[string]string, runID string) *bot {
	ctx, cancel := context.WithCancel(context.Background())
	now := o.now().UTC()
	return &bot{
		o:           o,
		name:        req.Name,
		runID:       runID,
		strategyRef: req.StrategyRef,
		image:       image,
		config:      req.Config,
		configEnv:   configEnv,
		createdAt:   now,
		log:         o.log.With(slog.String("bot", req.Name), slog.String("run_id", runID)),
		state:       StatePending,
		updatedAt:   now,
		path:        []State{StatePending},
		cmdChan:     make(chan command, 4),
		quit:        make(chan struct{}),
		doneChan:    make(chan struct{}),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// State returns the current lifecycle state.
func (b *bot) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

func (b *bot) Handle() runtime.Handle {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.handle
}

func (b *bot) Dirs() runtime.Dirs {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dirs
}

func (b *bot) UpdatedAt() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.updatedAt
}

func (b *bot) instance() BotInstance {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return BotInstance{
		Name:        b.name,
		RunID:       b.runID,
		StrategyRef: b.strategyRef,
		Image:       b.image,
		State:       b.state,
		CreatedAt:   b.createdAt,
	}
}

func (b *bot) report(now time.Time) StatusReport {
	b.mu.RLock()
	r := StatusReport{
		Name:        b.name,
		RunID:       b.runID,
		StrategyRef: b.strategyRef,
		Image:       b.image,
		State:       b.state,
		Reason:      b.reason,
		Error:       b.lastErr,
		Healthy:     true,
		ContainerID: b.handle.ID,
		CreatedAt:   b.createdAt,
		UpdatedAt:   b.updatedAt,
		Path:        append([]State(nil), b.path...),
	}
	if b.archived != nil {
		rec := *b.archived
		r.Archive = &rec
	}
	sub := b.sub
	b.mu.RUnlock()

	if sub != nil {
		r.Healthy = sub.Healthy()
		if age, ok := sub.HeartbeatAge(now); ok {
			secs := age.Seconds()
			r.LastHeartbeatAgeSeconds = &secs
		}
		latest := sub.Latest()
		r.ActiveOrderCount = latest.ActiveOrderCount()
		r.LastSequence = latest.LastSequence
	}
	return r
}

// send hands cmd to the actor and waits for its reply.
func (b *bot) send(ctx context.Context, cmd command) result {
	cmd.ctx = ctx
	cmd.reply = make(chan result, 1)
	select {
	case b.cmdChan <- cmd:
	case <-b.doneChan:
		return result{state: b.State(), err: b.errorf(KindUnavailable, ErrShutdown)}
	case <-ctx.Done():
		return result{state: b.State(), err: b.errorf(KindUnavailable, ctx.Err())}
	}
	select {
	case r := <-cmd.reply:
		return r
	case <-b.doneChan:
		return result{state: b.State(), err: b.errorf(KindUnavailable, ErrShutdown)}
	case <-ctx.Done():
		return result{state: b.State(), err: b.errorf(KindUnavailable, ctx.Err())}
	}
}

// start runs doStart on the actor and returns the instance as it stood when
// doStart returned, before any heartbeat could move it on.
func (b *bot) start(ctx context.Context) (BotInstance, error) {
	r := b.send(ctx, command{action: actionStart})
	if r.inst.RunID == "" {
		return b.instance(), r.err
	}
	return r.inst, r.err
}

func (b *bot) stop(ctx context.Context, archive bool) (State, error) {
	r := b.send(ctx, command{action: actionStop, archive: archive})
	return r.state, r.err
}

// shutdown ends the actor without touching the container.
func (b *bot) shutdown() {
	b.quitOnce.Do(func() {
		b.cancel()
		close(b.quit)
	})
	<-b.doneChan
}

// run is the actor loop (single goroutine, no races on actor-owned fields).
func (b *bot) run() {
	defer close(b.doneChan)

	ticker := time.NewTicker(b.o.cfg.LivenessCheck)
	defer ticker.Stop()

	for {
		var first <-chan struct{}
		if !b.beat && b.sub != nil && b.State() == StateStarting {
			first = b.sub.FirstHeartbeat()
		}
		select {
		case <-b.quit:
			return
		case cmd := <-b.cmdChan:
			cmd.reply <- b.handleCommand(cmd)
		case <-first:
			b.beat = true
			b.observeStartup(b.ctx)
		case <-ticker.C:
			b.check(b.ctx)
		}
	}
}

func (b *bot) handleCommand(cmd command) result {
	switch cmd.action {
	case actionStart:
		err := b.doStart(cmd.ctx)
		inst := b.instance()
		return result{state: inst.State, inst: inst, err: err}
	case actionStop:
		return b.handleStop(cmd.ctx, cmd.archive)
	}
	return result{state: b.State(), err: fmt.Errorf("unknown action %d", cmd.action)}
}

// transition moves the bot to next when the state machine allows it.
func (b *bot) transition(next State, reason Reason, cause error) bool {
	b.mu.Lock()
	from := b.state
	if !from.CanTransition(next) {
		b.mu.Unlock()
		b.log.Warn("transition rejected", slog.String("from", string(from)), slog.String("to", string(next)))
		return false
	}
	b.state = next
	if reason != ReasonNone {
		b.reason = reason
	}
	if cause != nil {
		b.lastErr = cause.Error()
	}
	b.updatedAt = b.o.now().UTC()
	b.path = append(b.path, next)
	at := b.updatedAt
	b.mu.Unlock()

	metrics.RecordStateTransition(string(from), string(next))
	metrics.SetCurrentState(b.name, string(from), false)
	metrics.SetCurrentState(b.name, string(next), true)

	attrs := []any{slog.String("from", string(from)), slog.String("to", string(next))}
	if reason != ReasonNone {
		attrs = append(attrs, slog.String("reason", string(reason)))
	}
	if cause != nil {
		attrs = append(attrs, slog.Any("error", cause))
	}
	b.log.Info("state changed", attrs...)
	b.emit(history.EventTransition, from, next, reason, cause, "", at)
	return true
}

func (b *bot) setError(err error) {
	b.mu.Lock()
	b.lastErr = err.Error()
	b.updatedAt = b.o.now().UTC()
	b.mu.Unlock()
}

func (b *bot) errorf(kind ErrorKind, err error) *Error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return &Error{Bot: b.name, State: b.state, Kind: kind, Reason: b.reason, Err: err}
}

func (b *bot) emit(typ history.EventType, from, to State, reason Reason, cause error, location string, at time.Time) {
	sink := b.o.deps.History
	if sink == nil {
		return
	}
	t := history.Transition{
		Bot:      b.name,
		RunID:    b.runID,
		From:     string(from),
		To:       string(to),
		Reason:   string(reason),
		Location: location,
	}
	if cause != nil {
		t.Error = cause.Error()
	}
	ctx, cancel := context.WithTimeout(context.Background(), historyTimeout)
	defer cancel()
	if err := sink.Send(ctx, history.Event{Type: typ, OccurredAt: at, Transition: t}); err != nil {
		b.log.Warn("history export failed", slog.String("type", string(typ)), slog.Any("error", err))
	}
}

func (b *bot) env() map[string]string {
	vars := map[string]string{
		"BOT_NAME":         b.name,
		"BOT_RUN_ID":       b.runID,
		"BOT_STRATEGY":     b.strategyRef,
		"BOT_TOPIC_PREFIX": b.o.cfg.TopicPrefix,
	}
	for k, v := range b.configEnv {
		vars[k] = v
	}
	return env.FromMap(b.o.cfg.Env).Merge(vars)
}

// doStart prepares the instance, attaches the reconciler and only then
// starts the container, so no event the bot publishes is missed.
func (b *bot) doStart(ctx context.Context) error {
	b.emit(history.EventTransition, "", StatePending, ReasonNone, nil, "", b.createdAt)
	if !b.transition(StateStarting, ReasonNone, nil) {
		return b.errorf(KindConfig, fmt.Errorf("cannot start from %s", b.State()))
	}
	b.startDeadline = b.o.now().Add(b.o.cfg.StartupTimeout)

	dirs, err := b.o.deps.Layout.Prepare(b.name, b.runID, b.config)
	if err != nil {
		return b.fail(ctx, ReasonStartFailed, KindRuntime, fmt.Errorf("prepare instance: %w", err))
	}
	b.mu.Lock()
	b.dirs = dirs
	b.mu.Unlock()

	sub, err := b.o.deps.Reconciler.Attach(ctx, b.name, b.runID)
	if err != nil {
		return b.fail(ctx, ReasonStartFailed, classify(err), fmt.Errorf("attach reconciler: %w", err))
	}
	b.mu.Lock()
	b.sub = sub
	b.mu.Unlock()

	spec := runtime.Spec{
		Name:  b.name,
		Image: b.image,
		Env:   b.env(),
		Dirs:  dirs,
		Labels: map[string]string{
			LabelRunID:    b.runID,
			LabelStrategy: b.strategyRef,
		},
	}
	h, err := b.o.deps.Runtime.Start(ctx, spec)
	if err != nil {
		// nothing ran, so the run leaves no instance directory behind
		if rerr := b.o.deps.Layout.Remove(b.name, b.runID); rerr != nil {
			b.log.Warn("remove instance dir", slog.Any("error", rerr))
		}
		b.mu.Lock()
		b.dirs = runtime.Dirs{}
		b.mu.Unlock()
		return b.fail(ctx, ReasonStartFailed, KindRuntime, fmt.Errorf("start container: %w", err))
	}
	b.mu.Lock()
	b.handle = h
	b.mu.Unlock()
	b.log.Info("container started", slog.String("container_id", h.ID), slog.String("image", b.image))
	return nil
}

// fail moves the bot to Failed and releases what the run holds.
func (b *bot) fail(ctx context.Context, reason Reason, kind ErrorKind, cause error) error {
	b.transition(StateFailed, reason, cause)
	b.release(ctx)
	return b.errorf(kind, cause)
}

// release tears down a failed run: buffered events are flushed before the
// container is removed, then the subscription is dropped.
func (b *bot) release(ctx context.Context) {
	if b.sub != nil && !b.detached {
		if err := b.sub.Flush(ctx); err != nil {
			b.log.Error("flush on failure", slog.Int("pending", b.sub.Pending()), slog.Any("error", err))
		}
	}
	if err := b.removeContainer(ctx); err != nil {
		b.log.Warn("container cleanup failed", slog.Any("error", err))
	}
	b.detach(ctx)
}

func (b *bot) detach(ctx context.Context) {
	if b.sub == nil || b.detached {
		return
	}
	if err := b.o.deps.Reconciler.Detach(ctx, b.name); err != nil {
		b.log.Warn("detach", slog.Any("error", err))
	}
	b.detached = true
}

func exitError(st runtime.State) error {
	if st.ExitCode != nil {
		return fmt.Errorf("container %s with code %d", st.Status, *st.ExitCode)
	}
	return fmt.Errorf("container %s", st.Status)
}

// observeStartup promotes a starting bot once its container is healthy and a
// heartbeat arrived, and fails it when the container exits or the startup
// timeout passes first.
func (b *bot) observeStartup(ctx context.Context) {
	if b.State() != StateStarting {
		return
	}
	st, err := b.o.deps.Runtime.Inspect(ctx, b.Handle())
	switch {
	case errors.Is(err, runtime.ErrNotFound):
		_ = b.fail(ctx, ReasonProcessExited, KindRuntime, err)
		return
	case err != nil:
		b.log.Warn("inspect failed", slog.Any("error", err))
	case st.Exited():
		_ = b.fail(ctx, ReasonProcessExited, KindRuntime, exitError(st))
		return
	case st.Healthy && b.beat:
		b.transition(StateRunning, ReasonNone, nil)
		return
	}
	if !b.o.now().Before(b.startDeadline) {
		cause := fmt.Errorf("no healthy heartbeat within %s", b.o.cfg.StartupTimeout)
		_ = b.fail(ctx, ReasonStartupTimeout, KindRuntime, cause)
	}
}

func (b *bot) check(ctx context.Context) {
	switch b.State() {
	case StateStarting:
		b.observeStartup(ctx)
	case StateRunning:
		b.checkRunning(ctx)
	}
}

func (b *bot) checkRunning(ctx context.Context) {
	st, err := b.o.deps.Runtime.Inspect(ctx, b.Handle())
	switch {
	case errors.Is(err, runtime.ErrNotFound):
		_ = b.fail(ctx, ReasonProcessExited, KindRuntime, err)
		return
	case err != nil:
		b.log.Warn("inspect failed", slog.Any("error", err))
	case st.Exited():
		_ = b.fail(ctx, ReasonProcessExited, KindRuntime, exitError(st))
		return
	}

	// a bot whose events cannot be persisted stays frozen where it is
	if !b.sub.Healthy() {
		return
	}
	age, ok := b.sub.HeartbeatAge(b.o.now())
	if !ok {
		return
	}
	if age > b.o.cfg.LivenessTimeout {
		b.log.Warn("heartbeat lost", slog.Duration("age", age), slog.Duration("timeout", b.o.cfg.LivenessTimeout))
		if err := b.doStop(ctx, ReasonLivenessTimeout); err != nil {
			b.log.Error("liveness stop failed", slog.Any("error", err))
		}
	}
}

func (b *bot) handleStop(ctx context.Context, archive bool) result {
	st := b.State()
	switch {
	case st == StatePending:
		b.transition(StateFailed, ReasonUserRequested, nil)
		return result{state: b.State()}
	case st.Active():
		if err := b.doStop(ctx, ReasonUserRequested); err != nil {
			return result{state: b.State(), err: err}
		}
	case st == StateFailed, st == StateArchived:
		return result{state: st}
	}
	if !archive {
		return result{state: b.State()}
	}
	err := b.doArchive(ctx)
	return result{state: b.State(), err: err}
}

// doStop drives a bot to Stopped. Buffered events are flushed before any stop
// command reaches the bot. Each step is skipped once done, so calling doStop
// again on a bot left in Stopping resumes where the last attempt failed.
func (b *bot) doStop(ctx context.Context, reason Reason) error {
	if st := b.State(); st == StateStarting || st == StateRunning {
		if err := b.sub.Flush(ctx); err != nil {
			b.setError(err)
			return b.errorf(KindPersistence, fmt.Errorf("flush before stop: %w", err))
		}
		b.transition(StateStopping, reason, nil)
		metrics.IncStop(string(reason))
	}

	b.sendStopCommand(ctx)
	if err := b.stopContainer(ctx); err != nil {
		b.setError(err)
		return b.errorf(KindRuntime, err)
	}
	if !b.detached {
		if err := b.sub.Flush(ctx); err != nil {
			b.setError(err)
			return b.errorf(KindPersistence, fmt.Errorf("final flush: %w", err))
		}
		b.detach(ctx)
	}
	b.transition(StateStopped, ReasonNone, nil)
	return nil
}

func (b *bot) sendStopCommand(ctx context.Context) {
	if b.cmdSent {
		return
	}
	topic := broker.CommandTopic(b.o.cfg.TopicPrefix, b.name)
	if err := b.o.deps.Broker.Publish(ctx, topic, []byte(`{"command":"stop"}`)); err != nil {
		b.log.Warn("stop command not delivered", slog.String("topic", topic), slog.Any("error", err))
		return
	}
	b.cmdSent = true
}

// stopContainer asks the container to exit within the grace period and
// forces removal when it does not.
func (b *bot) stopContainer(ctx context.Context) error {
	h := b.Handle()
	if h.ID == "" || b.removed {
		return nil
	}
	rt := b.o.deps.Runtime
	if err := rt.Stop(ctx, h, b.o.cfg.StopGrace); err != nil && !errors.Is(err, runtime.ErrNotFound) {
		b.log.Warn("graceful stop failed", slog.Any("error", err))
	}
	st, err := rt.Inspect(ctx, h)
	if err == nil && !st.Exited() {
		b.log.Warn("container still running after grace period, forcing removal", slog.Duration("grace", b.o.cfg.StopGrace))
	}
	return b.removeContainer(ctx)
}

func (b *bot) removeContainer(ctx context.Context) error {
	h := b.Handle()
	if h.ID == "" || b.removed {
		return nil
	}
	b.captureLogs(ctx, h)
	if err := b.o.deps.Runtime.ForceRemove(ctx, h); err != nil && !errors.Is(err, runtime.ErrNotFound) {
		return fmt.Errorf("remove container: %w", err)
	}
	b.removed = true
	return nil
}

// captureLogs keeps the container's last output in the instance logs dir,
// where it outlives the container and is packaged by the archive.
func (b *bot) captureLogs(ctx context.Context, h runtime.Handle) {
	if b.logsCaptured {
		return
	}
	lines, err := b.o.deps.Runtime.Logs(ctx, h, b.o.cfg.LogTail)
	if err != nil {
		b.log.Warn("capture container logs", slog.Any("error", err))
		return
	}
	dirs := b.Dirs()
	if dirs.Logs == "" {
		return
	}
	w := b.o.deps.LogFiles.ContainerWriter(dirs.Logs, b.name)
	defer func() { _ = w.Close() }()
	if len(lines) > 0 {
		if _, err := w.Write([]byte(strings.Join(lines, "\n") + "\n")); err != nil {
			b.log.Warn("write container logs", slog.Any("error", err))
			return
		}
	}
	b.logsCaptured = true
}

func (b *bot) doArchive(ctx context.Context) error {
	if b.State() == StateStopped {
		b.transition(StateArchiving, ReasonNone, nil)
	}
	if b.State() != StateArchiving {
		return nil
	}
	rec, err := b.o.deps.Archiver.Archive(ctx, archive.Request{Bot: b.name, RunID: b.runID, InstanceDir: b.Dirs().Root})
	if err != nil {
		b.mu.Lock()
		if b.reason != ReasonArchiveFailed {
			b.stopReason = b.reason
			b.reason = ReasonArchiveFailed
		}
		b.mu.Unlock()
		b.setError(err)
		b.log.Error("archive failed, bot stays in Archiving", slog.Any("error", err))
		return b.errorf(KindArchival, err)
	}
	b.mu.Lock()
	b.archived = &rec
	if b.reason == ReasonArchiveFailed {
		b.reason = b.stopReason
		b.lastErr = ""
	}
	b.mu.Unlock()
	b.transition(StateArchived, ReasonNone, nil)
	b.emit(history.EventArchived, StateArchiving, StateArchived, ReasonNone, nil, rec.Location, rec.ArchivedAt)
	return nil
}
