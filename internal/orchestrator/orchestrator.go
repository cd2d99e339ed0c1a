// Package orchestrator owns the lifecycle of deployed bots. Each bot is driven
// by its own actor goroutine; the registry lock only guards membership.
package orchestrator

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/botvisor/botvisor/internal/env"
	"github.com/botvisor/botvisor/internal/event"
	"github.com/botvisor/botvisor/internal/logger"
	"github.com/botvisor/botvisor/internal/metrics"
	"github.com/botvisor/botvisor/internal/reconciler"
	"github.com/botvisor/botvisor/internal/runtime"
	"github.com/botvisor/botvisor/internal/store"
)

var namePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// DeployRequest asks for a new bot run.
type DeployRequest struct {
	Name        string         `json:"bot_name"`
	StrategyRef string         `json:"strategy_ref"`
	Config      map[string]any `json:"config,omitempty"`
}

// BotInstance is the result of a deploy.
type BotInstance struct {
	Name        string    `json:"bot_name"`
	RunID       string    `json:"run_id"`
	StrategyRef string    `json:"strategy_ref"`
	Image       string    `json:"image"`
	State       State     `json:"state"`
	CreatedAt   time.Time `json:"created_at"`
}

type StopResult struct {
	Name  string `json:"bot_name"`
	State State  `json:"state"`
}

// StatusReport is a point-in-time view of one bot.
type StatusReport struct {
	Name        string `json:"bot_name"`
	RunID       string `json:"run_id"`
	StrategyRef string `json:"strategy_ref,omitempty"`
	Image       string `json:"image,omitempty"`
	State       State  `json:"state"`
	Reason      Reason `json:"reason,omitempty"`
	Error       string `json:"error,omitempty"`
	// Healthy is false while the bot's events cannot be persisted.
	Healthy                 bool                 `json:"healthy"`
	LastHeartbeatAgeSeconds *float64             `json:"last_heartbeat_age_seconds"`
	ActiveOrderCount        int                  `json:"active_order_count"`
	LastSequence            uint64               `json:"last_sequence"`
	ContainerID             string               `json:"container_id,omitempty"`
	CreatedAt               time.Time            `json:"created_at"`
	UpdatedAt               time.Time            `json:"updated_at"`
	Archive                 *store.ArchiveRecord `json:"archive,omitempty"`
	Path                    []State              `json:"path,omitempty"`
}

type Option func(*Orchestrator)

// WithNow injects the clock used for lifecycle deadlines.
func WithNow(now func() time.Time) Option { return func(o *Orchestrator) { o.now = now } }

type Orchestrator struct {
	cfg  Config
	deps Deps
	log  *slog.Logger
	now  func() time.Time

	mu     sync.RWMutex
	bots   map[string]*bot
	closed bool
}

func New(cfg Config, deps Deps, opts ...Option) (*Orchestrator, error) {
	if err := deps.validate(); err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}
	o := &Orchestrator{
		cfg:  cfg.withDefaults(),
		deps: deps,
		log:  deps.Logger,
		now:  time.Now,
		bots: map[string]*bot{},
	}
	if o.log == nil {
		o.log = slog.Default()
	}
	o.log = o.log.With(slog.String("component", "orchestrator"))
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// resolve validates req and picks the image: config.image, then the strategy
// catalog, then the default image.
func (o *Orchestrator) resolve(req DeployRequest) (string, map[string]string, error) {
	if !namePattern.MatchString(req.Name) {
		return "", nil, fmt.Errorf("%w: bot_name %q must match %s", ErrInvalidConfig, req.Name, namePattern)
	}
	if strings.TrimSpace(req.StrategyRef) == "" {
		return "", nil, fmt.Errorf("%w: strategy_ref is required", ErrInvalidConfig)
	}
	vars, err := env.FromConfig("BOT_CONFIG", req.Config)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if v, ok := req.Config["image"]; ok {
		img, ok := v.(string)
		if !ok || strings.TrimSpace(img) == "" {
			return "", nil, fmt.Errorf("%w: config.image must be a non-empty string", ErrInvalidConfig)
		}
		return img, vars, nil
	}
	if img := o.cfg.Strategies[req.StrategyRef]; img != "" {
		return img, vars, nil
	}
	if img := o.cfg.Strategies[strings.ToLower(req.StrategyRef)]; img != "" {
		return img, vars, nil
	}
	if o.cfg.DefaultImage != "" {
		return o.cfg.DefaultImage, vars, nil
	}
	return "", nil, fmt.Errorf("%w: no image known for strategy %q", ErrInvalidConfig, req.StrategyRef)
}

// Deploy registers a new run under req.Name and starts it. The bot is
// returned in Starting; it moves to Running on its own once healthy. A name
// held by a non-terminal bot is rejected before any side effect.
func (o *Orchestrator) Deploy(ctx context.Context, req DeployRequest) (BotInstance, error) {
	image, vars, err := o.resolve(req)
	if err != nil {
		metrics.IncDeploy("invalid")
		return BotInstance{}, &Error{Bot: req.Name, Kind: KindConfig, Err: err}
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return BotInstance{}, &Error{Bot: req.Name, Kind: KindUnavailable, Err: ErrShutdown}
	}
	old := o.bots[req.Name]
	if old != nil && !old.State().Terminal() {
		st := old.State()
		o.mu.Unlock()
		metrics.IncDeploy("duplicate")
		return BotInstance{}, &Error{Bot: req.Name, State: st, Kind: KindDuplicateName, Err: ErrDuplicateName}
	}
	b := newBot(o, req, image, vars, uuid.NewString())
	o.bots[req.Name] = b
	o.mu.Unlock()

	if old != nil {
		old.shutdown()
		metrics.SetCurrentState(req.Name, string(old.State()), false)
		o.log.Info("replacing terminal bot", slog.String("bot", req.Name), slog.String("previous_run_id", old.runID))
	}
	go b.run()

	inst, err := b.start(ctx)
	if err != nil {
		metrics.IncDeploy("error")
		return inst, err
	}
	metrics.IncDeploy("ok")
	return inst, nil
}

// get returns the registered bot. Archived bots and tombstones past their TTL
// are dropped first; archived runs are then served from their archive record.
func (o *Orchestrator) get(name string) *bot {
	o.mu.RLock()
	b := o.bots[name]
	o.mu.RUnlock()
	if b == nil || !o.expired(b) {
		return b
	}
	o.drop(name, b)
	return nil
}

func (o *Orchestrator) drop(name string, b *bot) {
	o.mu.Lock()
	if o.bots[name] != b {
		o.mu.Unlock()
		return
	}
	delete(o.bots, name)
	o.mu.Unlock()
	b.shutdown()
	metrics.ForgetBot(name)
	o.log.Debug("bot dropped from registry", slog.String("bot", name), slog.String("run_id", b.runID), slog.String("state", string(b.State())))
}

func (o *Orchestrator) expired(b *bot) bool {
	st := b.State()
	if st == StateArchived {
		return true
	}
	if o.cfg.TombstoneTTL <= 0 || !st.Terminal() {
		return false
	}
	return o.now().Sub(b.UpdatedAt()) > o.cfg.TombstoneTTL
}

// lastArchive returns the most recent archive record of name.
func (o *Orchestrator) lastArchive(ctx context.Context, name string) (store.ArchiveRecord, error) {
	if name == "" {
		return store.ArchiveRecord{}, &Error{Bot: name, Kind: KindNotFound, Err: ErrNotFound}
	}
	recs, err := o.deps.Store.ListArchives(ctx, name)
	if err != nil {
		return store.ArchiveRecord{}, &Error{Bot: name, Kind: KindPersistence, Err: err}
	}
	if len(recs) == 0 {
		return store.ArchiveRecord{}, &Error{Bot: name, Kind: KindNotFound, Err: ErrNotFound}
	}
	return recs[0], nil
}

func (o *Orchestrator) isClosed() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.closed
}

// Stop stops a bot, flushing its events before the container is told to
// exit, and archives the run when archive is set. Repeated calls converge on
// the same terminal state. A name only known from archive records reports
// Archived.
func (o *Orchestrator) Stop(ctx context.Context, name string, archive bool) (StopResult, error) {
	if o.isClosed() {
		return StopResult{Name: name}, &Error{Bot: name, Kind: KindUnavailable, Err: ErrShutdown}
	}
	b := o.get(name)
	if b == nil {
		if _, err := o.lastArchive(ctx, name); err != nil {
			return StopResult{Name: name}, err
		}
		return StopResult{Name: name, State: StateArchived}, nil
	}
	st, err := b.stop(ctx, archive)
	if err == nil && st == StateArchived {
		o.drop(name, b)
	}
	return StopResult{Name: name, State: st}, err
}

// Status reports a bot. Bots dropped from the registry are still reported
// from their most recent archive record.
func (o *Orchestrator) Status(ctx context.Context, name string) (StatusReport, error) {
	if b := o.get(name); b != nil {
		return b.report(o.now()), nil
	}
	last, err := o.lastArchive(ctx, name)
	if err != nil {
		return StatusReport{}, err
	}
	return StatusReport{
		Name:      name,
		RunID:     last.RunID,
		State:     StateArchived,
		Healthy:   true,
		CreatedAt: last.ArchivedAt,
		UpdatedAt: last.ArchivedAt,
		Archive:   &last,
	}, nil
}

// List reports every registered bot ordered by name.
func (o *Orchestrator) List() []StatusReport {
	o.mu.RLock()
	names := make([]string, 0, len(o.bots))
	for n := range o.bots {
		names = append(names, n)
	}
	o.mu.RUnlock()
	sort.Strings(names)

	out := make([]StatusReport, 0, len(names))
	now := o.now()
	for _, n := range names {
		if b := o.get(n); b != nil {
			out = append(out, b.report(now))
		}
	}
	return out
}

// run resolves name to its registered run, or to its most recently archived
// run once the bot has left the registry. b is nil in the second case.
func (o *Orchestrator) run(ctx context.Context, name string) (*bot, string, error) {
	if b := o.get(name); b != nil {
		return b, b.runID, nil
	}
	rec, err := o.lastArchive(ctx, name)
	if err != nil {
		return nil, "", err
	}
	return nil, rec.RunID, nil
}

// Latest returns the bot's latest-state projection: live from the reconciler
// while attached, from the store afterwards.
func (o *Orchestrator) Latest(ctx context.Context, name string) (*event.LatestState, error) {
	_, runID, err := o.run(ctx, name)
	if err != nil {
		return nil, err
	}
	if st, err := o.deps.Reconciler.Latest(name); err == nil && st.RunID == runID {
		return st, nil
	}
	st, err := o.deps.Store.Latest(ctx, name, runID)
	if err != nil {
		return nil, &Error{Bot: name, Kind: KindPersistence, Err: err}
	}
	return st, nil
}

// Rebuild replays the run's persisted log into a fresh latest state.
func (o *Orchestrator) Rebuild(ctx context.Context, name string) (*event.LatestState, error) {
	_, runID, err := o.run(ctx, name)
	if err != nil {
		return nil, err
	}
	st, err := o.deps.Reconciler.Rebuild(ctx, name, runID)
	if err != nil {
		if errors.Is(err, reconciler.ErrDetached) {
			st, err = o.deps.Reconciler.Rebuild(ctx, name, runID)
		}
		if err != nil {
			return nil, &Error{Bot: name, Kind: KindPersistence, Err: err}
		}
	}
	return st, nil
}

// Events returns the persisted event log of the bot's current run, or of the
// given run when runID is set. Buffered events are flushed first while the
// run is attached so the log is complete up to now.
func (o *Orchestrator) Events(ctx context.Context, name, runID string) ([]event.StatusEvent, error) {
	if runID == "" {
		var err error
		if _, runID, err = o.run(ctx, name); err != nil {
			return nil, err
		}
	}
	if err := o.deps.Reconciler.Flush(ctx, name); err != nil && !errors.Is(err, reconciler.ErrNotAttached) {
		o.log.Warn("flush before event read failed", slog.String("bot", name), slog.Any("error", err))
	}
	evs, err := o.deps.Store.Events(ctx, name, runID)
	if err != nil {
		return nil, &Error{Bot: name, Kind: KindPersistence, Err: err}
	}
	return evs, nil
}

// Archives lists archive records newest first, for one bot when bot is set.
func (o *Orchestrator) Archives(ctx context.Context, bot string) ([]store.ArchiveRecord, error) {
	recs, err := o.deps.Store.ListArchives(ctx, bot)
	if err != nil {
		return nil, &Error{Bot: bot, Kind: KindPersistence, Err: err}
	}
	return recs, nil
}

// Logs returns the last tail lines of the bot's container output. Once the
// container is gone the lines captured at stop are served instead.
func (o *Orchestrator) Logs(ctx context.Context, name string, tail int) ([]string, error) {
	b, runID, err := o.run(ctx, name)
	if err != nil {
		return nil, err
	}
	dirs := o.deps.Layout.Dirs(name, runID)
	if b != nil {
		if h := b.Handle(); h.ID != "" {
			lines, err := o.deps.Runtime.Logs(ctx, h, tail)
			if err == nil {
				return lines, nil
			}
			if !errors.Is(err, runtime.ErrNotFound) {
				return nil, b.errorf(KindRuntime, err)
			}
		}
		dirs = b.Dirs()
	}
	if dirs.Logs == "" {
		return nil, nil
	}
	lines, err := tailFile(logger.ContainerLogPath(dirs.Logs, name), tail)
	if err != nil {
		return nil, &Error{Bot: name, Kind: KindRuntime, Err: err}
	}
	return lines, nil
}

func tailFile(path string, tail int) ([]string, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var lines []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		lines = append(lines, sc.Text())
		if tail > 0 && len(lines) > tail {
			lines = lines[1:]
		}
	}
	return lines, sc.Err()
}

// Shutdown stops every actor and detaches the reconciler, flushing what it
// buffered. Containers keep running; a restarted orchestrator does not adopt
// them.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	bots := make([]*bot, 0, len(o.bots))
	for _, b := range o.bots {
		bots = append(bots, b)
	}
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		var wg sync.WaitGroup
		for _, b := range bots {
			wg.Add(1)
			go func(b *bot) {
				defer wg.Done()
				b.shutdown()
			}(b)
		}
		wg.Wait()
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	o.log.Info("orchestrator stopped", slog.Int("bots", len(bots)))
	return o.deps.Reconciler.Close(ctx)
}
