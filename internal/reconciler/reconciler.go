package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/botvisor/botvisor/internal/broker"
	"github.com/botvisor/botvisor/internal/event"
	"github.com/botvisor/botvisor/internal/store"
)

var (
	ErrAttached    = errors.New("bot already attached")
	ErrNotAttached = errors.New("bot not attached")
	ErrDetached    = errors.New("subscription detached")
)

// Config tunes batching, buffering and retries.
type Config struct {
	TopicPrefix   string        `mapstructure:"topic_prefix"`
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	// ChannelBuffer bounds each subscription's delivery channel.
	ChannelBuffer int `mapstructure:"channel_buffer"`
	// MaxPending stops reading from the broker while this many events wait
	// for a successful flush.
	MaxPending      int           `mapstructure:"max_pending"`
	MaxRetries      uint64        `mapstructure:"max_retries"`
	RetryBase       time.Duration `mapstructure:"retry_base"`
	RetryMax        time.Duration `mapstructure:"retry_max"`
	ResubscribeBase time.Duration `mapstructure:"resubscribe_base"`
	ResubscribeMax  time.Duration `mapstructure:"resubscribe_max"`
}

func (c Config) withDefaults() Config {
	if c.TopicPrefix == "" {
		c.TopicPrefix = broker.DefaultPrefix
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 250 * time.Millisecond
	}
	if c.ChannelBuffer <= 0 {
		c.ChannelBuffer = 256
	}
	if c.MaxPending <= 0 {
		c.MaxPending = 10 * c.BatchSize
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 5
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 100 * time.Millisecond
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 5 * time.Second
	}
	if c.ResubscribeBase <= 0 {
		c.ResubscribeBase = 500 * time.Millisecond
	}
	if c.ResubscribeMax <= 0 {
		c.ResubscribeMax = 30 * time.Second
	}
	return c
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithNow injects the clock used for heartbeat bookkeeping.
func WithNow(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Reconciler) { r.log = l }
}

// Reconciler consumes per-bot broker streams and keeps the durable log and
// latest state in step with them. Each attached bot has its own loop, the
// only writer of that bot's state.
type Reconciler struct {
	br  broker.Broker
	st  store.Store
	cfg Config
	log *slog.Logger
	now func() time.Time

	mu   sync.RWMutex
	subs map[string]*Subscription
}

func New(br broker.Broker, st store.Store, cfg Config, opts ...Option) *Reconciler {
	r := &Reconciler{
		br:   br,
		st:   st,
		cfg:  cfg.withDefaults(),
		log:  slog.Default(),
		now:  time.Now,
		subs: map[string]*Subscription{},
	}
	for _, o := range opts {
		o(r)
	}
	r.log = r.log.With(slog.String("component", "reconciler"))
	return r
}

// Attach subscribes to every topic of bot and starts its consumption loop.
// The persisted watermark for runID is loaded first, so a re-attach after a
// restart does not re-persist what the log already holds.
func (r *Reconciler) Attach(ctx context.Context, bot, runID string) (*Subscription, error) {
	r.mu.Lock()
	if _, ok := r.subs[bot]; ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAttached, bot)
	}
	// reserve the slot while loading
	r.subs[bot] = nil
	r.mu.Unlock()

	s, err := r.attach(ctx, bot, runID)
	r.mu.Lock()
	if err != nil {
		delete(r.subs, bot)
	} else {
		r.subs[bot] = s
	}
	r.mu.Unlock()
	return s, err
}

func (r *Reconciler) attach(ctx context.Context, bot, runID string) (*Subscription, error) {
	latest, err := r.st.Latest(ctx, bot, runID)
	if err != nil {
		return nil, fmt.Errorf("load latest state: %w", err)
	}
	s := newSubscription(r, bot, runID, latest)
	if err := s.subscribe(ctx); err != nil {
		return nil, err
	}
	go s.run()
	r.log.Info("attached", slog.String("bot", bot), slog.String("run_id", runID), slog.Uint64("persisted_seq", latest.LastSequence))
	return s, nil
}

func (r *Reconciler) get(bot string) (*Subscription, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := r.subs[bot]
	if s == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotAttached, bot)
	}
	return s, nil
}

// Flush synchronously persists everything buffered for bot.
func (r *Reconciler) Flush(ctx context.Context, bot string) error {
	s, err := r.get(bot)
	if err != nil {
		return err
	}
	return s.Flush(ctx)
}

// Detach flushes bot's buffer, then stops its loop and subscription. The
// loop is stopped even when the final flush fails; the error is returned.
func (r *Reconciler) Detach(ctx context.Context, bot string) error {
	r.mu.Lock()
	s := r.subs[bot]
	delete(r.subs, bot)
	r.mu.Unlock()
	if s == nil {
		return nil
	}
	err := s.Flush(ctx)
	s.shutdown()
	r.log.Info("detached", slog.String("bot", bot), slog.String("run_id", s.runID))
	return err
}

// Latest returns the committed projection for an attached bot.
func (r *Reconciler) Latest(bot string) (*event.LatestState, error) {
	s, err := r.get(bot)
	if err != nil {
		return nil, err
	}
	return s.Latest(), nil
}

// Rebuild recomputes a run's latest state by replaying its persisted log and
// rewrites the latest-state table. For an attached run the replay happens in
// its loop after a flush.
func (r *Reconciler) Rebuild(ctx context.Context, bot, runID string) (*event.LatestState, error) {
	if s, err := r.get(bot); err == nil && s.runID == runID {
		var out *event.LatestState
		err := s.do(ctx, func(ctx context.Context) error {
			if err := s.flush(ctx); err != nil {
				return err
			}
			st, err := r.replay(ctx, bot, runID)
			if err != nil {
				return err
			}
			s.latest.Store(st.Clone())
			s.persisted = st.LastSequence
			out = st
			return nil
		})
		return out, err
	}
	return r.replay(ctx, bot, runID)
}

func (r *Reconciler) replay(ctx context.Context, bot, runID string) (*event.LatestState, error) {
	evs, err := r.st.Events(ctx, bot, runID)
	if err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}
	st := event.Fold(bot, runID, evs)
	if err := r.st.ReplaceLatest(ctx, st); err != nil {
		return nil, fmt.Errorf("replace latest state: %w", err)
	}
	return st, nil
}

// Close detaches every bot.
func (r *Reconciler) Close(ctx context.Context) error {
	r.mu.RLock()
	bots := make([]string, 0, len(r.subs))
	for b, s := range r.subs {
		if s != nil {
			bots = append(bots, b)
		}
	}
	r.mu.RUnlock()
	var errs []error
	for _, b := range bots {
		if err := r.Detach(ctx, b); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", b, err))
		}
	}
	return errors.Join(errs...)
}

func (r *Reconciler) retryBackOff(ctx context.Context) backoff.BackOffContext {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = r.cfg.RetryBase
	eb.MaxInterval = r.cfg.RetryMax
	eb.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(eb, r.cfg.MaxRetries), ctx)
}

func (r *Reconciler) resubscribeBackOff() *backoff.ExponentialBackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = r.cfg.ResubscribeBase
	eb.MaxInterval = r.cfg.ResubscribeMax
	eb.MaxElapsedTime = 0
	return eb
}
