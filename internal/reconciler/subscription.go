package reconciler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/botvisor/botvisor/internal/broker"
	"github.com/botvisor/botvisor/internal/event"
	"github.com/botvisor/botvisor/internal/metrics"
	"github.com/botvisor/botvisor/internal/store"
)

type op struct {
	ctx   context.Context
	fn    func(context.Context) error
	reply chan error
}

// Subscription is one bot's consumption loop. Fields below the loop marker
// are owned by the loop goroutine.
type Subscription struct {
	r     *Reconciler
	bot   string
	runID string
	log   *slog.Logger

	ops  chan op
	stop chan struct{}
	done chan struct{}
	once sync.Once

	latest        atomic.Pointer[event.LatestState]
	lastHeartbeat atomic.Int64
	healthy       atomic.Bool
	pendingCount  atomic.Int64
	firstBeat     chan struct{}
	firstOnce     sync.Once

	// loop-owned
	bsub       broker.Subscription
	persisted  uint64
	lastSeen   uint64
	pending    []event.StatusEvent
	pendingSeq map[uint64]struct{}
}

func newSubscription(r *Reconciler, bot, runID string, latest *event.LatestState) *Subscription {
	s := &Subscription{
		r:          r,
		bot:        bot,
		runID:      runID,
		log:        r.log.With(slog.String("bot", bot)),
		ops:        make(chan op),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		firstBeat:  make(chan struct{}),
		persisted:  latest.LastSequence,
		lastSeen:   latest.LastSequence,
		pendingSeq: map[uint64]struct{}{},
	}
	s.latest.Store(latest)
	s.healthy.Store(true)
	return s
}

func (s *Subscription) Bot() string   { return s.bot }
func (s *Subscription) RunID() string { return s.runID }

// Latest returns a copy of the last committed projection.
func (s *Subscription) Latest() *event.LatestState { return s.latest.Load().Clone() }

// Healthy is false while persistence is failing.
func (s *Subscription) Healthy() bool { return s.healthy.Load() }

// Pending is the number of buffered, unflushed events.
func (s *Subscription) Pending() int { return int(s.pendingCount.Load()) }

// FirstHeartbeat is closed when the first heartbeat of this run arrives.
func (s *Subscription) FirstHeartbeat() <-chan struct{} { return s.firstBeat }

// LastHeartbeat reports when the last heartbeat was received.
func (s *Subscription) LastHeartbeat() (time.Time, bool) {
	n := s.lastHeartbeat.Load()
	if n == 0 {
		return time.Time{}, false
	}
	return time.Unix(0, n), true
}

// HeartbeatAge is the time since the last heartbeat; false until one arrives.
func (s *Subscription) HeartbeatAge(now time.Time) (time.Duration, bool) {
	last, ok := s.LastHeartbeat()
	if !ok {
		return 0, false
	}
	return now.Sub(last), true
}

// Flush persists every buffered event before returning.
func (s *Subscription) Flush(ctx context.Context) error {
	return s.do(ctx, s.flush)
}

func (s *Subscription) do(ctx context.Context, fn func(context.Context) error) error {
	reply := make(chan error, 1)
	select {
	case s.ops <- op{ctx: ctx, fn: fn, reply: reply}:
	case <-s.done:
		return ErrDetached
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Subscription) shutdown() {
	s.once.Do(func() {
		close(s.stop)
		<-s.done
		if s.bsub != nil {
			_ = s.bsub.Close()
			s.bsub = nil
		}
	})
}

func (s *Subscription) subscribe(ctx context.Context) error {
	pattern := broker.BotPattern(s.r.cfg.TopicPrefix, s.bot)
	sub, err := s.r.br.Subscribe(ctx, pattern, s.r.cfg.ChannelBuffer)
	if err != nil {
		return fmt.Errorf("%w: subscribe %s: %w", broker.ErrDisconnected, pattern, err)
	}
	s.bsub = sub
	return nil
}

func (s *Subscription) run() {
	defer close(s.done)
	ticker := time.NewTicker(s.r.cfg.FlushInterval)
	defer ticker.Stop()
	bo := s.r.resubscribeBackOff()
	var resub <-chan time.Time

	for {
		var in <-chan broker.Message
		// stop reading while the buffer is full so the broker side blocks
		if s.bsub != nil && len(s.pending) < s.r.cfg.MaxPending {
			in = s.bsub.C()
		}
		select {
		case <-s.stop:
			return
		case o := <-s.ops:
			o.reply <- o.fn(o.ctx)
		case m, ok := <-in:
			if !ok {
				err := s.bsub.Err()
				_ = s.bsub.Close()
				s.bsub = nil
				wait := bo.NextBackOff()
				s.log.Warn("broker subscription lost", slog.Any("error", err), slog.Duration("retry_in", wait))
				resub = time.After(wait)
				continue
			}
			s.handle(m)
			if len(s.pending) >= s.r.cfg.BatchSize {
				_ = s.flush(context.Background())
			}
		case <-resub:
			resub = nil
			ctx, cancel := context.WithTimeout(context.Background(), s.r.cfg.ResubscribeMax)
			err := s.subscribe(ctx)
			cancel()
			if err != nil {
				wait := bo.NextBackOff()
				s.log.Warn("resubscribe failed", slog.Any("error", err), slog.Duration("retry_in", wait))
				resub = time.After(wait)
				continue
			}
			bo.Reset()
			metrics.IncResubscribe()
			s.log.Info("resubscribed")
		case <-ticker.C:
			if age, ok := s.HeartbeatAge(s.r.now()); ok {
				metrics.SetHeartbeatAge(s.bot, age.Seconds())
			}
			if len(s.pending) > 0 {
				_ = s.flush(context.Background())
			}
		}
	}
}

// handle normalizes, deduplicates and buffers one message.
func (s *Subscription) handle(m broker.Message) {
	if broker.IsCommandTopic(m.Topic) {
		return
	}
	at := m.ReceivedAt
	if at.IsZero() {
		at = s.r.now()
	}
	ev, err := event.Decode(s.bot, m.Payload, at)
	if err != nil {
		cause := "malformed"
		if errors.Is(err, event.ErrUnknownKind) {
			cause = "unknown_kind"
		}
		metrics.IncIgnored(cause)
		s.log.Warn("ignoring message", slog.String("topic", m.Topic), slog.String("cause", cause), slog.Any("error", err))
		return
	}
	ev.RunID = s.runID
	ev.Topic = m.Topic

	if ev.Kind == event.KindHeartbeat {
		// liveness counts any heartbeat delivery, duplicates included
		s.lastHeartbeat.Store(s.r.now().UnixNano())
		s.firstOnce.Do(func() { close(s.firstBeat) })
	}

	if ev.Sequence <= s.persisted {
		metrics.IncDuplicate()
		s.log.Debug("duplicate event", slog.Uint64("seq", ev.Sequence), slog.Uint64("persisted", s.persisted))
		return
	}
	if _, dup := s.pendingSeq[ev.Sequence]; dup {
		metrics.IncDuplicate()
		s.log.Debug("duplicate event", slog.Uint64("seq", ev.Sequence))
		return
	}
	if ev.Sequence > s.lastSeen+1 {
		missing := ev.Sequence - s.lastSeen - 1
		metrics.AddGap(missing)
		s.log.Warn("sequence gap", slog.Uint64("after", s.lastSeen), slog.Uint64("seq", ev.Sequence), slog.Uint64("missing", missing))
	}
	if ev.Sequence > s.lastSeen {
		s.lastSeen = ev.Sequence
	}
	s.pending = append(s.pending, ev)
	s.pendingSeq[ev.Sequence] = struct{}{}
	s.pendingCount.Store(int64(len(s.pending)))
}

// drain handles messages already delivered to the channel, up to MaxPending.
func (s *Subscription) drain() {
	if s.bsub == nil {
		return
	}
	for len(s.pending) < s.r.cfg.MaxPending {
		select {
		case m, ok := <-s.bsub.C():
			if !ok {
				return
			}
			s.handle(m)
		default:
			return
		}
	}
}

// flush commits the buffer in sequence order. The in-memory projection only
// advances after the store commit succeeds.
func (s *Subscription) flush(ctx context.Context) error {
	s.drain()
	if len(s.pending) == 0 {
		return nil
	}
	event.SortBySequence(s.pending)

	next := s.latest.Load().Clone()
	changed := map[string]json.RawMessage{}
	for _, ev := range s.pending {
		for _, k := range next.Apply(ev) {
			changed[k] = next.Fields[k]
		}
	}
	batch := store.Batch{Bot: s.bot, RunID: s.runID, Events: s.pending, Fields: changed, Sequence: next.LastSequence}

	start := time.Now()
	err := backoff.RetryNotify(func() error {
		return s.r.st.AppendEvents(ctx, batch)
	}, s.r.retryBackOff(ctx), func(err error, d time.Duration) {
		s.log.Warn("persist retry", slog.Int("events", len(batch.Events)), slog.Duration("in", d), slog.Any("error", err))
	})
	metrics.ObserveFlush(time.Since(start).Seconds(), err)
	if err != nil {
		if s.healthy.Swap(false) {
			s.log.Error("persistence failing, buffering", slog.Int("pending", len(s.pending)), slog.Any("error", err))
		}
		return fmt.Errorf("persist %d events: %w", len(batch.Events), err)
	}

	counts := map[event.Kind]int{}
	for _, ev := range s.pending {
		counts[ev.Kind]++
	}
	for k, n := range counts {
		metrics.AddEventsPersisted(string(k), n)
	}
	s.persisted = next.LastSequence
	s.latest.Store(next)
	s.pending = nil
	s.pendingSeq = map[uint64]struct{}{}
	s.pendingCount.Store(0)
	if !s.healthy.Swap(true) {
		s.log.Info("persistence recovered")
	}
	return nil
}
