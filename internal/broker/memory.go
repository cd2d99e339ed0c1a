package broker

import (
	"context"
	"path"
	"sync"
	"time"
)

// Memory is an in-process Broker. It is used by tests and by single-node
// setups where bots and the control plane share a host.
type Memory struct {
	mu     sync.RWMutex
	subs   map[*memSub]struct{}
	closed bool
	now    func() time.Time
}

func NewMemory() *Memory {
	return &Memory{subs: map[*memSub]struct{}{}, now: time.Now}
}

type memSub struct {
	owner   *Memory
	pattern string
	ch      chan Message
	done    chan struct{}
	sendMu  sync.RWMutex
	once    sync.Once
	err     error
}

func (s *memSub) C() <-chan Message { return s.ch }

func (s *memSub) Err() error {
	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	return s.err
}

func (s *memSub) Close() error {
	s.end(nil)
	return nil
}

func (s *memSub) end(err error) {
	s.once.Do(func() {
		s.owner.mu.Lock()
		delete(s.owner.subs, s)
		s.owner.mu.Unlock()
		close(s.done)
		// wait for in-flight senders before closing the channel
		s.sendMu.Lock()
		s.err = err
		close(s.ch)
		s.sendMu.Unlock()
	})
}

func (s *memSub) deliver(ctx context.Context, m Message) error {
	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	select {
	case <-s.done:
		return nil
	default:
	}
	select {
	case s.ch <- m:
		return nil
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Memory) Subscribe(ctx context.Context, pattern string, buffer int) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if buffer <= 0 {
		buffer = 1
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	s := &memSub{owner: b, pattern: pattern, ch: make(chan Message, buffer), done: make(chan struct{})}
	b.subs[s] = struct{}{}
	return s, nil
}

// Publish delivers to every matching subscription, blocking while a
// subscriber's buffer is full.
func (b *Memory) Publish(ctx context.Context, topic string, payload []byte) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	targets := make([]*memSub, 0, len(b.subs))
	for s := range b.subs {
		if ok, _ := path.Match(s.pattern, topic); ok {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	m := Message{Topic: topic, Payload: append([]byte(nil), payload...), ReceivedAt: b.now().UTC()}
	for _, s := range targets {
		if err := s.deliver(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

// Disconnect ends every live subscription with ErrDisconnected, simulating a
// dropped connection. New subscriptions are accepted afterwards.
func (b *Memory) Disconnect() {
	b.mu.RLock()
	subs := make([]*memSub, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()
	for _, s := range subs {
		s.end(ErrDisconnected)
	}
}

// Subscribers reports the number of live subscriptions.
func (b *Memory) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Memory) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*memSub, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()
	for _, s := range subs {
		s.end(ErrClosed)
	}
	return nil
}
