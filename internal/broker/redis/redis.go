package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/botvisor/botvisor/internal/broker"
)

// Config captures connection options for Redis.
type Config struct {
	Addr         string        `mapstructure:"addr"`
	Username     string        `mapstructure:"username"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

func (c Config) withDefaults() Config {
	cfg := c
	if cfg.Addr == "" {
		cfg.Addr = "localhost:6379"
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 3 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 3 * time.Second
	}
	return cfg
}

// Broker implements broker.Broker over Redis PUBLISH / PSUBSCRIBE.
type Broker struct {
	client *goredis.Client
	log    *slog.Logger
}

// New builds a broker on a single go-redis client.
func New(cfg Config, log *slog.Logger) *Broker {
	cfg = cfg.withDefaults()
	if log == nil {
		log = slog.Default()
	}
	c := goredis.NewClient(&goredis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})
	return &Broker{client: c, log: log.With(slog.String("component", "broker"))}
}

// Ping checks connectivity.
func (b *Broker) Ping(ctx context.Context) error { return b.client.Ping(ctx).Err() }

func (b *Broker) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := b.client.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe issues PSUBSCRIBE and waits for the confirmation before returning,
// so no message published after Subscribe returns is missed.
func (b *Broker) Subscribe(ctx context.Context, pattern string, buffer int) (broker.Subscription, error) {
	if buffer <= 0 {
		buffer = 1
	}
	ps := b.client.PSubscribe(ctx, pattern)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("%w: psubscribe %s: %v", broker.ErrDisconnected, pattern, err)
	}
	pumpCtx, cancel := context.WithCancel(context.Background())
	s := &subscription{
		ps:     ps,
		ch:     make(chan broker.Message, buffer),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.pump(pumpCtx, b.log.With(slog.String("pattern", pattern)))
	return s, nil
}

func (b *Broker) Close() error { return b.client.Close() }

type subscription struct {
	ps     *goredis.PubSub
	ch     chan broker.Message
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

func (s *subscription) C() <-chan broker.Message { return s.ch }

func (s *subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *subscription) Close() error {
	s.cancel()
	err := s.ps.Close()
	<-s.done
	return err
}

// pump is the only sender on ch and closes it on exit. A receive error other
// than cancellation ends the stream; the caller resubscribes.
func (s *subscription) pump(ctx context.Context, log *slog.Logger) {
	defer close(s.done)
	defer close(s.ch)
	for {
		msg, err := s.ps.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, goredis.ErrClosed) {
				return
			}
			log.Warn("subscription receive failed", slog.Any("error", err))
			s.mu.Lock()
			s.err = fmt.Errorf("%w: %v", broker.ErrDisconnected, err)
			s.mu.Unlock()
			return
		}
		m := broker.Message{Topic: msg.Channel, Payload: []byte(msg.Payload), ReceivedAt: time.Now().UTC()}
		select {
		case s.ch <- m:
		case <-ctx.Done():
			return
		}
	}
}

var _ broker.Broker = (*Broker)(nil)
