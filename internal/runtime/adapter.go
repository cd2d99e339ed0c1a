package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// AdapterConfig bounds every runtime call.
type AdapterConfig struct {
	CallTimeout time.Duration `mapstructure:"call_timeout"`
	// StopTimeout is added to the grace period for Stop calls.
	StopTimeout time.Duration `mapstructure:"stop_timeout"`
	MaxRetries  uint64        `mapstructure:"max_retries"`
	RetryBase   time.Duration `mapstructure:"retry_base"`
}

func (c AdapterConfig) withDefaults() AdapterConfig {
	if c.CallTimeout <= 0 {
		c.CallTimeout = 30 * time.Second
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 10 * time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 200 * time.Millisecond
	}
	return c
}

// Adapter wraps a Runtime with per-call timeouts. Read-only calls (Inspect,
// Logs) are retried with backoff; Start never is, so a slow create cannot
// produce two containers.
type Adapter struct {
	rt  Runtime
	cfg AdapterConfig
	log *slog.Logger
}

func NewAdapter(rt Runtime, cfg AdapterConfig, log *slog.Logger) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{rt: rt, cfg: cfg.withDefaults(), log: log.With(slog.String("component", "runtime"))}
}

// call runs fn under timeout; a deadline hit by our own timer (not the
// caller's) maps to ErrRuntimeUnresponsive.
func (a *Adapter) call(ctx context.Context, op string, timeout time.Duration, fn func(context.Context) error) error {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	err := fn(cctx)
	if err == nil {
		return nil
	}
	if ctx.Err() == nil && (errors.Is(cctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded)) {
		return fmt.Errorf("%w: %s after %s", ErrRuntimeUnresponsive, op, timeout)
	}
	return err
}

func (a *Adapter) retry(ctx context.Context, op string, fn func(context.Context) error) error {
	b := backoff.WithContext(backoff.WithMaxRetries(a.newBackOff(), a.cfg.MaxRetries), ctx)
	return backoff.RetryNotify(func() error {
		err := a.call(ctx, op, a.cfg.CallTimeout, fn)
		if errors.Is(err, ErrNotFound) {
			return backoff.Permanent(err)
		}
		return err
	}, b, func(err error, d time.Duration) {
		a.log.Debug("runtime call retry", slog.String("op", op), slog.Duration("in", d), slog.Any("error", err))
	})
}

func (a *Adapter) newBackOff() *backoff.ExponentialBackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = a.cfg.RetryBase
	eb.MaxInterval = 5 * a.cfg.RetryBase
	eb.MaxElapsedTime = 0
	return eb
}

func (a *Adapter) Start(ctx context.Context, spec Spec) (Handle, error) {
	var h Handle
	err := a.call(ctx, "start", a.cfg.CallTimeout, func(c context.Context) error {
		var err error
		h, err = a.rt.Start(c, spec)
		return err
	})
	return h, err
}

func (a *Adapter) Stop(ctx context.Context, h Handle, grace time.Duration) error {
	return a.call(ctx, "stop", grace+a.cfg.StopTimeout, func(c context.Context) error {
		return a.rt.Stop(c, h, grace)
	})
}

func (a *Adapter) ForceRemove(ctx context.Context, h Handle) error {
	err := a.call(ctx, "remove", a.cfg.CallTimeout, func(c context.Context) error {
		return a.rt.ForceRemove(c, h)
	})
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

func (a *Adapter) Inspect(ctx context.Context, h Handle) (State, error) {
	var st State
	err := a.retry(ctx, "inspect", func(c context.Context) error {
		var err error
		st, err = a.rt.Inspect(c, h)
		return err
	})
	return st, err
}

func (a *Adapter) Logs(ctx context.Context, h Handle, tail int) ([]string, error) {
	var lines []string
	err := a.retry(ctx, "logs", func(c context.Context) error {
		var err error
		lines, err = a.rt.Logs(c, h, tail)
		return err
	})
	return lines, err
}

var _ Runtime = (*Adapter)(nil)
