// Package botvisor assembles the bot lifecycle daemon: broker, container
// runtime, durable store, reconciler, archiver and the HTTP API around the
// orchestrator.
package botvisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/botvisor/botvisor/internal/archive"
	"github.com/botvisor/botvisor/internal/broker"
	"github.com/botvisor/botvisor/internal/broker/redis"
	"github.com/botvisor/botvisor/internal/config"
	"github.com/botvisor/botvisor/internal/history"
	hfactory "github.com/botvisor/botvisor/internal/history/factory"
	"github.com/botvisor/botvisor/internal/logger"
	"github.com/botvisor/botvisor/internal/metrics"
	"github.com/botvisor/botvisor/internal/orchestrator"
	"github.com/botvisor/botvisor/internal/reconciler"
	"github.com/botvisor/botvisor/internal/runtime"
	"github.com/botvisor/botvisor/internal/runtime/docker"
	"github.com/botvisor/botvisor/internal/server"
	sfactory "github.com/botvisor/botvisor/internal/store/factory"
	bvtls "github.com/botvisor/botvisor/internal/tls"
)

// Re-exported so embedders need no internal imports.
type (
	Config        = config.Config
	DeployRequest = orchestrator.DeployRequest
	BotInstance   = orchestrator.BotInstance
	StatusReport  = orchestrator.StatusReport
	State         = orchestrator.State
	Error         = orchestrator.Error
)

func LoadConfig(path string) (*Config, error) { return config.Load(path) }

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }

type options struct {
	runtime runtime.Runtime
	broker  broker.Broker
	log     *slog.Logger
}

type Option func(*options)

// WithRuntime replaces the Docker runtime.
func WithRuntime(rt runtime.Runtime) Option { return func(o *options) { o.runtime = rt } }

// WithBroker replaces the broker named in the config.
func WithBroker(br broker.Broker) Option { return func(o *options) { o.broker = br } }

func WithLogger(l *slog.Logger) Option { return func(o *options) { o.log = l } }

// Daemon owns every long-lived component. Closers run in reverse order of
// construction.
type Daemon struct {
	cfg  *Config
	log  *slog.Logger
	orch *orchestrator.Orchestrator
	rt   *server.Router
	srv  *http.Server

	closers []func() error
}

// New builds the daemon from cfg without serving anything yet.
func New(ctx context.Context, cfg *Config, opts ...Option) (d *Daemon, err error) {
	o := options{}
	for _, fn := range opts {
		fn(&o)
	}
	d = &Daemon{cfg: cfg}
	defer func() {
		if err != nil {
			_ = d.close()
		}
	}()

	d.log = o.log
	if d.log == nil {
		var c io.Closer
		d.log, c = logger.New(cfg.Log)
		d.closers = append(d.closers, c.Close)
	}

	st, err := sfactory.New(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	d.closers = append(d.closers, st.Close)
	if err := st.EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("store schema: %w", err)
	}

	br := o.broker
	if br == nil {
		br, err = newBroker(cfg.Broker, d.log)
		if err != nil {
			return nil, err
		}
	}
	d.closers = append(d.closers, br.Close)

	rt := o.runtime
	if rt == nil {
		drt, err := docker.New(cfg.Runtime.Docker, d.log)
		if err != nil {
			return nil, fmt.Errorf("docker runtime: %w", err)
		}
		d.closers = append(d.closers, drt.Close)
		rt = drt
	}
	adapter := runtime.NewAdapter(rt, cfg.Runtime.AdapterConfig, d.log)

	sinks, err := hfactory.NewSinks(cfg.History.Sinks)
	if err != nil {
		return nil, fmt.Errorf("history sinks: %w", err)
	}
	d.closers = append(d.closers, sinks.Close)

	up, err := archive.NewUploader(cfg.Archive)
	if err != nil {
		return nil, err
	}
	arch, err := archive.New(st, up, cfg.Archive, archive.WithLogger(d.log))
	if err != nil {
		return nil, fmt.Errorf("archive: %w", err)
	}

	rec := reconciler.New(br, st, cfg.Reconciler, reconciler.WithLogger(d.log))
	d.orch, err = orchestrator.New(cfg.Lifecycle, orchestrator.Deps{
		Runtime:    adapter,
		Broker:     br,
		Reconciler: rec,
		Archiver:   arch,
		Store:      st,
		Layout:     runtime.Layout{Root: cfg.Runtime.InstanceRoot},
		History:    historySink(sinks),
		Logger:     d.log,
		LogFiles:   cfg.Log.File,
	})
	if err != nil {
		return nil, err
	}

	ropts := []server.Option{server.WithLogger(d.log)}
	if cfg.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			return nil, fmt.Errorf("metrics: %w", err)
		}
		ropts = append(ropts, server.WithMetrics(cfg.Metrics.Path))
	}
	d.rt = server.NewRouter(d.orch, cfg.Server.BasePath, ropts...)
	return d, nil
}

func newBroker(c config.BrokerConfig, log *slog.Logger) (broker.Broker, error) {
	switch strings.ToLower(c.Type) {
	case "memory":
		return broker.NewMemory(), nil
	case "redis", "":
		return redis.New(c.Redis, log), nil
	default:
		return nil, fmt.Errorf("unknown broker type %q", c.Type)
	}
}

// historySink keeps the orchestrator's nil check meaningful when no sink is
// configured.
func historySink(f history.Fanout) history.Sink {
	if len(f) == 0 {
		return nil
	}
	return f
}

func (d *Daemon) Orchestrator() *orchestrator.Orchestrator { return d.orch }

// Handler is the HTTP API, for embedding in another server.
func (d *Daemon) Handler() http.Handler { return d.rt.Handler() }

// Serve starts the API listener on cfg.Server.Listen.
func (d *Daemon) Serve() error {
	tlsCfg, err := bvtls.Setup(d.cfg.Server.TLS)
	if err != nil {
		return fmt.Errorf("tls: %w", err)
	}
	d.srv, err = server.NewServer(d.cfg.Server.Listen, d.rt, tlsCfg)
	if err != nil {
		return fmt.Errorf("listen %s: %w", d.cfg.Server.Listen, err)
	}
	d.log.Info("api listening", slog.String("addr", d.srv.Addr), slog.Bool("tls", tlsCfg != nil))
	return nil
}

// Addr is the bound API address once Serve has returned.
func (d *Daemon) Addr() string {
	if d.srv == nil {
		return ""
	}
	return d.srv.Addr
}

// Shutdown stops the API, then the orchestrator, then releases every
// component. Bot containers are left running.
func (d *Daemon) Shutdown(ctx context.Context) error {
	var errs []error
	if d.srv != nil {
		if err := d.srv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}
	if d.orch != nil {
		if err := d.orch.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	errs = append(errs, d.close())
	return errors.Join(errs...)
}

func (d *Daemon) close() error {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	d.closers = nil
	return errors.Join(errs...)
}
