package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/botvisor/botvisor/internal/archive"
	"github.com/botvisor/botvisor/internal/broker"
	"github.com/botvisor/botvisor/internal/history"
	"github.com/botvisor/botvisor/internal/logger"
	"github.com/botvisor/botvisor/internal/reconciler"
	"github.com/botvisor/botvisor/internal/runtime"
	"github.com/botvisor/botvisor/internal/store"
)

// Config holds lifecycle timing and deploy defaults.
type Config struct {
	StartupTimeout  time.Duration `mapstructure:"startup_timeout"`
	LivenessTimeout time.Duration `mapstructure:"liveness_timeout"`
	// LivenessCheck is how often the actor inspects its container and
	// heartbeat age.
	LivenessCheck time.Duration `mapstructure:"liveness_check"`
	StopGrace     time.Duration `mapstructure:"stop_grace"`
	// TombstoneTTL keeps terminal bots queryable; zero keeps them until redeploy.
	TombstoneTTL time.Duration `mapstructure:"tombstone_ttl"`
	// LogTail is the number of container log lines captured on stop.
	LogTail      int               `mapstructure:"log_tail"`
	TopicPrefix  string            `mapstructure:"topic_prefix"`
	DefaultImage string            `mapstructure:"default_image"`
	Strategies   map[string]string `mapstructure:"strategies"`
	// Env is injected into every bot container; ${VAR} references are expanded.
	Env map[string]string `mapstructure:"env"`
}

func (c Config) withDefaults() Config {
	if c.StartupTimeout <= 0 {
		c.StartupTimeout = 30 * time.Second
	}
	if c.LivenessTimeout <= 0 {
		c.LivenessTimeout = 90 * time.Second
	}
	if c.LivenessCheck <= 0 {
		c.LivenessCheck = 5 * time.Second
	}
	if c.StopGrace <= 0 {
		c.StopGrace = 10 * time.Second
	}
	if c.LogTail <= 0 {
		c.LogTail = 1000
	}
	if c.TopicPrefix == "" {
		c.TopicPrefix = broker.DefaultPrefix
	}
	return c
}

// Archiver finalizes a stopped run.
type Archiver interface {
	Archive(ctx context.Context, req archive.Request) (store.ArchiveRecord, error)
}

// Deps are the collaborators an Orchestrator drives.
type Deps struct {
	Runtime    runtime.Runtime
	Broker     broker.Broker
	Reconciler *reconciler.Reconciler
	Archiver   Archiver
	Store      store.Store
	Layout     runtime.Layout
	// History receives every transition; nil disables export.
	History  history.Sink
	Logger   *slog.Logger
	LogFiles logger.FileConfig
}

func (d Deps) validate() error {
	var errs []error
	if d.Runtime == nil {
		errs = append(errs, errors.New("runtime is required"))
	}
	if d.Broker == nil {
		errs = append(errs, errors.New("broker is required"))
	}
	if d.Reconciler == nil {
		errs = append(errs, errors.New("reconciler is required"))
	}
	if d.Archiver == nil {
		errs = append(errs, errors.New("archiver is required"))
	}
	if d.Store == nil {
		errs = append(errs, errors.New("store is required"))
	}
	if d.Layout.Root == "" {
		errs = append(errs, errors.New("instance root is required"))
	}
	return errors.Join(errs...)
}
