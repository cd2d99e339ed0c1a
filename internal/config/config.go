package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/botvisor/botvisor/internal/archive"
	"github.com/botvisor/botvisor/internal/broker/redis"
	"github.com/botvisor/botvisor/internal/logger"
	"github.com/botvisor/botvisor/internal/orchestrator"
	"github.com/botvisor/botvisor/internal/reconciler"
	"github.com/botvisor/botvisor/internal/runtime"
	"github.com/botvisor/botvisor/internal/runtime/docker"
	"github.com/botvisor/botvisor/internal/store"
	tlsconf "github.com/botvisor/botvisor/internal/tls"
)

// EnvPrefix prefixes environment overrides: BOTVISOR_SERVER_LISTEN sets
// server.listen.
const EnvPrefix = "BOTVISOR"

type ServerConfig struct {
	Listen          string         `mapstructure:"listen"`
	BasePath        string         `mapstructure:"base_path"`
	ShutdownTimeout time.Duration  `mapstructure:"shutdown_timeout"`
	TLS             tlsconf.Config `mapstructure:"tls"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Path is served on the API listener.
	Path string `mapstructure:"path"`
}

type BrokerConfig struct {
	// Type is "redis" or "memory".
	Type  string       `mapstructure:"type"`
	Redis redis.Config `mapstructure:"redis"`
}

type RuntimeConfig struct {
	// InstanceRoot holds the per-bot conf/data/logs directories.
	InstanceRoot          string        `mapstructure:"instance_root"`
	Docker                docker.Config `mapstructure:"docker"`
	runtime.AdapterConfig `mapstructure:",squash"`
}

type HistoryConfig struct {
	// Sinks are DSNs: clickhouse://, opensearch://, kafka://, postgres://,
	// or a sqlite path.
	Sinks []string `mapstructure:"sinks"`
}

// Config is the control-plane configuration file.
type Config struct {
	Server     ServerConfig        `mapstructure:"server"`
	Metrics    MetricsConfig       `mapstructure:"metrics"`
	Log        logger.Config       `mapstructure:"log"`
	Broker     BrokerConfig        `mapstructure:"broker"`
	Runtime    RuntimeConfig       `mapstructure:"runtime"`
	Store      store.Config        `mapstructure:"store"`
	Reconciler reconciler.Config   `mapstructure:"reconciler"`
	Lifecycle  orchestrator.Config `mapstructure:"lifecycle"`
	Archive    archive.Config      `mapstructure:"archive"`
	History    HistoryConfig       `mapstructure:"history"`

	// Strategies maps a strategy_ref to its container image. Keys are
	// case-insensitive.
	Strategies map[string]string `mapstructure:"strategies"`
	// Env is injected into every bot as KEY=VALUE entries; EnvFiles are read
	// first and Env overrides them.
	Env      []string `mapstructure:"env"`
	EnvFiles []string `mapstructure:"env_files"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen", ":8080")
	v.SetDefault("server.base_path", "/api")
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("server.tls.enabled", false)
	v.SetDefault("server.tls.dir", "")
	v.SetDefault("server.tls.auto_generate", false)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file.dir", "")

	v.SetDefault("broker.type", "redis")
	v.SetDefault("broker.redis.addr", "localhost:6379")
	v.SetDefault("broker.redis.password", "")
	v.SetDefault("broker.redis.db", 0)

	v.SetDefault("runtime.instance_root", "./instances")
	v.SetDefault("runtime.call_timeout", "30s")
	v.SetDefault("runtime.stop_timeout", "10s")
	v.SetDefault("runtime.docker.host", "")
	v.SetDefault("runtime.docker.network", "")

	v.SetDefault("store.dsn", "sqlite://botvisor.db")

	v.SetDefault("reconciler.topic_prefix", "bots")
	v.SetDefault("reconciler.batch_size", 50)
	v.SetDefault("reconciler.flush_interval", "250ms")

	v.SetDefault("lifecycle.startup_timeout", "30s")
	v.SetDefault("lifecycle.liveness_timeout", "90s")
	v.SetDefault("lifecycle.liveness_check", "5s")
	v.SetDefault("lifecycle.stop_grace", "10s")
	v.SetDefault("lifecycle.tombstone_ttl", "1h")
	v.SetDefault("lifecycle.log_tail", 1000)
	v.SetDefault("lifecycle.default_image", "")

	v.SetDefault("archive.staging_dir", "./archive/staging")
	v.SetDefault("archive.dir", "./archive")
	v.SetDefault("archive.compression", "zstd")
	v.SetDefault("archive.purge_after_archive", false)
	v.SetDefault("archive.s3.endpoint", "")
	v.SetDefault("archive.s3.bucket", "")
	v.SetDefault("archive.s3.access_key", "")
	v.SetDefault("archive.s3.secret_key", "")

	v.SetDefault("history.sinks", []string{})
}

// LoadDotEnv loads .env files into the process environment. Variables that
// are already set win; missing files are skipped.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); os.IsNotExist(err) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// Load reads the TOML file at path, applies BOTVISOR_* environment overrides
// and defaults, and validates the result. An empty path uses defaults and
// the environment only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := c.resolve(path); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// resolve folds the top-level sections into the component configs.
func (c *Config) resolve(path string) error {
	base := "."
	if path != "" {
		base = filepath.Dir(path)
	}
	bot := map[string]string{}
	for _, f := range c.EnvFiles {
		if !filepath.IsAbs(f) {
			f = filepath.Join(base, f)
		}
		m, err := godotenv.Read(filepath.Clean(f))
		if err != nil {
			return fmt.Errorf("env file %s: %w", f, err)
		}
		for k, v := range m {
			bot[k] = v
		}
	}
	for _, kv := range c.Env {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return fmt.Errorf("env entry %q must be KEY=VALUE", kv)
		}
		bot[strings.TrimSpace(k)] = v
	}
	for k, v := range c.Lifecycle.Env {
		if _, ok := bot[k]; !ok {
			bot[k] = v
		}
	}
	c.Lifecycle.Env = bot

	strategies := map[string]string{}
	for k, v := range c.Lifecycle.Strategies {
		strategies[strings.ToLower(k)] = v
	}
	for k, v := range c.Strategies {
		strategies[strings.ToLower(k)] = v
	}
	c.Lifecycle.Strategies = strategies
	c.Lifecycle.TopicPrefix = c.Reconciler.TopicPrefix
	return nil
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Server.Listen) == "" {
		errs = append(errs, errors.New("server.listen is required"))
	}
	if err := c.Server.TLS.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("server.tls: %w", err))
	}
	switch strings.ToLower(c.Broker.Type) {
	case "redis":
		if c.Broker.Redis.Addr == "" {
			errs = append(errs, errors.New("broker.redis.addr is required"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("broker.type %q must be redis or memory", c.Broker.Type))
	}
	if strings.TrimSpace(c.Runtime.InstanceRoot) == "" {
		errs = append(errs, errors.New("runtime.instance_root is required"))
	}
	if strings.TrimSpace(c.Store.DSN) == "" {
		errs = append(errs, errors.New("store.dsn is required"))
	}
	if _, err := archive.ParseCompression(c.Archive.Compression); err != nil {
		errs = append(errs, fmt.Errorf("archive.compression: %w", err))
	}
	if c.Archive.Dir == "" && !c.Archive.S3.Enabled() {
		errs = append(errs, errors.New("archive.dir or archive.s3.bucket is required"))
	}
	if c.Archive.S3.Enabled() && c.Archive.S3.Endpoint == "" {
		errs = append(errs, errors.New("archive.s3.endpoint is required with a bucket"))
	}
	lc := c.Lifecycle
	if lc.LivenessTimeout > 0 && lc.LivenessCheck > 0 && lc.LivenessCheck >= lc.LivenessTimeout {
		errs = append(errs, fmt.Errorf("lifecycle.liveness_check (%s) must be shorter than lifecycle.liveness_timeout (%s)", lc.LivenessCheck, lc.LivenessTimeout))
	}
	for _, d := range []struct {
		key string
		val time.Duration
	}{
		{"lifecycle.startup_timeout", lc.StartupTimeout},
		{"lifecycle.liveness_timeout", lc.LivenessTimeout},
		{"lifecycle.stop_grace", lc.StopGrace},
		{"lifecycle.tombstone_ttl", lc.TombstoneTTL},
	} {
		if d.val < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", d.key))
		}
	}
	for ref, img := range lc.Strategies {
		if strings.TrimSpace(img) == "" {
			errs = append(errs, fmt.Errorf("strategies.%s has no image", ref))
		}
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be text or json", c.Log.Format))
	}
	return errors.Join(errs...)
}
