package store

import "time"

// Config selects and tunes the durable store.
type Config struct {
	// DSN chooses the backend: "sqlite:///path.db", a bare path, or "postgres://...".
	DSN string `mapstructure:"dsn" toml:"dsn" json:"dsn"`

	MaxOpenConns int           `mapstructure:"max_open_conns" toml:"max_open_conns,omitempty" json:"max_open_conns,omitempty"`
	MaxIdleConns int           `mapstructure:"max_idle_conns" toml:"max_idle_conns,omitempty" json:"max_idle_conns,omitempty"`
	ConnMaxAge   time.Duration `mapstructure:"conn_max_age" toml:"conn_max_age,omitempty" json:"conn_max_age,omitempty"`
}
