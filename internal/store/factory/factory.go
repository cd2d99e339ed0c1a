package factory

import (
	"errors"
	"strings"
	"time"

	"github.com/botvisor/botvisor/internal/store"
	pg "github.com/botvisor/botvisor/internal/store/postgres"
	sq "github.com/botvisor/botvisor/internal/store/sqlite"
)

type pooler interface {
	ConfigurePool(maxOpen, maxIdle int, maxAge time.Duration)
}

// NewFromDSN selects a store implementation based on DSN.
// Supported:
//   - sqlite:  "sqlite:///<path>" or bare filepath (treated as sqlite)
//   - postgres: DSN starting with "postgres://" or "postgresql://"
func NewFromDSN(dsn string) (store.Store, error) {
	d := strings.TrimSpace(dsn)
	ld := strings.ToLower(d)
	if ld == "" {
		return nil, errors.New("empty DSN")
	}
	if strings.HasPrefix(ld, "postgres://") || strings.HasPrefix(ld, "postgresql://") {
		return pg.New(d)
	}
	if strings.HasPrefix(ld, "sqlite://") {
		path := strings.TrimPrefix(d, "sqlite://")
		return sq.New(path)
	}
	// default to sqlite path
	return sq.New(d)
}

// New opens the store named by cfg.DSN and applies its pool settings.
func New(cfg store.Config) (store.Store, error) {
	s, err := NewFromDSN(cfg.DSN)
	if err != nil {
		return nil, err
	}
	if p, ok := s.(pooler); ok {
		p.ConfigurePool(cfg.MaxOpenConns, cfg.MaxIdleConns, cfg.ConnMaxAge)
	}
	return s, nil
}
