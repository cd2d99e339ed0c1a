package clickhouse

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/botvisor/botvisor/internal/history"
)

// Sink sends lifecycle transitions to ClickHouse using the official client.
type Sink struct {
	conn  driver.Conn
	table string
}

// Options selects the server and credentials; the table is created when
// missing.
type Options struct {
	Addr     string
	Database string
	Username string
	Password string
	Table    string
}

func New(addr, table string) (*Sink, error) {
	return NewWithOptions(Options{Addr: addr, Table: table})
}

func NewWithOptions(o Options) (*Sink, error) {
	if o.Database == "" {
		o.Database = "default"
	}
	if o.Username == "" {
		o.Username = "default"
	}
	if o.Table == "" {
		o.Table = "bot_transitions"
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{o.Addr},
		Auth: clickhouse.Auth{
			Database: o.Database,
			Username: o.Username,
			Password: o.Password,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	ctx := context.Background()
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}
	s := &Sink{conn: conn, table: o.Table}
	if err := s.ensureTable(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *Sink) ensureTable(ctx context.Context) error {
	err := s.conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS `+s.table+` (
			type String,
			occurred_at DateTime64(6),
			bot_name String,
			run_id String,
			from_state LowCardinality(String),
			to_state LowCardinality(String),
			reason String,
			error String,
			location String
		) ENGINE = MergeTree()
		ORDER BY (bot_name, run_id, occurred_at)`)
	if err != nil {
		return fmt.Errorf("failed to create ClickHouse table: %w", err)
	}
	return nil
}

func (s *Sink) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	t := e.Transition
	query := fmt.Sprintf(`INSERT INTO %s (type, occurred_at, bot_name, run_id, from_state, to_state, reason, error, location) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.table)
	err := s.conn.Exec(ctx, query,
		string(e.Type),
		e.OccurredAt.UTC(),
		t.Bot,
		t.RunID,
		t.From,
		t.To,
		t.Reason,
		t.Error,
		t.Location,
	)
	if err != nil {
		return fmt.Errorf("failed to insert transition into ClickHouse: %w", err)
	}
	return nil
}
