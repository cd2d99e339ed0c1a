package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/botvisor/botvisor/internal/history"
)

// Sink writes lifecycle transitions to a SQLite database.
type Sink struct {
	db *sql.DB
}

// New creates a new SQLite history sink.
// DSN format:
//   - "sqlite:///path/to/file.db"
//   - "sqlite://:memory:"
//   - "/path/to/file.db" (without prefix)
//   - ":memory:" (in-memory database)
func New(dsn string) (*Sink, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty SQLite DSN")
	}
	if strings.HasPrefix(strings.ToLower(dsn), "sqlite://") {
		dsn = dsn[len("sqlite://"):]
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// in-memory databases are per connection
	db.SetMaxOpenConns(1)

	sink := &Sink{db: db}
	if err := sink.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return sink, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS bot_transitions(
			occurred_at TIMESTAMP NOT NULL DEFAULT (CURRENT_TIMESTAMP),
			type TEXT NOT NULL,
			bot_name TEXT NOT NULL,
			run_id TEXT NOT NULL,
			from_state TEXT NOT NULL,
			to_state TEXT NOT NULL,
			reason TEXT NULL,
			error TEXT NULL,
			location TEXT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_bot_transitions_bot ON bot_transitions(bot_name, run_id);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	t := e.Transition
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bot_transitions(occurred_at, type, bot_name, run_id, from_state, to_state, reason, error, location)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		e.OccurredAt.UTC(), string(e.Type), t.Bot, t.RunID, t.From, t.To, nullable(t.Reason), nullable(t.Error), nullable(t.Location))
	return err
}

// Path returns the states a run went through, in insertion order.
func (s *Sink) Path(ctx context.Context, bot, runID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT to_state FROM bot_transitions
		WHERE bot_name=? AND run_id=? AND type=?
		ORDER BY rowid;`, bot, runID, string(history.EventTransition))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []string
	for rows.Next() {
		var st string
		if err := rows.Scan(&st); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *Sink) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
