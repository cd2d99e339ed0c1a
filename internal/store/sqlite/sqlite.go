package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/botvisor/botvisor/internal/event"
	"github.com/botvisor/botvisor/internal/store"
)

// DB implements store.Store for SQLite (modernc.org/sqlite driver, CGO-free).
// DSN is a filesystem path to the SQLite database file. Use ":memory:" for in-memory.
// A single connection is used: writes are serialized and ":memory:" keeps one database.
type DB struct {
	db *sql.DB
}

// New opens a SQLite database at path.
func New(path string) (*DB, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	d, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	d.SetMaxOpenConns(1)
	// busy timeout helps with short concurrent locks
	_, _ = d.Exec("PRAGMA busy_timeout=3000;")
	_, _ = d.Exec("PRAGMA journal_mode=WAL;")
	return &DB{db: d}, nil
}

// ConfigurePool is a no-op beyond idle tuning; SQLite stays on one connection.
func (s *DB) ConfigurePool(_ int, maxIdle int, maxAge time.Duration) {
	if maxIdle > 0 {
		s.db.SetMaxIdleConns(maxIdle)
	}
	if maxAge > 0 {
		s.db.SetConnMaxLifetime(maxAge)
	}
}

func (s *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS bot_events(
			bot_name TEXT NOT NULL,
			run_id TEXT NOT NULL,
			sequence_number INTEGER NOT NULL,
			kind TEXT NOT NULL,
			payload TEXT NOT NULL,
			topic TEXT NOT NULL DEFAULT '',
			received_at TIMESTAMP NOT NULL,
			PRIMARY KEY(bot_name, run_id, sequence_number)
		);`,
		`CREATE TABLE IF NOT EXISTS bot_latest_state(
			bot_name TEXT NOT NULL,
			run_id TEXT NOT NULL,
			field_key TEXT NOT NULL,
			value TEXT NOT NULL,
			sequence_number INTEGER NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			PRIMARY KEY(bot_name, run_id, field_key)
		);`,
		`CREATE TABLE IF NOT EXISTS archive_records(
			id TEXT PRIMARY KEY,
			bot_name TEXT NOT NULL,
			run_id TEXT NOT NULL UNIQUE,
			archived_at TIMESTAMP NOT NULL,
			location TEXT NOT NULL,
			checksum TEXT NOT NULL,
			size_bytes INTEGER NOT NULL,
			event_count INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_archive_records_bot ON archive_records(bot_name);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *DB) Close() error { return s.db.Close() }

func (s *DB) AppendEvents(ctx context.Context, b store.Batch) (err error) {
	if len(b.Events) == 0 && len(b.Fields) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	for _, ev := range b.Events {
		if _, err = tx.ExecContext(ctx, `
			INSERT INTO bot_events(bot_name, run_id, sequence_number, kind, payload, topic, received_at)
			VALUES(?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(bot_name, run_id, sequence_number) DO NOTHING;`,
			b.Bot, b.RunID, int64(ev.Sequence), string(ev.Kind), string(ev.Payload), ev.Topic, ev.ReceivedAt.UTC()); err != nil {
			return fmt.Errorf("insert event %d: %w", ev.Sequence, err)
		}
	}
	now := time.Now().UTC()
	for k, v := range b.Fields {
		if _, err = tx.ExecContext(ctx, `
			INSERT INTO bot_latest_state(bot_name, run_id, field_key, value, sequence_number, updated_at)
			VALUES(?, ?, ?, ?, ?, ?)
			ON CONFLICT(bot_name, run_id, field_key) DO UPDATE SET
				value=excluded.value,
				sequence_number=excluded.sequence_number,
				updated_at=excluded.updated_at;`,
			b.Bot, b.RunID, k, string(v), int64(b.Sequence), now); err != nil {
			return fmt.Errorf("upsert latest %s: %w", k, err)
		}
	}
	return tx.Commit()
}

func (s *DB) LastSequence(ctx context.Context, bot, runID string) (uint64, error) {
	var n sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(sequence_number) FROM bot_events WHERE bot_name=? AND run_id=?;`, bot, runID).Scan(&n)
	if err != nil {
		return 0, err
	}
	if !n.Valid {
		return 0, nil
	}
	return uint64(n.Int64), nil
}

func (s *DB) Events(ctx context.Context, bot, runID string) ([]event.StatusEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT bot_name, run_id, sequence_number, kind, payload, topic, received_at
		FROM bot_events
		WHERE bot_name=? AND run_id=?
		ORDER BY sequence_number ASC;`, bot, runID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanEvents(rows)
}

func (s *DB) Latest(ctx context.Context, bot, runID string) (*event.LatestState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT field_key, value FROM bot_latest_state WHERE bot_name=? AND run_id=?;`, bot, runID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	st := event.NewLatestState(bot, runID)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		st.Fields[k] = json.RawMessage(v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	seq, err := s.LastSequence(ctx, bot, runID)
	if err != nil {
		return nil, err
	}
	st.LastSequence = seq
	return st, nil
}

func (s *DB) ReplaceLatest(ctx context.Context, st *event.LatestState) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if _, err = tx.ExecContext(ctx, `DELETE FROM bot_latest_state WHERE bot_name=? AND run_id=?;`, st.Bot, st.RunID); err != nil {
		return err
	}
	now := time.Now().UTC()
	for k, v := range st.Fields {
		if _, err = tx.ExecContext(ctx, `
			INSERT INTO bot_latest_state(bot_name, run_id, field_key, value, sequence_number, updated_at)
			VALUES(?, ?, ?, ?, ?, ?);`,
			st.Bot, st.RunID, k, string(v), int64(st.LastSequence), now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *DB) SaveArchive(ctx context.Context, rec store.ArchiveRecord) (store.ArchiveRecord, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO archive_records(id, bot_name, run_id, archived_at, location, checksum, size_bytes, event_count)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO NOTHING;`,
		rec.ID, rec.Bot, rec.RunID, rec.ArchivedAt.UTC(), rec.Location, rec.Checksum, rec.SizeBytes, rec.EventCount)
	if err != nil {
		return store.ArchiveRecord{}, err
	}
	return s.GetArchive(ctx, rec.RunID)
}

func (s *DB) GetArchive(ctx context.Context, runID string) (store.ArchiveRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, bot_name, run_id, archived_at, location, checksum, size_bytes, event_count
		FROM archive_records WHERE run_id=?;`, runID)
	if err != nil {
		return store.ArchiveRecord{}, err
	}
	defer func() { _ = rows.Close() }()
	recs, err := scanArchives(rows)
	if err != nil {
		return store.ArchiveRecord{}, err
	}
	if len(recs) == 0 {
		return store.ArchiveRecord{}, store.ErrNotFound
	}
	return recs[0], nil
}

func (s *DB) ListArchives(ctx context.Context, bot string) ([]store.ArchiveRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, bot_name, run_id, archived_at, location, checksum, size_bytes, event_count
		FROM archive_records WHERE (? = '' OR bot_name=?)
		ORDER BY archived_at DESC, bot_name;`, bot, bot)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanArchives(rows)
}

func (s *DB) PurgeRun(ctx context.Context, bot, runID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM bot_events WHERE bot_name=? AND run_id=?;`, bot, runID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM bot_latest_state WHERE bot_name=? AND run_id=?;`, bot, runID)
	return err
}

func scanEvents(rows *sql.Rows) ([]event.StatusEvent, error) {
	out := make([]event.StatusEvent, 0)
	for rows.Next() {
		var (
			ev      event.StatusEvent
			seq     int64
			kind    string
			payload string
		)
		if err := rows.Scan(&ev.Bot, &ev.RunID, &seq, &kind, &payload, &ev.Topic, &ev.ReceivedAt); err != nil {
			return nil, err
		}
		ev.Sequence = uint64(seq)
		ev.Kind = event.Kind(kind)
		ev.Payload = json.RawMessage(payload)
		out = append(out, ev)
	}
	return out, rows.Err()
}

func scanArchives(rows *sql.Rows) ([]store.ArchiveRecord, error) {
	out := make([]store.ArchiveRecord, 0)
	for rows.Next() {
		var r store.ArchiveRecord
		if err := rows.Scan(&r.ID, &r.Bot, &r.RunID, &r.ArchivedAt, &r.Location, &r.Checksum, &r.SizeBytes, &r.EventCount); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

var _ store.Store = (*DB)(nil)
