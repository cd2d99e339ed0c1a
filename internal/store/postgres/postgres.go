package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/botvisor/botvisor/internal/event"
	"github.com/botvisor/botvisor/internal/store"
)

type DB struct {
	db *sql.DB
}

func New(dsn string) (*DB, error) {
	d, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &DB{db: d}, nil
}

func (p *DB) ConfigurePool(maxOpen, maxIdle int, maxAge time.Duration) {
	if maxOpen > 0 {
		p.db.SetMaxOpenConns(maxOpen)
	}
	if maxIdle > 0 {
		p.db.SetMaxIdleConns(maxIdle)
	}
	if maxAge > 0 {
		p.db.SetConnMaxLifetime(maxAge)
	}
}

func (p *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS bot_events(
			bot_name TEXT NOT NULL,
			run_id TEXT NOT NULL,
			sequence_number BIGINT NOT NULL,
			kind TEXT NOT NULL,
			payload JSONB NOT NULL,
			topic TEXT NOT NULL DEFAULT '',
			received_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY(bot_name, run_id, sequence_number)
		);`,
		`CREATE TABLE IF NOT EXISTS bot_latest_state(
			bot_name TEXT NOT NULL,
			run_id TEXT NOT NULL,
			field_key TEXT NOT NULL,
			value JSONB NOT NULL,
			sequence_number BIGINT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY(bot_name, run_id, field_key)
		);`,
		`CREATE TABLE IF NOT EXISTS archive_records(
			id TEXT PRIMARY KEY,
			bot_name TEXT NOT NULL,
			run_id TEXT NOT NULL UNIQUE,
			archived_at TIMESTAMPTZ NOT NULL,
			location TEXT NOT NULL,
			checksum TEXT NOT NULL,
			size_bytes BIGINT NOT NULL,
			event_count INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_archive_records_bot ON archive_records(bot_name);`,
	}
	for _, q := range stmts {
		if _, err := p.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (p *DB) Close() error { return p.db.Close() }

func (p *DB) AppendEvents(ctx context.Context, b store.Batch) (err error) {
	if len(b.Events) == 0 && len(b.Fields) == 0 {
		return nil
	}
	tx, err := p.db.BeginTx(ctx, nil)
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
			VALUES($1,$2,$3,$4,$5,$6,$7)
			ON CONFLICT(bot_name, run_id, sequence_number) DO NOTHING;`,
			b.Bot, b.RunID, int64(ev.Sequence), string(ev.Kind), string(ev.Payload), ev.Topic, ev.ReceivedAt.UTC()); err != nil {
			return fmt.Errorf("insert event %d: %w", ev.Sequence, err)
		}
	}
	now := time.Now().UTC()
	for k, v := range b.Fields {
		if _, err = tx.ExecContext(ctx, `
			INSERT INTO bot_latest_state(bot_name, run_id, field_key, value, sequence_number, updated_at)
			VALUES($1,$2,$3,$4,$5,$6)
			ON CONFLICT(bot_name, run_id, field_key) DO UPDATE SET
				value=EXCLUDED.value,
				sequence_number=EXCLUDED.sequence_number,
				updated_at=EXCLUDED.updated_at;`,
			b.Bot, b.RunID, k, string(v), int64(b.Sequence), now); err != nil {
			return fmt.Errorf("upsert latest %s: %w", k, err)
		}
	}
	return tx.Commit()
}

func (p *DB) LastSequence(ctx context.Context, bot, runID string) (uint64, error) {
	var n sql.NullInt64
	if err := p.db.QueryRowContext(ctx,
		`SELECT MAX(sequence_number) FROM bot_events WHERE bot_name=$1 AND run_id=$2;`, bot, runID).Scan(&n); err != nil {
		return 0, err
	}
	if !n.Valid {
		return 0, nil
	}
	return uint64(n.Int64), nil
}

func (p *DB) Events(ctx context.Context, bot, runID string) ([]event.StatusEvent, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT bot_name, run_id, sequence_number, kind, payload::text, topic, received_at
		FROM bot_events
		WHERE bot_name=$1 AND run_id=$2
		ORDER BY sequence_number ASC;`, bot, runID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
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
		ev.ReceivedAt = ev.ReceivedAt.UTC()
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (p *DB) Latest(ctx context.Context, bot, runID string) (*event.LatestState, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT field_key, value::text FROM bot_latest_state WHERE bot_name=$1 AND run_id=$2;`, bot, runID)
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
	if st.LastSequence, err = p.LastSequence(ctx, bot, runID); err != nil {
		return nil, err
	}
	return st, nil
}

func (p *DB) ReplaceLatest(ctx context.Context, st *event.LatestState) (err error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if _, err = tx.ExecContext(ctx, `DELETE FROM bot_latest_state WHERE bot_name=$1 AND run_id=$2;`, st.Bot, st.RunID); err != nil {
		return err
	}
	now := time.Now().UTC()
	for k, v := range st.Fields {
		if _, err = tx.ExecContext(ctx, `
			INSERT INTO bot_latest_state(bot_name, run_id, field_key, value, sequence_number, updated_at)
			VALUES($1,$2,$3,$4,$5,$6);`,
			st.Bot, st.RunID, k, string(v), int64(st.LastSequence), now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (p *DB) SaveArchive(ctx context.Context, rec store.ArchiveRecord) (store.ArchiveRecord, error) {
	if _, err := p.db.ExecContext(ctx, `
		INSERT INTO archive_records(id, bot_name, run_id, archived_at, location, checksum, size_bytes, event_count)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT(run_id) DO NOTHING;`,
		rec.ID, rec.Bot, rec.RunID, rec.ArchivedAt.UTC(), rec.Location, rec.Checksum, rec.SizeBytes, rec.EventCount); err != nil {
		return store.ArchiveRecord{}, err
	}
	return p.GetArchive(ctx, rec.RunID)
}

func (p *DB) GetArchive(ctx context.Context, runID string) (store.ArchiveRecord, error) {
	var r store.ArchiveRecord
	err := p.db.QueryRowContext(ctx, `
		SELECT id, bot_name, run_id, archived_at, location, checksum, size_bytes, event_count
		FROM archive_records WHERE run_id=$1;`, runID).
		Scan(&r.ID, &r.Bot, &r.RunID, &r.ArchivedAt, &r.Location, &r.Checksum, &r.SizeBytes, &r.EventCount)
	if err == sql.ErrNoRows {
		return store.ArchiveRecord{}, store.ErrNotFound
	}
	if err != nil {
		return store.ArchiveRecord{}, err
	}
	r.ArchivedAt = r.ArchivedAt.UTC()
	return r, nil
}

func (p *DB) ListArchives(ctx context.Context, bot string) ([]store.ArchiveRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, bot_name, run_id, archived_at, location, checksum, size_bytes, event_count
		FROM archive_records WHERE ($1::text = '' OR bot_name=$1)
		ORDER BY archived_at DESC, bot_name;`, bot)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make([]store.ArchiveRecord, 0)
	for rows.Next() {
		var r store.ArchiveRecord
		if err := rows.Scan(&r.ID, &r.Bot, &r.RunID, &r.ArchivedAt, &r.Location, &r.Checksum, &r.SizeBytes, &r.EventCount); err != nil {
			return nil, err
		}
		r.ArchivedAt = r.ArchivedAt.UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *DB) PurgeRun(ctx context.Context, bot, runID string) error {
	if _, err := p.db.ExecContext(ctx, `DELETE FROM bot_events WHERE bot_name=$1 AND run_id=$2;`, bot, runID); err != nil {
		return err
	}
	_, err := p.db.ExecContext(ctx, `DELETE FROM bot_latest_state WHERE bot_name=$1 AND run_id=$2;`, bot, runID)
	return err
}

var _ store.Store = (*DB)(nil)
