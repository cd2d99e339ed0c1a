package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/botvisor/botvisor/internal/event"
)

var ErrNotFound = errors.New("not found")

// Batch is one reconciler flush: new events for a single run plus the
// latest-state fields those events changed. Both are written in one transaction.
type Batch struct {
	Bot    string
	RunID  string
	Events []event.StatusEvent
	// Fields holds the changed latest-state values keyed by field key.
	Fields map[string]json.RawMessage
	// Sequence is the highest sequence folded into Fields.
	Sequence uint64
}

// ArchiveRecord describes one archived run. At most one exists per run ID.
type ArchiveRecord struct {
	ID         string    `json:"id"`
	Bot        string    `json:"bot_name"`
	RunID      string    `json:"run_id"`
	ArchivedAt time.Time `json:"archived_at"`
	Location   string    `json:"location"`
	Checksum   string    `json:"checksum"`
	SizeBytes  int64     `json:"size_bytes"`
	EventCount int       `json:"event_count"`
}

// Store is the durable side of the system: the append-only event log, the
// latest-state table, and archive records. Events are never updated in place;
// re-appending an already stored (bot, run, sequence) is a no-op.
type Store interface {
	EnsureSchema(ctx context.Context) error
	AppendEvents(ctx context.Context, b Batch) error
	// LastSequence is the highest persisted sequence for a run, 0 when none.
	LastSequence(ctx context.Context, bot, runID string) (uint64, error)
	// Events returns a run's log ordered by sequence.
	Events(ctx context.Context, bot, runID string) ([]event.StatusEvent, error)
	Latest(ctx context.Context, bot, runID string) (*event.LatestState, error)
	// ReplaceLatest overwrites a run's latest-state rows, used after a replay.
	ReplaceLatest(ctx context.Context, st *event.LatestState) error
	// SaveArchive inserts rec unless a record for rec.RunID exists; the stored
	// record is returned either way.
	SaveArchive(ctx context.Context, rec ArchiveRecord) (ArchiveRecord, error)
	GetArchive(ctx context.Context, runID string) (ArchiveRecord, error)
	// ListArchives returns records newest first; an empty bot lists every bot.
	ListArchives(ctx context.Context, bot string) ([]ArchiveRecord, error)
	// PurgeRun drops a run's events and latest rows. Archive records are kept.
	PurgeRun(ctx context.Context, bot, runID string) error
	Close() error
}
