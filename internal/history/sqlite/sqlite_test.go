package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/botvisor/botvisor/internal/history"
)

func transition(from, to, reason string) history.Event {
	return history.Event{
		Type:       history.EventTransition,
		OccurredAt: time.Now().UTC(),
		Transition: history.Transition{Bot: "alpha", RunID: "run-1", From: from, To: to, Reason: reason},
	}
}

func TestSQLiteSink_Integration(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")
	sink, err := New("sqlite://" + dbPath)
	require.NoError(t, err)
	defer func() { assert.NoError(t, sink.Close()) }()

	ctx := context.Background()
	for _, e := range []history.Event{
		transition("Pending", "Starting", ""),
		transition("Starting", "Running", ""),
		transition("Running", "Stopping", "UserRequested"),
		transition("Stopping", "Stopped", ""),
	} {
		require.NoError(t, sink.Send(ctx, e))
	}
	require.NoError(t, sink.Send(ctx, history.Event{
		Type:       history.EventArchived,
		OccurredAt: time.Now().UTC(),
		Transition: history.Transition{Bot: "alpha", RunID: "run-1", From: "Archiving", To: "Archived", Location: "/tmp/a.tar.zst"},
	}))

	path, err := sink.Path(ctx, "alpha", "run-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"Starting", "Running", "Stopping", "Stopped"}, path)

	var n int
	require.NoError(t, sink.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM bot_transitions WHERE location IS NOT NULL`).Scan(&n))
	assert.Equal(t, 1, n)
}

func TestSQLiteSink_InMemory(t *testing.T) {
	sink, err := New(":memory:")
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()

	require.NoError(t, sink.Send(context.Background(), transition("Starting", "Failed", "StartupTimeout")))
	var reason string
	require.NoError(t, sink.db.QueryRow(`SELECT reason FROM bot_transitions`).Scan(&reason))
	assert.Equal(t, "StartupTimeout", reason)
}

func TestSQLiteSink_ContextCancellation(t *testing.T) {
	sink, err := New(":memory:")
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, sink.Send(ctx, transition("Pending", "Starting", "")))
}

func TestSQLiteSink_EmptyDSN(t *testing.T) {
	_, err := New("  ")
	assert.Error(t, err)
}
