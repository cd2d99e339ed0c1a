// Package storetest holds the behaviour every store.Store backend must share.
package storetest

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/botvisor/botvisor/internal/event"
	"github.com/botvisor/botvisor/internal/store"
)

func heartbeat(bot, run string, seq uint64, at time.Time) event.StatusEvent {
	return event.StatusEvent{
		Bot:        bot,
		RunID:      run,
		Sequence:   seq,
		Kind:       event.KindHeartbeat,
		Payload:    json.RawMessage(`{}`),
		Topic:      "bots/" + bot + "/status",
		ReceivedAt: at,
	}
}

// Run exercises s against the store contract. s must have its schema ensured.
func Run(t *testing.T, s store.Store) {
	t.Helper()
	ctx := context.Background()
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	t.Run("append is idempotent per sequence", func(t *testing.T) {
		evs := []event.StatusEvent{heartbeat("a", "r1", 1, at), heartbeat("a", "r1", 2, at)}
		st := event.Fold("a", "r1", evs)
		require.NoError(t, s.AppendEvents(ctx, store.Batch{Bot: "a", RunID: "r1", Events: evs, Fields: st.Fields, Sequence: st.LastSequence}))
		// replaying the same batch must not duplicate rows
		require.NoError(t, s.AppendEvents(ctx, store.Batch{Bot: "a", RunID: "r1", Events: evs, Fields: st.Fields, Sequence: st.LastSequence}))

		got, err := s.Events(ctx, "a", "r1")
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, uint64(1), got[0].Sequence)
		assert.Equal(t, event.KindHeartbeat, got[1].Kind)
		assert.True(t, got[0].ReceivedAt.Equal(at))

		seq, err := s.LastSequence(ctx, "a", "r1")
		require.NoError(t, err)
		assert.Equal(t, uint64(2), seq)
	})

	t.Run("latest matches fold of log", func(t *testing.T) {
		more := []event.StatusEvent{heartbeat("a", "r1", 3, at)}
		cur, err := s.Latest(ctx, "a", "r1")
		require.NoError(t, err)
		changed := map[string]json.RawMessage{}
		for _, k := range cur.Apply(more[0]) {
			changed[k] = cur.Fields[k]
		}
		require.NoError(t, s.AppendEvents(ctx, store.Batch{Bot: "a", RunID: "r1", Events: more, Fields: changed, Sequence: 3}))

		logged, err := s.Events(ctx, "a", "r1")
		require.NoError(t, err)
		want := event.Fold("a", "r1", logged)
		got, err := s.Latest(ctx, "a", "r1")
		require.NoError(t, err)
		assert.Equal(t, want.LastSequence, got.LastSequence)
		require.Equal(t, len(want.Fields), len(got.Fields))
		for k, v := range want.Fields {
			assert.JSONEq(t, string(v), string(got.Fields[k]), k)
		}
		assert.Equal(t, int64(3), got.HeartbeatCount())
	})

	t.Run("replace latest", func(t *testing.T) {
		st := event.NewLatestState("a", "r1")
		st.LastSequence = 3
		st.Fields[event.FieldHeartbeatCount] = json.RawMessage(`7`)
		require.NoError(t, s.ReplaceLatest(ctx, st))
		got, err := s.Latest(ctx, "a", "r1")
		require.NoError(t, err)
		assert.Len(t, got.Fields, 1)
		assert.Equal(t, int64(7), got.HeartbeatCount())
	})

	t.Run("runs are isolated", func(t *testing.T) {
		seq, err := s.LastSequence(ctx, "a", "r2")
		require.NoError(t, err)
		assert.Zero(t, seq)
		evs, err := s.Events(ctx, "b", "r1")
		require.NoError(t, err)
		assert.Empty(t, evs)
	})

	t.Run("archive record is created once", func(t *testing.T) {
		_, err := s.GetArchive(ctx, "r1")
		assert.True(t, errors.Is(err, store.ErrNotFound))

		first := store.ArchiveRecord{ID: "arc-1", Bot: "a", RunID: "r1", ArchivedAt: at, Location: "/tmp/a.tar.zst", Checksum: "blake3:00", SizeBytes: 42, EventCount: 3}
		saved, err := s.SaveArchive(ctx, first)
		require.NoError(t, err)
		assert.Equal(t, "arc-1", saved.ID)

		second := first
		second.ID = "arc-2"
		second.Location = "/tmp/other"
		saved, err = s.SaveArchive(ctx, second)
		require.NoError(t, err)
		assert.Equal(t, "arc-1", saved.ID)
		assert.Equal(t, "/tmp/a.tar.zst", saved.Location)

		list, err := s.ListArchives(ctx, "a")
		require.NoError(t, err)
		assert.Len(t, list, 1)

		other := store.ArchiveRecord{ID: "arc-3", Bot: "b", RunID: "r9", ArchivedAt: at.Add(time.Minute), Location: "/tmp/b.tar.zst", Checksum: "blake3:01"}
		_, err = s.SaveArchive(ctx, other)
		require.NoError(t, err)
		all, err := s.ListArchives(ctx, "")
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, "arc-3", all[0].ID)
		assert.Equal(t, "arc-1", all[1].ID)
		list, err = s.ListArchives(ctx, "a")
		require.NoError(t, err)
		assert.Len(t, list, 1)
	})

	t.Run("purge keeps archive", func(t *testing.T) {
		require.NoError(t, s.PurgeRun(ctx, "a", "r1"))
		evs, err := s.Events(ctx, "a", "r1")
		require.NoError(t, err)
		assert.Empty(t, evs)
		st, err := s.Latest(ctx, "a", "r1")
		require.NoError(t, err)
		assert.Empty(t, st.Fields)
		_, err = s.GetArchive(ctx, "r1")
		assert.NoError(t, err)
	})
}
