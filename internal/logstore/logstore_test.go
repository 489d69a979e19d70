/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package logstore

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tracevault/tracevault/internal/event"
	"github.com/tracevault/tracevault/internal/kvstore"
	"github.com/tracevault/tracevault/internal/kvstore/kvstoretest"
	"github.com/tracevault/tracevault/internal/logging"
)

func newTestStore(t *testing.T) (*Store, *kvstoretest.Server) {
	t.Helper()
	backend := kvstoretest.NewServer()
	t.Cleanup(backend.Close)
	client, err := kvstore.New(backend.URL(), "test-token", logging.NewDisabledLogger())
	require.NoError(t, err)
	return New(client, logging.NewDisabledLogger()), backend
}

func mustMarshal(t *testing.T, v interface{}) string {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return string(raw)
}

func TestStoreAppendsAndSetsExpiry(t *testing.T) {
	store, backend := newTestStore(t)
	ctx := context.Background()

	entry := event.StoredLogEntry{
		LogEvent:  event.LogEvent{TraceID: "t1", Message: "hello", Level: event.LevelInfo, System: event.SystemBrowser},
		ID:        "1000_abcdefghi",
		Timestamp: 1000,
	}
	require.NoError(t, store.Store(ctx, entry))

	list := backend.List("logs:t1")
	require.Len(t, list, 1)
	var stored event.StoredLogEntry
	require.NoError(t, json.Unmarshal([]byte(list[0]), &stored))
	require.Equal(t, entry, stored)
	require.Equal(t, EntryTTLSeconds, backend.TTL("logs:t1"))

	// Newest entries are prepended.
	second := entry
	second.ID = "2000_abcdefghi"
	second.Timestamp = 2000
	require.NoError(t, store.Store(ctx, second))
	list = backend.List("logs:t1")
	require.Len(t, list, 2)
	require.Contains(t, list[0], "2000_abcdefghi")
}

func TestStoreFailsWhenPipelineCommandFails(t *testing.T) {
	store, backend := newTestStore(t)
	backend.FailCommands["EXPIRE"] = "ERR expire broken"

	err := store.Store(context.Background(), event.StoredLogEntry{
		LogEvent: event.LogEvent{TraceID: "t1", Message: "hello", Level: event.LevelInfo},
	})
	require.Error(t, err)
	var cmdErr *kvstore.CommandError
	require.ErrorAs(t, err, &cmdErr)
	require.Equal(t, 1, cmdErr.Index)
}

func TestFetchByTrace(t *testing.T) {
	store, backend := newTestStore(t)
	ctx := context.Background()

	e1 := event.StoredLogEntry{LogEvent: event.LogEvent{TraceID: "t1", Message: "one", Level: event.LevelInfo}, ID: "1_a", Timestamp: 1}
	e2 := event.StoredLogEntry{LogEvent: event.LogEvent{TraceID: "t1", Message: "two", Level: event.LevelWarn}, ID: "2_b", Timestamp: 2}
	backend.SetList("logs:t1", mustMarshal(t, e2), mustMarshal(t, e1))

	entries, err := store.FetchByTrace(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, []event.StoredLogEntry{e2, e1}, entries)
}

func TestFetchByTraceEmptyTrace(t *testing.T) {
	store, _ := newTestStore(t)
	entries, err := store.FetchByTrace(context.Background(), "unknown")
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestFetchByTraceFailsOnMalformedMember(t *testing.T) {
	store, backend := newTestStore(t)
	backend.SetList("logs:t1",
		mustMarshal(t, event.StoredLogEntry{LogEvent: event.LogEvent{TraceID: "t1", Message: "ok", Level: event.LevelInfo}}),
		"{definitely not json",
	)

	_, err := store.FetchByTrace(context.Background(), "t1")
	require.Error(t, err)
	var malformed *MalformedEntryError
	require.ErrorAs(t, err, &malformed)
	require.Equal(t, "t1", malformed.TraceID)
	require.Equal(t, 1, malformed.Index)
}

func TestClearAll(t *testing.T) {
	store, backend := newTestStore(t)
	ctx := context.Background()

	backend.SetList("logs:t1", "{}")
	backend.SetList("logs:t2", "{}")
	backend.SetList("logs:t3", "{}")

	deleted, err := store.ClearAll(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, deleted)
	require.Equal(t, 0, backend.ListKeyCount())

	// Nothing left: second run deletes zero keys.
	deleted, err = store.ClearAll(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, deleted)
}

func TestClearByTrace(t *testing.T) {
	store, backend := newTestStore(t)
	ctx := context.Background()

	backend.SetList("logs:t1", "{}")

	deleted, err := store.ClearByTrace(ctx, "t1")
	require.NoError(t, err)
	require.True(t, deleted)

	deleted, err = store.ClearByTrace(ctx, "t1")
	require.NoError(t, err)
	require.False(t, deleted)
}

func TestListRecentTraces(t *testing.T) {
	store, backend := newTestStore(t)
	ctx := context.Background()

	mkEntry := func(trace string, ts int64, level event.Level, system event.System) string {
		return mustMarshal(t, event.StoredLogEntry{
			LogEvent:  event.LogEvent{TraceID: trace, Message: "m", Level: level, System: system},
			ID:        fmt.Sprintf("%d_abc", ts),
			Timestamp: ts,
		})
	}

	// Newest first within each list.
	backend.SetList("logs:t1", mkEntry("t1", 3000, event.LevelError, event.SystemBrowser), mkEntry("t1", 1000, event.LevelInfo, event.SystemConvex))
	backend.SetList("logs:t2", mkEntry("t2", 5000, event.LevelInfo, event.SystemWorker))
	backend.SetList("logs:t3", mkEntry("t3", 2000, event.LevelInfo, event.SystemBrowser))

	traces, err := store.ListRecentTraces(ctx, 2)
	require.NoError(t, err)
	require.Len(t, traces, 2)

	require.Equal(t, "t2", traces[0].ID)
	require.Equal(t, int64(5000), traces[0].Timestamp)
	require.Equal(t, int64(1), traces[0].LogCount)
	require.False(t, traces[0].HasErrors)

	require.Equal(t, "t1", traces[1].ID)
	require.Equal(t, int64(3000), traces[1].Timestamp)
	require.Equal(t, int64(2), traces[1].LogCount)
	require.True(t, traces[1].HasErrors)
	require.Equal(t, []string{"browser", "convex"}, traces[1].Systems)
}

func TestListRecentTracesDropsFailingCandidates(t *testing.T) {
	store, backend := newTestStore(t)

	good := mustMarshal(t, event.StoredLogEntry{
		LogEvent:  event.LogEvent{TraceID: "t1", Message: "m", Level: event.LevelInfo, System: event.SystemBrowser},
		Timestamp: 1000,
	})
	backend.SetList("logs:t1", good)
	backend.SetList("logs:t2", "{broken")

	traces, err := store.ListRecentTraces(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, traces, 1)
	require.Equal(t, "t1", traces[0].ID)
}

func TestHealthCheck(t *testing.T) {
	store, backend := newTestStore(t)

	require.True(t, store.HealthCheck(context.Background()))

	backend.Down = true
	require.False(t, store.HealthCheck(context.Background()))
}
