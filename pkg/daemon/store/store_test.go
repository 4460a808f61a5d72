package store_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jamesainslie/forgevisor/pkg/daemon/store"
	"github.com/jamesainslie/forgevisor/pkg/forge/events"
)

func openStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_AppendAndList(t *testing.T) {
	s := openStore(t)

	base := time.Unix(1_700_000_000, 0)
	for i := range 5 {
		require.NoError(t, s.Append(&store.Entry{
			Event: events.EventStatus,
			Data:  json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)),
			Time:  base.Add(time.Duration(i) * time.Second),
		}))
	}

	got, err := s.List(store.Query{})
	require.NoError(t, err)
	require.Len(t, got, 5)

	// Newest first.
	assert.JSONEq(t, `{"n":4}`, string(got[0].Data))
	assert.JSONEq(t, `{"n":0}`, string(got[4].Data))
	assert.NotEmpty(t, got[0].ID)

	limited, err := s.List(store.Query{Limit: 2})
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.JSONEq(t, `{"n":3}`, string(limited[1].Data))
}

func TestStore_ListFilters(t *testing.T) {
	s := openStore(t)

	base := time.Unix(1_700_000_000, 0)
	require.NoError(t, s.Append(&store.Entry{Event: events.EventStatus, Data: json.RawMessage(`{}`), Time: base}))
	require.NoError(t, s.Append(&store.Entry{Event: events.EventModAddition, Data: json.RawMessage(`[]`), Time: base.Add(time.Second)}))
	require.NoError(t, s.Append(&store.Entry{Event: events.EventStatus, Data: json.RawMessage(`{}`), Time: base.Add(2 * time.Second)}))

	byEvent, err := s.List(store.Query{Event: events.EventStatus})
	require.NoError(t, err)
	assert.Len(t, byEvent, 2)

	since, err := s.List(store.Query{Since: base.Add(time.Second)})
	require.NoError(t, err)
	require.Len(t, since, 2)
	assert.Equal(t, events.EventStatus, since[0].Event)
	assert.Equal(t, events.EventModAddition, since[1].Event)
}

func TestStore_SameTimestampKeepsBoth(t *testing.T) {
	s := openStore(t)

	now := time.Now()
	require.NoError(t, s.Append(&store.Entry{Event: "a", Data: json.RawMessage(`1`), Time: now}))
	require.NoError(t, s.Append(&store.Entry{Event: "b", Data: json.RawMessage(`2`), Time: now}))

	n, err := s.Count()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestStore_RecordSkipsEvents(t *testing.T) {
	s := openStore(t)
	s.Skip = []string{events.EventConsole}

	bus := events.New(events.WithRecorder(s))
	bus.Publish(events.EventConsole, map[string]string{"message": "noise"})
	bus.Publish(events.EventStatus, map[string]string{"status": "up"})

	got, err := s.List(store.Query{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, events.EventStatus, got[0].Event)
	assert.JSONEq(t, `{"status":"up"}`, string(got[0].Data))
}

func TestStore_Prune(t *testing.T) {
	s := openStore(t)

	base := time.Unix(1_700_000_000, 0)
	for i := range 10 {
		require.NoError(t, s.Append(&store.Entry{
			Event: "tick",
			Data:  json.RawMessage(fmt.Sprint(i)),
			Time:  base.Add(time.Duration(i) * time.Millisecond),
		}))
	}

	deleted, err := s.Prune(3)
	require.NoError(t, err)
	assert.Equal(t, 7, deleted)

	got, err := s.List(store.Query{})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "9", string(got[0].Data))
	assert.Equal(t, "7", string(got[2].Data))

	deleted, err = s.Prune(3)
	require.NoError(t, err)
	assert.Zero(t, deleted)
}

func TestStore_Clear(t *testing.T) {
	s := openStore(t)
	require.NoError(t, s.Append(&store.Entry{Event: "x", Data: json.RawMessage(`null`)}))
	require.NoError(t, s.Clear())

	n, err := s.Count()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStore_Reopen(t *testing.T) {
	dir := t.TempDir()

	s, err := store.Open(dir)
	require.NoError(t, err)
	require.NoError(t, s.Append(&store.Entry{Event: "persisted", Data: json.RawMessage(`true`)}))
	require.NoError(t, s.Close())

	s, err = store.Open(dir)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.List(store.Query{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "persisted", got[0].Event)
}

func TestStore_Migrate(t *testing.T) {
	s := openStore(t)

	assert.Nil(t, s.GetSchema())
	require.NoError(t, s.Migrate())

	schema := s.GetSchema()
	require.NotNil(t, schema)
	assert.Equal(t, store.CurrentSchemaVersion, schema.Version)

	// Idempotent.
	require.NoError(t, s.Migrate())

	require.NoError(t, s.SetSchema(&store.Schema{Version: store.CurrentSchemaVersion + 1}))
	assert.ErrorIs(t, s.Migrate(), store.ErrNewerSchema)
}

func TestStore_MetadataIsNotJournaled(t *testing.T) {
	s := openStore(t)
	require.NoError(t, s.Migrate())
	require.NoError(t, s.SetLastScan(store.ScanSummary{Scanned: 3}))

	n, err := s.Count()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStore_LastScan(t *testing.T) {
	s, err := store.OpenInMemory()
	require.NoError(t, err)
	defer s.Close()

	_, err = s.LastScan()
	assert.True(t, errors.Is(err, store.ErrNotFound))

	want := store.ScanSummary{
		Time:      time.Unix(1_700_000_000, 0).UTC(),
		Scanned:   4,
		Additions: 1,
		Deletions: 2,
		Skipped:   []string{"broken.jar"},
	}
	require.NoError(t, s.SetLastScan(want))

	got, err := s.LastScan()
	require.NoError(t, err)
	assert.Equal(t, want.Scanned, got.Scanned)
	assert.Equal(t, want.Additions, got.Additions)
	assert.Equal(t, want.Deletions, got.Deletions)
	assert.Equal(t, want.Skipped, got.Skipped)
	assert.True(t, want.Time.Equal(got.Time))
}
