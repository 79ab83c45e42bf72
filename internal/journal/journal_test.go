package journal

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tasksync/internal/entity"
	"github.com/roach88/tasksync/internal/store"
)

// createTestJournal opens a file-backed journal in a temp dir.
func createTestJournal(t *testing.T) *Journal {
	t.Helper()
	path := filepath.Join(t.TempDir(), "journal.db")
	j, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func testTask(id string, rev int64, title string) *entity.Entity {
	return &entity.Entity{
		Kind:     entity.KindTask,
		ID:       id,
		Revision: rev,
		Parent:   "l1",
		Fields:   entity.Task{Title: title, Status: entity.StatusTodo},
	}
}

func TestOpen_CreatesNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")

	j, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer j.Close()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")

	for i := 0; i < 3; i++ {
		j, err := Open(path)
		if err != nil {
			t.Fatalf("Open() iteration %d failed: %v", i, err)
		}
		j.Close()
	}
}

func TestOpen_InMemory(t *testing.T) {
	j, err := Open("")
	require.NoError(t, err)
	defer j.Close()

	_, err = j.Append(context.Background(), Entry{Event: EventPredict, Token: "tok-1"})
	require.NoError(t, err)

	n, err := j.Len(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, ":memory:", j.Path())
}

func TestOpen_SetsSchemaVersion(t *testing.T) {
	j := createTestJournal(t)

	var version int
	require.NoError(t, j.db.QueryRow("PRAGMA user_version").Scan(&version))
	assert.Equal(t, currentSchemaVersion, version)
}

func TestAppendAssignsIncreasingSeq(t *testing.T) {
	j := createTestJournal(t)
	ctx := context.Background()

	s1, err := j.Append(ctx, Entry{Event: EventPredict, Token: "tok-1", Entity: testTask("t1", 1, "a")})
	require.NoError(t, err)
	s2, err := j.Append(ctx, Entry{Event: EventCommit, Token: "tok-1", Entity: testTask("t1", 2, "a")})
	require.NoError(t, err)

	assert.Greater(t, s2, s1)
}

func TestReadRoundTrip(t *testing.T) {
	j := createTestJournal(t)
	ctx := context.Background()

	_, err := j.Append(ctx, Entry{Event: EventCommit, Token: "tok-1", Entity: testTask("t1", 2, "a"), Detail: "ok"})
	require.NoError(t, err)
	_, err = j.Append(ctx, Entry{Event: EventCollection, Kind: entity.KindTask, Parent: "l1", IDs: []string{"t1", "t2"}})
	require.NoError(t, err)

	entries, err := j.ReadAll(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	first := entries[0]
	assert.Equal(t, EventCommit, first.Event)
	assert.Equal(t, entity.KindTask, first.Kind)
	assert.Equal(t, "t1", first.ID)
	assert.Equal(t, int64(2), first.Revision)
	assert.Equal(t, "ok", first.Detail)
	assert.Len(t, first.Digest, 64)
	require.NotNil(t, first.Entity)
	assert.True(t, testTask("t1", 2, "a").SameState(*first.Entity))

	assert.Equal(t, []string{"t1", "t2"}, entries[1].IDs)
	assert.Nil(t, entries[1].Entity)
}

func TestReadTokenAndEntity(t *testing.T) {
	j := createTestJournal(t)
	ctx := context.Background()

	for _, e := range []Entry{
		{Event: EventPredict, Token: "tok-1", Entity: testTask("t1", 1, "a")},
		{Event: EventPredict, Token: "tok-2", Entity: testTask("t2", 1, "b")},
		{Event: EventCommit, Token: "tok-1", Entity: testTask("t1", 2, "a")},
	} {
		_, err := j.Append(ctx, e)
		require.NoError(t, err)
	}

	byToken, err := j.ReadToken(ctx, "tok-1")
	require.NoError(t, err)
	require.Len(t, byToken, 2)
	assert.Equal(t, EventPredict, byToken[0].Event)
	assert.Equal(t, EventCommit, byToken[1].Event)

	byEntity, err := j.ReadEntity(ctx, entity.KindTask, "t2")
	require.NoError(t, err)
	require.Len(t, byEntity, 1)

	none, err := j.ReadToken(ctx, "missing")
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)
}

func TestReplayRebuildsConfirmedState(t *testing.T) {
	j := createTestJournal(t)
	ctx := context.Background()

	for _, e := range []Entry{
		{Event: EventHydrate, Entity: testTask("t1", 1, "a")},
		{Event: EventHydrate, Entity: testTask("t2", 1, "b")},
		{Event: EventCollection, Kind: entity.KindTask, Parent: "l1", IDs: []string{"t1", "t2"}},
		{Event: EventPredict, Token: "tok-1", Entity: testTask("t1", 1, "predicted")},
		{Event: EventCommit, Token: "tok-1", Entity: testTask("t1", 2, "committed")},
		{Event: EventChannelApply, Entity: testTask("t2", 3, "pushed")},
		{Event: EventChannelDrop, Entity: testTask("t2", 2, "old"), Detail: "stale"},
		{Event: EventChannelDelete, Kind: entity.KindTask, ID: "t2", Revision: 4},
	} {
		_, err := j.Append(ctx, e)
		require.NoError(t, err)
	}

	s := store.New()
	res, err := j.Replay(ctx, s)
	require.NoError(t, err)

	assert.Equal(t, 6, res.Applied)
	assert.Equal(t, 2, res.Skipped)
	assert.Equal(t, int64(8), res.LastSeq)

	t1, ok := s.Get(entity.KindTask, "t1")
	require.True(t, ok)
	assert.Equal(t, "committed", t1.Fields.(entity.Task).Title)
	assert.False(t, t1.Pending)

	_, ok = s.Get(entity.KindTask, "t2")
	assert.False(t, ok)
	assert.Equal(t, []string{"t1"}, s.Collection(entity.KindTask, "l1"))
}

func TestReplayDetectsTamperedDigest(t *testing.T) {
	j := createTestJournal(t)
	ctx := context.Background()

	_, err := j.Append(ctx, Entry{Event: EventCommit, Entity: testTask("t1", 1, "a")})
	require.NoError(t, err)
	_, err = j.db.Exec(`UPDATE entries SET digest = 'bogus'`)
	require.NoError(t, err)

	_, err = j.Replay(ctx, store.New())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "digest mismatch")
}

func TestAuthoritative(t *testing.T) {
	assert.True(t, Entry{Event: EventCommit}.Authoritative())
	assert.True(t, Entry{Event: EventChannelDelete}.Authoritative())
	assert.False(t, Entry{Event: EventPredict}.Authoritative())
	assert.False(t, Entry{Event: EventSuperseded}.Authoritative())
	assert.False(t, Entry{Event: EventChannelDrop}.Authoritative())
}
