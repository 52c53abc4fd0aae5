package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teampoint/teampoint/internal/game/room"
	"github.com/teampoint/teampoint/internal/storage/postgres"
	"github.com/teampoint/teampoint/internal/testutil"
)

func newStore(t *testing.T) *postgres.SnapshotStore {
	t.Helper()
	pc := testutil.NewPostgresContainer(t)
	pc.ApplyMigrations(t)
	_, err := pc.RawPool.Exec(context.Background(), `TRUNCATE registry_snapshots`)
	require.NoError(t, err)
	return postgres.NewSnapshotStore(pc.Pool)
}

func sampleSnapshot(t *testing.T) room.Snapshot {
	t.Helper()
	reg := room.NewRegistry()
	_, err := reg.JoinOrCreate("42", room.Player{ID: "p1", Name: "Ann"})
	require.NoError(t, err)
	_, err = reg.JoinOrCreate("42", room.Player{ID: "p2", Name: "Bob"})
	require.NoError(t, err)
	_, err = reg.StartGame("42")
	require.NoError(t, err)
	_, err = reg.SetSelection("42", "p1", 3)
	require.NoError(t, err)
	return reg.Snapshot()
}

func TestSnapshotStore_LoadEmpty(t *testing.T) {
	store := newStore(t)
	snap, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Zero(t, snap.Revision)
	assert.Empty(t, snap.Rooms)
}

func TestSnapshotStore_SaveAndLoad(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	want := sampleSnapshot(t)

	require.NoError(t, store.Save(ctx, want))
	got, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	reg := room.NewRegistry()
	require.NoError(t, reg.Restore(got))
	rm, ok := reg.Get("42")
	require.True(t, ok)
	p, ok := rm.Player("p1")
	require.True(t, ok)
	require.NotNil(t, p.SelectedCardIndex)
	assert.Equal(t, 3, *p.SelectedCardIndex)
}

func TestSnapshotStore_IgnoresOlderRevision(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	newer := sampleSnapshot(t)

	require.NoError(t, store.Save(ctx, newer))
	require.NoError(t, store.Save(ctx, room.Snapshot{Revision: 1}))

	got, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, newer.Revision, got.Revision)
	assert.Len(t, got.Rooms, 1)
}

func TestSnapshotStore_SaveEmptyRegistry(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, sampleSnapshot(t)))
	require.NoError(t, store.Save(ctx, room.Snapshot{Revision: 100}))

	got, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), got.Revision)
	assert.Empty(t, got.Rooms)
}

func TestPool_Health(t *testing.T) {
	pool := testutil.NewPool(t)
	assert.NoError(t, pool.Health(context.Background(), 2*time.Second))
}
