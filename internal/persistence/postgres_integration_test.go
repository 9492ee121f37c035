package persistence_test

import (
	"context"
	"path/filepath"
	"testing"

	"PerpCustody/internal/core"
	"PerpCustody/internal/persistence"
	"PerpCustody/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test: Postgres round trip (requires INTEGRATION_TEST=1)
// ============================================================================

func TestPostgres_WriteReplayAndSnapshot(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	_, err := persistence.NewMigrator(db, filepath.Join("..", "..", "migrations")).Up(ctx)
	require.NoError(t, err)

	m, genesis, rows, e := settledMarket(t)
	writer := persistence.NewEventLogWriter(db)
	require.NoError(t, writer.WriteBatch(ctx, rows, nil))
	require.NoError(t, writer.WriteBatch(ctx, rows, nil), "rewriting a batch is a no-op")

	latest, err := writer.LatestSequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), latest)

	store := persistence.NewSnapshotStore(db)
	_, err = store.SaveSnapshot(ctx, genesis)
	require.NoError(t, err)

	loaded, err := store.LoadEventsFrom(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, rows[1].StateDelta, loaded[1].StateDelta, "delta bytes survive storage")

	fresh := core.NewAccountsDB(m.Program, m.Clock)
	res, err := persistence.Recover(ctx, store, fresh, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.NextSequence)
	assert.Equal(t, e.Snapshot().StateHash, res.Tip)
}

func TestPostgres_LoadLatestSnapshotEmpty(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	_, err := persistence.NewMigrator(db, filepath.Join("..", "..", "migrations")).Up(context.Background())
	require.NoError(t, err)

	snap, err := persistence.NewSnapshotStore(db).LoadLatestSnapshot(context.Background())
	require.NoError(t, err)
	assert.Nil(t, snap)
}
