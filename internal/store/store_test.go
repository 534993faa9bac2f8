package store

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dataglass-labs/dataglass/pkg/source"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestConnectionRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conn := &Connection{
		Name: "warehouse",
		Type: "bigquery",
		Config: source.Config{
			Type:    "bigquery",
			Project: "acme-analytics",
			Token:   "tok",
		},
	}
	require.NoError(t, s.SaveConnection(ctx, conn))
	require.NotEmpty(t, conn.ID)

	got, err := s.GetConnection(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, "warehouse", got.Name)
	assert.Equal(t, "acme-analytics", got.Config.Project)

	byName, err := s.GetConnection(ctx, "warehouse")
	require.NoError(t, err)
	assert.Equal(t, conn.ID, byName.ID)
}

func TestSaveConnectionUpsertsByName(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := &Connection{Name: "app", Type: "postgres", Config: source.Config{Database: "old"}}
	require.NoError(t, s.SaveConnection(ctx, first))

	second := &Connection{Name: "app", Type: "postgres", Config: source.Config{Database: "new"}}
	require.NoError(t, s.SaveConnection(ctx, second))

	list, err := s.ListConnections(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "new", list[0].Config.Database)
}

func TestDeleteConnection(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conn := &Connection{Name: "tmp", Type: "duckdb"}
	require.NoError(t, s.SaveConnection(ctx, conn))
	require.NoError(t, s.DeleteConnection(ctx, "tmp"))

	_, err := s.GetConnection(ctx, "tmp")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.DeleteConnection(ctx, "tmp"), ErrNotFound)
}

func TestQueryHistoryLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := &QueryRecord{ConnectionID: "c1", QueryText: "SELECT 1"}
	require.NoError(t, s.RecordQuery(ctx, rec))
	require.NotEmpty(t, rec.ID)

	got, err := s.GetQuery(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, got.Status)
	assert.False(t, got.FinishedAt.Valid)

	rec.Status = StatusComplete
	rec.TotalRows = sql.NullInt64{Int64: 42, Valid: true}
	rec.FetchedRows = 42
	rec.ExecutionMs = 137
	rec.BytesProcessed = 1 << 20
	rec.CacheHit = true
	require.NoError(t, s.FinishQuery(ctx, rec))

	got, err = s.GetQuery(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, got.Status)
	assert.Equal(t, int64(42), got.TotalRows.Int64)
	assert.Equal(t, int64(137), got.ExecutionMs)
	assert.True(t, got.CacheHit)
	assert.True(t, got.FinishedAt.Valid)
}

func TestListHistoryNewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, q := range []string{"SELECT 1", "SELECT 2", "SELECT 3"} {
		require.NoError(t, s.RecordQuery(ctx, &QueryRecord{ConnectionID: "c1", QueryText: q}))
	}

	list, err := s.ListHistory(ctx, 2)
	require.NoError(t, err)
	require.Len(t, list, 2)
}
