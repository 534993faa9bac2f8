package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dataglass-labs/dataglass/internal/fetch"
	"github.com/dataglass-labs/dataglass/internal/mirror"
	"github.com/dataglass-labs/dataglass/internal/notify"
	"github.com/dataglass-labs/dataglass/internal/testutil"
	"github.com/dataglass-labs/dataglass/pkg/source"
)

// slowSource serves rows in offset batches with a delay per call, so a
// re-run can land while a fetch is in flight.
type slowSource struct {
	mu    sync.Mutex
	rows  [][]any
	delay time.Duration
	calls int
}

func newSlowSource(n int, delay time.Duration) *slowSource {
	rows := make([][]any, n)
	for i := range rows {
		rows[i] = []any{int64(i), fmt.Sprintf("row-%d", i)}
	}
	return &slowSource{rows: rows, delay: delay}
}

func (f *slowSource) FetchPage(ctx context.Context, _ string, cursor *source.Cursor, batchSize int) (*source.Batch, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, source.Cancelled("fake", ctx.Err())
		}
	}

	var offset int64
	if cursor != nil {
		offset = cursor.Offset
	}
	end := offset + int64(batchSize)
	if end > int64(len(f.rows)) {
		end = int64(len(f.rows))
	}

	total := source.TotalUnknown
	if cursor == nil {
		total = int64(len(f.rows))
	}
	batch := &source.Batch{
		Rows:      f.rows[offset:end],
		Schema:    []source.Column{{Name: "id", Type: "BIGINT"}, {Name: "name", Type: "VARCHAR"}},
		TotalRows: total,
		HasMore:   end < int64(len(f.rows)),
	}
	if batch.HasMore {
		batch.NextCursor = &source.Cursor{Offset: end}
	}
	return batch, nil
}

func (f *slowSource) DialectName() string { return "fake" }
func (f *slowSource) Close() error        { return nil }

func newTestManager(t *testing.T, batchSize int) (*Manager, *mirror.Store) {
	t.Helper()
	store, err := mirror.Open(":memory:", testutil.NewTestLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	m := NewManager(store, notify.New(), testutil.NewTestLogger(t), fetch.Config{
		BatchSize: batchSize,
		RetryBase: time.Millisecond,
		RetryCap:  5 * time.Millisecond,
	}, 3)
	t.Cleanup(func() { _ = m.CloseAll(context.Background()) })
	return m, store
}

func TestOpenAndPage(t *testing.T) {
	m, _ := newTestManager(t, 4)
	ctx := context.Background()

	sess, err := m.Open(ctx, "box-1", "conn-1", newSlowSource(10, 0), "SELECT * FROM t")
	require.NoError(t, err)

	p, err := sess.Pager.Page(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, p.Rows, 3)
	assert.Equal(t, int64(10), p.TotalRows)

	got, ok := m.Get(sess.QueryID())
	require.True(t, ok)
	assert.Same(t, sess, got)
	got, ok = m.GetBox("box-1")
	require.True(t, ok)
	assert.Same(t, sess, got)
}

func TestRerunCancelsPreviousBeforeReassign(t *testing.T) {
	m, store := newTestManager(t, 2)
	ctx := context.Background()

	// First query loads to exhaustion in the background, slowly.
	old, err := m.Open(ctx, "box-1", "conn-1", newSlowSource(20, 10*time.Millisecond), "SELECT * FROM big")
	require.NoError(t, err)
	_, err = old.Pager.Page(ctx, 0)
	require.NoError(t, err)
	old.Coordinator.EnsureAll()

	// Re-run in the same box while the old loop is mid-flight.
	fresh, err := m.Open(ctx, "box-1", "conn-1", newSlowSource(4, 0), "SELECT * FROM small")
	require.NoError(t, err)
	assert.Equal(t, fetch.PhaseCancelled, old.Coordinator.Snapshot().Phase)
	assert.Equal(t, old.Coordinator.Table(), fresh.Coordinator.Table(), "same box, same table name")

	p, err := fresh.Pager.Page(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, p.Rows, 1)
	assert.Equal(t, int64(4), p.TotalRows)

	// No stale merge: the table holds exactly the new query's rows.
	time.Sleep(50 * time.Millisecond)
	n, err := store.RowCount(ctx, fresh.Coordinator.Table())
	require.NoError(t, err)
	assert.Equal(t, int64(4), n, "row count must not regress or grow from stale batches")

	_, ok := m.Get(old.QueryID())
	assert.False(t, ok, "stale query id unregistered")
}

func TestCloseDropsTable(t *testing.T) {
	m, store := newTestManager(t, 4)
	ctx := context.Background()

	sess, err := m.Open(ctx, "box-1", "conn-1", newSlowSource(4, 0), "SELECT * FROM t")
	require.NoError(t, err)
	_, err = sess.Pager.Page(ctx, 0)
	require.NoError(t, err)

	table := sess.Coordinator.Table()
	require.NoError(t, m.Close(ctx, "box-1"))

	_, err = store.RowCount(ctx, table)
	assert.Error(t, err, "mirror table dropped with the box")
	_, ok := m.GetBox("box-1")
	assert.False(t, ok)

	// Closing an unknown box is a no-op.
	assert.NoError(t, m.Close(ctx, "box-1"))
}

func TestCancelKeepsPrefixQueryable(t *testing.T) {
	m, store := newTestManager(t, 2)
	ctx := context.Background()

	sess, err := m.Open(ctx, "box-1", "conn-1", newSlowSource(20, 5*time.Millisecond), "SELECT * FROM t")
	require.NoError(t, err)
	_, err = sess.Pager.Page(ctx, 0)
	require.NoError(t, err)

	require.NoError(t, m.Cancel(ctx, sess.QueryID()))
	assert.Equal(t, fetch.PhaseCancelled, sess.Coordinator.Snapshot().Phase)

	n, err := store.RowCount(ctx, sess.Coordinator.Table())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, int64(2))
}

func TestTableName(t *testing.T) {
	tests := []struct {
		box  string
		want string
	}{
		{"box-1", "results_box_1"},
		{"Sales Q3", "results_sales_q3"},
		{"abc_9", "results_abc_9"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, TableName(tt.box))
	}
}
