package view

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dataglass-labs/dataglass/internal/fetch"
	"github.com/dataglass-labs/dataglass/internal/mirror"
	"github.com/dataglass-labs/dataglass/internal/testutil"
	"github.com/dataglass-labs/dataglass/pkg/source"
)

// offsetSource pages a fixed row set by offset, counting calls and
// optionally failing chosen calls.
type offsetSource struct {
	mu        sync.Mutex
	rows      [][]any
	calls     int
	errOn     map[int]error // 1-based call index -> error
	hideTotal bool
}

func newOffsetSource(n int) *offsetSource {
	rows := make([][]any, n)
	for i := range rows {
		rows[i] = []any{int64(i), fmt.Sprintf("row-%d", i)}
	}
	return &offsetSource{rows: rows, errOn: make(map[int]error)}
}

func (f *offsetSource) FetchPage(_ context.Context, _ string, cursor *source.Cursor, batchSize int) (*source.Batch, error) {
	f.mu.Lock()
	f.calls++
	err := f.errOn[f.calls]
	f.mu.Unlock()
	if err != nil {
		return nil, err
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
	if cursor == nil && !f.hideTotal {
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

func (f *offsetSource) DialectName() string { return "fake" }
func (f *offsetSource) Close() error        { return nil }

func (f *offsetSource) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestPager(t *testing.T, src source.Source, batchSize, pageSize int) (*Pager, *fetch.Coordinator) {
	t.Helper()

	store, err := mirror.Open(":memory:", testutil.NewTestLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	coord := fetch.NewCoordinator(fetch.Options{
		QueryID: "q-view",
		Table:   "results_q_view",
		Query:   "SELECT * FROM t",
		Source:  src,
		Mirror:  store,
		Logger:  testutil.NewTestLogger(t),
		Config: fetch.Config{
			BatchSize: batchSize,
			RetryBase: time.Millisecond,
			RetryCap:  5 * time.Millisecond,
		},
	})
	t.Cleanup(coord.Cancel)
	return NewPager(coord, store, pageSize), coord
}

func TestPageSmallerThanBatch(t *testing.T) {
	// One fetch batch covers several display pages.
	src := newOffsetSource(10)
	pager, _ := newTestPager(t, src, 10, 3)

	p0, err := pager.Page(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, p0.Rows, 3)
	assert.Equal(t, int64(0), p0.Rows[0][0])
	assert.Equal(t, int64(10), p0.TotalRows)
	assert.Equal(t, 4, p0.PageCount)

	calls := src.callCount()
	p2, err := pager.Page(context.Background(), 2)
	require.NoError(t, err)
	assert.Len(t, p2.Rows, 3)
	assert.Equal(t, int64(6), p2.Rows[0][0])
	assert.Equal(t, calls, src.callCount(), "pages within the fetched prefix need no fetch")
}

func TestPageLargerThanBatch(t *testing.T) {
	// One display page spans several fetch batches.
	src := newOffsetSource(10)
	pager, _ := newTestPager(t, src, 2, 5)

	p1, err := pager.Page(context.Background(), 1)
	require.NoError(t, err)
	assert.Len(t, p1.Rows, 5)
	assert.Equal(t, int64(5), p1.Rows[0][0])
	assert.Equal(t, int64(9), p1.Rows[4][0])
	assert.GreaterOrEqual(t, src.callCount(), 5)
}

func TestLastPageIsShort(t *testing.T) {
	src := newOffsetSource(7)
	pager, _ := newTestPager(t, src, 10, 3)

	p2, err := pager.Page(context.Background(), 2)
	require.NoError(t, err)
	assert.Len(t, p2.Rows, 1)
	assert.Equal(t, int64(6), p2.Rows[0][0])
	assert.True(t, p2.IsComplete)
	assert.Equal(t, 3, p2.PageCount)
}

func TestPagePastEndIsEmpty(t *testing.T) {
	src := newOffsetSource(4)
	pager, _ := newTestPager(t, src, 10, 3)

	p, err := pager.Page(context.Background(), 5)
	require.NoError(t, err)
	assert.Empty(t, p.Rows)
	assert.True(t, p.IsComplete)
	assert.Equal(t, int64(4), p.TotalRows)
}

func TestPageCountUnknownUntilTotalKnown(t *testing.T) {
	src := newOffsetSource(10)
	src.hideTotal = true
	pager, _ := newTestPager(t, src, 2, 2)

	p0, err := pager.Page(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, PageCountUnknown, p0.PageCount)
	assert.Equal(t, source.TotalUnknown, p0.TotalRows)
	assert.True(t, p0.HasMoreRows)

	// Walking past the end pins the total and the page count.
	p4, err := pager.Page(context.Background(), 4)
	require.NoError(t, err)
	assert.Equal(t, 5, p4.PageCount)
	assert.Equal(t, int64(10), p4.TotalRows)
	assert.True(t, p4.IsComplete)
}

func TestNegativePageIndexRejected(t *testing.T) {
	src := newOffsetSource(4)
	pager, _ := newTestPager(t, src, 10, 3)

	_, err := pager.Page(context.Background(), -1)
	assert.Error(t, err)
	assert.Zero(t, src.callCount())
}

func TestPageKeepsPrefixOnFetchError(t *testing.T) {
	src := newOffsetSource(10)
	src.errOn[2] = source.QueryFailed("fake", errors.New("division by zero"))
	pager, coord := newTestPager(t, src, 2, 5)

	// The page needs 5 rows; the second batch dies after 2 are mirrored.
	// Those 2 rows resolve alongside the error, not instead of it.
	page, err := pager.Page(context.Background(), 0)
	require.Error(t, err)
	assert.Equal(t, source.KindQuery, source.KindOf(err))
	require.NotNil(t, page)
	require.Len(t, page.Rows, 2)
	assert.Equal(t, int64(0), page.Rows[0][0])
	assert.Equal(t, int64(2), page.FetchedRows)
	assert.Equal(t, fetch.PhaseError, coord.Snapshot().Phase)

	// Re-resolving keeps returning the prefix with the same error.
	again, err := pager.Page(context.Background(), 0)
	require.Error(t, err)
	require.NotNil(t, again)
	assert.Equal(t, page.Rows, again.Rows)

	// Ranges entirely past the mirrored prefix yield an empty page, the
	// error still attached.
	past, err := pager.Page(context.Background(), 3)
	require.Error(t, err)
	require.NotNil(t, past)
	assert.Empty(t, past.Rows)
	assert.Equal(t, int64(2), past.FetchedRows)
}

func TestPageNilWhenNothingMirrored(t *testing.T) {
	src := newOffsetSource(10)
	src.errOn[1] = source.QueryFailed("fake", errors.New("boom"))
	pager, _ := newTestPager(t, src, 2, 5)

	// Nothing mirrored before the failure: no partial page to return.
	page, err := pager.Page(context.Background(), 0)
	require.Error(t, err)
	assert.Nil(t, page)
}

func TestPageNilOnCancelledFetch(t *testing.T) {
	src := newOffsetSource(10)
	pager, coord := newTestPager(t, src, 2, 2)

	_, err := pager.Page(context.Background(), 0)
	require.NoError(t, err)

	coord.Cancel()
	require.NoError(t, coord.Wait(context.Background()))

	page, err := pager.Page(context.Background(), 4)
	assert.ErrorIs(t, err, fetch.ErrCancelled)
	assert.Nil(t, page)
}

func TestRevisitedPageIsStable(t *testing.T) {
	src := newOffsetSource(6)
	pager, _ := newTestPager(t, src, 2, 2)

	first, err := pager.Page(context.Background(), 1)
	require.NoError(t, err)
	again, err := pager.Page(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, first.Rows, again.Rows)
}
