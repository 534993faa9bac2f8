package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dataglass-labs/dataglass/internal/config"
	"github.com/dataglass-labs/dataglass/internal/fetch"
	"github.com/dataglass-labs/dataglass/internal/mirror"
	"github.com/dataglass-labs/dataglass/internal/notify"
	"github.com/dataglass-labs/dataglass/internal/session"
	"github.com/dataglass-labs/dataglass/internal/store"
	"github.com/dataglass-labs/dataglass/internal/testutil"
	"github.com/dataglass-labs/dataglass/pkg/source"
	_ "github.com/dataglass-labs/dataglass/pkg/sources/duckdb"
)

// The "fake" source type resolves to whatever instance the running test
// installed here, so submissions through the API hit a seeded source.
var (
	fakeMu      sync.Mutex
	currentFake source.Source
)

func init() {
	source.Register("fake", func(_ source.Config, _ *slog.Logger) (source.Source, error) {
		fakeMu.Lock()
		defer fakeMu.Unlock()
		if currentFake == nil {
			return nil, fmt.Errorf("no fake source installed")
		}
		return currentFake, nil
	})
}

func installFake(t *testing.T, src source.Source) {
	t.Helper()
	fakeMu.Lock()
	currentFake = src
	fakeMu.Unlock()
	t.Cleanup(func() {
		fakeMu.Lock()
		currentFake = nil
		fakeMu.Unlock()
	})
}

// apiFakeSource answers data queries from a fixed row set and
// statistics queries with a canned aggregate row. Chosen calls can be
// made to fail.
type apiFakeSource struct {
	mu      sync.Mutex
	rows    [][]any
	calls   int
	errOn   map[int]error // 1-based call index -> error
	lastSQL string
}

func newAPIFakeSource(n int) *apiFakeSource {
	rows := make([][]any, n)
	for i := range rows {
		rows[i] = []any{int64(i), fmt.Sprintf("row-%d", i)}
	}
	return &apiFakeSource{rows: rows, errOn: make(map[int]error)}
}

func (f *apiFakeSource) FetchPage(_ context.Context, query string, cursor *source.Cursor, batchSize int) (*source.Batch, error) {
	f.mu.Lock()
	f.calls++
	f.lastSQL = query
	err := f.errOn[f.calls]
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}

	if strings.Contains(query, "MIN(") {
		return &source.Batch{
			Rows:      [][]any{{int64(0), int64(6), 3.0, 2.16}},
			Schema:    []source.Column{{Name: "min_value"}, {Name: "max_value"}, {Name: "avg_value"}, {Name: "stddev_value"}},
			TotalRows: 1,
		}, nil
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
		Stats:     source.Stats{Elapsed: time.Millisecond},
	}
	if batch.HasMore {
		batch.NextCursor = &source.Cursor{Offset: end}
	}
	return batch, nil
}

func (f *apiFakeSource) DialectName() string { return "postgres" }
func (f *apiFakeSource) Close() error        { return nil }

func (f *apiFakeSource) statsSQL() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastSQL
}

func newTestServer(t *testing.T) (*httptest.Server, *store.Store) {
	t.Helper()

	mstore, err := mirror.Open(":memory:", testutil.NewTestLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = mstore.Close() })

	state, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = state.Close() })

	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	cfg.Display.PageSize = 3
	cfg.Fetch.BatchSize = 4

	manager := session.NewManager(mstore, notify.New(), testutil.NewTestLogger(t), fetch.Config{
		BatchSize: cfg.Fetch.BatchSize,
		RetryBase: time.Millisecond,
		RetryCap:  5 * time.Millisecond,
	}, cfg.Display.PageSize)
	t.Cleanup(func() { _ = manager.CloseAll(context.Background()) })

	srv := New(Options{
		Config:   cfg,
		Manager:  manager,
		State:    state,
		Notifier: notify.New(),
		Logger:   testutil.NewTestLogger(t),
	})
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)

	require.NoError(t, state.SaveConnection(context.Background(), &store.Connection{
		Name:   "test",
		Type:   "fake",
		Config: source.Config{Type: "fake"},
	}))
	return ts, state
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	return resp
}

func decodeJSON[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func submitQuery(t *testing.T, ts *httptest.Server) pageResponse {
	t.Helper()
	resp := postJSON(t, ts.URL+"/api/query", map[string]string{
		"connection": "test",
		"box":        "box-1",
		"query":      "SELECT * FROM t",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return decodeJSON[pageResponse](t, resp)
}

func TestSubmitQueryReturnsFirstPage(t *testing.T) {
	ts, _ := newTestServer(t)
	installFake(t, newAPIFakeSource(7))

	page := submitQuery(t, ts)
	assert.NotEmpty(t, page.QueryID)
	assert.Equal(t, 0, page.PageIndex)
	assert.Len(t, page.Rows, 3)
	require.NotNil(t, page.TotalRows)
	assert.Equal(t, int64(7), *page.TotalRows)
	require.NotNil(t, page.PageCount)
	assert.Equal(t, 3, *page.PageCount)
	require.Len(t, page.Columns, 2)
	assert.Equal(t, "id", page.Columns[0].Name)
}

func TestQueryPageNavigation(t *testing.T) {
	ts, _ := newTestServer(t)
	installFake(t, newAPIFakeSource(7))

	page := submitQuery(t, ts)

	resp, err := http.Get(fmt.Sprintf("%s/api/query/%s/pages/2", ts.URL, page.QueryID))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	p2 := decodeJSON[pageResponse](t, resp)
	assert.Equal(t, 2, p2.PageIndex)
	assert.Len(t, p2.Rows, 1, "last page is short")
	assert.True(t, p2.IsComplete)

	resp, err = http.Get(fmt.Sprintf("%s/api/query/%s/pages/9", ts.URL, page.QueryID))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	past := decodeJSON[pageResponse](t, resp)
	assert.Empty(t, past.Rows)

	resp, err = http.Get(fmt.Sprintf("%s/api/query/%s/pages/-1", ts.URL, page.QueryID))
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestQueryStateAndHistory(t *testing.T) {
	ts, state := newTestServer(t)
	installFake(t, newAPIFakeSource(7))

	page := submitQuery(t, ts)

	resp, err := http.Get(fmt.Sprintf("%s/api/query/%s/", ts.URL, page.QueryID))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	st := decodeJSON[stateResponse](t, resp)
	assert.Equal(t, page.QueryID, st.QueryID)
	assert.Equal(t, "postgres", st.Engine)

	// Background materialization finishes and closes the history entry.
	require.Eventually(t, func() bool {
		rec, err := state.GetQuery(context.Background(), page.QueryID)
		return err == nil && rec.Status == store.StatusComplete
	}, 2*time.Second, 10*time.Millisecond)

	rec, err := state.GetQuery(context.Background(), page.QueryID)
	require.NoError(t, err)
	assert.Equal(t, int64(7), rec.FetchedRows)
	assert.True(t, rec.TotalRows.Valid)
}

func TestCancelQuery(t *testing.T) {
	ts, _ := newTestServer(t)
	installFake(t, newAPIFakeSource(7))

	page := submitQuery(t, ts)

	resp := postJSON(t, fmt.Sprintf("%s/api/query/%s/cancel", ts.URL, page.QueryID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	st := decodeJSON[stateResponse](t, resp)
	assert.Equal(t, "cancelled", st.Phase)
}

func TestQueryPageKeepsPrefixOnFetchError(t *testing.T) {
	ts, state := newTestServer(t)
	fake := newAPIFakeSource(7)
	fake.errOn[2] = source.QueryFailed("postgres", errors.New("division by zero"))
	installFake(t, fake)

	// Page 0 resolves from the first batch; background materialization
	// then dies on the second.
	page := submitQuery(t, ts)

	require.Eventually(t, func() bool {
		rec, err := state.GetQuery(context.Background(), page.QueryID)
		return err == nil && rec.Status == store.StatusError
	}, 2*time.Second, 10*time.Millisecond)

	// Page 1 overlaps the mirrored prefix: its local rows come back
	// next to the error, not replaced by it.
	resp, err := http.Get(fmt.Sprintf("%s/api/query/%s/pages/1", ts.URL, page.QueryID))
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	partial := decodeJSON[pageResponse](t, resp)
	assert.NotEmpty(t, partial.Error)
	assert.Len(t, partial.Rows, 1)
	assert.Equal(t, int64(4), partial.FetchedRows)
}

func TestColumnStatsRunAgainstSource(t *testing.T) {
	ts, _ := newTestServer(t)
	fake := newAPIFakeSource(7)
	installFake(t, fake)

	page := submitQuery(t, ts)

	resp, err := http.Get(fmt.Sprintf("%s/api/query/%s/stats/id", ts.URL, page.QueryID))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	stats := decodeJSON[map[string]any](t, resp)
	assert.Equal(t, "id", stats["column"])
	assert.Equal(t, "numeric", stats["category"])

	// The statistics SQL wraps the original query and runs remotely.
	sql := fake.statsSQL()
	assert.Contains(t, sql, `MIN("id")`)
	assert.Contains(t, sql, "(SELECT * FROM t) AS subq")
}

func TestConnectionEndpoints(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/connections", map[string]any{
		"name":   "analytics",
		"config": map[string]any{"type": "duckdb", "path": ":memory:"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decodeJSON[connectionResponse](t, resp)
	assert.Equal(t, "duckdb", created.Type)

	resp, err := http.Get(ts.URL + "/api/connections/")
	require.NoError(t, err)
	list := decodeJSON[[]connectionResponse](t, resp)
	assert.Len(t, list, 2) // seeded "test" plus "analytics"

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/api/connections/analytics", nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	// Unknown source type is rejected up front.
	resp = postJSON(t, ts.URL+"/api/connections", map[string]any{
		"name":   "bad",
		"config": map[string]any{"type": "oracle"},
	})
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSubmitUnknownConnection(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/query", map[string]string{
		"connection": "nope",
		"query":      "SELECT 1",
	})
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
