package snowflake

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dataglass-labs/dataglass/pkg/source"
)

func newTestSource(t *testing.T, handler http.Handler) *Source {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(source.Config{
		Type:      "snowflake",
		Account:   "acme",
		Database:  "analytics",
		Warehouse: "compute_wh",
		Token:     "tok-sf",
		BaseURL:   srv.URL,
	}, nil)
}

func writeJSON(t *testing.T, w http.ResponseWriter, status int, v any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	require.NoError(t, json.NewEncoder(w).Encode(v))
}

func statementPayload(handle string, numRows int64, partitions int, data [][]any) map[string]any {
	parts := make([]map[string]any, partitions)
	for i := range parts {
		parts[i] = map[string]any{"rowCount": numRows / int64(partitions)}
	}
	return map[string]any{
		"statementHandle": handle,
		"resultSetMetaData": map[string]any{
			"numRows":       numRows,
			"partitionInfo": parts,
			"rowType":       []map[string]any{{"name": "id", "type": "NUMBER"}},
		},
		"data": data,
	}
}

func TestFetchPageSubmitsStatement(t *testing.T) {
	src := newTestSource(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/v2/statements", r.URL.Path)
		assert.Equal(t, "Bearer tok-sf", r.Header.Get("Authorization"))

		var req statementRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "SELECT id FROM orders", req.Statement)
		assert.Equal(t, "analytics", req.Database)
		assert.Equal(t, "compute_wh", req.Warehouse)

		writeJSON(t, w, http.StatusOK,
			statementPayload("stmt-1", 4, 2, [][]any{{"1"}, {"2"}}))
	}))

	batch, err := src.FetchPage(context.Background(), "SELECT id FROM orders", nil, 1000)
	require.NoError(t, err)

	assert.Equal(t, int64(4), batch.TotalRows)
	assert.Equal(t, [][]any{{"1"}, {"2"}}, batch.Rows)
	assert.Equal(t, []source.Column{{Name: "id", Type: "NUMBER"}}, batch.Schema)
	assert.True(t, batch.HasMore)
	require.NotNil(t, batch.NextCursor)
	assert.Equal(t, "stmt-1", batch.NextCursor.Job)
	assert.Equal(t, int64(1), batch.NextCursor.Offset)
	assert.Equal(t, "2", batch.NextCursor.Token)
}

func TestFetchPageFetchesPartition(t *testing.T) {
	src := newTestSource(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		require.Equal(t, "/api/v2/statements/stmt-1", r.URL.Path)
		assert.Equal(t, "1", r.URL.Query().Get("partition"))

		writeJSON(t, w, http.StatusOK,
			statementPayload("stmt-1", 4, 2, [][]any{{"3"}, {"4"}}))
	}))

	batch, err := src.FetchPage(context.Background(), "SELECT id FROM orders",
		&source.Cursor{Job: "stmt-1", Offset: 1, Token: "2"}, 1000)
	require.NoError(t, err)

	assert.Equal(t, [][]any{{"3"}, {"4"}}, batch.Rows)
	// Later partitions do not re-report the total.
	assert.Equal(t, source.TotalUnknown, batch.TotalRows)
	assert.False(t, batch.HasMore)
	assert.Nil(t, batch.NextCursor)
}

func TestFetchPagePollsRunningStatement(t *testing.T) {
	var polls atomic.Int32
	src := newTestSource(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			writeJSON(t, w, http.StatusAccepted, map[string]any{"statementHandle": "stmt-slow"})
			return
		}
		require.Equal(t, "/api/v2/statements/stmt-slow", r.URL.Path)
		if polls.Add(1) == 1 {
			writeJSON(t, w, http.StatusAccepted, map[string]any{"statementHandle": "stmt-slow"})
			return
		}
		writeJSON(t, w, http.StatusOK,
			statementPayload("stmt-slow", 1, 1, [][]any{{"1"}}))
	}))

	batch, err := src.FetchPage(context.Background(), "SELECT id FROM orders", nil, 1000)
	require.NoError(t, err)

	assert.GreaterOrEqual(t, polls.Load(), int32(2))
	assert.Equal(t, [][]any{{"1"}}, batch.Rows)
	assert.False(t, batch.HasMore)
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   source.Kind
	}{
		{"unauthorized", http.StatusUnauthorized, source.KindAuthExpired},
		{"rate limited", http.StatusTooManyRequests, source.KindTransient},
		{"server error", http.StatusInternalServerError, source.KindTransient},
		{"compile error", http.StatusUnprocessableEntity, source.KindQuery},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := newTestSource(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				writeJSON(t, w, tt.status, map[string]any{"message": "boom", "code": "000000"})
			}))

			_, err := src.FetchPage(context.Background(), "SELECT 1", nil, 1000)
			require.Error(t, err)
			assert.Equal(t, tt.want, source.KindOf(err))
			assert.Contains(t, err.Error(), "boom")
		})
	}
}

func TestRefreshToken(t *testing.T) {
	src := New(source.Config{Account: "acme", Token: "tok-old"}, nil)

	require.Error(t, src.RefreshToken(context.Background()))

	src.RefreshFunc = func(context.Context) (string, error) { return "tok-new", nil }
	require.NoError(t, src.RefreshToken(context.Background()))
	assert.Equal(t, "tok-new", src.token)
}

func TestDefaultBaseURL(t *testing.T) {
	src := New(source.Config{Account: "acme"}, nil)
	assert.Equal(t, "https://acme.snowflakecomputing.com", src.baseURL)
}
