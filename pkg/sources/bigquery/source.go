// Package bigquery provides a BigQuery paginated source for Dataglass.
//
// It talks to the BigQuery REST API directly (jobs.query and
// jobs.getQueryResults): queries run as asynchronous jobs, continuation
// uses page tokens, and the true result-set size arrives with the first
// response from job statistics, so no COUNT(*) probe is ever needed.
package bigquery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/dataglass-labs/dataglass/pkg/source"
)

const defaultBaseURL = "https://bigquery.googleapis.com/bigquery/v2"

// Async jobs that report "not yet complete" are polled with capped
// exponential backoff.
const (
	pollBase = 500 * time.Millisecond
	pollCap  = 8 * time.Second
)

var errJobRunning = errors.New("bigquery: job not yet complete")

func init() {
	source.Register("bigquery", func(cfg source.Config, logger *slog.Logger) (source.Source, error) {
		return New(cfg, logger), nil
	})
}

// Source implements the source.Source interface for BigQuery.
type Source struct {
	cfg     source.Config
	baseURL string
	client  *http.Client
	logger  *slog.Logger
	token   string

	// RefreshFunc obtains a fresh access token when the current one has
	// expired. Optional; without it an auth failure is terminal.
	RefreshFunc func(ctx context.Context) (string, error)
}

// New creates a new BigQuery source instance.
// If logger is nil, a discard logger is used.
func New(cfg source.Config, logger *slog.Logger) *Source {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Source{
		cfg:     cfg,
		baseURL: baseURL,
		client:  &http.Client{},
		logger:  logger,
		token:   cfg.Token,
	}
}

// DialectName returns the SQL dialect for this source.
func (s *Source) DialectName() string {
	return "bigquery"
}

// Close releases resources held by the source.
func (s *Source) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

// RefreshToken obtains fresh credentials via the configured refresh hook.
func (s *Source) RefreshToken(ctx context.Context) error {
	if s.RefreshFunc == nil {
		return fmt.Errorf("bigquery: no token refresh configured")
	}
	token, err := s.RefreshFunc(ctx)
	if err != nil {
		return fmt.Errorf("bigquery: token refresh failed: %w", err)
	}
	s.token = token
	return nil
}

// queryRequest is the jobs.query request body.
type queryRequest struct {
	Query        string `json:"query"`
	MaxResults   int    `json:"maxResults,omitempty"`
	UseLegacySQL bool   `json:"useLegacySql"`
	TimeoutMs    int    `json:"timeoutMs,omitempty"`
}

// queryResponse covers both jobs.query and jobs.getQueryResults.
type queryResponse struct {
	JobComplete  bool   `json:"jobComplete"`
	JobReference struct {
		JobID string `json:"jobId"`
	} `json:"jobReference"`
	TotalRows string `json:"totalRows"`
	Schema    struct {
		Fields []struct {
			Name string `json:"name"`
			Type string `json:"type"`
		} `json:"fields"`
	} `json:"schema"`
	Rows []struct {
		F []struct {
			V any `json:"v"`
		} `json:"f"`
	} `json:"rows"`
	PageToken           string `json:"pageToken"`
	TotalBytesProcessed string `json:"totalBytesProcessed"`
	CacheHit            bool   `json:"cacheHit"`
}

type apiError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// FetchPage executes one bounded fetch. The first call submits the query
// as a job and polls until it completes; later calls resume the finished
// job with the page token carried in the cursor.
func (s *Source) FetchPage(ctx context.Context, query string, cursor *source.Cursor, batchSize int) (*source.Batch, error) {
	start := time.Now()

	var resp *queryResponse
	var err error
	if cursor == nil {
		resp, err = s.runQuery(ctx, query, batchSize)
	} else {
		resp, err = s.getQueryResults(ctx, cursor.Job, cursor.Token, batchSize)
	}
	if err != nil {
		return nil, err
	}

	schema := make([]source.Column, len(resp.Schema.Fields))
	for i, f := range resp.Schema.Fields {
		schema[i] = source.Column{Name: f.Name, Type: f.Type}
	}

	rows := make([][]any, len(resp.Rows))
	for i, r := range resp.Rows {
		row := make([]any, len(r.F))
		for j, cell := range r.F {
			row[j] = cell.V
		}
		rows[i] = row
	}

	total := source.TotalUnknown
	if resp.TotalRows != "" {
		if n, perr := strconv.ParseInt(resp.TotalRows, 10, 64); perr == nil {
			total = n
		}
	}

	bytesProcessed := int64(0)
	if resp.TotalBytesProcessed != "" {
		bytesProcessed, _ = strconv.ParseInt(resp.TotalBytesProcessed, 10, 64)
	}

	batch := &source.Batch{
		Rows:      rows,
		Schema:    schema,
		TotalRows: total,
		HasMore:   resp.PageToken != "",
		Stats: source.Stats{
			Elapsed:        time.Since(start),
			BytesProcessed: bytesProcessed,
			CacheHit:       resp.CacheHit,
		},
	}
	if resp.PageToken != "" {
		batch.NextCursor = &source.Cursor{Job: resp.JobReference.JobID, Token: resp.PageToken}
	}
	return batch, nil
}

// runQuery submits the query via jobs.query and resolves incomplete jobs
// by polling jobs.getQueryResults with capped exponential backoff.
func (s *Source) runQuery(ctx context.Context, query string, batchSize int) (*queryResponse, error) {
	body := queryRequest{
		Query:      query,
		MaxResults: batchSize,
		TimeoutMs:  10000,
	}
	u := fmt.Sprintf("%s/projects/%s/queries", s.baseURL, url.PathEscape(s.cfg.Project))

	resp, err := s.post(ctx, u, body)
	if err != nil {
		return nil, err
	}
	if resp.JobComplete {
		return resp, nil
	}

	// Long-running job: poll until complete. The capped backoff keeps
	// the loop polite; ctx cancellation aborts it promptly.
	jobID := resp.JobReference.JobID
	s.logger.Debug("bigquery job still running, polling", slog.String("job", jobID))

	backoff := retry.WithCappedDuration(pollCap, retry.NewExponential(pollBase))
	var polled *queryResponse
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		r, perr := s.getQueryResults(ctx, jobID, "", batchSize)
		if perr != nil {
			return perr
		}
		if !r.JobComplete {
			return retry.RetryableError(errJobRunning)
		}
		polled = r
		return nil
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, source.Cancelled("bigquery", err)
		}
		return nil, err
	}
	return polled, nil
}

// getQueryResults fetches one page of a completed (or running) job.
func (s *Source) getQueryResults(ctx context.Context, jobID, pageToken string, batchSize int) (*queryResponse, error) {
	q := url.Values{}
	q.Set("maxResults", strconv.Itoa(batchSize))
	if pageToken != "" {
		q.Set("pageToken", pageToken)
	}
	u := fmt.Sprintf("%s/projects/%s/queries/%s?%s",
		s.baseURL, url.PathEscape(s.cfg.Project), url.PathEscape(jobID), q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	return s.do(req)
}

// DryRun estimates the bytes a query would process without executing it.
func (s *Source) DryRun(ctx context.Context, query string) (int64, error) {
	body := map[string]any{
		"configuration": map[string]any{
			"dryRun": true,
			"query": map[string]any{
				"query":        query,
				"useLegacySql": false,
			},
		},
	}
	u := fmt.Sprintf("%s/projects/%s/jobs", s.baseURL, url.PathEscape(s.cfg.Project))

	raw, err := json.Marshal(body)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(raw))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.token)

	httpResp, err := s.client.Do(req)
	if err != nil {
		return 0, source.Transient("bigquery", err)
	}
	defer func() { _ = httpResp.Body.Close() }()

	if httpResp.StatusCode != http.StatusOK {
		return 0, s.classifyStatus(httpResp)
	}

	var out struct {
		Statistics struct {
			TotalBytesProcessed string `json:"totalBytesProcessed"`
		} `json:"statistics"`
	}
	if err := json.NewDecoder(httpResp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("bigquery: failed to decode dry-run response: %w", err)
	}
	n, _ := strconv.ParseInt(out.Statistics.TotalBytesProcessed, 10, 64)
	return n, nil
}

func (s *Source) post(ctx context.Context, u string, body any) (*queryResponse, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return s.do(req)
}

func (s *Source) do(req *http.Request) (*queryResponse, error) {
	req.Header.Set("Authorization", "Bearer "+s.token)

	httpResp, err := s.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, source.Cancelled("bigquery", err)
		}
		return nil, source.Transient("bigquery", err)
	}
	defer func() { _ = httpResp.Body.Close() }()

	if httpResp.StatusCode != http.StatusOK {
		return nil, s.classifyStatus(httpResp)
	}

	var out queryResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("bigquery: failed to decode response: %w", err)
	}
	return &out, nil
}

// classifyStatus maps an HTTP error response onto the shared taxonomy.
func (s *Source) classifyStatus(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))

	msg := resp.Status
	var ae apiError
	if jerr := json.Unmarshal(raw, &ae); jerr == nil && ae.Error.Message != "" {
		msg = ae.Error.Message
	}
	err := fmt.Errorf("bigquery API: %s", msg)

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return source.AuthExpired("bigquery", err)
	case resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= http.StatusInternalServerError:
		return source.Transient("bigquery", err)
	default:
		// 400s: invalid query, missing permissions. Not retryable.
		return source.QueryFailed("bigquery", err)
	}
}

// Ensure Source implements the contract plus optional capabilities
var (
	_ source.Source         = (*Source)(nil)
	_ source.DryRunner      = (*Source)(nil)
	_ source.TokenRefresher = (*Source)(nil)
)
