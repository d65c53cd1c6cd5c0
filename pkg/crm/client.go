// Package crm is the SprintHub client: paged stage fetches and single
// opportunity lookups.
package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jordanlanch/funnelsync/config"
	"github.com/jordanlanch/funnelsync/pkg/logger"
	"github.com/jordanlanch/funnelsync/pkg/metrics"
	"golang.org/x/time/rate"
)

// ErrNotFound is returned when the CRM has no opportunity with the requested id
var ErrNotFound = errors.New("crm: opportunity not found")

// Opportunity is a raw CRM opportunity object
type Opportunity = map[string]any

// PageError reports a page that failed after its retry. Pages before it were
// fetched and are returned alongside the error.
type PageError struct {
	FunnelID int64
	StageID  int64
	Page     int
	Err      error
}

func (e *PageError) Error() string {
	return fmt.Sprintf("crm: funnel %d stage %d page %d: %v", e.FunnelID, e.StageID, e.Page, e.Err)
}

func (e *PageError) Unwrap() error {
	return e.Err
}

// StatusError is a non-2xx CRM response
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("crm: http %d: %s", e.StatusCode, e.Body)
}

func (e *StatusError) retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// StageResult is the outcome of a stage walk
type StageResult struct {
	FunnelID int64
	StageID  int64
	Records  []Opportunity
	Pages    int
}

// Options configures the client
type Options struct {
	BaseURL    string
	PageSize   int
	PageDelay  time.Duration
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client talks to the SprintHub REST API
type Client struct {
	baseURL    string
	pageSize   int
	creds      config.Credentials
	httpClient *http.Client
	limiter    *rate.Limiter
	log        logger.Logger
	metrics    *metrics.Metrics
	now        func() time.Time
}

// NewClient creates a CRM client. The limiter paces every request the
// client makes, one per PageDelay.
func NewClient(opts Options, creds config.Credentials, log logger.Logger, m *metrics.Metrics) *Client {
	if opts.PageSize <= 0 {
		opts.PageSize = 100
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.Timeout}
	}
	limit := rate.Inf
	if opts.PageDelay > 0 {
		limit = rate.Every(opts.PageDelay)
	}
	if log == nil {
		log = logger.Default()
	}

	return &Client{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		pageSize:   opts.PageSize,
		creds:      creds,
		httpClient: httpClient,
		limiter:    rate.NewLimiter(limit, 1),
		log:        log,
		metrics:    m,
		now:        time.Now,
	}
}

// PageSize returns the configured page size
func (c *Client) PageSize() int {
	return c.pageSize
}

type pageRequest struct {
	Page     int   `json:"page"`
	Limit    int   `json:"limit"`
	ColumnID int64 `json:"columnId"`
}

// FetchStage walks every page of a stage. It stops at the first short or
// empty page. A page that fails twice ends the walk: the records fetched so
// far are returned together with a *PageError.
func (c *Client) FetchStage(ctx context.Context, funnelID, stageID int64) (StageResult, error) {
	result := StageResult{FunnelID: funnelID, StageID: stageID}
	log := c.log.With("funnel_id", funnelID, "stage_id", stageID)

	for page := 0; ; page++ {
		records, err := c.fetchPageWithRetry(ctx, funnelID, stageID, page)
		if err != nil {
			log.Error("page fetch failed, ending stage", "page", page, "fetched", len(result.Records), "error", err)
			return result, &PageError{FunnelID: funnelID, StageID: stageID, Page: page, Err: err}
		}

		result.Pages++
		result.Records = append(result.Records, records...)
		log.Debug("page fetched", "page", page, "count", len(records))

		if len(records) < c.pageSize {
			break
		}
	}

	log.Info("stage fetched", "pages", result.Pages, "records", len(result.Records))
	return result, nil
}

func (c *Client) fetchPageWithRetry(ctx context.Context, funnelID, stageID int64, page int) ([]Opportunity, error) {
	records, err := c.FetchPage(ctx, funnelID, stageID, page)
	if err == nil || !retryable(err) {
		return records, err
	}
	c.log.Warn("retrying page", "funnel_id", funnelID, "stage_id", stageID, "page", page, "error", err)
	return c.FetchPage(ctx, funnelID, stageID, page)
}

func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, config.ErrCredentialsExpired) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.retryable()
	}
	return true
}

// FetchPage requests one page of a stage
func (c *Client) FetchPage(ctx context.Context, funnelID, stageID int64, page int) ([]Opportunity, error) {
	body, err := json.Marshal(pageRequest{Page: page, Limit: c.pageSize, ColumnID: stageID})
	if err != nil {
		return nil, err
	}

	start := time.Now()
	payload, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/crm/opportunities/%d", funnelID), body)
	c.metrics.RecordCRMPage(err == nil, time.Since(start))
	if err != nil {
		return nil, err
	}
	return decodeList(payload)
}

// FetchOpportunity returns a single opportunity by id
func (c *Client) FetchOpportunity(ctx context.Context, id int64) (Opportunity, error) {
	payload, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/crm/opportunity/%d", id), nil)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.StatusCode == http.StatusNotFound {
			return nil, ErrNotFound
		}
		return nil, err
	}

	var envelope map[string]any
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(&envelope); err != nil {
		return nil, fmt.Errorf("crm: decode opportunity %d: %w", id, err)
	}
	if inner, ok := envelope["data"].(map[string]any); ok {
		envelope = inner
	}
	if len(envelope) == 0 {
		return nil, ErrNotFound
	}
	return envelope, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	if c.creds.Expired(c.now()) {
		return nil, config.ErrCredentialsExpired
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("apitoken", c.creds.CRMToken)
	q.Set("i", c.creds.CRMInstance)
	endpoint := c.baseURL + path + "?" + q.Encode()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: truncate(string(payload), 256)}
	}
	return payload, nil
}

// decodeList accepts a bare array or an object wrapping it in "data"
func decodeList(payload []byte) ([]Opportunity, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()

	if trimmed[0] == '[' {
		var list []Opportunity
		if err := dec.Decode(&list); err != nil {
			return nil, fmt.Errorf("crm: decode page: %w", err)
		}
		return list, nil
	}

	var envelope struct {
		Data []Opportunity `json:"data"`
	}
	if err := dec.Decode(&envelope); err != nil {
		return nil, fmt.Errorf("crm: decode page: %w", err)
	}
	return envelope.Data, nil
}

// OpportunityID extracts the id of a raw opportunity
func OpportunityID(o Opportunity) (int64, bool) {
	switch v := o["id"].(type) {
	case json.Number:
		id, err := v.Int64()
		return id, err == nil && id > 0
	case float64:
		return int64(v), v > 0
	case string:
		id, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		return id, err == nil && id > 0
	case int64:
		return v, v > 0
	case int:
		return int64(v), v > 0
	}
	return 0, false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
