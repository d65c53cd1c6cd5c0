// Package datastore writes opportunities to the analytics table, through
// PostgREST or directly over database/sql.
package datastore

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

	"github.com/google/uuid"
	"github.com/jordanlanch/funnelsync/config"
	"github.com/jordanlanch/funnelsync/pkg/logger"
	"github.com/jordanlanch/funnelsync/pkg/metrics"
	"github.com/jordanlanch/funnelsync/pkg/models"
)

// Options configures the PostgREST client
type Options struct {
	BaseURL      string
	Table        string
	Schema       string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	HTTPClient   *http.Client
}

// Client is a PostgREST datastore client
type Client struct {
	baseURL      string
	table        string
	schema       string
	readTimeout  time.Duration
	writeTimeout time.Duration
	creds        config.Credentials
	httpClient   *http.Client
	log          logger.Logger
	metrics      *metrics.Metrics
	now          func() time.Time
}

var _ Store = (*Client)(nil)

// NewClient creates a PostgREST client for one table
func NewClient(opts Options, creds config.Credentials, log logger.Logger, m *metrics.Metrics) *Client {
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 5 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 3 * time.Second
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if log == nil {
		log = logger.Default()
	}

	return &Client{
		baseURL:      strings.TrimRight(opts.BaseURL, "/"),
		table:        opts.Table,
		schema:       opts.Schema,
		readTimeout:  opts.ReadTimeout,
		writeTimeout: opts.WriteTimeout,
		creds:        creds,
		httpClient:   httpClient,
		log:          log,
		metrics:      m,
		now:          time.Now,
	}
}

// Exists returns the stored id and update_date, or nil when the row is absent
func (c *Client) Exists(ctx context.Context, id int64) (*Existing, error) {
	q := url.Values{}
	q.Set("id", "eq."+strconv.FormatInt(id, 10))
	q.Set("select", "id,update_date")

	var rows []Existing
	if err := c.read(ctx, "exists", q, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// Lookup returns the stored freshness view for every id that exists
func (c *Client) Lookup(ctx context.Context, ids []int64) (map[int64]Existing, error) {
	out := make(map[int64]Existing, len(ids))
	for _, part := range chunk(ids, lookupChunk) {
		list := make([]string, len(part))
		for i, id := range part {
			list[i] = strconv.FormatInt(id, 10)
		}
		q := url.Values{}
		q.Set("id", "in.("+strings.Join(list, ",")+")")
		q.Set("select", "id,update_date")

		var rows []Existing
		if err := c.read(ctx, "lookup", q, &rows); err != nil {
			return nil, err
		}
		for _, row := range rows {
			out[row.ID] = row
		}
	}
	return out, nil
}

// Insert creates a row. A duplicate id surfaces as ErrConflict.
func (c *Client) Insert(ctx context.Context, rec models.Record) (WriteResult, error) {
	return c.write(ctx, "insert", http.MethodPost, nil, rec)
}

// Update patches the row with the record's keys only
func (c *Client) Update(ctx context.Context, id int64, rec models.Record) (WriteResult, error) {
	q := url.Values{}
	q.Set("id", "eq."+strconv.FormatInt(id, 10))
	return c.write(ctx, "update", http.MethodPatch, q, rec)
}

// Ping checks that the table answers
func (c *Client) Ping(ctx context.Context) error {
	q := url.Values{}
	q.Set("select", "id")
	q.Set("limit", "1")
	var rows []Existing
	return c.read(ctx, "ping", q, &rows)
}

func (c *Client) read(ctx context.Context, op string, q url.Values, dst any) error {
	ctx, cancel := context.WithTimeout(ctx, c.readTimeout)
	defer cancel()

	payload, err := c.do(ctx, op, http.MethodGet, q, nil)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(payload, dst); err != nil {
		return fmt.Errorf("datastore: decode %s: %w", op, err)
	}
	return nil
}

func (c *Client) write(ctx context.Context, op, method string, q url.Values, rec models.Record) (WriteResult, error) {
	body, err := json.Marshal(rec)
	if err != nil {
		return WriteResult{}, fmt.Errorf("datastore: encode %s: %w", op, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.writeTimeout)
	defer cancel()

	payload, err := c.do(ctx, op, method, q, body)
	if err != nil {
		return WriteResult{}, err
	}
	rows, err := decodeRows(payload)
	if err != nil {
		return WriteResult{}, fmt.Errorf("datastore: decode %s: %w", op, err)
	}
	return WriteResult{RowsAffected: len(rows), Rows: rows}, nil
}

func (c *Client) do(ctx context.Context, op, method string, q url.Values, body []byte) ([]byte, error) {
	if c.creds.Expired(c.now()) {
		return nil, config.ErrCredentialsExpired
	}

	endpoint := c.baseURL + "/" + c.table
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, err
	}

	requestID := uuid.NewString()
	req.Header.Set("Accept", "application/json")
	req.Header.Set("apikey", c.creds.DatastoreAPIKey)
	req.Header.Set("Authorization", "Bearer "+c.creds.DatastoreBearer())
	req.Header.Set("X-Request-Id", requestID)
	if c.schema != "" && c.schema != "public" {
		req.Header.Set("Accept-Profile", c.schema)
		req.Header.Set("Content-Profile", c.schema)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Prefer", "return=representation")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.RecordDatastoreRequest(op, 0, time.Since(start))
		return nil, classifyTransport(op, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	c.metrics.RecordDatastoreRequest(op, resp.StatusCode, time.Since(start))
	if err != nil {
		return nil, classifyTransport(op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		herr := parseHTTPError(resp.StatusCode, payload)
		c.log.Debug("datastore request failed", "operation", op, "request_id", requestID, "status", resp.StatusCode, "code", herr.Code)
		return nil, herr
	}
	return payload, nil
}

func parseHTTPError(status int, payload []byte) *HTTPError {
	herr := &HTTPError{StatusCode: status}
	var body struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Details string `json:"details"`
	}
	if err := json.Unmarshal(payload, &body); err == nil && body.Message != "" {
		herr.Code = body.Code
		herr.Message = body.Message
		herr.Details = body.Details
		// PostgREST answers unique violations with the Postgres code
		if body.Code == "23505" {
			herr.StatusCode = http.StatusConflict
		}
		return herr
	}
	herr.Message = strings.TrimSpace(string(payload))
	if herr.Message == "" {
		herr.Message = http.StatusText(status)
	}
	return herr
}

func decodeRows(payload []byte) ([]models.Record, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()

	if trimmed[0] == '{' {
		var one models.Record
		if err := dec.Decode(&one); err != nil {
			return nil, err
		}
		return []models.Record{one}, nil
	}
	var rows []models.Record
	if err := dec.Decode(&rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// IsRetryable reports whether a datastore error is worth a second attempt
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTimeout)
}
