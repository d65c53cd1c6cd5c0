package datastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/jordanlanch/funnelsync/pkg/logger"
	"github.com/jordanlanch/funnelsync/pkg/metrics"
	"github.com/jordanlanch/funnelsync/pkg/models"
	"github.com/lib/pq"
)

var identifierRegex = regexp.MustCompile(`^[a-z_][a-z0-9_]*(\.[a-z_][a-z0-9_]*)?$`)

// SQLOptions configures the direct SQL backend
type SQLOptions struct {
	Driver       string
	Table        string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// IsDuplicate recognizes a primary key violation for the driver in use.
	// Defaults to the Postgres unique_violation code.
	IsDuplicate func(error) bool
}

// SQLStore implements Store on database/sql
type SQLStore struct {
	db           *sql.DB
	driver       string
	table        string
	readTimeout  time.Duration
	writeTimeout time.Duration
	isDuplicate  func(error) bool
	log          logger.Logger
	metrics      *metrics.Metrics
}

var _ Store = (*SQLStore)(nil)

// NewSQLStore wraps an open database handle
func NewSQLStore(db *sql.DB, opts SQLOptions, log logger.Logger, m *metrics.Metrics) (*SQLStore, error) {
	if !identifierRegex.MatchString(opts.Table) {
		return nil, fmt.Errorf("datastore: invalid table name %q", opts.Table)
	}
	if opts.Driver == "" {
		opts.Driver = "postgres"
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 5 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 3 * time.Second
	}
	if opts.IsDuplicate == nil {
		opts.IsDuplicate = isPostgresDuplicate
	}
	if log == nil {
		log = logger.Default()
	}

	return &SQLStore{
		db:           db,
		driver:       opts.Driver,
		table:        opts.Table,
		readTimeout:  opts.ReadTimeout,
		writeTimeout: opts.WriteTimeout,
		isDuplicate:  opts.IsDuplicate,
		log:          log,
		metrics:      m,
	}, nil
}

func isPostgresDuplicate(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// rebind rewrites ? placeholders to $n for postgres
func (s *SQLStore) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Exists returns the stored id and update_date, or nil when the row is absent
func (s *SQLStore) Exists(ctx context.Context, id int64) (*Existing, error) {
	ctx, cancel := context.WithTimeout(ctx, s.readTimeout)
	defer cancel()

	start := time.Now()
	query := s.rebind("SELECT id, update_date FROM " + s.table + " WHERE id = ?")
	var (
		ex         Existing
		updateDate sql.NullString
	)
	err := s.db.QueryRowContext(ctx, query, id).Scan(&ex.ID, &updateDate)
	s.record("exists", err, start)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classifyTransport("exists", err)
	}
	ex.UpdateDate = updateDate.String
	return &ex, nil
}

// Lookup returns the stored freshness view for every id that exists
func (s *SQLStore) Lookup(ctx context.Context, ids []int64) (map[int64]Existing, error) {
	out := make(map[int64]Existing, len(ids))
	for _, part := range chunk(ids, lookupChunk) {
		if err := s.lookupChunk(ctx, part, out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *SQLStore) lookupChunk(ctx context.Context, ids []int64, out map[int64]Existing) error {
	ctx, cancel := context.WithTimeout(ctx, s.readTimeout)
	defer cancel()

	marks := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	query := s.rebind("SELECT id, update_date FROM " + s.table + " WHERE id IN (" + marks + ")")

	start := time.Now()
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		s.record("lookup", err, start)
		return classifyTransport("lookup", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			ex         Existing
			updateDate sql.NullString
		)
		if err := rows.Scan(&ex.ID, &updateDate); err != nil {
			return fmt.Errorf("datastore: lookup scan: %w", err)
		}
		ex.UpdateDate = updateDate.String
		out[ex.ID] = ex
	}
	err = rows.Err()
	s.record("lookup", err, start)
	if err != nil {
		return classifyTransport("lookup", err)
	}
	return nil
}

// Insert creates a row. A duplicate id surfaces as ErrConflict.
func (s *SQLStore) Insert(ctx context.Context, rec models.Record) (WriteResult, error) {
	cols := rec.Columns()
	if len(cols) == 0 {
		return WriteResult{}, fmt.Errorf("datastore: insert with no columns")
	}
	if err := validColumns(cols); err != nil {
		return WriteResult{}, err
	}

	args := make([]any, len(cols))
	for i, col := range cols {
		args[i] = rec[col]
	}
	marks := strings.TrimSuffix(strings.Repeat("?,", len(cols)), ",")
	query := s.rebind("INSERT INTO " + s.table + " (" + strings.Join(cols, ", ") + ") VALUES (" + marks + ")")

	res, err := s.exec(ctx, "insert", query, args)
	if err != nil {
		if s.isDuplicate(err) {
			return WriteResult{}, fmt.Errorf("%w: %v", ErrConflict, err)
		}
		return WriteResult{}, classifyTransport("insert", err)
	}
	return writeResult(res, rec)
}

// Update sets the record's columns on the row with id
func (s *SQLStore) Update(ctx context.Context, id int64, rec models.Record) (WriteResult, error) {
	cols := make([]string, 0, len(rec))
	for _, col := range rec.Columns() {
		if col != models.ColumnID {
			cols = append(cols, col)
		}
	}
	if len(cols) == 0 {
		return WriteResult{}, fmt.Errorf("datastore: update with no columns")
	}
	if err := validColumns(cols); err != nil {
		return WriteResult{}, err
	}

	sets := make([]string, len(cols))
	args := make([]any, 0, len(cols)+1)
	for i, col := range cols {
		sets[i] = col + " = ?"
		args = append(args, rec[col])
	}
	args = append(args, id)
	query := s.rebind("UPDATE " + s.table + " SET " + strings.Join(sets, ", ") + " WHERE id = ?")

	res, err := s.exec(ctx, "update", query, args)
	if err != nil {
		return WriteResult{}, classifyTransport("update", err)
	}
	return writeResult(res, rec)
}

// Ping checks the connection
func (s *SQLStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.readTimeout)
	defer cancel()
	return s.db.PingContext(ctx)
}

func (s *SQLStore) exec(ctx context.Context, op, query string, args []any) (sql.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	defer cancel()

	start := time.Now()
	res, err := s.db.ExecContext(ctx, query, args...)
	s.record(op, err, start)
	if err != nil {
		s.log.Debug("datastore statement failed", "operation", op, "error", err)
	}
	return res, err
}

func (s *SQLStore) record(op string, err error, start time.Time) {
	status := 200
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		status = 0
	}
	s.metrics.RecordDatastoreRequest(op, status, time.Since(start))
}

func writeResult(res sql.Result, rec models.Record) (WriteResult, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return WriteResult{}, fmt.Errorf("datastore: rows affected: %w", err)
	}
	out := WriteResult{RowsAffected: int(n)}
	if n > 0 {
		out.Rows = []models.Record{rec}
	}
	return out, nil
}

func validColumns(cols []string) error {
	for _, col := range cols {
		if !identifierRegex.MatchString(col) || strings.Contains(col, ".") {
			return fmt.Errorf("datastore: invalid column name %q", col)
		}
	}
	return nil
}
