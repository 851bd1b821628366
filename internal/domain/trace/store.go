package trace

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// ErrStoreClosed is returned by operations on a closed store.
var ErrStoreClosed = errors.New("trace store is closed")

const (
	// DefaultDedupWindow is the soft-duplicate freshness window.
	DefaultDedupWindow = 5 * time.Minute
	// DefaultTimeout bounds every storage call.
	DefaultTimeout = 5 * time.Second
)

const softDedupSQL = `
UPDATE traces SET timestamp = ?, created_at = ?
WHERE source_id = ? AND correlation_id = ? AND endpoint = ? AND direction = ?
AND created_at > ?`

const insertSQL = `
INSERT OR IGNORE INTO traces
(source_id, correlation_id, timestamp, suffix, direction, operation, endpoint, data, hostname, raw_line, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

const selectColumns = `id, source_id, correlation_id, timestamp, suffix, direction, operation, endpoint, data, hostname, raw_line`

// Config holds store configuration.
type Config struct {
	Path         string
	Timeout      time.Duration
	DedupWindow  time.Duration
	MaxOpenConns int
}

// Option customizes a Store.
type Option func(*Store)

// WithClock replaces the wall clock used for storage times.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store is the SQLite-backed trace table.
type Store struct {
	db          *sql.DB
	path        string
	timeout     time.Duration
	dedupWindow time.Duration
	now         func() time.Time
	logger      *zap.Logger
	closed      atomic.Bool
}

// Open opens (creating if needed) the database and applies the schema.
// Failure here is fatal for the caller: the service must not start degraded.
func Open(ctx context.Context, cfg Config, logger *zap.Logger, opts ...Option) (*Store, error) {
	if cfg.Path == "" {
		return nil, errors.New("trace store path is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = DefaultDedupWindow
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := sql.Open("sqlite", dsn(cfg.Path, cfg.Timeout))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	initCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	if err := db.PingContext(initCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	if _, err := db.ExecContext(initCtx, schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	s := &Store{
		db:          db,
		path:        cfg.Path,
		timeout:     cfg.Timeout,
		dedupWindow: cfg.DedupWindow,
		now:         time.Now,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func dsn(path string, busy time.Duration) string {
	return fmt.Sprintf(
		"file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)",
		path, busy.Milliseconds(),
	)
}

// Path returns the database location.
func (s *Store) Path() string { return s.path }

// Size returns the database file size in bytes, or 0 if it cannot be read.
func (s *Store) Size() int64 {
	info, err := os.Stat(s.path)
	if err != nil {
		return 0
	}
	return info.Size()
}

// Close releases the database handle.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return ErrStoreClosed
	}
	return s.db.Close()
}

func (s *Store) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

// Insert stores an entry, collapsing soft duplicates into an in-place refresh
// and ignoring exact duplicates. It never returns an error: faults are carried
// in the result so one bad row cannot fail a batch.
func (s *Store) Insert(ctx context.Context, e Entry) InsertResult {
	if s.closed.Load() {
		return InsertResult{Outcome: OutcomeFailed, Err: ErrStoreClosed}
	}
	e.Normalize()

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	stored := unixSeconds(s.now())
	cutoff := stored - s.dedupWindow.Seconds()

	res, err := s.db.ExecContext(ctx, softDedupSQL,
		e.Timestamp, stored,
		e.SourceID, e.CorrelationID, e.Endpoint, string(e.Direction),
		cutoff,
	)
	if err != nil {
		return InsertResult{Outcome: OutcomeFailed, Err: fmt.Errorf("soft dedup update: %w", err)}
	}
	refreshed, err := res.RowsAffected()
	if err != nil {
		return InsertResult{Outcome: OutcomeFailed, Err: fmt.Errorf("soft dedup rows: %w", err)}
	}
	if refreshed > 0 {
		return InsertResult{Outcome: OutcomeRefreshed}
	}

	data, err := encodeData(e.Data)
	if err != nil {
		return InsertResult{Outcome: OutcomeFailed, Err: fmt.Errorf("encoding data: %w", err)}
	}

	res, err = s.db.ExecContext(ctx, insertSQL,
		e.SourceID, e.CorrelationID, e.Timestamp, e.Suffix, string(e.Direction),
		e.Operation, e.Endpoint, data, e.Hostname, e.RawLine, stored,
	)
	if err != nil {
		return InsertResult{Outcome: OutcomeFailed, Err: fmt.Errorf("insert: %w", err)}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return InsertResult{Outcome: OutcomeFailed, Err: fmt.Errorf("insert rows: %w", err)}
	}
	if n == 0 {
		return InsertResult{Outcome: OutcomeDuplicate}
	}
	id, err := res.LastInsertId()
	if err != nil {
		s.logger.Warn("Inserted trace without row id", zap.Error(err))
	}
	return InsertResult{Outcome: OutcomeInserted, ID: id}
}

// Query returns a chain's entries ordered by event timestamp, oldest first.
func (s *Store) Query(ctx context.Context, correlationID string, filter QueryFilter) ([]Entry, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	query := "SELECT " + selectColumns + " FROM traces WHERE correlation_id = ?"
	args := []any{correlationID}
	if filter.SourceID != "" {
		query += " AND source_id = ?"
		args = append(args, filter.SourceID)
	}
	if filter.Since > 0 {
		query += " AND timestamp > ?"
		args = append(args, filter.Since)
	}
	query += " ORDER BY timestamp ASC, id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying correlation %s: %w", correlationID, err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// Recent returns the newest entries across all chains, presented oldest first.
func (s *Store) Recent(ctx context.Context, filter RecentFilter) ([]Entry, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	conditions := []string{"correlation_id != ?"}
	args := []any{NoCorrelation}
	if filter.SinceID > 0 {
		conditions = append(conditions, "id > ?")
		args = append(args, filter.SinceID)
	}
	if filter.SourcePrefix != "" {
		conditions = append(conditions, "source_id LIKE ? ESCAPE '\\'")
		args = append(args, escapeLike(filter.SourcePrefix)+"%")
	}
	query := "SELECT " + selectColumns + " FROM traces WHERE " +
		strings.Join(conditions, " AND ") + " ORDER BY id DESC LIMIT ?"
	args = append(args, filter.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying recent traces: %w", err)
	}
	defer rows.Close()

	entries, err := scanEntries(rows)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

// ListCorrelations summarizes chains, most recently active first.
func (s *Store) ListCorrelations(ctx context.Context, limit int) ([]CorrelationSummary, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT correlation_id,
		       COUNT(*),
		       MIN(timestamp),
		       MAX(timestamp),
		       GROUP_CONCAT(DISTINCT source_id)
		FROM traces
		GROUP BY correlation_id
		ORDER BY MAX(created_at) DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing correlations: %w", err)
	}
	defer rows.Close()

	summaries := []CorrelationSummary{}
	for rows.Next() {
		var (
			sum     CorrelationSummary
			sources sql.NullString
		)
		if err := rows.Scan(&sum.CorrelationID, &sum.TraceCount, &sum.FirstTS, &sum.LastTS, &sources); err != nil {
			return nil, fmt.Errorf("scanning correlation summary: %w", err)
		}
		sum.DurationMS = int64(sum.LastTS - sum.FirstTS)
		sum.Sources = []string{}
		if sources.Valid && sources.String != "" {
			sum.Sources = strings.Split(sources.String, ",")
			sort.Strings(sum.Sources)
		}
		summaries = append(summaries, sum)
	}
	return summaries, rows.Err()
}

// Sweep deletes rows whose storage time is older than now minus horizon.
func (s *Store) Sweep(ctx context.Context, horizon time.Duration) (int64, error) {
	if s.closed.Load() {
		return 0, ErrStoreClosed
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	cutoff := unixSeconds(s.now().Add(-horizon))
	res, err := s.db.ExecContext(ctx, "DELETE FROM traces WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("deleting expired traces: %w", err)
	}
	return res.RowsAffected()
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	entries := []Entry{}
	for rows.Next() {
		var (
			e         Entry
			direction string
			data      sql.NullString
			hostname  sql.NullString
			rawLine   sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.SourceID, &e.CorrelationID, &e.Timestamp, &e.Suffix,
			&direction, &e.Operation, &e.Endpoint, &data, &hostname, &rawLine); err != nil {
			return nil, fmt.Errorf("scanning trace: %w", err)
		}
		e.Direction = Direction(direction)
		e.Hostname = hostname.String
		if rawLine.Valid {
			line := rawLine.String
			e.RawLine = &line
		}
		if data.Valid && data.String != "" {
			if err := sonic.UnmarshalString(data.String, &e.Data); err != nil {
				return nil, fmt.Errorf("decoding data for trace %d: %w", e.ID, err)
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func encodeData(data map[string]any) (any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	encoded, err := sonic.MarshalString(data)
	if err != nil {
		return nil, err
	}
	return encoded, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
