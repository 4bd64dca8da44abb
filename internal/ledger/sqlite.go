package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/agentbill/agentbill-go/migrations"

	_ "modernc.org/sqlite"
)

const (
	sqliteBusyMaxRetries     = 5
	sqliteBusyInitialBackoff = 10 * time.Millisecond
	sqliteBusyMaxBackoff     = 200 * time.Millisecond

	// Fixed width keeps lexical order equal to time order for range filters.
	sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"
)

const recordColumns = `id, trace_id, span_id, span_name, provider, model, customer_id, status,
error_type, error_message, has_usage, prompt_tokens, completion_tokens, total_tokens,
latency_ms, started_at, created_at`

type SQLiteStore struct {
	Path string
	db   *sql.DB
	// SQLite allows one writer at a time.
	writeMu sync.Mutex
}

var _ Store = (*SQLiteStore)(nil)

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path cannot be empty")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory %q: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database %q: %w", path, err)
	}
	store := &SQLiteStore{Path: path, db: db}
	if err := store.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := migrations.Apply(context.Background(), db, migrations.DriverSQLite); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure sqlite schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) configure() error {
	for _, pragma := range []string{
		`PRAGMA journal_mode = WAL;`,
		`PRAGMA synchronous = NORMAL;`,
		`PRAGMA busy_timeout = 5000;`,
	} {
		if _, err := s.db.Exec(pragma); err != nil {
			return fmt.Errorf("configure sqlite (%s): %w", pragma, err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) WriteRecord(ctx context.Context, record *Record) error {
	if record == nil {
		return nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	row := normalizeRecord(record, time.Now())
	err := retrySQLiteBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, insertSQLiteRecord, sqliteArgs(row)...)
		return err
	})
	if err != nil {
		return fmt.Errorf("write record %q: %w", row.ID, err)
	}
	return nil
}

func (s *SQLiteStore) WriteBatch(ctx context.Context, records []*Record) error {
	if len(records) == 0 {
		return nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	now := time.Now()
	err := retrySQLiteBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin sqlite batch transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		stmt, err := tx.PrepareContext(ctx, insertSQLiteRecord)
		if err != nil {
			return fmt.Errorf("prepare sqlite batch insert: %w", err)
		}
		defer stmt.Close()

		for _, record := range records {
			if record == nil {
				continue
			}
			row := normalizeRecord(record, now)
			if _, err := stmt.ExecContext(ctx, sqliteArgs(row)...); err != nil {
				return fmt.Errorf("insert record %q: %w", row.ID, err)
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return fmt.Errorf("write record batch: %w", err)
	}
	return nil
}

const insertSQLiteRecord = `INSERT INTO usage_records (` + recordColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

func sqliteArgs(row *Record) []any {
	hasUsage := 0
	if row.HasUsage {
		hasUsage = 1
	}
	return []any{
		row.ID, row.TraceID, row.SpanID, row.SpanName, row.Provider, row.Model, row.CustomerID, row.Status,
		row.ErrorType, row.ErrorMessage, hasUsage, row.PromptTokens, row.CompletionTokens, row.TotalTokens,
		row.LatencyMS, row.StartedAt.Format(sqliteTimeLayout), row.CreatedAt.Format(sqliteTimeLayout),
	}
}

func (s *SQLiteStore) GetRecord(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+recordColumns+" FROM usage_records WHERE id = ? LIMIT 1", id)
	record, err := scanSQLiteRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get record %q: %w", id, err)
	}
	return record, nil
}

func (s *SQLiteStore) QueryRecords(ctx context.Context, filter Filter) ([]*Record, error) {
	whereSQL, args := buildSQLiteWhere(filter)
	args = append(args, queryLimit(filter.Limit))
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+recordColumns+" FROM usage_records WHERE "+whereSQL+" ORDER BY started_at DESC, id DESC LIMIT ?",
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		record, err := scanSQLiteRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record row: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate record rows: %w", err)
	}
	return records, nil
}

func (s *SQLiteStore) UsageSummary(ctx context.Context, filter Filter) ([]UsageRow, error) {
	whereSQL, args := buildSQLiteWhere(filter)
	rows, err := s.db.QueryContext(ctx, `
SELECT provider, model, COUNT(*),
       COALESCE(SUM(CASE WHEN status = 'error' THEN 1 ELSE 0 END), 0),
       COALESCE(SUM(prompt_tokens), 0), COALESCE(SUM(completion_tokens), 0), COALESCE(SUM(total_tokens), 0),
       COALESCE(AVG(latency_ms), 0)
FROM usage_records WHERE `+whereSQL+`
GROUP BY provider, model
ORDER BY provider, model`, args...)
	if err != nil {
		return nil, fmt.Errorf("query usage summary: %w", err)
	}
	defer rows.Close()
	return scanUsageRows(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUsageRows(rows *sql.Rows) ([]UsageRow, error) {
	var out []UsageRow
	for rows.Next() {
		var row UsageRow
		if err := rows.Scan(&row.Provider, &row.Model, &row.Calls, &row.Errors,
			&row.PromptTokens, &row.CompletionTokens, &row.TotalTokens, &row.AvgLatencyMS); err != nil {
			return nil, fmt.Errorf("scan usage row: %w", err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate usage rows: %w", err)
	}
	return out, nil
}

func scanSQLiteRecord(scanner rowScanner) (*Record, error) {
	var (
		record             Record
		hasUsage           int
		startedAt, created string
	)
	if err := scanner.Scan(
		&record.ID, &record.TraceID, &record.SpanID, &record.SpanName, &record.Provider, &record.Model,
		&record.CustomerID, &record.Status, &record.ErrorType, &record.ErrorMessage, &hasUsage,
		&record.PromptTokens, &record.CompletionTokens, &record.TotalTokens, &record.LatencyMS,
		&startedAt, &created,
	); err != nil {
		return nil, err
	}
	record.HasUsage = hasUsage != 0

	var err error
	if record.StartedAt, err = time.Parse(sqliteTimeLayout, startedAt); err != nil {
		return nil, fmt.Errorf("parse started_at %q: %w", startedAt, err)
	}
	if record.CreatedAt, err = time.Parse(sqliteTimeLayout, created); err != nil {
		return nil, fmt.Errorf("parse created_at %q: %w", created, err)
	}
	return &record, nil
}

func buildSQLiteWhere(filter Filter) (string, []any) {
	where := make([]string, 0, 5)
	args := make([]any, 0, 6)
	if filter.Provider != "" {
		where = append(where, "provider = ?")
		args = append(args, filter.Provider)
	}
	if filter.Model != "" {
		where = append(where, "model = ?")
		args = append(args, filter.Model)
	}
	if filter.CustomerID != "" {
		where = append(where, "customer_id = ?")
		args = append(args, filter.CustomerID)
	}
	if !filter.From.IsZero() {
		where = append(where, "started_at >= ?")
		args = append(args, filter.From.UTC().Format(sqliteTimeLayout))
	}
	if !filter.To.IsZero() {
		where = append(where, "started_at <= ?")
		args = append(args, filter.To.UTC().Format(sqliteTimeLayout))
	}
	if len(where) == 0 {
		return "1=1", args
	}
	return strings.Join(where, " AND "), args
}

// retrySQLiteBusy retries lock contention with capped exponential backoff.
func retrySQLiteBusy(ctx context.Context, fn func() error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	for retries := 0; ; retries++ {
		err := fn()
		if err == nil {
			return nil
		}
		if ClassifyWriteError(err) != WriteErrorClassContention || retries >= sqliteBusyMaxRetries {
			return err
		}
		wait := sqliteBusyInitialBackoff << retries
		if wait > sqliteBusyMaxBackoff {
			wait = sqliteBusyMaxBackoff
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
