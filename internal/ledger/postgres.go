package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/agentbill/agentbill-go/migrations"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type PostgresStore struct {
	DSN string
	db  *sql.DB
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("postgres dsn cannot be empty")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres database: %w", err)
	}
	store := &PostgresStore{DSN: dsn, db: db}
	if err := store.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := migrations.Apply(context.Background(), db, migrations.DriverPostgres); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure postgres schema: %w", err)
	}
	return store, nil
}

func (s *PostgresStore) configure() error {
	s.db.SetMaxOpenConns(10)
	s.db.SetMaxIdleConns(5)
	s.db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresStore) WriteRecord(ctx context.Context, record *Record) error {
	if record == nil {
		return nil
	}
	return s.WriteBatch(ctx, []*Record{record})
}

// WriteBatch inserts records in one statement. Ids already present are
// skipped so a retried batch does not fail on the rows it already wrote.
func (s *PostgresStore) WriteBatch(ctx context.Context, records []*Record) error {
	now := time.Now()
	values := make([]string, 0, len(records))
	args := make([]any, 0, len(records)*17)
	for _, record := range records {
		if record == nil {
			continue
		}
		row := normalizeRecord(record, now)
		placeholders := make([]string, 0, 17)
		for _, arg := range postgresArgs(row) {
			args = append(args, arg)
			placeholders = append(placeholders, fmt.Sprintf("$%d", len(args)))
		}
		values = append(values, "("+strings.Join(placeholders, ", ")+")")
	}
	if len(values) == 0 {
		return nil
	}

	query := "INSERT INTO usage_records (" + recordColumns + ") VALUES " +
		strings.Join(values, ", ") + " ON CONFLICT (id) DO NOTHING"
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("write %d records: %w", len(values), err)
	}
	return nil
}

func postgresArgs(row *Record) []any {
	return []any{
		row.ID, row.TraceID, row.SpanID, row.SpanName, row.Provider, row.Model, row.CustomerID, row.Status,
		row.ErrorType, row.ErrorMessage, row.HasUsage, row.PromptTokens, row.CompletionTokens, row.TotalTokens,
		row.LatencyMS, row.StartedAt, row.CreatedAt,
	}
}

func (s *PostgresStore) GetRecord(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+recordColumns+" FROM usage_records WHERE id = $1 LIMIT 1", id)
	record, err := scanPostgresRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get record %q: %w", id, err)
	}
	return record, nil
}

func (s *PostgresStore) QueryRecords(ctx context.Context, filter Filter) ([]*Record, error) {
	b := buildPostgresWhere(filter)
	limit := b.addArg(queryLimit(filter.Limit))
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+recordColumns+" FROM usage_records WHERE "+b.where()+" ORDER BY started_at DESC, id DESC LIMIT "+limit,
		b.args...,
	)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		record, err := scanPostgresRecord(rows)
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

func (s *PostgresStore) UsageSummary(ctx context.Context, filter Filter) ([]UsageRow, error) {
	b := buildPostgresWhere(filter)
	rows, err := s.db.QueryContext(ctx, `
SELECT provider, model, COUNT(*),
       COUNT(*) FILTER (WHERE status = 'error'),
       COALESCE(SUM(prompt_tokens), 0), COALESCE(SUM(completion_tokens), 0), COALESCE(SUM(total_tokens), 0),
       COALESCE(AVG(latency_ms), 0)::DOUBLE PRECISION
FROM usage_records WHERE `+b.where()+`
GROUP BY provider, model
ORDER BY provider, model`, b.args...)
	if err != nil {
		return nil, fmt.Errorf("query usage summary: %w", err)
	}
	defer rows.Close()
	return scanUsageRows(rows)
}

func scanPostgresRecord(scanner rowScanner) (*Record, error) {
	var record Record
	if err := scanner.Scan(
		&record.ID, &record.TraceID, &record.SpanID, &record.SpanName, &record.Provider, &record.Model,
		&record.CustomerID, &record.Status, &record.ErrorType, &record.ErrorMessage, &record.HasUsage,
		&record.PromptTokens, &record.CompletionTokens, &record.TotalTokens, &record.LatencyMS,
		&record.StartedAt, &record.CreatedAt,
	); err != nil {
		return nil, err
	}
	record.StartedAt = record.StartedAt.UTC()
	record.CreatedAt = record.CreatedAt.UTC()
	return &record, nil
}

type postgresWhereBuilder struct {
	conditions []string
	args       []any
}

func buildPostgresWhere(filter Filter) *postgresWhereBuilder {
	b := &postgresWhereBuilder{}
	if filter.Provider != "" {
		b.addComparison("provider", "=", filter.Provider)
	}
	if filter.Model != "" {
		b.addComparison("model", "=", filter.Model)
	}
	if filter.CustomerID != "" {
		b.addComparison("customer_id", "=", filter.CustomerID)
	}
	if !filter.From.IsZero() {
		b.addComparison("started_at", ">=", filter.From.UTC())
	}
	if !filter.To.IsZero() {
		b.addComparison("started_at", "<=", filter.To.UTC())
	}
	return b
}

func (b *postgresWhereBuilder) addArg(value any) string {
	b.args = append(b.args, value)
	return fmt.Sprintf("$%d", len(b.args))
}

func (b *postgresWhereBuilder) addComparison(column, operator string, value any) {
	b.conditions = append(b.conditions, column+" "+operator+" "+b.addArg(value))
}

func (b *postgresWhereBuilder) where() string {
	if len(b.conditions) == 0 {
		return "1=1"
	}
	return strings.Join(b.conditions, " AND ")
}
