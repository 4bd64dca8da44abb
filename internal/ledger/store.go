package ledger

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("ledger record not found")

// Store persists usage records. Implementations must be safe for concurrent
// use.
type Store interface {
	WriteRecord(ctx context.Context, record *Record) error
	WriteBatch(ctx context.Context, records []*Record) error
	GetRecord(ctx context.Context, id string) (*Record, error)
	QueryRecords(ctx context.Context, filter Filter) ([]*Record, error)
	UsageSummary(ctx context.Context, filter Filter) ([]UsageRow, error)
	Close() error
}

// Filter narrows queries. Zero fields match everything.
type Filter struct {
	Provider   string
	Model      string
	CustomerID string
	From       time.Time
	To         time.Time
	Limit      int
}

// UsageRow aggregates calls for one provider and model.
type UsageRow struct {
	Provider         string  `json:"provider"`
	Model            string  `json:"model"`
	Calls            int64   `json:"calls"`
	Errors           int64   `json:"errors"`
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	TotalTokens      int64   `json:"total_tokens"`
	AvgLatencyMS     float64 `json:"avg_latency_ms"`
}

const (
	defaultQueryLimit = 50
	maxQueryLimit     = 500
)

func queryLimit(limit int) int {
	if limit <= 0 {
		return defaultQueryLimit
	}
	if limit > maxQueryLimit {
		return maxQueryLimit
	}
	return limit
}
