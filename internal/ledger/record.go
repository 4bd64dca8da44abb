// Package ledger keeps an optional local copy of every closed provider-call
// span so usage can be reported without the AgentBill backend.
package ledger

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	StatusOK    = "ok"
	StatusError = "error"
	StatusUnset = "unset"
)

// Record is one provider call as persisted in usage_records.
type Record struct {
	ID               string
	TraceID          string
	SpanID           string
	SpanName         string
	Provider         string
	Model            string
	CustomerID       string
	Status           string
	ErrorType        string
	ErrorMessage     string
	HasUsage         bool
	PromptTokens     int64
	CompletionTokens int64
	TotalTokens      int64
	LatencyMS        int64
	StartedAt        time.Time
	CreatedAt        time.Time
}

func normalizeRecord(in *Record, now time.Time) *Record {
	row := *in
	if strings.TrimSpace(row.ID) == "" {
		row.ID = uuid.NewString()
	}
	row.Provider = strings.TrimSpace(row.Provider)
	row.Model = strings.TrimSpace(row.Model)
	if row.Model == "" {
		row.Model = "unknown"
	}
	switch row.Status {
	case StatusOK, StatusError:
	default:
		row.Status = StatusUnset
	}
	if !row.HasUsage {
		row.PromptTokens, row.CompletionTokens, row.TotalTokens = 0, 0, 0
	}
	if row.LatencyMS < 0 {
		row.LatencyMS = 0
	}
	if row.StartedAt.IsZero() {
		row.StartedAt = now
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = now
	}
	row.StartedAt = row.StartedAt.UTC()
	row.CreatedAt = row.CreatedAt.UTC()
	return &row
}
