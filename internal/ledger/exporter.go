package ledger

import (
	"context"
	"time"

	"github.com/agentbill/agentbill-go/instrument"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Exporter converts closed provider-call spans into records and hands them to
// a Writer. Spans without gen_ai.system (for example HTTP client spans) are
// skipped.
type Exporter struct {
	writer     *Writer
	customerID string
	newID      func() string
	now        func() time.Time
}

var _ sdktrace.SpanExporter = (*Exporter)(nil)

func NewExporter(writer *Writer, customerID string) *Exporter {
	return &Exporter{
		writer:     writer,
		customerID: customerID,
		newID:      uuid.NewString,
		now:        time.Now,
	}
}

// ExportSpans never fails: records that do not fit in the writer queue are
// counted as drops by the writer.
func (e *Exporter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, span := range spans {
		record, ok := e.recordFromSpan(span)
		if !ok {
			continue
		}
		e.writer.Enqueue(record)
	}
	return nil
}

// Shutdown drains the writer. The store stays open; its owner closes it.
func (e *Exporter) Shutdown(ctx context.Context) error {
	return e.writer.Shutdown(ctx)
}

func (e *Exporter) recordFromSpan(span sdktrace.ReadOnlySpan) (*Record, bool) {
	if span == nil {
		return nil, false
	}
	attrs := make(map[string]attribute.Value, len(span.Attributes()))
	for _, kv := range span.Attributes() {
		attrs[string(kv.Key)] = kv.Value
	}
	provider := attrs[instrument.AttrGenAISystem].AsString()
	if provider == "" {
		return nil, false
	}

	record := &Record{
		ID:           e.newID(),
		TraceID:      span.SpanContext().TraceID().String(),
		SpanID:       span.SpanContext().SpanID().String(),
		SpanName:     span.Name(),
		Provider:     provider,
		Model:        attrs[instrument.AttrAIModel].AsString(),
		CustomerID:   e.customerID,
		Status:       statusFromCode(span.Status().Code),
		ErrorType:    attrs[instrument.AttrErrorType].AsString(),
		ErrorMessage: attrs[instrument.AttrErrorMessage].AsString(),
		StartedAt:    span.StartTime().UTC(),
		CreatedAt:    e.now().UTC(),
	}
	if record.ErrorMessage == "" && record.Status == StatusError {
		record.ErrorMessage = span.Status().Description
	}

	if total, ok := attrs[instrument.AttrAITotalTokens]; ok && total.Type() == attribute.INT64 {
		record.HasUsage = true
		record.TotalTokens = total.AsInt64()
		record.PromptTokens = attrs[instrument.AttrAIPromptTokens].AsInt64()
		record.CompletionTokens = attrs[instrument.AttrAICompletionTokens].AsInt64()
	}

	if latency, ok := attrs[instrument.AttrGenAIResponseLatencyMS]; ok && latency.Type() == attribute.INT64 {
		record.LatencyMS = latency.AsInt64()
	} else if end := span.EndTime(); end.After(span.StartTime()) {
		record.LatencyMS = end.Sub(span.StartTime()).Milliseconds()
	}
	return record, true
}

func statusFromCode(code codes.Code) string {
	switch code {
	case codes.Ok:
		return StatusOK
	case codes.Error:
		return StatusError
	default:
		return StatusUnset
	}
}
