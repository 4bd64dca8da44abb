package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/agentbill/agentbill-go/instrument"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func newTestExporter(t *testing.T) (*Exporter, *memoryStore) {
	t.Helper()

	store := newMemoryStore()
	writer := NewWriter(store, WriterOptions{QueueSize: 16, BatchSize: 4, FlushInterval: time.Hour})
	writer.Start(context.Background())
	exporter := NewExporter(writer, "cust-7")
	ids := 0
	exporter.newID = func() string {
		ids++
		return "id-" + string(rune('0'+ids))
	}
	exporter.now = func() time.Time { return time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC) }
	t.Cleanup(func() { _ = exporter.Shutdown(context.Background()) })
	return exporter, store
}

func TestExporterConvertsProviderSpans(t *testing.T) {
	t.Parallel()

	exporter, store := newTestExporter(t)
	start := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

	spans := tracetest.SpanStubs{
		{
			Name: "openai.chat.completions.create",
			SpanContext: trace.NewSpanContext(trace.SpanContextConfig{
				TraceID: trace.TraceID{0x0a},
				SpanID:  trace.SpanID{0x0b},
			}),
			StartTime: start,
			EndTime:   start.Add(250 * time.Millisecond),
			Attributes: []attribute.KeyValue{
				attribute.String(instrument.AttrGenAISystem, "openai"),
				attribute.String(instrument.AttrAIModel, "gpt-4o-mini"),
				attribute.Int64(instrument.AttrGenAIResponseLatencyMS, 240),
				attribute.Int64(instrument.AttrAIPromptTokens, 10),
				attribute.Int64(instrument.AttrAICompletionTokens, 5),
				attribute.Int64(instrument.AttrAITotalTokens, 15),
			},
			Status: sdktrace.Status{Code: codes.Ok},
		},
		{
			Name:      "anthropic.messages.create",
			StartTime: start,
			EndTime:   start.Add(30 * time.Millisecond),
			Attributes: []attribute.KeyValue{
				attribute.String(instrument.AttrGenAISystem, "anthropic"),
				attribute.String(instrument.AttrAIModel, "claude-overloaded"),
				attribute.Bool(instrument.AttrError, true),
				attribute.String(instrument.AttrErrorType, "*anthropic.Error"),
			},
			Status: sdktrace.Status{Code: codes.Error, Description: "529 Overloaded"},
		},
		{
			Name:       "agentbill POST /functions/v1/record-signals",
			Attributes: []attribute.KeyValue{attribute.String("http.request.method", "POST")},
		},
	}.Snapshots()

	if err := exporter.ExportSpans(context.Background(), spans); err != nil {
		t.Fatalf("ExportSpans() error: %v", err)
	}
	if err := exporter.writer.Flush(context.Background()); err != nil {
		t.Fatalf("Flush() error: %v", err)
	}
	if got := store.Count(); got != 2 {
		t.Fatalf("stored=%d, want 2 (non-provider span skipped)", got)
	}

	ok, err := store.GetRecord(context.Background(), "id-1")
	if err != nil {
		t.Fatalf("GetRecord(id-1) error: %v", err)
	}
	if ok.Provider != "openai" || ok.Model != "gpt-4o-mini" || ok.Status != StatusOK || ok.CustomerID != "cust-7" {
		t.Fatalf("success record=%+v", ok)
	}
	if !ok.HasUsage || ok.PromptTokens != 10 || ok.CompletionTokens != 5 || ok.TotalTokens != 15 || ok.LatencyMS != 240 {
		t.Fatalf("success usage=%+v", ok)
	}
	if ok.TraceID != (trace.TraceID{0x0a}).String() || ok.SpanID != (trace.SpanID{0x0b}).String() {
		t.Fatalf("span identity=%s/%s", ok.TraceID, ok.SpanID)
	}

	failed, err := store.GetRecord(context.Background(), "id-2")
	if err != nil {
		t.Fatalf("GetRecord(id-2) error: %v", err)
	}
	if failed.Status != StatusError || failed.ErrorMessage != "529 Overloaded" || failed.ErrorType != "*anthropic.Error" {
		t.Fatalf("failed record=%+v", failed)
	}
	if failed.HasUsage || failed.LatencyMS != 30 {
		t.Fatalf("failed record usage/latency=%+v", failed)
	}
}

func TestExporterShutdownDrainsWriter(t *testing.T) {
	t.Parallel()

	store := newMemoryStore()
	writer := NewWriter(store, WriterOptions{QueueSize: 16, BatchSize: 64, FlushInterval: time.Hour})
	writer.Start(context.Background())
	exporter := NewExporter(writer, "")

	provider := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	_, span := provider.Tracer("test").Start(context.Background(), "openai.embeddings.create")
	span.SetAttributes(attribute.String(instrument.AttrGenAISystem, "openai"))
	span.End()

	if err := provider.Shutdown(context.Background()); err != nil {
		t.Fatalf("provider Shutdown() error: %v", err)
	}
	if got := store.Count(); got != 1 {
		t.Fatalf("stored=%d, want 1", got)
	}
	if writer.Enqueue(testRecord(9)) {
		t.Fatal("writer still accepting after exporter shutdown")
	}
}
