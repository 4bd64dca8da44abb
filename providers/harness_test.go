package providers

import (
	"context"
	"net/http"
	"sync"
	"testing"

	"github.com/agentbill/agentbill-go/instrument"
	"github.com/agentbill/agentbill-go/internal/recorder"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

type harness struct {
	recorder *recorder.Recorder
	exporter *tracetest.InMemoryExporter
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	exporter := tracetest.NewInMemoryExporter()
	provider := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	rec := recorder.New(provider, recorder.Options{})
	t.Cleanup(func() {
		_ = rec.Shutdown(context.Background())
	})
	return &harness{recorder: rec, exporter: exporter}
}

func (h *harness) instrumenter(table instrument.Table) *instrument.Instrumenter {
	return instrument.NewInstrumenter(table, h.recorder, nil)
}

func (h *harness) spans(t *testing.T) tracetest.SpanStubs {
	t.Helper()
	h.recorder.Flush(context.Background())
	if open := h.recorder.OpenSpans(); open != 0 {
		t.Fatalf("open spans=%d after call returned, want 0", open)
	}
	return h.exporter.GetSpans()
}

func attrs(span tracetest.SpanStub) map[string]any {
	out := make(map[string]any, len(span.Attributes))
	for _, kv := range span.Attributes {
		out[string(kv.Key)] = kv.Value.AsInterface()
	}
	return out
}

func hasUsage(values map[string]any) bool {
	for _, key := range instrument.UsageAttributeKeys {
		if _, ok := values[key]; ok {
			return true
		}
	}
	return false
}

// requestLog records the paths a fake provider server receives.
type requestLog struct {
	mu    sync.Mutex
	paths []string
}

func (l *requestLog) record(r *http.Request) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.paths = append(l.paths, r.Method+" "+r.URL.Path)
}

func (l *requestLog) Paths() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.paths...)
}
