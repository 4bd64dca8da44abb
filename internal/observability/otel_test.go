package observability

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentbill/agentbill-go/instrument"
	"github.com/agentbill/agentbill-go/internal/config"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func disabledTelemetry() config.TelemetryConfig {
	cfg := config.Default().Telemetry
	cfg.TracesEnabled = false
	cfg.MetricsEnabled = false
	cfg.BatchTimeoutMS = 10
	return cfg
}

func newTestRuntime(t *testing.T, opts Options) *Runtime {
	t.Helper()

	runtime, err := Setup(context.Background(), opts)
	if err != nil {
		t.Fatalf("Setup() error: %v", err)
	}
	t.Cleanup(func() { _ = runtime.Shutdown(context.Background()) })
	return runtime
}

func TestNewCollectorEndpoint(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		input        string
		wantHost     string
		wantPath     string
		wantInsecure bool
		wantErr      string
	}{
		{name: "default", input: config.DefaultBaseURL, wantHost: "api.agentbill.io", wantPath: "/functions/v1/otel-collector"},
		{name: "http with port", input: "http://localhost:54321", wantHost: "localhost:54321", wantPath: "/functions/v1/otel-collector", wantInsecure: true},
		{name: "base path", input: "https://example.test/agentbill/", wantHost: "example.test", wantPath: "/agentbill/functions/v1/otel-collector"},
		{name: "no scheme", input: "api.agentbill.io", wantErr: "scheme"},
		{name: "empty", input: " ", wantErr: "must not be empty"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			endpoint, err := newCollectorEndpoint(tt.input)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("error=%v, want substring %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("newCollectorEndpoint() error: %v", err)
			}
			if endpoint.host != tt.wantHost || endpoint.path(CollectorPath) != tt.wantPath || endpoint.insecure != tt.wantInsecure {
				t.Fatalf("endpoint=%+v path=%q", endpoint, endpoint.path(CollectorPath))
			}
		})
	}
}

func TestClientSpanName(t *testing.T) {
	t.Parallel()

	if got := clientSpanName("POST", "/functions/v1/record-signals"); got != "agentbill POST /functions/v1/record-signals" {
		t.Fatalf("clientSpanName()=%q", got)
	}
	if got := clientSpanName("", ""); got != "agentbill UNKNOWN /" {
		t.Fatalf("clientSpanName(empty)=%q", got)
	}
}

func TestSetupRejectsInvalidBaseURLWhenExporting(t *testing.T) {
	t.Parallel()

	cfg := disabledTelemetry()
	cfg.TracesEnabled = true
	if _, err := Setup(context.Background(), Options{BaseURL: "ftp://example.test", Telemetry: cfg}); err == nil {
		t.Fatal("Setup() error=nil, want invalid base url error")
	}

	runtime := newTestRuntime(t, Options{BaseURL: "ftp://example.test", Telemetry: disabledTelemetry()})
	if runtime.TracerProvider() == nil {
		t.Fatal("TracerProvider() is nil with export disabled")
	}
}

func TestSetupExportsToCollector(t *testing.T) {
	t.Parallel()

	var (
		mu       sync.Mutex
		requests = map[string]string{}
	)
	collector := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		mu.Lock()
		requests[r.URL.Path] = r.Header.Get("Authorization")
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer collector.Close()

	cfg := config.Default().Telemetry
	cfg.MetricsEnabled = true
	cfg.MetricExportIntervalMS = 25
	cfg.ExportTimeoutMS = 1000
	runtime, err := Setup(context.Background(), Options{
		BaseURL:    collector.URL,
		APIKey:     "ab_test_0123456789",
		CustomerID: "cust-1",
		Telemetry:  cfg,
	})
	if err != nil {
		t.Fatalf("Setup() error: %v", err)
	}

	_, span := runtime.TracerProvider().Tracer("test").Start(context.Background(), "openai.chat.completions.create")
	span.End()
	runtime.ObserveCall(context.Background(), instrument.CallResult{Provider: "openai", Path: "chat.completions.create", Status: instrument.StatusOK})

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := runtime.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return requests[CollectorPath] != "" && requests[MetricsCollectorPath] != ""
	})
	mu.Lock()
	defer mu.Unlock()
	for path, auth := range requests {
		if path != CollectorPath && path != MetricsCollectorPath {
			t.Fatalf("collector observed unexpected path %q", path)
		}
		if auth != "Bearer ab_test_0123456789" {
			t.Fatalf("Authorization on %s=%q", path, auth)
		}
	}
}

func TestSetupExtraExporterReceivesScrubbedSpans(t *testing.T) {
	t.Parallel()

	exporter := tracetest.NewInMemoryExporter()
	runtime := newTestRuntime(t, Options{
		Telemetry:      disabledTelemetry(),
		ServiceVersion: "1.2.3",
		CustomerID:     "cust-42",
		SpanExporters:  []sdktrace.SpanExporter{exporter, nil},
	})

	_, span := runtime.TracerProvider().Tracer("test").Start(context.Background(), "messages.create")
	span.SetAttributes(attribute.String(instrument.AttrErrorMessage, "invalid x-api-key sk-ant-abcdefghijklmnop"))
	span.End()
	if err := runtime.TracerProvider().ForceFlush(context.Background()); err != nil {
		t.Fatalf("ForceFlush() error: %v", err)
	}

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("span count=%d, want 1", len(spans))
	}
	for _, kv := range spans[0].Attributes {
		if ContainsCredential(kv.Value.Emit()) {
			t.Fatalf("attribute %s not scrubbed: %q", kv.Key, kv.Value.Emit())
		}
	}
	resourceAttrs := map[string]string{}
	for _, kv := range spans[0].Resource.Attributes() {
		resourceAttrs[string(kv.Key)] = kv.Value.Emit()
	}
	if resourceAttrs["service.version"] != "1.2.3" || resourceAttrs[customerIDAttribute] != "cust-42" {
		t.Fatalf("resource attributes=%v", resourceAttrs)
	}
}

func collectSums(t *testing.T, reader *sdkmetric.ManualReader) map[string][]metricdata.DataPoint[int64] {
	t.Helper()

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect() error: %v", err)
	}
	out := map[string][]metricdata.DataPoint[int64]{}
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				out[m.Name] = append(out[m.Name], sum.DataPoints...)
			}
		}
	}
	return out
}

func attrValue(set attribute.Set, key string) string {
	value, ok := set.Value(attribute.Key(key))
	if !ok {
		return ""
	}
	return value.Emit()
}

func TestObserveCallRecordsMetrics(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	runtime := newTestRuntime(t, Options{Telemetry: disabledTelemetry(), MetricReaders: []sdkmetric.Reader{reader}})

	runtime.ObserveCall(context.Background(), instrument.CallResult{
		Provider: "openai",
		Path:     "chat.completions.create",
		Model:    "gpt-4o-mini",
		Status:   instrument.StatusOK,
		Latency:  120 * time.Millisecond,
		Usage:    &instrument.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	})
	runtime.ObserveCall(context.Background(), instrument.CallResult{
		Provider:  "anthropic",
		Path:      "messages.create",
		Model:     "claude-overloaded",
		Status:    instrument.StatusError,
		ErrorType: "*anthropic.Error",
	})

	sums := collectSums(t, reader)

	calls := sums["agentbill.provider.calls"]
	if len(calls) != 2 {
		t.Fatalf("call data points=%d, want 2", len(calls))
	}
	for _, point := range calls {
		if point.Value != 1 {
			t.Fatalf("call count=%d, want 1", point.Value)
		}
		if attrValue(point.Attributes, "provider") == "anthropic" {
			if attrValue(point.Attributes, "status") != "error" || attrValue(point.Attributes, "error_type") != "*anthropic.Error" {
				t.Fatalf("failed call attributes=%v", point.Attributes.ToSlice())
			}
		}
	}

	tokens := map[string]int64{}
	for _, point := range sums["agentbill.provider.tokens"] {
		tokens[attrValue(point.Attributes, "token_type")] += point.Value
		if attrValue(point.Attributes, "model") != "gpt-4o-mini" {
			t.Fatalf("token model=%q", attrValue(point.Attributes, "model"))
		}
	}
	if tokens["prompt"] != 10 || tokens["completion"] != 5 || len(tokens) != 2 {
		t.Fatalf("tokens=%v", tokens)
	}
}

func TestLedgerCountersIncludeAttributes(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	runtime := newTestRuntime(t, Options{Telemetry: disabledTelemetry(), MetricReaders: []sdkmetric.Reader{reader}})

	runtime.RecordLedgerQueueDrop(" openai ")
	runtime.RecordLedgerQueueDrop("openai")
	runtime.RecordLedgerWriteFailure("write_batch", 3)
	runtime.RecordLedgerWriteFailure("write_batch", 0)

	sums := collectSums(t, reader)

	dropped := sums["agentbill.ledger.queue_dropped"]
	if len(dropped) != 1 || dropped[0].Value != 2 || attrValue(dropped[0].Attributes, "provider") != "openai" {
		t.Fatalf("queue dropped=%+v", dropped)
	}
	failed := sums["agentbill.ledger.write_failed"]
	if len(failed) != 1 || failed[0].Value != 3 || attrValue(failed[0].Attributes, "operation") != "write_batch" {
		t.Fatalf("write failed=%+v", failed)
	}
}

func TestLedgerFlushAndQueueDepthMetrics(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	runtime := newTestRuntime(t, Options{Telemetry: disabledTelemetry(), MetricReaders: []sdkmetric.Reader{reader}})

	runtime.RecordLedgerFlush(4, 20*time.Millisecond)
	runtime.RecordLedgerFlush(2, 10*time.Millisecond)
	runtime.RecordLedgerFlush(0, time.Second)
	var depth atomic.Int64
	depth.Store(7)
	if err := runtime.RegisterLedgerQueueDepthGauge(func() int { return int(depth.Load()) }); err != nil {
		t.Fatalf("RegisterLedgerQueueDepthGauge() error: %v", err)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect() error: %v", err)
	}
	var (
		flushed    int64
		flushCount uint64
		queueDepth int64
		sawGauge   bool
	)
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				if m.Name == "agentbill.ledger.flushed" {
					for _, point := range data.DataPoints {
						flushed += point.Value
					}
				}
			case metricdata.Histogram[float64]:
				if m.Name == "agentbill.ledger.flush.duration" {
					for _, point := range data.DataPoints {
						flushCount += point.Count
					}
				}
			case metricdata.Gauge[int64]:
				if m.Name == "agentbill.ledger.queue_depth" && len(data.DataPoints) == 1 {
					queueDepth = data.DataPoints[0].Value
					sawGauge = true
				}
			}
		}
	}
	if flushed != 6 || flushCount != 2 {
		t.Fatalf("flushed=%d flush count=%d, want 6 and 2", flushed, flushCount)
	}
	if !sawGauge || queueDepth != 7 {
		t.Fatalf("queue depth gauge=%d seen=%v, want 7", queueDepth, sawGauge)
	}
}

func TestWrapHTTPTransportPropagatesTraceContext(t *testing.T) {
	t.Parallel()

	traceparent := make(chan string, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceparent <- r.Header.Get("traceparent")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	exporter := tracetest.NewInMemoryExporter()
	runtime := newTestRuntime(t, Options{Telemetry: disabledTelemetry(), SpanExporters: []sdktrace.SpanExporter{exporter}})
	client := &http.Client{Transport: runtime.WrapHTTPTransport(nil)}

	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, server.URL+"/functions/v1/record-signals", strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("NewRequest() error: %v", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Do() error: %v", err)
	}
	_ = resp.Body.Close()

	if got := <-traceparent; !strings.HasPrefix(got, "00-") {
		t.Fatalf("traceparent=%q, want W3C header", got)
	}
	if err := runtime.TracerProvider().ForceFlush(context.Background()); err != nil {
		t.Fatalf("ForceFlush() error: %v", err)
	}
	spans := exporter.GetSpans()
	if len(spans) != 1 || spans[0].Name != "agentbill POST /functions/v1/record-signals" {
		t.Fatalf("spans=%+v", spans)
	}
}

func TestRuntimeGuardsDoNotPanic(t *testing.T) {
	t.Parallel()

	var runtime *Runtime
	runtime.ObserveCall(context.Background(), instrument.CallResult{})
	runtime.RecordLedgerQueueDrop("openai")
	runtime.RecordLedgerWriteFailure("write_batch", 1)
	runtime.RecordLedgerFlush(1, time.Millisecond)
	if err := runtime.RegisterLedgerQueueDepthGauge(func() int { return 0 }); err != nil {
		t.Fatalf("nil RegisterLedgerQueueDepthGauge() error: %v", err)
	}
	if err := runtime.Shutdown(context.Background()); err != nil {
		t.Fatalf("nil Shutdown() error: %v", err)
	}
	if got := runtime.WrapHTTPTransport(nil); got != http.DefaultTransport {
		t.Fatalf("nil runtime transport=%T, want default transport", got)
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	t.Parallel()

	runtime, err := Setup(context.Background(), Options{Telemetry: disabledTelemetry()})
	if err != nil {
		t.Fatalf("Setup() error: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := runtime.Shutdown(context.Background()); err != nil {
			t.Fatalf("Shutdown() #%d error: %v", i+1, err)
		}
	}
}

func waitFor(t *testing.T, timeout time.Duration, predicate func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if predicate() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestFlushMetricsReachesReader(t *testing.T) {
	t.Parallel()

	exporter := &countingMetricExporter{}
	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(time.Hour))
	runtime := newTestRuntime(t, Options{Telemetry: disabledTelemetry(), MetricReaders: []sdkmetric.Reader{reader}})

	runtime.ObserveCall(context.Background(), instrument.CallResult{Provider: "openai", Path: "embeddings.create", Status: instrument.StatusOK})
	if err := runtime.FlushMetrics(context.Background()); err != nil {
		t.Fatalf("FlushMetrics() error: %v", err)
	}
	if exporter.exports.Load() == 0 {
		t.Fatal("FlushMetrics() did not export")
	}

	var nilRuntime *Runtime
	if err := nilRuntime.FlushMetrics(context.Background()); err != nil {
		t.Fatalf("nil FlushMetrics() error: %v", err)
	}
}

type countingMetricExporter struct {
	exports atomic.Int64
}

func (e *countingMetricExporter) Temporality(kind sdkmetric.InstrumentKind) metricdata.Temporality {
	return sdkmetric.DefaultTemporalitySelector(kind)
}

func (e *countingMetricExporter) Aggregation(kind sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return sdkmetric.DefaultAggregationSelector(kind)
}

func (e *countingMetricExporter) Export(context.Context, *metricdata.ResourceMetrics) error {
	e.exports.Add(1)
	return nil
}

func (e *countingMetricExporter) ForceFlush(context.Context) error { return nil }

func (e *countingMetricExporter) Shutdown(context.Context) error { return nil }
