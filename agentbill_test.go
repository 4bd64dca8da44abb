package agentbill

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agentbill/agentbill-go/internal/ledger"
	"github.com/agentbill/agentbill-go/providers"
	"github.com/sashabaranov/go-openai"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	oteltrace "go.opentelemetry.io/otel/trace"
)

func newFakeOpenAI(t *testing.T) *openai.Client {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"chatcmpl-1","object":"chat.completion","model":"gpt-4o-mini","choices":[{"index":0,"message":{"role":"assistant","content":"hi"},"finish_reason":"stop"}],"usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15}}`))
	})
	mux.HandleFunc("/v1/moderations", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"modr-1","model":"omni-moderation-latest","results":[{"flagged":false}]}`))
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	cfg := openai.DefaultConfig("sk-test-key")
	cfg.BaseURL = server.URL + "/v1"
	return openai.NewClientWithConfig(cfg)
}

// localConfig exports nothing to the backend.
func localConfig() Config {
	cfg := DefaultConfig()
	cfg.CustomerID = "cust-42"
	cfg.Telemetry.TracesEnabled = false
	cfg.Telemetry.MetricsEnabled = false
	return cfg
}

func chatRequest() openai.ChatCompletionRequest {
	return openai.ChatCompletionRequest{
		Model:    "gpt-4o-mini",
		Messages: []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleUser, Content: "hello"}},
	}
}

func initClient(t *testing.T, cfg Config, opts ...Option) *Client {
	t.Helper()

	client, err := Init(context.Background(), cfg, opts...)
	if err != nil {
		t.Fatalf("Init() error: %v", err)
	}
	t.Cleanup(func() { _ = client.Shutdown(context.Background()) })
	return client
}

func TestInitRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "empty base url",
			mutate:  func(cfg *Config) { cfg.BaseURL = "" },
			wantErr: "base_url",
		},
		{
			name: "traces without api key",
			mutate: func(cfg *Config) {
				cfg.Telemetry.TracesEnabled = true
				cfg.APIKey = ""
			},
			wantErr: "api_key",
		},
		{
			name:    "unknown ledger driver",
			mutate:  func(cfg *Config) { cfg.Ledger.Driver = "mysql" },
			wantErr: "ledger.driver",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := localConfig()
			tt.mutate(&cfg)
			client, err := Init(context.Background(), cfg)
			if err == nil {
				_ = client.Shutdown(context.Background())
				t.Fatal("Init() error=nil, want validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error=%q, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestWrappedOpenAIExportsSpan(t *testing.T) {
	t.Parallel()

	exporter := tracetest.NewInMemoryExporter()
	client := initClient(t, localConfig(), WithSpanExporter(exporter))
	wrapped := client.WrapOpenAI(newFakeOpenAI(t))

	resp, err := wrapped.CreateChatCompletion(context.Background(), chatRequest())
	if err != nil {
		t.Fatalf("CreateChatCompletion() error: %v", err)
	}
	if resp.Choices[0].Message.Content != "hi" {
		t.Fatalf("content=%q, want hi", resp.Choices[0].Message.Content)
	}
	if client.OpenSpans() != 0 {
		t.Fatalf("open spans=%d, want 0", client.OpenSpans())
	}

	client.Flush(context.Background())

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("span count=%d, want 1", len(spans))
	}
	if spans[0].Name != "openai.chat.completions.create" {
		t.Fatalf("span name=%q", spans[0].Name)
	}
	values := map[string]any{}
	for _, kv := range spans[0].Attributes {
		values[string(kv.Key)] = kv.Value.AsInterface()
	}
	if values["ai.total_tokens"] != int64(15) {
		t.Fatalf("ai.total_tokens=%v, want 15", values["ai.total_tokens"])
	}
	customer, ok := spans[0].Resource.Set().Value("agentbill.customer_id")
	if !ok || customer.AsString() != "cust-42" {
		t.Fatalf("customer resource attribute=%v ok=%v", customer, ok)
	}
}

func TestCallUnderUnsampledParentIsRecorded(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "agentbill.db")
	cfg := localConfig()
	cfg.Telemetry.SamplingRatio = 0
	cfg.Ledger.Driver = "sqlite"
	cfg.Ledger.Path = path
	exporter := tracetest.NewInMemoryExporter()
	client := initClient(t, cfg, WithSpanExporter(exporter))
	wrapped := client.WrapOpenAI(newFakeOpenAI(t))

	// A host application sampling its own traces out.
	parent := oteltrace.NewSpanContext(oteltrace.SpanContextConfig{
		TraceID: oteltrace.TraceID{1, 2, 3},
		SpanID:  oteltrace.SpanID{4, 5, 6},
		Remote:  true,
	})
	ctx := oteltrace.ContextWithRemoteSpanContext(context.Background(), parent)
	if _, err := wrapped.CreateChatCompletion(ctx, chatRequest()); err != nil {
		t.Fatalf("CreateChatCompletion() error: %v", err)
	}
	client.Flush(context.Background())

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("exported spans=%d, want 1", len(spans))
	}
	if spans[0].SpanContext.TraceID() != parent.TraceID() {
		t.Fatalf("trace id=%s, want %s", spans[0].SpanContext.TraceID(), parent.TraceID())
	}
	if spans[0].Parent.SpanID() != parent.SpanID() {
		t.Fatalf("parent span id=%s, want %s", spans[0].Parent.SpanID(), parent.SpanID())
	}

	if err := client.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
	store, err := ledger.NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("NewSQLiteStore() error: %v", err)
	}
	defer store.Close()
	records, err := store.QueryRecords(context.Background(), ledger.Filter{})
	if err != nil {
		t.Fatalf("QueryRecords() error: %v", err)
	}
	if len(records) != 1 || records[0].TraceID != parent.TraceID().String() {
		t.Fatalf("ledger records=%+v, want one record in the parent trace", records)
	}
}

func TestDisabledPathSkipsSpan(t *testing.T) {
	t.Parallel()

	cfg := localConfig()
	cfg.Providers.OpenAI.DisabledPaths = []string{providers.PathModerations}
	exporter := tracetest.NewInMemoryExporter()
	client := initClient(t, cfg, WithSpanExporter(exporter))
	wrapped := client.WrapOpenAI(newFakeOpenAI(t))

	if _, err := wrapped.Moderations(context.Background(), openai.ModerationRequest{Input: "ok"}); err != nil {
		t.Fatalf("Moderations() error: %v", err)
	}
	if _, err := wrapped.CreateChatCompletion(context.Background(), chatRequest()); err != nil {
		t.Fatalf("CreateChatCompletion() error: %v", err)
	}
	client.Flush(context.Background())

	spans := exporter.GetSpans()
	if len(spans) != 1 || spans[0].Name != "openai.chat.completions.create" {
		names := make([]string, 0, len(spans))
		for _, span := range spans {
			names = append(names, span.Name)
		}
		t.Fatalf("spans=%v, want only chat completions", names)
	}
}

func TestLedgerPersistsCalls(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "ledger", "agentbill.db")
	cfg := localConfig()
	cfg.Ledger.Driver = "sqlite"
	cfg.Ledger.Path = path
	cfg.Ledger.FlushIntervalMS = 10

	client, err := Init(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Init() error: %v", err)
	}
	wrapped := client.WrapOpenAI(newFakeOpenAI(t))
	for i := 0; i < 3; i++ {
		if _, err := wrapped.CreateChatCompletion(context.Background(), chatRequest()); err != nil {
			t.Fatalf("CreateChatCompletion() error: %v", err)
		}
	}
	client.Flush(context.Background())
	if err := client.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}

	store, err := ledger.NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("NewSQLiteStore() error: %v", err)
	}
	defer store.Close()

	rows, err := store.UsageSummary(context.Background(), ledger.Filter{})
	if err != nil {
		t.Fatalf("UsageSummary() error: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("rows=%+v, want one provider/model group", rows)
	}
	row := rows[0]
	if row.Provider != "openai" || row.Model != "gpt-4o-mini" || row.Calls != 3 || row.TotalTokens != 45 {
		t.Fatalf("unexpected usage row: %+v", row)
	}

	records, err := store.QueryRecords(context.Background(), ledger.Filter{CustomerID: "cust-42"})
	if err != nil {
		t.Fatalf("QueryRecords() error: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("records=%d, want 3", len(records))
	}
}

func TestLedgerDiagnosticsAndFlushMetrics(t *testing.T) {
	t.Parallel()

	cfg := localConfig()
	cfg.Ledger.Driver = "sqlite"
	cfg.Ledger.Path = filepath.Join(t.TempDir(), "agentbill.db")
	reader := sdkmetric.NewManualReader()
	client := initClient(t, cfg, WithMetricReader(reader))
	wrapped := client.WrapOpenAI(newFakeOpenAI(t))

	for i := 0; i < 2; i++ {
		if _, err := wrapped.CreateChatCompletion(context.Background(), chatRequest()); err != nil {
			t.Fatalf("CreateChatCompletion() error: %v", err)
		}
	}
	client.Flush(context.Background())

	diag, ok := client.LedgerDiagnostics()
	if !ok {
		t.Fatal("LedgerDiagnostics() ok=false with a sqlite ledger")
	}
	if diag.WrittenTotal != 2 || diag.EnqueueAcceptedTotal != 2 || diag.EnqueueDroppedTotal != 0 {
		t.Fatalf("diagnostics=%+v, want 2 accepted and written", diag)
	}
	if diag.QueueCapacity <= 0 || diag.QueueDepth != 0 {
		t.Fatalf("queue capacity=%d depth=%d", diag.QueueCapacity, diag.QueueDepth)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect() error: %v", err)
	}
	var (
		flushed   int64
		sawDepth  bool
		sawFlushT bool
	)
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			switch m.Name {
			case "agentbill.ledger.flushed":
				if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
					for _, point := range sum.DataPoints {
						flushed += point.Value
					}
				}
			case "agentbill.ledger.flush.duration":
				sawFlushT = true
			case "agentbill.ledger.queue_depth":
				sawDepth = true
			}
		}
	}
	if flushed != 2 || !sawFlushT || !sawDepth {
		t.Fatalf("flushed=%d duration=%v queue depth=%v", flushed, sawFlushT, sawDepth)
	}

	plain := initClient(t, localConfig())
	if _, ok := plain.LedgerDiagnostics(); ok {
		t.Fatal("LedgerDiagnostics() ok=true without a ledger")
	}
}

func TestTrackSignalPostsToBackend(t *testing.T) {
	t.Parallel()

	var (
		mu       sync.Mutex
		payloads []map[string]any
		auth     []string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		payload := map[string]any{}
		_ = json.Unmarshal(body, &payload)
		mu.Lock()
		payloads = append(payloads, payload)
		auth = append(auth, r.Header.Get("Authorization"))
		mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	}))
	t.Cleanup(server.Close)

	cfg := localConfig()
	cfg.BaseURL = server.URL
	cfg.APIKey = "ab_test_key"
	client := initClient(t, cfg)

	client.TrackSignal(context.Background(), Signal{
		EventName: "subscription_started",
		Revenue:   49.5,
		Timestamp: time.Unix(1700000000, 0),
	})

	mu.Lock()
	defer mu.Unlock()
	if len(payloads) != 1 {
		t.Fatalf("payloads=%d, want 1", len(payloads))
	}
	got := payloads[0]
	if got["event_name"] != "subscription_started" || got["revenue"] != 49.5 || got["customer_id"] != "cust-42" {
		t.Fatalf("unexpected payload: %v", got)
	}
	if got["timestamp"] != float64(1700000000) {
		t.Fatalf("timestamp=%v", got["timestamp"])
	}
	if auth[0] != "Bearer ab_test_key" {
		t.Fatalf("authorization=%q", auth[0])
	}
}

func TestTrackSignalSwallowsFailures(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(server.Close)

	cfg := localConfig()
	cfg.BaseURL = server.URL
	client := initClient(t, cfg)

	client.TrackSignal(context.Background(), Signal{EventName: "refund"})
	client.TrackSignal(context.Background(), Signal{})
}

func TestShutdownIsIdempotent(t *testing.T) {
	t.Parallel()

	client, err := Init(context.Background(), localConfig())
	if err != nil {
		t.Fatalf("Init() error: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := client.Shutdown(context.Background()); err != nil {
			t.Fatalf("Shutdown() #%d error: %v", i+1, err)
		}
	}

	wrapped := client.WrapOpenAI(newFakeOpenAI(t))
	if _, err := wrapped.CreateChatCompletion(context.Background(), chatRequest()); err != nil {
		t.Fatalf("call after shutdown error: %v", err)
	}
}

func TestNilClientIsSafe(t *testing.T) {
	t.Parallel()

	var client *Client
	client.Flush(context.Background())
	client.TrackSignal(context.Background(), Signal{EventName: "noop"})
	if err := client.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
	if client.OpenSpans() != 0 {
		t.Fatal("nil client reported open spans")
	}
	if _, ok := client.LedgerDiagnostics(); ok {
		t.Fatal("nil client reported ledger diagnostics")
	}

	wrapped := client.WrapOpenAI(newFakeOpenAI(t))
	if _, err := wrapped.CreateChatCompletion(context.Background(), chatRequest()); err != nil {
		t.Fatalf("passthrough call error: %v", err)
	}
}
