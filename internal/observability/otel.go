package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/agentbill/agentbill-go/instrument"
	"github.com/agentbill/agentbill-go/internal/config"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

const (
	instrumentationName = "github.com/agentbill/agentbill-go"

	// CollectorPath receives OTLP/HTTP span exports under the base URL.
	CollectorPath = "/functions/v1/otel-collector"
	// MetricsCollectorPath receives OTLP/HTTP metric exports.
	MetricsCollectorPath = CollectorPath + "/metrics"

	customerIDAttribute = "agentbill.customer_id"
)

// Options configures Setup.
type Options struct {
	BaseURL        string
	APIKey         string
	CustomerID     string
	ServiceVersion string
	Telemetry      config.TelemetryConfig
	// SpanExporters receive closed spans in addition to the backend
	// exporter, each behind its own batch processor.
	SpanExporters []sdktrace.SpanExporter
	// MetricReaders are registered in addition to the backend reader.
	MetricReaders []sdkmetric.Reader
	Logger        *slog.Logger
}

// Runtime owns the tracer and meter providers that back the span recorder,
// call metrics and the outbound HTTP transport.
type Runtime struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	propagator     propagation.TextMapPropagator

	callCounter               metric.Int64Counter
	tokenCounter              metric.Int64Counter
	callDuration              metric.Float64Histogram
	ledgerQueueDroppedCounter metric.Int64Counter
	ledgerWriteFailedCounter  metric.Int64Counter
	ledgerFlushDuration       metric.Float64Histogram
	ledgerFlushedCounter      metric.Int64Counter

	mu          sync.Mutex
	shutdownFns []func(context.Context) error
}

var _ instrument.CallObserver = (*Runtime)(nil)

// Setup builds the tracer and meter providers. Span export to the backend is
// skipped when traces are disabled; the tracer provider still exists so the
// recorder and extra exporters keep working.
func Setup(ctx context.Context, opts Options) (*Runtime, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg := opts.Telemetry
	exportTimeout := time.Duration(cfg.ExportTimeoutMS) * time.Millisecond
	metricInterval := time.Duration(cfg.MetricExportIntervalMS) * time.Millisecond
	batchTimeout := time.Duration(cfg.BatchTimeoutMS) * time.Millisecond

	runtime := &Runtime{propagator: propagation.TraceContext{}}

	res := resource.NewSchemaless(
		attribute.String("service.name", strings.TrimSpace(cfg.ServiceName)),
		attribute.String("service.version", strings.TrimSpace(opts.ServiceVersion)),
		attribute.String(customerIDAttribute, strings.TrimSpace(opts.CustomerID)),
	)

	var endpoint collectorEndpoint
	if cfg.Enabled() {
		var err error
		endpoint, err = newCollectorEndpoint(opts.BaseURL)
		if err != nil {
			return nil, err
		}
	}
	headers := map[string]string{"Authorization": "Bearer " + strings.TrimSpace(opts.APIKey)}

	tracerOptions := []sdktrace.TracerProviderOption{
		sdktrace.WithSampler(newProviderCallSampler(cfg.SamplingRatio)),
		sdktrace.WithResource(res),
	}
	if cfg.TracesEnabled {
		traceExporterOptions := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(endpoint.host),
			otlptracehttp.WithURLPath(endpoint.path(CollectorPath)),
			otlptracehttp.WithHeaders(headers),
			otlptracehttp.WithTimeout(exportTimeout),
		}
		if endpoint.insecure {
			traceExporterOptions = append(traceExporterOptions, otlptracehttp.WithInsecure())
		}
		traceExporter, err := otlptracehttp.New(ctx, traceExporterOptions...)
		if err != nil {
			return nil, fmt.Errorf("initialize otel trace exporter: %w", err)
		}
		tracerOptions = append(tracerOptions, sdktrace.WithBatcher(
			NewScrubbingExporter(traceExporter),
			sdktrace.WithBatchTimeout(batchTimeout),
			sdktrace.WithExportTimeout(exportTimeout),
		))
	}
	for _, exporter := range opts.SpanExporters {
		if exporter == nil {
			continue
		}
		tracerOptions = append(tracerOptions, sdktrace.WithBatcher(
			NewScrubbingExporter(exporter),
			sdktrace.WithBatchTimeout(batchTimeout),
		))
	}
	runtime.tracerProvider = sdktrace.NewTracerProvider(tracerOptions...)
	runtime.shutdownFns = append(runtime.shutdownFns, runtime.tracerProvider.Shutdown)

	meterOptions := []sdkmetric.Option{sdkmetric.WithResource(res)}
	if cfg.MetricsEnabled {
		metricExporterOptions := []otlpmetrichttp.Option{
			otlpmetrichttp.WithEndpoint(endpoint.host),
			otlpmetrichttp.WithURLPath(endpoint.path(MetricsCollectorPath)),
			otlpmetrichttp.WithHeaders(headers),
			otlpmetrichttp.WithTimeout(exportTimeout),
		}
		if endpoint.insecure {
			metricExporterOptions = append(metricExporterOptions, otlpmetrichttp.WithInsecure())
		}
		metricExporter, err := otlpmetrichttp.New(ctx, metricExporterOptions...)
		if err != nil {
			_ = runtime.Shutdown(context.Background())
			return nil, fmt.Errorf("initialize otel metric exporter: %w", err)
		}
		meterOptions = append(meterOptions, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(
			metricExporter,
			sdkmetric.WithInterval(metricInterval),
			sdkmetric.WithTimeout(exportTimeout),
		)))
	}
	for _, reader := range opts.MetricReaders {
		if reader != nil {
			meterOptions = append(meterOptions, sdkmetric.WithReader(reader))
		}
	}
	runtime.meterProvider = sdkmetric.NewMeterProvider(meterOptions...)
	runtime.shutdownFns = append(runtime.shutdownFns, runtime.meterProvider.Shutdown)

	runtime.createInstruments(opts.Logger)

	if opts.Logger != nil {
		opts.Logger.Debug(
			"opentelemetry configured",
			"collector_host", endpoint.host,
			"traces_enabled", cfg.TracesEnabled,
			"metrics_enabled", cfg.MetricsEnabled,
			"sampling_ratio", cfg.SamplingRatio,
			"extra_span_exporters", len(opts.SpanExporters),
		)
	}
	return runtime, nil
}

func (r *Runtime) createInstruments(logger *slog.Logger) {
	meter := r.meterProvider.Meter(instrumentationName)
	warn := func(name string, err error) {
		if err != nil && logger != nil {
			logger.Warn("failed to create opentelemetry instrument", "metric", name, "error", err)
		}
	}

	var err error
	r.callCounter, err = meter.Int64Counter(
		"agentbill.provider.calls",
		metric.WithDescription("Count of instrumented provider calls by outcome."),
	)
	warn("agentbill.provider.calls", err)

	r.tokenCounter, err = meter.Int64Counter(
		"agentbill.provider.tokens",
		metric.WithDescription("Tokens reported by provider responses."),
		metric.WithUnit("{token}"),
	)
	warn("agentbill.provider.tokens", err)

	r.callDuration, err = meter.Float64Histogram(
		"agentbill.provider.call.duration",
		metric.WithDescription("Wall-clock duration of instrumented provider calls."),
		metric.WithUnit("s"),
	)
	warn("agentbill.provider.call.duration", err)

	r.ledgerQueueDroppedCounter, err = meter.Int64Counter(
		"agentbill.ledger.queue_dropped",
		metric.WithDescription("Count of usage records dropped because the ledger queue was full."),
	)
	warn("agentbill.ledger.queue_dropped", err)

	r.ledgerWriteFailedCounter, err = meter.Int64Counter(
		"agentbill.ledger.write_failed",
		metric.WithDescription("Count of usage records dropped after ledger write failures."),
	)
	warn("agentbill.ledger.write_failed", err)

	r.ledgerFlushDuration, err = meter.Float64Histogram(
		"agentbill.ledger.flush.duration",
		metric.WithDescription("Duration of ledger batch writes."),
		metric.WithUnit("s"),
	)
	warn("agentbill.ledger.flush.duration", err)

	r.ledgerFlushedCounter, err = meter.Int64Counter(
		"agentbill.ledger.flushed",
		metric.WithDescription("Count of usage records handed to the ledger store."),
	)
	warn("agentbill.ledger.flushed", err)
}

// TracerProvider returns the provider spans are recorded on.
func (r *Runtime) TracerProvider() *sdktrace.TracerProvider {
	return r.tracerProvider
}

// ObserveCall records call, token and duration metrics for one finished call.
func (r *Runtime) ObserveCall(ctx context.Context, result instrument.CallResult) {
	if r == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	callAttrs := metric.WithAttributes(
		attribute.String("provider", result.Provider),
		attribute.String("operation", result.Path),
		attribute.String("status", result.Status.String()),
		attribute.String("error_type", result.ErrorType),
	)
	if r.callCounter != nil {
		r.callCounter.Add(ctx, 1, callAttrs)
	}
	if r.callDuration != nil {
		r.callDuration.Record(ctx, result.Latency.Seconds(), metric.WithAttributes(
			attribute.String("provider", result.Provider),
			attribute.String("operation", result.Path),
			attribute.String("status", result.Status.String()),
		))
	}
	if r.tokenCounter == nil || result.Usage == nil {
		return
	}
	for _, token := range []struct {
		kind  string
		count int64
	}{
		{kind: "prompt", count: result.Usage.PromptTokens},
		{kind: "completion", count: result.Usage.CompletionTokens},
	} {
		if token.count <= 0 {
			continue
		}
		r.tokenCounter.Add(ctx, token.count, metric.WithAttributes(
			attribute.String("provider", result.Provider),
			attribute.String("model", result.Model),
			attribute.String("token_type", token.kind),
		))
	}
}

// WrapHTTPTransport wraps an outbound HTTP transport with client spans and
// traceparent propagation from the runtime's providers.
func (r *Runtime) WrapHTTPTransport(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	if r == nil || r.tracerProvider == nil {
		return base
	}
	return otelhttp.NewTransport(
		base,
		otelhttp.WithTracerProvider(r.tracerProvider),
		otelhttp.WithMeterProvider(r.meterProvider),
		otelhttp.WithPropagators(r.propagator),
		otelhttp.WithSpanNameFormatter(func(_ string, req *http.Request) string {
			return clientSpanName(req.Method, req.URL.Path)
		}),
	)
}

// FlushMetrics pushes pending metric data to every reader.
func (r *Runtime) FlushMetrics(ctx context.Context) error {
	if r == nil || r.meterProvider == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return r.meterProvider.ForceFlush(ctx)
}

// RecordLedgerQueueDrop increments a counter when the ledger queue is full.
func (r *Runtime) RecordLedgerQueueDrop(provider string) {
	if r == nil || r.ledgerQueueDroppedCounter == nil {
		return
	}
	r.ledgerQueueDroppedCounter.Add(
		context.Background(),
		1,
		metric.WithAttributes(attribute.String("provider", strings.TrimSpace(provider))),
	)
}

// RecordLedgerWriteFailure increments a counter for dropped usage records.
func (r *Runtime) RecordLedgerWriteFailure(operation string, failedCount int) {
	if r == nil || failedCount <= 0 || r.ledgerWriteFailedCounter == nil {
		return
	}
	r.ledgerWriteFailedCounter.Add(
		context.Background(),
		int64(failedCount),
		metric.WithAttributes(attribute.String("operation", strings.TrimSpace(operation))),
	)
}

// RecordLedgerFlush records one batch write of the ledger writer.
func (r *Runtime) RecordLedgerFlush(batchSize int, duration time.Duration) {
	if r == nil || batchSize <= 0 {
		return
	}
	ctx := context.Background()
	if r.ledgerFlushDuration != nil {
		r.ledgerFlushDuration.Record(ctx, duration.Seconds())
	}
	if r.ledgerFlushedCounter != nil {
		r.ledgerFlushedCounter.Add(ctx, int64(batchSize))
	}
}

// RegisterLedgerQueueDepthGauge reports depth() as an observable gauge on
// every metric collection.
func (r *Runtime) RegisterLedgerQueueDepthGauge(depth func() int) error {
	if r == nil || r.meterProvider == nil || depth == nil {
		return nil
	}
	meter := r.meterProvider.Meter(instrumentationName)
	_, err := meter.Int64ObservableGauge(
		"agentbill.ledger.queue_depth",
		metric.WithDescription("Usage records waiting in the ledger queue."),
		metric.WithInt64Callback(func(_ context.Context, observer metric.Int64Observer) error {
			observer.Observe(int64(depth()))
			return nil
		}),
	)
	if err != nil {
		return fmt.Errorf("register ledger queue depth gauge: %w", err)
	}
	return nil
}

// Shutdown flushes and stops the meter and tracer providers. Calls after the
// first return nil.
func (r *Runtime) Shutdown(ctx context.Context) error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	fns := r.shutdownFns
	r.shutdownFns = nil
	r.mu.Unlock()
	if len(fns) == 0 {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var errs []error
	for i := len(fns) - 1; i >= 0; i-- {
		if err := fns[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}

type collectorEndpoint struct {
	host     string
	basePath string
	insecure bool
}

func newCollectorEndpoint(baseURL string) (collectorEndpoint, error) {
	parsed, err := config.ParseBaseURL(baseURL)
	if err != nil {
		return collectorEndpoint{}, err
	}
	return collectorEndpoint{
		host:     parsed.Host,
		basePath: parsed.Path,
		insecure: strings.EqualFold(parsed.Scheme, "http"),
	}, nil
}

func (e collectorEndpoint) path(suffix string) string {
	return e.basePath + suffix
}

func clientSpanName(method, path string) string {
	method = strings.TrimSpace(method)
	if method == "" {
		method = "UNKNOWN"
	}
	if strings.TrimSpace(path) == "" {
		path = "/"
	}
	return "agentbill " + method + " " + path
}
