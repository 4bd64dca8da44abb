// Package agentbill instruments AI provider clients. Wrapped clients behave
// exactly like the originals; every intercepted call additionally produces
// one span with request metadata, normalized token usage and latency, which
// is exported to the AgentBill backend on a best-effort basis.
package agentbill

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/agentbill/agentbill-go/instrument"
	"github.com/agentbill/agentbill-go/internal/config"
	"github.com/agentbill/agentbill-go/internal/ledger"
	"github.com/agentbill/agentbill-go/internal/observability"
	"github.com/agentbill/agentbill-go/internal/recorder"
	"github.com/agentbill/agentbill-go/internal/signals"
	"github.com/agentbill/agentbill-go/internal/version"
	"github.com/agentbill/agentbill-go/providers"
	"github.com/anthropics/anthropic-sdk-go"
	"github.com/sashabaranov/go-openai"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"
)

type (
	Config          = config.Config
	TelemetryConfig = config.TelemetryConfig
	LedgerConfig    = config.LedgerConfig
	ProvidersConfig = config.ProvidersConfig
	ProviderConfig  = config.ProviderConfig
	Signal          = signals.Signal

	LedgerDiagnostics = ledger.Diagnostics
)

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() Config {
	return config.Default()
}

// LoadConfig reads a YAML file (optional) and applies AGENTBILL_* and OTEL_*
// environment overrides.
func LoadConfig(path string) (Config, error) {
	return config.Load(path)
}

type Option func(*options)

type options struct {
	logger        *slog.Logger
	transport     http.RoundTripper
	spanExporters []sdktrace.SpanExporter
	metricReaders []sdkmetric.Reader
}

// WithLogger sets the diagnostic logger. Records logged inside an
// instrumented call carry trace_id and span_id.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithHTTPTransport sets the base transport for signal delivery.
func WithHTTPTransport(transport http.RoundTripper) Option {
	return func(o *options) { o.transport = transport }
}

// WithSpanExporter adds an exporter that receives every closed span after
// credential scrubbing.
func WithSpanExporter(exporter sdktrace.SpanExporter) Option {
	return func(o *options) { o.spanExporters = append(o.spanExporters, exporter) }
}

// WithMetricReader adds a reader for the SDK's call and token metrics.
func WithMetricReader(reader sdkmetric.Reader) Option {
	return func(o *options) { o.metricReaders = append(o.metricReaders, reader) }
}

// Client owns the telemetry pipeline shared by every wrapped provider client.
type Client struct {
	cfg    Config
	logger *slog.Logger

	runtime  *observability.Runtime
	recorder *recorder.Recorder
	openai   *instrument.Instrumenter
	claude   *instrument.Instrumenter
	signals  *signals.Client

	ledgerStore  ledger.Store
	ledgerWriter *ledger.Writer

	shutdownOnce sync.Once
	shutdownErr  error
}

// Init validates cfg and builds the telemetry pipeline. Only configuration
// and ledger store errors are returned; nothing is sent over the network.
func Init(ctx context.Context, cfg Config, opts ...Option) (*Client, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid agentbill config: %w", err)
	}

	o := options{}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	logger := observability.NewLogger(os.Stderr, cfg.Debug)
	if o.logger != nil {
		logger = slog.New(observability.NewSpanLogHandler(o.logger.Handler()))
	}

	c := &Client{cfg: cfg, logger: logger}

	spanExporters := append([]sdktrace.SpanExporter(nil), o.spanExporters...)
	if cfg.Ledger.Enabled() {
		store, err := openLedgerStore(cfg.Ledger)
		if err != nil {
			return nil, err
		}
		c.ledgerStore = store
		c.ledgerWriter = ledger.NewWriter(store, ledger.WriterOptions{
			QueueSize:     cfg.Ledger.QueueSize,
			BatchSize:     cfg.Ledger.BatchSize,
			FlushInterval: time.Duration(cfg.Ledger.FlushIntervalMS) * time.Millisecond,
		})
		spanExporters = append(spanExporters, ledger.NewExporter(c.ledgerWriter, cfg.CustomerID))
	}

	runtime, err := observability.Setup(ctx, observability.Options{
		BaseURL:        cfg.BaseURL,
		APIKey:         cfg.APIKey,
		CustomerID:     cfg.CustomerID,
		ServiceVersion: version.Version,
		Telemetry:      cfg.Telemetry,
		SpanExporters:  spanExporters,
		MetricReaders:  o.metricReaders,
		Logger:         logger,
	})
	if err != nil {
		c.closeLedgerStore()
		return nil, fmt.Errorf("setup telemetry: %w", err)
	}
	c.runtime = runtime
	c.startLedgerWriter(ctx)

	c.recorder = recorder.New(runtime.TracerProvider(), recorder.Options{
		Logger:         logger,
		Debug:          cfg.Debug,
		ServiceVersion: version.Version,
	})

	registry := providers.DefaultRegistry()
	registry.Disable(providers.OpenAITable.Provider(), cfg.Providers.OpenAI.DisabledPaths...)
	registry.Disable(providers.AnthropicTable.Provider(), cfg.Providers.Anthropic.DisabledPaths...)
	openAITable, _ := registry.Get(providers.OpenAITable.Provider())
	anthropicTable, _ := registry.Get(providers.AnthropicTable.Provider())
	c.openai = instrument.NewInstrumenter(openAITable, c.recorder, runtime)
	c.claude = instrument.NewInstrumenter(anthropicTable, c.recorder, runtime)

	c.signals, err = signals.New(signals.Options{
		BaseURL:    cfg.BaseURL,
		APIKey:     cfg.APIKey,
		CustomerID: cfg.CustomerID,
		Debug:      cfg.Debug,
		Transport:  runtime.WrapHTTPTransport(o.transport),
		Logger:     logger,
	})
	if err != nil {
		_ = c.Shutdown(context.Background())
		return nil, fmt.Errorf("setup signals: %w", err)
	}

	if cfg.Debug {
		logger.Debug(
			"agentbill initialized",
			"base_url", cfg.BaseURL,
			"customer_id", cfg.CustomerID,
			"traces_enabled", cfg.Telemetry.TracesEnabled,
			"ledger_driver", cfg.Ledger.Driver,
		)
	}
	return c, nil
}

func openLedgerStore(cfg config.LedgerConfig) (ledger.Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case config.LedgerDriverSQLite:
		store, err := ledger.NewSQLiteStore(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite ledger: %w", err)
		}
		return store, nil
	case config.LedgerDriverPostgres:
		store, err := ledger.NewPostgresStore(cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres ledger: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported ledger driver %q", cfg.Driver)
	}
}

func (c *Client) startLedgerWriter(ctx context.Context) {
	if c.ledgerWriter == nil {
		return
	}
	c.ledgerWriter.SetMetrics(&ledger.WriterMetrics{
		OnDrop: func(record *ledger.Record) {
			c.runtime.RecordLedgerQueueDrop(record.Provider)
		},
		OnFlush: c.runtime.RecordLedgerFlush,
	})
	writer := c.ledgerWriter
	if err := c.runtime.RegisterLedgerQueueDepthGauge(func() int {
		return writer.Diagnostics().QueueDepth
	}); err != nil && c.cfg.Debug {
		c.logger.Warn("ledger queue depth gauge unavailable", "error", err)
	}
	c.ledgerWriter.SetWriteFailureHandler(func(failure ledger.WriteFailure) {
		c.runtime.RecordLedgerWriteFailure(failure.Operation, failure.FailedCount)
		if c.cfg.Debug {
			c.logger.Warn(
				"ledger write failed",
				"operation", failure.Operation,
				"failed", failure.FailedCount,
				"error_class", failure.ErrorClass,
				"error", failure.Err,
			)
		}
	})
	// The writer outlives Init's context; Shutdown stops it.
	c.ledgerWriter.Start(context.WithoutCancel(ctx))
}

// WrapOpenAI returns an instrumented stand-in for client. Every method not
// listed in the OpenAI interception table is the original, untouched. A nil
// Client wraps without instrumentation. Responses reporting all-zero usage
// are recorded as calls without usage.
func (c *Client) WrapOpenAI(client *openai.Client) *providers.OpenAIClient {
	var in *instrument.Instrumenter
	if c != nil {
		in = c.openai
	}
	return providers.WrapOpenAI(client, in)
}

// WrapAnthropic returns an instrumented stand-in for client.
func (c *Client) WrapAnthropic(client anthropic.Client) *providers.AnthropicClient {
	var in *instrument.Instrumenter
	if c != nil {
		in = c.claude
	}
	return providers.WrapAnthropic(client, in)
}

// TrackSignal reports a business event. Delivery is best effort: failures
// are logged in debug mode and never returned.
func (c *Client) TrackSignal(ctx context.Context, signal Signal) {
	if c == nil || c.signals == nil {
		return
	}
	c.signals.Track(ctx, signal)
}

// Flush pushes every closed span to the exporters and waits for the local
// ledger to persist them. Export failures are logged in debug mode.
func (c *Client) Flush(ctx context.Context) {
	if c == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		c.recorder.Flush(gctx)
		if err := c.ledgerWriter.Flush(gctx); err != nil {
			return fmt.Errorf("flush ledger: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := c.runtime.FlushMetrics(gctx); err != nil {
			return fmt.Errorf("flush metrics: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil && c.cfg.Debug {
		c.logger.Warn("agentbill flush incomplete", "error", err)
	}
}

// LedgerDiagnostics reports the ledger writer's queue and write counters.
// ok is false when the ledger is disabled.
func (c *Client) LedgerDiagnostics() (diag LedgerDiagnostics, ok bool) {
	if c == nil || c.ledgerWriter == nil {
		return LedgerDiagnostics{}, false
	}
	return c.ledgerWriter.Diagnostics(), true
}

// OpenSpans reports spans of calls still in flight.
func (c *Client) OpenSpans() int {
	if c == nil || c.recorder == nil {
		return 0
	}
	return c.recorder.OpenSpans()
}

// Shutdown flushes and stops the pipeline. Wrapped clients keep working
// afterwards but their spans are no longer exported.
func (c *Client) Shutdown(ctx context.Context) error {
	if c == nil {
		return nil
	}
	c.shutdownOnce.Do(func() {
		var errs []error
		if c.recorder != nil {
			if err := c.recorder.Shutdown(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		if err := c.runtime.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown telemetry: %w", err))
		}
		if c.ledgerWriter != nil && c.cfg.Debug {
			diag := c.ledgerWriter.Diagnostics()
			c.logger.Debug(
				"ledger writer stopped",
				"written_total", diag.WrittenTotal,
				"enqueue_dropped_total", diag.EnqueueDroppedTotal,
				"write_dropped_total", diag.WriteDroppedTotal,
				"queue_depth_high_watermark", diag.QueueDepthHighWatermark,
				"queue_pressure_state", diag.QueuePressureState,
			)
		}
		if err := c.closeLedgerStore(); err != nil {
			errs = append(errs, err)
		}
		c.shutdownErr = errors.Join(errs...)
	})
	return c.shutdownErr
}

func (c *Client) closeLedgerStore() error {
	if c.ledgerStore == nil {
		return nil
	}
	if err := c.ledgerStore.Close(); err != nil {
		return fmt.Errorf("close ledger store: %w", err)
	}
	return nil
}
