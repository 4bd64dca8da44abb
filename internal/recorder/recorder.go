// Package recorder implements instrument.SpanRecorder on the OpenTelemetry
// SDK. Open spans are addressed by span id; ended spans are handed to the
// tracer provider's span processors and leave the recorder.
package recorder

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/agentbill/agentbill-go/instrument"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/agentbill/agentbill-go"

// Options configures a Recorder.
type Options struct {
	Logger *slog.Logger
	// Debug enables logging of ignored writes and flush failures.
	Debug          bool
	ServiceVersion string
}

// Recorder tracks the spans of in-flight instrumented calls.
type Recorder struct {
	provider *sdktrace.TracerProvider
	tracer   oteltrace.Tracer
	logger   *slog.Logger
	debug    bool

	mu   sync.Mutex
	open map[string]oteltrace.Span
}

var _ instrument.SpanRecorder = (*Recorder)(nil)

// New returns a recorder that starts spans on provider.
func New(provider *sdktrace.TracerProvider, opts Options) *Recorder {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if provider == nil {
		provider = sdktrace.NewTracerProvider()
	}
	return &Recorder{
		provider: provider,
		tracer:   provider.Tracer(instrumentationName, oteltrace.WithInstrumentationVersion(opts.ServiceVersion)),
		logger:   logger,
		debug:    opts.Debug,
		open:     make(map[string]oteltrace.Span),
	}
}

// StartSpan opens a client span as a child of any span already in ctx.
// system is set as gen_ai.system at start, which the runtime's sampler keys
// on to record provider calls under unsampled parents.
func (r *Recorder) StartSpan(ctx context.Context, name, system string) (context.Context, instrument.TraceContext) {
	if ctx == nil {
		ctx = context.Background()
	}
	startOptions := []oteltrace.SpanStartOption{oteltrace.WithSpanKind(oteltrace.SpanKindClient)}
	if system != "" {
		startOptions = append(startOptions, oteltrace.WithAttributes(attribute.String(instrument.AttrGenAISystem, system)))
	}
	ctx, span := r.tracer.Start(ctx, name, startOptions...)

	spanID := span.SpanContext().SpanID().String()
	r.mu.Lock()
	if !span.SpanContext().HasSpanID() {
		spanID = uuid.NewString()
	}
	if _, exists := r.open[spanID]; exists {
		// Custom id generators may repeat ids.
		spanID = spanID + "-" + uuid.NewString()
	}
	r.open[spanID] = span
	r.mu.Unlock()

	return ctx, instrument.TraceContext{SpanID: spanID}
}

func (r *Recorder) SetSpanAttribute(spanID, key string, value any) {
	span, ok := r.lookup(spanID)
	if !ok {
		r.ignored("attribute", spanID, key)
		return
	}
	span.SetAttributes(toAttribute(key, value))
}

func (r *Recorder) SetSpanStatus(spanID string, code instrument.StatusCode, message string) {
	span, ok := r.lookup(spanID)
	if !ok {
		r.ignored("status", spanID, code.String())
		return
	}
	switch code {
	case instrument.StatusOK:
		span.SetStatus(codes.Ok, "")
	case instrument.StatusError:
		span.SetStatus(codes.Error, message)
	default:
		span.SetStatus(codes.Unset, "")
	}
}

// EndSpan seals the span and hands it to the span processors. Unknown and
// already-ended ids are ignored.
func (r *Recorder) EndSpan(spanID string) {
	r.mu.Lock()
	span, ok := r.open[spanID]
	if ok {
		delete(r.open, spanID)
	}
	r.mu.Unlock()

	if !ok {
		r.ignored("end", spanID, "")
		return
	}
	span.End()
}

// Flush exports every span ended so far. Spans that are still open are not
// touched. Export failures are logged in debug mode and otherwise dropped.
func (r *Recorder) Flush(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	err := r.provider.ForceFlush(ctx)
	if !r.debug {
		return
	}
	if err != nil {
		r.logger.Warn("span flush failed", "error", err)
		return
	}
	r.logger.Debug("spans flushed", "open_spans", r.OpenSpans())
}

// OpenSpans returns the number of spans started but not yet ended.
func (r *Recorder) OpenSpans() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.open)
}

// Shutdown flushes ended spans and stops the tracer provider. Spans still
// open are discarded.
func (r *Recorder) Shutdown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	r.mu.Lock()
	abandoned := len(r.open)
	r.open = make(map[string]oteltrace.Span)
	r.mu.Unlock()

	if abandoned > 0 && r.debug {
		r.logger.Warn("discarding open spans at shutdown", "open_spans", abandoned)
	}
	if err := r.provider.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown tracer provider: %w", err)
	}
	return nil
}

func (r *Recorder) lookup(spanID string) (oteltrace.Span, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	span, ok := r.open[spanID]
	return span, ok
}

func (r *Recorder) ignored(operation, spanID, detail string) {
	if !r.debug {
		return
	}
	r.logger.Debug("ignoring write to unknown or ended span", "operation", operation, "span_id", spanID, "detail", detail)
}

func toAttribute(key string, value any) attribute.KeyValue {
	switch typed := value.(type) {
	case string:
		return attribute.String(key, typed)
	case bool:
		return attribute.Bool(key, typed)
	case int:
		return attribute.Int(key, typed)
	case int32:
		return attribute.Int64(key, int64(typed))
	case int64:
		return attribute.Int64(key, typed)
	case float32:
		return attribute.Float64(key, float64(typed))
	case float64:
		return attribute.Float64(key, typed)
	case []string:
		return attribute.StringSlice(key, typed)
	case fmt.Stringer:
		return attribute.String(key, typed.String())
	default:
		return attribute.String(key, fmt.Sprint(value))
	}
}
