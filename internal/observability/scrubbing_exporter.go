package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// ScrubbingExporter redacts credentials from string attributes, event
// attributes and status descriptions before delegating to the wrapped
// exporter. Provider error messages are recorded verbatim on spans and some
// providers echo the caller's key in them.
type ScrubbingExporter struct {
	next sdktrace.SpanExporter
}

// NewScrubbingExporter wraps next.
func NewScrubbingExporter(next sdktrace.SpanExporter) *ScrubbingExporter {
	return &ScrubbingExporter{next: next}
}

func (e *ScrubbingExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	out := make([]sdktrace.ReadOnlySpan, len(spans))
	for i, span := range spans {
		out[i] = redactSpan(span)
	}
	return e.next.ExportSpans(ctx, out)
}

func (e *ScrubbingExporter) Shutdown(ctx context.Context) error {
	return e.next.Shutdown(ctx)
}

// redactSpan returns span itself when it carries no credential.
func redactSpan(span sdktrace.ReadOnlySpan) sdktrace.ReadOnlySpan {
	attrs, attrsChanged := redactAttributes(span.Attributes())
	description := span.Status().Description
	statusChanged := ContainsCredential(description)

	eventsChanged := false
	for _, event := range span.Events() {
		if _, changed := redactAttributes(event.Attributes); changed {
			eventsChanged = true
			break
		}
	}
	if !attrsChanged && !statusChanged && !eventsChanged {
		return span
	}

	stub := tracetest.SpanStubFromReadOnlySpan(span)
	stub.Attributes = attrs
	if statusChanged {
		stub.Status.Description = ScrubCredentials(description)
	}
	for i := range stub.Events {
		stub.Events[i].Attributes, _ = redactAttributes(stub.Events[i].Attributes)
	}
	return stub.Snapshot()
}

func redactAttributes(attrs []attribute.KeyValue) ([]attribute.KeyValue, bool) {
	var out []attribute.KeyValue
	for i, kv := range attrs {
		if kv.Value.Type() != attribute.STRING || !ContainsCredential(kv.Value.AsString()) {
			continue
		}
		if out == nil {
			out = append([]attribute.KeyValue(nil), attrs...)
		}
		out[i] = attribute.String(string(kv.Key), ScrubCredentials(kv.Value.AsString()))
	}
	if out == nil {
		return attrs, false
	}
	return out, true
}
