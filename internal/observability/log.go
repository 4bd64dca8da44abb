package observability

import (
	"context"
	"io"
	"log/slog"
	"os"

	oteltrace "go.opentelemetry.io/otel/trace"
)

// NewLogger returns a JSON logger for SDK diagnostics. Records logged with a
// context that carries a sampled span get trace_id and span_id attributes so
// that diagnostic lines can be matched to exported provider-call spans.
// Debug records are dropped unless debug is set.
func NewLogger(w io.Writer, debug bool) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	level := slog.LevelWarn
	if debug {
		level = slog.LevelDebug
	}
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	return slog.New(NewSpanLogHandler(handler)).With("component", "agentbill")
}

type spanLogHandler struct {
	inner slog.Handler
}

// NewSpanLogHandler wraps inner with span correlation. A nil inner falls back
// to the default logger's handler.
func NewSpanLogHandler(inner slog.Handler) slog.Handler {
	if inner == nil {
		inner = slog.Default().Handler()
	}
	return &spanLogHandler{inner: inner}
}

func (h *spanLogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *spanLogHandler) Handle(ctx context.Context, record slog.Record) error {
	if sc := oteltrace.SpanContextFromContext(ctx); sc.IsValid() && sc.IsSampled() {
		record.AddAttrs(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return h.inner.Handle(ctx, record)
}

func (h *spanLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &spanLogHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *spanLogHandler) WithGroup(name string) slog.Handler {
	return &spanLogHandler{inner: h.inner.WithGroup(name)}
}
