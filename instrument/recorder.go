package instrument

import "context"

// StatusCode is the final outcome recorded on a span.
type StatusCode int

const (
	StatusUnset StatusCode = iota
	StatusOK
	StatusError
)

func (c StatusCode) String() string {
	switch c {
	case StatusOK:
		return "ok"
	case StatusError:
		return "error"
	default:
		return "unset"
	}
}

// TraceContext addresses one open span. It is handed out by StartSpan and
// used for a single instrumented call only.
type TraceContext struct {
	SpanID string
}

// SpanRecorder is the span lifecycle contract consumed by Call.
//
// Implementations must tolerate unknown or already-closed span ids in every
// method: those writes are silent no-ops, never panics.
type SpanRecorder interface {
	// StartSpan opens a span as a child of any span in ctx and returns a
	// context carrying it. system is the provider name, known before the
	// span starts so the span is recorded whatever the parent's sampling
	// decision.
	StartSpan(ctx context.Context, name, system string) (context.Context, TraceContext)
	SetSpanAttribute(spanID string, key string, value any)
	// SetSpanStatus overwrites any status set earlier.
	SetSpanStatus(spanID string, code StatusCode, message string)
	// EndSpan seals the span. A second call for the same id does nothing.
	EndSpan(spanID string)
}
