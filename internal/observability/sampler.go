package observability

import (
	"fmt"

	"github.com/agentbill/agentbill-go/instrument"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// providerCallSampler records every span started with gen_ai.system,
// ignoring the parent's sampled flag and the configured ratio: each such
// span is a billable provider call. Other spans, such as the outbound
// signal requests, follow the parent and then the ratio.
type providerCallSampler struct {
	fallback sdktrace.Sampler
}

func newProviderCallSampler(ratio float64) sdktrace.Sampler {
	return providerCallSampler{fallback: sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))}
}

func (s providerCallSampler) ShouldSample(p sdktrace.SamplingParameters) sdktrace.SamplingResult {
	if hasAttribute(p.Attributes, instrument.AttrGenAISystem) {
		return sdktrace.SamplingResult{
			Decision:   sdktrace.RecordAndSample,
			Tracestate: oteltrace.SpanContextFromContext(p.ParentContext).TraceState(),
		}
	}
	return s.fallback.ShouldSample(p)
}

func (s providerCallSampler) Description() string {
	return fmt.Sprintf("ProviderCallSampler{fallback:%s}", s.fallback.Description())
}

func hasAttribute(attrs []attribute.KeyValue, key string) bool {
	for _, kv := range attrs {
		if string(kv.Key) == key {
			return true
		}
	}
	return false
}
