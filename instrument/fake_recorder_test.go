package instrument

import (
	"context"
	"strconv"
	"sync"
)

type fakeSpan struct {
	ID         string
	Name       string
	System     string
	Attributes map[string]any
	Status     StatusCode
	Message    string
	EndCount   int
}

type fakeRecorder struct {
	mu     sync.Mutex
	nextID int
	spans  map[string]*fakeSpan
	order  []string
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{spans: make(map[string]*fakeSpan)}
}

type spanKey struct{}

func (r *fakeRecorder) StartSpan(ctx context.Context, name, system string) (context.Context, TraceContext) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := "span-" + strconv.Itoa(r.nextID)
	r.spans[id] = &fakeSpan{ID: id, Name: name, System: system, Attributes: make(map[string]any)}
	r.order = append(r.order, id)
	return context.WithValue(ctx, spanKey{}, id), TraceContext{SpanID: id}
}

func (r *fakeRecorder) SetSpanAttribute(spanID, key string, value any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	span, ok := r.spans[spanID]
	if !ok || span.EndCount > 0 {
		return
	}
	span.Attributes[key] = value
}

func (r *fakeRecorder) SetSpanStatus(spanID string, code StatusCode, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	span, ok := r.spans[spanID]
	if !ok || span.EndCount > 0 {
		return
	}
	span.Status = code
	span.Message = message
}

func (r *fakeRecorder) EndSpan(spanID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if span, ok := r.spans[spanID]; ok {
		span.EndCount++
	}
}

func (r *fakeRecorder) Spans() []fakeSpan {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]fakeSpan, 0, len(r.order))
	for _, id := range r.order {
		span := *r.spans[id]
		attrs := make(map[string]any, len(span.Attributes))
		for k, v := range span.Attributes {
			attrs[k] = v
		}
		span.Attributes = attrs
		out = append(out, span)
	}
	return out
}

type recordingObserver struct {
	mu      sync.Mutex
	results []CallResult
}

func (o *recordingObserver) ObserveCall(_ context.Context, result CallResult) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.results = append(o.results, result)
}

func (o *recordingObserver) Results() []CallResult {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]CallResult(nil), o.results...)
}
