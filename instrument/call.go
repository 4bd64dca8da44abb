package instrument

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// RequestInfo is the fixed set of request fields recorded before a call.
// Nil pointers mean the caller did not set the field.
type RequestInfo struct {
	Model       string
	Temperature *float64
	MaxTokens   *int64
}

// Codec extracts request and usage fields from typed provider params and
// responses. Either function may be nil.
type Codec[P, R any] struct {
	Request func(P) RequestInfo
	// Usage reports false when the response carries no usage object.
	Usage func(R) (RawUsage, bool)
}

// CallResult summarizes one finished instrumented call.
type CallResult struct {
	Provider  string
	Path      string
	SpanName  string
	Model     string
	Status    StatusCode
	ErrorType string
	Latency   time.Duration
	Usage     *Usage
}

// CallObserver is notified after every instrumented call closes its span.
type CallObserver interface {
	ObserveCall(ctx context.Context, result CallResult)
}

// Instrumenter binds a provider table to a span recorder. It holds no
// per-call state and can wrap any number of clients concurrently.
type Instrumenter struct {
	table    Table
	recorder SpanRecorder
	observer CallObserver
}

// NewInstrumenter returns an instrumenter for table. observer may be nil.
func NewInstrumenter(table Table, recorder SpanRecorder, observer CallObserver) *Instrumenter {
	return &Instrumenter{
		table:    table,
		recorder: recorder,
		observer: observer,
	}
}

// Table returns the interception table in use.
func (in *Instrumenter) Table() Table {
	if in == nil {
		return Table{}
	}
	return in.table
}

// Call invokes fn inside a span when path is declared in in's table, and
// calls fn directly otherwise. params, the response and the error are
// passed through unmodified; a panic raised by fn is recorded and re-raised
// with its original value.
func Call[P, R any](
	ctx context.Context,
	in *Instrumenter,
	path string,
	params P,
	fn func(context.Context, P) (R, error),
	codec Codec[P, R],
) (resp R, err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if in == nil || in.recorder == nil {
		return fn(ctx, params)
	}
	endpoint, ok := in.table.Lookup(path)
	if !ok {
		return fn(ctx, params)
	}

	spanCtx, traceContext := in.recorder.StartSpan(ctx, endpoint.SpanName, in.table.Provider())
	call := &callSpan{
		in:       in,
		ctx:      ctx,
		endpoint: endpoint,
		spanID:   traceContext.SpanID,
		start:    time.Now(),
	}
	defer call.end()
	defer func() {
		if recovered := recover(); recovered != nil {
			call.fail(panicMessage(recovered), "panic")
			panic(recovered)
		}
	}()

	var request RequestInfo
	if codec.Request != nil {
		request = codec.Request(params)
	}
	call.recordRequest(request)

	resp, err = fn(spanCtx, params)
	if err != nil {
		call.fail(errorMessage(err), errorType(err))
		return resp, err
	}

	call.set(AttrGenAIResponseLatencyMS, call.latency().Milliseconds())
	if endpoint.Usage != UsageNone && codec.Usage != nil {
		if raw, present := codec.Usage(resp); present {
			if usage, ok := NormalizeUsage(endpoint.Usage, raw); ok {
				call.recordUsage(usage)
			}
		}
	}
	call.status = StatusOK
	in.recorder.SetSpanStatus(call.spanID, StatusOK, "")
	return resp, nil
}

type callSpan struct {
	in        *Instrumenter
	ctx       context.Context
	endpoint  Endpoint
	spanID    string
	start     time.Time
	elapsed   time.Duration
	model     string
	status    StatusCode
	errorType string
	usage     *Usage
	ended     bool
}

func (c *callSpan) set(key string, value any) {
	c.in.recorder.SetSpanAttribute(c.spanID, key, value)
}

func (c *callSpan) latency() time.Duration {
	if c.elapsed == 0 {
		c.elapsed = time.Since(c.start)
	}
	return c.elapsed
}

func (c *callSpan) recordRequest(request RequestInfo) {
	provider := c.in.table.Provider()
	model := strings.TrimSpace(request.Model)
	if model == "" {
		model = unknownModel
	}
	c.model = model

	c.set(AttrGenAISystem, provider)
	c.set(AttrGenAIRequestModel, model)
	c.set(AttrAIProvider, provider)
	c.set(AttrAIModel, model)
	if request.Temperature != nil {
		c.set(AttrGenAIRequestTemp, *request.Temperature)
	}
	if request.MaxTokens != nil {
		c.set(AttrGenAIRequestMaxTokens, *request.MaxTokens)
	}
}

func (c *callSpan) recordUsage(usage Usage) {
	c.usage = &usage
	c.set(AttrGenAIUsagePromptTokens, usage.PromptTokens)
	c.set(AttrGenAIUsageCompletionTokens, usage.CompletionTokens)
	c.set(AttrGenAIUsageTotalTokens, usage.TotalTokens)
	c.set(AttrAIPromptTokens, usage.PromptTokens)
	c.set(AttrAICompletionTokens, usage.CompletionTokens)
	c.set(AttrAITotalTokens, usage.TotalTokens)
}

func (c *callSpan) fail(message, errType string) {
	c.latency()
	c.status = StatusError
	c.errorType = errType
	c.in.recorder.SetSpanStatus(c.spanID, StatusError, message)
	c.set(AttrError, true)
	c.set(AttrErrorMessage, message)
	if errType != "" {
		c.set(AttrErrorType, errType)
	}
}

func (c *callSpan) end() {
	if c.ended {
		return
	}
	c.ended = true
	c.in.recorder.EndSpan(c.spanID)

	if c.in.observer == nil {
		return
	}
	c.in.observer.ObserveCall(c.ctx, CallResult{
		Provider:  c.in.table.Provider(),
		Path:      c.endpoint.Path,
		SpanName:  c.endpoint.SpanName,
		Model:     c.model,
		Status:    c.status,
		ErrorType: c.errorType,
		Latency:   c.latency(),
		Usage:     c.usage,
	})
}

func errorMessage(err error) string {
	if err == nil {
		return unknownErrorMessage
	}
	message := err.Error()
	if strings.TrimSpace(message) == "" {
		return unknownErrorMessage
	}
	return message
}

func errorType(err error) string {
	switch {
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return "deadline_exceeded"
	default:
		return fmt.Sprintf("%T", err)
	}
}

func panicMessage(value any) string {
	switch typed := value.(type) {
	case error:
		return errorMessage(typed)
	case string:
		if strings.TrimSpace(typed) != "" {
			return typed
		}
	case fmt.Stringer:
		if message := typed.String(); strings.TrimSpace(message) != "" {
			return message
		}
	}
	return unknownErrorMessage
}

// Float returns a pointer to v for RequestInfo fields.
func Float(v float64) *float64 {
	return &v
}

// Int returns a pointer to v for RequestInfo fields.
func Int(v int64) *int64 {
	return &v
}
