// Package instrument wraps provider calls in telemetry spans.
//
// A Table declares which dotted method paths of a provider client are
// intercepted. Call runs one provider invocation inside a span: it records
// request attributes, latency, normalized token usage, and the final status,
// and hands back the provider's response or error untouched.
package instrument

import (
	"sort"
	"strings"
)

// UsageSchema selects how a provider's usage payload maps onto the
// canonical usage attributes.
type UsageSchema int

const (
	// UsageNone marks endpoints whose responses carry no token accounting.
	UsageNone UsageSchema = iota
	// UsagePromptCompletion reads prompt_tokens, completion_tokens and total_tokens.
	UsagePromptCompletion
	// UsageInputOutput reads input_tokens and output_tokens and computes the total.
	UsageInputOutput
)

func (s UsageSchema) String() string {
	switch s {
	case UsagePromptCompletion:
		return "prompt_completion"
	case UsageInputOutput:
		return "input_output"
	default:
		return "none"
	}
}

// Endpoint is one interception point of a provider client.
type Endpoint struct {
	Path     string
	SpanName string
	Usage    UsageSchema
}

// Table maps dotted method paths to endpoints for a single provider.
// The zero value intercepts nothing. Tables are never mutated after
// construction and are safe to share between goroutines.
type Table struct {
	provider  string
	endpoints map[string]Endpoint
}

// NewTable builds an interception table. Endpoints with an empty path are
// skipped; an empty span name defaults to "<provider>.<path>". When a path
// is declared twice the later declaration wins.
func NewTable(provider string, endpoints ...Endpoint) Table {
	provider = strings.TrimSpace(provider)
	table := Table{
		provider:  provider,
		endpoints: make(map[string]Endpoint, len(endpoints)),
	}
	for _, endpoint := range endpoints {
		endpoint.Path = strings.TrimSpace(endpoint.Path)
		if endpoint.Path == "" {
			continue
		}
		endpoint.SpanName = strings.TrimSpace(endpoint.SpanName)
		if endpoint.SpanName == "" {
			endpoint.SpanName = spanNameFor(provider, endpoint.Path)
		}
		table.endpoints[endpoint.Path] = endpoint
	}
	return table
}

func spanNameFor(provider, path string) string {
	if provider == "" {
		return path
	}
	return provider + "." + path
}

// Provider returns the provider literal recorded as gen_ai.system.
func (t Table) Provider() string {
	return t.provider
}

// Lookup returns the endpoint declared for path.
func (t Table) Lookup(path string) (Endpoint, bool) {
	endpoint, ok := t.endpoints[strings.TrimSpace(path)]
	return endpoint, ok
}

// Len reports the number of declared endpoints.
func (t Table) Len() int {
	return len(t.endpoints)
}

// Paths returns the declared paths in lexical order.
func (t Table) Paths() []string {
	paths := make([]string, 0, len(t.endpoints))
	for path := range t.endpoints {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

// Without returns a copy of the table with the given paths removed.
func (t Table) Without(paths ...string) Table {
	drop := make(map[string]struct{}, len(paths))
	for _, path := range paths {
		drop[strings.TrimSpace(path)] = struct{}{}
	}
	out := Table{
		provider:  t.provider,
		endpoints: make(map[string]Endpoint, len(t.endpoints)),
	}
	for path, endpoint := range t.endpoints {
		if _, ok := drop[path]; ok {
			continue
		}
		out.endpoints[path] = endpoint
	}
	return out
}
