package providers

import (
	"sort"

	"github.com/agentbill/agentbill-go/instrument"
)

// Registry indexes interception tables by provider name.
type Registry struct {
	tables map[string]instrument.Table
}

func NewRegistry(tables ...instrument.Table) *Registry {
	registry := &Registry{tables: make(map[string]instrument.Table, len(tables))}
	for _, table := range tables {
		registry.tables[table.Provider()] = table
	}
	return registry
}

func DefaultRegistry() *Registry {
	return NewRegistry(OpenAITable, AnthropicTable)
}

func (r *Registry) Get(name string) (instrument.Table, bool) {
	table, ok := r.tables[name]
	return table, ok
}

// Disable removes paths from the named provider's table. Unknown providers
// and paths are ignored.
func (r *Registry) Disable(name string, paths ...string) {
	table, ok := r.tables[name]
	if !ok {
		return
	}
	r.tables[name] = table.Without(paths...)
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tables))
	for name := range r.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
