package saga

import (
	"sort"
)

// Registry holds the compiled definitions registered on one bus. It is
// immutable after construction.
type Registry struct {
	defs   map[string]*Definition
	order  []string
	byType map[string][]*Definition
}

// NewRegistry validates the definitions and builds the dispatch indexes.
func NewRegistry(defs ...*Definition) (*Registry, error) {
	r := &Registry{
		defs:   make(map[string]*Definition, len(defs)),
		byType: make(map[string][]*Definition),
	}

	endpoints := make(map[string]string, len(defs))
	for _, def := range defs {
		if def == nil {
			return nil, definitionErr("", "definition must not be nil")
		}
		if err := def.validate(); err != nil {
			return nil, err
		}
		if _, dup := r.defs[def.name]; dup {
			return nil, definitionErr(def.name, "duplicate definition name")
		}
		if owner, dup := endpoints[def.endpoint]; dup {
			return nil, definitionErr(def.name, "endpoint %q already used by %q", def.endpoint, owner)
		}

		r.defs[def.name] = def
		r.order = append(r.order, def.name)
		endpoints[def.endpoint] = def.name
		for _, msgType := range def.HandledTypes() {
			r.byType[msgType] = append(r.byType[msgType], def)
		}
	}

	if len(r.defs) == 0 {
		return nil, definitionErr("", "at least one definition is required")
	}
	return r, nil
}

// Lookup returns the definition registered under name.
func (r *Registry) Lookup(name string) (*Definition, bool) {
	def, ok := r.defs[name]
	return def, ok
}

// Definitions returns all definitions in registration order.
func (r *Registry) Definitions() []*Definition {
	defs := make([]*Definition, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, r.defs[name])
	}
	return defs
}

// DefinitionsFor returns the definitions with a handler for the message type.
func (r *Registry) DefinitionsFor(msgType string) []*Definition {
	return r.byType[msgType]
}

// HandledTypes returns every message type any definition handles, sorted.
func (r *Registry) HandledTypes() []string {
	types := make([]string, 0, len(r.byType))
	for t := range r.byType {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
