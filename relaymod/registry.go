package relaymod

import (
	"fmt"
	"sort"
	"sync"

	"pkt.systems/shellrelay/schema"
)

// Registry maps module names to registered definitions.
type Registry struct {
	mu   sync.RWMutex
	defs map[schema.ModuleName]Definition
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[schema.ModuleName]Definition)}
}

// Register validates and stores a definition. Re-registering a name fails.
func (r *Registry) Register(def Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[def.Def.Name]; exists {
		return fmt.Errorf("%w: module %s already registered", schema.ErrModuleInvalid, def.Def.Name)
	}
	r.defs[def.Def.Name] = def
	return nil
}

// Lookup returns the definition registered under name.
func (r *Registry) Lookup(name schema.ModuleName) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[name]
	return def, ok
}

// Names returns the registered module names sorted.
func (r *Registry) Names() []schema.ModuleName {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]schema.ModuleName, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}
