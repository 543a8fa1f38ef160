package capability

import (
	"sort"
	"sync"
)

// Extractor analyzes a skill's configuration block to determine the
// capabilities it implies. Implementations contain per-config-type logic for
// deriving permissions the skill will need at runtime.
type Extractor interface {
	// Extract inspects the configuration and returns the implied capabilities.
	Extract(config map[string]interface{}) Set
}

// Registry manages the registration and retrieval of capability extractors.
type Registry struct {
	extractors map[string]Extractor
	mu         sync.RWMutex
}

// NewRegistry creates a new, empty extractor registry.
func NewRegistry() *Registry {
	return &Registry{
		extractors: make(map[string]Extractor),
	}
}

// Register adds a capability extractor for a config block type.
func (r *Registry) Register(configType string, extractor Extractor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.extractors[configType] = extractor
}

// Get retrieves the extractor for a config block type.
// Returns nil and false if no extractor is registered.
func (r *Registry) Get(configType string) (Extractor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	extractor, ok := r.extractors[configType]
	return extractor, ok
}

// Names returns the registered config concern names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.extractors))
	for name := range r.extractors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ExtractAll runs every registered extractor over the config block and
// returns the deduplicated union, in registration-name order.
func (r *Registry) ExtractAll(config map[string]interface{}) Set {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.extractors))
	for name := range r.extractors {
		names = append(names, name)
	}
	sort.Strings(names)
	var out Set
	for _, name := range names {
		out = append(out, r.extractors[name].Extract(config)...)
	}
	return out.Dedupe()
}
