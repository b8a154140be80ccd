package plugin

import (
	"fmt"
	"sort"
	"sync"
)

// Factory builds a builtin plugin from its manifest.
type Factory func(m *Manifest, deps Deps) (Plugin, error)

// Builtins maps builtin IDs to factories.
type Builtins struct {
	mu        sync.RWMutex
	factories map[string]Factory
	manifests map[string]Manifest
}

// NewBuiltins returns an empty builtin set.
func NewBuiltins() *Builtins {
	return &Builtins{
		factories: make(map[string]Factory),
		manifests: make(map[string]Manifest),
	}
}

// Register stores a factory under id, together with the manifest that
// `reconx init` writes for it. Registering an existing id replaces it.
func (b *Builtins) Register(id string, factory Factory, defaults Manifest) error {
	if id == "" || factory == nil {
		return fmt.Errorf("builtin id and factory are required")
	}
	defaults.Kind = KindBuiltin
	defaults.Builtin = id

	b.mu.Lock()
	defer b.mu.Unlock()
	b.factories[id] = factory
	b.manifests[id] = defaults
	return nil
}

// Lookup returns the factory registered under id.
func (b *Builtins) Lookup(id string) (Factory, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	f, ok := b.factories[id]
	return f, ok
}

// IDs returns the registered ids in sorted order.
func (b *Builtins) IDs() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ids := make([]string, 0, len(b.factories))
	for id := range b.factories {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// DefaultManifest returns the manifest registered with id.
func (b *Builtins) DefaultManifest(id string) (Manifest, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	m, ok := b.manifests[id]
	return m, ok
}
