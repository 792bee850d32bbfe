package modes

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/neuralcollective/borg/internal/store"
)

// Registry resolves mode names to validated Mode definitions, preferring
// a store-saved override over the embedded built-in of the same name
// (§4.A "Repos" default_mode references a name resolved here).
type Registry struct {
	mu       sync.RWMutex
	builtins map[string]Mode
	store    *store.Store
}

// NewRegistry loads the embedded built-ins and wires the store for
// runtime overlays and additions.
func NewRegistry(st *store.Store) (*Registry, error) {
	builtins, err := LoadBuiltins()
	if err != nil {
		return nil, fmt.Errorf("load builtin modes: %w", err)
	}
	return &Registry{builtins: builtins, store: st}, nil
}

// Get resolves a mode by name: a store override wins over the built-in
// of the same name; an unknown name with no override is an error.
func (r *Registry) Get(ctx context.Context, name string) (Mode, error) {
	if rec, err := r.store.GetMode(ctx, name); err != nil {
		return Mode{}, err
	} else if rec != nil {
		return Parse(rec.Definition)
	}

	r.mu.RLock()
	m, ok := r.builtins[name]
	r.mu.RUnlock()
	if !ok {
		return Mode{}, fmt.Errorf("mode %q not found", name)
	}
	return m, nil
}

// Save validates and persists a mode override, refusing to overwrite a
// mode currently in use by an active task — enforced by the caller
// (pipeline) which holds the task state this registry does not.
func (r *Registry) Save(ctx context.Context, name, definition string) error {
	m, err := Parse(definition)
	if err != nil {
		return err
	}
	if m.Name != name {
		return fmt.Errorf("mode definition name %q does not match save target %q", m.Name, name)
	}
	return r.store.SaveMode(ctx, name, definition)
}

// List returns every resolvable mode name: built-ins plus any store
// overrides or additions, deduplicated and sorted.
func (r *Registry) List(ctx context.Context) ([]string, error) {
	seen := map[string]bool{}
	r.mu.RLock()
	for name := range r.builtins {
		seen[name] = true
	}
	r.mu.RUnlock()

	saved, err := r.store.ListModes(ctx)
	if err != nil {
		return nil, err
	}
	for _, rec := range saved {
		seen[rec.Name] = true
	}

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}
