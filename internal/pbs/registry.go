package pbs

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var ErrDialectExists = errors.New("pbs: dialect already registered")

// Registry stores dialects by lower-case name.
type Registry struct {
	mu    sync.RWMutex
	items map[string]Dialect
}

func NewRegistry(dialects ...Dialect) (*Registry, error) {
	r := &Registry{items: make(map[string]Dialect)}
	for _, d := range dialects {
		if err := r.Register(d); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) Register(d Dialect) error {
	if d == nil {
		return fmt.Errorf("%w: nil dialect", ErrInvalidConfig)
	}
	key := normalizeName(d.Name())
	if key == "" {
		return fmt.Errorf("%w: empty dialect name", ErrInvalidConfig)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[key]; ok {
		return fmt.Errorf("%w: %s", ErrDialectExists, key)
	}
	r.items[key] = d
	return nil
}

// Lookup resolves name. "pbs" is accepted as the generic Torque name.
func (r *Registry) Lookup(name string) (Dialect, error) {
	key := normalizeName(name)
	if key == "pbs" {
		key = DialectMetacentrum
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.items[key]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDialect, name)
	}
	return d, nil
}

// Names returns registered names in order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.items))
	for name := range r.items {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

var defaultRegistry = mustRegistry(Metacentrum{}, PBSPro{}, Hydra{})

func mustRegistry(dialects ...Dialect) *Registry {
	r, err := NewRegistry(dialects...)
	if err != nil {
		panic(err)
	}
	return r
}

// Lookup resolves name in the process-wide registry.
func Lookup(name string) (Dialect, error) {
	return defaultRegistry.Lookup(name)
}

// Register adds a dialect to the process-wide registry. Call it during
// startup only.
func Register(d Dialect) error {
	return defaultRegistry.Register(d)
}

func Names() []string {
	return defaultRegistry.Names()
}
