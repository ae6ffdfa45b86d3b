package capability

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Registry stores capabilities by type name.
type Registry struct {
	mu    sync.RWMutex
	items map[string]Capability
}

// NewRegistry creates an empty capability registry.
func NewRegistry() *Registry {
	return &Registry{items: make(map[string]Capability)}
}

// Register adds a capability to the registry.
func (r *Registry) Register(c Capability) error {
	if c == nil {
		return ErrNil
	}
	meta := c.Metadata()
	if err := ValidateMetadata(meta); err != nil {
		return err
	}
	if c.SampleWidth() <= 0 {
		return fmt.Errorf("%w: sample width must be positive for %q", ErrInvalidMetadata, meta.Type)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[meta.Type]; ok {
		return fmt.Errorf("%w: %q", ErrExists, meta.Type)
	}
	r.items[meta.Type] = c
	return nil
}

// Resolve returns the capability registered for typeName.
func (r *Registry) Resolve(typeName string) (Capability, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.items[strings.TrimSpace(typeName)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, typeName)
	}
	return c, nil
}

// ListMetadata returns deterministic metadata ordering by type.
func (r *Registry) ListMetadata() []Metadata {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := make([]Metadata, 0, len(r.items))
	for _, c := range r.items {
		list = append(list, c.Metadata())
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].Type < list[j].Type
	})
	return list
}
