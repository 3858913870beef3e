package backend

import (
	"sort"
	"strings"
	"sync"

	"github.com/teranos/harvest/errors"
)

// Registry maps configured backend identifiers to factories
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory under identifier.
// Returns error if the identifier is already taken.
func (r *Registry) Register(identifier string, factory Factory) error {
	if identifier == "" || factory == nil {
		return errors.NewInvalidRequestError("backend registration needs an identifier and a factory")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[identifier]; exists {
		return errors.NewConflictError("backend already registered: %s", identifier)
	}
	r.factories[identifier] = factory
	return nil
}

// New constructs the backend registered under identifier
func (r *Registry) New(identifier string, deps Deps) (Backend, error) {
	r.mu.RLock()
	factory, ok := r.factories[identifier]
	r.mu.RUnlock()

	if !ok {
		err := errors.NewNotFoundError("unknown backend %q", identifier)
		return nil, errors.WithHintf(err, "known backends: %s", strings.Join(r.List(), ", "))
	}

	b, err := factory(deps)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create backend %s", identifier)
	}
	return b, nil
}

// List returns registered identifiers in sorted order
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.factories))
	for id := range r.factories {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
