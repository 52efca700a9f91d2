package condition

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
)

// Factory creates a Condition for one invocation.
type Factory func() Condition

// ErrUnknownCondition is returned for names with no registered factory.
var ErrUnknownCondition = errors.New("unknown condition")

// Registry maps condition names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register binds name to f. Names are unique.
func (r *Registry) Register(name string, f Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("condition %q already registered", name)
	}
	r.factories[name] = f
	return nil
}

// Add registers stateless conditions under their own names.
func (r *Registry) Add(conds ...Condition) error {
	for _, c := range conds {
		if err := r.Register(c.Name(), func() Condition { return c }); err != nil {
			return err
		}
	}
	return nil
}

// New instantiates the condition registered as name.
func (r *Registry) New(name string) (Condition, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCondition, name)
	}
	return f(), nil
}

// Names returns every registered name, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := slices.Collect(maps.Keys(r.factories))
	slices.Sort(names)
	return names
}
