// Package catalog maps published test names to module metadata and
// factories. Modules are registered explicitly at startup; nothing is
// discovered by reflection.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/roach88/conformance/internal/condition"
	"github.com/roach88/conformance/internal/module"
)

// ErrUnknownModule is returned for test names with no catalog entry.
var ErrUnknownModule = errors.New("unknown test module")

// Info is the published description of a test module.
type Info struct {
	TestName            string   `json:"testName" yaml:"testName"`
	DisplayName         string   `json:"displayName" yaml:"displayName"`
	Profile             string   `json:"profile,omitempty" yaml:"profile,omitempty"`
	ConfigurationFields []string `json:"configurationFields" yaml:"configurationFields"`
	Summary             string   `json:"summary,omitempty" yaml:"summary,omitempty"`
}

// Factory returns a fresh Behavior for one test instance.
type Factory func() module.Behavior

// Entry is one registered module.
type Entry struct {
	Info Info

	// Schema is a CUE definition the module's configuration must unify
	// with. Empty means any object is accepted.
	Schema string

	New Factory
}

// Catalog is safe for concurrent use.
type Catalog struct {
	mu       sync.RWMutex
	entries  map[string]Entry
	registry *condition.Registry
}

// Option configures a Catalog.
type Option func(*Catalog)

// WithRegistry sets the registry that modules created by the catalog
// resolve condition references through.
func WithRegistry(r *condition.Registry) Option {
	return func(c *Catalog) { c.registry = r }
}

// New creates an empty catalog.
func New(opts ...Option) *Catalog {
	c := &Catalog{entries: make(map[string]Entry)}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Registry returns the catalog's condition registry, or nil.
func (c *Catalog) Registry() *condition.Registry { return c.registry }

// Register adds e. Test names are unique.
func (c *Catalog) Register(e Entry) error {
	name := strings.TrimSpace(e.Info.TestName)
	if name == "" {
		return errors.New("catalog entry has no test name")
	}
	if e.New == nil {
		return fmt.Errorf("catalog entry %q has no factory", name)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[name]; exists {
		return fmt.Errorf("test module %q already registered", name)
	}
	c.entries[name] = e
	return nil
}

// Lookup returns the entry for name.
func (c *Catalog) Lookup(name string) (Entry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[name]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrUnknownModule, name)
	}
	return e, nil
}

// List returns every entry's Info, sorted by test name.
func (c *Catalog) List() []Info {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Info, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e.Info)
	}
	slices.SortFunc(out, func(a, b Info) int { return strings.Compare(a.TestName, b.TestName) })
	return out
}

// Create instantiates the module registered as name. Deps without a
// registry get the catalog's.
func (c *Catalog) Create(ctx context.Context, id, name string, deps module.Deps) (*module.Module, error) {
	e, err := c.Lookup(name)
	if err != nil {
		return nil, err
	}
	if deps.Registry == nil {
		deps.Registry = c.registry
	}
	return module.New(ctx, id, name, e.New(), deps)
}
