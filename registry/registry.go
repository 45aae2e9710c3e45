// Package registry provides the global experiment registry for TrialFlow.
// Experiments are compiled into the binary and looked up by the name a
// bundle's trialflow.yaml gives in its experiment field.
package registry

import (
	"errors"
	"fmt"
	"sync"

	"github.com/petal-labs/trialflow"
)

// ErrUnknownExperiment is returned when no definition has the requested name.
var ErrUnknownExperiment = errors.New("registry: unknown experiment")

// ExperimentDef describes a registered experiment.
type ExperimentDef struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
	Description string `json:"description"`

	// New builds a fresh experiment definition for a bundle load.
	New func() trialflow.Experiment `json:"-"`
}

var (
	global     *Registry
	globalOnce sync.Once
)

// Global returns the singleton registry instance. On first call it
// initializes the registry and auto-registers the built-in experiments.
func Global() *Registry {
	globalOnce.Do(func() {
		global = newRegistry()
		registerBuiltins(global)
	})
	return global
}

// Registry holds all known experiments.
type Registry struct {
	mu    sync.RWMutex
	defs  map[string]ExperimentDef
	order []string // preserves registration order
}

func newRegistry() *Registry {
	return &Registry{
		defs: make(map[string]ExperimentDef),
	}
}

// Register adds an experiment definition. If one with the same name
// already exists it is overwritten.
func (r *Registry) Register(def ExperimentDef) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[def.Name]; !exists {
		r.order = append(r.order, def.Name)
	}
	r.defs[def.Name] = def
}

// Get returns an experiment definition by name.
func (r *Registry) Get(name string) (ExperimentDef, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[name]
	return def, ok
}

// Has returns true if the name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.defs[name]
	return ok
}

// Resolve builds the experiment registered under name. Its signature
// matches trialflow.Resolver.
func (r *Registry) Resolve(name string) (trialflow.Experiment, error) {
	def, ok := r.Get(name)
	if !ok || def.New == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownExperiment, name)
	}
	return def.New(), nil
}

// All returns all registered experiments in registration order.
// Used by GET /api/experiments.
func (r *Registry) All() []ExperimentDef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]ExperimentDef, 0, len(r.order))
	for _, name := range r.order {
		result = append(result, r.defs[name])
	}
	return result
}

// Len returns the number of registered experiments.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.defs)
}
