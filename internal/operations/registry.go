// Package operations holds the registry of named functions graph nodes can run and
// the built-in business operations.
package operations

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ZanzyTHEbar/dagengine"
)

// Registry maps function identifiers to operations. It is safe for concurrent use;
// lookups happen from every node goroutine.
type Registry struct {
	mu  sync.RWMutex
	ops map[string]dagengine.Operation
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{ops: make(map[string]dagengine.Operation)}
}

// NewDefaultRegistry returns a registry populated with the built-in operations.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	for _, op := range Builtins() {
		r.MustRegister(op)
	}
	return r
}

// Register adds an operation. Names must be unique.
func (r *Registry) Register(op dagengine.Operation) error {
	if op == nil {
		return fmt.Errorf("operation cannot be nil")
	}
	name := op.Name()
	if name == "" {
		return fmt.Errorf("operation name cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.ops[name]; exists {
		return fmt.Errorf("operation with name '%s' already exists", name)
	}
	r.ops[name] = op
	return nil
}

// MustRegister is Register for startup code; it panics on a duplicate name.
func (r *Registry) MustRegister(op dagengine.Operation) {
	if err := r.Register(op); err != nil {
		panic(err)
	}
}

// Lookup implements dagengine.OperationRegistry.
func (r *Registry) Lookup(name string) (dagengine.Operation, error) {
	r.mu.RLock()
	op, ok := r.ops[name]
	r.mu.RUnlock()
	if !ok {
		return nil, dagengine.NewOperationNotFoundError("executing", name)
	}
	return op, nil
}

// Names returns the registered function identifiers, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.ops))
	for name := range r.ops {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Schemas returns the schema of every registered operation that exposes one.
func (r *Registry) Schemas() map[string]map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	schemas := make(map[string]map[string]any, len(r.ops))
	for name, op := range r.ops {
		if s, ok := op.(interface{ Schema() map[string]any }); ok {
			schemas[name] = s.Schema()
		}
	}
	return schemas
}
