// Package registry holds the set of tools the server can execute.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrDuplicateName is returned when a tool name is registered twice.
	ErrDuplicateName = errors.New("duplicate tool name")
	// ErrSealed is returned when registering after Seal.
	ErrSealed = errors.New("registry is sealed")
)

// Kind is the scalar type of a tool parameter.
type Kind string

const (
	KindString  Kind = "string"
	KindInteger Kind = "integer"
	KindNumber  Kind = "number"
	KindBoolean Kind = "boolean"
)

func (k Kind) valid() bool {
	switch k {
	case KindString, KindInteger, KindNumber, KindBoolean:
		return true
	}
	return false
}

// Param describes one named tool argument.
type Param struct {
	Name        string `json:"name" yaml:"name"`
	Kind        Kind   `json:"kind" yaml:"kind"`
	Required    bool   `json:"required" yaml:"required"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// Caller issues a nested tool call on behalf of a running handler.
type Caller interface {
	Call(ctx context.Context, tool string, args map[string]any) (any, error)
}

// Handler executes a tool with validated arguments.
type Handler func(ctx context.Context, args Args, caller Caller) (any, error)

// Tool is an executable capability. Tools are not modified after registration.
type Tool struct {
	Name        string  `json:"name" yaml:"name"`
	Description string  `json:"description" yaml:"description"`
	Params      []Param `json:"parameters" yaml:"parameters"`
	Handler     Handler `json:"-" yaml:"-"`
}

// Bind adapts a handler taking a typed parameter struct. Validated arguments
// are decoded into T through their JSON field names.
func Bind[T any](fn func(ctx context.Context, params T, caller Caller) (any, error)) Handler {
	return func(ctx context.Context, args Args, caller Caller) (any, error) {
		var params T
		data, err := json.Marshal(args)
		if err != nil {
			return nil, fmt.Errorf("encoding arguments: %w", err)
		}
		if err := json.Unmarshal(data, &params); err != nil {
			return nil, fmt.Errorf("decoding arguments into %T: %w", params, err)
		}
		return fn(ctx, params, caller)
	}
}

// Registry is a name-indexed tool set that preserves registration order.
type Registry struct {
	mu     sync.RWMutex
	tools  []Tool
	index  map[string]int
	sealed bool
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{index: make(map[string]int)}
}

// Register adds a tool. Names must be unique and non-empty.
func (r *Registry) Register(t Tool) error {
	if t.Name == "" {
		return errors.New("tool name is required")
	}
	if t.Handler == nil {
		return fmt.Errorf("tool %q: handler is required", t.Name)
	}

	seen := make(map[string]bool, len(t.Params))
	for _, p := range t.Params {
		if p.Name == "" {
			return fmt.Errorf("tool %q: parameter name is required", t.Name)
		}
		if seen[p.Name] {
			return fmt.Errorf("tool %q: duplicate parameter %q", t.Name, p.Name)
		}
		if !p.Kind.valid() {
			return fmt.Errorf("tool %q: parameter %q has unsupported kind %q", t.Name, p.Name, p.Kind)
		}
		seen[p.Name] = true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return fmt.Errorf("registering %q: %w", t.Name, ErrSealed)
	}
	if _, ok := r.index[t.Name]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateName, t.Name)
	}

	t.Params = append([]Param(nil), t.Params...)
	r.index[t.Name] = len(r.tools)
	r.tools = append(r.tools, t)
	return nil
}

// MustRegister is Register for static tool tables.
func (r *Registry) MustRegister(tools ...Tool) {
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			panic(err)
		}
	}
}

// Seal stops further registration.
func (r *Registry) Seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

// Resolve returns the tool registered under name.
func (r *Registry) Resolve(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	i, ok := r.index[name]
	if !ok {
		return Tool{}, false
	}
	return r.tools[i], true
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.Resolve(name)
	return ok
}

// List returns all tools in registration order.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Tool(nil), r.tools...)
}
