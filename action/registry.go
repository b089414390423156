package action

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps action types to their handlers.
// It is safe for concurrent reads; Register should only be called at startup.
type Registry struct {
	mu       sync.RWMutex
	handlers map[Type]Handler
}

// NewRegistry creates an empty Registry.
func NewRegistry(handlers ...Handler) *Registry {
	r := &Registry{handlers: make(map[Type]Handler)}
	for _, h := range handlers {
		r.Register(h)
	}
	return r
}

// Register adds a handler. Panics on an undeclared or duplicate type to
// surface misconfiguration early.
func (r *Registry) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !h.Type().Valid() {
		panic(fmt.Sprintf("action registry: undeclared type %q", h.Type()))
	}
	if _, exists := r.handlers[h.Type()]; exists {
		panic(fmt.Sprintf("action registry: duplicate type %q", h.Type()))
	}
	r.handlers[h.Type()] = h
}

// Get returns the handler for the given type.
func (r *Registry) Get(t Type) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[t]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoHandler, t)
	}
	return h, nil
}

// Types returns all registered action types, sorted.
func (r *Registry) Types() []Type {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Type, 0, len(r.handlers))
	for k := range r.handlers {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Missing returns the declared types that have no handler.
func (r *Registry) Missing() []Type {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Type
	for _, t := range types {
		if _, ok := r.handlers[t]; !ok {
			out = append(out, t)
		}
	}
	return out
}

// ValidateTemplate checks the template shape and, when a handler is
// registered, its parameters. Expression params (strings starting with "=")
// are resolved at dispatch time and are skipped here.
func (r *Registry) ValidateTemplate(t Template) error {
	if err := t.Validate(); err != nil {
		return err
	}
	r.mu.RLock()
	h, ok := r.handlers[t.Type]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	literal := make(map[string]any, len(t.Params))
	for k, v := range t.Params {
		if s, isString := v.(string); isString && IsExpression(s) {
			literal[k] = placeholder
			continue
		}
		literal[k] = v
	}
	if err := h.Validate(literal); err != nil {
		return fmt.Errorf("%s: %w", t.Type, err)
	}
	return nil
}

// placeholder stands in for expression params during static validation.
const placeholder = "<expr>"

// IsExpression reports whether a string param is a CEL expression.
func IsExpression(s string) bool {
	return len(s) > 1 && s[0] == '='
}
