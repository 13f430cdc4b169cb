package handlers

import (
	"sort"
	"sync"

	"github.com/rendis/procflow/pkg/schema"
)

// Registry is a thread-safe set of named handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds a handler. Returns an error on a duplicate name.
func (r *Registry) Register(h Handler) error {
	if h == nil {
		return schema.NewError(schema.ErrCodeValidation, "handler is nil")
	}
	name := h.Name()
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "handler name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "handler %q already registered", name)
	}
	r.handlers[name] = h
	return nil
}

// Get retrieves a handler by name.
func (r *Registry) Get(name string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "handler %q not registered", name)
	}
	return h, nil
}

// Has checks if a handler is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[name]
	return ok
}

// List returns the registered handlers sorted by name.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.handlers))
	for _, h := range r.handlers {
		infos = append(infos, Info{Name: h.Name(), Description: h.Description()})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc struct {
	name string
	desc string
	fn   func(hc *Context) (bool, error)
}

// NewFunc creates a named handler from a function.
func NewFunc(name, description string, fn func(hc *Context) (bool, error)) *HandlerFunc {
	return &HandlerFunc{name: name, desc: description, fn: fn}
}

func (h *HandlerFunc) Name() string                      { return h.name }
func (h *HandlerFunc) Description() string               { return h.desc }
func (h *HandlerFunc) Execute(hc *Context) (bool, error) { return h.fn(hc) }
