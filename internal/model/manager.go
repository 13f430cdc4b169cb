package model

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rendis/procflow/pkg/schema"
)

// Manager resolves model and process qualifiers to process graphs.
// Graphs handed out by a Manager are read-only.
type Manager interface {
	Model(name string) (*schema.Model, error)
	// Process resolves "/Model/Process".
	Process(qualifier string) (*schema.Process, error)
	Models() []*schema.Model
}

// Registry is the in-memory Manager. Models are registered as a batch so
// subprocess references across models resolve atomically.
type Registry struct {
	mu     sync.RWMutex
	models map[string]*schema.Model
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{models: make(map[string]*schema.Model)}
}

// Register links and adds models, replacing any registered under the same
// name. Subprocess references resolve against the batch first and the
// registered models second. Nothing is registered when any reference fails.
func (r *Registry) Register(models ...*schema.Model) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	staged := make(map[string]*schema.Model, len(r.models)+len(models))
	for name, m := range r.models {
		staged[name] = m
	}
	for _, m := range models {
		if m == nil || m.Name == "" {
			return schema.NewError(schema.ErrCodeValidation, "model without a name")
		}
		if res := schema.Link(m); !res.Valid() {
			return res.ToError()
		}
		staged[m.Name] = m
	}

	for _, m := range models {
		if err := resolveSubprocesses(m, staged); err != nil {
			return err
		}
	}
	r.models = staged
	return nil
}

// Remove unregisters a model. It reports whether the model was registered.
func (r *Registry) Remove(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.models[name]
	delete(r.models, name)
	return ok
}

// Model returns the named model or a MODEL_NOT_FOUND error.
func (r *Registry) Model(name string) (*schema.Model, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.models[strings.TrimPrefix(name, "/")]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeModelNotFound, "model %q not found", name)
	}
	return m, nil
}

// Process resolves a process qualifier "/Model/Process".
func (r *Registry) Process(qualifier string) (*schema.Process, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lookupProcess(r.models, qualifier)
}

// Models returns the registered models sorted by name.
func (r *Registry) Models() []*schema.Model {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*schema.Model, 0, len(r.models))
	for _, m := range r.models {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Fingerprint returns the fingerprint of a registered model, or "".
func (r *Registry) Fingerprint(name string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if m, ok := r.models[name]; ok {
		return m.Fingerprint
	}
	return ""
}

func lookupProcess(models map[string]*schema.Model, qualifier string) (*schema.Process, error) {
	ref, ok := schema.ParseSocketRef(qualifier)
	if !ok || ref.Node != "" {
		return nil, schema.NewErrorf(schema.ErrCodeModelNotFound, "invalid process qualifier %q", qualifier)
	}
	m, ok := models[ref.Model]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeModelNotFound, "model %q not found", ref.Model)
	}
	p := m.Process(ref.Process)
	if p == nil {
		return nil, schema.NewErrorf(schema.ErrCodeModelNotFound, "process %q not found in model %q", ref.Process, ref.Model)
	}
	return p, nil
}

// resolveSubprocesses binds subprocess nodes to their callee. A reference is
// either "/Model/Process" or a process name of the same model.
func resolveSubprocesses(m *schema.Model, models map[string]*schema.Model) error {
	for _, p := range m.Processes {
		for _, n := range p.Nodes {
			if n.Kind != schema.NodeSubprocess {
				continue
			}
			n.SubprocessRef = nil
			qualifier := n.Subprocess
			if !strings.HasPrefix(qualifier, "/") {
				qualifier = m.Qualifier() + "/" + qualifier
			}
			callee, err := lookupProcess(models, qualifier)
			if err != nil {
				return schema.NewError(schema.ErrCodeModelNotFound,
					fmt.Sprintf("node %s: subprocess %q not found", n.Qualifier(), n.Subprocess)).WithCause(err)
			}
			n.SubprocessRef = callee
		}
	}
	return nil
}
