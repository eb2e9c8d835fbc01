// Package framework provides the methodology framework collaborator: named
// guidance frameworks that contribute a system-prompt preamble and their own
// gates to an execution. The guidance content is external; the engine only
// resolves which framework applies.
package framework

import (
	"fmt"
	"sort"
	"sync"
)

// Framework is one methodology definition.
type Framework struct {
	ID          string `yaml:"id" json:"id"`
	Name        string `yaml:"name,omitempty" json:"name,omitempty"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// SystemPrompt is the guidance preamble injected ahead of the step.
	SystemPrompt string `yaml:"system_prompt,omitempty" json:"system_prompt,omitempty"`

	// Gates are the gate ids this methodology contributes.
	Gates []string `yaml:"gates,omitempty" json:"gates,omitempty"`
}

// Resolver resolves framework references from parsed commands.
type Resolver interface {
	// Resolve returns the framework for an id; an empty id returns the
	// default framework (which may be nil). Unknown non-empty ids error.
	Resolve(id string) (*Framework, error)

	// List returns all known frameworks sorted by id, for the judge phase's
	// resource menu.
	List() []*Framework
}

// Registry is an in-memory Resolver with an optional default.
type Registry struct {
	mu         sync.RWMutex
	frameworks map[string]*Framework
	defaultID  string
}

// NewRegistry creates a registry over the given frameworks. defaultID may be
// empty for no default.
func NewRegistry(frameworks []*Framework, defaultID string) *Registry {
	m := make(map[string]*Framework, len(frameworks))
	for _, f := range frameworks {
		if f != nil && f.ID != "" {
			m[f.ID] = f
		}
	}
	return &Registry{frameworks: m, defaultID: defaultID}
}

// Resolve implements Resolver.
func (r *Registry) Resolve(id string) (*Framework, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if id == "" {
		if r.defaultID == "" {
			return nil, nil
		}
		id = r.defaultID
	}
	f, ok := r.frameworks[id]
	if !ok {
		return nil, fmt.Errorf("unknown framework %q", id)
	}
	return f, nil
}

// List implements Resolver.
func (r *Registry) List() []*Framework {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Framework, 0, len(r.frameworks))
	for _, f := range r.frameworks {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
