package gates

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// ActivationContext describes the execution a gate may auto-activate for.
type ActivationContext struct {
	// Strategy is the planned execution strategy ("single" or "chain").
	Strategy string

	// PromptID is the primary prompt being executed.
	PromptID string

	// Category is the prompt's category, when known.
	Category string
}

// ActiveGateSet is the resolved view of a set of gate ids.
type ActiveGateSet struct {
	// Active holds the definitions that resolved, in request order.
	Active []*Definition

	// Guidance is the concatenated guidance text of the active gates.
	Guidance string

	// Validation holds the subset of active gates that require a verdict.
	Validation []*Definition

	// Missing lists requested ids with no known definition.
	Missing []string
}

// Lookup provides read-only access to gate definitions. The pipeline depends
// on this interface; the YAML-backed Registry is the standard implementation.
type Lookup interface {
	// LoadGate returns the definition for an id, or nil when unknown.
	LoadGate(id string) *Definition

	// ActiveGates resolves a set of ids into definitions plus guidance text.
	ActiveGates(ids []string, actx ActivationContext) *ActiveGateSet

	// AutoActivated returns the ids of gates whose own activation rules
	// match the given context.
	AutoActivated(actx ActivationContext) []string
}

// Registry loads gate definitions from a directory of YAML files and serves
// lookups. Watch enables hot reload; a reload replaces the whole definition
// map atomically so lookups never observe a partially loaded set.
type Registry struct {
	dir    string
	logger *zap.Logger

	mu   sync.RWMutex
	defs map[string]*Definition
}

// NewRegistry creates a registry for the given definitions directory. Call
// Load before first use.
func NewRegistry(dir string, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		dir:    dir,
		logger: logger,
		defs:   make(map[string]*Definition),
	}
}

// Load reads every .yaml/.yml file in the registry directory. Files that fail
// to parse are skipped with a warning; a missing directory yields an empty
// registry rather than an error.
func (r *Registry) Load() error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if os.IsNotExist(err) {
			r.logger.Info("gate definitions directory missing, starting empty",
				zap.String("dir", r.dir))
			return nil
		}
		return fmt.Errorf("failed to read gate directory: %w", err)
	}

	defs := make(map[string]*Definition)
	for _, entry := range entries {
		if entry.IsDir() || !isYAMLFile(entry.Name()) {
			continue
		}
		path := filepath.Join(r.dir, entry.Name())
		def, err := readDefinition(path)
		if err != nil {
			r.logger.Warn("skipping unparsable gate definition",
				zap.String("path", path), zap.Error(err))
			continue
		}
		if def.ID == "" {
			r.logger.Warn("skipping gate definition without id", zap.String("path", path))
			continue
		}
		defs[def.ID] = def
	}

	r.mu.Lock()
	r.defs = defs
	r.mu.Unlock()

	r.logger.Info("loaded gate definitions",
		zap.String("dir", r.dir), zap.Int("count", len(defs)))
	return nil
}

// Watch reloads the registry when files in the directory change. It blocks
// until the context is cancelled and is meant to run in its own goroutine.
func (r *Registry) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(r.dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", r.dir, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !isYAMLFile(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if err := r.Load(); err != nil {
				r.logger.Warn("gate registry reload failed", zap.Error(err))
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn("gate registry watch error", zap.Error(err))
		}
	}
}

// LoadGate returns the definition for an id, or nil when unknown.
func (r *Registry) LoadGate(id string) *Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defs[id]
}

// Count returns the number of loaded definitions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.defs)
}

// Replace swaps in a complete definition set. Intended for tests and
// embedded defaults.
func (r *Registry) Replace(defs []*Definition) {
	m := make(map[string]*Definition, len(defs))
	for _, d := range defs {
		if d != nil && d.ID != "" {
			m[d.ID] = d
		}
	}
	r.mu.Lock()
	r.defs = m
	r.mu.Unlock()
}

// ActiveGates resolves the requested ids into definitions, concatenated
// guidance, and the validating subset. Unknown ids are reported in Missing,
// not silently dropped.
func (r *Registry) ActiveGates(ids []string, actx ActivationContext) *ActiveGateSet {
	set := &ActiveGateSet{}
	var guidance []string

	for _, id := range ids {
		def := r.LoadGate(id)
		if def == nil {
			set.Missing = append(set.Missing, id)
			continue
		}
		set.Active = append(set.Active, def)
		if def.Guidance != "" {
			guidance = append(guidance, def.Guidance)
		}
		if def.Validating {
			set.Validation = append(set.Validation, def)
		}
	}

	set.Guidance = strings.Join(guidance, "\n\n")
	return set
}

// AutoActivated returns ids of gates whose activation rules match the
// context, in lexical id order for determinism.
func (r *Registry) AutoActivated(actx ActivationContext) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ids []string
	for id, def := range r.defs {
		if def.AutoActivation == nil {
			continue
		}
		if matchesActivation(def.AutoActivation, actx) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func matchesActivation(auto *AutoActivation, actx ActivationContext) bool {
	if auto.Always {
		return true
	}
	for _, s := range auto.Strategies {
		if s == actx.Strategy {
			return true
		}
	}
	for _, c := range auto.Categories {
		if c != "" && c == actx.Category {
			return true
		}
	}
	return false
}

func readDefinition(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}
	return &def, nil
}

func isYAMLFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}
