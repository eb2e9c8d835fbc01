// Package prompts provides read-only access to the prompt template library.
// The authoring format is an external concern; this package loads YAML
// definitions, serves lookups, and substitutes template arguments. The
// engine never interprets the guidance text itself.
package prompts

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Argument declares one template argument.
type Argument struct {
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	Required    bool   `yaml:"required,omitempty" json:"required,omitempty"`
}

// ChainStepDef is one step of a template-defined chain.
type ChainStepDef struct {
	PromptID       string `yaml:"prompt" json:"prompt"`
	Arguments      string `yaml:"arguments,omitempty" json:"arguments,omitempty"`
	OutputVariable string `yaml:"output_variable,omitempty" json:"output_variable,omitempty"`
}

// ToolDef declares a prompt-scoped script tool. The command receives the
// template arguments as a JSON object on stdin and prints a JSON object of
// outputs on stdout.
type ToolDef struct {
	ID          string   `yaml:"id" json:"id"`
	Description string   `yaml:"description,omitempty" json:"description,omitempty"`
	Command     []string `yaml:"command" json:"command"`

	// AutoExecute runs the tool before rendering and binds its outputs as
	// template arguments.
	AutoExecute bool `yaml:"auto_execute,omitempty" json:"auto_execute,omitempty"`
}

// Prompt is one loaded prompt definition.
type Prompt struct {
	ID          string     `yaml:"id" json:"id"`
	Name        string     `yaml:"name,omitempty" json:"name,omitempty"`
	Description string     `yaml:"description,omitempty" json:"description,omitempty"`
	Category    string     `yaml:"category,omitempty" json:"category,omitempty"`
	Arguments   []Argument `yaml:"arguments,omitempty" json:"arguments,omitempty"`
	Template    string     `yaml:"template" json:"template"`

	// Gates are the prompt's own gate configuration.
	Gates []string `yaml:"gates,omitempty" json:"gates,omitempty"`

	// Chain defines a template-level chain; a prompt with chain steps
	// expands into multi-step execution.
	Chain []ChainStepDef `yaml:"chain,omitempty" json:"chain,omitempty"`

	// FinalValidation lists chain-level gates applied to the last step.
	FinalValidation []string `yaml:"final_validation,omitempty" json:"final_validation,omitempty"`

	// Tools are the prompt's script tools.
	Tools []ToolDef `yaml:"tools,omitempty" json:"tools,omitempty"`

	// Dir is the directory the prompt was loaded from; tool commands run
	// relative to it. Set by the loader.
	Dir string `yaml:"-" json:"-"`
}

// IsChain reports whether the prompt expands into a multi-step chain.
func (p *Prompt) IsChain() bool {
	return len(p.Chain) > 0
}

var templateVarRe = regexp.MustCompile(`\{\{\s*([A-Za-z_][\w]*)\s*\}\}`)

// Render substitutes {{name}} placeholders from args. Unknown placeholders
// are left intact so a later step (e.g. step-output binding) can fill them.
func (p *Prompt) Render(args map[string]string) string {
	return templateVarRe.ReplaceAllStringFunc(p.Template, func(m string) string {
		name := templateVarRe.FindStringSubmatch(m)[1]
		if v, ok := args[name]; ok {
			return v
		}
		return m
	})
}

// Library is the read-only lookup surface the engine depends on.
type Library interface {
	// Get returns the prompt for an id, or nil when unknown.
	Get(id string) *Prompt

	// IDs returns every known prompt id, sorted.
	IDs() []string
}

// DirLibrary loads prompt definitions from a directory of YAML files and
// supports hot reload. Reloads swap the whole map atomically.
type DirLibrary struct {
	dir    string
	logger *zap.Logger

	mu      sync.RWMutex
	prompts map[string]*Prompt
}

// NewDirLibrary creates a library for the given directory. Call Load before
// first use.
func NewDirLibrary(dir string, logger *zap.Logger) *DirLibrary {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DirLibrary{
		dir:     dir,
		logger:  logger,
		prompts: make(map[string]*Prompt),
	}
}

// Load reads every .yaml/.yml file in the directory. Unparsable files are
// skipped with a warning; a missing directory yields an empty library.
func (l *DirLibrary) Load() error {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			l.logger.Info("prompt directory missing, starting empty",
				zap.String("dir", l.dir))
			return nil
		}
		return fmt.Errorf("failed to read prompt directory: %w", err)
	}

	prompts := make(map[string]*Prompt)
	for _, entry := range entries {
		if entry.IsDir() || !isYAMLFile(entry.Name()) {
			continue
		}
		path := filepath.Join(l.dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read prompt file %s: %w", path, err)
		}
		var prompt Prompt
		if err := yaml.Unmarshal(data, &prompt); err != nil {
			l.logger.Warn("skipping unparsable prompt definition",
				zap.String("path", path), zap.Error(err))
			continue
		}
		if prompt.ID == "" {
			l.logger.Warn("skipping prompt definition without id", zap.String("path", path))
			continue
		}
		prompt.Dir = l.dir
		prompts[prompt.ID] = &prompt
	}

	l.mu.Lock()
	l.prompts = prompts
	l.mu.Unlock()

	l.logger.Info("loaded prompt definitions",
		zap.String("dir", l.dir), zap.Int("count", len(prompts)))
	return nil
}

// Watch reloads the library when definition files change. Blocks until the
// context is cancelled.
func (l *DirLibrary) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(l.dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", l.dir, err)
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
			if err := l.Load(); err != nil {
				l.logger.Warn("prompt library reload failed", zap.Error(err))
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			l.logger.Warn("prompt library watch error", zap.Error(err))
		}
	}
}

// Get returns the prompt for an id, or nil when unknown.
func (l *DirLibrary) Get(id string) *Prompt {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.prompts[id]
}

// IDs returns every known prompt id, sorted.
func (l *DirLibrary) IDs() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ids := make([]string, 0, len(l.prompts))
	for id := range l.prompts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Replace swaps in a complete prompt set. Intended for tests.
func (l *DirLibrary) Replace(prompts []*Prompt) {
	m := make(map[string]*Prompt, len(prompts))
	for _, p := range prompts {
		if p != nil && p.ID != "" {
			m[p.ID] = p
		}
	}
	l.mu.Lock()
	l.prompts = m
	l.mu.Unlock()
}

func isYAMLFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}
