package definition

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/querybridge/querybridge/core/logging"
	"github.com/querybridge/querybridge/core/shared/errors"
)

// Registry indexes query definitions by id. Registered definitions are
// immutable; a reload swaps the whole set at once.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]*QueryDefinition
	log  *logging.Logger
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		defs: make(map[string]*QueryDefinition),
		log:  logging.New("definition:registry"),
	}
}

// Register adds a definition after validating it. Registering an id twice
// fails with DUPLICATE_DEFINITION.
func (r *Registry) Register(def *QueryDefinition) error {
	result := Validate(def)
	if !result.IsValid {
		return errors.New(errors.ErrCodeInvalidDefinition,
			fmt.Sprintf("definition '%s' is invalid: %s", def.ID, strings.Join(result.Errors, "; ")))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[def.ID]; exists {
		return errors.New(errors.ErrCodeDuplicateDefinition,
			fmt.Sprintf("definition '%s' already registered", def.ID))
	}
	r.defs[def.ID] = def
	return nil
}

// Get returns the definition with the given id
func (r *Registry) Get(id string) (*QueryDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, exists := r.defs[id]
	if !exists {
		return nil, errors.New(errors.ErrCodeNotFound, fmt.Sprintf("query '%s' not found", id))
	}
	return def, nil
}

// ListFilter narrows a List call; zero values match everything
type ListFilter struct {
	DataSource DataSource
	Category   string
}

// List returns a fresh slice of definitions matching the filter, sorted by
// id so repeated calls are restartable and order-stable.
func (r *Registry) List(filter ListFilter) []*QueryDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*QueryDefinition, 0, len(r.defs))
	for _, def := range r.defs {
		if filter.DataSource != "" && def.DataSource != filter.DataSource {
			continue
		}
		if filter.Category != "" && def.Category != filter.Category {
			continue
		}
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of registered definitions
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.defs)
}

// Replace swaps the registry contents wholesale. Every incoming definition
// must be valid and ids must be unique; on any error the current contents
// are kept untouched.
func (r *Registry) Replace(defs []*QueryDefinition) error {
	next := make(map[string]*QueryDefinition, len(defs))
	for _, def := range defs {
		result := Validate(def)
		if !result.IsValid {
			return errors.New(errors.ErrCodeInvalidDefinition,
				fmt.Sprintf("definition '%s' is invalid: %s", def.ID, strings.Join(result.Errors, "; ")))
		}
		if _, exists := next[def.ID]; exists {
			return errors.New(errors.ErrCodeDuplicateDefinition,
				fmt.Sprintf("definition '%s' appears twice", def.ID))
		}
		next[def.ID] = def
	}

	r.mu.Lock()
	r.defs = next
	r.mu.Unlock()
	return nil
}

// definitionFile is the on-disk shape: one file may hold several definitions
type definitionFile struct {
	Definitions []*QueryDefinition `yaml:"definitions"`
}

// ParseFile parses one YAML definitions file
func ParseFile(path string) ([]*QueryDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var file definitionFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return file.Definitions, nil
}

// LoadDir parses every *.yaml/*.yml file in dir and replaces the registry
// contents with the result.
func (r *Registry) LoadDir(dir string) error {
	defs, err := loadDir(dir)
	if err != nil {
		return err
	}
	if err := r.Replace(defs); err != nil {
		return err
	}
	r.log.Infof("loaded %d definition(s) from %s", len(defs), dir)
	return nil
}

func loadDir(dir string) ([]*QueryDefinition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read definitions dir: %w", err)
	}

	var defs []*QueryDefinition
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		fileDefs, err := ParseFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		defs = append(defs, fileDefs...)
	}
	return defs, nil
}

// Watch reloads the registry whenever the definitions directory changes.
// A reload that fails to parse or validate keeps the previous contents.
// The watcher stops when the done channel closes.
func (r *Registry) Watch(dir string, done <-chan struct{}) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				if err := r.LoadDir(dir); err != nil {
					r.log.Warnf("reload after %s failed, keeping previous definitions: %v", event.Name, err)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				r.log.Warnf("definitions watcher error: %v", err)
			case <-done:
				return
			}
		}
	}()
	return nil
}
