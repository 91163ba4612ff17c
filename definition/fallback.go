package definition

import (
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/c360studio/conductor/workflow"
)

// Fallback holds the legacy static definitions, one ordered stage list per
// workflow type, loaded from a YAML file. The fallback is data so that new
// workflow types ship by data change alone.
type Fallback struct {
	path   string
	logger *slog.Logger

	mu   sync.RWMutex
	defs map[workflow.Type]*workflow.Definition

	watcher *fsnotify.Watcher
}

// fallbackFile is the YAML shape of the legacy definitions file.
type fallbackFile struct {
	Definitions []workflow.Definition `yaml:"definitions"`
}

// LoadFallback reads the legacy definitions file and validates every entry.
func LoadFallback(path string, logger *slog.Logger) (*Fallback, error) {
	f := &Fallback{path: path, logger: logger}
	if err := f.reload(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *Fallback) reload() error {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return fmt.Errorf("read fallback definitions: %w", err)
	}
	var file fallbackFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse fallback definitions: %w", err)
	}

	defs := make(map[workflow.Type]*workflow.Definition, len(file.Definitions))
	for i := range file.Definitions {
		def := &file.Definitions[i]
		if errs := def.Validate(); len(errs) > 0 {
			return fmt.Errorf("fallback definition for %s invalid: %v", def.WorkflowType, errs)
		}
		defs[def.WorkflowType] = def
	}

	f.mu.Lock()
	f.defs = defs
	f.mu.Unlock()
	return nil
}

// Get returns the fallback definition for a workflow type, or nil.
func (f *Fallback) Get(workflowType workflow.Type) *workflow.Definition {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.defs[workflowType]
}

// Watch re-reads the file on change and invalidates the engine's cache.
// Stops when Close is called.
func (f *Fallback) Watch(engine *Engine) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(f.path); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", f.path, err)
	}
	f.watcher = watcher

	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}
				if err := f.reload(); err != nil {
					f.logger.Error("reload fallback definitions", "error", err)
					continue
				}
				engine.ClearCache()
				f.logger.Info("fallback definitions reloaded", "path", f.path)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				f.logger.Warn("fallback watcher error", "error", err)
			}
		}
	}()
	return nil
}

// Close stops the watcher.
func (f *Fallback) Close() error {
	if f.watcher != nil {
		return f.watcher.Close()
	}
	return nil
}
