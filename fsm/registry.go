package fsm

import (
	"sync"

	"github.com/c360studio/conductor/workflow"
)

// Registry holds the per-workflow machines owned by this process. Access to
// the map is guarded by a local mutex; individual machines are serialized
// by the per-task distributed lock, not by the registry.
type Registry struct {
	mu       sync.Mutex
	machines map[string]*Machine
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{machines: make(map[string]*Machine)}
}

// Get returns the machine for a workflow, or nil when absent.
func (r *Registry) Get(workflowID string) *Machine {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.machines[workflowID]
}

// GetOrRestore returns the machine for a workflow, restoring one from
// persisted state when this process has none.
func (r *Registry) GetOrRestore(w *workflow.Workflow) *Machine {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.machines[w.ID]; ok {
		return m
	}
	m := Restore(w.ID, w.Status, w.CurrentStage)
	r.machines[w.ID] = m
	return m
}

// Put registers a machine, replacing any existing one.
func (r *Registry) Put(m *Machine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.machines[m.WorkflowID] = m
}

// Remove drops a workflow's machine, typically once terminal.
func (r *Registry) Remove(workflowID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.machines, workflowID)
}

// Len returns the number of tracked machines.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.machines)
}
