// Package pipeline is the DAG runner: stages with declared dependencies
// executed sequentially or in parallel, each guarded by quality gates, with
// pause and resume persisted to the store.
package pipeline

import (
	"fmt"
	"sync"
)

// Graph tracks stage dependencies and determines execution order. Safe for
// concurrent use.
type Graph struct {
	mu         sync.Mutex
	stages     map[string]*Stage
	inDegree   map[string]int
	dependents map[string][]string
	completed  map[string]bool
}

// NewGraph builds a dependency graph from the spec's stages and rejects
// unknown dependencies and cycles.
func NewGraph(stages []Stage) (*Graph, error) {
	g := &Graph{
		stages:     make(map[string]*Stage),
		inDegree:   make(map[string]int),
		dependents: make(map[string][]string),
		completed:  make(map[string]bool),
	}
	for i := range stages {
		s := &stages[i]
		if _, dup := g.stages[s.Name]; dup {
			return nil, fmt.Errorf("duplicate stage %q", s.Name)
		}
		g.stages[s.Name] = s
		g.inDegree[s.Name] = 0
	}
	for _, s := range stages {
		for _, dep := range s.Dependencies {
			if _, ok := g.stages[dep]; !ok {
				return nil, fmt.Errorf("stage %q depends on unknown stage %q", s.Name, dep)
			}
			g.inDegree[s.Name]++
			g.dependents[dep] = append(g.dependents[dep], s.Name)
		}
	}
	if err := g.detectCycle(); err != nil {
		return nil, err
	}
	return g, nil
}

// detectCycle runs Kahn's algorithm over a scratch copy of the in-degrees.
func (g *Graph) detectCycle() error {
	degree := make(map[string]int, len(g.inDegree))
	for name, d := range g.inDegree {
		degree[name] = d
	}
	var queue []string
	for name, d := range degree {
		if d == 0 {
			queue = append(queue, name)
		}
	}
	visited := 0
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		visited++
		for _, dep := range g.dependents[name] {
			degree[dep]--
			if degree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}
	if visited != len(g.stages) {
		return fmt.Errorf("dependency cycle among pipeline stages")
	}
	return nil
}

// Ready returns the stages whose dependencies have all completed and that
// have not completed themselves.
func (g *Graph) Ready() []*Stage {
	g.mu.Lock()
	defer g.mu.Unlock()
	var ready []*Stage
	for name, s := range g.stages {
		if !g.completed[name] && g.inDegree[name] == 0 {
			ready = append(ready, s)
		}
	}
	return ready
}

// Complete marks a stage done and unblocks its dependents.
func (g *Graph) Complete(name string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.completed[name] {
		return
	}
	g.completed[name] = true
	for _, dep := range g.dependents[name] {
		g.inDegree[dep]--
	}
}

// MarkCompleted pre-completes stages, used when resuming a paused run.
func (g *Graph) MarkCompleted(names []string) {
	for _, n := range names {
		g.Complete(n)
	}
}

// Done reports whether every stage has completed.
func (g *Graph) Done() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.completed) == len(g.stages)
}
