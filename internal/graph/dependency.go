// Package graph orders agent startup by declared dependencies.
package graph

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var (
	// ErrCycleDetected is returned when the dependency graph contains a cycle.
	ErrCycleDetected = errors.New("dependency cycle detected")

	// ErrUnknownDependency is returned when an agent depends on an agent
	// that is not in the graph.
	ErrUnknownDependency = errors.New("unknown dependency")
)

// CycleError reports the path of a detected dependency cycle.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("%v: %s", ErrCycleDetected, strings.Join(e.Path, " -> "))
}

func (e *CycleError) Unwrap() error { return ErrCycleDetected }

// DependencyGraph is a DAG of agent names used to compute startup phases.
type DependencyGraph struct {
	deps map[string][]string
	mu   sync.RWMutex
}

// NewDependencyGraph creates an empty graph.
func NewDependencyGraph() *DependencyGraph {
	return &DependencyGraph{deps: make(map[string][]string)}
}

// AddNode adds an agent with its dependencies. Nil or empty dependencies
// mean the agent can start in the first phase.
func (g *DependencyGraph) AddNode(name string, dependencies []string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	deps := make([]string, len(dependencies))
	copy(deps, dependencies)
	g.deps[name] = deps
}

// Validate checks for unknown dependencies and cycles.
func (g *DependencyGraph) Validate() error {
	g.mu.RLock()
	defer g.mu.RUnlock()

	for name, deps := range g.deps {
		for _, dep := range deps {
			if _, exists := g.deps[dep]; !exists {
				return fmt.Errorf("%w: agent %q depends on unknown agent %q",
					ErrUnknownDependency, name, dep)
			}
		}
	}

	// DFS with coloring: 0 unvisited, 1 on stack, 2 done.
	colors := make(map[string]int)
	var stack []string

	var visit func(name string) error
	visit = func(name string) error {
		switch colors[name] {
		case 1:
			start := 0
			for i, n := range stack {
				if n == name {
					start = i
					break
				}
			}
			return &CycleError{Path: append(append([]string{}, stack[start:]...), name)}
		case 2:
			return nil
		}

		colors[name] = 1
		stack = append(stack, name)
		for _, dep := range g.deps[name] {
			if err := visit(dep); err != nil {
				return err
			}
		}
		colors[name] = 2
		stack = stack[:len(stack)-1]
		return nil
	}

	for name := range g.deps {
		if colors[name] == 0 {
			if err := visit(name); err != nil {
				return err
			}
		}
	}
	return nil
}

// TopologicalLevels groups agents into startup phases using Kahn's
// algorithm. Phase 0 holds agents with no dependencies; phase N holds agents
// whose dependencies all live in earlier phases. Agents within a phase can
// start in parallel.
func (g *DependencyGraph) TopologicalLevels() ([][]string, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	if len(g.deps) == 0 {
		return nil, nil
	}

	inDegree := make(map[string]int, len(g.deps))
	dependents := make(map[string][]string)
	for name, deps := range g.deps {
		inDegree[name] = len(deps)
		for _, dep := range deps {
			dependents[dep] = append(dependents[dep], name)
		}
	}

	var levels [][]string
	remaining := len(g.deps)

	for remaining > 0 {
		var level []string
		for name, degree := range inDegree {
			if degree == 0 {
				level = append(level, name)
			}
		}
		if len(level) == 0 {
			return nil, ErrCycleDetected
		}

		sort.Strings(level)
		for _, name := range level {
			delete(inDegree, name)
			for _, dep := range dependents[name] {
				inDegree[dep]--
			}
		}

		levels = append(levels, level)
		remaining -= len(level)
	}

	return levels, nil
}

// Dependencies returns a copy of the dependency list for name, or nil if the
// agent is not in the graph.
func (g *DependencyGraph) Dependencies(name string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	deps, exists := g.deps[name]
	if !exists {
		return nil
	}
	out := make([]string, len(deps))
	copy(out, deps)
	return out
}
