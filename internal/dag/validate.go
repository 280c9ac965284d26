// Package dag validates pipeline definitions and derives the scheduling
// graphs the bootstrapper needs to seed the broker.
package dag

import (
	"fmt"

	"github.com/meridian-orchestrator/meridian/internal/models"
)

// UnknownDependencyError is returned when a task names a dependency that is
// not itself a key in the definition.
type UnknownDependencyError struct {
	TaskID     string
	Dependency string
}

func (e *UnknownDependencyError) Error() string {
	return fmt.Sprintf("task %q declares unknown dependency %q", e.TaskID, e.Dependency)
}

// CycleError is returned when the definition contains a cycle, including the
// degenerate case of a non-empty definition with no root tasks at all.
type CycleError struct {
	Resolved int
	Total    int
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("pipeline definition contains a cycle: resolved %d of %d tasks", e.Resolved, e.Total)
}

// Graph is the result of a successful validation: the reverse adjacency
// (parent -> children) and in-degree (task -> number of dependencies) derived
// from a single O(V+E) pass over the definition, reused by the bootstrapper
// so it never re-walks the definition itself.
type Graph struct {
	// Children maps a task id to the tasks that declare it as a dependency
	// (i.e. its downstream jobs); the order within each list is not defined.
	Children map[string][]string
	// InDegree maps a task id to the number of dependencies it declares.
	InDegree map[string]int
}

// Validate checks that definition is acyclic and dependency-closed using
// Kahn's algorithm, returning the derived reverse-adjacency graph on success.
// Validate is pure: it performs no broker or store I/O.
func Validate(definition models.Definition) (*Graph, error) {
	children := make(map[string][]string, len(definition))
	inDegree := make(map[string]int, len(definition))

	for taskID := range definition {
		children[taskID] = nil
		inDegree[taskID] = 0
	}

	for taskID, def := range definition {
		for _, dep := range def.Dependencies {
			if _, ok := children[dep]; !ok {
				return nil, &UnknownDependencyError{TaskID: taskID, Dependency: dep}
			}
			children[dep] = append(children[dep], taskID)
			inDegree[taskID]++
		}
	}

	queue := make([]string, 0, len(definition))
	for taskID, degree := range inDegree {
		if degree == 0 {
			queue = append(queue, taskID)
		}
	}

	if len(queue) == 0 && len(definition) > 0 {
		return nil, &CycleError{Resolved: 0, Total: len(definition)}
	}

	remaining := make(map[string]int, len(inDegree))
	for k, v := range inDegree {
		remaining[k] = v
	}

	resolved := 0
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		resolved++

		for _, dependent := range children[current] {
			remaining[dependent]--
			if remaining[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	if resolved != len(definition) {
		return nil, &CycleError{Resolved: resolved, Total: len(definition)}
	}

	return &Graph{Children: children, InDegree: inDegree}, nil
}
