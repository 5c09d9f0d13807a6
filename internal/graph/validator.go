// Package graph holds the structural passes that run before any node executes:
// validation, optimization and batch scheduling, plus graph file loading.
package graph

import (
	"fmt"
	"strings"

	"github.com/ZanzyTHEbar/dagengine"
)

// GraphValidator checks graphs for missing fields, dangling references and cycles.
// It has no state and no side effects.
type GraphValidator struct{}

// NewValidator returns a GraphValidator.
func NewValidator() *GraphValidator {
	return &GraphValidator{}
}

// Validate collects every structural problem it can find. Field and reference
// checks report all violations; cycle detection stops at the first cycle.
func (v *GraphValidator) Validate(g *dagengine.GraphDefinition) dagengine.ValidationErrors {
	if g == nil {
		return dagengine.ValidationErrors{"graph is nil"}
	}
	if len(g.Nodes) == 0 {
		return dagengine.ValidationErrors{fmt.Sprintf("graph '%s' has no nodes", g.ID)}
	}

	var errs dagengine.ValidationErrors
	ids := make(map[string]struct{}, len(g.Nodes))

	for i, n := range g.Nodes {
		label := n.ID
		if strings.TrimSpace(n.ID) == "" {
			errs = append(errs, fmt.Sprintf("node at index %d is missing an id", i))
			label = fmt.Sprintf("#%d", i)
		} else if _, dup := ids[n.ID]; dup {
			errs = append(errs, fmt.Sprintf("duplicate node id '%s'", n.ID))
		} else {
			ids[n.ID] = struct{}{}
		}

		switch {
		case n.Kind == "":
			errs = append(errs, fmt.Sprintf("node '%s' is missing a type", label))
		case !n.Kind.Valid():
			errs = append(errs, fmt.Sprintf("node '%s' has unknown type '%s'", label, n.Kind))
		}

		if strings.TrimSpace(n.Operation.Function) == "" {
			errs = append(errs, fmt.Sprintf("node '%s' is missing an operation function", label))
		}
		if n.Validation != nil && n.Validation.ErrorHandling != "" && !n.Validation.ErrorHandling.Valid() {
			errs = append(errs, fmt.Sprintf("node '%s' has unknown error_handling policy '%s'", label, n.Validation.ErrorHandling))
		}
		if n.TimeoutMS < 0 {
			errs = append(errs, fmt.Sprintf("node '%s' has a negative timeout", label))
		}
	}

	for _, n := range g.Nodes {
		for _, dep := range n.Dependencies {
			if _, ok := ids[dep]; !ok {
				errs = append(errs, fmt.Sprintf("node '%s' depends on missing node '%s'", n.ID, dep))
			}
		}
	}

	if cycle := FindCycle(g); cycle != nil {
		errs = append(errs, fmt.Sprintf("cycle detected: %s", strings.Join(cycle, " -> ")))
	} else if len(g.ExecutionOrder) > 0 {
		errs = append(errs, validateExecutionOrder(g, ids)...)
	}

	return errs
}

// FindCycle returns the first dependency cycle found as a closed path
// (first and last element equal), or nil if the graph is acyclic. Dependencies
// on unknown nodes are ignored.
func FindCycle(g *dagengine.GraphDefinition) []string {
	index := g.NodeIndex()
	visited := make(map[string]bool, len(g.Nodes))
	onStack := make(map[string]bool, len(g.Nodes))
	stack := make([]string, 0, len(g.Nodes))

	var visit func(id string) []string
	visit = func(id string) []string {
		if onStack[id] {
			for i, s := range stack {
				if s == id {
					cycle := append([]string{}, stack[i:]...)
					return append(cycle, id)
				}
			}
		}
		if visited[id] {
			return nil
		}
		visited[id] = true
		onStack[id] = true
		stack = append(stack, id)

		if node, ok := index[id]; ok {
			for _, dep := range node.Dependencies {
				if _, known := index[dep]; !known {
					continue
				}
				if cycle := visit(dep); cycle != nil {
					return cycle
				}
			}
		}

		onStack[id] = false
		stack = stack[:len(stack)-1]
		return nil
	}

	for _, n := range g.Nodes {
		if visited[n.ID] {
			continue
		}
		if cycle := visit(n.ID); cycle != nil {
			return cycle
		}
	}
	return nil
}

// validateExecutionOrder checks that an explicit order is a permutation of the
// node ids that never places a node before one of its dependencies.
func validateExecutionOrder(g *dagengine.GraphDefinition, ids map[string]struct{}) []string {
	var errs []string
	position := make(map[string]int, len(g.ExecutionOrder))
	for i, id := range g.ExecutionOrder {
		if _, ok := ids[id]; !ok {
			errs = append(errs, fmt.Sprintf("execution_order references unknown node '%s'", id))
			continue
		}
		if _, seen := position[id]; seen {
			errs = append(errs, fmt.Sprintf("execution_order lists node '%s' more than once", id))
			continue
		}
		position[id] = i
	}
	for _, n := range g.Nodes {
		if _, ok := position[n.ID]; !ok {
			errs = append(errs, fmt.Sprintf("execution_order is missing node '%s'", n.ID))
		}
	}
	if len(errs) > 0 {
		return errs
	}
	for _, n := range g.Nodes {
		for _, dep := range n.Dependencies {
			if position[dep] > position[n.ID] {
				errs = append(errs, fmt.Sprintf("execution_order places '%s' before its dependency '%s'", n.ID, dep))
			}
		}
	}
	return errs
}
