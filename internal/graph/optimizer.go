package graph

import (
	"sort"

	"github.com/ZanzyTHEbar/dagengine"
)

// Names of the transforms recorded in ExecutionPlan.Applied.
const (
	TransformDependencyOrdering = "dependency_ordering"
	TransformParallelMarking    = "parallel_marking"
)

// GraphOptimizer produces an ExecutionPlan from a validated graph. It is a pure
// function of its inputs and never mutates the graph.
type GraphOptimizer struct{}

// NewOptimizer returns a GraphOptimizer.
func NewOptimizer() *GraphOptimizer {
	return &GraphOptimizer{}
}

// Optimize copies the graph's nodes, annotates each with its critical path length
// and applies the transforms enabled in opts.
func (o *GraphOptimizer) Optimize(g *dagengine.GraphDefinition, opts dagengine.OptimizationOptions) *dagengine.ExecutionPlan {
	priorities := CriticalPathLengths(g)

	nodes := make([]dagengine.PlannedNode, len(g.Nodes))
	for i, n := range g.Nodes {
		nodes[i] = dagengine.PlannedNode{
			NodeDefinition: n,
			Priority:       priorities[n.ID],
		}
	}

	var applied []string
	if opts.DependencyOptimization {
		sort.SliceStable(nodes, func(i, j int) bool {
			return len(nodes[i].Dependencies) < len(nodes[j].Dependencies)
		})
		applied = append(applied, TransformDependencyOrdering)
	}
	if opts.EnableParallelExecution {
		for i := range nodes {
			nodes[i].ParallelEligible = len(nodes[i].Dependencies) == 0
		}
		applied = append(applied, TransformParallelMarking)
	}

	return &dagengine.ExecutionPlan{
		Graph:   g,
		Options: opts,
		Nodes:   nodes,
		Applied: applied,
	}
}

// CriticalPathLengths computes, for each node, the length of the longest chain of
// dependents below it. Leaves get 0. Nodes on a cycle are cut off at the back edge
// rather than recursing forever.
func CriticalPathLengths(g *dagengine.GraphDefinition) map[string]int {
	dependents := g.Dependents()
	lengths := make(map[string]int, len(g.Nodes))
	visiting := make(map[string]bool, len(g.Nodes))

	var dfs func(id string) int
	dfs = func(id string) int {
		if v, ok := lengths[id]; ok {
			return v
		}
		if visiting[id] {
			return 0
		}
		visiting[id] = true
		defer func() { visiting[id] = false }()

		maxLen := 0
		for _, next := range dependents[id] {
			if l := 1 + dfs(next); l > maxLen {
				maxLen = l
			}
		}
		lengths[id] = maxLen
		return maxLen
	}

	for _, n := range g.Nodes {
		dfs(n.ID)
	}
	return lengths
}
