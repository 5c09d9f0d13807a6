package graph

import (
	"testing"

	"github.com/ZanzyTHEbar/dagengine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func diamond() *dagengine.GraphDefinition {
	return graphOf(
		node("d", "b", "c"),
		node("b", "a"),
		node("c", "a"),
		node("a"),
		node("e"),
	)
}

func TestCriticalPathLengths(t *testing.T) {
	got := CriticalPathLengths(diamond())
	assert.Equal(t, map[string]int{"a": 2, "b": 1, "c": 1, "d": 0, "e": 0}, got)
}

func TestOptimize_AllTransforms(t *testing.T) {
	g := diamond()
	plan := NewOptimizer().Optimize(g, dagengine.DefaultOptimizationOptions())

	assert.Same(t, g, plan.Graph)
	assert.Equal(t, []string{TransformDependencyOrdering, TransformParallelMarking}, plan.Applied)
	require.Len(t, plan.Nodes, 5)

	// Stable by dependency count: roots first, in graph order.
	ids := make([]string, len(plan.Nodes))
	for i, n := range plan.Nodes {
		ids[i] = n.ID
	}
	assert.Equal(t, []string{"a", "e", "b", "c", "d"}, ids)

	for _, n := range plan.Nodes {
		assert.Equal(t, len(n.Dependencies) == 0, n.ParallelEligible, "node %s", n.ID)
	}
	a, ok := plan.Node("a")
	require.True(t, ok)
	assert.Equal(t, 2, a.Priority)
}

func TestOptimize_NoTransforms(t *testing.T) {
	plan := NewOptimizer().Optimize(diamond(), dagengine.OptimizationOptions{})

	assert.Empty(t, plan.Applied)
	assert.Equal(t, "d", plan.Nodes[0].ID, "graph order is kept")
	for _, n := range plan.Nodes {
		assert.False(t, n.ParallelEligible)
	}
}

func TestOptimize_DoesNotMutateGraph(t *testing.T) {
	g := diamond()
	before := diamond()

	NewOptimizer().Optimize(g, dagengine.DefaultOptimizationOptions())
	assert.Equal(t, before, g)
}
