package graph

import (
	"sort"

	"github.com/ZanzyTHEbar/dagengine"
)

// BatchScheduler groups nodes into batches whose dependencies all live in
// earlier batches.
type BatchScheduler struct{}

// NewScheduler returns a BatchScheduler.
func NewScheduler() *BatchScheduler {
	return &BatchScheduler{}
}

// Schedule scans the unscheduled nodes repeatedly, taking every node whose
// dependencies are already scheduled. A scan that takes nothing while nodes remain
// means the graph was not a DAG after all and yields ErrCodeInternalConsistency.
func (s *BatchScheduler) Schedule(plan *dagengine.ExecutionPlan) ([][]string, error) {
	remaining := make([]*dagengine.PlannedNode, 0, len(plan.Nodes))
	for i := range plan.Nodes {
		remaining = append(remaining, &plan.Nodes[i])
	}

	var override map[string]int
	if plan.Graph != nil && len(plan.Graph.ExecutionOrder) > 0 {
		override = make(map[string]int, len(plan.Graph.ExecutionOrder))
		for i, id := range plan.Graph.ExecutionOrder {
			override[id] = i
		}
	}

	scheduled := make(map[string]bool, len(plan.Nodes))
	batches := make([][]string, 0)

	for len(remaining) > 0 {
		batch := make([]*dagengine.PlannedNode, 0)
		rest := make([]*dagengine.PlannedNode, 0, len(remaining))

		for _, n := range remaining {
			if dependenciesScheduled(n, scheduled) {
				batch = append(batch, n)
			} else {
				rest = append(rest, n)
			}
		}

		if len(batch) == 0 {
			ids := make([]string, len(rest))
			for i, n := range rest {
				ids[i] = n.ID
			}
			return nil, dagengine.NewInternalConsistencyError(ids)
		}

		orderBatch(batch, override)

		ids := make([]string, len(batch))
		for i, n := range batch {
			ids[i] = n.ID
			scheduled[n.ID] = true
		}
		batches = append(batches, ids)
		remaining = rest
	}

	return batches, nil
}

func dependenciesScheduled(n *dagengine.PlannedNode, scheduled map[string]bool) bool {
	for _, dep := range n.Dependencies {
		if !scheduled[dep] {
			return false
		}
	}
	return true
}

// orderBatch sorts by the explicit execution order when present, otherwise by
// descending critical path length then id.
func orderBatch(batch []*dagengine.PlannedNode, override map[string]int) {
	sort.SliceStable(batch, func(i, j int) bool {
		if override != nil {
			return override[batch[i].ID] < override[batch[j].ID]
		}
		if batch[i].Priority != batch[j].Priority {
			return batch[i].Priority > batch[j].Priority
		}
		return batch[i].ID < batch[j].ID
	})
}
