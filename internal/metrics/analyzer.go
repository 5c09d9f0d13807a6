// Package metrics summarises finished runs: the bottleneck analyzer that feeds the
// execution report, and a Prometheus collector for process-wide instruments.
package metrics

import (
	"sort"
	"time"

	"github.com/ZanzyTHEbar/dagengine"
)

// DefaultBottleneckThreshold is the elapsed time above which a node is reported as
// a bottleneck.
const DefaultBottleneckThreshold = time.Second

var suggestions = map[dagengine.NodeKind]string{
	dagengine.KindCalculation:    "Cache intermediate results or precompute static inputs",
	dagengine.KindValidation:     "Move cheap checks first and validate earlier in the graph",
	dagengine.KindTransformation: "Reduce the payload size before transforming it",
	dagengine.KindAggregation:    "Pre-aggregate inputs or split the aggregation across parallel nodes",
	dagengine.KindDecision:       "Simplify the decision condition or cache its inputs",
	dagengine.KindExternalCall:   "Batch or cache external calls and set a tighter timeout",
}

const defaultSuggestion = "Review the operation for optimization opportunities"

// Suggestion returns the optimization hint attached to bottlenecks of kind.
func Suggestion(kind dagengine.NodeKind) string {
	if s, ok := suggestions[kind]; ok {
		return s
	}
	return defaultSuggestion
}

// BottleneckAnalyzer implements dagengine.Analyzer. It only reads its inputs.
type BottleneckAnalyzer struct {
	threshold time.Duration
}

// NewAnalyzer returns an analyzer reporting nodes slower than threshold. A
// non-positive threshold selects DefaultBottleneckThreshold.
func NewAnalyzer(threshold time.Duration) *BottleneckAnalyzer {
	if threshold <= 0 {
		threshold = DefaultBottleneckThreshold
	}
	return &BottleneckAnalyzer{threshold: threshold}
}

// Analyze computes the performance metrics, execution path and bottleneck list.
func (a *BottleneckAnalyzer) Analyze(plan *dagengine.ExecutionPlan, results map[string]*dagengine.NodeResult) dagengine.Analysis {
	var m dagengine.PerformanceMetrics
	m.BatchCount = len(plan.Batches)

	ran := make([]*dagengine.NodeResult, 0, len(results))
	for _, r := range results {
		if !r.Ran() {
			continue
		}
		ran = append(ran, r)
		m.TotalNodeTime += r.ExecutionTime
		if r.ParallelExecution {
			m.ParallelNodes++
		}
		switch {
		case r.CacheHit:
			m.CacheHits++
		case plan.Options.EnableCaching && r.DependenciesSatisfied:
			m.CacheMisses++
		}
	}
	m.TimeSavedByParallelism = timeSaved(plan.Batches, results)

	sort.Slice(ran, func(i, j int) bool {
		if ran[i].ExecutionTime != ran[j].ExecutionTime {
			return ran[i].ExecutionTime < ran[j].ExecutionTime
		}
		if ran[i].Batch != ran[j].Batch {
			return ran[i].Batch < ran[j].Batch
		}
		return ran[i].NodeID < ran[j].NodeID
	})
	path := make([]string, len(ran))
	for i, r := range ran {
		path[i] = r.NodeID
	}

	return dagengine.Analysis{
		Metrics:       m,
		ExecutionPath: path,
		Bottlenecks:   a.bottlenecks(plan, ran),
	}
}

// bottlenecks expects ran sorted by ascending elapsed time and returns the slow
// nodes slowest first.
func (a *BottleneckAnalyzer) bottlenecks(plan *dagengine.ExecutionPlan, ran []*dagengine.NodeResult) []dagengine.Bottleneck {
	out := make([]dagengine.Bottleneck, 0)
	for i := len(ran) - 1; i >= 0; i-- {
		r := ran[i]
		if r.ExecutionTime <= a.threshold {
			break
		}
		var kind dagengine.NodeKind
		if n, ok := plan.Node(r.NodeID); ok {
			kind = n.Kind
		}
		out = append(out, dagengine.Bottleneck{
			NodeID:        r.NodeID,
			Kind:          kind,
			ExecutionTime: r.ExecutionTime,
			Suggestion:    Suggestion(kind),
		})
	}
	return out
}

// timeSaved sums, over batches where more than one node ran in parallel, the
// difference between the serial and the wall-clock cost of the batch.
func timeSaved(batches [][]string, results map[string]*dagengine.NodeResult) time.Duration {
	var saved time.Duration
	for _, batch := range batches {
		var sum, longest time.Duration
		n := 0
		for _, id := range batch {
			r, ok := results[id]
			if !ok || !r.Ran() || !r.ParallelExecution {
				continue
			}
			n++
			sum += r.ExecutionTime
			if r.ExecutionTime > longest {
				longest = r.ExecutionTime
			}
		}
		if n > 1 {
			saved += sum - longest
		}
	}
	return saved
}
