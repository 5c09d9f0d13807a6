package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ZanzyTHEbar/dagengine"
	"github.com/sourcegraph/conc/pool"
)

// BatchRunner executes the batches of a scheduled plan in order. Nodes of one
// batch run concurrently on a conc pool when parallel execution is enabled; the
// batch is joined before the next one starts.
type BatchRunner struct {
	executor      *NodeExecutor
	maxConcurrent int
	defaultPolicy dagengine.ErrorPolicy
	logger        *slog.Logger

	// Statistics and metrics
	metrics ExecutorMetrics
}

// RunnerOption configures a BatchRunner.
type RunnerOption func(*BatchRunner)

// WithMaxConcurrentNodes bounds how many nodes of a batch run at once. Zero or
// less means the whole batch.
func WithMaxConcurrentNodes(n int) RunnerOption {
	return func(r *BatchRunner) {
		r.maxConcurrent = n
	}
}

// WithDefaultErrorPolicy sets the policy applied to failed nodes that declare none.
func WithDefaultErrorPolicy(p dagengine.ErrorPolicy) RunnerOption {
	return func(r *BatchRunner) {
		if p.Valid() {
			r.defaultPolicy = p
		}
	}
}

// WithRunnerLogger sets the logger.
func WithRunnerLogger(logger *slog.Logger) RunnerOption {
	return func(r *BatchRunner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewBatchRunner creates a BatchRunner that evaluates nodes with executor.
func NewBatchRunner(executor *NodeExecutor, opts ...RunnerOption) *BatchRunner {
	r := &BatchRunner{
		executor:      executor,
		defaultPolicy: dagengine.PolicyStop,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Metrics returns a snapshot of the runner's cumulative statistics.
func (r *BatchRunner) Metrics() ExecutorMetrics {
	return r.metrics.Copy()
}

// run holds the state of one Run call.
type run struct {
	spec    dagengine.RunSpec
	level   slog.Level
	mu      sync.Mutex
	results map[string]*dagengine.NodeResult
}

func (s *run) get(id string) (*dagengine.NodeResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, ok := s.results[id]
	return res, ok
}

// Run implements dagengine.BatchRunner. Every node of the plan gets exactly one
// terminal result.
func (r *BatchRunner) Run(ctx context.Context, spec dagengine.RunSpec) map[string]*dagengine.NodeResult {
	plan := spec.Plan
	state := &run{
		spec:    spec,
		level:   slog.LevelDebug,
		results: make(map[string]*dagengine.NodeResult, len(plan.Nodes)),
	}
	if spec.Monitoring.EnableDetailedLogging {
		state.level = slog.LevelInfo
	}

	runCtx := ctx
	if timeout := spec.Context.Timeout(); timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	for i, batch := range plan.Batches {
		if err := runCtx.Err(); err != nil {
			for _, id := range batch {
				r.skip(ctx, state, id, i, fmt.Sprintf("run stopped before node started: %v", err))
			}
			continue
		}

		if spec.Observer != nil {
			spec.Observer.BatchStarted(ctx, i, batch)
		}
		r.logger.Log(ctx, state.level, "Starting batch", "execution_id", spec.ExecutionID, "batch", i, "nodes", len(batch))

		inputs := make([]NodeInput, 0, len(batch))
		for _, id := range batch {
			in, reason := r.prepare(state, id, i)
			if reason != "" {
				r.skip(ctx, state, id, i, reason)
				continue
			}
			inputs = append(inputs, in)
		}

		// A node counts as parallel only when it can actually overlap a sibling.
		limit := r.maxConcurrent
		if limit <= 0 || limit > len(inputs) {
			limit = len(inputs)
		}
		parallel := spec.Optimization.EnableParallelExecution && limit > 1
		for j := range inputs {
			inputs[j].Parallel = parallel
		}

		if parallel {
			p := pool.New().WithMaxGoroutines(limit)
			for _, in := range inputs {
				p.Go(func() {
					r.execute(ctx, runCtx, state, in)
				})
			}
			p.Wait()
		} else {
			for _, in := range inputs {
				r.execute(ctx, runCtx, state, in)
			}
		}
	}

	r.metrics.runFinished()
	return state.results
}

// prepare collects the payloads a node may see and decides whether it runs at
// all. A non-empty reason means the node is skipped.
func (r *BatchRunner) prepare(state *run, id string, batch int) (NodeInput, string) {
	planned, ok := state.spec.Plan.Node(id)
	if !ok {
		return NodeInput{}, fmt.Sprintf("node '%s' is not in the execution plan", id)
	}
	node := &planned.NodeDefinition

	deps := make(map[string]any, len(node.Dependencies))
	satisfied := true
	for _, depID := range node.Dependencies {
		dep, ok := state.get(depID)
		if !ok {
			return NodeInput{}, fmt.Sprintf("dependency '%s' has no result", depID)
		}
		switch dep.Status {
		case dagengine.NodeSuccess:
			deps[depID] = dep.Result
			continue
		case dagengine.NodeSkipped:
			return NodeInput{}, fmt.Sprintf("dependency '%s' was skipped", depID)
		}

		depNode, _ := state.spec.Plan.Node(depID)
		switch depNode.Policy(r.defaultPolicy) {
		case dagengine.PolicyContinue:
			satisfied = false
		case dagengine.PolicyFallback:
			satisfied = false
			var fallback any
			if depNode.Validation != nil {
				fallback = depNode.Validation.FallbackValue
			}
			deps[depID] = fallback
		default:
			return NodeInput{}, fmt.Sprintf("dependency '%s' %s", depID, dep.Status)
		}
	}

	var graphID string
	if g := state.spec.Plan.Graph; g != nil {
		graphID = g.ID
	}

	return NodeInput{
		Node:                  node,
		GraphID:               graphID,
		InputData:             state.spec.Context.InputData,
		Dependencies:          deps,
		DependenciesSatisfied: satisfied,
		// Results computed from degraded dependencies are never cached.
		UseCache: state.spec.Optimization.EnableCaching && satisfied,
		Batch:    batch,
	}, ""
}

func (r *BatchRunner) execute(ctx, runCtx context.Context, state *run, in NodeInput) {
	if err := runCtx.Err(); err != nil {
		r.skip(ctx, state, in.Node.ID, in.Batch, fmt.Sprintf("run stopped before node started: %v", err))
		return
	}
	res := r.executor.Execute(runCtx, in)
	r.record(ctx, state, in.Node, res)
}

func (r *BatchRunner) skip(ctx context.Context, state *run, id string, batch int, reason string) {
	res := &dagengine.NodeResult{
		NodeID: id,
		Status: dagengine.NodeSkipped,
		Error:  reason,
		Batch:  batch,
	}
	var node *dagengine.NodeDefinition
	if planned, ok := state.spec.Plan.Node(id); ok {
		node = &planned.NodeDefinition
	} else {
		node = &dagengine.NodeDefinition{ID: id}
	}
	r.record(ctx, state, node, res)
}

func (r *BatchRunner) record(ctx context.Context, state *run, node *dagengine.NodeDefinition, res *dagengine.NodeResult) {
	state.mu.Lock()
	state.results[res.NodeID] = res
	state.mu.Unlock()

	r.metrics.observe(res)

	attrs := []any{
		"execution_id", state.spec.ExecutionID,
		"node_id", res.NodeID,
		"status", res.Status,
		"duration", res.ExecutionTime,
		"cache_hit", res.CacheHit,
	}
	if res.Error != "" {
		attrs = append(attrs, "error", res.Error)
	}
	r.logger.Log(ctx, state.level, "Node execution completed", attrs...)

	if state.spec.Observer != nil {
		state.spec.Observer.NodeFinished(ctx, node, res)
	}
}
