package dagengine

import "context"

// Operation is a named function a node can run.
type Operation interface {
	// Name returns the function identifier nodes reference.
	Name() string

	// Execute runs the operation on the merged parameter set: context input data,
	// the node's static parameters and its dependencies' payloads.
	Execute(ctx context.Context, params map[string]any) (any, error)
}

// OperationRegistry resolves function identifiers to operations.
type OperationRegistry interface {
	// Lookup returns an *EngineError with ErrCodeOperationNotFound for unknown names.
	Lookup(name string) (Operation, error)
}

// Cache stores node results across runs.
type Cache interface {
	Get(ctx context.Context, key string) (any, error)
	Set(ctx context.Context, key string, value any) error
}

// AuditSink is the write-only, per-tenant store that receives one record per run.
type AuditSink interface {
	Record(ctx context.Context, organizationID string, record AuditRecord) error
}

// Validator checks a graph for structural problems.
type Validator interface {
	Validate(graph *GraphDefinition) ValidationErrors
}

// Optimizer reorders and annotates a validated graph without changing its meaning.
type Optimizer interface {
	Optimize(graph *GraphDefinition, opts OptimizationOptions) *ExecutionPlan
}

// Scheduler groups planned nodes into ordered batches of independent nodes.
type Scheduler interface {
	Schedule(plan *ExecutionPlan) ([][]string, error)
}

// NodeObserver is notified as a run progresses. Calls for nodes of the same batch
// may arrive concurrently.
type NodeObserver interface {
	BatchStarted(ctx context.Context, index int, nodeIDs []string)
	NodeFinished(ctx context.Context, node *NodeDefinition, result *NodeResult)
}

// RunSpec is everything a BatchRunner needs for one run.
type RunSpec struct {
	ExecutionID  string
	Plan         *ExecutionPlan
	Context      ExecutionContext
	Optimization OptimizationOptions
	Monitoring   MonitoringOptions
	Observer     NodeObserver
}

// BatchRunner executes a scheduled plan and returns a terminal result for every node.
type BatchRunner interface {
	Run(ctx context.Context, spec RunSpec) map[string]*NodeResult
}

// Analyzer summarises finished results without mutating them.
type Analyzer interface {
	Analyze(plan *ExecutionPlan, results map[string]*NodeResult) Analysis
}

// MetricsRecorder receives run and node measurements when performance tracking is on.
type MetricsRecorder interface {
	ObserveNode(node *NodeDefinition, result *NodeResult)
	ObserveRun(report *ExecutionReport)
}
