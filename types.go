package dagengine

import (
	"time"
)

// NodeKind classifies what a node does. It is informational for execution but
// drives the optimization hints attached to bottlenecks.
type NodeKind string

const (
	KindCalculation    NodeKind = "calculation"
	KindValidation     NodeKind = "validation"
	KindTransformation NodeKind = "transformation"
	KindAggregation    NodeKind = "aggregation"
	KindDecision       NodeKind = "decision"
	KindExternalCall   NodeKind = "external_call"
)

// Valid reports whether k is one of the known node kinds.
func (k NodeKind) Valid() bool {
	switch k {
	case KindCalculation, KindValidation, KindTransformation, KindAggregation, KindDecision, KindExternalCall:
		return true
	}
	return false
}

// ErrorPolicy decides what happens to the dependents of a node that did not succeed.
type ErrorPolicy string

const (
	// PolicyStop skips every dependent of the failed node.
	PolicyStop ErrorPolicy = "stop"
	// PolicyContinue runs dependents with the failed dependency treated as absent.
	PolicyContinue ErrorPolicy = "continue"
	// PolicyFallback runs dependents with the node's FallbackValue as its payload.
	PolicyFallback ErrorPolicy = "fallback"
)

// Valid reports whether p is a known policy.
func (p ErrorPolicy) Valid() bool {
	return p == PolicyStop || p == PolicyContinue || p == PolicyFallback
}

// OperationSpec names the registered operation a node runs and its static parameters.
type OperationSpec struct {
	Function   string         `json:"function" yaml:"function"`
	Parameters map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`
}

// DependenciesKey is the parameter under which an operation receives the payloads
// of its satisfied dependencies, keyed by dependency id. Each payload is also
// available at the top level under the dependency's id.
const DependenciesKey = "dependencies"

// NodeValidation holds per-node input requirements and failure handling.
type NodeValidation struct {
	RequiredFields []string    `json:"required_fields,omitempty" yaml:"required_fields,omitempty"`
	ErrorHandling  ErrorPolicy `json:"error_handling,omitempty" yaml:"error_handling,omitempty"`
	FallbackValue  any         `json:"fallback_value,omitempty" yaml:"fallback_value,omitempty"`
}

// NodeDefinition is one step in the graph.
type NodeDefinition struct {
	ID           string          `json:"id" yaml:"id"`
	Name         string          `json:"name,omitempty" yaml:"name,omitempty"`
	Kind         NodeKind        `json:"type" yaml:"type"`
	Dependencies []string        `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	Operation    OperationSpec   `json:"operation" yaml:"operation"`
	Validation   *NodeValidation `json:"validation,omitempty" yaml:"validation,omitempty"`
	TimeoutMS    int64           `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
}

// Policy returns the node's error handling policy, or def when none is declared.
func (n *NodeDefinition) Policy(def ErrorPolicy) ErrorPolicy {
	if n.Validation != nil && n.Validation.ErrorHandling != "" {
		return n.Validation.ErrorHandling
	}
	return def
}

// Timeout returns the per-node timeout, zero when unset.
func (n *NodeDefinition) Timeout() time.Duration {
	return time.Duration(n.TimeoutMS) * time.Millisecond
}

// GraphDefinition is the whole DAG submitted for one run.
type GraphDefinition struct {
	ID             string           `json:"id" yaml:"id"`
	Name           string           `json:"name,omitempty" yaml:"name,omitempty"`
	Nodes          []NodeDefinition `json:"nodes" yaml:"nodes"`
	ExecutionOrder []string         `json:"execution_order,omitempty" yaml:"execution_order,omitempty"`
}

// NodeIndex maps node ids to their definitions. Later duplicates win; the
// validator rejects duplicates before this matters.
func (g *GraphDefinition) NodeIndex() map[string]*NodeDefinition {
	index := make(map[string]*NodeDefinition, len(g.Nodes))
	for i := range g.Nodes {
		index[g.Nodes[i].ID] = &g.Nodes[i]
	}
	return index
}

// Dependents maps each node id to the ids of the nodes that depend on it.
func (g *GraphDefinition) Dependents() map[string][]string {
	dependents := make(map[string][]string, len(g.Nodes))
	for _, n := range g.Nodes {
		for _, dep := range n.Dependencies {
			dependents[dep] = append(dependents[dep], n.ID)
		}
	}
	return dependents
}

// TerminalNodes returns, in graph order, the ids of nodes nothing depends on.
func (g *GraphDefinition) TerminalNodes() []string {
	dependents := g.Dependents()
	terminal := make([]string, 0)
	for _, n := range g.Nodes {
		if len(dependents[n.ID]) == 0 {
			terminal = append(terminal, n.ID)
		}
	}
	return terminal
}

// ExecutionMode is how the caller wants the run delivered.
type ExecutionMode string

const (
	ModeSynchronous  ExecutionMode = "synchronous"
	ModeAsynchronous ExecutionMode = "asynchronous"
	ModeBatch        ExecutionMode = "batch"
)

// ExecutionContext is the invocation: trigger, input and run limits.
type ExecutionContext struct {
	Trigger       string         `json:"trigger,omitempty" yaml:"trigger,omitempty"`
	InputData     map[string]any `json:"input_data,omitempty" yaml:"input_data,omitempty"`
	ExecutionMode ExecutionMode  `json:"execution_mode,omitempty" yaml:"execution_mode,omitempty"`
	Priority      int            `json:"priority,omitempty" yaml:"priority,omitempty"`
	TimeoutMS     int64          `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
}

// Timeout returns the run-level timeout, zero when unset.
func (c *ExecutionContext) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// NodeStatus is the terminal state of a single node.
type NodeStatus string

const (
	NodeSuccess  NodeStatus = "success"
	NodeFailed   NodeStatus = "failed"
	NodeSkipped  NodeStatus = "skipped"
	NodeTimedOut NodeStatus = "timed_out"
)

// NodeResult is the outcome of one node. It is written once and never mutated.
type NodeResult struct {
	NodeID                string        `json:"node_id"`
	Status                NodeStatus    `json:"status"`
	ExecutionTime         time.Duration `json:"execution_time"`
	Result                any           `json:"result,omitempty"`
	Error                 string        `json:"error,omitempty"`
	DependenciesSatisfied bool          `json:"dependencies_satisfied"`
	ParallelExecution     bool          `json:"parallel_execution"`
	CacheHit              bool          `json:"cache_hit"`
	Batch                 int           `json:"batch"`
	StartedAt             time.Time     `json:"started_at,omitempty"`
	FinishedAt            time.Time     `json:"finished_at,omitempty"`
}

// Ran reports whether the node actually started (as opposed to being skipped).
func (r *NodeResult) Ran() bool {
	return r.Status != NodeSkipped
}

// RunStatus is the overall outcome of a run.
type RunStatus string

const (
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunPartial   RunStatus = "partial"
	// RunPending is only reported for asynchronous submissions still in flight.
	RunPending RunStatus = "pending"
	// RunRejected means the graph never executed: validation failed, or the
	// scheduler hit an internal consistency error.
	RunRejected RunStatus = "rejected"
)

// DeriveRunStatus is completed when every node succeeded, failed when every node
// failed, and partial otherwise.
func DeriveRunStatus(results map[string]*NodeResult) RunStatus {
	if len(results) == 0 {
		return RunFailed
	}
	succeeded, failed := 0, 0
	for _, r := range results {
		switch r.Status {
		case NodeSuccess:
			succeeded++
		case NodeFailed:
			failed++
		}
	}
	switch {
	case succeeded == len(results):
		return RunCompleted
	case failed == len(results):
		return RunFailed
	default:
		return RunPartial
	}
}

// SelectFinalOutput returns the payload of the single terminal node, or a map of
// terminal node id to payload when the graph has several.
func SelectFinalOutput(graph *GraphDefinition, results map[string]*NodeResult) any {
	terminal := graph.TerminalNodes()
	payload := func(id string) any {
		if r, ok := results[id]; ok {
			return r.Result
		}
		return nil
	}
	if len(terminal) == 1 {
		return payload(terminal[0])
	}
	out := make(map[string]any, len(terminal))
	for _, id := range terminal {
		out[id] = payload(id)
	}
	return out
}

// PlannedNode is a node annotated by the optimizer.
type PlannedNode struct {
	NodeDefinition
	// ParallelEligible marks nodes with no dependencies.
	ParallelEligible bool `json:"parallel_eligible"`
	// Priority is the length of the longest chain of dependents; higher launches first.
	Priority int `json:"priority"`
}

// ExecutionPlan is the optimizer's output plus the scheduler's batches.
type ExecutionPlan struct {
	Graph   *GraphDefinition    `json:"-"`
	Options OptimizationOptions `json:"options"`
	Nodes   []PlannedNode       `json:"nodes"`
	Applied []string            `json:"applied_optimizations,omitempty"`
	Batches [][]string          `json:"batches,omitempty"`
}

// Node looks up a planned node by id.
func (p *ExecutionPlan) Node(id string) (*PlannedNode, bool) {
	for i := range p.Nodes {
		if p.Nodes[i].ID == id {
			return &p.Nodes[i], true
		}
	}
	return nil, false
}

// Bottleneck is a node whose elapsed time exceeded the reporting threshold.
type Bottleneck struct {
	NodeID        string        `json:"node_id"`
	Kind          NodeKind      `json:"type"`
	ExecutionTime time.Duration `json:"execution_time"`
	Suggestion    string        `json:"suggestion"`
}

// PerformanceMetrics summarises a run.
type PerformanceMetrics struct {
	CacheHits              int           `json:"cache_hits"`
	CacheMisses            int           `json:"cache_misses"`
	ParallelNodes          int           `json:"parallel_nodes"`
	BatchCount             int           `json:"batch_count"`
	TotalNodeTime          time.Duration `json:"total_node_time"`
	TimeSavedByParallelism time.Duration `json:"time_saved_by_parallelism"`
}

// Analysis is the analyzer's read-only summary of a finished run.
type Analysis struct {
	Metrics       PerformanceMetrics `json:"metrics"`
	ExecutionPath []string           `json:"execution_path"`
	Bottlenecks   []Bottleneck       `json:"bottlenecks"`
}

// OptimizationReport lists what the optimizer applied and what the analyzer found.
type OptimizationReport struct {
	Applied     []string     `json:"applied,omitempty"`
	Bottlenecks []Bottleneck `json:"bottlenecks"`
}

// ExecutionReport is the aggregate result of a run.
type ExecutionReport struct {
	ExecutionID        string                 `json:"execution_id"`
	GraphID            string                 `json:"graph_id"`
	Status             RunStatus              `json:"status"`
	ExecutionTime      time.Duration          `json:"execution_time"`
	NodeResults        map[string]*NodeResult `json:"node_results"`
	ExecutionPath      []string               `json:"execution_path"`
	Batches            [][]string             `json:"batches"`
	PerformanceMetrics PerformanceMetrics     `json:"performance_metrics"`
	Optimizations      OptimizationReport     `json:"optimizations"`
	FinalOutput        any                    `json:"final_output"`
	StartedAt          time.Time              `json:"started_at"`
	CompletedAt        time.Time              `json:"completed_at"`
}

// OptimizationOptions toggles optimizer and executor features for one run.
type OptimizationOptions struct {
	EnableParallelExecution bool `json:"enable_parallel_execution" yaml:"enable_parallel_execution"`
	EnableCaching           bool `json:"enable_caching" yaml:"enable_caching"`
	DependencyOptimization  bool `json:"dependency_optimization" yaml:"dependency_optimization"`
}

// DefaultOptimizationOptions enables everything.
func DefaultOptimizationOptions() OptimizationOptions {
	return OptimizationOptions{
		EnableParallelExecution: true,
		EnableCaching:           true,
		DependencyOptimization:  true,
	}
}

// MonitoringOptions toggles telemetry for one run.
type MonitoringOptions struct {
	EnablePerformanceTracking bool `json:"enable_performance_tracking" yaml:"enable_performance_tracking"`
	EnableDetailedLogging     bool `json:"enable_detailed_logging" yaml:"enable_detailed_logging"`
}

// ExecutionRequest is what the surrounding request layer hands to the engine.
type ExecutionRequest struct {
	OrganizationID string               `json:"organization_id"`
	Graph          GraphDefinition      `json:"graph"`
	Context        ExecutionContext     `json:"context"`
	Optimization   *OptimizationOptions `json:"optimization,omitempty"`
	Monitoring     *MonitoringOptions   `json:"monitoring,omitempty"`
}

// Response is always returned to the caller, whatever happened.
type Response struct {
	Success     bool             `json:"success"`
	Status      RunStatus        `json:"status"`
	ExecutionID string           `json:"execution_id"`
	Report      *ExecutionReport `json:"report,omitempty"`
	Errors      []string         `json:"errors,omitempty"`
	ErrorCode   string           `json:"error_code,omitempty"`
	Stage       string           `json:"stage,omitempty"`
}

// AuditRecord is written once per run to the tenant's append-only store.
type AuditRecord struct {
	ExecutionID    string           `json:"execution_id"`
	OrganizationID string           `json:"organization_id"`
	GraphID        string           `json:"graph_id"`
	Status         RunStatus        `json:"status"`
	Trigger        string           `json:"trigger,omitempty"`
	Priority       int              `json:"priority"`
	ExecutionTime  time.Duration    `json:"execution_time"`
	NodeCount      int              `json:"node_count"`
	Report         *ExecutionReport `json:"report,omitempty"`
	Errors         []string         `json:"errors,omitempty"`
	RecordedAt     time.Time        `json:"recorded_at"`
}
