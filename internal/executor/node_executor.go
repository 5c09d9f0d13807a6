// Package executor runs scheduled execution plans: a NodeExecutor evaluates one
// node and a BatchRunner drives the batches.
package executor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ZanzyTHEbar/dagengine"
	"github.com/ZanzyTHEbar/dagengine/internal/telemetry"
)

const stageExecuting = "executing"

// NodeExecutor evaluates a single node: cache lookup, parameter merge, required
// field check, operation dispatch and result capture. Failures never escape as
// errors; they become failed or timed_out results.
type NodeExecutor struct {
	registry       dagengine.OperationRegistry
	cache          dagengine.Cache
	logger         *slog.Logger
	defaultTimeout time.Duration
}

// NodeExecutorOption configures a NodeExecutor.
type NodeExecutorOption func(*NodeExecutor)

// WithCache sets the result cache. Without one, caching is disabled regardless of
// the run's optimization options.
func WithCache(cache dagengine.Cache) NodeExecutorOption {
	return func(e *NodeExecutor) {
		e.cache = cache
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) NodeExecutorOption {
	return func(e *NodeExecutor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithDefaultNodeTimeout bounds nodes that declare no timeout of their own.
func WithDefaultNodeTimeout(d time.Duration) NodeExecutorOption {
	return func(e *NodeExecutor) {
		e.defaultTimeout = d
	}
}

// NewNodeExecutor creates a NodeExecutor dispatching through registry.
func NewNodeExecutor(registry dagengine.OperationRegistry, opts ...NodeExecutorOption) *NodeExecutor {
	e := &NodeExecutor{
		registry: registry,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// NodeInput is everything the executor needs to evaluate one node.
type NodeInput struct {
	Node *dagengine.NodeDefinition
	// GraphID scopes the node's cache entries to its graph.
	GraphID string
	// InputData is the run's context input data.
	InputData map[string]any
	// Dependencies holds the payloads of dependencies that are available to the
	// node, keyed by dependency id.
	Dependencies map[string]any
	// DependenciesSatisfied is false when some dependency did not succeed and the
	// node runs under a continue or fallback policy.
	DependenciesSatisfied bool
	UseCache              bool
	Parallel              bool
	Batch                 int
}

type cacheKeyMaterial struct {
	GraphID      string         `json:"graph_id"`
	NodeID       string         `json:"node_id"`
	Function     string         `json:"function"`
	Parameters   map[string]any `json:"parameters"`
	Input        map[string]any `json:"input"`
	Dependencies map[string]any `json:"dependencies"`
}

// CacheKey derives the deterministic cache key for a node: SHA-256 over
// canonical JSON of the graph id, node id, operation function, static
// parameters, input data and the payloads of its dependencies. Map keys are
// sorted by encoding/json, so equal inputs always hash equally, and a changed
// upstream result always changes the key.
func CacheKey(graphID string, node *dagengine.NodeDefinition, input, deps map[string]any) (string, error) {
	b, err := json.Marshal(cacheKeyMaterial{
		GraphID:      graphID,
		NodeID:       node.ID,
		Function:     node.Operation.Function,
		Parameters:   node.Operation.Parameters,
		Input:        input,
		Dependencies: deps,
	})
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// MergeParams builds the parameter set an operation receives. Later sources win:
// input data, then static parameters, then dependency payloads, which appear both
// under dagengine.DependenciesKey and at the top level under their ids.
func MergeParams(input, static, deps map[string]any) map[string]any {
	merged := make(map[string]any, len(input)+len(static)+len(deps)+1)
	for k, v := range input {
		merged[k] = v
	}
	for k, v := range static {
		merged[k] = v
	}
	depsCopy := make(map[string]any, len(deps))
	for id, payload := range deps {
		depsCopy[id] = payload
		merged[id] = payload
	}
	merged[dagengine.DependenciesKey] = depsCopy
	return merged
}

// Execute evaluates the node and returns its terminal result.
func (e *NodeExecutor) Execute(ctx context.Context, in NodeInput) *dagengine.NodeResult {
	node := in.Node
	start := time.Now()
	result := &dagengine.NodeResult{
		NodeID:                node.ID,
		DependenciesSatisfied: in.DependenciesSatisfied,
		ParallelExecution:     in.Parallel,
		Batch:                 in.Batch,
		StartedAt:             start,
	}

	ctx, span := telemetry.StartNode(ctx, node, in.Batch)
	defer func() {
		result.FinishedAt = time.Now()
		result.ExecutionTime = result.FinishedAt.Sub(start)
		telemetry.EndNode(span, result)
	}()

	var key string
	if in.UseCache && e.cache != nil {
		var err error
		if key, err = CacheKey(in.GraphID, node, in.InputData, in.Dependencies); err != nil {
			e.logger.Warn("Node parameters are not cacheable", "node_id", node.ID, "error", err)
			key = ""
		} else if cached, err := e.cache.Get(ctx, key); err == nil {
			result.Status = dagengine.NodeSuccess
			result.Result = cached
			result.CacheHit = true
			return result
		}
	}

	params := MergeParams(in.InputData, node.Operation.Parameters, in.Dependencies)
	if node.Validation != nil {
		for _, f := range node.Validation.RequiredFields {
			if _, ok := params[f]; !ok {
				e.fail(result, dagengine.NewMissingFieldError(stageExecuting, node.ID, f))
				return result
			}
		}
	}

	op, err := e.registry.Lookup(node.Operation.Function)
	if err != nil {
		e.fail(result, err)
		return result
	}

	timeout := node.Timeout()
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}
	opCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		opCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	payload, err := invoke(opCtx, op, params)
	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded) || errors.Is(opCtx.Err(), context.DeadlineExceeded):
			result.Status = dagengine.NodeTimedOut
			result.Error = dagengine.NewTimeoutError(stageExecuting, fmt.Errorf("node '%s': %w", node.ID, context.DeadlineExceeded)).Error()
			e.logger.Warn("Node execution timed out", "node_id", node.ID, "function", node.Operation.Function)
		case errors.Is(err, context.Canceled):
			e.fail(result, dagengine.NewCancelledError(stageExecuting, err))
		case dagengine.IsEngineError(err):
			e.fail(result, err)
		default:
			e.fail(result, dagengine.NewOperationExecutionError(stageExecuting, node.Operation.Function, err))
		}
		return result
	}

	// Results end up in the JSON response and audit record, so a payload
	// without an encoding (NaN, Inf, channels) fails the node here.
	if _, err := json.Marshal(payload); err != nil {
		e.fail(result, dagengine.NewOperationExecutionError(stageExecuting, node.Operation.Function,
			fmt.Errorf("result is not JSON-encodable: %w", err)))
		return result
	}

	result.Status = dagengine.NodeSuccess
	result.Result = payload

	if key != "" {
		if err := e.cache.Set(ctx, key, payload); err != nil {
			e.logger.Warn("Failed to cache node result", "node_id", node.ID, "error", dagengine.NewCacheError(stageExecuting, "set", err))
		}
	}
	return result
}

func (e *NodeExecutor) fail(result *dagengine.NodeResult, err error) {
	result.Status = dagengine.NodeFailed
	result.Error = err.Error()
	e.logger.Debug("Node execution failed", "node_id", result.NodeID, "error", err)
}

type outcome struct {
	payload any
	err     error
}

// invoke runs the operation in its own goroutine so that a deadline is honoured
// even when the operation ignores its context. A panic becomes an error.
func invoke(ctx context.Context, op dagengine.Operation, params map[string]any) (any, error) {
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("operation '%s' panicked: %v", op.Name(), r)}
			}
		}()
		payload, err := op.Execute(ctx, params)
		done <- outcome{payload: payload, err: err}
	}()

	select {
	case o := <-done:
		return o.payload, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
