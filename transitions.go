package dagengine

import (
	"context"
	"log/slog"
	"time"

	"github.com/ZanzyTHEbar/dagengine/internal/eventbus"
)

// EngineComponents holds the collaborators the state transitions call.
type EngineComponents struct {
	Validator Validator
	Optimizer Optimizer
	Scheduler Scheduler
	Runner    BatchRunner
	Analyzer  Analyzer
	Metrics   MetricsRecorder
	Logger    *slog.Logger
}

// CreateRunStateMachine builds the state machine for one graph run.
func CreateRunStateMachine(components EngineComponents, eventBus eventbus.EventBus) *StateMachine {
	sm := NewStateMachine(eventBus, components.Logger)

	sm.RegisterTransition(StateInit, createInitTransition(components))
	sm.RegisterTransition(StateValidating, createValidatingTransition(components))
	sm.RegisterTransition(StateOptimizing, createOptimizingTransition(components))
	sm.RegisterTransition(StateScheduling, createSchedulingTransition(components))
	sm.RegisterTransition(StateExecuting, createExecutingTransition(components))
	sm.RegisterTransition(StateAggregating, createAggregatingTransition(components))

	return sm
}

func createInitTransition(components EngineComponents) StateTransition {
	return func(ctx context.Context, eb eventbus.EventBus, rc *RunContext) (RunState, error) {
		graph := &rc.Request.Graph
		components.Logger.Info("Starting graph execution",
			"execution_id", rc.ExecutionID,
			"graph_id", graph.ID,
			"organization_id", rc.Request.OrganizationID,
			"nodes", len(graph.Nodes),
			"trigger", rc.Request.Context.Trigger,
		)
		publish(ctx, eb, components.Logger, eventbus.EventRunStarted, graph.ID, "StateMachine.Init", map[string]any{
			"execution_id":    rc.ExecutionID,
			"organization_id": rc.Request.OrganizationID,
			"node_count":      len(graph.Nodes),
		})
		return StateValidating, nil
	}
}

func createValidatingTransition(components EngineComponents) StateTransition {
	return func(ctx context.Context, eb eventbus.EventBus, rc *RunContext) (RunState, error) {
		errs := components.Validator.Validate(&rc.Request.Graph)
		if len(errs) > 0 {
			rc.ValidationErrors = errs
			components.Logger.Warn("Graph validation failed",
				"execution_id", rc.ExecutionID,
				"graph_id", rc.Request.Graph.ID,
				"errors", len(errs),
			)
			return StateFailed, NewValidationError(string(StateValidating), errs.Error(), errs)
		}
		return StateOptimizing, nil
	}
}

func createOptimizingTransition(components EngineComponents) StateTransition {
	return func(ctx context.Context, eb eventbus.EventBus, rc *RunContext) (RunState, error) {
		rc.Plan = components.Optimizer.Optimize(&rc.Request.Graph, rc.Optimization)
		components.Logger.Debug("Execution plan built",
			"execution_id", rc.ExecutionID,
			"applied", rc.Plan.Applied,
		)
		return StateScheduling, nil
	}
}

func createSchedulingTransition(components EngineComponents) StateTransition {
	return func(ctx context.Context, eb eventbus.EventBus, rc *RunContext) (RunState, error) {
		batches, err := components.Scheduler.Schedule(rc.Plan)
		if err != nil {
			components.Logger.Error("Scheduler failed on a validated graph",
				"execution_id", rc.ExecutionID,
				"graph_id", rc.Request.Graph.ID,
				"error", err,
			)
			publish(ctx, eb, components.Logger, eventbus.EventSystemError, err.Error(), "StateMachine.Scheduling", map[string]any{
				"execution_id": rc.ExecutionID,
				"error_code":   CodeOf(err),
			})
			return StateFailed, err
		}
		rc.Plan.Batches = batches
		return StateExecuting, nil
	}
}

func createExecutingTransition(components EngineComponents) StateTransition {
	return func(ctx context.Context, eb eventbus.EventBus, rc *RunContext) (RunState, error) {
		observer := &runObserver{
			executionID: rc.ExecutionID,
			eventBus:    eb,
			logger:      components.Logger,
		}
		if rc.Monitoring.EnablePerformanceTracking {
			observer.metrics = components.Metrics
		}

		rc.Results = components.Runner.Run(ctx, RunSpec{
			ExecutionID:  rc.ExecutionID,
			Plan:         rc.Plan,
			Context:      rc.Request.Context,
			Optimization: rc.Optimization,
			Monitoring:   rc.Monitoring,
			Observer:     observer,
		})
		return StateAggregating, nil
	}
}

func createAggregatingTransition(components EngineComponents) StateTransition {
	return func(ctx context.Context, eb eventbus.EventBus, rc *RunContext) (RunState, error) {
		graph := &rc.Request.Graph
		analysis := components.Analyzer.Analyze(rc.Plan, rc.Results)
		completed := time.Now()

		report := &ExecutionReport{
			ExecutionID:        rc.ExecutionID,
			GraphID:            graph.ID,
			Status:             DeriveRunStatus(rc.Results),
			ExecutionTime:      completed.Sub(rc.StartTime),
			NodeResults:        rc.Results,
			ExecutionPath:      analysis.ExecutionPath,
			Batches:            rc.Plan.Batches,
			PerformanceMetrics: analysis.Metrics,
			Optimizations: OptimizationReport{
				Applied:     rc.Plan.Applied,
				Bottlenecks: analysis.Bottlenecks,
			},
			FinalOutput: SelectFinalOutput(graph, rc.Results),
			StartedAt:   rc.StartTime,
			CompletedAt: completed,
		}

		if rc.Monitoring.EnablePerformanceTracking && components.Metrics != nil {
			components.Metrics.ObserveRun(report)
		}
		for _, b := range analysis.Bottlenecks {
			components.Logger.Info("Bottleneck detected",
				"execution_id", rc.ExecutionID,
				"node_id", b.NodeID,
				"duration", b.ExecutionTime,
				"suggestion", b.Suggestion,
			)
		}

		rc.mu.Lock()
		rc.Report = report
		rc.mu.Unlock()

		components.Logger.Info("Graph execution finished",
			"execution_id", rc.ExecutionID,
			"graph_id", graph.ID,
			"status", report.Status,
			"duration", report.ExecutionTime,
			"cache_hits", report.PerformanceMetrics.CacheHits,
		)
		return StateDone, nil
	}
}

// runObserver turns runner callbacks into bus events and metrics.
type runObserver struct {
	executionID string
	eventBus    eventbus.EventBus
	metrics     MetricsRecorder
	logger      *slog.Logger
}

func (o *runObserver) BatchStarted(ctx context.Context, index int, nodeIDs []string) {
	publish(ctx, o.eventBus, o.logger, eventbus.EventBatchStarted, nodeIDs, "BatchRunner", map[string]any{
		"execution_id": o.executionID,
		"batch":        index,
	})
}

func (o *runObserver) NodeFinished(ctx context.Context, node *NodeDefinition, result *NodeResult) {
	if o.metrics != nil {
		o.metrics.ObserveNode(node, result)
	}

	eventType := eventbus.EventNodeSucceeded
	switch result.Status {
	case NodeFailed:
		eventType = eventbus.EventNodeFailed
	case NodeSkipped:
		eventType = eventbus.EventNodeSkipped
	case NodeTimedOut:
		eventType = eventbus.EventNodeTimedOut
	}
	publish(ctx, o.eventBus, o.logger, eventType, result, "BatchRunner", map[string]any{
		"execution_id": o.executionID,
		"node_id":      result.NodeID,
		"batch":        result.Batch,
	})
}

// publish sends an event when a bus is configured. Delivery is best effort and
// detached from the caller's cancellation.
func publish(ctx context.Context, eb eventbus.EventBus, logger *slog.Logger, eventType eventbus.EventType, payload any, source string, metadata map[string]any) {
	if eb == nil {
		return
	}
	if err := eb.Publish(context.WithoutCancel(ctx), eventbus.NewEvent(eventType, payload, source, metadata)); err != nil {
		logger.Warn("Failed to publish event", "event_type", eventType, "error", err)
	}
}
