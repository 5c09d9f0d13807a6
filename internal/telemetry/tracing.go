// Package telemetry wraps OpenTelemetry span creation for node executions. The
// run span itself is opened by the engine; node spans nest under it.
package telemetry

import (
	"context"

	"github.com/ZanzyTHEbar/dagengine"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// SpanNode names the span covering one node execution.
const SpanNode = "graph.node"

// Tracer returns the engine tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(dagengine.TracerName)
}

// StartNode opens a child span for one node execution.
func StartNode(ctx context.Context, node *dagengine.NodeDefinition, batch int) (context.Context, trace.Span) {
	return Tracer().Start(ctx, SpanNode, trace.WithAttributes(
		attribute.String("node.id", node.ID),
		attribute.String("node.type", string(node.Kind)),
		attribute.String("node.function", node.Operation.Function),
		attribute.Int("node.batch", batch),
	))
}

// EndNode records a node result on its span and ends it.
func EndNode(span trace.Span, result *dagengine.NodeResult) {
	if span.IsRecording() {
		span.SetAttributes(
			attribute.String("node.status", string(result.Status)),
			attribute.Bool("node.cache_hit", result.CacheHit),
			attribute.Bool("node.parallel", result.ParallelExecution),
			attribute.Int64("node.duration_ms", result.ExecutionTime.Milliseconds()),
		)
		if result.Status != dagengine.NodeSuccess && result.Error != "" {
			span.SetStatus(codes.Error, result.Error)
		}
	}
	span.End()
}
