package dagengine

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TracerName identifies spans produced by the engine. Spans go to the globally
// installed tracer provider; with none installed they are no-ops.
const TracerName = "dagengine"

// SpanRun names the span covering one whole run.
const SpanRun = "graph.execute"

func startRunSpan(ctx context.Context, rc *RunContext) (context.Context, trace.Span) {
	graph := &rc.Request.Graph
	return otel.Tracer(TracerName).Start(ctx, SpanRun, trace.WithAttributes(
		attribute.String("execution.id", rc.ExecutionID),
		attribute.String("graph.id", graph.ID),
		attribute.Int("graph.node_count", len(graph.Nodes)),
		attribute.String("organization.id", rc.Request.OrganizationID),
	))
}

func endRunSpan(span trace.Span, status RunStatus, err error) {
	span.SetAttributes(attribute.String("run.status", string(status)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
