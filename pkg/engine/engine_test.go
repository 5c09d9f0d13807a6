package engine

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ZanzyTHEbar/dagengine"
	"github.com/ZanzyTHEbar/dagengine/internal/audit"
	"github.com/ZanzyTHEbar/dagengine/internal/eventbus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStack(t *testing.T, opts ...Option) *Stack {
	t.Helper()
	cfg := dagengine.DefaultConfig()
	cfg.EnableEventBus = false
	base := []Option{
		WithConfig(cfg),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}
	s, err := New(append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func calc(id, fn string, deps ...string) dagengine.NodeDefinition {
	return dagengine.NodeDefinition{
		ID:           id,
		Kind:         dagengine.KindCalculation,
		Dependencies: deps,
		Operation:    dagengine.OperationSpec{Function: fn},
	}
}

func pricingGraph(costFn string) dagengine.GraphDefinition {
	validate := calc("validate", "validate_threshold", "markup")
	validate.Kind = dagengine.KindValidation
	return dagengine.GraphDefinition{
		ID: "pricing",
		Nodes: []dagengine.NodeDefinition{
			calc("cost", costFn),
			calc("markup", "apply_markup", "cost"),
			validate,
		},
	}
}

func pricingRequest(g dagengine.GraphDefinition) *dagengine.ExecutionRequest {
	return &dagengine.ExecutionRequest{
		OrganizationID: "org-1",
		Graph:          g,
		Context: dagengine.ExecutionContext{
			Trigger:   "test",
			InputData: map[string]any{"base_amount": 100, "markup_percent": 25},
		},
	}
}

func payload(t *testing.T, report *dagengine.ExecutionReport, id string) map[string]any {
	t.Helper()
	r, ok := report.NodeResults[id]
	require.True(t, ok, "no result for %s", id)
	m, ok := r.Result.(map[string]any)
	require.True(t, ok, "payload of %s is %T", id, r.Result)
	return m
}

func TestPricingChain(t *testing.T) {
	s := newStack(t)

	resp, err := s.Execute(context.Background(), pricingRequest(pricingGraph("calculate_cost")))
	require.NoError(t, err)
	require.True(t, resp.Success)
	assert.Equal(t, dagengine.RunCompleted, resp.Status)

	report := resp.Report
	assert.Equal(t, 100.0, payload(t, report, "cost")["cost"])
	assert.Equal(t, 125.0, payload(t, report, "markup")["price"])
	assert.Equal(t, 125.0, payload(t, report, "validate")["price"])
	assert.Equal(t, report.NodeResults["validate"].Result, report.FinalOutput)
	assert.Equal(t, [][]string{{"cost"}, {"markup"}, {"validate"}}, report.Batches)
	assert.ElementsMatch(t, []string{"cost", "markup", "validate"}, report.ExecutionPath)
}

func TestUnknownOperationSkipsDependents(t *testing.T) {
	s := newStack(t)

	resp, err := s.Execute(context.Background(), pricingRequest(pricingGraph("unknown_fn")))
	require.NoError(t, err)

	report := resp.Report
	require.NotNil(t, report)
	cost := report.NodeResults["cost"]
	assert.Equal(t, dagengine.NodeFailed, cost.Status)
	assert.Contains(t, cost.Error, "unknown_fn")
	assert.Equal(t, dagengine.NodeSkipped, report.NodeResults["markup"].Status)
	assert.Equal(t, dagengine.NodeSkipped, report.NodeResults["validate"].Status)
	assert.Equal(t, dagengine.RunPartial, resp.Status, "one failed node and two skipped dependents is not all-failed")
	assert.NotContains(t, report.ExecutionPath, "markup", "skipped nodes are not on the execution path")
}

func TestCycleIsRejected(t *testing.T) {
	sink := audit.NewMemorySink()
	s := newStack(t, WithAuditSink(sink))

	g := dagengine.GraphDefinition{
		ID: "loop",
		Nodes: []dagengine.NodeDefinition{
			calc("A", "calculate_cost", "B"),
			calc("B", "calculate_cost", "A"),
		},
	}
	resp, err := s.Execute(context.Background(), pricingRequest(g))
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, dagengine.RunRejected, resp.Status)
	assert.Equal(t, dagengine.ErrCodeValidation, resp.ErrorCode)
	assert.Nil(t, resp.Report)
	assert.Contains(t, strings.Join(resp.Errors, "\n"), "cycle detected: A -> B -> A")

	assert.Zero(t, s.Cache.Len(), "no node ran, so the cache is untouched")
	records := sink.Records("org-1")
	require.Len(t, records, 1)
	assert.Equal(t, dagengine.RunRejected, records[0].Status)
}

func TestSeveralTerminalNodes(t *testing.T) {
	s := newStack(t)

	g := dagengine.GraphDefinition{
		ID: "fanout",
		Nodes: []dagengine.NodeDefinition{
			calc("X", "calculate_cost"),
			calc("Y", "calculate_cost"),
		},
	}
	resp, err := s.Execute(context.Background(), pricingRequest(g))
	require.NoError(t, err)
	require.Equal(t, dagengine.RunCompleted, resp.Status)

	out, ok := resp.Report.FinalOutput.(map[string]any)
	require.True(t, ok, "final output is %T", resp.Report.FinalOutput)
	assert.Len(t, out, 2)
	assert.Equal(t, resp.Report.NodeResults["X"].Result, out["X"])
	assert.Equal(t, resp.Report.NodeResults["Y"].Result, out["Y"])

	assert.True(t, resp.Report.NodeResults["X"].ParallelExecution)
	assert.True(t, resp.Report.NodeResults["Y"].ParallelExecution)
	assert.Equal(t, 2, resp.Report.PerformanceMetrics.ParallelNodes)
}

func TestParallelFlagOff(t *testing.T) {
	s := newStack(t)

	req := pricingRequest(dagengine.GraphDefinition{
		ID:    "fanout",
		Nodes: []dagengine.NodeDefinition{calc("X", "calculate_cost"), calc("Y", "calculate_cost")},
	})
	req.Optimization = &dagengine.OptimizationOptions{EnableCaching: true}

	resp, err := s.Execute(context.Background(), req)
	require.NoError(t, err)
	for _, r := range resp.Report.NodeResults {
		assert.False(t, r.ParallelExecution)
	}
}

func TestIdempotentCachedRerun(t *testing.T) {
	s := newStack(t)
	req := pricingRequest(pricingGraph("calculate_cost"))

	first, err := s.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Zero(t, first.Report.PerformanceMetrics.CacheHits)
	assert.Equal(t, 3, first.Report.PerformanceMetrics.CacheMisses)

	second, err := s.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, first.Report.FinalOutput, second.Report.FinalOutput)
	assert.Equal(t, 3, second.Report.PerformanceMetrics.CacheHits)
	assert.Zero(t, second.Report.PerformanceMetrics.CacheMisses)
	for id, r := range second.Report.NodeResults {
		assert.True(t, r.CacheHit, "%s should be served from cache", id)
	}
	assert.NotEqual(t, first.ExecutionID, second.ExecutionID)

	// A different input changes every key.
	req.Context.InputData = map[string]any{"base_amount": 200, "markup_percent": 25}
	third, err := s.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Zero(t, third.Report.PerformanceMetrics.CacheHits)
	assert.Equal(t, 250.0, payload(t, third.Report, "validate")["price"])
}

func TestEditedUpstreamInvalidatesDownstreamCache(t *testing.T) {
	s := newStack(t)

	first, err := s.Execute(context.Background(), pricingRequest(pricingGraph("calculate_cost")))
	require.NoError(t, err)
	assert.Equal(t, 125.0, payload(t, first.Report, "markup")["price"])

	// Same graph id and node ids, only the upstream parameters differ.
	edited := pricingGraph("calculate_cost")
	edited.Nodes[0].Operation.Parameters = map[string]any{"fees": 50}
	second, err := s.Execute(context.Background(), pricingRequest(edited))
	require.NoError(t, err)

	report := second.Report
	assert.Equal(t, 150.0, payload(t, report, "cost")["cost"])
	assert.Equal(t, 187.5, payload(t, report, "markup")["price"])
	assert.Equal(t, 187.5, payload(t, report, "validate")["price"])
	for id, r := range report.NodeResults {
		assert.False(t, r.CacheHit, "%s must not reuse a result computed from another upstream", id)
	}

	// A graph with another id never shares entries, even for identical nodes.
	renamed := pricingGraph("calculate_cost")
	renamed.ID = "pricing-copy"
	third, err := s.Execute(context.Background(), pricingRequest(renamed))
	require.NoError(t, err)
	assert.Zero(t, third.Report.PerformanceMetrics.CacheHits)
}

func TestErrorPolicies(t *testing.T) {
	tests := []struct {
		name       string
		policy     dagengine.ErrorPolicy
		fallback   any
		wantMarkup dagengine.NodeStatus
	}{
		{name: "stop", policy: dagengine.PolicyStop, wantMarkup: dagengine.NodeSkipped},
		{name: "continue", policy: dagengine.PolicyContinue, wantMarkup: dagengine.NodeFailed},
		{name: "fallback", policy: dagengine.PolicyFallback, fallback: map[string]any{"cost": 80}, wantMarkup: dagengine.NodeSuccess},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStack(t)
			g := pricingGraph("external_call")
			g.Nodes[0].Operation.Parameters = map[string]any{"fail": true, "latency_ms": 0}
			g.Nodes[0].Validation = &dagengine.NodeValidation{ErrorHandling: tt.policy, FallbackValue: tt.fallback}

			resp, err := s.Execute(context.Background(), pricingRequest(g))
			require.NoError(t, err)
			report := resp.Report

			assert.Equal(t, dagengine.NodeFailed, report.NodeResults["cost"].Status)
			markup := report.NodeResults["markup"]
			assert.Equal(t, tt.wantMarkup, markup.Status, markup.Error)
			if markup.Status != dagengine.NodeSkipped {
				assert.False(t, markup.DependenciesSatisfied)
			}
			if tt.policy == dagengine.PolicyFallback {
				assert.Equal(t, 100.0, payload(t, report, "markup")["price"])
				assert.False(t, markup.CacheHit)
			}
			assert.Equal(t, dagengine.RunPartial, resp.Status)
		})
	}
}

func TestAllFailedIsFailed(t *testing.T) {
	s := newStack(t)
	g := dagengine.GraphDefinition{
		ID:    "broken",
		Nodes: []dagengine.NodeDefinition{calc("X", "nope"), calc("Y", "nope")},
	}
	resp, err := s.Execute(context.Background(), pricingRequest(g))
	require.NoError(t, err)
	assert.Equal(t, dagengine.RunFailed, resp.Status)
	for _, r := range resp.Report.NodeResults {
		assert.Equal(t, dagengine.NodeFailed, r.Status)
	}
}

func TestDivisionByZeroFailsNodeAndKeepsAudit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	s := newStack(t, WithAuditSink(audit.NewFileSink(path, nil)))

	ratio := calc("ratio", "evaluate_expression")
	ratio.Operation.Parameters = map[string]any{"expression": "base_amount / zero", "zero": 0}
	g := dagengine.GraphDefinition{ID: "ratio", Nodes: []dagengine.NodeDefinition{ratio}}

	resp, err := s.Execute(context.Background(), pricingRequest(g))
	require.NoError(t, err)
	assert.Equal(t, dagengine.RunFailed, resp.Status)
	res := resp.Report.NodeResults["ratio"]
	assert.Equal(t, dagengine.NodeFailed, res.Status)
	assert.Contains(t, res.Error, "not a finite number")
	assert.Nil(t, res.Result)

	_, err = json.Marshal(resp)
	require.NoError(t, err, "the response stays encodable")

	records, err := audit.ReadFile(path)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, dagengine.RunFailed, records[0].Status)
}

func TestRunTimeout(t *testing.T) {
	s := newStack(t)

	slow := dagengine.NodeDefinition{
		ID:        "slow",
		Kind:      dagengine.KindExternalCall,
		Operation: dagengine.OperationSpec{Function: "external_call", Parameters: map[string]any{"latency_ms": 2000}},
	}
	after := calc("after", "calculate_cost", "slow")
	req := pricingRequest(dagengine.GraphDefinition{ID: "slow", Nodes: []dagengine.NodeDefinition{slow, calc("quick", "calculate_cost"), after}})
	req.Context.TimeoutMS = 50

	start := time.Now()
	resp, err := s.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second, "the run deadline bounds total time")

	report := resp.Report
	assert.Equal(t, dagengine.NodeTimedOut, report.NodeResults["slow"].Status)
	assert.Equal(t, dagengine.NodeSuccess, report.NodeResults["quick"].Status)
	assert.Equal(t, dagengine.NodeSkipped, report.NodeResults["after"].Status)
	assert.Equal(t, dagengine.RunPartial, resp.Status)
}

func TestPerNodeTimeoutLeavesSiblings(t *testing.T) {
	s := newStack(t)

	slow := dagengine.NodeDefinition{
		ID:        "slow",
		Kind:      dagengine.KindExternalCall,
		TimeoutMS: 20,
		Operation: dagengine.OperationSpec{Function: "external_call", Parameters: map[string]any{"latency_ms": 1000}},
	}
	sibling := dagengine.NodeDefinition{
		ID:        "sibling",
		Kind:      dagengine.KindExternalCall,
		Operation: dagengine.OperationSpec{Function: "external_call", Parameters: map[string]any{"latency_ms": 60}},
	}
	resp, err := s.Execute(context.Background(), pricingRequest(dagengine.GraphDefinition{ID: "mixed", Nodes: []dagengine.NodeDefinition{slow, sibling}}))
	require.NoError(t, err)
	assert.Equal(t, dagengine.NodeTimedOut, resp.Report.NodeResults["slow"].Status)
	assert.Equal(t, dagengine.NodeSuccess, resp.Report.NodeResults["sibling"].Status)
}

func TestPerformanceTrackingFeedsCollector(t *testing.T) {
	s := newStack(t)
	req := pricingRequest(pricingGraph("calculate_cost"))
	req.Monitoring = &dagengine.MonitoringOptions{EnablePerformanceTracking: true, EnableDetailedLogging: true}

	_, err := s.Execute(context.Background(), req)
	require.NoError(t, err)

	families, err := s.Collector.Registry().Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "dagengine_runs_total")
	assert.Contains(t, names, "dagengine_node_executions_total")
	n, err := testutil.GatherAndCount(s.Collector.Registry(), "dagengine_runs_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stats := s.Runner.Metrics()
	assert.Equal(t, 3, stats.NodesExecuted)
	assert.Equal(t, 1, stats.RunsExecuted)
}

func TestEventsPublished(t *testing.T) {
	bus := eventbus.NewChannelEventBus(eventbus.WithWorkerCount(1))
	cfg := dagengine.DefaultConfig()
	s := newStack(t, WithConfig(cfg), WithEventBus(bus))

	var mu sync.Mutex
	seen := make(map[eventbus.EventType]int)
	_, err := bus.SubscribeAll(func(ctx context.Context, evt eventbus.Event) error {
		mu.Lock()
		defer mu.Unlock()
		seen[evt.Type()]++
		return nil
	})
	require.NoError(t, err)

	_, err = s.Execute(context.Background(), pricingRequest(pricingGraph("unknown_fn")))
	require.NoError(t, err)
	require.NoError(t, bus.Close())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, seen[eventbus.EventRunStarted])
	assert.Equal(t, 1, seen[eventbus.EventRunPartial])
	assert.Equal(t, 1, seen[eventbus.EventNodeFailed])
	assert.Equal(t, 2, seen[eventbus.EventNodeSkipped])
	assert.Equal(t, 3, seen[eventbus.EventBatchStarted])
}

func TestFileAuditSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	s := newStack(t, WithAuditSink(audit.NewFileSink(path, nil)))

	_, err := s.ExecuteGraph(context.Background(), "org-9", pricingGraph("calculate_cost"), map[string]any{"base_amount": 10, "markup_percent": 10})
	require.NoError(t, err)

	records, err := audit.ReadFile(path)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "org-9", records[0].OrganizationID)
	assert.Equal(t, dagengine.RunCompleted, records[0].Status)
	assert.Equal(t, 3, records[0].NodeCount)
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := dagengine.DefaultConfig()
	cfg.MaxConcurrentNodes = -1
	_, err := New(WithConfig(cfg))
	assert.Equal(t, dagengine.ErrCodeConfiguration, dagengine.CodeOf(err))
}
