package dagengine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu      sync.Mutex
	records []AuditRecord
	err     error
}

func (s *recordingSink) Record(ctx context.Context, org string, r AuditRecord) error {
	if s.err != nil {
		return s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r.OrganizationID = org
	s.records = append(s.records, r)
	return nil
}

func (s *recordingSink) all() []AuditRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]AuditRecord(nil), s.records...)
}

type countingRecorder struct {
	mu    sync.Mutex
	nodes int
	runs  int
}

func (c *countingRecorder) ObserveNode(*NodeDefinition, *NodeResult) {
	c.mu.Lock()
	c.nodes++
	c.mu.Unlock()
}

func (c *countingRecorder) ObserveRun(*ExecutionReport) {
	c.mu.Lock()
	c.runs++
	c.mu.Unlock()
}

func newTestEngine(t *testing.T, runner BatchRunner, opts ...Option) *Engine {
	t.Helper()
	cfg := DefaultConfig()
	cfg.EnableEventBus = false
	base := []Option{
		WithConfig(cfg),
		WithValidator(&stubValidator{}),
		WithOptimizer(stubOptimizer{}),
		WithScheduler(&stubScheduler{}),
		WithRunner(runner),
		WithAnalyzer(stubAnalyzer{}),
		WithLogger(discardLogger()),
	}
	e, err := New(append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestNew_RequiresComponents(t *testing.T) {
	_, err := New(WithValidator(&stubValidator{}))
	require.Error(t, err)
	assert.Equal(t, ErrCodeConfiguration, CodeOf(err))

	bad := DefaultConfig()
	bad.DefaultErrorPolicy = "retry"
	_, err = New(WithConfig(bad))
	assert.Equal(t, ErrCodeConfiguration, CodeOf(err))
}

func TestExecute_Completed(t *testing.T) {
	sink := &recordingSink{}
	e := newTestEngine(t, &stubRunner{}, WithAuditSink(sink))

	resp, err := e.Execute(context.Background(), chainRequest())
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, RunCompleted, resp.Status)
	assert.NotEmpty(t, resp.ExecutionID)
	require.NotNil(t, resp.Report)
	assert.Equal(t, "b", resp.Report.FinalOutput)

	records := sink.all()
	require.Len(t, records, 1)
	assert.Equal(t, "org-1", records[0].OrganizationID)
	assert.Equal(t, resp.ExecutionID, records[0].ExecutionID)
	assert.Equal(t, "chain", records[0].GraphID)
	assert.Equal(t, 2, records[0].NodeCount)
	assert.Same(t, resp.Report, records[0].Report)
}

func TestExecute_PartialWhenANodeFails(t *testing.T) {
	e := newTestEngine(t, &stubRunner{fail: map[string]bool{"a": true}})

	resp, err := e.Execute(context.Background(), chainRequest())
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, RunPartial, resp.Status)
	assert.Equal(t, []string{"a (failed): boom"}, NodeErrors(resp.Report))
}

func TestExecute_RejectedGraph(t *testing.T) {
	sink := &recordingSink{}
	runner := &stubRunner{}
	e := newTestEngine(t, runner,
		WithAuditSink(sink),
		WithValidator(&stubValidator{errs: ValidationErrors{"node 'b' depends on unknown node 'x'", "cycle detected: a -> b -> a"}}),
	)

	resp, err := e.Execute(context.Background(), chainRequest())
	require.NoError(t, err, "a bad graph is reported in the response, not as an error")
	assert.False(t, resp.Success)
	assert.Equal(t, RunRejected, resp.Status)
	assert.Equal(t, ErrCodeValidation, resp.ErrorCode)
	assert.Equal(t, string(StateValidating), resp.Stage)
	assert.Len(t, resp.Errors, 2)
	assert.Nil(t, resp.Report)
	assert.Zero(t, runner.Calls())

	records := sink.all()
	require.Len(t, records, 1)
	assert.Equal(t, RunRejected, records[0].Status)
	assert.Nil(t, records[0].Report)
}

func TestExecute_InternalConsistencyIsAnError(t *testing.T) {
	e := newTestEngine(t, &stubRunner{}, WithScheduler(&stubScheduler{err: NewInternalConsistencyError([]string{"a"})}))

	resp, err := e.Execute(context.Background(), chainRequest())
	require.Error(t, err)
	assert.Equal(t, ErrCodeInternalConsistency, CodeOf(err))
	require.NotNil(t, resp)
	assert.Equal(t, RunRejected, resp.Status)
	assert.Equal(t, ErrCodeInternalConsistency, resp.ErrorCode)
	assert.Equal(t, string(StateScheduling), resp.Stage)
}

func TestExecute_NilRequest(t *testing.T) {
	e := newTestEngine(t, &stubRunner{})
	resp, err := e.Execute(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, RunRejected, resp.Status)
	assert.Equal(t, ErrCodeValidation, resp.ErrorCode)
}

func TestExecute_AuditFailureDoesNotFailRun(t *testing.T) {
	e := newTestEngine(t, &stubRunner{}, WithAuditSink(&recordingSink{err: errors.New("disk full")}))
	resp, err := e.Execute(context.Background(), chainRequest())
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, resp.Status)
}

func TestExecute_MetricsOnlyWithPerformanceTracking(t *testing.T) {
	rec := &countingRecorder{}
	e := newTestEngine(t, &stubRunner{}, WithMetrics(rec))

	_, err := e.Execute(context.Background(), chainRequest())
	require.NoError(t, err)
	assert.Zero(t, rec.runs)

	req := chainRequest()
	req.Monitoring = &MonitoringOptions{EnablePerformanceTracking: true}
	_, err = e.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.runs)
	assert.Equal(t, 2, rec.nodes)
}

func TestExecute_AsynchronousMode(t *testing.T) {
	e := newTestEngine(t, &stubRunner{})
	req := chainRequest()
	req.Context.ExecutionMode = ModeAsynchronous

	resp, err := e.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, RunPending, resp.Status)
	require.NotEmpty(t, resp.ExecutionID)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	final, err := e.WaitAsync(ctx, resp.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, final.Status)
	assert.Equal(t, resp.ExecutionID, final.ExecutionID)

	status, err := e.GetAsyncStatus(resp.ExecutionID)
	require.NoError(t, err)
	assert.True(t, status.IsComplete)
	assert.False(t, status.HasError)
	assert.Equal(t, StateDone, status.CurrentState)
	assert.Equal(t, RunCompleted, status.Status)
}

func TestAsync_StatusWhileRunningAndCancel(t *testing.T) {
	runner := &stubRunner{block: make(chan struct{})}
	e := newTestEngine(t, runner)

	id, err := e.ExecuteAsync(context.Background(), chainRequest())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return runner.Calls() == 1 }, 5*time.Second, 5*time.Millisecond)

	status, err := e.GetAsyncStatus(id)
	require.NoError(t, err)
	assert.False(t, status.IsComplete)
	assert.Equal(t, RunPending, status.Status)
	assert.Equal(t, StateExecuting, status.CurrentState)

	_, err = e.GetAsyncResult(id)
	assert.Error(t, err, "result is not available while running")
	assert.Contains(t, e.ListAsyncExecutions(), id)

	cancelled, err := e.CancelAsync(id)
	require.NoError(t, err)
	assert.True(t, cancelled)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := e.WaitAsync(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, resp.Report, "a run cancelled during execution still reports")
	for _, r := range resp.Report.NodeResults {
		assert.Equal(t, NodeSkipped, r.Status)
	}

	again, err := e.CancelAsync(id)
	require.NoError(t, err)
	assert.False(t, again)
}

func TestAsync_UnknownAndCleanup(t *testing.T) {
	e := newTestEngine(t, &stubRunner{})

	_, err := e.GetAsyncStatus("missing")
	assert.Error(t, err)
	_, err = e.CancelAsync("missing")
	assert.Error(t, err)

	id, err := e.ExecuteAsync(context.Background(), chainRequest())
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = e.WaitAsync(ctx, id)
	require.NoError(t, err)

	assert.Zero(t, e.CleanupCompletedExecutions(time.Hour))
	assert.Equal(t, 1, e.CleanupCompletedExecutions(0))
	assert.Empty(t, e.ListAsyncExecutions())
}

func TestEngine_OwnsDefaultEventBus(t *testing.T) {
	e, err := New(
		WithValidator(&stubValidator{}),
		WithOptimizer(stubOptimizer{}),
		WithScheduler(&stubScheduler{}),
		WithRunner(&stubRunner{}),
		WithAnalyzer(stubAnalyzer{}),
		WithLogger(discardLogger()),
	)
	require.NoError(t, err)
	require.NotNil(t, e.EventBus())

	_, err = e.Execute(context.Background(), chainRequest())
	require.NoError(t, err)
	require.NoError(t, e.Close())
	assert.Error(t, e.EventBus().Publish(context.Background(), nil), "owned bus is closed with the engine")
}
