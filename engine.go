// Package dagengine runs dependency graphs of named operations: it validates the
// graph, plans and schedules it into batches of independent nodes, executes the
// batches with caching and per-node error policies, and reports the outcome
// together with performance bottlenecks.
package dagengine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ZanzyTHEbar/dagengine/internal/eventbus"
	"github.com/google/uuid"
)

// Engine is the execution coordinator. One Engine is shared by all requests of a
// process; the collaborators it is built with (notably the runner's cache) live
// as long as it does.
type Engine struct {
	// Core components
	validator Validator
	optimizer Optimizer
	scheduler Scheduler
	runner    BatchRunner
	analyzer  Analyzer

	// Optional collaborators
	auditSink AuditSink
	metrics   MetricsRecorder
	eventBus  eventbus.EventBus
	ownsBus   bool
	logger    *slog.Logger

	// Configuration
	config Config

	// Async processing
	asyncExecutions      map[string]*asyncExecution
	asyncExecutionsMutex sync.RWMutex
}

// Option is a function that configures an Engine.
type Option func(*Engine)

// WithConfig sets the configuration.
func WithConfig(config Config) Option {
	return func(e *Engine) {
		e.config = config
	}
}

// WithValidator sets the graph validator.
func WithValidator(v Validator) Option {
	return func(e *Engine) {
		e.validator = v
	}
}

// WithOptimizer sets the graph optimizer.
func WithOptimizer(o Optimizer) Option {
	return func(e *Engine) {
		e.optimizer = o
	}
}

// WithScheduler sets the batch scheduler.
func WithScheduler(s Scheduler) Option {
	return func(e *Engine) {
		e.scheduler = s
	}
}

// WithRunner sets the batch runner.
func WithRunner(r BatchRunner) Option {
	return func(e *Engine) {
		e.runner = r
	}
}

// WithAnalyzer sets the result analyzer.
func WithAnalyzer(a Analyzer) Option {
	return func(e *Engine) {
		e.analyzer = a
	}
}

// WithAuditSink sets the store that receives one record per run.
func WithAuditSink(sink AuditSink) Option {
	return func(e *Engine) {
		e.auditSink = sink
	}
}

// WithMetrics sets the recorder fed when a request enables performance tracking.
func WithMetrics(m MetricsRecorder) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// New creates an Engine with the provided options.
func New(options ...Option) (*Engine, error) {
	e := &Engine{
		config:          DefaultConfig(),
		logger:          slog.Default(),
		asyncExecutions: make(map[string]*asyncExecution),
	}

	for _, option := range options {
		option(e)
	}

	if err := e.config.Validate(); err != nil {
		return nil, err
	}

	// Validate required components
	switch {
	case e.validator == nil:
		return nil, NewConfigurationError("validator is required", nil)
	case e.optimizer == nil:
		return nil, NewConfigurationError("optimizer is required", nil)
	case e.scheduler == nil:
		return nil, NewConfigurationError("scheduler is required", nil)
	case e.runner == nil:
		return nil, NewConfigurationError("batch runner is required", nil)
	case e.analyzer == nil:
		return nil, NewConfigurationError("analyzer is required", nil)
	}

	// Initialize event bus if enabled but not provided
	if e.config.EnableEventBus && e.eventBus == nil {
		e.eventBus = eventbus.NewChannelEventBus(
			eventbus.WithBufferSize(e.config.EventBusBufferSize),
			eventbus.WithWorkerCount(e.config.EventBusWorkerCount),
			eventbus.WithLogger(e.logger),
		)
		e.ownsBus = true
		e.logger.Debug("Initialized default channel-based event bus")
	}
	if e.config.EnableEventBus {
		if _, err := e.eventBus.SubscribeAll(e.logEvent); err != nil {
			return nil, NewConfigurationError("failed to subscribe event logger", err)
		}
	}

	return e, nil
}

func (e *Engine) logEvent(ctx context.Context, evt eventbus.Event) error {
	e.logger.Debug("Engine event", "type", evt.Type(), "source", evt.Source(), "metadata", evt.Metadata())
	return nil
}

// Config returns the engine's configuration.
func (e *Engine) Config() Config {
	return e.config
}

// EventBus returns the bus lifecycle events are published on, nil when disabled.
func (e *Engine) EventBus() eventbus.EventBus {
	if !e.config.EnableEventBus {
		return nil
	}
	return e.eventBus
}

// Close cancels in-flight asynchronous runs and shuts down an event bus the
// engine created itself.
func (e *Engine) Close() error {
	e.asyncExecutionsMutex.RLock()
	for _, exec := range e.asyncExecutions {
		exec.cancel()
	}
	e.asyncExecutionsMutex.RUnlock()

	if e.ownsBus && e.eventBus != nil {
		return e.eventBus.Close()
	}
	return nil
}

// Execute runs a graph and always returns a Response describing the outcome.
// The error is non-nil only when the run could not be carried out for reasons
// other than a bad graph: an internal consistency failure or cancellation.
// Requests in asynchronous mode return immediately with a pending response;
// see ExecuteAsync.
func (e *Engine) Execute(ctx context.Context, req *ExecutionRequest) (*Response, error) {
	if req == nil {
		err := NewValidationError(string(StateValidating), "execution request is required", nil)
		return &Response{Status: RunRejected, Errors: []string{err.Message}, ErrorCode: err.Code, Stage: err.Stage}, nil
	}

	if req.Context.ExecutionMode == ModeAsynchronous {
		id, err := e.ExecuteAsync(ctx, req)
		if err != nil {
			return &Response{Status: RunRejected, Errors: []string{err.Error()}, ErrorCode: CodeOf(err)}, err
		}
		return &Response{Success: true, Status: RunPending, ExecutionID: id}, nil
	}

	return e.run(ctx, NewRunContext(uuid.New().String(), req))
}

// run drives one RunContext to a terminal state and produces its response.
func (e *Engine) run(ctx context.Context, rc *RunContext) (*Response, error) {
	ctx, span := startRunSpan(ctx, rc)

	err := e.createStateMachine().Execute(ctx, rc)
	resp := e.respond(rc)

	e.recordAudit(ctx, rc, resp)
	e.publishOutcome(ctx, rc, resp)
	endRunSpan(span, resp.Status, err)

	if err != nil && CodeOf(err) != ErrCodeValidation {
		e.logger.Error("Graph execution aborted",
			"execution_id", rc.ExecutionID,
			"stage", resp.Stage,
			"error_code", resp.ErrorCode,
			"error", err,
		)
		return resp, err
	}
	return resp, nil
}

func (e *Engine) createStateMachine() *StateMachine {
	return CreateRunStateMachine(EngineComponents{
		Validator: e.validator,
		Optimizer: e.optimizer,
		Scheduler: e.scheduler,
		Runner:    e.runner,
		Analyzer:  e.analyzer,
		Metrics:   e.metrics,
		Logger:    e.logger,
	}, e.EventBus())
}

// respond maps a terminal RunContext to the caller-facing Response.
func (e *Engine) respond(rc *RunContext) *Response {
	resp := &Response{ExecutionID: rc.ExecutionID}
	stage, err := rc.Failure()

	switch rc.State() {
	case StateDone:
		report := rc.FinalReport()
		resp.Success = true
		resp.Status = report.Status
		resp.Report = report
	case StateCancelled:
		resp.Status = RunFailed
		resp.ErrorCode = ErrCodeCancelled
		resp.Stage = stage
		resp.Errors = []string{err.Error()}
	default:
		resp.Status = RunRejected
		resp.Stage = stage
		resp.ErrorCode = CodeOf(err)
		if resp.ErrorCode == "" {
			resp.ErrorCode = ErrCodeInternal
		}
		if len(rc.ValidationErrors) > 0 {
			resp.Errors = append([]string(nil), rc.ValidationErrors...)
		} else if err != nil {
			resp.Errors = []string{err.Error()}
		}
	}
	return resp
}

// recordAudit writes the run's audit record. A failing sink is logged and does
// not change the response.
func (e *Engine) recordAudit(ctx context.Context, rc *RunContext, resp *Response) {
	if e.auditSink == nil {
		return
	}
	req := rc.Request
	record := AuditRecord{
		ExecutionID:    rc.ExecutionID,
		OrganizationID: req.OrganizationID,
		GraphID:        req.Graph.ID,
		Status:         resp.Status,
		Trigger:        req.Context.Trigger,
		Priority:       req.Context.Priority,
		ExecutionTime:  rc.GetTotalDuration(),
		NodeCount:      len(req.Graph.Nodes),
		Report:         resp.Report,
		Errors:         resp.Errors,
		RecordedAt:     time.Now(),
	}
	if err := e.auditSink.Record(context.WithoutCancel(ctx), req.OrganizationID, record); err != nil {
		e.logger.Error("Failed to write audit record",
			"execution_id", rc.ExecutionID,
			"error", NewAuditError(req.OrganizationID, err),
		)
	}
}

func (e *Engine) publishOutcome(ctx context.Context, rc *RunContext, resp *Response) {
	eventType := eventbus.EventRunFailed
	switch resp.Status {
	case RunCompleted:
		eventType = eventbus.EventRunCompleted
	case RunPartial:
		eventType = eventbus.EventRunPartial
	case RunRejected:
		eventType = eventbus.EventRunRejected
	}
	publish(ctx, e.EventBus(), e.logger, eventType, resp, "Engine.Execute", map[string]any{
		"execution_id": rc.ExecutionID,
		"graph_id":     rc.Request.Graph.ID,
		"duration_ms":  rc.GetTotalDuration().Milliseconds(),
	})
}

// NodeErrors lists "id (status): error" for every node of a report that did not
// succeed, sorted by node id.
func NodeErrors(report *ExecutionReport) []string {
	if report == nil {
		return nil
	}
	ids := make([]string, 0, len(report.NodeResults))
	for id, r := range report.NodeResults {
		if r.Status != NodeSuccess {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		r := report.NodeResults[id]
		out = append(out, fmt.Sprintf("%s (%s): %s", id, r.Status, r.Error))
	}
	return out
}
