package dagengine

import (
	"context"
	"fmt"
	"time"

	"github.com/ZanzyTHEbar/dagengine/internal/eventbus"
	"github.com/ZanzyTHEbar/errbuilder-go"
	"github.com/google/uuid"
)

// asyncExecution tracks one run submitted with ExecuteAsync.
type asyncExecution struct {
	run      *RunContext
	cancel   context.CancelFunc
	done     chan struct{}
	response *Response
	err      error
}

func (a *asyncExecution) finished() bool {
	select {
	case <-a.done:
		return true
	default:
		return false
	}
}

// AsyncExecutionStatus represents the status information for an async execution.
type AsyncExecutionStatus struct {
	ExecutionID    string        `json:"execution_id"`
	GraphID        string        `json:"graph_id"`
	OrganizationID string        `json:"organization_id"`
	CurrentState   RunState      `json:"current_state"`
	Status         RunStatus     `json:"status"`
	StartTime      time.Time     `json:"start_time"`
	Duration       time.Duration `json:"duration"`
	IsComplete     bool          `json:"is_complete"`
	HasError       bool          `json:"has_error"`
	ErrorMessage   string        `json:"error_message,omitempty"`
	ErrorStage     string        `json:"error_stage,omitempty"`
}

// ExecuteAsync starts a run in the background and returns its execution id. The
// run is detached from ctx's cancellation; use CancelAsync to stop it.
func (e *Engine) ExecuteAsync(ctx context.Context, req *ExecutionRequest) (string, error) {
	if req == nil {
		return "", NewValidationError(string(StateValidating), "execution request is required", nil)
	}

	executionID := uuid.New().String()
	asyncCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	exec := &asyncExecution{
		run:    NewRunContext(executionID, req),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	e.asyncExecutionsMutex.Lock()
	e.asyncExecutions[executionID] = exec
	e.asyncExecutionsMutex.Unlock()

	publish(ctx, e.EventBus(), e.logger, eventbus.EventAsyncSubmitted, req.Graph.ID, "Engine.ExecuteAsync", map[string]any{
		"execution_id":    executionID,
		"organization_id": req.OrganizationID,
	})

	go func() {
		defer cancel()
		resp, err := e.run(asyncCtx, exec.run)

		e.asyncExecutionsMutex.Lock()
		exec.response, exec.err = resp, err
		e.asyncExecutionsMutex.Unlock()
		close(exec.done)
	}()

	return executionID, nil
}

func (e *Engine) lookupAsync(executionID string) (*asyncExecution, error) {
	exec, exists := e.asyncExecutions[executionID]
	if !exists {
		return nil, errbuilder.NotFoundErr(errbuilder.GenericErr(fmt.Sprintf("execution with ID '%s' not found", executionID), nil))
	}
	return exec, nil
}

// GetAsyncStatus retrieves the current status of an async execution.
func (e *Engine) GetAsyncStatus(executionID string) (*AsyncExecutionStatus, error) {
	e.asyncExecutionsMutex.RLock()
	defer e.asyncExecutionsMutex.RUnlock()

	exec, err := e.lookupAsync(executionID)
	if err != nil {
		return nil, err
	}

	rc := exec.run
	state := rc.State()
	status := &AsyncExecutionStatus{
		ExecutionID:    executionID,
		GraphID:        rc.Request.Graph.ID,
		OrganizationID: rc.Request.OrganizationID,
		CurrentState:   state,
		Status:         RunPending,
		StartTime:      rc.StartTime,
		Duration:       rc.GetTotalDuration(),
		IsComplete:     exec.finished(),
		HasError:       state == StateFailed || state == StateCancelled,
	}
	if exec.response != nil {
		status.Status = exec.response.Status
	}
	if stage, err := rc.Failure(); err != nil {
		status.ErrorMessage = err.Error()
		status.ErrorStage = stage
	}

	return status, nil
}

// GetAsyncResult returns the response of a finished async execution, or an
// error while it is still running.
func (e *Engine) GetAsyncResult(executionID string) (*Response, error) {
	e.asyncExecutionsMutex.RLock()
	defer e.asyncExecutionsMutex.RUnlock()

	exec, err := e.lookupAsync(executionID)
	if err != nil {
		return nil, err
	}
	if !exec.finished() {
		return nil, fmt.Errorf("execution is still in progress (current state: %s)", exec.run.State())
	}
	return exec.response, exec.err
}

// WaitAsync blocks until the async execution finishes or ctx is done.
func (e *Engine) WaitAsync(ctx context.Context, executionID string) (*Response, error) {
	e.asyncExecutionsMutex.RLock()
	exec, err := e.lookupAsync(executionID)
	e.asyncExecutionsMutex.RUnlock()
	if err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-exec.done:
		return e.GetAsyncResult(executionID)
	}
}

// CancelAsync cancels an ongoing async execution. It returns true if the run
// was still in flight. A run cancelled during execution still produces a
// report: nodes that had not started are skipped.
func (e *Engine) CancelAsync(executionID string) (bool, error) {
	e.asyncExecutionsMutex.RLock()
	exec, err := e.lookupAsync(executionID)
	e.asyncExecutionsMutex.RUnlock()
	if err != nil {
		return false, err
	}

	if exec.finished() {
		return false, nil
	}
	exec.cancel()

	publish(context.Background(), e.EventBus(), e.logger, eventbus.EventAsyncCancelled, executionID, "Engine.CancelAsync", map[string]any{
		"execution_id": executionID,
		"state":        string(exec.run.State()),
		"duration_ms":  exec.run.GetTotalDuration().Milliseconds(),
	})
	return true, nil
}

// ListAsyncExecutions returns every tracked async execution id with its current state.
func (e *Engine) ListAsyncExecutions() map[string]RunState {
	e.asyncExecutionsMutex.RLock()
	defer e.asyncExecutionsMutex.RUnlock()

	result := make(map[string]RunState, len(e.asyncExecutions))
	for id, exec := range e.asyncExecutions {
		result[id] = exec.run.State()
	}
	return result
}

// CleanupCompletedExecutions forgets finished executions that ended more than
// olderThan ago and returns how many were removed.
func (e *Engine) CleanupCompletedExecutions(olderThan time.Duration) int {
	e.asyncExecutionsMutex.Lock()
	defer e.asyncExecutionsMutex.Unlock()

	now := time.Now()
	count := 0
	for id, exec := range e.asyncExecutions {
		if !exec.finished() {
			continue
		}
		exec.run.mu.RLock()
		ended := exec.run.EndTime
		exec.run.mu.RUnlock()
		if now.Sub(ended) > olderThan {
			delete(e.asyncExecutions, id)
			count++
		}
	}
	return count
}
