package dagengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ZanzyTHEbar/dagengine/internal/eventbus"
)

// RunState is the coordinator's position in a run.
type RunState string

const (
	// StateInit is the state of a run that has been accepted but not started.
	StateInit RunState = "init"
	// StateValidating checks the graph for structural problems.
	StateValidating RunState = "validating"
	// StateOptimizing builds the execution plan.
	StateOptimizing RunState = "optimizing"
	// StateScheduling groups the plan into batches.
	StateScheduling RunState = "scheduling"
	// StateExecuting runs the batches in order.
	StateExecuting RunState = "executing"
	// StateAggregating analyses results and assembles the report.
	StateAggregating RunState = "aggregating"
	// StateDone is terminal: a report exists.
	StateDone RunState = "done"
	// StateFailed is terminal: the run was rejected before or during scheduling.
	StateFailed RunState = "failed"
	// StateCancelled is terminal: the caller gave up before execution began.
	StateCancelled RunState = "cancelled"
	// StateUnknown is reported for executions the engine has no record of.
	StateUnknown RunState = "unknown"
)

// RunContext carries everything one run produces as it moves through the state
// machine. Transitions write to it; readers on other goroutines (async status
// queries) go through the locked accessors.
type RunContext struct {
	mu sync.RWMutex

	ExecutionID  string
	Request      *ExecutionRequest
	Optimization OptimizationOptions
	Monitoring   MonitoringOptions

	// Intermediate results
	ValidationErrors ValidationErrors
	Plan             *ExecutionPlan
	Results          map[string]*NodeResult
	Report           *ExecutionReport

	// Error handling
	LastError  error
	ErrorStage string

	// State management
	CurrentState RunState
	History      []RunState

	// Timestamp tracking
	StartTime       time.Time
	EndTime         time.Time
	StateStartTimes map[RunState]time.Time
	StateDurations  map[RunState]time.Duration
}

// NewRunContext creates the context for one run. A request without an
// optimization block runs with every optimization enabled.
func NewRunContext(executionID string, req *ExecutionRequest) *RunContext {
	now := time.Now()
	rc := &RunContext{
		ExecutionID:     executionID,
		Request:         req,
		Optimization:    DefaultOptimizationOptions(),
		CurrentState:    StateInit,
		History:         []RunState{StateInit},
		StartTime:       now,
		StateStartTimes: map[RunState]time.Time{StateInit: now},
		StateDurations:  make(map[RunState]time.Duration),
	}
	if req.Optimization != nil {
		rc.Optimization = *req.Optimization
	}
	if req.Monitoring != nil {
		rc.Monitoring = *req.Monitoring
	}
	return rc
}

// State returns the current state.
func (rc *RunContext) State() RunState {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.CurrentState
}

// Failure returns the stage and error that ended the run, if any.
func (rc *RunContext) Failure() (string, error) {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.ErrorStage, rc.LastError
}

// FinalReport returns the report once the run is done, nil before.
func (rc *RunContext) FinalReport() *ExecutionReport {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.Report
}

// TransitionTo moves the run to state, closing the timing of the previous one.
func (rc *RunContext) TransitionTo(state RunState) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.transitionLocked(state)
}

func (rc *RunContext) transitionLocked(state RunState) {
	now := time.Now()
	if started, ok := rc.StateStartTimes[rc.CurrentState]; ok {
		rc.StateDurations[rc.CurrentState] += now.Sub(started)
	}
	rc.CurrentState = state
	rc.History = append(rc.History, state)
	rc.StateStartTimes[state] = now
	if rc.isTerminalLocked() {
		rc.EndTime = now
	}
}

// IsTerminal reports whether the run has finished, one way or another.
func (rc *RunContext) IsTerminal() bool {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.isTerminalLocked()
}

func (rc *RunContext) isTerminalLocked() bool {
	return rc.CurrentState == StateDone || rc.CurrentState == StateFailed || rc.CurrentState == StateCancelled
}

// SetError records err against stage and moves the run to StateFailed.
func (rc *RunContext) SetError(err error, stage string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.LastError = err
	rc.ErrorStage = stage
	rc.transitionLocked(StateFailed)
}

// SetCancelled records the cancellation cause and moves the run to StateCancelled.
func (rc *RunContext) SetCancelled(err error, stage string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.LastError = NewCancelledError(stage, err)
	rc.ErrorStage = stage
	rc.transitionLocked(StateCancelled)
}

// GetStateDuration returns the time spent in state so far.
func (rc *RunContext) GetStateDuration(state RunState) time.Duration {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	d := rc.StateDurations[state]
	if state == rc.CurrentState && !rc.isTerminalLocked() {
		d += time.Since(rc.StateStartTimes[state])
	}
	return d
}

// GetTotalDuration returns the elapsed time of the run so far.
func (rc *RunContext) GetTotalDuration() time.Duration {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	if rc.isTerminalLocked() {
		return rc.EndTime.Sub(rc.StartTime)
	}
	return time.Since(rc.StartTime)
}

// interruptible reports whether a cancelled context may still stop the run.
// Once batches start, the runner owns cancellation and the run always reaches
// aggregation so the caller gets a report.
func (rc *RunContext) interruptible() bool {
	switch rc.State() {
	case StateInit, StateValidating, StateOptimizing, StateScheduling:
		return true
	}
	return false
}

// StateTransition handles one state and returns the next.
type StateTransition func(ctx context.Context, eventBus eventbus.EventBus, rc *RunContext) (RunState, error)

// StateMachine drives a RunContext through its registered transitions.
type StateMachine struct {
	transitions map[RunState]StateTransition
	eventBus    eventbus.EventBus
	logger      *slog.Logger
}

// NewStateMachine creates a state machine. eventBus may be nil.
func NewStateMachine(eventBus eventbus.EventBus, logger *slog.Logger) *StateMachine {
	if logger == nil {
		logger = slog.Default()
	}
	return &StateMachine{
		transitions: make(map[RunState]StateTransition),
		eventBus:    eventBus,
		logger:      logger,
	}
}

// RegisterTransition registers the handler for state.
func (sm *StateMachine) RegisterTransition(state RunState, transition StateTransition) {
	sm.transitions[state] = transition
}

// Execute runs the state machine until the run is terminal and returns the
// error that ended it, if any.
func (sm *StateMachine) Execute(ctx context.Context, rc *RunContext) error {
	for !rc.IsTerminal() {
		current := rc.State()

		if rc.interruptible() {
			if err := ctx.Err(); err != nil {
				rc.SetCancelled(err, string(current))
				sm.publishTransition(ctx, rc, current, StateCancelled)
				break
			}
		}

		transition, exists := sm.transitions[current]
		if !exists {
			rc.SetError(NewInternalError(string(current), fmt.Sprintf("no transition defined for state: %s", current), nil), string(current))
			sm.publishTransition(ctx, rc, current, StateFailed)
			break
		}

		next, err := transition(ctx, sm.eventBus, rc)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				rc.SetCancelled(err, string(current))
				sm.publishTransition(ctx, rc, current, StateCancelled)
			} else {
				rc.SetError(err, string(current))
				sm.publishTransition(ctx, rc, current, StateFailed)
			}
			continue
		}

		rc.TransitionTo(next)
		sm.logger.Debug("Run state changed", "execution_id", rc.ExecutionID, "from", current, "to", next)
		sm.publishTransition(ctx, rc, current, next)
	}

	_, err := rc.Failure()
	return err
}

func (sm *StateMachine) publishTransition(ctx context.Context, rc *RunContext, from, to RunState) {
	if sm.eventBus == nil {
		return
	}
	evt := eventbus.NewEvent(eventbus.EventStateTransition, string(to), "StateMachine", map[string]any{
		"execution_id": rc.ExecutionID,
		"from":         string(from),
	})
	// Lifecycle events outlive the caller's context.
	if err := sm.eventBus.Publish(context.WithoutCancel(ctx), evt); err != nil {
		sm.logger.Warn("Failed to publish state transition", "execution_id", rc.ExecutionID, "error", err)
	}
}
