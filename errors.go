package dagengine

import (
	"errors"
	"fmt"
	"strings"
)

// Error codes for specific failure types
const (
	ErrCodeValidation          = "VALIDATION_ERROR"
	ErrCodeOperationNotFound   = "OPERATION_NOT_FOUND"
	ErrCodeOperationExecution  = "OPERATION_EXECUTION_ERROR"
	ErrCodeMissingField        = "MISSING_REQUIRED_FIELD"
	ErrCodeInternalConsistency = "INTERNAL_CONSISTENCY_ERROR"
	ErrCodeConfiguration       = "CONFIGURATION_ERROR"
	ErrCodeCancelled           = "EXECUTION_CANCELLED"
	ErrCodeTimeout             = "EXECUTION_TIMEOUT"
	ErrCodeCache               = "CACHE_ERROR"
	ErrCodeAudit               = "AUDIT_ERROR"
	ErrCodeInternal            = "INTERNAL_ERROR"
)

// EngineError is the error type returned by every engine stage.
type EngineError struct {
	Code    string // A machine-readable error code (e.g., ErrCodeOperationNotFound)
	Message string // A human-readable message
	Stage   string // The stage where the error occurred (e.g., "validating", "executing")
	Cause   error  // The underlying error, if any
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Stage, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Stage, e.Code, e.Message)
}

// Unwrap returns the underlying cause of the error, allowing for error chaining.
func (e *EngineError) Unwrap() error {
	return e.Cause
}

// NewError creates a new EngineError.
func NewError(code, stage, message string, cause error) *EngineError {
	return &EngineError{
		Code:    code,
		Stage:   stage,
		Message: message,
		Cause:   cause,
	}
}

// IsEngineError reports whether err is, or wraps, an *EngineError.
func IsEngineError(err error) bool {
	var ee *EngineError
	return errors.As(err, &ee)
}

// CodeOf returns the code of the first *EngineError in err's chain, or "" if none.
func CodeOf(err error) string {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ""
}

// Specific error constructors

func NewValidationError(stage, message string, cause error) *EngineError {
	return NewError(ErrCodeValidation, stage, message, cause)
}

func NewOperationNotFoundError(stage, function string) *EngineError {
	return NewError(ErrCodeOperationNotFound, stage, fmt.Sprintf("operation '%s' not found", function), nil)
}

func NewOperationExecutionError(stage, function string, cause error) *EngineError {
	return NewError(ErrCodeOperationExecution, stage, fmt.Sprintf("execution failed for operation '%s'", function), cause)
}

func NewMissingFieldError(stage, nodeID, field string) *EngineError {
	msg := fmt.Sprintf("node '%s' is missing required field '%s'", nodeID, field)
	return NewError(ErrCodeMissingField, stage, msg, nil)
}

// NewInternalConsistencyError reports a scheduler that could not make progress on a
// graph the validator accepted. It always indicates a bug, never bad input.
func NewInternalConsistencyError(remaining []string) *EngineError {
	msg := fmt.Sprintf("scheduler made no progress with %d unscheduled node(s): %s",
		len(remaining), strings.Join(remaining, ", "))
	return NewError(ErrCodeInternalConsistency, string(StateScheduling), msg, nil)
}

func NewConfigurationError(message string, cause error) *EngineError {
	return NewError(ErrCodeConfiguration, "initialization", message, cause)
}

func NewCancelledError(stage string, cause error) *EngineError {
	msg := "execution cancelled"
	if cause != nil && cause.Error() != "" && cause.Error() != "context canceled" {
		msg = fmt.Sprintf("execution cancelled: %v", cause)
	}
	return NewError(ErrCodeCancelled, stage, msg, cause)
}

func NewTimeoutError(stage string, cause error) *EngineError {
	return NewError(ErrCodeTimeout, stage, "execution timed out", cause)
}

func NewCacheError(stage, operation string, cause error) *EngineError {
	return NewError(ErrCodeCache, stage, fmt.Sprintf("cache operation '%s' failed", operation), cause)
}

func NewAuditError(organizationID string, cause error) *EngineError {
	return NewError(ErrCodeAudit, string(StateAggregating), fmt.Sprintf("failed to write audit record for organization '%s'", organizationID), cause)
}

func NewInternalError(stage, message string, cause error) *EngineError {
	return NewError(ErrCodeInternal, stage, message, cause)
}

// ValidationErrors is the full list of structural problems found in a graph.
type ValidationErrors []string

func (v ValidationErrors) Error() string {
	switch len(v) {
	case 0:
		return "graph is valid"
	case 1:
		return "graph validation failed: " + v[0]
	default:
		return fmt.Sprintf("graph validation failed with %d errors: %s", len(v), strings.Join(v, "; "))
	}
}
