package operations

import (
	"context"
	"fmt"

	"github.com/ZanzyTHEbar/dagengine"
)

// Func is the signature of a plain Go function usable as an operation.
type Func func(ctx context.Context, params map[string]any) (any, error)

// FuncOperation adapts a Func to the dagengine.Operation interface.
type FuncOperation struct {
	fn          Func
	schema      map[string]any
	name        string
	validator   func(map[string]any) error
	description string
	kind        dagengine.NodeKind
}

// OperationOption represents an option for configuring a FuncOperation.
type OperationOption func(*FuncOperation)

// WithValidator sets a custom validator run before every execution.
func WithValidator(validator func(map[string]any) error) OperationOption {
	return func(op *FuncOperation) {
		op.validator = validator
	}
}

// WithKind records the node kind the operation is intended for.
func WithKind(kind dagengine.NodeKind) OperationOption {
	return func(op *FuncOperation) {
		op.kind = kind
		op.schema["kind"] = string(kind)
	}
}

// WithDescription sets a detailed description for the operation.
func WithDescription(description string) OperationOption {
	return func(op *FuncOperation) {
		op.description = description
		op.schema["description"] = description
	}
}

// WithParameters sets the parameters description in the schema.
func WithParameters(parameters map[string]string) OperationOption {
	return func(op *FuncOperation) {
		op.schema["parameters"] = parameters
	}
}

// WithReturns sets the return value description in the schema.
func WithReturns(returns string) OperationOption {
	return func(op *FuncOperation) {
		op.schema["returns"] = returns
	}
}

// NewFuncOperation creates a new adapter for a Go function.
func NewFuncOperation(name string, fn Func, options ...OperationOption) *FuncOperation {
	op := &FuncOperation{
		fn:     fn,
		schema: map[string]any{"name": name},
		name:   name,
		validator: func(params map[string]any) error {
			if params == nil {
				return fmt.Errorf("parameters cannot be nil")
			}
			return nil
		},
	}

	for _, option := range options {
		option(op)
	}

	return op
}

// Execute implements dagengine.Operation.
func (o *FuncOperation) Execute(ctx context.Context, params map[string]any) (any, error) {
	if o.fn == nil {
		return nil, fmt.Errorf("operation function is nil")
	}
	if err := o.Validate(params); err != nil {
		return nil, fmt.Errorf("parameter validation failed for %s: %w", o.name, err)
	}
	return o.fn(ctx, params)
}

// Validate runs the configured validator.
func (o *FuncOperation) Validate(params map[string]any) error {
	if o.validator != nil {
		return o.validator(params)
	}
	return nil
}

// Schema describes the operation.
func (o *FuncOperation) Schema() map[string]any {
	return o.schema
}

// Kind returns the node kind the operation was registered for, if any.
func (o *FuncOperation) Kind() dagengine.NodeKind {
	return o.kind
}

// Name implements dagengine.Operation.
func (o *FuncOperation) Name() string {
	return o.name
}
