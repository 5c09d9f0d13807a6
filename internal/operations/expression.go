package operations

import (
	"fmt"
	"math"
	"sync"

	"github.com/Knetic/govaluate"
)

// ExpressionFunctionRegistry allows registration of custom functions for expression evaluation.
type ExpressionFunctionRegistry struct {
	mu        sync.RWMutex
	functions map[string]govaluate.ExpressionFunction
}

var globalExprFuncRegistry = &ExpressionFunctionRegistry{functions: make(map[string]govaluate.ExpressionFunction)}

// RegisterExpressionFunction allows users to register a custom function for expressions.
func RegisterExpressionFunction(name string, fn govaluate.ExpressionFunction) {
	globalExprFuncRegistry.mu.Lock()
	defer globalExprFuncRegistry.mu.Unlock()
	globalExprFuncRegistry.functions[name] = fn
}

// builtinFunctions are always available to expressions.
var builtinFunctions = map[string]govaluate.ExpressionFunction{
	"max": func(args ...any) (any, error) {
		return foldFloats("max", args, math.Max)
	},
	"min": func(args ...any) (any, error) {
		return foldFloats("min", args, math.Min)
	},
	"abs": func(args ...any) (any, error) {
		if len(args) != 1 {
			return nil, fmt.Errorf("abs expects 1 argument, got %d", len(args))
		}
		f, ok := toFloat(args[0])
		if !ok {
			return nil, fmt.Errorf("abs: argument is not a number")
		}
		return math.Abs(f), nil
	},
	"round": func(args ...any) (any, error) {
		if len(args) < 1 || len(args) > 2 {
			return nil, fmt.Errorf("round expects 1 or 2 arguments, got %d", len(args))
		}
		f, ok := toFloat(args[0])
		if !ok {
			return nil, fmt.Errorf("round: argument is not a number")
		}
		places := 0.0
		if len(args) == 2 {
			if places, ok = toFloat(args[1]); !ok {
				return nil, fmt.Errorf("round: precision is not a number")
			}
		}
		return roundTo(f, int(places)), nil
	},
}

func foldFloats(name string, args []any, fn func(a, b float64) float64) (any, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("%s expects at least 1 argument", name)
	}
	acc, ok := toFloat(args[0])
	if !ok {
		return nil, fmt.Errorf("%s: argument 0 is not a number", name)
	}
	for i, a := range args[1:] {
		f, ok := toFloat(a)
		if !ok {
			return nil, fmt.Errorf("%s: argument %d is not a number", name, i+1)
		}
		acc = fn(acc, f)
	}
	return acc, nil
}

// getWhitelistedFunctions returns the built-in functions plus the registered ones.
// Registered functions shadow built-ins of the same name.
func getWhitelistedFunctions() map[string]govaluate.ExpressionFunction {
	whitelist := make(map[string]govaluate.ExpressionFunction, len(builtinFunctions))
	for k, v := range builtinFunctions {
		whitelist[k] = v
	}
	globalExprFuncRegistry.mu.RLock()
	defer globalExprFuncRegistry.mu.RUnlock()
	for k, v := range globalExprFuncRegistry.functions {
		whitelist[k] = v
	}
	return whitelist
}

// ValidateExpression checks that an expression parses.
func ValidateExpression(expr string) error {
	_, err := govaluate.NewEvaluableExpressionWithFunctions(expr, getWhitelistedFunctions())
	return err
}

// EvaluateExpression parses expr and evaluates it against vars.
func EvaluateExpression(expr string, vars map[string]any) (any, error) {
	eval, err := govaluate.NewEvaluableExpressionWithFunctions(expr, getWhitelistedFunctions())
	if err != nil {
		return nil, fmt.Errorf("invalid expression %q: %w", expr, err)
	}
	result, err := eval.Evaluate(vars)
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate %q: %w", expr, err)
	}
	return result, nil
}
