package operations

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/ZanzyTHEbar/dagengine"
)

// Builtins returns fresh instances of the built-in business operations.
func Builtins() []dagengine.Operation {
	return []dagengine.Operation{
		NewFuncOperation("calculate_cost", calculateCost,
			WithKind(dagengine.KindCalculation),
			WithDescription("Computes base_amount * quantity + fees."),
			WithParameters(map[string]string{
				"base_amount": "unit amount (also read as amount or unit_cost)",
				"quantity":    "multiplier, default 1",
				"fees":        "flat amount added, default 0",
			}),
			WithReturns("{cost, base_amount, quantity}"),
		),
		NewFuncOperation("apply_markup", applyMarkup,
			WithKind(dagengine.KindCalculation),
			WithDescription("Applies a percentage markup to a cost."),
			WithParameters(map[string]string{
				"cost":           "amount to mark up, usually from a dependency",
				"markup_percent": "percentage, default 0",
			}),
			WithReturns("{price, cost, markup_percent}"),
		),
		NewFuncOperation("validate_threshold", validateThreshold,
			WithKind(dagengine.KindValidation),
			WithDescription("Checks a price or value against optional min/max bounds."),
			WithParameters(map[string]string{
				"price":     "value to check (also read as value, amount or cost)",
				"min_value": "inclusive lower bound",
				"max_value": "inclusive upper bound",
			}),
			WithReturns("{valid, price}"),
		),
		NewFuncOperation("aggregate", aggregate,
			WithKind(dagengine.KindAggregation),
			WithDescription("Combines numbers from dependency payloads."),
			WithParameters(map[string]string{
				"method": "sum | avg | min | max | count, default sum",
				"field":  "payload field to read, default result/value/price/cost",
				"values": "extra literal values",
			}),
			WithReturns("{result, method, count}"),
		),
		NewFuncOperation("evaluate_expression", evaluateExpression,
			WithKind(dagengine.KindCalculation),
			WithDescription("Evaluates an arithmetic expression over the node's parameters."),
			WithParameters(map[string]string{
				"expression": "govaluate expression; dependency fields are named <dep>_<field>",
			}),
			WithReturns("{result}"),
		),
		NewFuncOperation("make_decision", makeDecision,
			WithKind(dagengine.KindDecision),
			WithDescription("Evaluates a boolean condition and picks a branch."),
			WithParameters(map[string]string{
				"condition": "govaluate boolean expression",
				"if_true":   "value returned when the condition holds, default \"approve\"",
				"if_false":  "value returned otherwise, default \"reject\"",
			}),
			WithReturns("{decision, outcome}"),
		),
		NewFuncOperation("transform_data", transformData,
			WithKind(dagengine.KindTransformation),
			WithDescription("Renames or projects fields from the input and dependency payloads."),
			WithParameters(map[string]string{
				"mapping":   "output field -> source field; without it all dependency payloads are merged",
				"precision": "decimal places to round numeric outputs to",
			}),
			WithReturns("map of output fields"),
		),
		NewFuncOperation("external_call", externalCall,
			WithKind(dagengine.KindExternalCall),
			WithDescription("Simulates a call to an external system."),
			WithParameters(map[string]string{
				"endpoint":   "target name, default \"simulated\"",
				"latency_ms": "simulated latency, default 50",
				"fail":       "force the call to fail",
				"payload":    "echoed back as response",
			}),
			WithReturns("{status, endpoint, latency_ms, response}"),
		),
	}
}

func calculateCost(_ context.Context, params map[string]any) (any, error) {
	base, err := requireNumber(params, "base_amount", "amount", "unit_cost")
	if err != nil {
		return nil, err
	}
	quantity, ok := resolveNumber(params, "quantity")
	if !ok {
		quantity = 1
	}
	fees, _ := resolveNumber(params, "fees")
	cost, err := finite("cost", base*quantity+fees)
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"cost":        cost,
		"base_amount": base,
		"quantity":    quantity,
	}, nil
}

func applyMarkup(_ context.Context, params map[string]any) (any, error) {
	cost, err := requireNumber(params, "cost", "amount")
	if err != nil {
		return nil, err
	}
	pct, _ := resolveNumber(params, "markup_percent", "markup")
	price, err := finite("price", roundTo(cost*(1+pct/100), 6))
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"price":          price,
		"cost":           cost,
		"markup_percent": pct,
	}, nil
}

func validateThreshold(_ context.Context, params map[string]any) (any, error) {
	value, err := requireNumber(params, "price", "value", "amount", "cost")
	if err != nil {
		return nil, err
	}
	if lo, ok := numberParam(params, "min_value", "min"); ok && value < lo {
		return nil, fmt.Errorf("value %v is below minimum %v", value, lo)
	}
	if hi, ok := numberParam(params, "max_value", "max"); ok && value > hi {
		return nil, fmt.Errorf("value %v exceeds maximum %v", value, hi)
	}
	return map[string]any{"valid": true, "price": value}, nil
}

var defaultAggregateFields = []string{"result", "value", "price", "cost"}

func aggregate(_ context.Context, params map[string]any) (any, error) {
	method := stringParam(params, "method", "sum")
	fields := defaultAggregateFields
	if f := stringParam(params, "field", ""); f != "" {
		fields = []string{f}
	}

	var values []float64
	for _, payload := range dependencyPayloads(params) {
		if f, ok := toFloat(payload); ok {
			values = append(values, f)
			continue
		}
		m, ok := payload.(map[string]any)
		if !ok {
			continue
		}
		for _, name := range fields {
			if f, ok := toFloat(m[name]); ok {
				values = append(values, f)
				break
			}
		}
	}
	if extra, ok := params["values"].([]any); ok {
		for i, v := range extra {
			f, ok := toFloat(v)
			if !ok {
				return nil, fmt.Errorf("values[%d] is not a number", i)
			}
			values = append(values, f)
		}
	}

	var result float64
	switch method {
	case "sum":
		for _, v := range values {
			result += v
		}
	case "count":
		result = float64(len(values))
	case "avg", "min", "max":
		if len(values) == 0 {
			return nil, fmt.Errorf("no values to aggregate with %s", method)
		}
		result = values[0]
		sum := 0.0
		for _, v := range values {
			sum += v
			switch method {
			case "min":
				result = math.Min(result, v)
			case "max":
				result = math.Max(result, v)
			}
		}
		if method == "avg" {
			result = sum / float64(len(values))
		}
	default:
		return nil, fmt.Errorf("unknown aggregate method '%s'", method)
	}
	if _, err := finite(method, result); err != nil {
		return nil, err
	}

	return map[string]any{"result": result, "method": method, "count": len(values)}, nil
}

// expressionVariables flattens params into govaluate variables. Scalars keep their
// name; fields of map values (dependency payloads) become <key>_<field>.
func expressionVariables(params map[string]any) map[string]any {
	vars := make(map[string]any, len(params))
	put := func(name string, v any) {
		switch t := v.(type) {
		case bool, string:
			vars[name] = t
		default:
			if f, ok := toFloat(v); ok {
				vars[name] = f
			}
		}
	}
	for k, v := range params {
		if k == dagengine.DependenciesKey {
			continue
		}
		if m, ok := v.(map[string]any); ok {
			for name, fv := range m {
				put(k+"_"+name, fv)
			}
			continue
		}
		put(k, v)
	}
	return vars
}

func evaluateExpression(_ context.Context, params map[string]any) (any, error) {
	expr := stringParam(params, "expression", "")
	if expr == "" {
		return nil, fmt.Errorf("missing parameter \"expression\"")
	}
	result, err := EvaluateExpression(expr, expressionVariables(params))
	if err != nil {
		return nil, err
	}
	if f, ok := result.(float64); ok {
		if _, err := finite("expression result", f); err != nil {
			return nil, fmt.Errorf("expression %q: %w", expr, err)
		}
	}
	return map[string]any{"result": result}, nil
}

func makeDecision(_ context.Context, params map[string]any) (any, error) {
	cond := stringParam(params, "condition", "")
	if cond == "" {
		return nil, fmt.Errorf("missing parameter \"condition\"")
	}
	result, err := EvaluateExpression(cond, expressionVariables(params))
	if err != nil {
		return nil, err
	}
	decision, ok := result.(bool)
	if !ok {
		return nil, fmt.Errorf("condition %q evaluated to %T, want bool", cond, result)
	}

	outcome, hasOutcome := params["if_false"]
	if !hasOutcome {
		outcome = "reject"
	}
	if decision {
		if outcome, hasOutcome = params["if_true"]; !hasOutcome {
			outcome = "approve"
		}
	}
	return map[string]any{"decision": decision, "outcome": outcome}, nil
}

func transformData(_ context.Context, params map[string]any) (any, error) {
	precision, round := numberParam(params, "precision")
	out := make(map[string]any)

	if mapping, ok := params["mapping"].(map[string]any); ok {
		for target, src := range mapping {
			name, ok := src.(string)
			if !ok {
				return nil, fmt.Errorf("mapping for '%s' must name a source field", target)
			}
			v, found := resolve(params, name)
			if !found {
				return nil, fmt.Errorf("source field '%s' not found", name)
			}
			out[target] = v
		}
	} else {
		for _, payload := range dependencyPayloads(params) {
			if m, ok := payload.(map[string]any); ok {
				for k, v := range m {
					out[k] = v
				}
			}
		}
	}

	if round {
		for k, v := range out {
			if f, ok := toFloat(v); ok {
				if _, isString := v.(string); !isString {
					out[k] = roundTo(f, int(precision))
				}
			}
		}
	}
	return out, nil
}

func externalCall(ctx context.Context, params map[string]any) (any, error) {
	endpoint := stringParam(params, "endpoint", "simulated")
	latency, ok := numberParam(params, "latency_ms")
	if !ok {
		latency = 50
	}

	timer := time.NewTimer(time.Duration(latency) * time.Millisecond)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
	}

	if boolParam(params, "fail") {
		return nil, fmt.Errorf("external call to %s failed", endpoint)
	}
	return map[string]any{
		"status":     "ok",
		"endpoint":   endpoint,
		"latency_ms": latency,
		"response":   params["payload"],
	}, nil
}
