package operations

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, name string, params map[string]any) (map[string]any, error) {
	t.Helper()
	op, err := NewDefaultRegistry().Lookup(name)
	require.NoError(t, err)
	out, err := op.Execute(context.Background(), params)
	if err != nil {
		return nil, err
	}
	m, ok := out.(map[string]any)
	require.True(t, ok, "expected map payload, got %T", out)
	return m, nil
}

// deps builds params the way the node executor does: dependency payloads under
// "dependencies" and flattened at the top level.
func deps(base map[string]any, payloads map[string]any) map[string]any {
	params := make(map[string]any, len(base)+len(payloads)+1)
	for k, v := range base {
		params[k] = v
	}
	params["dependencies"] = payloads
	for k, v := range payloads {
		params[k] = v
	}
	return params
}

func TestPricingChain(t *testing.T) {
	input := map[string]any{"base_amount": 100, "markup_percent": 25}

	cost, err := run(t, "calculate_cost", deps(input, map[string]any{}))
	require.NoError(t, err)
	assert.Equal(t, 100.0, cost["cost"])

	markup, err := run(t, "apply_markup", deps(input, map[string]any{"cost": cost}))
	require.NoError(t, err)
	assert.Equal(t, 125.0, markup["price"])

	validate, err := run(t, "validate_threshold", deps(input, map[string]any{"markup": markup}))
	require.NoError(t, err)
	assert.Equal(t, true, validate["valid"])
	assert.Equal(t, 125.0, validate["price"])
}

func TestCalculateCost(t *testing.T) {
	tests := []struct {
		name    string
		params  map[string]any
		want    float64
		wantErr bool
	}{
		{name: "base only", params: map[string]any{"base_amount": 40}, want: 40},
		{name: "quantity and fees", params: map[string]any{"base_amount": 10, "quantity": 3, "fees": 2.5}, want: 32.5},
		{name: "json number", params: map[string]any{"base_amount": json.Number("7.5")}, want: 7.5},
		{name: "numeric string", params: map[string]any{"amount": "12"}, want: 12},
		{name: "missing amount", params: map[string]any{"quantity": 2}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := run(t, "calculate_cost", tt.params)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got["cost"])
		})
	}
}

func TestValidateThreshold_Bounds(t *testing.T) {
	_, err := run(t, "validate_threshold", map[string]any{"price": 50, "min_value": 60})
	assert.Error(t, err)

	_, err = run(t, "validate_threshold", map[string]any{"price": 50, "max_value": 40})
	assert.Error(t, err)

	got, err := run(t, "validate_threshold", map[string]any{"value": 50, "min_value": 10, "max_value": 100})
	require.NoError(t, err)
	assert.Equal(t, 50.0, got["price"])
}

func TestAggregate(t *testing.T) {
	payloads := map[string]any{
		"a": map[string]any{"cost": 10.0},
		"b": map[string]any{"price": 30.0},
		"c": 20,
	}
	tests := []struct {
		method string
		want   float64
	}{
		{"sum", 60},
		{"avg", 20},
		{"min", 10},
		{"max", 30},
		{"count", 3},
	}
	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			got, err := run(t, "aggregate", deps(map[string]any{"method": tt.method}, payloads))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got["result"])
		})
	}

	_, err := run(t, "aggregate", deps(map[string]any{"method": "median"}, payloads))
	assert.Error(t, err)

	_, err = run(t, "aggregate", deps(map[string]any{"method": "avg"}, map[string]any{}))
	assert.Error(t, err, "avg over nothing")

	got, err := run(t, "aggregate", deps(map[string]any{"field": "cost", "values": []any{5, 5}}, payloads))
	require.NoError(t, err)
	assert.Equal(t, 40.0, got["result"], "field selects cost from a, c is a bare number, values are appended")
}

func TestEvaluateExpression(t *testing.T) {
	got, err := run(t, "evaluate_expression", deps(
		map[string]any{"expression": "round(cost_cost * rate, 2)", "rate": 0.25},
		map[string]any{"cost": map[string]any{"cost": 100.0}},
	))
	require.NoError(t, err)
	assert.Equal(t, 25.0, got["result"])

	_, err = run(t, "evaluate_expression", map[string]any{"expression": "1 +"})
	assert.Error(t, err)

	_, err = run(t, "evaluate_expression", map[string]any{})
	assert.Error(t, err)
}

func TestNonFiniteResultsFail(t *testing.T) {
	tests := []struct {
		name   string
		fn     string
		params map[string]any
	}{
		{
			name:   "division by zero",
			fn:     "evaluate_expression",
			params: map[string]any{"expression": "base_amount / zero", "base_amount": 100, "zero": 0},
		},
		{
			name:   "zero over zero",
			fn:     "evaluate_expression",
			params: map[string]any{"expression": "zero / zero", "zero": 0},
		},
		{
			name:   "sum overflow",
			fn:     "aggregate",
			params: map[string]any{"values": []any{math.MaxFloat64, math.MaxFloat64}},
		},
		{
			name:   "cost overflow",
			fn:     "calculate_cost",
			params: map[string]any{"base_amount": math.MaxFloat64, "quantity": 10},
		},
		{
			name:   "markup overflow",
			fn:     "apply_markup",
			params: map[string]any{"cost": math.MaxFloat64, "markup_percent": 100},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := run(t, tt.fn, tt.params)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "not a finite number")
		})
	}
}

func TestMakeDecision(t *testing.T) {
	markup := map[string]any{"markup": map[string]any{"price": 125.0}}

	got, err := run(t, "make_decision", deps(map[string]any{"condition": "markup_price > 100"}, markup))
	require.NoError(t, err)
	assert.Equal(t, true, got["decision"])
	assert.Equal(t, "approve", got["outcome"])

	got, err = run(t, "make_decision", deps(map[string]any{
		"condition": "markup_price > 200",
		"if_false":  "escalate",
	}, markup))
	require.NoError(t, err)
	assert.Equal(t, false, got["decision"])
	assert.Equal(t, "escalate", got["outcome"])

	_, err = run(t, "make_decision", map[string]any{"condition": "1 + 1"})
	assert.Error(t, err, "non-boolean condition")
}

func TestTransformData(t *testing.T) {
	payloads := map[string]any{"markup": map[string]any{"price": 125.456, "cost": 100.0}}

	got, err := run(t, "transform_data", deps(map[string]any{
		"mapping":   map[string]any{"final_price": "price"},
		"precision": 1,
	}, payloads))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"final_price": 125.5}, got)

	got, err = run(t, "transform_data", deps(map[string]any{}, payloads))
	require.NoError(t, err)
	assert.Equal(t, 100.0, got["cost"])

	_, err = run(t, "transform_data", deps(map[string]any{"mapping": map[string]any{"x": "missing"}}, payloads))
	assert.Error(t, err)
}

func TestExternalCall(t *testing.T) {
	got, err := run(t, "external_call", map[string]any{"endpoint": "crm", "latency_ms": 1, "payload": "hi"})
	require.NoError(t, err)
	assert.Equal(t, "ok", got["status"])
	assert.Equal(t, "hi", got["response"])

	_, err = run(t, "external_call", map[string]any{"latency_ms": 1, "fail": true})
	assert.Error(t, err)

	op, err := NewDefaultRegistry().Lookup("external_call")
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	_, err = op.Execute(ctx, map[string]any{"latency_ms": 5000})
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}
