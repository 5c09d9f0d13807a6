package operations

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"

	"github.com/ZanzyTHEbar/dagengine"
)

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

func roundTo(f float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(f*p) / p
}

// finite rejects results that have no JSON encoding.
func finite(name string, f float64) (float64, error) {
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return 0, fmt.Errorf("%s is not a finite number (%v)", name, f)
	}
	return f, nil
}

// dependencyPayloads returns the dependency payloads in dependency id order.
func dependencyPayloads(params map[string]any) []any {
	deps, ok := params[dagengine.DependenciesKey].(map[string]any)
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(deps))
	for id := range deps {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = deps[id]
	}
	return out
}

// field returns the first of keys found in params. A key whose value is a map
// holding the same key (a dependency named after its output) resolves to the
// inner value.
func field(params map[string]any, keys ...string) (any, bool) {
	for _, k := range keys {
		v, ok := params[k]
		if !ok {
			continue
		}
		if m, isMap := v.(map[string]any); isMap {
			if inner, ok := m[k]; ok {
				return inner, true
			}
			continue
		}
		return v, true
	}
	return nil, false
}

// resolve looks keys up at the top level first, then inside each dependency payload.
func resolve(params map[string]any, keys ...string) (any, bool) {
	if v, ok := field(params, keys...); ok {
		return v, true
	}
	for _, payload := range dependencyPayloads(params) {
		m, ok := payload.(map[string]any)
		if !ok {
			continue
		}
		for _, k := range keys {
			if v, ok := m[k]; ok {
				return v, true
			}
		}
	}
	return nil, false
}

// numberParam reads a number from the top level only.
func numberParam(params map[string]any, keys ...string) (float64, bool) {
	v, ok := field(params, keys...)
	if !ok {
		return 0, false
	}
	return toFloat(v)
}

// resolveNumber reads a number from the top level or any dependency payload.
func resolveNumber(params map[string]any, keys ...string) (float64, bool) {
	v, ok := resolve(params, keys...)
	if !ok {
		return 0, false
	}
	return toFloat(v)
}

func requireNumber(params map[string]any, keys ...string) (float64, error) {
	f, ok := resolveNumber(params, keys...)
	if !ok {
		return 0, fmt.Errorf("missing numeric parameter %q", keys[0])
	}
	return f, nil
}

func stringParam(params map[string]any, key, def string) string {
	if s, ok := params[key].(string); ok && s != "" {
		return s
	}
	return def
}

func boolParam(params map[string]any, key string) bool {
	switch b := params[key].(type) {
	case bool:
		return b
	case string:
		v, _ := strconv.ParseBool(b)
		return v
	}
	return false
}
