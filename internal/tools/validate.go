package tools

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
)

// validate checks args against schema and returns a copy with declared
// defaults filled in for absent optional params. Unknown keys pass through.
func validate(tool string, schema Schema, args map[string]any) (map[string]any, error) {
	out := cloneArgs(args)
	for _, p := range schema {
		v, present := out[p.Name]
		if !present || v == nil {
			if p.Required {
				return nil, &ValidationError{Tool: tool, Field: p.Name, Reason: "required"}
			}
			if p.Default != nil {
				out[p.Name] = p.Default
			}
			continue
		}
		if p.Type != "" {
			if err := checkType(v, p.Type); err != nil {
				return nil, &ValidationError{Tool: tool, Field: p.Name, Reason: err.Error()}
			}
		}
		if len(p.Enum) > 0 && !inEnum(v, p.Enum) {
			return nil, &ValidationError{
				Tool:   tool,
				Field:  p.Name,
				Reason: fmt.Sprintf("expected one of %v but got %v", p.Enum, v),
			}
		}
	}
	return out, nil
}

func checkType(v any, expected string) error {
	ok := false
	switch expected {
	case "string":
		_, ok = v.(string)
	case "number":
		_, ok = toFloat64(v)
	case "integer":
		ok = isInteger(v)
	case "boolean":
		_, ok = v.(bool)
	case "object":
		_, ok = v.(map[string]any)
	case "array":
		_, ok = v.([]any)
	default:
		return fmt.Errorf("unsupported schema type %q", expected)
	}
	if !ok {
		return fmt.Errorf("expected %s but got %T", expected, v)
	}
	return nil
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func isInteger(v any) bool {
	switch n := v.(type) {
	case int, int32, int64:
		return true
	case json.Number:
		_, err := n.Int64()
		return err == nil
	}
	f, ok := toFloat64(v)
	return ok && math.Trunc(f) == f
}

func inEnum(v any, values []any) bool {
	for _, candidate := range values {
		if a, ok := toFloat64(v); ok {
			if b, ok := toFloat64(candidate); ok && a == b {
				return true
			}
		}
		if reflect.DeepEqual(v, candidate) {
			return true
		}
	}
	return false
}

// cloneArgs copies nested maps and slices so handlers never share the
// caller's argument map.
func cloneArgs(args map[string]any) map[string]any {
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return cloneArgs(val)
	case []any:
		dup := make([]any, len(val))
		for i, inner := range val {
			dup[i] = cloneValue(inner)
		}
		return dup
	default:
		return v
	}
}
