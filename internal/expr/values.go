package expr

import (
	"encoding/json"
	"math"
	"reflect"
	"strconv"
	"strings"
)

// Normalize converts decoded YAML/JSON data into expression values: integer
// types become float64, map[string]string and map[any]any become
// map[string]any, and typed slices become []any.
func Normalize(v any) any {
	switch x := v.(type) {
	case nil, bool, float64, string:
		return x
	case int:
		return float64(x)
	case int64:
		return float64(x)
	case int32:
		return float64(x)
	case uint64:
		return float64(x)
	case float32:
		return float64(x)
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[k] = Normalize(val)
		}
		return out
	case map[string]string:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[k] = val
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[ToString(Normalize(k))] = Normalize(val)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, val := range x {
			out[i] = Normalize(val)
		}
		return out
	case []string:
		out := make([]any, len(x))
		for i, val := range x {
			out[i] = val
		}
		return out
	}
	return v
}

// Truthy reports the boolean interpretation of a value: false, 0, NaN, ""
// and null are false, everything else is true.
func Truthy(v any) bool {
	switch x := Normalize(v).(type) {
	case nil:
		return false
	case bool:
		return x
	case float64:
		return x != 0 && !math.IsNaN(x)
	case string:
		return x != ""
	}
	return true
}

// ToString renders a value the way interpolation inserts it into text.
// null is the empty string; objects and arrays are compact JSON.
func ToString(v any) string {
	switch x := Normalize(v).(type) {
	case nil:
		return ""
	case bool:
		if x {
			return "true"
		}
		return "false"
	case float64:
		if math.IsNaN(x) {
			return "NaN"
		}
		if math.IsInf(x, 1) {
			return "Infinity"
		}
		if math.IsInf(x, -1) {
			return "-Infinity"
		}
		return strconv.FormatFloat(x, 'f', -1, 64)
	case string:
		return x
	default:
		data, err := json.Marshal(x)
		if err != nil {
			return ""
		}
		return string(data)
	}
}

// ToNumber converts a value to a number: null is 0, booleans are 1 or 0,
// strings are parsed (empty is 0, unparseable is NaN), objects are NaN.
func ToNumber(v any) float64 {
	switch x := Normalize(v).(type) {
	case nil:
		return 0
	case bool:
		if x {
			return 1
		}
		return 0
	case float64:
		return x
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return 0
		}
		n, err := parseNumber(s)
		if err != nil {
			return math.NaN()
		}
		return n
	}
	return math.NaN()
}

// Equal implements loose equality. Strings compare case-insensitively,
// mixed primitive types are coerced to numbers, and objects or arrays are
// equal only when structurally identical.
func Equal(a, b any) bool {
	a, b = Normalize(a), Normalize(b)

	if a == nil && b == nil {
		return true
	}
	if x, ok := a.(string); ok {
		if y, ok := b.(string); ok {
			return strings.EqualFold(x, y)
		}
	}
	if isComposite(a) || isComposite(b) {
		return reflect.DeepEqual(a, b)
	}
	if x, ok := a.(bool); ok {
		if y, ok := b.(bool); ok {
			return x == y
		}
	}

	na, nb := ToNumber(a), ToNumber(b)
	if math.IsNaN(na) || math.IsNaN(nb) {
		return false
	}
	return na == nb
}

func isComposite(v any) bool {
	switch v.(type) {
	case map[string]any, []any:
		return true
	}
	return false
}

// compare orders two values. Two strings compare case-insensitively,
// anything else numerically. ok is false when the values are not ordered.
func compare(a, b any) (int, bool) {
	a, b = Normalize(a), Normalize(b)
	if x, ok := a.(string); ok {
		if y, ok := b.(string); ok {
			return strings.Compare(strings.ToLower(x), strings.ToLower(y)), true
		}
	}
	na, nb := ToNumber(a), ToNumber(b)
	if math.IsNaN(na) || math.IsNaN(nb) {
		return 0, false
	}
	switch {
	case na < nb:
		return -1, true
	case na > nb:
		return 1, true
	}
	return 0, true
}
