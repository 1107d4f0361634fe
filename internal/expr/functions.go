package expr

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

var builtinFuncs = map[string]Func{
	"contains":   containsFunc,
	"startswith": startsWithFunc,
	"endswith":   endsWithFunc,
	"format":     formatFunc,
	"join":       joinFunc,
	"tojson":     toJSONFunc,
	"fromjson":   fromJSONFunc,
	"count":      countFunc,

	// Status functions default to a healthy job. Step and job runners
	// replace them with closures over the real status.
	"success":   constFunc(true),
	"failure":   constFunc(false),
	"always":    constFunc(true),
	"cancelled": constFunc(false),
}

func constFunc(v bool) Func {
	return func(args ...any) (any, error) {
		if err := arity(args, 0, 0); err != nil {
			return nil, err
		}
		return v, nil
	}
}

func arity(args []any, min, max int) error {
	if len(args) < min || (max >= 0 && len(args) > max) {
		if min == max {
			return fmt.Errorf("expected %d arguments, got %d", min, len(args))
		}
		return fmt.Errorf("expected %d to %d arguments, got %d", min, max, len(args))
	}
	return nil
}

// contains(search, item): element membership for arrays, case-insensitive
// substring test otherwise.
func containsFunc(args ...any) (any, error) {
	if err := arity(args, 2, 2); err != nil {
		return nil, err
	}
	if list, ok := Normalize(args[0]).([]any); ok {
		for _, element := range list {
			if Equal(element, args[1]) {
				return true, nil
			}
		}
		return false, nil
	}
	return strings.Contains(strings.ToLower(ToString(args[0])), strings.ToLower(ToString(args[1]))), nil
}

func startsWithFunc(args ...any) (any, error) {
	if err := arity(args, 2, 2); err != nil {
		return nil, err
	}
	return strings.HasPrefix(strings.ToLower(ToString(args[0])), strings.ToLower(ToString(args[1]))), nil
}

func endsWithFunc(args ...any) (any, error) {
	if err := arity(args, 2, 2); err != nil {
		return nil, err
	}
	return strings.HasSuffix(strings.ToLower(ToString(args[0])), strings.ToLower(ToString(args[1]))), nil
}

// count(haystack, needle): number of equal elements in an array, or
// non-overlapping case-insensitive occurrences in a string.
func countFunc(args ...any) (any, error) {
	if err := arity(args, 2, 2); err != nil {
		return nil, err
	}
	if list, ok := Normalize(args[0]).([]any); ok {
		n := 0
		for _, element := range list {
			if Equal(element, args[1]) {
				n++
			}
		}
		return float64(n), nil
	}
	needle := strings.ToLower(ToString(args[1]))
	if needle == "" {
		return float64(0), nil
	}
	return float64(strings.Count(strings.ToLower(ToString(args[0])), needle)), nil
}

// format('{0} and {1}', a, b). {{ and }} are literal braces.
func formatFunc(args ...any) (any, error) {
	if err := arity(args, 1, -1); err != nil {
		return nil, err
	}
	pattern := ToString(args[0])
	values := args[1:]

	var b strings.Builder
	for i := 0; i < len(pattern); i++ {
		c := pattern[i]
		switch {
		case c == '{' && i+1 < len(pattern) && pattern[i+1] == '{':
			b.WriteByte('{')
			i++
		case c == '}' && i+1 < len(pattern) && pattern[i+1] == '}':
			b.WriteByte('}')
			i++
		case c == '{':
			end := strings.IndexByte(pattern[i:], '}')
			if end < 0 {
				return nil, fmt.Errorf("unclosed placeholder in %q", pattern)
			}
			index, err := strconv.Atoi(pattern[i+1 : i+end])
			if err != nil || index < 0 {
				return nil, fmt.Errorf("invalid placeholder %q", pattern[i:i+end+1])
			}
			if index >= len(values) {
				return nil, fmt.Errorf("placeholder {%d} has no argument", index)
			}
			b.WriteString(ToString(values[index]))
			i += end
		case c == '}':
			return nil, fmt.Errorf("unmatched '}' in %q", pattern)
		default:
			b.WriteByte(c)
		}
	}
	return b.String(), nil
}

// join(array, separator=',').
func joinFunc(args ...any) (any, error) {
	if err := arity(args, 1, 2); err != nil {
		return nil, err
	}
	separator := ","
	if len(args) == 2 {
		separator = ToString(args[1])
	}
	list, ok := Normalize(args[0]).([]any)
	if !ok {
		return ToString(args[0]), nil
	}
	parts := make([]string, len(list))
	for i, element := range list {
		parts[i] = ToString(element)
	}
	return strings.Join(parts, separator), nil
}

func toJSONFunc(args ...any) (any, error) {
	if err := arity(args, 1, 1); err != nil {
		return nil, err
	}
	data, err := json.MarshalIndent(Normalize(args[0]), "", "  ")
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func fromJSONFunc(args ...any) (any, error) {
	if err := arity(args, 1, 1); err != nil {
		return nil, err
	}
	var v any
	if err := json.Unmarshal([]byte(ToString(args[0])), &v); err != nil {
		return nil, err
	}
	return Normalize(v), nil
}
