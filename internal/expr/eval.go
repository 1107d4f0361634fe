package expr

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
)

// Context maps a scope name (github, matrix, steps, env, ...) to its value.
type Context map[string]any

// Func is a built-in function. Arguments are already evaluated.
type Func func(args ...any) (any, error)

// UnresolvedReferenceError reports a property path missing from the context.
type UnresolvedReferenceError struct {
	Path string
}

func (e *UnresolvedReferenceError) Error() string {
	return fmt.Sprintf("unresolved reference %q", e.Path)
}

// ErrUnknownFunction is returned for calls to functions that are not registered.
var ErrUnknownFunction = errors.New("unknown function")

// Evaluator evaluates expressions against a [Context].
//
// Missing references follow a documented lenient policy: they evaluate to
// null (which interpolates as the empty string) and OnUnresolved is called
// with the path. With Strict set, they fail with [UnresolvedReferenceError]
// instead.
type Evaluator struct {
	Context Context

	// Strict turns missing references into errors.
	Strict bool

	// OnUnresolved is called once per missing path in lenient mode.
	OnUnresolved func(path string)

	funcs map[string]Func
}

// NewEvaluator creates an evaluator with the built-in functions registered.
func NewEvaluator(ctx Context) *Evaluator {
	e := &Evaluator{
		Context: ctx,
		funcs:   make(map[string]Func, len(builtinFuncs)),
	}
	for name, fn := range builtinFuncs {
		e.funcs[name] = fn
	}
	return e
}

// SetFunc registers or replaces a function. Names are case-insensitive.
func (e *Evaluator) SetFunc(name string, fn Func) {
	e.funcs[strings.ToLower(name)] = fn
}

// Evaluate parses and evaluates a bare expression (no ${{ }} markers).
func (e *Evaluator) Evaluate(input string) (any, error) {
	node, err := Parse(input)
	if err != nil {
		return nil, fmt.Errorf("parsing %q: %w", input, err)
	}
	return e.Eval(node)
}

// Eval evaluates a parsed node.
func (e *Evaluator) Eval(node Node) (any, error) {
	switch n := node.(type) {
	case *LiteralNode:
		return n.Value, nil

	case *IdentifierNode:
		if value, ok := e.Context[n.Name]; ok {
			return value, nil
		}
		for name, value := range e.Context {
			if strings.EqualFold(name, n.Name) {
				return value, nil
			}
		}
		return e.unresolved(n.String())

	case *PropertyNode:
		object, err := e.Eval(n.Object)
		if err != nil || object == nil {
			return nil, err
		}
		if list, ok := object.([]any); ok {
			return projectProperty(list, n.Name), nil
		}
		return e.property(object, n.Name, n)

	case *IndexNode:
		object, err := e.Eval(n.Object)
		if err != nil || object == nil {
			return nil, err
		}
		index, err := e.Eval(n.Index)
		if err != nil {
			return nil, err
		}
		if list, ok := object.([]any); ok {
			i := ToNumber(index)
			if math.IsNaN(i) || i < 0 || int(i) >= len(list) {
				return nil, nil
			}
			return list[int(i)], nil
		}
		return e.property(object, ToString(index), n)

	case *WildcardNode:
		object, err := e.Eval(n.Object)
		if err != nil {
			return nil, err
		}
		return wildcard(object), nil

	case *CallNode:
		fn, ok := e.funcs[strings.ToLower(n.Name)]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownFunction, n.Name)
		}
		args := make([]any, len(n.Args))
		for i, a := range n.Args {
			v, err := e.Eval(a)
			if err != nil {
				return nil, err
			}
			args[i] = v
		}
		result, err := fn(args...)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", n.Name, err)
		}
		return result, nil

	case *NotNode:
		v, err := e.Eval(n.Operand)
		if err != nil {
			return nil, err
		}
		return !Truthy(v), nil

	case *BinaryNode:
		return e.binary(n)
	}

	return nil, fmt.Errorf("unsupported expression node %T", node)
}

func (e *Evaluator) binary(n *BinaryNode) (any, error) {
	left, err := e.Eval(n.Left)
	if err != nil {
		return nil, err
	}

	// && and || short-circuit and yield an operand, not a bool.
	switch n.Operator {
	case TokenAnd:
		if !Truthy(left) {
			return left, nil
		}
		return e.Eval(n.Right)
	case TokenOr:
		if Truthy(left) {
			return left, nil
		}
		return e.Eval(n.Right)
	}

	right, err := e.Eval(n.Right)
	if err != nil {
		return nil, err
	}

	switch n.Operator {
	case TokenEquals:
		return Equal(left, right), nil
	case TokenNotEquals:
		return !Equal(left, right), nil
	case TokenLess, TokenLessEqual, TokenGreater, TokenGreaterEqual:
		c, ok := compare(left, right)
		if !ok {
			return false, nil
		}
		switch n.Operator {
		case TokenLess:
			return c < 0, nil
		case TokenLessEqual:
			return c <= 0, nil
		case TokenGreater:
			return c > 0, nil
		default:
			return c >= 0, nil
		}
	}
	return nil, fmt.Errorf("unknown operator %s", n.Operator)
}

func (e *Evaluator) property(object any, name string, node Node) (any, error) {
	m, ok := object.(map[string]any)
	if !ok {
		if sm, isStringMap := object.(map[string]string); isStringMap {
			m = make(map[string]any, len(sm))
			for k, v := range sm {
				m[k] = v
			}
		} else {
			return nil, nil
		}
	}
	if v, ok := m[name]; ok {
		return v, nil
	}
	for k, v := range m {
		if strings.EqualFold(k, name) {
			return v, nil
		}
	}
	return e.unresolved(node.String())
}

func (e *Evaluator) unresolved(path string) (any, error) {
	if e.Strict {
		return nil, &UnresolvedReferenceError{Path: path}
	}
	if e.OnUnresolved != nil {
		e.OnUnresolved(path)
	}
	return nil, nil
}

// projectProperty applies a property access to every element of a list
// produced by a wildcard, dropping elements that lack the property.
func projectProperty(list []any, name string) []any {
	out := make([]any, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if v, ok := m[name]; ok {
			out = append(out, v)
		}
	}
	return out
}

func wildcard(object any) any {
	switch v := object.(type) {
	case []any:
		return v
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make([]any, 0, len(keys))
		for _, k := range keys {
			out = append(out, v[k])
		}
		return out
	}
	return []any{}
}
