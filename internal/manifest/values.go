package manifest

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Interpolator renders the ${{ }} markers of a template.
type Interpolator func(template string) (string, error)

// BoolValue is a boolean field that may be written as an expression, such
// as `continue-on-error: ${{ matrix.experimental }}`. The raw scalar is
// kept and resolved per instance with [BoolValue.Eval].
type BoolValue string

// UnmarshalYAML accepts any scalar.
func (v *BoolValue) UnmarshalYAML(node *yaml.Node) error {
	s, err := scalarValue(node, "a boolean")
	*v = BoolValue(s)
	return err
}

// IsExpr reports whether the value needs an evaluation context.
func (v BoolValue) IsExpr() bool {
	return strings.Contains(string(v), "${{")
}

// Eval resolves the value. Unset, or an expression rendering to the empty
// string, yields def.
func (v BoolValue) Eval(interpolate Interpolator, def bool) (bool, error) {
	s, err := resolve(string(v), interpolate)
	if err != nil {
		return false, err
	}
	switch strings.ToLower(s) {
	case "":
		return def, nil
	case "true":
		return true, nil
	case "false":
		return false, nil
	}
	return false, fmt.Errorf("%q is not a boolean", s)
}

func (v BoolValue) check() error {
	if v.IsExpr() {
		return nil
	}
	_, err := v.Eval(nil, false)
	return err
}

// NumberValue is the numeric counterpart of [BoolValue], used for
// timeout-minutes.
type NumberValue string

// UnmarshalYAML accepts any scalar.
func (v *NumberValue) UnmarshalYAML(node *yaml.Node) error {
	s, err := scalarValue(node, "a number")
	*v = NumberValue(s)
	return err
}

// IsExpr reports whether the value needs an evaluation context.
func (v NumberValue) IsExpr() bool {
	return strings.Contains(string(v), "${{")
}

// Eval resolves the value. Unset yields zero; negative numbers are errors.
func (v NumberValue) Eval(interpolate Interpolator) (float64, error) {
	s, err := resolve(string(v), interpolate)
	if err != nil || s == "" {
		return 0, err
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("%q is not a number", s)
	}
	if n < 0 {
		return 0, fmt.Errorf("must not be negative, got %v", n)
	}
	return n, nil
}

func (v NumberValue) check() error {
	if v.IsExpr() {
		return nil
	}
	_, err := v.Eval(nil)
	return err
}

func scalarValue(node *yaml.Node, want string) (string, error) {
	if node.Kind != yaml.ScalarNode {
		return "", fmt.Errorf("line %d: expected %s or an expression", node.Line, want)
	}
	if node.Tag == "!!null" {
		return "", nil
	}
	return strings.TrimSpace(node.Value), nil
}

func resolve(s string, interpolate Interpolator) (string, error) {
	if !strings.Contains(s, "${{") {
		return s, nil
	}
	if interpolate == nil {
		return "", fmt.Errorf("expression %q needs an evaluation context", s)
	}
	out, err := interpolate(s)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}
