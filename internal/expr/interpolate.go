package expr

import (
	"fmt"
	"strings"
)

const (
	openMarker  = "${{"
	closeMarker = "}}"
)

// segment is either literal text or an expression between markers.
type segment struct {
	text   string
	expr   string
	isExpr bool
}

// split breaks a template into literal and expression segments. A "}}"
// inside a quoted string literal does not close the marker.
func split(template string) ([]segment, error) {
	var segments []segment
	rest := template
	for {
		start := strings.Index(rest, openMarker)
		if start < 0 {
			if rest != "" {
				segments = append(segments, segment{text: rest})
			}
			return segments, nil
		}
		if start > 0 {
			segments = append(segments, segment{text: rest[:start]})
		}

		body := rest[start+len(openMarker):]
		end := findClose(body)
		if end < 0 {
			return nil, fmt.Errorf("unterminated %s in %q", openMarker, template)
		}
		segments = append(segments, segment{expr: strings.TrimSpace(body[:end]), isExpr: true})
		rest = body[end+len(closeMarker):]
	}
}

func findClose(body string) int {
	inString := false
	for i := 0; i < len(body); i++ {
		switch {
		case body[i] == '\'':
			inString = !inString
		case !inString && strings.HasPrefix(body[i:], closeMarker):
			return i
		}
	}
	return -1
}

// HasMarkers reports whether s contains an expression marker.
func HasMarkers(s string) bool {
	return strings.Contains(s, openMarker)
}

// Interpolate replaces every ${{ expr }} marker in template with the string
// form of its value. Templates without markers are returned unchanged.
func (e *Evaluator) Interpolate(template string) (string, error) {
	if !HasMarkers(template) {
		return template, nil
	}
	segments, err := split(template)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	for _, seg := range segments {
		if !seg.isExpr {
			b.WriteString(seg.text)
			continue
		}
		v, err := e.Evaluate(seg.expr)
		if err != nil {
			return "", err
		}
		b.WriteString(ToString(v))
	}
	return b.String(), nil
}

// Value evaluates a template that may be a single marker. A template that is
// exactly one ${{ expr }} yields the raw value (so booleans and objects keep
// their type); anything else is interpolated to a string.
func (e *Evaluator) Value(template string) (any, error) {
	trimmed := strings.TrimSpace(template)
	if strings.HasPrefix(trimmed, openMarker) {
		segments, err := split(trimmed)
		if err != nil {
			return nil, err
		}
		if len(segments) == 1 && segments[0].isExpr {
			return e.Evaluate(segments[0].expr)
		}
	}
	return e.Interpolate(template)
}

// Condition evaluates an `if:` condition. The markers are optional, an empty
// condition means success(), and a condition that calls none of the status
// functions is evaluated as success() && (condition).
func (e *Evaluator) Condition(condition string) (bool, error) {
	src := strings.TrimSpace(condition)
	if strings.HasPrefix(src, openMarker) && strings.HasSuffix(src, closeMarker) {
		inner := src[len(openMarker) : len(src)-len(closeMarker)]
		if !strings.Contains(inner, openMarker) {
			src = strings.TrimSpace(inner)
		}
	}
	if src == "" {
		src = "success()"
	}

	node, err := Parse(src)
	if err != nil {
		return false, fmt.Errorf("parsing condition %q: %w", condition, err)
	}
	if !UsesStatusFunction(node) {
		node = &BinaryNode{Operator: TokenAnd, Left: &CallNode{Name: "success"}, Right: node}
	}

	v, err := e.Eval(node)
	if err != nil {
		return false, err
	}
	return Truthy(v), nil
}
