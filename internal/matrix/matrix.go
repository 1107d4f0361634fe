// Package matrix expands a job's strategy matrix into concrete instances.
//
// Expansion is a pure function of the [manifest.Strategy]:
//
//  1. The Cartesian product of the axes forms the base cells. The first
//     declared axis varies slowest.
//  2. Exclude records remove every base cell they match.
//  3. Each include record, in declaration order, is merged into every
//     remaining base cell that agrees with it on all of its axis keys. A
//     record that matches no cell, or names no axis key at all, is appended
//     as a standalone cell.
//
// A record "matches" a cell when it names at least one axis and every axis
// value it names equals the cell's value. Non-axis keys never take part in
// matching, so includes can carry orthogonal data such as a container image.
package matrix

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"jobmatrix/internal/expr"
	"jobmatrix/internal/manifest"
)

// MaxCells bounds the number of instances a single job may expand into.
const MaxCells = 256

var (
	// ErrEmptyMatrix is returned when exclusions remove every cell.
	ErrEmptyMatrix = errors.New("matrix expands to no instances")

	// ErrTooManyCells is returned when expansion exceeds [MaxCells].
	ErrTooManyCells = errors.New("matrix expands to too many instances")
)

// Cell is one variable binding. Keys keeps a stable presentation order:
// axis keys in declaration order, then extra keys sorted by name.
type Cell struct {
	Keys   []string
	Values map[string]any
}

// Get returns the value bound to key, or nil.
func (c Cell) Get(key string) any {
	return c.Values[key]
}

// Map returns a normalized copy of the bindings, suitable as the matrix
// scope of an expression context.
func (c Cell) Map() map[string]any {
	out := make(map[string]any, len(c.Values))
	for k, v := range c.Values {
		out[k] = expr.Normalize(v)
	}
	return out
}

// Label renders the values in key order, e.g. "ubuntu-latest, 3.10".
// Matches the suffix conventionally appended to a matrix job's name.
func (c Cell) Label() string {
	parts := make([]string, 0, len(c.Keys))
	for _, k := range c.Keys {
		parts = append(parts, expr.ToString(c.Values[k]))
	}
	return strings.Join(parts, ", ")
}

// String renders key=value pairs in key order.
func (c Cell) String() string {
	parts := make([]string, 0, len(c.Keys))
	for _, k := range c.Keys {
		parts = append(parts, k+"="+expr.ToString(c.Values[k]))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// Expand returns the instances of a job. A nil strategy yields a single
// empty cell. A matrix with no axes yields only its include records.
func Expand(s *manifest.Strategy) ([]Cell, error) {
	if s == nil || s.Matrix.Empty() {
		return []Cell{{Values: map[string]any{}}}, nil
	}
	m := s.Matrix

	axisNames := make([]string, len(m.Axes))
	isAxis := make(map[string]bool, len(m.Axes))
	size := 1
	for i, axis := range m.Axes {
		axisNames[i] = axis.Name
		isAxis[axis.Name] = true
		size *= len(axis.Values)
		if size > MaxCells {
			return nil, fmt.Errorf("%w: more than %d", ErrTooManyCells, MaxCells)
		}
	}

	var base []map[string]any
	if len(m.Axes) > 0 {
		base = product(m.Axes)
	}

	kept := base[:0]
	for _, cell := range base {
		if !excluded(cell, m.Exclude) {
			kept = append(kept, cell)
		}
	}
	base = kept

	var standalone []map[string]any
	for _, record := range m.Include {
		if mergeInclude(base, record, isAxis) {
			continue
		}
		standalone = append(standalone, copyMap(record))
	}

	total := len(base) + len(standalone)
	if total == 0 {
		return nil, ErrEmptyMatrix
	}
	if total > MaxCells {
		return nil, fmt.Errorf("%w: %d exceeds %d", ErrTooManyCells, total, MaxCells)
	}

	cells := make([]Cell, 0, total)
	for _, values := range base {
		cells = append(cells, newCell(values, axisNames))
	}
	for _, values := range standalone {
		cells = append(cells, newCell(values, axisNames))
	}
	return cells, nil
}

// product enumerates the axes with the first axis outermost.
func product(axes []manifest.Axis) []map[string]any {
	cells := []map[string]any{{}}
	for _, axis := range axes {
		next := make([]map[string]any, 0, len(cells)*len(axis.Values))
		for _, cell := range cells {
			for _, v := range axis.Values {
				c := copyMap(cell)
				c[axis.Name] = v
				next = append(next, c)
			}
		}
		cells = next
	}
	return cells
}

// excluded reports whether any exclude record agrees with every one of its
// keys. Keys absent from the cell never match.
func excluded(cell map[string]any, records []map[string]any) bool {
	for _, record := range records {
		if len(record) == 0 {
			continue
		}
		all := true
		for k, v := range record {
			cv, ok := cell[k]
			if !ok || !sameValue(cv, v) {
				all = false
				break
			}
		}
		if all {
			return true
		}
	}
	return false
}

// mergeInclude merges record into every matching cell and reports whether
// any cell matched.
func mergeInclude(cells []map[string]any, record map[string]any, isAxis map[string]bool) bool {
	axisKeys := 0
	for k := range record {
		if isAxis[k] {
			axisKeys++
		}
	}
	if axisKeys == 0 {
		return false
	}

	matched := false
	for _, cell := range cells {
		if !matchesAxes(cell, record, isAxis) {
			continue
		}
		matched = true
		for k, v := range record {
			if !isAxis[k] {
				cell[k] = v
			}
		}
	}
	return matched
}

func matchesAxes(cell, record map[string]any, isAxis map[string]bool) bool {
	for k, v := range record {
		if isAxis[k] && !sameValue(cell[k], v) {
			return false
		}
	}
	return true
}

// sameValue compares scalars by their rendered form, so 3 and "3" agree,
// and composites structurally.
func sameValue(a, b any) bool {
	switch a.(type) {
	case map[string]any, []any:
		return reflect.DeepEqual(expr.Normalize(a), expr.Normalize(b))
	}
	switch b.(type) {
	case map[string]any, []any:
		return false
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func newCell(values map[string]any, axisNames []string) Cell {
	keys := make([]string, 0, len(values))
	seen := make(map[string]bool, len(values))
	for _, name := range axisNames {
		if _, ok := values[name]; ok {
			keys = append(keys, name)
			seen[name] = true
		}
	}
	var extra []string
	for k := range values {
		if !seen[k] {
			extra = append(extra, k)
		}
	}
	sort.Strings(extra)
	return Cell{Keys: append(keys, extra...), Values: values}
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}
