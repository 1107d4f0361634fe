package manifest

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Axis is one matrix dimension with its candidate values in declared order.
type Axis struct {
	Name   string
	Values []any
}

// Matrix is a `strategy.matrix` block. Axes keep their declaration order;
// the include and exclude keys are split out.
type Matrix struct {
	Axes    []Axis
	Include []map[string]any
	Exclude []map[string]any
}

// Empty reports whether the matrix declares no axes and no includes.
func (m Matrix) Empty() bool {
	return len(m.Axes) == 0 && len(m.Include) == 0
}

// Axis returns the axis with the given name, or nil.
func (m Matrix) Axis(name string) *Axis {
	for i := range m.Axes {
		if m.Axes[i].Name == name {
			return &m.Axes[i]
		}
	}
	return nil
}

// UnmarshalYAML walks the mapping node so axis order is kept.
func (m *Matrix) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: matrix must be a mapping", node.Line)
	}

	for i := 0; i+1 < len(node.Content); i += 2 {
		key, value := node.Content[i].Value, node.Content[i+1]
		switch key {
		case "include", "exclude":
			var records []map[string]any
			if err := value.Decode(&records); err != nil {
				return fmt.Errorf("line %d: matrix %s must be a list of mappings: %w", value.Line, key, err)
			}
			if key == "include" {
				m.Include = records
			} else {
				m.Exclude = records
			}
		default:
			if value.Kind != yaml.SequenceNode {
				return fmt.Errorf("line %d: matrix axis %q must be a list", value.Line, key)
			}
			var values []any
			if err := value.Decode(&values); err != nil {
				return fmt.Errorf("line %d: matrix axis %q: %w", value.Line, key, err)
			}
			m.Axes = append(m.Axes, Axis{Name: key, Values: values})
		}
	}
	return nil
}
