package manifest

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Trigger is one event entry of the `on:` block with its filters.
type Trigger struct {
	// Event is the event name (push, pull_request, schedule, ...).
	Event string `yaml:"-"`

	Branches       []string `yaml:"branches"`
	BranchesIgnore []string `yaml:"branches-ignore"`
	Tags           []string `yaml:"tags"`
	TagsIgnore     []string `yaml:"tags-ignore"`
	Paths          []string `yaml:"paths"`
	PathsIgnore    []string `yaml:"paths-ignore"`

	// Types restricts activity types (opened, synchronize, ...).
	Types StringList `yaml:"types"`

	// Cron holds schedule expressions for the schedule event.
	Cron []string `yaml:"-"`
}

// Triggers is the ordered `on:` block.
type Triggers []Trigger

// Get returns the trigger for an event, or nil.
func (t Triggers) Get(event string) *Trigger {
	for i := range t {
		if t[i].Event == event {
			return &t[i]
		}
	}
	return nil
}

// Events returns the event names in declaration order.
func (t Triggers) Events() []string {
	events := make([]string, len(t))
	for i, tr := range t {
		events[i] = tr.Event
	}
	return events
}

// UnmarshalYAML accepts `on: push`, `on: [push, pull_request]` and the
// mapping form with per-event filters.
func (t *Triggers) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		*t = Triggers{{Event: node.Value}}
		return nil

	case yaml.SequenceNode:
		var events []string
		if err := node.Decode(&events); err != nil {
			return err
		}
		out := make(Triggers, len(events))
		for i, e := range events {
			out[i] = Trigger{Event: e}
		}
		*t = out
		return nil

	case yaml.MappingNode:
		var out Triggers
		for i := 0; i+1 < len(node.Content); i += 2 {
			event, value := node.Content[i].Value, node.Content[i+1]
			tr := Trigger{Event: event}

			switch {
			case value.Kind == yaml.ScalarNode && value.Tag == "!!null":
			case event == "schedule":
				var entries []struct {
					Cron string `yaml:"cron"`
				}
				if err := value.Decode(&entries); err != nil {
					return fmt.Errorf("line %d: schedule: %w", value.Line, err)
				}
				for _, e := range entries {
					tr.Cron = append(tr.Cron, e.Cron)
				}
			case value.Kind == yaml.MappingNode:
				type plain Trigger
				if err := value.Decode((*plain)(&tr)); err != nil {
					return fmt.Errorf("line %d: trigger %q: %w", value.Line, event, err)
				}
				tr.Event = event
			default:
				return fmt.Errorf("line %d: trigger %q must be a mapping", value.Line, event)
			}
			out = append(out, tr)
		}
		*t = out
		return nil
	}
	return fmt.Errorf("line %d: on must be a string, list or mapping", node.Line)
}
