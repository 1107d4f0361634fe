package manifest

import (
	"fmt"
	"regexp"
)

var idPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_-]*$`)

// Validate checks structural rules the YAML schema alone cannot express.
// Every error wraps [ErrInvalidWorkflow].
func Validate(w *Workflow) error {
	if len(w.On) == 0 {
		return fmt.Errorf("%w: no triggers declared under on", ErrInvalidWorkflow)
	}
	if len(w.Jobs) == 0 {
		return fmt.Errorf("%w: no jobs declared", ErrInvalidWorkflow)
	}
	if w.Concurrency != nil && w.Concurrency.Group == "" {
		return fmt.Errorf("%w: concurrency group is empty", ErrInvalidWorkflow)
	}

	ids := make(map[string]bool, len(w.Jobs))
	for _, j := range w.Jobs {
		if !idPattern.MatchString(j.ID) {
			return fmt.Errorf("%w: invalid job id %q", ErrInvalidWorkflow, j.ID)
		}
		ids[j.ID] = true
	}

	for _, j := range w.Jobs {
		if err := validateJob(j, ids); err != nil {
			return fmt.Errorf("%w: job %q: %v", ErrInvalidWorkflow, j.ID, err)
		}
	}

	if cycle := findCycle(w); cycle != nil {
		return fmt.Errorf("%w: dependency cycle %v", ErrInvalidWorkflow, cycle)
	}
	return nil
}

func validateJob(j *Job, ids map[string]bool) error {
	if len(j.Steps) == 0 {
		return fmt.Errorf("no steps")
	}
	if err := j.TimeoutMinutes.check(); err != nil {
		return fmt.Errorf("timeout-minutes: %v", err)
	}
	if err := j.ContinueOnError.check(); err != nil {
		return fmt.Errorf("continue-on-error: %v", err)
	}

	for _, need := range j.Needs {
		if need == j.ID {
			return fmt.Errorf("needs itself")
		}
		if !ids[need] {
			return fmt.Errorf("needs unknown job %q", need)
		}
	}

	if s := j.Strategy; s != nil {
		if s.Matrix.Empty() {
			return fmt.Errorf("strategy matrix declares no axes or includes")
		}
		for _, axis := range s.Matrix.Axes {
			if len(axis.Values) == 0 {
				return fmt.Errorf("matrix axis %q has no values", axis.Name)
			}
		}
		if s.MaxParallel < 0 {
			return fmt.Errorf("max-parallel must not be negative")
		}
		if err := s.FailFast.check(); err != nil {
			return fmt.Errorf("fail-fast: %v", err)
		}
	}

	if j.Container != nil && j.Container.Image == "" {
		return fmt.Errorf("container image is empty")
	}

	stepIDs := make(map[string]bool)
	for i, s := range j.Steps {
		if s == nil {
			return fmt.Errorf("step %d is empty", i+1)
		}
		switch {
		case s.Run != "" && s.Uses != "":
			return fmt.Errorf("step %d sets both run and uses", i+1)
		case s.Run == "" && s.Uses == "":
			return fmt.Errorf("step %d sets neither run nor uses", i+1)
		}
		if s.Uses != "" {
			if _, err := ParseActionRef(s.Uses); err != nil {
				return fmt.Errorf("step %d: %v", i+1, err)
			}
		}
		if err := s.TimeoutMinutes.check(); err != nil {
			return fmt.Errorf("step %d: timeout-minutes: %v", i+1, err)
		}
		if err := s.ContinueOnError.check(); err != nil {
			return fmt.Errorf("step %d: continue-on-error: %v", i+1, err)
		}
		if s.ID == "" {
			continue
		}
		if !idPattern.MatchString(s.ID) {
			return fmt.Errorf("step %d: invalid id %q", i+1, s.ID)
		}
		if stepIDs[s.ID] {
			return fmt.Errorf("duplicate step id %q", s.ID)
		}
		stepIDs[s.ID] = true
	}
	return nil
}

// findCycle returns the job ids of a needs cycle, or nil.
func findCycle(w *Workflow) []string {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(w.Jobs))
	var stack []string

	var visit func(id string) []string
	visit = func(id string) []string {
		switch state[id] {
		case visiting:
			for i, s := range stack {
				if s == id {
					return append(append([]string{}, stack[i:]...), id)
				}
			}
		case done:
			return nil
		}

		state[id] = visiting
		stack = append(stack, id)
		if j := w.Job(id); j != nil {
			for _, need := range j.Needs {
				if cycle := visit(need); cycle != nil {
					return cycle
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[id] = done
		return nil
	}

	for _, j := range w.Jobs {
		if cycle := visit(j.ID); cycle != nil {
			return cycle
		}
	}
	return nil
}
