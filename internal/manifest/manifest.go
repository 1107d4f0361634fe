// Package manifest reads CI workflow definition files.
//
// A workflow file is a YAML document with a trigger block (on), an optional
// concurrency group, and an ordered mapping of jobs. Each job runs an ordered
// list of steps, optionally fanned out over a strategy matrix:
//
//	name: CPU tests
//	on:
//	  push:
//	    branches: [main]
//	concurrency:
//	  group: ${{ github.workflow }}-${{ github.ref }}
//	  cancel-in-progress: true
//	jobs:
//	  tests:
//	    runs-on: ${{ matrix.os }}
//	    strategy:
//	      matrix:
//	        os: [ubuntu-latest, windows-latest]
//	        python-version: ["3.9", "3.10"]
//	    steps:
//	      - uses: actions/checkout@v4
//	      - run: python -m pytest
//
// Job order and matrix axis order are preserved exactly as written, since
// they determine dispatch order and matrix cell order.
//
// Key types:
//   - [Workflow] is the parsed, read-only document
//   - [Job], [Strategy], [Matrix] and [Step] mirror the YAML structure
//   - [ActionRef] is a parsed `uses:` reference
package manifest

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrInvalidWorkflow is wrapped by every validation failure.
var ErrInvalidWorkflow = errors.New("invalid workflow")

// Workflow is a parsed workflow file. It is never mutated after loading.
type Workflow struct {
	// Name is the display name. Defaults to the file path when unset.
	Name string

	// Path is the file the workflow was read from, if any.
	Path string

	// On holds the trigger rules, one per event name.
	On Triggers

	// Env is the workflow-level environment, inherited by every job.
	Env map[string]string

	// Defaults holds workflow-wide run step defaults.
	Defaults Defaults

	// Concurrency is the optional concurrency group. Nil when absent.
	Concurrency *Concurrency

	// Jobs are the jobs in declaration order.
	Jobs []*Job
}

// Job returns the job with the given id, or nil if not found.
func (w *Workflow) Job(id string) *Job {
	for _, j := range w.Jobs {
		if j.ID == id {
			return j
		}
	}
	return nil
}

// JobIDs returns the job ids in declaration order.
func (w *Workflow) JobIDs() []string {
	ids := make([]string, len(w.Jobs))
	for i, j := range w.Jobs {
		ids[i] = j.ID
	}
	return ids
}

// Concurrency declares the group a run belongs to.
type Concurrency struct {
	// Group is the group key template; may contain ${{ }} markers.
	Group string `yaml:"group"`

	// CancelInProgress is "true", "false" or an expression. Empty means false.
	CancelInProgress string `yaml:"cancel-in-progress"`
}

// UnmarshalYAML accepts the short form (a bare group string) and the mapping form.
func (c *Concurrency) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		c.Group = node.Value
		return nil
	}
	type plain Concurrency
	return node.Decode((*plain)(c))
}

// Defaults holds `defaults.run` settings.
type Defaults struct {
	Run RunDefaults `yaml:"run"`
}

// RunDefaults apply to run steps that do not set their own values.
type RunDefaults struct {
	Shell            string `yaml:"shell"`
	WorkingDirectory string `yaml:"working-directory"`
}

// Job is a single job template. Matrix jobs expand into several instances.
type Job struct {
	// ID is the key under `jobs:`.
	ID string `yaml:"-"`

	// Name is the display name template. May reference matrix values.
	Name string `yaml:"name"`

	RunsOn StringList `yaml:"runs-on"`

	// Needs lists job ids that must finish before this job starts.
	Needs StringList `yaml:"needs"`

	// If is the job condition. Evaluated once per job, not per instance.
	If string `yaml:"if"`

	Env      map[string]string `yaml:"env"`
	Defaults Defaults          `yaml:"defaults"`

	// TimeoutMinutes bounds each instance's wall clock. Zero means the
	// runner default. May reference the matrix.
	TimeoutMinutes NumberValue `yaml:"timeout-minutes"`

	// ContinueOnError is resolved per instance; a failing instance that
	// allows it neither fails the run nor triggers fail-fast.
	ContinueOnError BoolValue `yaml:"continue-on-error"`

	Container *Container `yaml:"container"`
	Strategy  *Strategy  `yaml:"strategy"`

	// Outputs maps output names to templates evaluated after the job's
	// steps finish.
	Outputs map[string]string `yaml:"outputs"`

	Steps []*Step `yaml:"steps"`
}

// DisplayName returns the job name template, or the id when unset.
func (j *Job) DisplayName() string {
	if j.Name != "" {
		return j.Name
	}
	return j.ID
}

// Strategy controls matrix fan-out.
type Strategy struct {
	Matrix Matrix `yaml:"matrix"`

	// FailFast cancels sibling instances when one fails. Unset means true.
	FailFast BoolValue `yaml:"fail-fast"`

	// MaxParallel bounds concurrently running instances. Zero is unbounded.
	MaxParallel int `yaml:"max-parallel"`
}

// FailFastEnabled resolves the fail-fast flag. A nil strategy fails fast.
func (s *Strategy) FailFastEnabled(interpolate Interpolator) (bool, error) {
	if s == nil {
		return true, nil
	}
	return s.FailFast.Eval(interpolate, true)
}

// Container describes the image run steps execute in.
type Container struct {
	Image   string            `yaml:"image"`
	Options string            `yaml:"options"`
	Env     map[string]string `yaml:"env"`
	Volumes []string          `yaml:"volumes"`
}

// UnmarshalYAML accepts a bare image string or the mapping form.
func (c *Container) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		c.Image = node.Value
		return nil
	}
	type plain Container
	return node.Decode((*plain)(c))
}

// Step is one entry of a job's `steps:` list. Exactly one of Run and Uses is set.
type Step struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
	If   string `yaml:"if"`

	// Uses is an action reference such as actions/checkout@v4.
	Uses string            `yaml:"uses"`
	With map[string]string `yaml:"with"`

	// Run is a literal script executed by Shell.
	Run              string `yaml:"run"`
	Shell            string `yaml:"shell"`
	WorkingDirectory string `yaml:"working-directory"`

	Env             map[string]string `yaml:"env"`
	ContinueOnError BoolValue         `yaml:"continue-on-error"`
	TimeoutMinutes  NumberValue       `yaml:"timeout-minutes"`
}

// IsAction reports whether the step invokes an action rather than a script.
func (s *Step) IsAction() bool {
	return s.Uses != ""
}

// DisplayName returns a human-readable label for the step.
func (s *Step) DisplayName() string {
	switch {
	case s.Name != "":
		return s.Name
	case s.Uses != "":
		return "Run " + s.Uses
	}
	line, _, _ := strings.Cut(strings.TrimSpace(s.Run), "\n")
	return "Run " + line
}

// StringList is a YAML value that may be a single string or a sequence.
type StringList []string

// UnmarshalYAML accepts both `x` and `[x, y]`.
func (l *StringList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		if node.Tag == "!!null" {
			*l = nil
			return nil
		}
		*l = StringList{node.Value}
		return nil
	case yaml.SequenceNode:
		var items []string
		if err := node.Decode(&items); err != nil {
			return err
		}
		*l = items
		return nil
	}
	return fmt.Errorf("line %d: expected a string or a list of strings", node.Line)
}

// rawWorkflow is the decoding shape. Jobs stay a node so their order survives.
type rawWorkflow struct {
	Name        string            `yaml:"name"`
	On          Triggers          `yaml:"on"`
	Env         map[string]string `yaml:"env"`
	Defaults    Defaults          `yaml:"defaults"`
	Concurrency *Concurrency      `yaml:"concurrency"`
	Jobs        yaml.Node         `yaml:"jobs"`
}

// ReadFromFile reads, parses and validates a workflow file.
func ReadFromFile(path string) (*Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow: %w", err)
	}

	w, err := ReadFromBytes(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	w.Path = path
	if w.Name == "" {
		w.Name = path
	}
	return w, nil
}

// ReadFromBytes parses and validates a workflow from YAML bytes.
func ReadFromBytes(data []byte) (*Workflow, error) {
	var raw rawWorkflow
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse workflow: %w", err)
	}

	w := &Workflow{
		Name:        raw.Name,
		On:          raw.On,
		Env:         raw.Env,
		Defaults:    raw.Defaults,
		Concurrency: raw.Concurrency,
	}

	if raw.Jobs.Kind != 0 && raw.Jobs.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("%w: line %d: jobs must be a mapping", ErrInvalidWorkflow, raw.Jobs.Line)
	}
	for i := 0; i+1 < len(raw.Jobs.Content); i += 2 {
		keyNode, valueNode := raw.Jobs.Content[i], raw.Jobs.Content[i+1]
		job := &Job{}
		if err := valueNode.Decode(job); err != nil {
			return nil, fmt.Errorf("failed to parse job %q: %w", keyNode.Value, err)
		}
		job.ID = keyNode.Value
		w.Jobs = append(w.Jobs, job)
	}

	if err := Validate(w); err != nil {
		return nil, err
	}
	return w, nil
}

// ReadDir loads every *.yml and *.yaml file in dir, sorted by file name.
func ReadDir(dir string) ([]*Workflow, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow directory: %w", err)
	}

	var names []string
	for _, e := range entries {
		ext := filepath.Ext(e.Name())
		if !e.IsDir() && (ext == ".yml" || ext == ".yaml") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	workflows := make([]*Workflow, 0, len(names))
	for _, name := range names {
		w, err := ReadFromFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		workflows = append(workflows, w)
	}
	return workflows, nil
}
