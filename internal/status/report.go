package status

import "time"

// RunReport is the persisted summary of one workflow run.
type RunReport struct {
	ID       string `yaml:"id"`
	Workflow string `yaml:"workflow"`
	Path     string `yaml:"path,omitempty"`
	Event    string `yaml:"event"`
	Ref      string `yaml:"ref,omitempty"`
	SHA      string `yaml:"sha,omitempty"`

	// Group is the evaluated concurrency group, if any.
	Group string `yaml:"group,omitempty"`

	Status     Status    `yaml:"status"`
	StartedAt  time.Time `yaml:"started_at"`
	FinishedAt time.Time `yaml:"finished_at"`

	// Reason explains a cancelled or failed run, e.g. the superseding run.
	Reason string `yaml:"reason,omitempty"`

	Jobs []JobReport `yaml:"jobs"`
}

// Duration returns the run's wall-clock time.
func (r *RunReport) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// JobReport is the result of one job across its instances.
type JobReport struct {
	ID        string            `yaml:"id"`
	Status    Status            `yaml:"status"`
	Outputs   map[string]string `yaml:"outputs,omitempty"`
	Instances []InstanceReport  `yaml:"instances,omitempty"`
}

// InstanceReport is the result of one matrix instance.
type InstanceReport struct {
	Name   string         `yaml:"name"`
	Matrix map[string]any `yaml:"matrix,omitempty"`
	Status Status         `yaml:"status"`
	Reason string         `yaml:"reason,omitempty"`

	// FailedStep names the step that failed the instance.
	FailedStep string `yaml:"failed_step,omitempty"`
	ExitCode   int    `yaml:"exit_code,omitempty"`

	Steps []StepReport `yaml:"steps,omitempty"`

	// Log is the complete output of a failed or cancelled instance.
	Log []LogLine `yaml:"log,omitempty"`
}

// LogLine is one line of step output.
type LogLine struct {
	Step string `yaml:"step"`
	Text string `yaml:"text"`
}

// StepReport is the result of one step.
type StepReport struct {
	Name       string        `yaml:"name"`
	ID         string        `yaml:"id,omitempty"`
	Status     Status        `yaml:"status"`
	Conclusion Status        `yaml:"conclusion,omitempty"`
	ExitCode   int           `yaml:"exit_code,omitempty"`
	Duration   time.Duration `yaml:"duration"`
	Error      string        `yaml:"error,omitempty"`
}
