// Package status defines execution statuses and persists run reports.
//
// Every job instance and every step moves through the same state machine:
//
//	pending -> running -> succeeded | failed | skipped | cancelled
//
// A finished run is recorded as a YAML [RunReport] under the state
// directory, one file per run, so past runs can be listed after the process
// exits.
//
// Key types:
//   - [Status] - Execution state of a run, job instance or step
//   - [RunReport] - Persisted summary of one workflow run
//   - [Writer] and [Reader] - Atomic report persistence and lookup
package status

// Status is the execution state of a run, job instance or step.
type Status string

// Status values.
const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
	StatusCancelled Status = "cancelled"
)

// IsValid returns true if s is one of the defined statuses.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusSucceeded, StatusFailed, StatusSkipped, StatusCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether s is a final state.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusSkipped, StatusCancelled:
		return true
	}
	return false
}

// Conclusion maps a status onto the conclusion strings exposed to
// expressions (needs.<job>.result, steps.<id>.outcome).
func (s Status) Conclusion() string {
	switch s {
	case StatusSucceeded:
		return "success"
	case StatusFailed:
		return "failure"
	case StatusCancelled:
		return "cancelled"
	case StatusSkipped:
		return "skipped"
	}
	return ""
}

// Aggregate combines instance statuses into a job or run status.
//
// Any failure wins, then cancellation. Skipped entries are ignored, so a set
// made only of skipped entries is skipped. An empty set succeeds.
func Aggregate(statuses ...Status) Status {
	var failed, cancelled, pending bool
	succeeded, skipped := 0, 0
	for _, s := range statuses {
		switch s {
		case StatusFailed:
			failed = true
		case StatusCancelled:
			cancelled = true
		case StatusSkipped:
			skipped++
		case StatusSucceeded:
			succeeded++
		default:
			pending = true
		}
	}
	switch {
	case failed:
		return StatusFailed
	case cancelled:
		return StatusCancelled
	case pending:
		return StatusRunning
	case skipped > 0 && succeeded == 0:
		return StatusSkipped
	}
	return StatusSucceeded
}
