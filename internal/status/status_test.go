package status

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatus_IsValid(t *testing.T) {
	for _, s := range []Status{StatusPending, StatusRunning, StatusSucceeded, StatusFailed, StatusSkipped, StatusCancelled} {
		assert.True(t, s.IsValid(), s)
	}
	assert.False(t, Status("done").IsValid())
	assert.False(t, Status("").IsValid())
}

func TestStatus_IsTerminal(t *testing.T) {
	assert.False(t, StatusPending.IsTerminal())
	assert.False(t, StatusRunning.IsTerminal())
	assert.True(t, StatusSucceeded.IsTerminal())
	assert.True(t, StatusCancelled.IsTerminal())
}

func TestStatus_Conclusion(t *testing.T) {
	assert.Equal(t, "success", StatusSucceeded.Conclusion())
	assert.Equal(t, "failure", StatusFailed.Conclusion())
	assert.Equal(t, "cancelled", StatusCancelled.Conclusion())
	assert.Equal(t, "skipped", StatusSkipped.Conclusion())
	assert.Equal(t, "", StatusRunning.Conclusion())
}

func TestAggregate(t *testing.T) {
	tests := []struct {
		name     string
		statuses []Status
		want     Status
	}{
		{name: "empty", statuses: nil, want: StatusSucceeded},
		{name: "all succeeded", statuses: []Status{StatusSucceeded, StatusSucceeded}, want: StatusSucceeded},
		{name: "skipped ignored", statuses: []Status{StatusSucceeded, StatusSkipped}, want: StatusSucceeded},
		{name: "only skipped", statuses: []Status{StatusSkipped, StatusSkipped}, want: StatusSkipped},
		{name: "failure wins", statuses: []Status{StatusCancelled, StatusFailed, StatusSucceeded}, want: StatusFailed},
		{name: "cancelled", statuses: []Status{StatusSucceeded, StatusCancelled}, want: StatusCancelled},
		{name: "still running", statuses: []Status{StatusSucceeded, StatusRunning}, want: StatusRunning},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Aggregate(tt.statuses...))
		})
	}
}

func sampleReport(id string, started time.Time) *RunReport {
	return &RunReport{
		ID:         id,
		Workflow:   "cpu-tests",
		Event:      "push",
		Ref:        "refs/heads/main",
		Status:     StatusFailed,
		StartedAt:  started,
		FinishedAt: started.Add(90 * time.Second),
		Jobs: []JobReport{{
			ID:     "tests",
			Status: StatusFailed,
			Instances: []InstanceReport{{
				Name:       "tests (ubuntu-latest, 3.9)",
				Matrix:     map[string]any{"os": "ubuntu-latest", "python-version": "3.9"},
				Status:     StatusFailed,
				FailedStep: "Run tests",
				ExitCode:   2,
				Steps: []StepReport{
					{Name: "Run actions/checkout@v4", Status: StatusSucceeded, Duration: time.Second},
					{Name: "Run tests", Status: StatusFailed, ExitCode: 2, Duration: 3 * time.Second, Error: "exit status 2"},
				},
			}},
		}},
	}
}

func TestWriterReader_RoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "runs")
	started := time.Date(2026, 10, 12, 9, 30, 0, 0, time.UTC)

	require.NoError(t, NewWriter(dir).Write(sampleReport("run-1", started)))

	got, err := NewReader(dir).Read("run-1")
	require.NoError(t, err)
	assert.Equal(t, "cpu-tests", got.Workflow)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, 90*time.Second, got.Duration())
	require.Len(t, got.Jobs, 1)
	inst := got.Jobs[0].Instances[0]
	assert.Equal(t, "Run tests", inst.FailedStep)
	assert.Equal(t, 2, inst.ExitCode)
	assert.Equal(t, 3*time.Second, inst.Steps[1].Duration)

	_, err = os.Stat(filepath.Join(dir, "run-1.yaml.tmp"))
	assert.True(t, os.IsNotExist(err), "temp file should be renamed away")
}

func TestWriter_Validation(t *testing.T) {
	w := NewWriter(t.TempDir())

	err := w.Write(&RunReport{Status: StatusSucceeded})
	assert.ErrorContains(t, err, "no id")

	err = w.Write(&RunReport{ID: "x", Status: "weird"})
	assert.ErrorContains(t, err, "invalid status")
}

func TestReader_ReadMissing(t *testing.T) {
	_, err := NewReader(t.TempDir()).Read("nope")

	assert.True(t, errors.Is(err, ErrReportNotFound))
}

func TestReader_List(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir)
	base := time.Date(2026, 10, 12, 9, 0, 0, 0, time.UTC)
	require.NoError(t, w.Write(sampleReport("older", base)))
	require.NoError(t, w.Write(sampleReport("newer", base.Add(time.Hour))))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "garbage.yaml"), []byte("{unclosed: ["), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))

	reports, err := NewReader(dir).List()

	require.NoError(t, err)
	require.Len(t, reports, 2)
	assert.Equal(t, "newer", reports[0].ID)
	assert.Equal(t, "older", reports[1].ID)
}

func TestReader_ListMissingDir(t *testing.T) {
	reports, err := NewReader(filepath.Join(t.TempDir(), "absent")).List()

	require.NoError(t, err)
	assert.Empty(t, reports)
}
