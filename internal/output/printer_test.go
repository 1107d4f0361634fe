package output

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"jobmatrix/internal/artifact"
	"jobmatrix/internal/cache"
	"jobmatrix/internal/lifecycle"
	"jobmatrix/internal/matrix"
	"jobmatrix/internal/status"
)

func setupPrinter() (*DefaultPrinter, *bytes.Buffer) {
	buf := &bytes.Buffer{}
	p := NewPrinterWithWriter(buf)
	p.DisableColor()
	return p, buf
}

func TestPrinter_RunLifecycle(t *testing.T) {
	p, buf := setupPrinter()
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	report := &status.RunReport{
		ID:         "run-1",
		Workflow:   "CPU tests",
		Event:      "push",
		Ref:        "refs/heads/main",
		Group:      "ci-main",
		Status:     status.StatusFailed,
		StartedAt:  start,
		FinishedAt: start.Add(90 * time.Second),
		Jobs: []status.JobReport{
			{ID: "flake8", Status: status.StatusSucceeded, Instances: []status.InstanceReport{
				{Name: "flake8", Status: status.StatusSucceeded},
			}},
			{ID: "tests", Status: status.StatusFailed, Instances: []status.InstanceReport{
				{Name: "tests (ubuntu, 3.10)", Status: status.StatusFailed, FailedStep: "Run pytest", ExitCode: 2},
				{Name: "tests (macos, 3.10)", Status: status.StatusCancelled},
			}},
		},
	}

	p.RunStarted(report)
	p.RunFinished(report)

	out := buf.String()
	assert.Contains(t, out, "CPU tests")
	assert.Contains(t, out, "group ci-main")
	assert.Contains(t, out, "run run-1")
	assert.Contains(t, out, "tests (ubuntu, 3.10) failed (Run pytest, exit code 2)")
	assert.Contains(t, out, "tests (macos, 3.10) cancelled")
	assert.Contains(t, out, "in 1m30s")
}

func TestPrinter_StepEvents(t *testing.T) {
	tests := []struct {
		name   string
		event  lifecycle.StepEvent
		expect string
	}{
		{
			name:   "started",
			event:  lifecycle.StepEvent{Kind: lifecycle.StepStarted, Instance: "build", Step: "Run make", Index: 1, Total: 3},
			expect: "[build] (1/3) Run make",
		},
		{
			name:   "output",
			event:  lifecycle.StepEvent{Kind: lifecycle.StepOutput, Instance: "build", Step: "Run make", Line: "compiling"},
			expect: "[build]   compiling",
		},
		{
			name: "failed",
			event: lifecycle.StepEvent{Kind: lifecycle.StepFinished, Instance: "build", Report: &status.StepReport{
				Name: "Run make", Status: status.StatusFailed, Conclusion: status.StatusFailed, Error: "process completed with exit code 2",
			}},
			expect: "✗ Run make",
		},
		{
			name: "skipped",
			event: lifecycle.StepEvent{Kind: lifecycle.StepFinished, Instance: "build", Report: &status.StepReport{
				Name: "Upload", Status: status.StatusSkipped,
			}},
			expect: "(skipped)",
		},
		{
			name: "continue on error",
			event: lifecycle.StepEvent{Kind: lifecycle.StepFinished, Instance: "build", Report: &status.StepReport{
				Name: "Lint", Status: status.StatusFailed, Conclusion: status.StatusSucceeded,
			}},
			expect: "continue-on-error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, buf := setupPrinter()
			p.Step(tt.event)
			assert.Contains(t, buf.String(), tt.expect)
		})
	}
}

func TestPrinter_TruncatesStepOutput(t *testing.T) {
	p, buf := setupPrinter()
	p.MaxLines = 2

	for i := 0; i < 5; i++ {
		p.Step(lifecycle.StepEvent{Kind: lifecycle.StepOutput, Instance: "a", Step: "s", Line: "line"})
	}
	p.Step(lifecycle.StepEvent{Kind: lifecycle.StepOutput, Instance: "b", Step: "s", Line: "other"})

	out := buf.String()
	assert.Equal(t, 2, strings.Count(out, "[a]   line"))
	assert.Equal(t, 1, strings.Count(out, "output truncated"))
	assert.Contains(t, out, "[b]   other")
}

func TestPrinter_RunFinishedPrintsFailedLog(t *testing.T) {
	p, buf := setupPrinter()
	p.MaxLines = 200

	var log []status.LogLine
	for i := 1; i <= 300; i++ {
		line := fmt.Sprintf("install-line-%d", i)
		log = append(log, status.LogLine{Step: "Install dependencies", Text: line})
		p.Step(lifecycle.StepEvent{Kind: lifecycle.StepOutput, Instance: "tests (3.10)", Step: "Install dependencies", Line: line})
	}
	log = append(log, status.LogLine{Step: "Run pytest", Text: "FAILED test_transforms.py"})

	live := buf.String()
	assert.NotContains(t, live, "install-line-250\n")
	assert.Contains(t, live, "output truncated")

	buf.Reset()
	p.RunFinished(&status.RunReport{
		Workflow: "CPU tests",
		Status:   status.StatusFailed,
		Jobs: []status.JobReport{{ID: "tests", Status: status.StatusFailed, Instances: []status.InstanceReport{
			{Name: "tests (3.10)", Status: status.StatusFailed, FailedStep: "Run pytest", ExitCode: 2, Log: log},
			{Name: "tests (3.11)", Status: status.StatusCancelled, Log: []status.LogLine{{Step: "Install dependencies", Text: "interrupted"}}},
		}}},
	})

	out := buf.String()
	assert.Contains(t, out, "── Install dependencies")
	assert.Contains(t, out, "── Run pytest")
	assert.Contains(t, out, "install-line-1\n")
	assert.Contains(t, out, "install-line-250\n")
	assert.Contains(t, out, "install-line-300\n")
	assert.Contains(t, out, "FAILED test_transforms.py")
	assert.NotContains(t, out, "interrupted", "only failed instances print their log")
}

func TestPrinter_Matrix(t *testing.T) {
	p, buf := setupPrinter()
	p.Matrix("tests", []matrix.Cell{
		{Keys: []string{"os", "py"}, Values: map[string]any{"os": "ubuntu", "py": "3.10"}},
		{Keys: []string{"os", "py"}, Values: map[string]any{"os": "macos", "py": "3.11"}},
	})

	out := buf.String()
	assert.Contains(t, out, "(2 instances)")
	assert.Contains(t, out, "{os=ubuntu, py=3.10}")
	assert.Contains(t, out, "{os=macos, py=3.11}")
}

func TestPrinter_Validated(t *testing.T) {
	p, buf := setupPrinter()
	p.Validated("ok.yml", nil)
	p.Validated("bad.yml", errors.New("job \"x\": no steps"))

	out := buf.String()
	assert.Contains(t, out, "✓ ok.yml")
	assert.Contains(t, out, "✗ bad.yml")
	assert.Contains(t, out, "no steps")
}

func TestPrinter_EmptyLists(t *testing.T) {
	p, buf := setupPrinter()
	p.Runs(nil)
	p.CacheEntries(nil)

	assert.Contains(t, buf.String(), "No runs recorded.")
	assert.Contains(t, buf.String(), "Cache is empty.")
}

func TestPrinter_CacheEntries(t *testing.T) {
	p, buf := setupPrinter()
	p.CacheEntries([]cache.Entry{{Key: "Linux-pip-abc", Files: 3, Size: 2048, CreatedAt: time.Now()}})

	assert.Contains(t, buf.String(), "Linux-pip-abc")
	assert.Contains(t, buf.String(), "3 files, 2.0 KiB")
}

func TestPrinter_Artifacts(t *testing.T) {
	p, buf := setupPrinter()

	p.Artifacts(nil)
	assert.Empty(t, buf.String())

	p.Artifacts([]artifact.Artifact{{RunID: "run-1", Name: "coverage", Bytes: 3072}})
	assert.Contains(t, buf.String(), "coverage (3.0 KiB)")
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{250 * time.Millisecond, "250ms"},
		{1500 * time.Millisecond, "1.5s"},
		{125 * time.Second, "2m5s"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, formatDuration(tt.d))
	}
}
