package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobmatrix/internal/action"
	"jobmatrix/internal/expr"
	"jobmatrix/internal/manifest"
	"jobmatrix/internal/matrix"
	"jobmatrix/internal/shell"
	"jobmatrix/internal/status"
)

func loadJob(t *testing.T, src string) (*manifest.Workflow, *manifest.Job) {
	t.Helper()
	w, err := manifest.ReadFromBytes([]byte(src))
	require.NoError(t, err)
	require.NotEmpty(t, w.Jobs)
	return w, w.Jobs[0]
}

func newTestExecutor(t *testing.T, sh shell.Executor, registry *action.Registry) *Executor {
	t.Helper()
	return NewExecutor(sh, registry, Options{
		Workspace: t.TempDir(),
		TempDir:   t.TempDir(),
		RunnerOS:  "Linux",
	})
}

func instanceOf(w *manifest.Workflow, j *manifest.Job, cell matrix.Cell) *Instance {
	return &Instance{
		RunID:    "run-1",
		Workflow: w,
		Job:      j,
		Name:     j.ID,
		Cell:     cell,
		Total:    1,
		Context: expr.Context{
			"github": map[string]any{"event_name": "push", "ref": "refs/heads/main", "sha": "abc123"},
		},
	}
}

func stepStatuses(res *Result) []status.Status {
	out := make([]status.Status, len(res.Steps))
	for i, s := range res.Steps {
		out[i] = s.Status
	}
	return out
}

func TestRunPublishesStepOutputs(t *testing.T) {
	w, j := loadJob(t, `
on: push
jobs:
  build:
    outputs:
      version: ${{ steps.setup.outputs.version }}
    steps:
      - id: setup
        run: detect-version
      - run: echo using ${{ steps.setup.outputs.version }} on ${{ runner.os }}
`)
	sh := &shell.MockExecutor{OnRun: func(ctx context.Context, cmd shell.Command, emit func(string)) (int, error) {
		if cmd.Script == "detect-version" {
			return 0, os.WriteFile(cmd.Env["GITHUB_OUTPUT"], []byte("version=3.11\n"), 0o644)
		}
		emit(cmd.Script)
		return 0, nil
	}}
	e := newTestExecutor(t, sh, nil)

	res := e.Run(context.Background(), instanceOf(w, j, matrix.Cell{}))

	assert.Equal(t, status.StatusSucceeded, res.Status)
	assert.Equal(t, []string{"detect-version", "echo using 3.11 on Linux"}, sh.Scripts())
	assert.Equal(t, map[string]string{"version": "3.11"}, res.Outputs)
	require.Len(t, res.Log, 1)
	assert.Equal(t, "echo using 3.11 on Linux", res.Log[0].Text)
}

func TestRunConditionFalseHasNoSideEffects(t *testing.T) {
	w, j := loadJob(t, `
on: push
jobs:
  build:
    steps:
      - id: marker
        if: ${{ false }}
        uses: acme/marker@v1
      - run: echo "[${{ steps.marker.outcome }}]"
`)
	marker := &action.MockAction{OnRun: func(ctx context.Context, call *action.Call) error {
		call.SetOutput("touched", "yes")
		call.ExportVariable("TOUCHED", "yes")
		return nil
	}}
	registry := action.NewRegistry()
	registry.Register("acme/marker", marker)
	sh := &shell.MockExecutor{}
	e := newTestExecutor(t, sh, registry)

	res := e.Run(context.Background(), instanceOf(w, j, matrix.Cell{}))

	assert.Equal(t, status.StatusSucceeded, res.Status)
	assert.Empty(t, marker.Calls())
	assert.Equal(t, []status.Status{status.StatusSkipped, status.StatusSucceeded}, stepStatuses(res))
	require.Len(t, sh.Commands(), 1)
	assert.Equal(t, `echo "[]"`, sh.Commands()[0].Script)
	assert.NotContains(t, sh.Commands()[0].Env, "TOUCHED")
}

func TestRunFailureSkipsRemainingSteps(t *testing.T) {
	w, j := loadJob(t, `
on: push
jobs:
  test:
    steps:
      - name: prepare
        run: echo ready
      - name: tests
        run: run-tests
      - name: lint
        run: echo lint
      - name: report
        if: always()
        run: echo report
      - name: on failure
        if: failure()
        run: echo failed
`)
	sh := &shell.MockExecutor{OnRun: func(ctx context.Context, cmd shell.Command, emit func(string)) (int, error) {
		emit("output of " + cmd.Script)
		if cmd.Script == "run-tests" {
			return 3, nil
		}
		return 0, nil
	}}
	e := newTestExecutor(t, sh, nil)

	res := e.Run(context.Background(), instanceOf(w, j, matrix.Cell{}))

	assert.Equal(t, status.StatusFailed, res.Status)
	assert.Equal(t, "tests", res.FailedStep)
	assert.Equal(t, 3, res.ExitCode)
	var failure *StepFailure
	require.ErrorAs(t, res.Err, &failure)
	assert.Equal(t, 3, failure.ExitCode)

	assert.Equal(t, []status.Status{
		status.StatusSucceeded,
		status.StatusFailed,
		status.StatusSkipped,
		status.StatusSucceeded,
		status.StatusSucceeded,
	}, stepStatuses(res))
	assert.Equal(t, []string{"echo ready", "run-tests", "echo report", "echo failed"}, sh.Scripts())

	// Earlier successful output is kept in full.
	require.GreaterOrEqual(t, len(res.Log), 2)
	assert.Equal(t, LogLine{Step: "prepare", Text: "output of echo ready"}, res.Log[0])
	assert.Equal(t, LogLine{Step: "tests", Text: "output of run-tests"}, res.Log[1])
}

func TestRunContinueOnError(t *testing.T) {
	w, j := loadJob(t, `
on: push
jobs:
  test:
    steps:
      - id: flaky
        continue-on-error: true
        run: exit 1
      - run: echo ${{ steps.flaky.outcome }}/${{ steps.flaky.conclusion }}/${{ job.status }}
`)
	sh := &shell.MockExecutor{OnRun: func(ctx context.Context, cmd shell.Command, emit func(string)) (int, error) {
		if cmd.Script == "exit 1" {
			return 1, nil
		}
		return 0, nil
	}}
	e := newTestExecutor(t, sh, nil)

	res := e.Run(context.Background(), instanceOf(w, j, matrix.Cell{}))

	assert.Equal(t, status.StatusSucceeded, res.Status)
	assert.Equal(t, []string{"exit 1", "echo failure/success/success"}, sh.Scripts())
	assert.Equal(t, status.StatusFailed, res.Steps[0].Status)
	assert.Equal(t, status.StatusSucceeded, res.Steps[0].Conclusion)
	assert.Equal(t, 1, res.Steps[0].ExitCode)
}

func TestRunExpressionFlags(t *testing.T) {
	w, j := loadJob(t, `
on: push
jobs:
  test:
    timeout-minutes: ${{ matrix.job-budget }}
    steps:
      - continue-on-error: ${{ matrix.experimental }}
        run: exit 1
      - timeout-minutes: ${{ matrix.step-budget }}
        run: sleep forever
`)
	tests := []struct {
		name         string
		experimental bool
		jobBudget    any
		wantScripts  []string
		wantReason   string
	}{
		{"allowed failure continues", true, 10, []string{"exit 1", "sleep forever"}, "step timed out after 0.0005 minutes"},
		{"disallowed failure stops", false, 10, []string{"exit 1"}, "exit code 1"},
		{"invalid job timeout", true, "soon", []string{}, `evaluating timeout-minutes: "soon" is not a number`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sh := &shell.MockExecutor{OnRun: func(ctx context.Context, cmd shell.Command, emit func(string)) (int, error) {
				if cmd.Script == "exit 1" {
					return 1, nil
				}
				return blockUntilDone(ctx, cmd, emit)
			}}
			e := newTestExecutor(t, sh, nil)
			cell := matrix.Cell{
				Keys: []string{"experimental", "job-budget", "step-budget"},
				Values: map[string]any{
					"experimental": tt.experimental,
					"job-budget":   tt.jobBudget,
					"step-budget":  0.0005,
				},
			}

			res := e.Run(context.Background(), instanceOf(w, j, cell))

			assert.Equal(t, status.StatusFailed, res.Status)
			assert.Equal(t, tt.wantScripts, sh.Scripts())
			assert.Contains(t, res.Reason, tt.wantReason)
		})
	}
}

func blockUntilDone(ctx context.Context, cmd shell.Command, emit func(string)) (int, error) {
	if cmd.Script != "sleep forever" {
		return 0, nil
	}
	<-ctx.Done()
	return -1, context.Cause(ctx)
}

func TestRunStepTimeout(t *testing.T) {
	w, j := loadJob(t, `
on: push
jobs:
  test:
    steps:
      - timeout-minutes: 0.0005
        run: sleep forever
      - if: always()
        run: echo cleanup
`)
	sh := &shell.MockExecutor{OnRun: blockUntilDone}
	e := newTestExecutor(t, sh, nil)

	res := e.Run(context.Background(), instanceOf(w, j, matrix.Cell{}))

	assert.Equal(t, status.StatusFailed, res.Status)
	assert.ErrorIs(t, res.Err, ErrTimeoutExceeded)
	assert.Equal(t, []string{"sleep forever", "echo cleanup"}, sh.Scripts())
}

func TestRunJobTimeout(t *testing.T) {
	w, j := loadJob(t, `
on: push
jobs:
  test:
    timeout-minutes: 0.0005
    steps:
      - run: sleep forever
      - if: always()
        run: echo never
`)
	sh := &shell.MockExecutor{OnRun: blockUntilDone}
	e := newTestExecutor(t, sh, nil)

	res := e.Run(context.Background(), instanceOf(w, j, matrix.Cell{}))

	assert.Equal(t, status.StatusFailed, res.Status)
	assert.ErrorIs(t, res.Err, ErrTimeoutExceeded)
	assert.Equal(t, []status.Status{status.StatusFailed, status.StatusSkipped}, stepStatuses(res))
	assert.Equal(t, []string{"sleep forever"}, sh.Scripts())
}

func TestRunCancelled(t *testing.T) {
	w, j := loadJob(t, `
on: push
jobs:
  test:
    steps:
      - run: sleep forever
      - run: echo after
`)
	superseded := errors.New("superseded by run-2")
	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)

	sh := &shell.MockExecutor{OnRun: func(c context.Context, cmd shell.Command, emit func(string)) (int, error) {
		cancel(superseded)
		return blockUntilDone(c, cmd, emit)
	}}
	e := newTestExecutor(t, sh, nil)

	res := e.Run(ctx, instanceOf(w, j, matrix.Cell{}))

	assert.Equal(t, status.StatusCancelled, res.Status)
	assert.ErrorIs(t, res.Err, superseded)
	assert.Equal(t, "superseded by run-2", res.Reason)
	assert.Equal(t, []status.Status{status.StatusCancelled, status.StatusSkipped}, stepStatuses(res))
}

func TestRunAlreadyCancelled(t *testing.T) {
	w, j := loadJob(t, `
on: push
jobs:
  test:
    steps:
      - run: echo one
`)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sh := &shell.MockExecutor{}
	e := newTestExecutor(t, sh, nil)

	res := e.Run(ctx, instanceOf(w, j, matrix.Cell{}))

	assert.Equal(t, status.StatusCancelled, res.Status)
	assert.Empty(t, sh.Commands())
}

func TestRunEnvLayering(t *testing.T) {
	w, j := loadJob(t, `
on: push
env:
  A: wf
  B: wf
jobs:
  test:
    env:
      B: job
      C: ${{ env.A }}-job
    steps:
      - run: export-vars
      - env:
          C: step
          E: ${{ env.D }}
        run: show
`)
	sh := &shell.MockExecutor{OnRun: func(ctx context.Context, cmd shell.Command, emit func(string)) (int, error) {
		if cmd.Script == "export-vars" {
			return 0, os.WriteFile(cmd.Env["GITHUB_ENV"], []byte("D=exported\nMULTI<<EOF\nl1\nl2\nEOF\n"), 0o644)
		}
		return 0, nil
	}}
	e := newTestExecutor(t, sh, nil)

	res := e.Run(context.Background(), instanceOf(w, j, matrix.Cell{}))
	require.Equal(t, status.StatusSucceeded, res.Status)

	cmds := sh.Commands()
	require.Len(t, cmds, 2)
	first, second := cmds[0].Env, cmds[1].Env

	assert.Equal(t, "wf", first["A"])
	assert.Equal(t, "job", first["B"])
	assert.Equal(t, "wf-job", first["C"])
	assert.NotContains(t, first, "D")
	assert.Equal(t, "true", first["CI"])
	assert.Equal(t, "refs/heads/main", first["GITHUB_REF"])
	assert.Equal(t, e.Workspace(), first["GITHUB_WORKSPACE"])

	assert.Equal(t, "step", second["C"])
	assert.Equal(t, "exported", second["D"])
	assert.Equal(t, "exported", second["E"])
	assert.Equal(t, "l1\nl2", second["MULTI"])
	assert.NotEqual(t, first["GITHUB_OUTPUT"], second["GITHUB_OUTPUT"])
}

func TestRunStdoutWorkflowCommands(t *testing.T) {
	w, j := loadJob(t, `
on: push
jobs:
  tests:
    outputs:
      week: ${{ steps.pip-cache.outputs.datew }}
    steps:
      - name: Prepare pip wheel
        id: pip-cache
        run: |
          echo "::set-output name=datew::$(date '+%Y-%V')"
          echo "::set-output name=dir::$(pip cache dir)"
      - name: Configure tools
        run: configure
      - name: Show key
        run: echo key=${{ runner.os }}-pip-${{ steps.pip-cache.outputs.datew }} dir=${{ steps.pip-cache.outputs.dir }}
`)
	sh := &shell.MockExecutor{OnRun: func(ctx context.Context, cmd shell.Command, emit func(string)) (int, error) {
		switch {
		case strings.Contains(cmd.Script, "set-output"):
			emit("::set-output name=datew::2021-38")
			emit("::set-output name=dir::/home/runner/.cache/pip")
		case cmd.Script == "configure":
			emit("::set-env name=TORCH_HOME::/opt/torch")
			emit("::add-path::/opt/tool/bin")
			emit("::warning::deprecated command")
		}
		return 0, nil
	}}
	e := newTestExecutor(t, sh, nil)

	res := e.Run(context.Background(), instanceOf(w, j, matrix.Cell{}))

	require.Equal(t, status.StatusSucceeded, res.Status)
	scripts := sh.Scripts()
	require.Len(t, scripts, 3)
	assert.Equal(t, "echo key=Linux-pip-2021-38 dir=/home/runner/.cache/pip", scripts[2])
	assert.Equal(t, map[string]string{"week": "2021-38"}, res.Outputs)

	last := sh.Commands()[2].Env
	assert.Equal(t, "/opt/torch", last["TORCH_HOME"])
	assert.True(t, strings.HasPrefix(last["PATH"], "/opt/tool/bin"))

	require.Len(t, res.Log, 1, "applied commands stay out of the log")
	assert.Equal(t, "::warning::deprecated command", res.Log[0].Text)
}

func TestRunMatrixAndDefaults(t *testing.T) {
	w, j := loadJob(t, `
on: push
defaults:
  run:
    shell: sh
jobs:
  test:
    defaults:
      run:
        working-directory: src
    steps:
      - run: echo ${{ matrix.os }} ${{ matrix['python-version'] }} ${{ strategy.job-total }}
      - shell: python
        working-directory: /abs
        run: print(1)
`)
	sh := &shell.MockExecutor{}
	e := newTestExecutor(t, sh, nil)
	inst := instanceOf(w, j, matrix.Cell{
		Keys:   []string{"os", "python-version"},
		Values: map[string]any{"os": "ubuntu-latest", "python-version": "3.10"},
	})
	inst.Total = 6

	res := e.Run(context.Background(), inst)
	require.Equal(t, status.StatusSucceeded, res.Status)

	cmds := sh.Commands()
	require.Len(t, cmds, 2)
	assert.Equal(t, "echo ubuntu-latest 3.10 6", cmds[0].Script)
	assert.Equal(t, "sh", cmds[0].Shell)
	assert.Equal(t, e.Workspace()+"/src", cmds[0].Dir)
	assert.Equal(t, "python", cmds[1].Shell)
	assert.Equal(t, "/abs", cmds[1].Dir)
}

func TestRunActionStep(t *testing.T) {
	w, j := loadJob(t, `
on: push
jobs:
  test:
    steps:
      - id: py
        uses: acme/setup@v2
        with:
          version: ${{ matrix.py }}
      - run: echo ${{ steps.py.outputs.path }}
`)
	setup := &action.MockAction{OnRun: func(ctx context.Context, call *action.Call) error {
		call.SetOutput("path", "/opt/py"+call.Inputs["version"])
		call.ExportVariable("PY_HOME", "/opt/py")
		call.AddPath("/opt/py/bin")
		return nil
	}}
	registry := action.NewRegistry()
	registry.Register("acme/setup", setup)
	sh := &shell.MockExecutor{}
	e := newTestExecutor(t, sh, registry)

	res := e.Run(context.Background(), instanceOf(w, j, matrix.Cell{Keys: []string{"py"}, Values: map[string]any{"py": "3.12"}}))
	require.Equal(t, status.StatusSucceeded, res.Status)

	require.Len(t, setup.Calls(), 1)
	assert.Equal(t, "3.12", setup.Calls()[0].Inputs["version"])
	assert.Equal(t, "v2", setup.Calls()[0].Ref.Version)

	cmds := sh.Commands()
	require.Len(t, cmds, 1)
	assert.Equal(t, "echo /opt/py3.12", cmds[0].Script)
	assert.Equal(t, "/opt/py", cmds[0].Env["PY_HOME"])
	assert.True(t, strings.HasPrefix(cmds[0].Env["PATH"], "/opt/py/bin"))
}

func TestRunUnknownActionFails(t *testing.T) {
	w, j := loadJob(t, `
on: push
jobs:
  test:
    steps:
      - uses: acme/missing@v1
`)
	e := newTestExecutor(t, &shell.MockExecutor{}, nil)

	res := e.Run(context.Background(), instanceOf(w, j, matrix.Cell{}))

	assert.Equal(t, status.StatusFailed, res.Status)
	assert.ErrorIs(t, res.Err, action.ErrUnknownAction)
}

func TestRunPostHooks(t *testing.T) {
	w, j := loadJob(t, `
on: push
jobs:
  test:
    steps:
      - uses: acme/hooks@v1
      - run: exit 2
`)
	var mu sync.Mutex
	var seen []string
	hooks := &action.MockAction{OnRun: func(ctx context.Context, call *action.Call) error {
		for _, name := range []string{"first", "second"} {
			call.AddPostHook(name, func(ctx context.Context, jobStatus status.Status) error {
				mu.Lock()
				defer mu.Unlock()
				seen = append(seen, name+":"+string(jobStatus))
				if name == "second" {
					return errors.New("save failed")
				}
				return nil
			})
		}
		return nil
	}}
	registry := action.NewRegistry()
	registry.Register("acme/hooks", hooks)
	sh := &shell.MockExecutor{OnRun: func(ctx context.Context, cmd shell.Command, emit func(string)) (int, error) {
		return 2, nil
	}}
	e := newTestExecutor(t, sh, registry)

	res := e.Run(context.Background(), instanceOf(w, j, matrix.Cell{}))

	assert.Equal(t, status.StatusFailed, res.Status)
	assert.Equal(t, "Run exit 2", res.FailedStep)
	assert.Equal(t, []string{"second:failed", "first:failed"}, seen)
	require.Len(t, res.Steps, 4)
	assert.Equal(t, "second", res.Steps[2].Name)
	assert.Equal(t, "save failed", res.Steps[2].Error)
}

func TestRunProgressEvents(t *testing.T) {
	w, j := loadJob(t, `
on: push
jobs:
  test:
    steps:
      - name: one
        run: echo hi
      - name: two
        if: ${{ false }}
        run: echo no
`)
	var mu sync.Mutex
	var kinds []EventKind
	e := newTestExecutor(t, &shell.MockExecutor{}, nil)
	e.SetProgressCallback(func(ev StepEvent) {
		mu.Lock()
		defer mu.Unlock()
		kinds = append(kinds, ev.Kind)
	})

	e.Run(context.Background(), instanceOf(w, j, matrix.Cell{}))

	assert.Equal(t, []EventKind{StepStarted, StepOutput, StepFinished, StepFinished}, kinds)
}

func TestResultReport(t *testing.T) {
	w, j := loadJob(t, `
on: push
jobs:
  test:
    steps:
      - run: exit 4
`)
	sh := &shell.MockExecutor{OnRun: func(ctx context.Context, cmd shell.Command, emit func(string)) (int, error) {
		return 4, nil
	}}
	e := newTestExecutor(t, sh, nil)
	inst := instanceOf(w, j, matrix.Cell{Keys: []string{"os"}, Values: map[string]any{"os": "linux"}})

	report := e.Run(context.Background(), inst).Report(inst)

	assert.Equal(t, "test", report.Name)
	assert.Equal(t, map[string]any{"os": "linux"}, report.Matrix)
	assert.Equal(t, status.StatusFailed, report.Status)
	assert.Equal(t, "Run exit 4", report.FailedStep)
	assert.Equal(t, 4, report.ExitCode)
	require.Len(t, report.Steps, 1)
}

func TestResultReportKeepsFailureLog(t *testing.T) {
	w, j := loadJob(t, `
on: push
jobs:
  test:
    steps:
      - name: Install dependencies
        run: pip install -r requirements-dev.txt
      - name: Run tests
        run: pytest
`)
	failTests := true
	sh := &shell.MockExecutor{OnRun: func(ctx context.Context, cmd shell.Command, emit func(string)) (int, error) {
		if cmd.Script == "pytest" {
			emit("1 failed")
			if failTests {
				return 2, nil
			}
			return 0, nil
		}
		for i := 1; i <= 300; i++ {
			emit(fmt.Sprintf("install-line-%d", i))
		}
		return 0, nil
	}}
	e := newTestExecutor(t, sh, nil)
	inst := instanceOf(w, j, matrix.Cell{})

	report := e.Run(context.Background(), inst).Report(inst)

	assert.Equal(t, status.StatusFailed, report.Status)
	require.Len(t, report.Log, 301)
	assert.Equal(t, LogLine{Step: "Install dependencies", Text: "install-line-250"}, report.Log[249])
	assert.Equal(t, LogLine{Step: "Run tests", Text: "1 failed"}, report.Log[300])

	failTests = false
	report = e.Run(context.Background(), inst).Report(inst)
	assert.Equal(t, status.StatusSucceeded, report.Status)
	assert.Empty(t, report.Log)
}

func TestRunnerOS(t *testing.T) {
	tests := map[string]string{
		"linux":   "Linux",
		"darwin":  "macOS",
		"windows": "Windows",
		"plan9":   "plan9",
	}
	for goos, want := range tests {
		assert.Equal(t, want, RunnerOS(goos), goos)
	}
}
