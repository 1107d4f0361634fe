package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"jobmatrix/internal/action"
	"jobmatrix/internal/ctxlog"
	"jobmatrix/internal/manifest"
	"jobmatrix/internal/shell"
	"jobmatrix/internal/status"
)

// stepOutcome is what running a step produced before continue-on-error.
type stepOutcome struct {
	status   status.Status
	exitCode int
	err      error
	outputs  map[string]string
}

func (r *instanceRun) runStep(jobCtx context.Context, index, total int, step *manifest.Step) status.StepReport {
	name := step.DisplayName()
	if n, err := r.ev.Interpolate(name); err == nil && n != "" {
		name = n
	}
	report := status.StepReport{Name: name, ID: step.ID}
	start := r.e.now()
	defer func() { report.Duration = r.e.now().Sub(start) }()

	// A dead job context means a timeout or cancellation already ended
	// the instance; nothing more can run.
	if jobCtx.Err() != nil {
		if !r.failed && !r.cancelled {
			r.interrupt(jobCtx, name)
		}
		report.Status = status.StatusSkipped
		report.Conclusion = status.StatusSkipped
		return report
	}

	r.ctx["env"] = toAnyMap(r.stepEnvPreview())
	ok, err := r.ev.Condition(step.If)
	if err != nil {
		r.fail(name, -1, fmt.Errorf("evaluating if: %w", err))
		report.Status = status.StatusFailed
		report.Conclusion = status.StatusFailed
		report.Error = err.Error()
		return report
	}
	if !ok {
		ctxlog.FromContext(jobCtx).Debug("step skipped", "step", name, "reason", ErrConditionFalse)
		report.Status = status.StatusSkipped
		report.Conclusion = status.StatusSkipped
		return report
	}

	r.emit(StepEvent{Kind: StepStarted, Step: name, Index: index + 1, Total: total})
	out := r.execute(jobCtx, index, step, name)

	report.Status = out.status
	report.Conclusion = out.status
	report.ExitCode = out.exitCode
	if out.err != nil {
		report.Error = out.err.Error()
	}

	switch out.status {
	case status.StatusCancelled:
		r.cancelled = true
		r.res.Err = out.err
		r.setJobStatus("cancelled")
	case status.StatusFailed:
		if r.continueOnError(step, name) && !errors.Is(context.Cause(jobCtx), ErrTimeoutExceeded) {
			report.Conclusion = status.StatusSucceeded
		} else {
			r.fail(name, out.exitCode, out.err)
		}
	}

	if step.ID != "" {
		r.steps[step.ID] = map[string]any{
			"outputs":    toAnyMap(out.outputs),
			"outcome":    report.Status.Conclusion(),
			"conclusion": report.Conclusion.Conclusion(),
		}
	}
	return report
}

// continueOnError resolves the step's continue-on-error. An invalid value
// is logged and counts as false.
func (r *instanceRun) continueOnError(step *manifest.Step, name string) bool {
	ok, err := step.ContinueOnError.Eval(r.ev.Interpolate, false)
	if err != nil {
		r.appendLog(name, fmt.Sprintf("evaluating continue-on-error: %v", err))
		return false
	}
	return ok
}

// execute runs the step body and applies its command files.
func (r *instanceRun) execute(jobCtx context.Context, index int, step *manifest.Step, name string) stepOutcome {
	out := stepOutcome{status: status.StatusSucceeded, outputs: map[string]string{}}

	timeout, err := step.TimeoutMinutes.Eval(r.ev.Interpolate)
	if err != nil {
		return stepOutcome{status: status.StatusFailed, exitCode: -1, err: fmt.Errorf("evaluating timeout-minutes: %w", err), outputs: out.outputs}
	}
	stepCtx := jobCtx
	if timeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeoutCause(jobCtx, minutes(timeout), ErrTimeoutExceeded)
		defer cancel()
	}

	files, err := r.newStepFiles(index)
	if err != nil {
		return stepOutcome{status: status.StatusFailed, exitCode: -1, err: err, outputs: out.outputs}
	}
	env, err := r.stepEnv(step, files)
	if err != nil {
		return stepOutcome{status: status.StatusFailed, exitCode: -1, err: err, outputs: out.outputs}
	}
	r.ctx["env"] = toAnyMap(r.userEnv(env))

	var runErr error
	if step.IsAction() {
		out.exitCode, runErr = r.runAction(stepCtx, step, name, env, out.outputs)
	} else {
		out.exitCode, runErr = r.runScript(stepCtx, step, name, env, out.outputs)
	}

	if err := r.collectFiles(files, out.outputs); err != nil && runErr == nil {
		runErr = err
		out.exitCode = -1
	}

	switch {
	case jobCtx.Err() != nil:
		cause := context.Cause(jobCtx)
		if errors.Is(cause, ErrTimeoutExceeded) {
			out.status = status.StatusFailed
			out.err = fmt.Errorf("job timed out after %v minutes: %w", r.timeout, ErrTimeoutExceeded)
		} else {
			out.status = status.StatusCancelled
			out.err = cause
		}
		out.exitCode = -1
	case stepCtx.Err() != nil:
		out.status = status.StatusFailed
		out.err = fmt.Errorf("step timed out after %v minutes: %w", timeout, ErrTimeoutExceeded)
		out.exitCode = -1
	case runErr != nil:
		out.status = status.StatusFailed
		out.err = runErr
		if out.exitCode == 0 {
			out.exitCode = 1
		}
	case out.exitCode != 0:
		out.status = status.StatusFailed
		out.err = fmt.Errorf("process completed with exit code %d", out.exitCode)
	}
	return out
}

func (r *instanceRun) runScript(ctx context.Context, step *manifest.Step, name string, env, outputs map[string]string) (int, error) {
	script, err := r.ev.Interpolate(step.Run)
	if err != nil {
		return -1, fmt.Errorf("interpolating run: %w", err)
	}
	dir, err := r.workingDirectory(step)
	if err != nil {
		return -1, err
	}

	cmd := shell.Command{
		Script: script,
		Shell:  r.shellFor(step),
		Dir:    dir,
		Env:    env,
	}
	if r.container != nil {
		c := *r.container
		c.Volumes = append(append([]string(nil), c.Volumes...), r.fileDir+":"+containerFileDir)
		cmd.Container = &c
	}

	return r.e.shell.Run(ctx, cmd, func(line shell.Line) {
		if c, ok := parseWorkflowCommand(line.Text); ok && r.applyCommand(c, outputs) {
			return
		}
		r.appendLog(name, line.Text)
	})
}

func (r *instanceRun) runAction(ctx context.Context, step *manifest.Step, name string, env, outputs map[string]string) (int, error) {
	ref, err := manifest.ParseActionRef(step.Uses)
	if err != nil {
		return -1, err
	}
	a, err := r.e.actions.Lookup(ref)
	if err != nil {
		return -1, err
	}
	inputs, err := r.interpolateMap(step.With)
	if err != nil {
		return -1, fmt.Errorf("interpolating with: %w", err)
	}

	call := action.NewCall(ref, inputs, env, r.e.opts.Workspace, r.inst.RunID)
	call.Log = func(line string) { r.appendLog(name, line) }

	runErr := a.Run(ctx, call)

	for k, v := range call.Outputs {
		outputs[k] = v
	}
	for k, v := range call.ExportEnv {
		r.exported[k] = v
	}
	r.paths = append(r.paths, call.Path...)
	r.hooks = append(r.hooks, call.PostHooks...)

	if runErr != nil {
		return 1, runErr
	}
	return 0, nil
}

func (r *instanceRun) shellFor(step *manifest.Step) string {
	for _, s := range []string{
		step.Shell,
		r.inst.Job.Defaults.Run.Shell,
		r.inst.Workflow.Defaults.Run.Shell,
	} {
		if s != "" {
			return s
		}
	}
	return r.e.opts.Shell
}

func (r *instanceRun) workingDirectory(step *manifest.Step) (string, error) {
	dir := ""
	for _, d := range []string{
		step.WorkingDirectory,
		r.inst.Job.Defaults.Run.WorkingDirectory,
		r.inst.Workflow.Defaults.Run.WorkingDirectory,
	} {
		if d != "" {
			dir = d
			break
		}
	}
	dir, err := r.ev.Interpolate(dir)
	if err != nil {
		return "", fmt.Errorf("interpolating working-directory: %w", err)
	}
	if dir == "" {
		return r.e.opts.Workspace, nil
	}
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(r.e.opts.Workspace, dir)
	}
	return dir, nil
}

// stepEnvPreview is the env scope seen by a step's `if:`: everything but
// the step's own env.
func (r *instanceRun) stepEnvPreview() map[string]string {
	env, err := mergeEnv(r.env, r.exported)
	if err != nil {
		return r.env
	}
	return env
}

// stepEnv builds the process environment: runner variables, then workflow
// and job env, then exported variables, then the step's own env.
func (r *instanceRun) stepEnv(step *manifest.Step, files stepFiles) (map[string]string, error) {
	base, err := mergeEnv(r.env, r.exported)
	if err != nil {
		return nil, err
	}
	r.ctx["env"] = toAnyMap(base)
	own, err := r.interpolateMap(step.Env)
	if err != nil {
		return nil, fmt.Errorf("interpolating env: %w", err)
	}
	env, err := mergeEnv(r.runnerEnv(files), base, own)
	if err != nil {
		return nil, err
	}
	r.withPath(env)
	return env, nil
}

// userEnv drops the runner-provided variables, leaving the env scope.
func (r *instanceRun) userEnv(env map[string]string) map[string]string {
	runner := r.runnerEnv(stepFiles{})
	out := make(map[string]string, len(env))
	for k, v := range env {
		if _, ok := runner[k]; ok {
			continue
		}
		if k == "PATH" && len(r.paths) > 0 {
			continue
		}
		out[k] = v
	}
	return out
}

func (r *instanceRun) fail(step string, exitCode int, err error) {
	if r.failed {
		return
	}
	r.failed = true
	r.res.FailedStep = step
	r.res.ExitCode = exitCode
	r.res.Err = &StepFailure{Step: step, ExitCode: exitCode, Err: err}
	r.res.Reason = r.res.Err.Error()
	r.setJobStatus("failure")
}

// interrupt records a timeout or cancellation noticed between steps.
func (r *instanceRun) interrupt(jobCtx context.Context, step string) {
	cause := context.Cause(jobCtx)
	if errors.Is(cause, ErrTimeoutExceeded) {
		r.fail(step, -1, fmt.Errorf("job timed out after %v minutes: %w", r.timeout, ErrTimeoutExceeded))
		return
	}
	r.cancelled = true
	r.res.Err = cause
	r.setJobStatus("cancelled")
}

func (r *instanceRun) setJobStatus(s string) {
	if job, ok := r.ctx["job"].(map[string]any); ok {
		job["status"] = s
	}
}

// instanceStatus is the status post hooks see.
func (r *instanceRun) instanceStatus() status.Status {
	switch {
	case r.cancelled:
		return status.StatusCancelled
	case r.failed:
		return status.StatusFailed
	}
	return status.StatusSucceeded
}

// runPostHooks runs the hooks registered by actions in reverse order.
// Hook failures are logged and recorded but do not change the result.
func (r *instanceRun) runPostHooks(ctx context.Context) {
	logger := ctxlog.FromContext(ctx)
	jobStatus := r.instanceStatus()
	hookCtx := context.WithoutCancel(ctx)

	for i := len(r.hooks) - 1; i >= 0; i-- {
		h := r.hooks[i]
		start := r.e.now()
		report := status.StepReport{Name: h.Name, Status: status.StatusSucceeded, Conclusion: status.StatusSucceeded}
		if err := h.Run(hookCtx, jobStatus); err != nil {
			logger.Warn("post-job hook failed", "hook", h.Name, "error", err)
			report.Status = status.StatusFailed
			report.Conclusion = status.StatusSucceeded
			report.Error = err.Error()
			r.appendLog(h.Name, err.Error())
		}
		report.Duration = r.e.now().Sub(start)
		r.res.Steps = append(r.res.Steps, report)
	}
}
