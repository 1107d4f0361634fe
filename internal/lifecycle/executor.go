// Package lifecycle runs one job instance from its first step to its
// post-job hooks.
//
// The [Executor] drives each instance through the state machine
// pending -> running -> {succeeded, failed, skipped, cancelled}. Steps run
// strictly in order. Each step is gated by its `if:` condition, then either
// invokes a registered [action.Action] or runs a script through a
// [shell.Executor]. Outputs a step publishes become visible to later steps of
// the same instance under steps.<id>.outputs.
//
// Key concepts:
//   - [Instance] is one matrix cell of a job plus its base expression context
//   - [Result] is the outcome: status, failing step, exit code and assembled log
//   - [ProgressCallback] observes step starts, output lines and completions
//   - [StepFailure], [ErrTimeoutExceeded] and [ErrConditionFalse] form the
//     step-level error taxonomy
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"jobmatrix/internal/action"
	"jobmatrix/internal/ctxlog"
	"jobmatrix/internal/expr"
	"jobmatrix/internal/manifest"
	"jobmatrix/internal/matrix"
	"jobmatrix/internal/shell"
	"jobmatrix/internal/status"
)

var (
	// ErrConditionFalse marks a step whose `if:` evaluated to false. It is
	// never reported as a failure.
	ErrConditionFalse = errors.New("condition evaluated to false")

	// ErrTimeoutExceeded is the cancellation cause of a job or step whose
	// timeout-minutes elapsed.
	ErrTimeoutExceeded = errors.New("timeout exceeded")
)

// StepFailure reports a step that exited non-zero or whose action failed.
type StepFailure struct {
	Step     string
	ExitCode int
	Err      error
}

func (e *StepFailure) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("step %q failed: %v", e.Step, e.Err)
	}
	return fmt.Sprintf("step %q failed with exit code %d", e.Step, e.ExitCode)
}

func (e *StepFailure) Unwrap() error {
	return e.Err
}

// Instance is one job instance to execute.
type Instance struct {
	RunID    string
	Workflow *manifest.Workflow
	Job      *manifest.Job

	// Name is the display name, e.g. "tests (ubuntu-latest, 3.11)".
	Name string

	Cell  matrix.Cell
	Index int
	Total int

	// Context holds the run-wide scopes (github, needs, inputs). The
	// executor adds env, matrix, strategy, runner, job and steps.
	Context expr.Context
}

// LogLine is one line of step output.
type LogLine = status.LogLine

// Result is the outcome of an instance.
type Result struct {
	Status status.Status

	// Reason explains a failed or cancelled instance.
	Reason string

	// Err is the step failure, timeout or cancellation cause.
	Err error

	FailedStep string
	ExitCode   int

	Steps   []status.StepReport
	Log     []LogLine
	Outputs map[string]string

	StartedAt  time.Time
	FinishedAt time.Time
}

// Report converts the result into its persisted form. Only failed and
// cancelled instances keep their log.
func (r *Result) Report(inst *Instance) status.InstanceReport {
	report := status.InstanceReport{
		Name:       inst.Name,
		Matrix:     inst.Cell.Map(),
		Status:     r.Status,
		Reason:     r.Reason,
		FailedStep: r.FailedStep,
		ExitCode:   r.ExitCode,
		Steps:      r.Steps,
	}
	if r.Status == status.StatusFailed || r.Status == status.StatusCancelled {
		report.Log = append([]LogLine(nil), r.Log...)
	}
	return report
}

// EventKind identifies a [StepEvent].
type EventKind int

const (
	StepStarted EventKind = iota
	StepOutput
	StepFinished
)

// StepEvent describes progress within an instance.
type StepEvent struct {
	Kind     EventKind
	Instance string
	Step     string
	Index    int
	Total    int

	// Line is set for [StepOutput].
	Line string

	// Report is set for [StepFinished].
	Report *status.StepReport
}

// ProgressCallback observes step progress. It may be called from several
// instances concurrently.
type ProgressCallback func(StepEvent)

// Options configure an [Executor].
type Options struct {
	// Workspace is the working tree steps run in. Defaults to the cwd.
	Workspace string

	// TempDir holds the per-step env and output files. Defaults to os.TempDir().
	TempDir string

	// Shell is the default dialect when neither step nor defaults name one.
	Shell string

	// RunnerOS overrides runner.os. Defaults to the host OS.
	RunnerOS string

	// Strict makes unresolved expression references fail the step.
	Strict bool
}

// Executor runs job instances.
type Executor struct {
	shell    shell.Executor
	actions  *action.Registry
	opts     Options
	progress ProgressCallback
	now      func() time.Time
}

// NewExecutor creates an [Executor] running scripts through sh and actions
// from registry.
func NewExecutor(sh shell.Executor, registry *action.Registry, opts Options) *Executor {
	if opts.Workspace == "" {
		opts.Workspace = "."
	}
	if abs, err := filepath.Abs(opts.Workspace); err == nil {
		opts.Workspace = abs
	}
	if opts.TempDir == "" {
		opts.TempDir = os.TempDir()
	}
	if opts.Shell == "" {
		opts.Shell = "bash"
	}
	if opts.RunnerOS == "" {
		opts.RunnerOS = RunnerOS(runtime.GOOS)
	}
	if registry == nil {
		registry = action.NewRegistry()
	}
	return &Executor{shell: sh, actions: registry, opts: opts, now: time.Now}
}

// SetProgressCallback configures an optional progress observer.
func (e *Executor) SetProgressCallback(cb ProgressCallback) {
	e.progress = cb
}

// Workspace returns the absolute workspace directory.
func (e *Executor) Workspace() string {
	return e.opts.Workspace
}

// RunnerOS maps a GOOS value to the runner.os naming (Linux, macOS, Windows).
func RunnerOS(goos string) string {
	switch goos {
	case "darwin":
		return "macOS"
	case "windows":
		return "Windows"
	case "linux":
		return "Linux"
	}
	return goos
}

// Run executes every step of inst and its post-job hooks. Cancelling ctx
// interrupts the running step and the instance ends as cancelled, with
// context.Cause(ctx) as the reason.
func (e *Executor) Run(ctx context.Context, inst *Instance) *Result {
	logger := ctxlog.FromContext(ctx).With("job", inst.Job.ID, "instance", inst.Name)
	ctx = ctxlog.WithLogger(ctx, logger)

	res := &Result{Status: status.StatusRunning, StartedAt: e.now()}
	abort := func(err error) *Result {
		res.Status = status.StatusFailed
		res.Err = err
		res.Reason = err.Error()
		res.FinishedAt = e.now()
		return res
	}

	timeout, err := inst.Job.TimeoutMinutes.Eval(e.scopeEvaluator(inst).Interpolate)
	if err != nil {
		return abort(fmt.Errorf("evaluating timeout-minutes: %w", err))
	}
	jobCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeoutCause(ctx, minutes(timeout), ErrTimeoutExceeded)
		defer cancel()
	}

	r, err := e.newRun(jobCtx, inst, res)
	if err != nil {
		return abort(err)
	}
	defer r.cleanup()
	r.timeout = timeout

	total := len(inst.Job.Steps)
	for i, step := range inst.Job.Steps {
		report := r.runStep(jobCtx, i, total, step)
		res.Steps = append(res.Steps, report)
		if e.progress != nil {
			e.progress(StepEvent{Kind: StepFinished, Instance: inst.Name, Step: report.Name, Index: i + 1, Total: total, Report: &report})
		}
	}

	r.runPostHooks(ctx)

	switch {
	case r.cancelled:
		res.Status = status.StatusCancelled
	case r.failed:
		res.Status = status.StatusFailed
	default:
		res.Status = status.StatusSucceeded
	}
	if res.Err != nil && res.Reason == "" {
		res.Reason = res.Err.Error()
	}

	res.Outputs = r.jobOutputs()
	res.FinishedAt = e.now()
	logger.Debug("instance finished", "status", res.Status, "duration", res.FinishedAt.Sub(res.StartedAt))
	return res
}

func minutes(m float64) time.Duration {
	return time.Duration(m * float64(time.Minute))
}

// scopeEvaluator evaluates job-level fields against the instance's
// context and matrix, before any step state exists.
func (e *Executor) scopeEvaluator(inst *Instance) *expr.Evaluator {
	scope := make(expr.Context, len(inst.Context)+1)
	for k, v := range inst.Context {
		scope[k] = v
	}
	scope["matrix"] = inst.Cell.Map()
	ev := expr.NewEvaluator(scope)
	ev.Strict = e.opts.Strict
	return ev
}

// instanceRun is the mutable state of one instance.
type instanceRun struct {
	e    *Executor
	inst *Instance
	res  *Result

	ctx   expr.Context
	ev    *expr.Evaluator
	steps map[string]any

	// env is the workflow and job env, interpolated once.
	env map[string]string

	// timeout is the resolved job timeout-minutes.
	timeout float64

	// exported collects GITHUB_ENV entries and action exports.
	exported map[string]string
	paths    []string

	container *shell.Container
	fileDir   string
	hooks     []action.PostHook

	failed    bool
	cancelled bool
}

func (e *Executor) newRun(ctx context.Context, inst *Instance, res *Result) (*instanceRun, error) {
	logger := ctxlog.FromContext(ctx)

	r := &instanceRun{
		e:        e,
		inst:     inst,
		res:      res,
		steps:    map[string]any{},
		exported: map[string]string{},
	}
	r.ctx = r.baseContext()
	r.ev = expr.NewEvaluator(r.ctx)
	r.ev.Strict = e.opts.Strict
	r.ev.OnUnresolved = func(path string) {
		logger.Warn("unresolved expression reference", "path", path)
	}
	r.bindFunctions(ctx)

	var err error
	if r.env, err = r.layeredEnv(); err != nil {
		return nil, err
	}
	r.ctx["env"] = toAnyMap(r.env)

	if c := inst.Job.Container; c != nil {
		if r.container, err = r.resolveContainer(c); err != nil {
			return nil, err
		}
		r.ctx["job"].(map[string]any)["container"] = map[string]any{"image": r.container.Image}
	}

	if err := os.MkdirAll(e.opts.TempDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}
	if r.fileDir, err = os.MkdirTemp(e.opts.TempDir, "instance-*"); err != nil {
		return nil, fmt.Errorf("failed to create instance dir: %w", err)
	}
	return r, nil
}

func (r *instanceRun) cleanup() {
	os.RemoveAll(r.fileDir)
}

func (r *instanceRun) baseContext() expr.Context {
	ctx := expr.Context{}
	for k, v := range r.inst.Context {
		ctx[k] = v
	}

	github := map[string]any{}
	if g, ok := ctx["github"].(map[string]any); ok {
		for k, v := range g {
			github[k] = v
		}
	}
	github["workspace"] = r.e.opts.Workspace
	github["run_id"] = r.inst.RunID
	github["job"] = r.inst.Job.ID
	github["workflow"] = r.inst.Workflow.Name
	ctx["github"] = github

	failFast, err := r.inst.Job.Strategy.FailFastEnabled(r.e.scopeEvaluator(r.inst).Interpolate)
	if err != nil {
		failFast = true
	}
	ctx["matrix"] = r.inst.Cell.Map()
	ctx["strategy"] = map[string]any{
		"fail-fast":    failFast,
		"job-index":    float64(r.inst.Index),
		"job-total":    float64(r.inst.Total),
		"max-parallel": float64(maxParallel(r.inst.Job.Strategy, r.inst.Total)),
	}
	ctx["runner"] = map[string]any{
		"os":        r.e.opts.RunnerOS,
		"temp":      r.e.opts.TempDir,
		"workspace": r.e.opts.Workspace,
	}
	ctx["job"] = map[string]any{"status": "success"}
	ctx["steps"] = r.steps
	ctx["env"] = map[string]any{}
	return ctx
}

func maxParallel(s *manifest.Strategy, total int) int {
	if s != nil && s.MaxParallel > 0 {
		return s.MaxParallel
	}
	return total
}

// bindFunctions replaces the status functions with closures over the
// instance state and registers hashFiles.
func (r *instanceRun) bindFunctions(ctx context.Context) {
	r.ev.SetFunc("success", func(args ...any) (any, error) {
		return !r.failed && !r.isCancelled(ctx), nil
	})
	r.ev.SetFunc("failure", func(args ...any) (any, error) {
		return r.failed, nil
	})
	r.ev.SetFunc("always", func(args ...any) (any, error) {
		return true, nil
	})
	r.ev.SetFunc("cancelled", func(args ...any) (any, error) {
		return r.isCancelled(ctx), nil
	})
	r.ev.SetFunc("hashFiles", hashFilesFunc(r.e.opts.Workspace))
}

func (r *instanceRun) isCancelled(ctx context.Context) bool {
	return r.cancelled || ctx.Err() != nil
}

func (r *instanceRun) resolveContainer(c *manifest.Container) (*shell.Container, error) {
	image, err := r.ev.Interpolate(c.Image)
	if err != nil {
		return nil, fmt.Errorf("container image: %w", err)
	}
	if strings.TrimSpace(image) == "" {
		return nil, fmt.Errorf("container image of job %q evaluated to an empty string", r.inst.Job.ID)
	}
	options, err := r.ev.Interpolate(c.Options)
	if err != nil {
		return nil, fmt.Errorf("container options: %w", err)
	}
	env, err := r.interpolateMap(c.Env)
	if err != nil {
		return nil, fmt.Errorf("container env: %w", err)
	}
	return &shell.Container{
		Image:     image,
		Options:   options,
		Workspace: r.e.opts.Workspace,
		Env:       env,
		Volumes:   append([]string(nil), c.Volumes...),
	}, nil
}

func (r *instanceRun) interpolateMap(m map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(m))
	for k, v := range m {
		s, err := r.ev.Interpolate(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		out[k] = s
	}
	return out, nil
}

func (r *instanceRun) emit(ev StepEvent) {
	if r.e.progress != nil {
		ev.Instance = r.inst.Name
		r.e.progress(ev)
	}
}

func (r *instanceRun) appendLog(step, text string) {
	r.res.Log = append(r.res.Log, LogLine{Step: step, Text: text})
	r.emit(StepEvent{Kind: StepOutput, Step: step, Line: text})
}

// jobOutputs evaluates the job's outputs against the final context.
func (r *instanceRun) jobOutputs() map[string]string {
	if len(r.inst.Job.Outputs) == 0 {
		return nil
	}
	r.ctx["env"] = toAnyMap(r.env)
	out := make(map[string]string, len(r.inst.Job.Outputs))
	for name, tmpl := range r.inst.Job.Outputs {
		v, err := r.ev.Interpolate(tmpl)
		if err != nil {
			r.appendLog("outputs", fmt.Sprintf("failed to evaluate output %s: %v", name, err))
			continue
		}
		out[name] = v
	}
	return out
}

func toAnyMap(m map[string]string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
