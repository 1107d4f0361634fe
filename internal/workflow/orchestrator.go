// Package workflow dispatches triggered workflow runs.
//
// The [Orchestrator] is the top of the run pipeline: it checks the trigger
// rules, takes the run's slot in its concurrency group, expands every job's
// matrix and hands the instances to an [InstanceRunner]. Jobs without
// dependencies between them run concurrently, and so do the instances of a
// job, bounded by strategy.max-parallel and the global slot pool.
//
// Key types:
//   - [Orchestrator] runs workflows and aggregates their results
//   - [InstanceRunner] executes a single job instance ([lifecycle.Executor])
//   - [ReportWriter] persists the final [status.RunReport]
//
// A run succeeds when every job that was not skipped succeeded. Under
// fail-fast, the first failed instance of a job cancels its siblings with
// [ErrCancelledByFailFast] as the cause.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"jobmatrix/internal/concurrency"
	"jobmatrix/internal/ctxlog"
	"jobmatrix/internal/expr"
	"jobmatrix/internal/lifecycle"
	"jobmatrix/internal/manifest"
	"jobmatrix/internal/output"
	"jobmatrix/internal/router"
	"jobmatrix/internal/status"
)

// ErrCancelledByFailFast is the cause attached to instances cancelled
// because a sibling instance of the same job failed.
var ErrCancelledByFailFast = errors.New("cancelled by fail-fast")

// InstanceRunner executes one job instance.
//
// The [lifecycle.Executor] type implements this interface.
type InstanceRunner interface {
	Run(ctx context.Context, inst *lifecycle.Instance) *lifecycle.Result
}

// RunnerFunc adapts a function to [InstanceRunner].
type RunnerFunc func(ctx context.Context, inst *lifecycle.Instance) *lifecycle.Result

// Run calls f.
func (f RunnerFunc) Run(ctx context.Context, inst *lifecycle.Instance) *lifecycle.Result {
	return f(ctx, inst)
}

// ReportWriter persists run reports. The [status.Writer] type implements it.
type ReportWriter interface {
	Write(report *status.RunReport) error
}

// Orchestrator runs workflows.
type Orchestrator struct {
	runner     InstanceRunner
	controller *concurrency.Controller
	reports    ReportWriter
	printer    output.Printer
	slots      *semaphore.Weighted
	strict     bool

	newID func() string
	now   func() time.Time
}

// NewOrchestrator creates an [Orchestrator]. A nil controller gets a
// private one.
func NewOrchestrator(runner InstanceRunner, controller *concurrency.Controller) *Orchestrator {
	if controller == nil {
		controller = concurrency.NewController()
	}
	return &Orchestrator{
		runner:     runner,
		controller: controller,
		newID:      uuid.NewString,
		now:        time.Now,
	}
}

// SetReportWriter configures where run reports are persisted.
func (o *Orchestrator) SetReportWriter(w ReportWriter) {
	o.reports = w
}

// SetPrinter configures progress output.
func (o *Orchestrator) SetPrinter(p output.Printer) {
	o.printer = p
}

// SetMaxParallel bounds the instances running at once across all jobs and
// runs of this orchestrator. Zero or less means unbounded.
func (o *Orchestrator) SetMaxParallel(n int) {
	if n <= 0 {
		o.slots = nil
		return
	}
	o.slots = semaphore.NewWeighted(int64(n))
}

// SetStrict makes unresolved references in run-level expressions fail.
func (o *Orchestrator) SetStrict(strict bool) {
	o.strict = strict
}

// Dispatch routes ev to workflows and runs every workflow that fires,
// concurrently. Reports are returned in workflow order. Routing errors for
// malformed filters are returned alongside the reports of the workflows
// that did fire.
func (o *Orchestrator) Dispatch(ctx context.Context, workflows []*manifest.Workflow, ev router.Event) ([]*status.RunReport, error) {
	fired, routeErr := router.NewRouter(workflows...).Route(ev)

	reports := make([]*status.RunReport, len(fired))
	errs := make([]error, len(fired))
	var g errgroup.Group
	for i, w := range fired {
		g.Go(func() error {
			reports[i], errs[i] = o.Run(ctx, w, ev)
			return nil
		})
	}
	g.Wait()

	var out []*status.RunReport
	for _, r := range reports {
		if r != nil {
			out = append(out, r)
		}
	}
	return out, errors.Join(append([]error{routeErr}, errs...)...)
}

// Run executes w for ev. It returns an error wrapping
// [router.ErrNotTriggered] when w does not fire for ev, in which case
// nothing is allocated. A run cancelled while queued in its concurrency
// group is reported with status cancelled.
func (o *Orchestrator) Run(ctx context.Context, w *manifest.Workflow, ev router.Event) (*status.RunReport, error) {
	if err := router.Triggered(w, ev); err != nil {
		return nil, err
	}

	id := o.newID()
	logger := ctxlog.FromContext(ctx).With("workflow", w.Name, "run", id)
	ctx = ctxlog.WithLogger(ctx, logger)

	report := &status.RunReport{
		ID:        id,
		Workflow:  w.Name,
		Path:      w.Path,
		Event:     ev.Name,
		Ref:       ev.Ref,
		SHA:       ev.SHA,
		Status:    status.StatusPending,
		StartedAt: o.now(),
	}

	base := runContext(w, ev, id)
	group, cancelInProgress, err := o.concurrencyGroup(ctx, w, base)
	if err != nil {
		return nil, err
	}
	report.Group = group

	handle, err := o.controller.Acquire(ctx, group, id, cancelInProgress)
	if err != nil {
		logger.Info("run cancelled before start", "group", group, "reason", err)
		report.Status = status.StatusCancelled
		report.Reason = err.Error()
		report.FinishedAt = o.now()
		return report, o.finish(report)
	}
	defer handle.Release()
	runCtx := handle.Context()

	report.Status = status.StatusRunning
	if o.printer != nil {
		o.printer.RunStarted(report)
	}
	logger.Info("run started", "group", group, "jobs", len(w.Jobs))

	d := &dispatch{
		o:      o,
		w:      w,
		runID:  id,
		base:   base,
		done:   make(map[string]chan struct{}, len(w.Jobs)),
		result: make(map[string]*jobResult, len(w.Jobs)),
	}
	for _, j := range w.Jobs {
		d.done[j.ID] = make(chan struct{})
	}

	var g errgroup.Group
	for _, j := range w.Jobs {
		g.Go(func() error {
			defer close(d.done[j.ID])
			d.runJob(runCtx, j)
			return nil
		})
	}
	g.Wait()

	statuses := make([]status.Status, 0, len(w.Jobs))
	for _, j := range w.Jobs {
		r := d.result[j.ID]
		report.Jobs = append(report.Jobs, r.report)
		statuses = append(statuses, r.effective())
	}
	report.Status = status.Aggregate(statuses...)
	if runCtx.Err() != nil {
		if cause := context.Cause(runCtx); cause != nil {
			report.Reason = cause.Error()
			if report.Status != status.StatusFailed {
				report.Status = status.StatusCancelled
			}
		}
	}
	report.FinishedAt = o.now()
	logger.Info("run finished", "status", report.Status, "duration", report.Duration())

	return report, o.finish(report)
}

func (o *Orchestrator) finish(report *status.RunReport) error {
	if o.printer != nil {
		o.printer.RunFinished(report)
	}
	if o.reports == nil {
		return nil
	}
	if err := o.reports.Write(report); err != nil {
		return fmt.Errorf("failed to write run report: %w", err)
	}
	return nil
}

// concurrencyGroup evaluates the workflow's concurrency settings.
func (o *Orchestrator) concurrencyGroup(ctx context.Context, w *manifest.Workflow, base expr.Context) (string, bool, error) {
	if w.Concurrency == nil {
		return "", false, nil
	}
	ev := o.evaluator(ctx, base)
	group, err := ev.Interpolate(w.Concurrency.Group)
	if err != nil {
		return "", false, fmt.Errorf("concurrency group: %w", err)
	}
	if w.Concurrency.CancelInProgress == "" {
		return group, false, nil
	}
	v, err := ev.Value(w.Concurrency.CancelInProgress)
	if err != nil {
		return "", false, fmt.Errorf("concurrency cancel-in-progress: %w", err)
	}
	return group, expr.Truthy(v), nil
}

// evaluator evaluates run-level expressions. Unresolved references are
// logged as warnings unless strict.
func (o *Orchestrator) evaluator(ctx context.Context, scope expr.Context) *expr.Evaluator {
	ev := expr.NewEvaluator(scope)
	ev.Strict = o.strict
	logger := ctxlog.FromContext(ctx)
	ev.OnUnresolved = func(path string) {
		logger.Warn("unresolved expression reference", "path", path)
	}
	return ev
}

// runContext is the expression context shared by every job of a run.
func runContext(w *manifest.Workflow, ev router.Event, runID string) expr.Context {
	github := ev.Context()
	github["workflow"] = w.Name
	github["run_id"] = runID
	inputs := make(map[string]any, len(ev.Inputs))
	for k, v := range ev.Inputs {
		inputs[k] = v
	}
	return expr.Context{
		"github": github,
		"inputs": inputs,
		"env":    map[string]any{},
	}
}
