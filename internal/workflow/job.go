package workflow

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"jobmatrix/internal/ctxlog"
	"jobmatrix/internal/expr"
	"jobmatrix/internal/lifecycle"
	"jobmatrix/internal/manifest"
	"jobmatrix/internal/matrix"
	"jobmatrix/internal/status"
)

// dispatch is the state of one run's job graph.
type dispatch struct {
	o     *Orchestrator
	w     *manifest.Workflow
	runID string
	base  expr.Context

	// done[id] is closed when job id has a result.
	done map[string]chan struct{}

	mu     sync.Mutex
	result map[string]*jobResult
}

type jobResult struct {
	report status.JobReport

	// continueOnError is set when every failed instance allowed failure.
	continueOnError bool
}

// effective is the status the job contributes to the run. A failed job with
// continue-on-error does not fail the run.
func (r *jobResult) effective() status.Status {
	if r.report.Status == status.StatusFailed && r.continueOnError {
		return status.StatusSucceeded
	}
	return r.report.Status
}

func (d *dispatch) setResult(j *manifest.Job, report status.JobReport, continueOnError bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.result[j.ID] = &jobResult{report: report, continueOnError: continueOnError}
}

func (d *dispatch) getResult(id string) *jobResult {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.result[id]
}

// runJob waits for the job's needs, decides whether it runs and executes
// its matrix instances.
func (d *dispatch) runJob(ctx context.Context, j *manifest.Job) {
	logger := ctxlog.FromContext(ctx).With("job", j.ID)

	for _, need := range j.Needs {
		done, ok := d.done[need]
		if !ok {
			d.failJob(j, fmt.Errorf("job %q needs unknown job %q", j.ID, need))
			return
		}
		<-done
	}

	needs, needsOK, needsFailed := d.needsContext(j)
	jobCtx := d.jobContext(needs)

	run, reason, err := d.shouldRun(ctx, j, jobCtx, needsOK, needsFailed)
	if err != nil {
		d.failJob(j, err)
		return
	}
	if !run {
		logger.Info("job skipped", "reason", reason)
		if d.o.printer != nil {
			d.o.printer.JobSkipped(d.w.Name, j.ID, reason)
		}
		d.setResult(j, status.JobReport{ID: j.ID, Status: status.StatusSkipped}, false)
		return
	}

	cells, err := matrix.Expand(j.Strategy)
	if err != nil {
		d.failJob(j, fmt.Errorf("job %q: %w", j.ID, err))
		return
	}
	failFast, err := j.Strategy.FailFastEnabled(d.o.evaluator(ctx, jobCtx).Interpolate)
	if err != nil {
		d.failJob(j, fmt.Errorf("job %q: evaluating fail-fast: %w", j.ID, err))
		return
	}

	instances := make([]*lifecycle.Instance, len(cells))
	allowFailure := make([]bool, len(cells))
	for i, cell := range cells {
		scope := matrixScope(jobCtx, cell)
		if allowFailure[i], err = j.ContinueOnError.Eval(d.o.evaluator(ctx, scope).Interpolate, false); err != nil {
			d.failJob(j, fmt.Errorf("job %q: evaluating continue-on-error: %w", j.ID, err))
			return
		}
		instances[i] = &lifecycle.Instance{
			RunID:    d.runID,
			Workflow: d.w,
			Job:      j,
			Name:     d.instanceName(ctx, j, cell, scope),
			Cell:     cell,
			Index:    i,
			Total:    len(cells),
			Context:  jobCtx,
		}
	}

	results := d.runInstances(ctx, j, instances, allowFailure, failFast)

	report := status.JobReport{ID: j.ID}
	statuses := make([]status.Status, len(results))
	continueOnError := true
	for i, res := range results {
		report.Instances = append(report.Instances, res.Report(instances[i]))
		statuses[i] = res.Status
		if res.Status == status.StatusFailed && !allowFailure[i] {
			continueOnError = false
		}
		for k, v := range res.Outputs {
			if v == "" {
				continue
			}
			if report.Outputs == nil {
				report.Outputs = map[string]string{}
			}
			report.Outputs[k] = v
		}
	}
	report.Status = status.Aggregate(statuses...)
	logger.Info("job finished", "status", report.Status, "instances", len(results))
	d.setResult(j, report, continueOnError)
}

// runInstances runs the instances concurrently, bounded by max-parallel.
// Under fail-fast the first failure of an instance that does not allow
// failure cancels the remaining instances.
func (d *dispatch) runInstances(ctx context.Context, j *manifest.Job, instances []*lifecycle.Instance, allowFailure []bool, failFast bool) []*lifecycle.Result {
	jobCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	results := make([]*lifecycle.Result, len(instances))

	var g errgroup.Group
	if j.Strategy != nil && j.Strategy.MaxParallel > 0 {
		g.SetLimit(j.Strategy.MaxParallel)
	}
	for i, inst := range instances {
		g.Go(func() error {
			res := d.runInstance(jobCtx, inst)
			results[i] = res
			if failFast && res.Status == status.StatusFailed && !allowFailure[i] {
				cancel(fmt.Errorf("%w: %s failed", ErrCancelledByFailFast, inst.Name))
			}
			return nil
		})
	}
	g.Wait()
	return results
}

func (d *dispatch) runInstance(ctx context.Context, inst *lifecycle.Instance) *lifecycle.Result {
	if slots := d.o.slots; slots != nil {
		if err := slots.Acquire(ctx, 1); err != nil {
			return cancelledResult(ctx)
		}
		defer slots.Release(1)
	}
	if ctx.Err() != nil {
		return cancelledResult(ctx)
	}

	if d.o.printer != nil {
		d.o.printer.InstanceStarted(inst.Name)
	}
	res := d.o.runner.Run(ctx, inst)
	if d.o.printer != nil {
		d.o.printer.InstanceFinished(res.Report(inst))
	}
	return res
}

func cancelledResult(ctx context.Context) *lifecycle.Result {
	cause := context.Cause(ctx)
	return &lifecycle.Result{Status: status.StatusCancelled, Err: cause, Reason: cause.Error()}
}

func (d *dispatch) failJob(j *manifest.Job, err error) {
	d.setResult(j, status.JobReport{
		ID:     j.ID,
		Status: status.StatusFailed,
		Instances: []status.InstanceReport{{
			Name:   j.DisplayName(),
			Status: status.StatusFailed,
			Reason: err.Error(),
		}},
	}, false)
}

// needsContext builds needs.<id>.result and needs.<id>.outputs.
func (d *dispatch) needsContext(j *manifest.Job) (map[string]any, bool, bool) {
	needs := make(map[string]any, len(j.Needs))
	ok, failed := true, false
	for _, id := range j.Needs {
		r := d.getResult(id)
		st := r.effective()
		outputs := make(map[string]any, len(r.report.Outputs))
		for k, v := range r.report.Outputs {
			outputs[k] = v
		}
		needs[id] = map[string]any{
			"result":  st.Conclusion(),
			"outputs": outputs,
		}
		if st != status.StatusSucceeded {
			ok = false
		}
		if st == status.StatusFailed {
			failed = true
		}
	}
	return needs, ok, failed
}

func (d *dispatch) jobContext(needs map[string]any) expr.Context {
	ctx := make(expr.Context, len(d.base)+1)
	for k, v := range d.base {
		ctx[k] = v
	}
	ctx["needs"] = needs
	return ctx
}

// shouldRun evaluates the job's `if:`. Without a status function the
// condition only holds when every needed job succeeded.
func (d *dispatch) shouldRun(ctx context.Context, j *manifest.Job, jobCtx expr.Context, needsOK, needsFailed bool) (bool, string, error) {
	cancelled := func() bool { return ctx.Err() != nil }

	ev := d.o.evaluator(ctx, jobCtx)
	ev.SetFunc("success", func(args ...any) (any, error) { return needsOK && !cancelled(), nil })
	ev.SetFunc("failure", func(args ...any) (any, error) { return needsFailed, nil })
	ev.SetFunc("cancelled", func(args ...any) (any, error) { return cancelled(), nil })
	ev.SetFunc("always", func(args ...any) (any, error) { return true, nil })

	ok, err := ev.Condition(j.If)
	if err != nil {
		return false, "", fmt.Errorf("job %q: evaluating if: %w", j.ID, err)
	}
	if ok {
		return true, "", nil
	}

	switch {
	case cancelled():
		return false, "run cancelled", nil
	case !needsOK && strings.TrimSpace(j.If) == "":
		return false, "needed jobs did not succeed: " + strings.Join(d.unsuccessfulNeeds(j), ", "), nil
	}
	return false, "condition evaluated to false", nil
}

func (d *dispatch) unsuccessfulNeeds(j *manifest.Job) []string {
	var ids []string
	for _, id := range j.Needs {
		if d.getResult(id).effective() != status.StatusSucceeded {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// matrixScope extends the job context with one cell's matrix values.
func matrixScope(jobCtx expr.Context, cell matrix.Cell) expr.Context {
	scope := make(expr.Context, len(jobCtx)+1)
	for k, v := range jobCtx {
		scope[k] = v
	}
	scope["matrix"] = cell.Map()
	return scope
}

// instanceName renders the job name for one cell. A name template with
// expressions is interpolated against the matrix; otherwise the cell's
// values are appended in parentheses.
func (d *dispatch) instanceName(ctx context.Context, j *manifest.Job, cell matrix.Cell, scope expr.Context) string {
	name := j.DisplayName()
	if expr.HasMarkers(name) {
		if s, err := d.o.evaluator(ctx, scope).Interpolate(name); err == nil {
			return s
		}
		return name
	}
	if len(cell.Keys) == 0 {
		return name
	}
	return name + " (" + cell.Label() + ")"
}
