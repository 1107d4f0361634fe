// Package router decides which workflows fire for an event.
//
// A workflow fires when its `on:` block names the event and every filter
// declared for that event accepts it. Filters follow the usual CI rules:
//   - branches / branches-ignore match the branch of a push, or the base
//     branch of a pull request
//   - tags / tags-ignore match the tag of a push
//   - paths / paths-ignore match the changed files, when they are known
//   - types restricts the activity type (pull_request defaults to opened,
//     synchronize and reopened)
//
// Pattern lists may contain '!' negations; the last matching pattern wins.
// When a push declares only branch filters, tag pushes do not fire, and the
// reverse.
//
// Key types:
//   - [Router] - Selects the workflows triggered by an [Event]
//   - [Event] - The triggering event and its payload
//
// The package-level [Triggered] checks a single workflow.
package router

import (
	"errors"
	"fmt"
	"slices"

	"jobmatrix/internal/glob"
	"jobmatrix/internal/manifest"
)

// Sentinel errors for trigger matching.
var (
	// ErrNotTriggered indicates the workflow does not fire for the event.
	// Callers should skip the workflow, not report it as a failure.
	ErrNotTriggered = errors.New("workflow not triggered")

	// ErrInvalidFilter indicates a malformed pattern in a trigger filter.
	ErrInvalidFilter = errors.New("invalid trigger filter")
)

// defaultPullRequestTypes are the activity types a bare pull_request trigger accepts.
var defaultPullRequestTypes = []string{"opened", "synchronize", "reopened"}

// Router routes events to the workflows they trigger.
type Router struct {
	workflows []*manifest.Workflow
}

// NewRouter creates a [Router] over the given workflows.
func NewRouter(workflows ...*manifest.Workflow) *Router {
	return &Router{workflows: workflows}
}

// Route returns the workflows that fire for ev, in registration order.
//
// A workflow with a malformed filter is reported in the returned error and
// treated as not triggered; the remaining workflows are still routed.
func (r *Router) Route(ev Event) ([]*manifest.Workflow, error) {
	var (
		fired []*manifest.Workflow
		errs  []error
	)
	for _, w := range r.workflows {
		err := Triggered(w, ev)
		switch {
		case err == nil:
			fired = append(fired, w)
		case errors.Is(err, ErrNotTriggered):
		default:
			errs = append(errs, fmt.Errorf("%s: %w", w.Name, err))
		}
	}
	return fired, errors.Join(errs...)
}

// Triggered returns nil when w fires for ev.
//
// Returns an error wrapping [ErrNotTriggered] (with the reason) when it does
// not fire, or [ErrInvalidFilter] when a filter pattern is malformed.
func Triggered(w *manifest.Workflow, ev Event) error {
	tr := w.On.Get(ev.Name)
	if tr == nil {
		return fmt.Errorf("%w: event %q not listed", ErrNotTriggered, ev.Name)
	}
	return matchTrigger(tr, ev)
}

func matchTrigger(tr *manifest.Trigger, ev Event) error {
	if err := matchTypes(tr, ev); err != nil {
		return err
	}

	switch ev.Name {
	case "push":
		if err := matchPushRef(tr, ev); err != nil {
			return err
		}
	case "pull_request", "pull_request_target":
		if err := matchRefFilter("branch", ev.BaseRef, tr.Branches, tr.BranchesIgnore); err != nil {
			return err
		}
	}

	return matchPaths(tr, ev)
}

func matchTypes(tr *manifest.Trigger, ev Event) error {
	types := []string(tr.Types)
	if len(types) == 0 && (ev.Name == "pull_request" || ev.Name == "pull_request_target") {
		types = defaultPullRequestTypes
	}
	if len(types) == 0 || ev.Action == "" {
		return nil
	}
	if !slices.Contains(types, ev.Action) {
		return fmt.Errorf("%w: activity type %q not in %v", ErrNotTriggered, ev.Action, types)
	}
	return nil
}

func matchPushRef(tr *manifest.Trigger, ev Event) error {
	hasBranchFilter := len(tr.Branches) > 0 || len(tr.BranchesIgnore) > 0
	hasTagFilter := len(tr.Tags) > 0 || len(tr.TagsIgnore) > 0

	if tag, ok := ev.Tag(); ok {
		if hasBranchFilter && !hasTagFilter {
			return fmt.Errorf("%w: tag push with only branch filters", ErrNotTriggered)
		}
		return matchRefFilter("tag", tag, tr.Tags, tr.TagsIgnore)
	}

	if hasTagFilter && !hasBranchFilter {
		return fmt.Errorf("%w: branch push with only tag filters", ErrNotTriggered)
	}
	branch, _ := ev.Branch()
	return matchRefFilter("branch", branch, tr.Branches, tr.BranchesIgnore)
}

// matchRefFilter applies an include list or an ignore list to name. An
// empty name (unknown ref) only passes when no filter is declared.
func matchRefFilter(kind, name string, include, ignore []string) error {
	if len(include) > 0 {
		ok, err := matchList(include, name)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s %q does not match %v", ErrNotTriggered, kind, name, include)
		}
	}
	if len(ignore) > 0 {
		ok, err := matchList(ignore, name)
		if err != nil {
			return err
		}
		if ok {
			return fmt.Errorf("%w: %s %q is ignored by %v", ErrNotTriggered, kind, name, ignore)
		}
	}
	return nil
}

// matchPaths fires when any changed file passes the paths filters. Without a
// list of changed files the filters cannot be evaluated and are skipped.
func matchPaths(tr *manifest.Trigger, ev Event) error {
	if len(tr.Paths) == 0 && len(tr.PathsIgnore) == 0 {
		return nil
	}
	if ev.ChangedFiles == nil {
		return nil
	}

	var include, ignore []*glob.Pattern
	var err error
	if include, err = compile(tr.Paths); err != nil {
		return err
	}
	if ignore, err = compile(tr.PathsIgnore); err != nil {
		return err
	}

	for _, file := range ev.ChangedFiles {
		if len(include) > 0 && !glob.MatchAny(include, file) {
			continue
		}
		if len(ignore) > 0 && glob.MatchAny(ignore, file) {
			continue
		}
		return nil
	}
	return fmt.Errorf("%w: no changed file passes the path filters", ErrNotTriggered)
}

func matchList(patterns []string, s string) (bool, error) {
	compiled, err := compile(patterns)
	if err != nil {
		return false, err
	}
	return glob.MatchAny(compiled, s), nil
}

func compile(patterns []string) ([]*glob.Pattern, error) {
	compiled, err := glob.CompileList(patterns)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFilter, err)
	}
	return compiled, nil
}
