// Package action provides the reusable provisioning actions a step can
// invoke with `uses: owner/name@version`.
//
// Actions are opaque collaborators: the step executor hands them their
// interpolated inputs through a [Call] and reads back outputs, exported
// environment variables, PATH additions and post-job hooks.
//
// Key types:
//   - [Action] - Interface implemented by every action
//   - [Registry] - Resolves an [manifest.ActionRef] to an [Action]
//   - [Call] - One invocation: inputs in, outputs and hooks out
//   - [MockAction] - Test implementation with configurable behavior
//
// [NewDefaultRegistry] registers the built-in actions: checkout,
// setup-python, cache (plus cache/restore and cache/save) and
// upload-artifact.
package action

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"jobmatrix/internal/manifest"
	"jobmatrix/internal/status"
)

// ErrUnknownAction is returned by [Registry.Lookup] for unregistered actions.
var ErrUnknownAction = errors.New("unknown action")

// Action is a reusable provisioning step.
type Action interface {
	// Run performs the action. A returned error fails the step.
	Run(ctx context.Context, call *Call) error
}

// Func adapts a function to [Action].
type Func func(ctx context.Context, call *Call) error

// Run calls f.
func (f Func) Run(ctx context.Context, call *Call) error {
	return f(ctx, call)
}

// PostHook runs after the job's last step, in reverse registration order.
// jobStatus is the job instance's status at that point.
type PostHook struct {
	Name string
	Run  func(ctx context.Context, jobStatus status.Status) error
}

// Call is one action invocation.
type Call struct {
	Ref manifest.ActionRef

	// Inputs are the step's `with:` values after interpolation.
	Inputs map[string]string

	// Env is the effective environment of the step.
	Env map[string]string

	// Workspace is the job's working tree.
	Workspace string

	RunID string

	// Log receives lines for the step log. May be nil.
	Log func(string)

	Outputs   map[string]string
	ExportEnv map[string]string
	Path      []string
	PostHooks []PostHook
}

// NewCall creates a [Call] with initialized output maps.
func NewCall(ref manifest.ActionRef, inputs, env map[string]string, workspace, runID string) *Call {
	if inputs == nil {
		inputs = map[string]string{}
	}
	if env == nil {
		env = map[string]string{}
	}
	return &Call{
		Ref:       ref,
		Inputs:    inputs,
		Env:       env,
		Workspace: workspace,
		RunID:     runID,
		Outputs:   map[string]string{},
		ExportEnv: map[string]string{},
	}
}

// Input returns the trimmed input value, or def when unset or blank.
func (c *Call) Input(name, def string) string {
	if v := strings.TrimSpace(c.Inputs[name]); v != "" {
		return v
	}
	return def
}

// RequiredInput returns the input or an error naming it.
func (c *Call) RequiredInput(name string) (string, error) {
	v := c.Input(name, "")
	if v == "" {
		return "", fmt.Errorf("%s: input %q is required", c.Ref, name)
	}
	return v, nil
}

// InputLines splits a multi-line input, dropping blank lines and comments.
func (c *Call) InputLines(name string) []string {
	var lines []string
	for _, line := range strings.Split(c.Inputs[name], "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	return lines
}

// SetOutput publishes steps.<id>.outputs.<name>.
func (c *Call) SetOutput(name, value string) {
	c.Outputs[name] = value
}

// ExportVariable adds an environment variable for later steps.
func (c *Call) ExportVariable(name, value string) {
	c.ExportEnv[name] = value
}

// AddPath prepends dir to PATH for later steps.
func (c *Call) AddPath(dir string) {
	c.Path = append(c.Path, dir)
}

// AddPostHook registers a hook to run at the end of the job.
func (c *Call) AddPostHook(name string, fn func(ctx context.Context, jobStatus status.Status) error) {
	c.PostHooks = append(c.PostHooks, PostHook{Name: name, Run: fn})
}

// Logf writes a formatted line to the step log.
func (c *Call) Logf(format string, args ...any) {
	if c.Log != nil {
		c.Log(fmt.Sprintf(format, args...))
	}
}

// ResolvePath maps a path input onto the filesystem: "~" expands to the
// home directory and relative paths are taken from the workspace.
func (c *Call) ResolvePath(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			p = filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	if !filepath.IsAbs(p) {
		p = filepath.Join(c.Workspace, p)
	}
	return filepath.Clean(p)
}

// Registry maps action names to implementations. Versions are accepted
// but not distinguished.
type Registry struct {
	mu      sync.RWMutex
	actions map[string]Action
}

// NewRegistry creates an empty [Registry].
func NewRegistry() *Registry {
	return &Registry{actions: make(map[string]Action)}
}

// Register adds or replaces the action for name (e.g. "actions/checkout").
// Names are case-insensitive.
func (r *Registry) Register(name string, a Action) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions[strings.ToLower(name)] = a
}

// Lookup returns the action for ref.
func (r *Registry) Lookup(ref manifest.ActionRef) (Action, error) {
	if ref.Local || ref.Docker {
		return nil, fmt.Errorf("%w: %s (local and docker actions are not supported)", ErrUnknownAction, ref)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.actions[strings.ToLower(ref.Name)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAction, ref)
	}
	return a, nil
}

// Names returns the registered action names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.actions))
	for name := range r.actions {
		names = append(names, name)
	}
	return names
}

// MockAction implements [Action] for testing. It records every call and
// delegates to OnRun when set.
type MockAction struct {
	OnRun func(ctx context.Context, call *Call) error

	mu    sync.Mutex
	calls []*Call
}

// Run records call and delegates to OnRun.
func (m *MockAction) Run(ctx context.Context, call *Call) error {
	m.mu.Lock()
	m.calls = append(m.calls, call)
	m.mu.Unlock()
	if m.OnRun != nil {
		return m.OnRun(ctx, call)
	}
	return nil
}

// Calls returns the recorded calls in order.
func (m *MockAction) Calls() []*Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Call(nil), m.calls...)
}
