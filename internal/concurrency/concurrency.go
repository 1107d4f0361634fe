// Package concurrency enforces "one active run per concurrency group".
//
// A [Controller] maps group keys to the run currently active in the group.
// When a new run arrives for an occupied group:
//   - with cancel-in-progress, the active run is asked to cancel and the new
//     run becomes active at once, without waiting for the old one to stop
//   - without it, the new run waits until the active run releases the group;
//     only one run waits per group, a newer waiter supersedes an older one
//
// Cancellation is cooperative: the superseded run's context is cancelled
// with a [SupersededError] cause and its steps stop at the next safe point.
package concurrency

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrCancelledBySupersession is the cause attached to runs cancelled by a
// newer run of the same group.
var ErrCancelledBySupersession = errors.New("cancelled by a newer run in the same concurrency group")

// SupersededError names the run that caused a cancellation. It matches
// [ErrCancelledBySupersession] with errors.Is.
type SupersededError struct {
	Group string
	By    string
}

func (e *SupersededError) Error() string {
	return fmt.Sprintf("cancelled by run %s in concurrency group %q", e.By, e.Group)
}

// Is reports whether target is [ErrCancelledBySupersession].
func (e *SupersededError) Is(target error) bool {
	return target == ErrCancelledBySupersession
}

// Event kinds reported to [Controller.Trace].
const (
	EventActive     = "active"
	EventCancel     = "cancel"
	EventQueued     = "queued"
	EventSuperseded = "superseded"
	EventReleased   = "released"
)

// Controller tracks the active run of each group. The zero value is ready
// to use and is safe for concurrent use.
type Controller struct {
	// Trace, when set, is called for every state change while the
	// controller's lock is held. It must not call back into the controller.
	Trace func(event, group, runID string)

	mu     sync.Mutex
	groups map[string]*groupState
}

type groupState struct {
	active  *Handle
	pending *Handle
}

// Handle is a run's membership in a group.
type Handle struct {
	Group string
	RunID string

	ctx      context.Context
	cancel   context.CancelCauseFunc
	promoted chan struct{}
	c        *Controller
}

// Context is cancelled when the run is superseded or released.
func (h *Handle) Context() context.Context {
	return h.ctx
}

// Release gives up the group and promotes the waiting run, if any. Safe to
// call more than once.
func (h *Handle) Release() {
	if h.c != nil {
		h.c.mu.Lock()
		h.c.releaseLocked(h)
		h.c.mu.Unlock()
	}
	h.cancel(nil)
}

// NewController creates an empty [Controller].
func NewController() *Controller {
	return &Controller{}
}

// Acquire makes runID the active run of group and returns its handle.
//
// An empty group bypasses coordination. Without cancelInProgress, Acquire
// blocks until the group is free; it returns the context's cause if ctx
// ends first or a newer waiter supersedes this one.
func (c *Controller) Acquire(ctx context.Context, group, runID string, cancelInProgress bool) (*Handle, error) {
	hctx, cancel := context.WithCancelCause(ctx)
	h := &Handle{Group: group, RunID: runID, ctx: hctx, cancel: cancel, promoted: make(chan struct{})}
	if group == "" {
		return h, nil
	}
	h.c = c

	c.mu.Lock()
	if c.groups == nil {
		c.groups = make(map[string]*groupState)
	}
	g := c.groups[group]
	if g == nil {
		g = &groupState{}
		c.groups[group] = g
	}

	if g.active == nil {
		g.active = h
		c.trace(EventActive, group, runID)
		c.mu.Unlock()
		return h, nil
	}

	cause := &SupersededError{Group: group, By: runID}
	if g.pending != nil {
		c.trace(EventSuperseded, group, g.pending.RunID)
		g.pending.cancel(cause)
		g.pending = nil
	}

	if cancelInProgress {
		c.trace(EventCancel, group, g.active.RunID)
		g.active.cancel(cause)
		g.active = h
		c.trace(EventActive, group, runID)
		c.mu.Unlock()
		return h, nil
	}

	g.pending = h
	c.trace(EventQueued, group, runID)
	c.mu.Unlock()

	select {
	case <-h.promoted:
		return h, nil
	case <-hctx.Done():
		c.mu.Lock()
		if g.pending == h {
			g.pending = nil
		}
		// Promotion may have raced with cancellation.
		c.releaseLocked(h)
		c.mu.Unlock()
		err := context.Cause(hctx)
		cancel(nil)
		return nil, err
	}
}

// Active returns the run id active in group, or "".
func (c *Controller) Active(group string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if g := c.groups[group]; g != nil && g.active != nil {
		return g.active.RunID
	}
	return ""
}

func (c *Controller) releaseLocked(h *Handle) {
	g := c.groups[h.Group]
	if g == nil || g.active != h {
		return
	}
	g.active = nil
	c.trace(EventReleased, h.Group, h.RunID)

	if next := g.pending; next != nil {
		g.pending = nil
		g.active = next
		c.trace(EventActive, h.Group, next.RunID)
		close(next.promoted)
		return
	}
	delete(c.groups, h.Group)
}

func (c *Controller) trace(event, group, runID string) {
	if c.Trace != nil {
		c.Trace(event, group, runID)
	}
}
