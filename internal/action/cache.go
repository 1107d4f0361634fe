package action

import (
	"context"
	"errors"
	"fmt"

	"jobmatrix/internal/cache"
	"jobmatrix/internal/ctxlog"
	"jobmatrix/internal/status"
)

// Cache implements actions/cache and its restore/save halves on top of
// a [cache.Manager].
type Cache struct {
	Manager *cache.Manager
	Enabled bool
}

type cacheInputs struct {
	key         string
	restoreKeys []string
	paths       []string
	failOnMiss  bool
	lookupOnly  bool
}

func (c *Cache) inputs(call *Call) (cacheInputs, error) {
	key, err := call.RequiredInput("key")
	if err != nil {
		return cacheInputs{}, err
	}
	in := cacheInputs{
		key:         key,
		restoreKeys: call.InputLines("restore-keys"),
		failOnMiss:  call.Input("fail-on-cache-miss", "false") == "true",
		lookupOnly:  call.Input("lookup-only", "false") == "true",
	}
	for _, p := range call.InputLines("path") {
		in.paths = append(in.paths, call.ResolvePath(p))
	}
	if len(in.paths) == 0 {
		return cacheInputs{}, fmt.Errorf("%s: input %q is required", call.Ref, "path")
	}
	return in, nil
}

// Restore restores the cache and sets the cache-hit and cache-matched-key
// outputs. A miss is not an error unless fail-on-cache-miss is set, and an
// unreadable or corrupt entry counts as a miss.
func (c *Cache) Restore(ctx context.Context, call *Call) error {
	_, err := c.restore(ctx, call)
	return err
}

func (c *Cache) restore(ctx context.Context, call *Call) (bool, error) {
	in, err := c.inputs(call)
	if err != nil {
		return false, err
	}
	call.SetOutput("cache-primary-key", in.key)
	call.SetOutput("cache-hit", "false")
	if !c.Enabled {
		call.Logf("Cache disabled, skipping restore of %s", in.key)
		return false, nil
	}

	if in.lookupOnly {
		entry, exact, err := c.Manager.Lookup(in.key, in.restoreKeys)
		if err != nil {
			return false, c.restoreFailed(ctx, call, in, err)
		}
		call.SetOutput("cache-hit", fmt.Sprint(exact))
		call.SetOutput("cache-matched-key", entry.Key)
		return exact, nil
	}

	res, err := c.Manager.Restore(ctx, in.key, in.restoreKeys, in.paths)
	if err != nil {
		return false, c.restoreFailed(ctx, call, in, err)
	}

	call.SetOutput("cache-hit", fmt.Sprint(res.Exact))
	call.SetOutput("cache-matched-key", res.MatchedKey)
	call.Logf("Cache restored from key: %s", res.MatchedKey)
	return res.Exact, nil
}

// restoreFailed downgrades a restore error to a miss. Invalid keys and
// cancellation still fail the step.
func (c *Cache) restoreFailed(ctx context.Context, call *Call, in cacheInputs, err error) error {
	if errors.Is(err, cache.ErrInvalidKey) || ctx.Err() != nil {
		return err
	}
	// A plain miss is not a warning.
	if err != cache.ErrCacheMiss {
		ctxlog.FromContext(ctx).Warn("cache restore failed", "key", in.key, "error", err)
		call.Logf("Warning: failed to restore cache: %v", err)
	}
	return c.miss(call, in)
}

func (c *Cache) miss(call *Call, in cacheInputs) error {
	if in.failOnMiss {
		return fmt.Errorf("%w: %s", cache.ErrCacheMiss, in.key)
	}
	call.Logf("Cache not found for input keys: %s", in.key)
	return nil
}

// Save stores the paths under key immediately.
func (c *Cache) Save(ctx context.Context, call *Call) error {
	in, err := c.inputs(call)
	if err != nil {
		return err
	}
	if !c.Enabled {
		return nil
	}
	if _, err := c.Manager.Save(ctx, in.key, in.paths); err != nil {
		return err
	}
	call.Logf("Cache saved with key: %s", in.key)
	return nil
}

// RestoreAndSave restores now and registers a post-job hook that saves the
// paths when the job succeeded and the restore was not an exact hit.
func (c *Cache) RestoreAndSave(ctx context.Context, call *Call) error {
	exact, err := c.restore(ctx, call)
	if err != nil {
		return err
	}
	if !c.Enabled || exact {
		return nil
	}

	in, _ := c.inputs(call)
	if in.lookupOnly {
		return nil
	}
	call.AddPostHook("Post "+call.Ref.String(), func(ctx context.Context, jobStatus status.Status) error {
		if jobStatus != status.StatusSucceeded {
			call.Logf("Job did not succeed, not saving cache %s", in.key)
			return nil
		}
		if _, err := c.Manager.Save(ctx, in.key, in.paths); err != nil {
			return err
		}
		call.Logf("Cache saved with key: %s", in.key)
		return nil
	})
	return nil
}
