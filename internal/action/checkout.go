package action

import (
	"context"
	"fmt"
	"os"
)

// checkout prepares the workspace. Runs operate on a local working tree,
// so the action only makes sure the target directory exists and reports it.
func checkout(ctx context.Context, call *Call) error {
	dir := call.Workspace
	if p := call.Input("path", ""); p != "" {
		dir = call.ResolvePath(p)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to prepare checkout directory: %w", err)
	}

	if ref := call.Input("ref", call.Env["GITHUB_REF"]); ref != "" {
		call.SetOutput("ref", ref)
	}
	if sha := call.Env["GITHUB_SHA"]; sha != "" {
		call.SetOutput("commit", sha)
	}
	call.Logf("Using local working tree %s", dir)
	return nil
}
