package action

import (
	"context"
	"errors"
	"fmt"

	"jobmatrix/internal/artifact"
)

// UploadArtifact stores files under a named artifact of the current run.
type UploadArtifact struct {
	Store *artifact.Store
}

// Run implements [Action]. if-no-files-found selects warn (default),
// error or ignore.
func (u *UploadArtifact) Run(ctx context.Context, call *Call) error {
	if u.Store == nil {
		return errors.New("artifact store is not configured")
	}

	name := call.Input("name", "artifact")
	var paths []string
	for _, p := range call.InputLines("path") {
		paths = append(paths, call.ResolvePath(p))
	}
	if len(paths) == 0 {
		return fmt.Errorf("%s: input %q is required", call.Ref, "path")
	}

	a, err := u.Store.Upload(ctx, call.RunID, name, paths)
	if errors.Is(err, artifact.ErrNoFiles) {
		switch call.Input("if-no-files-found", "warn") {
		case "error":
			return err
		case "ignore":
			return nil
		default:
			call.Logf("Warning: no files were found with the provided path. No artifact will be uploaded.")
			return nil
		}
	}
	if err != nil {
		return err
	}

	call.SetOutput("artifact-id", a.Name)
	call.Logf("Artifact %s uploaded: %d files, %d bytes", a.Name, a.Files, a.Bytes)
	return nil
}
