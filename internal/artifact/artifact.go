// Package artifact stores files uploaded by the upload-artifact action.
//
// Each run gets its own directory; each artifact is one tar+zstd archive
// named after the artifact. Uploading the same name twice in one run is an
// error, which catches matrix jobs that forgot to put matrix values in the
// artifact name.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"jobmatrix/internal/archive"
	"jobmatrix/internal/ctxlog"
)

var (
	// ErrConflict is returned when an artifact name is already taken in a run.
	ErrConflict = errors.New("artifact already exists")

	// ErrNoFiles is returned when none of the upload paths exist.
	ErrNoFiles = errors.New("no files found for artifact")
)

const extension = ".tar.zst"

// Artifact describes a stored artifact.
type Artifact struct {
	RunID string
	Name  string
	Path  string
	Files int
	Bytes int64
}

// Store keeps artifacts under a root directory.
type Store struct {
	dir string
}

// NewStore creates a [Store] rooted at dir.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Upload archives paths as artifact name of the given run.
func (s *Store) Upload(ctx context.Context, runID, name string, paths []string) (*Artifact, error) {
	if err := validName(name); err != nil {
		return nil, err
	}

	runDir := filepath.Join(s.dir, runID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create artifact directory: %w", err)
	}

	target := filepath.Join(runDir, name+extension)
	f, err := os.OpenFile(target, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("%w: %s", ErrConflict, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create artifact: %w", err)
	}

	stats, err := archive.Create(f, paths)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && stats.Files == 0 {
		err = fmt.Errorf("%w: %v", ErrNoFiles, paths)
	}
	if err != nil {
		os.Remove(target)
		return nil, err
	}

	for _, missing := range stats.Missing {
		ctxlog.FromContext(ctx).Warn("artifact path not found", "artifact", name, "path", missing)
	}

	return &Artifact{RunID: runID, Name: name, Path: target, Files: stats.Files, Bytes: stats.Bytes}, nil
}

// List returns the artifacts of a run sorted by name.
func (s *Store) List(runID string) ([]Artifact, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, runID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var out []Artifact
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), extension) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, Artifact{
			RunID: runID,
			Name:  strings.TrimSuffix(e.Name(), extension),
			Path:  filepath.Join(s.dir, runID, e.Name()),
			Bytes: info.Size(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func validName(name string) error {
	if name == "" {
		return fmt.Errorf("artifact name is empty")
	}
	if strings.ContainsAny(name, `/\:*?"<>|`) {
		return fmt.Errorf("artifact name %q contains invalid characters", name)
	}
	return nil
}
