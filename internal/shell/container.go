package shell

import (
	"path"
	"path/filepath"
	"sort"
	"strings"
)

// Paths inside the container where the workspace and the script
// directory are mounted.
const (
	ContainerWorkspace = "/github/workspace"
	ContainerTemp      = "/__w/_temp"
)

// Container is the image a container job's run steps execute in.
type Container struct {
	Image string

	// Options are extra `docker run` flags, split on whitespace.
	Options string

	// Workspace is the host directory mounted at [ContainerWorkspace].
	Workspace string

	Env     map[string]string
	Volumes []string
}

// Wrap returns the `docker run` argv that executes scriptPath (a file in
// hostTemp) with the given dialect. dir is the step working directory,
// relative to the workspace.
func (c *Container) Wrap(docker string, d Dialect, scriptPath, hostTemp, dir string, env map[string]string) []string {
	args := []string{docker, "run", "--rm"}

	workdir := ContainerWorkspace
	if dir != "" {
		if rel, err := filepath.Rel(c.Workspace, dir); err == nil && !strings.HasPrefix(rel, "..") {
			workdir = path.Join(ContainerWorkspace, filepath.ToSlash(rel))
		} else if !filepath.IsAbs(dir) {
			workdir = path.Join(ContainerWorkspace, filepath.ToSlash(dir))
		}
	}

	if c.Workspace != "" {
		args = append(args, "-v", c.Workspace+":"+ContainerWorkspace)
	}
	args = append(args, "-v", hostTemp+":"+ContainerTemp, "-w", workdir)
	for _, v := range c.Volumes {
		args = append(args, "-v", v)
	}

	merged := make(map[string]string, len(c.Env)+len(env))
	for k, v := range c.Env {
		merged[k] = v
	}
	for k, v := range env {
		merged[k] = v
	}
	for _, k := range sortedKeys(merged) {
		args = append(args, "-e", k+"="+merged[k])
	}

	args = append(args, strings.Fields(c.Options)...)
	args = append(args, c.Image)

	inContainer := path.Join(ContainerTemp, filepath.Base(scriptPath))
	return append(args, d.Argv(inContainer)...)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
