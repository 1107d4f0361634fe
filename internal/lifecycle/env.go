package lifecycle

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"dario.cat/mergo"

	"jobmatrix/internal/cache"
	"jobmatrix/internal/expr"
	"jobmatrix/internal/shell"
)

// Directory inside a container where the step files are mounted.
const containerFileDir = "/__w/_runner_files"

// mergeEnv layers env maps; later layers win, empty values included.
func mergeEnv(layers ...map[string]string) (map[string]string, error) {
	out := map[string]string{}
	for _, layer := range layers {
		if len(layer) == 0 {
			continue
		}
		if err := mergo.Merge(&out, layer, mergo.WithOverwriteWithEmptyValue); err != nil {
			return nil, fmt.Errorf("failed to merge env: %w", err)
		}
	}
	return out, nil
}

// layeredEnv interpolates the workflow env, then the job env on top of it.
// Each level sees the levels below it through the env scope.
func (r *instanceRun) layeredEnv() (map[string]string, error) {
	r.ctx["env"] = map[string]any{}
	wf, err := r.interpolateMap(r.inst.Workflow.Env)
	if err != nil {
		return nil, fmt.Errorf("workflow env: %w", err)
	}

	r.ctx["env"] = toAnyMap(wf)
	job, err := r.interpolateMap(r.inst.Job.Env)
	if err != nil {
		return nil, fmt.Errorf("job env: %w", err)
	}
	return mergeEnv(wf, job)
}

// stepFiles are the per-step command files.
type stepFiles struct {
	output string
	env    string
	path   string
}

func (r *instanceRun) newStepFiles(index int) (stepFiles, error) {
	f := stepFiles{
		output: filepath.Join(r.fileDir, fmt.Sprintf("output_%d", index)),
		env:    filepath.Join(r.fileDir, fmt.Sprintf("env_%d", index)),
		path:   filepath.Join(r.fileDir, fmt.Sprintf("path_%d", index)),
	}
	for _, p := range []string{f.output, f.env, f.path} {
		if err := os.WriteFile(p, nil, 0o666); err != nil {
			return stepFiles{}, fmt.Errorf("failed to create step file: %w", err)
		}
	}
	return f, nil
}

// visible maps a host file path to the path the step process sees.
func (r *instanceRun) visible(hostPath string) string {
	if r.container == nil {
		return hostPath
	}
	return path.Join(containerFileDir, filepath.Base(hostPath))
}

// runnerEnv is the environment every step process receives from the runner.
func (r *instanceRun) runnerEnv(files stepFiles) map[string]string {
	github, _ := r.ctx["github"].(map[string]any)
	env := map[string]string{
		"CI":                "true",
		"GITHUB_ACTIONS":    "true",
		"GITHUB_OUTPUT":     r.visible(files.output),
		"GITHUB_ENV":        r.visible(files.env),
		"GITHUB_PATH":       r.visible(files.path),
		"GITHUB_RUN_ID":     r.inst.RunID,
		"GITHUB_JOB":        r.inst.Job.ID,
		"GITHUB_WORKFLOW":   r.inst.Workflow.Name,
		"GITHUB_WORKSPACE":  r.e.opts.Workspace,
		"RUNNER_OS":         r.e.opts.RunnerOS,
		"RUNNER_TEMP":       r.e.opts.TempDir,
		"JOBMATRIX_RUN_ID":  r.inst.RunID,
		"JOBMATRIX_JOB_IDX": strconv.Itoa(r.inst.Index),
	}
	if r.container != nil {
		env["GITHUB_WORKSPACE"] = shell.ContainerWorkspace
		env["RUNNER_TEMP"] = shell.ContainerTemp
	}
	for key, name := range map[string]string{
		"GITHUB_EVENT_NAME": "event_name",
		"GITHUB_REF":        "ref",
		"GITHUB_REF_NAME":   "ref_name",
		"GITHUB_SHA":        "sha",
		"GITHUB_REPOSITORY": "repository",
		"GITHUB_ACTOR":      "actor",
		"GITHUB_BASE_REF":   "base_ref",
		"GITHUB_HEAD_REF":   "head_ref",
	} {
		if v := expr.ToString(github[name]); v != "" {
			env[key] = v
		}
	}
	return env
}

// withPath prepends the collected PATH additions to the PATH of env or,
// failing that, of the host.
func (r *instanceRun) withPath(env map[string]string) {
	if len(r.paths) == 0 {
		return
	}
	base, ok := env["PATH"]
	if !ok && r.container == nil {
		base = os.Getenv("PATH")
	}
	dirs := make([]string, 0, len(r.paths)+1)
	for i := len(r.paths) - 1; i >= 0; i-- {
		dirs = append(dirs, r.paths[i])
	}
	if base != "" {
		dirs = append(dirs, base)
	}
	env["PATH"] = strings.Join(dirs, string(os.PathListSeparator))
}

// collectFiles reads the command files a step wrote and applies them.
func (r *instanceRun) collectFiles(files stepFiles, outputs map[string]string) error {
	out, err := parseEnvFile(files.output)
	if err != nil {
		return fmt.Errorf("GITHUB_OUTPUT: %w", err)
	}
	for k, v := range out {
		outputs[k] = v
	}

	env, err := parseEnvFile(files.env)
	if err != nil {
		return fmt.Errorf("GITHUB_ENV: %w", err)
	}
	for k, v := range env {
		r.exported[k] = v
	}

	dirs, err := parsePathFile(files.path)
	if err != nil {
		return fmt.Errorf("GITHUB_PATH: %w", err)
	}
	r.paths = append(r.paths, dirs...)
	return nil
}

// applyCommand applies a set-output, set-env or add-path line. It reports
// whether the line was consumed.
func (r *instanceRun) applyCommand(cmd workflowCommand, outputs map[string]string) bool {
	switch cmd.name {
	case "set-output":
		if name := cmd.params["name"]; name != "" {
			outputs[name] = cmd.data
			return true
		}
	case "set-env":
		if name := cmd.params["name"]; name != "" {
			r.exported[name] = cmd.data
			return true
		}
	case "add-path":
		if cmd.data != "" {
			r.paths = append(r.paths, cmd.data)
			return true
		}
	}
	return false
}

func hashFilesFunc(root string) expr.Func {
	return func(args ...any) (any, error) {
		patterns := make([]string, 0, len(args))
		for _, a := range args {
			patterns = append(patterns, expr.ToString(a))
		}
		if len(patterns) == 0 {
			return nil, fmt.Errorf("hashFiles requires at least one pattern")
		}
		return cache.HashFiles(root, patterns...)
	}
}
