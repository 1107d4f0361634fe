// Package shell runs step scripts as child processes.
//
// A script is written to a temporary file and invoked through a shell
// [Dialect], the same way hosted CI runners do it: bash runs with
// `-eo pipefail`, sh with `-e`, and custom shells are command templates
// containing {0}. Steps of container jobs are wrapped in `docker run`.
//
// The process exit code is the only success signal. Every process runs in
// its own process group so cancellation reaches the whole tree: the group
// receives SIGTERM, then SIGKILL after a grace period.
//
// Key types:
//   - [Executor]: Interface for running a [Command]
//   - [DefaultExecutor]: Runs real processes
//   - [Parser]: Splits combined stdout/stderr into [Line] values
//
// For testing, use [MockExecutor] which implements [Executor] without
// spawning real processes.
package shell

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"
)

// Command is one script invocation.
type Command struct {
	// Script is the literal script body.
	Script string

	// Shell is a dialect name or a {0} command template. Empty means bash.
	Shell string

	// Dir is the working directory. Relative to the process cwd when not absolute.
	Dir string

	// Env is layered on top of the executor's base environment.
	Env map[string]string

	// Container runs the script inside an image when set.
	Container *Container
}

// Executor runs commands.
type Executor interface {
	// Run executes cmd and calls output for every line of combined
	// stdout/stderr. A non-zero exit is reported through the exit code with
	// a nil error; the error is reserved for processes that could not be
	// started or were interrupted by ctx.
	Run(ctx context.Context, cmd Command, output func(Line)) (exitCode int, err error)
}

// DefaultExecutor implements [Executor] with os/exec.
type DefaultExecutor struct {
	// TempDir holds the script files. Defaults to os.TempDir().
	TempDir string

	// GracePeriod is the delay between SIGTERM and SIGKILL on cancellation.
	GracePeriod time.Duration

	// BaseEnv is the environment every command starts from. Nil means
	// the current process environment.
	BaseEnv []string

	// Docker is the container CLI used for container jobs. Defaults to "docker".
	Docker string

	// Parser splits the output stream. Defaults to [NewParser].
	Parser Parser
}

// NewExecutor creates a [DefaultExecutor] writing scripts to tempDir.
func NewExecutor(tempDir string) *DefaultExecutor {
	return &DefaultExecutor{
		TempDir:     tempDir,
		GracePeriod: 5 * time.Second,
		Docker:      "docker",
		Parser:      NewParser(),
	}
}

// Run writes the script to a temp file, starts it and streams its output.
func (e *DefaultExecutor) Run(ctx context.Context, c Command, output func(Line)) (int, error) {
	dialect, err := ResolveDialect(c.Shell)
	if err != nil {
		return -1, err
	}

	tempDir := e.TempDir
	if tempDir == "" {
		tempDir = os.TempDir()
	}
	if err := os.MkdirAll(tempDir, 0o755); err != nil {
		return -1, fmt.Errorf("failed to create temp dir: %w", err)
	}

	scriptPath, err := writeScript(tempDir, dialect.Ext, c.Script)
	if err != nil {
		return -1, err
	}
	defer os.Remove(scriptPath)

	argv := dialect.Argv(scriptPath)
	env := e.environ(c.Env)
	dir := c.Dir
	if c.Container != nil {
		docker := e.Docker
		if docker == "" {
			docker = "docker"
		}
		argv = c.Container.Wrap(docker, dialect, scriptPath, tempDir, c.Dir, c.Env)
		dir = ""
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Env = env
	setProcessGroup(cmd, e.GracePeriod)
	cmd.WaitDelay = e.GracePeriod + time.Second

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	parser := e.Parser
	if parser == nil {
		parser = NewParser()
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for line := range parser.Parse(pr) {
			if output != nil {
				output(line)
			}
		}
	}()

	if err := cmd.Start(); err != nil {
		pw.Close()
		<-done
		return -1, fmt.Errorf("failed to start %s: %w", argv[0], err)
	}

	waitErr := cmd.Wait()
	pw.Close()
	<-done

	if ctx.Err() != nil {
		return -1, context.Cause(ctx)
	}
	if waitErr == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, waitErr
}

func (e *DefaultExecutor) environ(overlay map[string]string) []string {
	base := e.BaseEnv
	if base == nil {
		base = os.Environ()
	}
	env := make([]string, 0, len(base)+len(overlay))
	env = append(env, base...)
	for _, k := range sortedKeys(overlay) {
		env = append(env, k+"="+overlay[k])
	}
	return env
}

func writeScript(dir, ext, script string) (string, error) {
	f, err := os.CreateTemp(dir, "step-*"+ext)
	if err != nil {
		return "", fmt.Errorf("failed to create script file: %w", err)
	}
	if _, err := f.WriteString(script); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("failed to write script file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("failed to write script file: %w", err)
	}
	return f.Name(), nil
}
