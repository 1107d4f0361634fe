package action

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
)

// SetupPython selects a python interpreter from PATH. A requested version
// X.Y is looked up as pythonX.Y, then python3 and python; the chosen
// interpreter's directory is prepended to PATH.
type SetupPython struct {
	LookPath func(file string) (string, error)
}

// Run implements [Action].
func (s *SetupPython) Run(ctx context.Context, call *Call) error {
	lookPath := s.LookPath
	if lookPath == nil {
		lookPath = exec.LookPath
	}

	version := call.Input("python-version", "3")
	path, err := findPython(lookPath, version)
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	call.AddPath(dir)
	call.ExportVariable("pythonLocation", dir)
	call.SetOutput("python-version", version)
	call.SetOutput("python-path", path)
	call.Logf("Using python %s at %s", version, path)
	return nil
}

func findPython(lookPath func(string) (string, error), version string) (string, error) {
	candidates := []string{"python" + version}
	if !strings.HasPrefix(version, "3") && !strings.HasPrefix(version, "2") {
		candidates = nil
	}
	candidates = append(candidates, "python3", "python")

	for _, name := range candidates {
		if path, err := lookPath(name); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("no python interpreter found for version %q (tried %s)", version, strings.Join(candidates, ", "))
}
