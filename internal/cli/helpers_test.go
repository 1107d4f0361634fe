package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"jobmatrix/internal/artifact"
	"jobmatrix/internal/cache"
	"jobmatrix/internal/concurrency"
	"jobmatrix/internal/config"
	"jobmatrix/internal/lifecycle"
	"jobmatrix/internal/output"
	"jobmatrix/internal/status"
)

// MockRunner records the instances it was asked to run.
type MockRunner struct {
	// FailJobs lists job ids whose instances fail.
	FailJobs map[string]bool

	mu        sync.Mutex
	instances []*lifecycle.Instance
}

func (m *MockRunner) Run(ctx context.Context, inst *lifecycle.Instance) *lifecycle.Result {
	m.mu.Lock()
	m.instances = append(m.instances, inst)
	m.mu.Unlock()
	if m.FailJobs[inst.Job.ID] {
		return &lifecycle.Result{Status: status.StatusFailed, FailedStep: "Run test", ExitCode: 1}
	}
	return &lifecycle.Result{Status: status.StatusSucceeded}
}

// Names returns the instance names in the order they started.
func (m *MockRunner) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, len(m.instances))
	for i, inst := range m.instances {
		names[i] = inst.Name
	}
	return names
}

// Instances returns a copy of the recorded instances.
func (m *MockRunner) Instances() []*lifecycle.Instance {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*lifecycle.Instance(nil), m.instances...)
}

// MockCacheStore is an in-memory [CacheStore].
type MockCacheStore struct {
	Entries []cache.Entry
	Cleared bool
}

func (m *MockCacheStore) List() ([]cache.Entry, error) {
	return m.Entries, nil
}

func (m *MockCacheStore) Clear() error {
	m.Entries = nil
	m.Cleared = true
	return nil
}

type testApp struct {
	*App
	runner   *MockRunner
	cache    *MockCacheStore
	stateDir string
	out      *bytes.Buffer
}

func setupApp(t *testing.T) *testApp {
	t.Helper()
	buf := &bytes.Buffer{}
	printer := output.NewPrinterWithWriter(buf)
	printer.DisableColor()

	stateDir := t.TempDir()
	runner := &MockRunner{}
	caches := &MockCacheStore{}
	return &testApp{
		App: &App{
			Config:     config.DefaultConfig(),
			Runner:     runner,
			Controller: concurrency.NewController(),
			Reports:    status.NewWriter(stateDir),
			Runs:       status.NewReader(stateDir),
			Cache:      caches,
			Artifacts:  artifact.NewStore(t.TempDir()),
			Printer:    printer,
		},
		runner:   runner,
		cache:    caches,
		stateDir: stateDir,
		out:      buf,
	}
}

// execute runs the root command with args.
func (a *testApp) execute(args ...string) error {
	rootCmd := NewRootCommand(a.App)
	rootCmd.SetOut(a.out)
	rootCmd.SetErr(a.out)
	rootCmd.SetArgs(args)
	return rootCmd.Execute()
}

// writeWorkflow writes a workflow file into dir and returns its path.
func writeWorkflow(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write workflow: %v", err)
	}
	return path
}
