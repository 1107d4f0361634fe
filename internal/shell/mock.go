package shell

import (
	"context"
	"strings"
	"sync"
)

// MockExecutor implements [Executor] for testing.
//
// It records every command and answers with OnRun when set. Without
// OnRun, every command prints its script lines and exits 0.
type MockExecutor struct {
	// OnRun decides the outcome of a command. emit sends an output line.
	OnRun func(ctx context.Context, cmd Command, emit func(string)) (int, error)

	mu       sync.Mutex
	commands []Command
}

// Run records cmd and delegates to OnRun.
func (m *MockExecutor) Run(ctx context.Context, cmd Command, output func(Line)) (int, error) {
	m.mu.Lock()
	m.commands = append(m.commands, cmd)
	m.mu.Unlock()

	n := 0
	emit := func(text string) {
		n++
		if output != nil {
			output(Line{Number: n, Text: text})
		}
	}

	if m.OnRun != nil {
		return m.OnRun(ctx, cmd, emit)
	}
	for _, line := range strings.Split(strings.TrimRight(cmd.Script, "\n"), "\n") {
		emit(line)
	}
	return 0, nil
}

// Commands returns a copy of the recorded commands in call order.
func (m *MockExecutor) Commands() []Command {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Command(nil), m.commands...)
}

// Scripts returns the recorded scripts in call order.
func (m *MockExecutor) Scripts() []string {
	cmds := m.Commands()
	scripts := make([]string, len(cmds))
	for i, c := range cmds {
		scripts[i] = c.Script
	}
	return scripts
}
