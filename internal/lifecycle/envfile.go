package lifecycle

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
)

// parseEnvFile reads a GITHUB_OUTPUT or GITHUB_ENV style file. Each entry is
// either `name=value` on one line or a heredoc:
//
//	name<<DELIM
//	line 1
//	line 2
//	DELIM
//
// A missing file yields no entries.
func parseEnvFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return parseEnvEntries(string(data))
}

func parseEnvEntries(content string) (map[string]string, error) {
	values := make(map[string]string)
	scanner := bufio.NewScanner(strings.NewReader(content))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSuffix(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}

		eq := strings.Index(line, "=")
		heredoc := strings.Index(line, "<<")
		if heredoc > 0 && (eq < 0 || heredoc < eq) {
			name := line[:heredoc]
			delim := line[heredoc+2:]
			if name == "" || delim == "" {
				return nil, fmt.Errorf("line %d: invalid heredoc header %q", lineNo, line)
			}
			start := lineNo
			var body []string
			closed := false
			for scanner.Scan() {
				lineNo++
				text := strings.TrimSuffix(scanner.Text(), "\r")
				if text == delim {
					closed = true
					break
				}
				body = append(body, text)
			}
			if !closed {
				return nil, fmt.Errorf("line %d: heredoc %q is missing delimiter %q", start, name, delim)
			}
			values[name] = strings.Join(body, "\n")
			continue
		}

		if eq <= 0 {
			return nil, fmt.Errorf("line %d: expected name=value, got %q", lineNo, line)
		}
		values[line[:eq]] = line[eq+1:]
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return values, nil
}

// parsePathFile reads GITHUB_PATH: one directory per line.
func parsePathFile(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	var dirs []string
	for _, line := range strings.Split(string(data), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			dirs = append(dirs, line)
		}
	}
	return dirs, nil
}

// workflowCommand is a stdout line of the form
//
//	::name key=value,key=value::data
//
// the stdout predecessor of the step command files.
type workflowCommand struct {
	name   string
	params map[string]string
	data   string
}

var (
	dataEscapes  = strings.NewReplacer("%0D", "\r", "%0A", "\n", "%25", "%")
	paramEscapes = strings.NewReplacer("%0D", "\r", "%0A", "\n", "%3A", ":", "%2C", ",", "%25", "%")
)

func parseWorkflowCommand(line string) (workflowCommand, bool) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(line), "::")
	if !ok {
		return workflowCommand{}, false
	}
	head, data, ok := strings.Cut(rest, "::")
	if !ok {
		return workflowCommand{}, false
	}
	name, props, _ := strings.Cut(head, " ")
	if name == "" {
		return workflowCommand{}, false
	}

	cmd := workflowCommand{name: name, params: map[string]string{}, data: dataEscapes.Replace(data)}
	for _, prop := range strings.Split(props, ",") {
		if k, v, ok := strings.Cut(strings.TrimSpace(prop), "="); ok && k != "" {
			cmd.params[k] = paramEscapes.Replace(v)
		}
	}
	return cmd, true
}
