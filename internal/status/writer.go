package status

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Writer writes run reports to a state directory.
type Writer struct {
	dir string
}

// NewWriter creates a new Writer storing reports under dir.
func NewWriter(dir string) *Writer {
	return &Writer{
		dir: dir,
	}
}

// Write stores the report as <dir>/<id>.yaml.
func (w *Writer) Write(report *RunReport) error {
	if report.ID == "" {
		return fmt.Errorf("run report has no id")
	}
	if !report.Status.IsValid() {
		return fmt.Errorf("invalid status: %s", report.Status)
	}

	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	data, err := yaml.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to marshal run report: %w", err)
	}

	// Write atomically (write to temp, then rename)
	fullPath := filepath.Join(w.dir, report.ID+".yaml")
	tmpPath := fullPath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write run report: %w", err)
	}

	if err := os.Rename(tmpPath, fullPath); err != nil {
		// Clean up temp file on rename failure
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write run report: %w", err)
	}

	return nil
}
