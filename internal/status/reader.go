package status

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrReportNotFound is returned by [Reader.Read] for unknown run ids.
var ErrReportNotFound = errors.New("run report not found")

// Reader reads run reports from a state directory.
type Reader struct {
	dir string
}

// NewReader creates a new [Reader] over dir.
func NewReader(dir string) *Reader {
	return &Reader{dir: dir}
}

// Read loads the report with the given run id.
func (r *Reader) Read(id string) (*RunReport, error) {
	data, err := os.ReadFile(filepath.Join(r.dir, id+".yaml"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrReportNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read run report: %w", err)
	}

	var report RunReport
	if err := yaml.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("failed to parse run report %s: %w", id, err)
	}
	return &report, nil
}

// List returns every stored report, most recent first. A missing state
// directory yields an empty list. Unreadable files are skipped.
func (r *Reader) List() ([]*RunReport, error) {
	entries, err := os.ReadDir(r.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state directory: %w", err)
	}

	var reports []*RunReport
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".yaml") {
			continue
		}
		report, err := r.Read(strings.TrimSuffix(name, ".yaml"))
		if err != nil {
			continue
		}
		reports = append(reports, report)
	}

	sort.SliceStable(reports, func(i, j int) bool {
		return reports[i].StartedAt.After(reports[j].StartedAt)
	})
	return reports, nil
}
