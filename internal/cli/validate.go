package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"jobmatrix/internal/manifest"
	"jobmatrix/internal/matrix"
)

func newValidateCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <workflow.yml|dir>...",
		Short: "Check workflow files",
		Long: `Parse and validate workflow files, including that every job's
matrix expands to at least one instance.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			files, err := workflowFiles(args)
			if err != nil {
				return err
			}

			failed := 0
			for _, path := range files {
				err := validateFile(path)
				app.Printer.Validated(path, err)
				if err != nil {
					failed++
				}
			}
			if failed > 0 {
				return NewExitError(1)
			}
			return nil
		},
	}
}

func validateFile(path string) error {
	w, err := manifest.ReadFromFile(path)
	if err != nil {
		return err
	}
	for _, j := range w.Jobs {
		if _, err := matrix.Expand(j.Strategy); err != nil {
			return fmt.Errorf("job %q: %w", j.ID, err)
		}
	}
	return nil
}

// workflowFiles expands directories into their *.yml and *.yaml files.
func workflowFiles(paths []string) ([]string, error) {
	var files []string
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read workflow: %w", err)
		}
		if !info.IsDir() {
			files = append(files, path)
			continue
		}

		var found []string
		for _, pattern := range []string{"*.yml", "*.yaml"} {
			matches, err := filepath.Glob(filepath.Join(path, pattern))
			if err != nil {
				return nil, err
			}
			found = append(found, matches...)
		}
		sort.Strings(found)
		files = append(files, found...)
	}
	return files, nil
}
