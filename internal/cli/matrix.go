package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"jobmatrix/internal/manifest"
	"jobmatrix/internal/matrix"
)

func newMatrixCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "matrix <workflow.yml> [job]",
		Short: "Print the expanded job instances",
		Long: `Expand the strategy matrix of every job, or of the named job, and
print the resulting instances without running anything.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := manifest.ReadFromFile(args[0])
			if err != nil {
				return err
			}

			jobs := w.Jobs
			if len(args) == 2 {
				j := w.Job(args[1])
				if j == nil {
					return fmt.Errorf("workflow %s has no job %q", w.Name, args[1])
				}
				jobs = []*manifest.Job{j}
			}

			for _, j := range jobs {
				cells, err := matrix.Expand(j.Strategy)
				if err != nil {
					return fmt.Errorf("job %q: %w", j.ID, err)
				}
				app.Printer.Matrix(j.ID, cells)
			}
			return nil
		},
	}
}
