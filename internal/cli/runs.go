package cli

import (
	"github.com/spf13/cobra"
)

func newRunsCommand(app *App) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "runs [run-id]",
		Short: "List recorded runs",
		Long: `List the recorded run reports, most recent first. With a run id,
print the summary of that run and its artifacts.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				report, err := app.Runs.Read(args[0])
				if err != nil {
					return err
				}
				app.Printer.RunFinished(report)
				if app.Artifacts != nil {
					artifacts, err := app.Artifacts.List(report.ID)
					if err != nil {
						return err
					}
					app.Printer.Artifacts(artifacts)
				}
				return nil
			}

			reports, err := app.Runs.List()
			if err != nil {
				return err
			}
			if limit > 0 && len(reports) > limit {
				reports = reports[:limit]
			}
			app.Printer.Runs(reports)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of runs to list (0 lists all)")
	return cmd
}
