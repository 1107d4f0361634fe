package cli

import (
	"github.com/spf13/cobra"
)

func newCacheCommand(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect or wipe the cache store",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List cache entries, most recent first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := app.Cache.List()
			if err != nil {
				return err
			}
			app.Printer.CacheEntries(entries)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Remove every cache entry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := app.Cache.Clear(); err != nil {
				return err
			}
			app.Printer.Text("Cache cleared.")
			return nil
		},
	})
	return cmd
}
