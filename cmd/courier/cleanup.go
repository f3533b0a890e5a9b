package main

import (
	"encoding/json"
	"os"
	"time"

	"github.com/spf13/cobra"

	"courier/internal/service"
)

var (
	cleanupDryRun bool
	cleanupMinAge time.Duration
	cleanupCmd    = &cobra.Command{
		Use:   "cleanup",
		Short: "Remove uploaded files no recorded request references",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap()
			if err != nil {
				return err
			}
			defer a.shutdown()

			result, err := service.CleanupOrphanFiles(cmd.Context(), a.queries, a.fileStorage, service.CleanupOptions{
				DryRun: cleanupDryRun,
				MinAge: cleanupMinAge,
				Logger: a.logger.Named("cleanup"),
			})
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(result)
		},
	}
)

func init() {
	cleanupCmd.Flags().BoolVar(&cleanupDryRun, "dry-run", false, "report orphans without deleting them")
	cleanupCmd.Flags().DurationVar(&cleanupMinAge, "min-age", time.Hour, "keep uploads younger than this")
}
