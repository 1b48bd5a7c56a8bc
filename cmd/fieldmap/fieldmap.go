// Package fieldmap implements the IntendedFor resolution subcommand.
package fieldmap

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/yalab/yyprep/internal/batch"
	"github.com/yalab/yyprep/internal/conf"
	"github.com/yalab/yyprep/internal/participants"
)

// Command creates the fieldmap command, which resolves IntendedFor
// associations for every participant table row.
func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fieldmap [participants.csv]",
		Short: "Resolve fieldmap IntendedFor associations",
		Long: `Fieldmap catalogs each listed session, classifies its fieldmap
acquisitions, associates them with the scans they correct, and writes
the resulting IntendedFor lists into the fieldmap sidecars.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if settings.Fieldmap.Skip {
				fmt.Println("fieldmap resolution skipped")
				return nil
			}

			table, err := participants.Load(args[0])
			if err != nil {
				return err
			}

			driver := batch.NewDriver(settings)
			summary, err := driver.Run(cmd.Context(), table)
			if err != nil {
				return err
			}

			printSummary(summary, settings.Fieldmap.DryRun)

			if failed := summary.Failed(); failed > 0 {
				return fmt.Errorf("%d of %d units failed", failed, len(summary.Reports))
			}
			return nil
		},
	}

	setupFlags(cmd, settings)
	return cmd
}

// setupFlags configures flags specific to the fieldmap command.
func setupFlags(cmd *cobra.Command, settings *conf.Settings) {
	cmd.Flags().BoolVar(&settings.Fieldmap.Skip, "skip", viper.GetBool("fieldmap.skip"), "Skip IntendedFor resolution entirely")
	cmd.Flags().BoolVar(&settings.Fieldmap.Overwrite, "overwrite", viper.GetBool("fieldmap.overwrite"), "Replace a differing pre-existing IntendedFor")
	cmd.Flags().BoolVarP(&settings.Fieldmap.DryRun, "dry-run", "n", viper.GetBool("fieldmap.dryrun"), "Report the resolution without writing sidecars")
	cmd.Flags().BoolVar(&settings.Fieldmap.WriteEmpty, "write-empty", viper.GetBool("fieldmap.writeempty"), "Write empty IntendedFor lists instead of skipping them")
	cmd.Flags().StringSliceVar(&settings.Fieldmap.TargetDatatypes, "target-datatypes", viper.GetStringSlice("fieldmap.targetdatatypes"), "Datatypes eligible as correction targets")
	cmd.Flags().IntVarP(&settings.Batch.Workers, "workers", "j", viper.GetInt("batch.workers"), "Max units processed concurrently")
	cmd.Flags().DurationVar(&settings.Batch.UnitTimeout, "unit-timeout", viper.GetDuration("batch.unittimeout"), "Per unit timeout, 0 to disable")
	cmd.Flags().StringVar(&settings.Batch.LogDB, "log-db", viper.GetString("batch.logdb"), "SQLite path for persisted run results")
}

// printSummary writes the per-unit outcome table to stdout.
func printSummary(summary *batch.Summary, dryRun bool) {
	if dryRun {
		fmt.Println("dry run, no sidecars were written")
	}
	for i := range summary.Reports {
		report := &summary.Reports[i]
		switch report.Status {
		case batch.StatusOK:
			fmt.Printf("%s: ok, %d group(s), %d sidecar(s) written, %d warning(s) [%s]\n",
				report.Unit(), report.Groups, len(report.SidecarsWritten),
				len(report.Warnings), report.Duration.Round(time.Millisecond))
		case batch.StatusFailed:
			fmt.Printf("%s: FAILED: %v\n", report.Unit(), report.Err)
		}
		for _, warning := range report.Warnings {
			fmt.Printf("  warning: %s\n", warning)
		}
	}
	fmt.Printf("run %s: %d succeeded, %d failed, %d warning(s)\n",
		summary.RunID, summary.Succeeded(), summary.Failed(), summary.WarningCount())
}
