// Package convert implements the DICOM to BIDS conversion subcommand.
package convert

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/yalab/yyprep/internal/conf"
	"github.com/yalab/yyprep/internal/heudiconv"
	"github.com/yalab/yyprep/internal/participants"
)

// Command creates the convert command, which runs heudiconv once per
// participant table row.
func Command(settings *conf.Settings) *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "convert [participants.csv]",
		Short: "Convert DICOM series to BIDS via heudiconv",
		Long: `Convert runs heudiconv for every row of the participant table,
turning the listed DICOM directories into a BIDS dataset under the
configured BIDS root.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			table, err := participants.Load(args[0])
			if err != nil {
				return err
			}
			return heudiconv.Convert(cmd.Context(), settings, table, dryRun)
		},
	}

	cmd.Flags().StringVarP(&settings.Convert.Heuristic, "heuristic", "f", viper.GetString("convert.heuristic"), "Path to the heudiconv heuristic file")
	cmd.Flags().BoolVar(&settings.Convert.Overwrite, "overwrite", viper.GetBool("convert.overwrite"), "Pass --overwrite to heudiconv")
	cmd.Flags().BoolVarP(&dryRun, "dry-run", "n", false, "Print the commands without running them")

	return cmd
}
