// Package cmd assembles the yyprep command line interface.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/yalab/yyprep/cmd/convert"
	"github.com/yalab/yyprep/cmd/fieldmap"
	"github.com/yalab/yyprep/cmd/fmriprep"
	"github.com/yalab/yyprep/internal/conf"
)

// RootCommand creates and returns the root command with all
// subcommands attached.
func RootCommand(settings *conf.Settings) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "yyprep",
		Short: "DICOM to fMRIPrep preprocessing front-end",
		Long: `yyprep drives a BIDS preprocessing pipeline from a participant table:
DICOM to BIDS conversion via heudiconv, fieldmap IntendedFor resolution,
and fMRIPrep execution via fmriprep-docker.`,
		SilenceUsage: true,
	}

	if err := setupFlags(rootCmd, settings); err != nil {
		// Flag binding only fails on programmer error.
		panic(err)
	}

	rootCmd.AddCommand(
		convert.Command(settings),
		fieldmap.Command(settings),
		fmriprep.Command(settings),
	)

	return rootCmd
}

// setupFlags defines the global flags shared by every subcommand.
func setupFlags(rootCmd *cobra.Command, settings *conf.Settings) error {
	rootCmd.PersistentFlags().BoolVarP(&settings.Debug, "debug", "d", viper.GetBool("debug"), "Enable debug output")
	rootCmd.PersistentFlags().StringVarP(&settings.BIDSDir, "bids-dir", "b", viper.GetString("bidsdir"), "Root directory of the BIDS dataset")

	if err := viper.BindPFlags(rootCmd.PersistentFlags()); err != nil {
		return fmt.Errorf("error binding flags: %w", err)
	}
	return nil
}
