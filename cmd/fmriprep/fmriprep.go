// Package fmriprep implements the fMRIPrep execution subcommand.
package fmriprep

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/yalab/yyprep/internal/conf"
	runner "github.com/yalab/yyprep/internal/fmriprep"
	"github.com/yalab/yyprep/internal/participants"
)

// Command creates the fmriprep command, which preprocesses the subjects
// listed in the participant table via fmriprep-docker.
func Command(settings *conf.Settings) *cobra.Command {
	var (
		labels   []string
		sessions []string
		tasks    []string
		dryRun   bool
	)

	cmd := &cobra.Command{
		Use:   "fmriprep [participants.csv] [output_dir]",
		Short: "Run fMRIPrep via fmriprep-docker",
		Long: `Fmriprep launches fmriprep-docker over the configured BIDS dataset
for the subjects listed in the participant table, writing derivatives
to the given output directory.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			table, err := participants.Load(args[0])
			if err != nil {
				return err
			}

			if len(labels) == 0 {
				labels = runner.ParticipantLabels(table)
			}

			return runner.Run(cmd.Context(), settings, runner.Options{
				OutputDir:    args[1],
				Participants: labels,
				Sessions:     sessions,
				Tasks:        tasks,
				DryRun:       dryRun,
			})
		},
	}

	cmd.Flags().StringSliceVar(&labels, "participant-label", nil, "Subjects to process, default all table subjects")
	cmd.Flags().StringSliceVar(&sessions, "session-id", nil, "Restrict processing to these sessions")
	cmd.Flags().StringSliceVarP(&tasks, "task", "t", nil, "Restrict processing to these tasks")
	cmd.Flags().BoolVarP(&dryRun, "dry-run", "n", false, "Print the command without running it")

	cmd.Flags().StringVar(&settings.FMRIPrep.DockerImage, "image", viper.GetString("fmriprep.dockerimage"), "fMRIPrep docker image")
	cmd.Flags().StringSliceVar(&settings.FMRIPrep.OutputSpaces, "output-spaces", viper.GetStringSlice("fmriprep.outputspaces"), "Output spaces for resampling")
	cmd.Flags().StringVar(&settings.FMRIPrep.FSLicenseFile, "fs-license-file", viper.GetString("fmriprep.fslicensefile"), "Path to the FreeSurfer license file")
	cmd.Flags().StringVarP(&settings.FMRIPrep.WorkDir, "work-dir", "w", viper.GetString("fmriprep.workdir"), "Working directory for intermediate files")
	cmd.Flags().IntVar(&settings.FMRIPrep.NCPUs, "n-cpus", viper.GetInt("fmriprep.ncpus"), "Number of CPUs, 0 for the fMRIPrep default")
	cmd.Flags().IntVar(&settings.FMRIPrep.OMPThreads, "omp-nthreads", viper.GetInt("fmriprep.ompthreads"), "Max threads per process, 0 for the default")
	cmd.Flags().Float64Var(&settings.FMRIPrep.MemGB, "mem-gb", viper.GetFloat64("fmriprep.memgb"), "Memory limit in GB, 0 for the default")
	cmd.Flags().BoolVar(&settings.FMRIPrep.LowMem, "low-mem", viper.GetBool("fmriprep.lowmem"), "Attempt to reduce memory usage")
	cmd.Flags().StringVar(&settings.FMRIPrep.BIDSFilterFile, "bids-filter-file", viper.GetString("fmriprep.bidsfilterfile"), "Path to a BIDS filter file")
	cmd.Flags().BoolVar(&settings.FMRIPrep.SkipBIDSValidation, "skip-bids-validation", viper.GetBool("fmriprep.skipbidsvalidation"), "Skip BIDS validation inside fMRIPrep")

	return cmd
}
