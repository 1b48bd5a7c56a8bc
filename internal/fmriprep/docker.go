// Package fmriprep wraps the fmriprep-docker launcher. It only builds
// the argument list and executes the command, preprocessing itself is
// entirely fMRIPrep's business.
package fmriprep

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"

	"github.com/yalab/yyprep/internal/conf"
	"github.com/yalab/yyprep/internal/errors"
	"github.com/yalab/yyprep/internal/logging"
	"github.com/yalab/yyprep/internal/participants"
)

// Options selects what this fmriprep-docker invocation processes.
type Options struct {
	OutputDir    string   // derivatives output directory
	Participants []string // participant labels, empty for all
	Sessions     []string // session filters, empty for all
	Tasks        []string // task filters, empty for all
	DryRun       bool     // print the command instead of running it
}

// ParticipantLabels extracts the deduplicated, sorted subject labels
// from a participant table for use with --participant-label.
func ParticipantLabels(table *participants.Table) []string {
	seen := make(map[string]struct{}, len(table.Rows))
	labels := make([]string, 0, len(table.Rows))
	for _, row := range table.Rows {
		if _, ok := seen[row.Subject]; ok {
			continue
		}
		seen[row.Subject] = struct{}{}
		labels = append(labels, row.Subject)
	}
	sort.Strings(labels)
	return labels
}

// BuildArgs assembles the fmriprep-docker argument list from the
// configured settings and the per-invocation options.
func BuildArgs(settings *conf.Settings, opts Options) []string {
	fp := settings.FMRIPrep

	args := []string{settings.BIDSDir, opts.OutputDir, "participant"}
	if len(opts.Participants) > 0 {
		args = append(args, "--participant-label")
		args = append(args, opts.Participants...)
	}
	for _, session := range opts.Sessions {
		args = append(args, "--session-id", session)
	}
	for _, task := range opts.Tasks {
		args = append(args, "-t", task)
	}
	if len(fp.OutputSpaces) > 0 {
		args = append(args, "--output-spaces")
		args = append(args, fp.OutputSpaces...)
	}
	if fp.FSLicenseFile != "" {
		args = append(args, "--fs-license-file", fp.FSLicenseFile)
	}
	if fp.WorkDir != "" {
		args = append(args, "-w", fp.WorkDir)
	}
	if fp.NCPUs > 0 {
		args = append(args, "--n-cpus", strconv.Itoa(fp.NCPUs))
	}
	if fp.OMPThreads > 0 {
		args = append(args, "--omp-nthreads", strconv.Itoa(fp.OMPThreads))
	}
	if fp.MemGB > 0 {
		args = append(args, "--mem", fmt.Sprintf("%gGB", fp.MemGB))
	}
	if fp.LowMem {
		args = append(args, "--low-mem")
	}
	if fp.BIDSFilterFile != "" {
		args = append(args, "--bids-filter-file", fp.BIDSFilterFile)
	}
	if fp.SkipBIDSValidation {
		args = append(args, "--skip-bids-validation")
	}
	if fp.DockerImage != "" {
		args = append(args, "-i", fp.DockerImage)
	}
	return args
}

// Run launches fmriprep-docker for the given options. Output and work
// directories are created beforehand so Docker does not create them
// root-owned.
func Run(ctx context.Context, settings *conf.Settings, opts Options) error {
	log := logging.ForService("fmriprep")

	if opts.OutputDir == "" {
		return errors.Newf("no output directory given for fMRIPrep").
			Component("fmriprep").
			Category(errors.CategoryConfiguration).
			Build()
	}
	if err := os.MkdirAll(opts.OutputDir, 0o755); err != nil {
		return errors.New(fmt.Errorf("creating output directory: %w", err)).
			Component("fmriprep").
			Category(errors.CategoryFileIO).
			FileContext(opts.OutputDir).
			Build()
	}
	if settings.FMRIPrep.WorkDir != "" {
		if err := os.MkdirAll(settings.FMRIPrep.WorkDir, 0o755); err != nil {
			return errors.New(fmt.Errorf("creating work directory: %w", err)).
				Component("fmriprep").
				Category(errors.CategoryFileIO).
				FileContext(settings.FMRIPrep.WorkDir).
				Build()
		}
	}

	args := BuildArgs(settings, opts)

	if opts.DryRun {
		fmt.Printf("dry run: fmriprep-docker %s\n", strings.Join(args, " "))
		return nil
	}

	log.Info("running fmriprep-docker",
		"participants", len(opts.Participants), "output", opts.OutputDir)

	cmd := exec.CommandContext(ctx, "fmriprep-docker", args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return errors.New(fmt.Errorf("fmriprep-docker failed: %w", err)).
			Component("fmriprep").
			Category(errors.CategoryCommandExecution).
			Context("output_dir", opts.OutputDir).
			Build()
	}
	return nil
}
