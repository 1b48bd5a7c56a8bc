// Package heudiconv wraps the external heudiconv converter that turns
// raw DICOM series into a BIDS dataset. The converter is driven by a
// user-supplied heuristic file; this package only builds and executes
// the command line, it never classifies series itself.
package heudiconv

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/yalab/yyprep/internal/conf"
	"github.com/yalab/yyprep/internal/errors"
	"github.com/yalab/yyprep/internal/logging"
	"github.com/yalab/yyprep/internal/participants"
)

// BuildCommand fills the command template for one participant row.
func BuildCommand(settings *conf.Settings, row participants.Row) string {
	template := settings.Convert.CommandTemplate

	// Session-less rows must not leave a dangling -ss flag behind.
	if row.Session == "" {
		template = strings.ReplaceAll(template, "-ss {session_id} ", "")
		template = strings.ReplaceAll(template, "-ss {session_id}", "")
	}

	replacer := strings.NewReplacer(
		"{dicom_directory}", row.DICOMPath,
		"{subject_id}", row.Subject,
		"{session_id}", row.Session,
		"{output_directory}", settings.BIDSDir,
		"{heuristic}", settings.Convert.Heuristic,
	)
	cmd := replacer.Replace(template)

	if settings.Convert.Overwrite {
		cmd += " --overwrite"
	}
	return cmd
}

// Convert runs the converter for every participant row in table order.
// The first failing row aborts the conversion, resuming a partially
// converted dataset is heudiconv's own job.
func Convert(ctx context.Context, settings *conf.Settings, table *participants.Table, dryRun bool) error {
	log := logging.ForService("heudiconv")

	if settings.Convert.Heuristic == "" {
		return errors.Newf("no heuristic file configured, conversion cannot run").
			Component("heudiconv").
			Category(errors.CategoryConfiguration).
			Build()
	}
	if _, err := os.Stat(settings.Convert.Heuristic); err != nil {
		return errors.Newf("heuristic file not found: %s", settings.Convert.Heuristic).
			Component("heudiconv").
			Category(errors.CategoryNotFound).
			FileContext(settings.Convert.Heuristic).
			Build()
	}

	for _, row := range table.Rows {
		cmdLine := BuildCommand(settings, row)

		if dryRun {
			fmt.Printf("dry run: %s\n", cmdLine)
			continue
		}

		log.Info("running conversion", "unit", row.Unit(), "command", cmdLine)

		// The template is a shell command line, quoting included, so it
		// runs through the shell like the original invocation.
		cmd := exec.CommandContext(ctx, "sh", "-c", cmdLine)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		if err := cmd.Run(); err != nil {
			return errors.New(fmt.Errorf("heudiconv failed for %s: %w", row.Unit(), err)).
				Component("heudiconv").
				Category(errors.CategoryCommandExecution).
				UnitContext(row.Subject, row.Session).
				Context("command", cmdLine).
				Build()
		}
	}

	return nil
}
