package conf

import (
	"fmt"
	"sort"
	"strings"
)

// knownDatatypes are the BIDS datatype directories that may hold
// distortion-correctable acquisitions.
var knownDatatypes = map[string]bool{
	"func": true,
	"dwi":  true,
	"perf": true,
	"anat": true,
}

// ValidateSettings checks settings consistency before any work starts.
func ValidateSettings(settings *Settings) error {
	if settings.Batch.Workers < 1 {
		return fmt.Errorf("batch.workers must be at least 1, got %d", settings.Batch.Workers)
	}
	if settings.Batch.UnitTimeout < 0 {
		return fmt.Errorf("batch.unittimeout must not be negative")
	}

	if len(settings.Fieldmap.TargetDatatypes) == 0 {
		return fmt.Errorf("fieldmap.targetdatatypes must not be empty")
	}
	for _, dt := range settings.Fieldmap.TargetDatatypes {
		if dt == "fmap" {
			return fmt.Errorf("fieldmap.targetdatatypes must not include fmap itself")
		}
		if !knownDatatypes[dt] {
			return fmt.Errorf("unknown target datatype %q, expected one of %s",
				dt, strings.Join(datatypeNames(), ", "))
		}
	}

	if settings.Fieldmap.MagnitudeWindow < 0 {
		return fmt.Errorf("fieldmap.magnitudewindow must not be negative")
	}

	if settings.FMRIPrep.NCPUs < 0 || settings.FMRIPrep.OMPThreads < 0 {
		return fmt.Errorf("fmriprep cpu settings must not be negative")
	}
	if settings.FMRIPrep.MemGB < 0 {
		return fmt.Errorf("fmriprep.memgb must not be negative")
	}

	if settings.Convert.CommandTemplate != "" {
		for _, placeholder := range []string{"{dicom_directory}", "{subject_id}", "{output_directory}", "{heuristic}"} {
			if !strings.Contains(settings.Convert.CommandTemplate, placeholder) {
				return fmt.Errorf("convert.commandtemplate is missing required placeholder %s", placeholder)
			}
		}
	}

	return nil
}

func datatypeNames() []string {
	names := make([]string, 0, len(knownDatatypes))
	for name := range knownDatatypes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
