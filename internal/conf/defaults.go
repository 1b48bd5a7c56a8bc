package conf

import (
	"runtime"
	"time"

	"github.com/spf13/viper"
)

// DefaultHeudiconvTemplate is the heudiconv invocation used when the user
// supplies no template of their own. Placeholders are filled per
// participant row.
const DefaultHeudiconvTemplate = "heudiconv -d '{dicom_directory}' -s {subject_id} -ss {session_id} " +
	"-o {output_directory} -f {heuristic} -c dcm2niix -b"

// setDefaultConfig registers default values for all settings.
func setDefaultConfig() {
	viper.SetDefault("debug", false)

	viper.SetDefault("main.name", "yyprep")
	viper.SetDefault("main.log.enabled", false)
	viper.SetDefault("main.log.path", "yyprep.log")

	viper.SetDefault("convert.commandtemplate", DefaultHeudiconvTemplate)
	viper.SetDefault("convert.overwrite", false)

	viper.SetDefault("fieldmap.skip", false)
	viper.SetDefault("fieldmap.overwrite", false)
	viper.SetDefault("fieldmap.dryrun", false)
	viper.SetDefault("fieldmap.writeempty", false)
	viper.SetDefault("fieldmap.targetdatatypes", []string{"func"})
	viper.SetDefault("fieldmap.magnitudewindow", 5*time.Minute)

	viper.SetDefault("fmriprep.dockerimage", "nipreps/fmriprep:latest")
	viper.SetDefault("fmriprep.outputspaces", []string{"MNI152NLin2009cAsym:res-2"})
	viper.SetDefault("fmriprep.lowmem", false)
	viper.SetDefault("fmriprep.skipbidsvalidation", false)

	viper.SetDefault("batch.workers", runtime.NumCPU())
	viper.SetDefault("batch.unittimeout", 0*time.Second)
	viper.SetDefault("batch.logdb", "")
}
