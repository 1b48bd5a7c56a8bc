// Package conf defines the application settings and functions to load
// and save them. Settings are resolved from the config file, environment
// variables (YYPREP_ prefix) and command line flags, in that order of
// increasing precedence.
package conf

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// LogSettings controls the optional rotating file log.
type LogSettings struct {
	Enabled bool   // true to write a JSON log file in addition to console output
	Path    string // log file path
}

// MainSettings holds application level settings.
type MainSettings struct {
	Name string      // instance name used in logs and run records
	Log  LogSettings // file log settings
}

// ConvertSettings holds DICOM to BIDS conversion settings.
type ConvertSettings struct {
	Heuristic       string // path to the heudiconv heuristic file
	CommandTemplate string // heudiconv command template with {placeholders}
	Overwrite       bool   // pass --overwrite to heudiconv
}

// FieldmapSettings controls IntendedFor resolution behaviour.
type FieldmapSettings struct {
	Skip            bool          // skip IntendedFor resolution entirely
	Overwrite       bool          // replace a pre-existing non-empty IntendedFor instead of reporting a conflict
	DryRun          bool          // resolve and report but perform no sidecar writes
	WriteEmpty      bool          // write an empty IntendedFor list instead of skipping the sidecar
	TargetDatatypes []string      // datatypes eligible as distortion correction targets
	MagnitudeWindow time.Duration // window for attaching orphan magnitude files to a phase group
}

// FMRIPrepSettings holds fmriprep-docker invocation settings.
type FMRIPrepSettings struct {
	DockerImage        string   // fMRIPrep docker image reference
	OutputSpaces       []string // output spaces for resampling
	FSLicenseFile      string   // path to FreeSurfer license file
	WorkDir            string   // working directory for intermediate files
	NCPUs              int      // number of CPUs, 0 for fMRIPrep default
	OMPThreads         int      // max threads per process, 0 for default
	MemGB              float64  // memory limit in GB, 0 for default
	LowMem             bool     // attempt to reduce memory usage
	BIDSFilterFile     string   // path to BIDS filter file
	SkipBIDSValidation bool     // skip BIDS validation inside fMRIPrep
}

// BatchSettings controls parallel processing of participant units.
type BatchSettings struct {
	Workers     int           // max units processed concurrently
	UnitTimeout time.Duration // per unit timeout, 0 to disable
	LogDB       string        // optional SQLite path for persisted run results
}

// Settings contains all runtime configuration.
type Settings struct {
	Debug bool // enable debug logging

	BIDSDir string // root of the BIDS dataset

	Main     MainSettings
	Convert  ConvertSettings
	Fieldmap FieldmapSettings
	FMRIPrep FMRIPrepSettings
	Batch    BatchSettings
}

var (
	settingsInstance *Settings
	settingsMutex    sync.Mutex
)

// Load reads configuration into a new Settings instance and stores it as
// the package singleton.
func Load() (*Settings, error) {
	settingsMutex.Lock()
	defer settingsMutex.Unlock()

	settings := &Settings{}

	if err := initViper(); err != nil {
		return nil, fmt.Errorf("error initializing viper: %w", err)
	}

	if err := viper.Unmarshal(settings); err != nil {
		return nil, fmt.Errorf("error unmarshaling config into struct: %w", err)
	}

	if err := ValidateSettings(settings); err != nil {
		return nil, fmt.Errorf("error validating settings: %w", err)
	}

	settingsInstance = settings
	return settingsInstance, nil
}

// initViper sets up config file discovery, environment binding and defaults.
func initViper() error {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	configPaths, err := GetDefaultConfigPaths()
	if err != nil {
		return err
	}
	for _, path := range configPaths {
		viper.AddConfigPath(path)
	}

	viper.SetEnvPrefix("yyprep")
	viper.AutomaticEnv()

	setDefaultConfig()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
		// No config file is fine, defaults plus flags apply.
	}

	return nil
}

// GetDefaultConfigPaths returns the directories searched for config.yaml,
// most specific first.
func GetDefaultConfigPaths() ([]string, error) {
	paths := []string{"."}
	if configDir, err := os.UserConfigDir(); err == nil {
		paths = append(paths, filepath.Join(configDir, "yyprep"))
	}
	if homeDir, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(homeDir, ".config", "yyprep"))
	}
	return paths, nil
}

// Setting returns the current settings instance, loading it on first use.
func Setting() *Settings {
	settingsMutex.Lock()
	loaded := settingsInstance != nil
	settingsMutex.Unlock()

	if !loaded {
		if _, err := Load(); err != nil {
			panic(fmt.Sprintf("settings load failed: %v", err))
		}
	}
	return settingsInstance
}

// SaveYAMLConfig writes settings to the given path as YAML. The write is
// atomic, a temp file in the target directory is renamed into place.
func SaveYAMLConfig(configPath string, settings *Settings) error {
	data, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("error marshaling settings to YAML: %w", err)
	}

	dir := filepath.Dir(configPath)
	tmp, err := os.CreateTemp(dir, ".config-*.yaml")
	if err != nil {
		return fmt.Errorf("error creating temporary config file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("error writing temporary config file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("error closing temporary config file: %w", err)
	}
	if err := os.Rename(tmpName, configPath); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("error replacing config file: %w", err)
	}
	return nil
}
