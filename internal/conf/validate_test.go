package conf

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validSettings() *Settings {
	return &Settings{
		Fieldmap: FieldmapSettings{
			TargetDatatypes: []string{"func"},
			MagnitudeWindow: 5 * time.Minute,
		},
		Convert: ConvertSettings{CommandTemplate: DefaultHeudiconvTemplate},
		Batch:   BatchSettings{Workers: 4},
	}
}

func TestValidateSettings(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		mutate        func(*Settings)
		errorContains string
	}{
		{"valid defaults", func(s *Settings) {}, ""},
		{"zero workers", func(s *Settings) { s.Batch.Workers = 0 }, "batch.workers"},
		{"negative timeout", func(s *Settings) { s.Batch.UnitTimeout = -time.Second }, "unittimeout"},
		{"no target datatypes", func(s *Settings) { s.Fieldmap.TargetDatatypes = nil }, "must not be empty"},
		{"fmap as target", func(s *Settings) { s.Fieldmap.TargetDatatypes = []string{"fmap"} }, "must not include fmap"},
		{"unknown datatype", func(s *Settings) { s.Fieldmap.TargetDatatypes = []string{"eeg"} }, "unknown target datatype"},
		{"negative window", func(s *Settings) { s.Fieldmap.MagnitudeWindow = -time.Minute }, "magnitudewindow"},
		{"negative mem", func(s *Settings) { s.FMRIPrep.MemGB = -1 }, "memgb"},
		{"template missing placeholder", func(s *Settings) { s.Convert.CommandTemplate = "heudiconv -d {dicom_directory}" }, "placeholder"},
		{"dwi target allowed", func(s *Settings) { s.Fieldmap.TargetDatatypes = []string{"func", "dwi"} }, ""},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			settings := validSettings()
			tt.mutate(settings)

			err := ValidateSettings(settings)
			if tt.errorContains == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errorContains)
			}
		})
	}
}
