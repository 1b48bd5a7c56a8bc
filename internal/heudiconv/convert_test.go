package heudiconv

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yalab/yyprep/internal/conf"
	"github.com/yalab/yyprep/internal/participants"
)

func convertSettings(t *testing.T, heuristic string) *conf.Settings {
	t.Helper()
	return &conf.Settings{
		BIDSDir: "/data/bids",
		Convert: conf.ConvertSettings{
			Heuristic:       heuristic,
			CommandTemplate: conf.DefaultHeudiconvTemplate,
		},
	}
}

func TestBuildCommand(t *testing.T) {
	t.Parallel()

	settings := convertSettings(t, "/heuristics/study.py")
	row := participants.Row{Subject: "001", Session: "baseline", DICOMPath: "/dicom/001"}

	cmd := BuildCommand(settings, row)
	assert.Equal(t,
		"heudiconv -d '/dicom/001' -s 001 -ss baseline -o /data/bids -f /heuristics/study.py -c dcm2niix -b",
		cmd)
}

func TestBuildCommandSessionless(t *testing.T) {
	t.Parallel()

	settings := convertSettings(t, "/heuristics/study.py")
	row := participants.Row{Subject: "001", DICOMPath: "/dicom/001"}

	cmd := BuildCommand(settings, row)
	assert.NotContains(t, cmd, "-ss")
	assert.Contains(t, cmd, "-s 001")
}

func TestBuildCommandOverwrite(t *testing.T) {
	t.Parallel()

	settings := convertSettings(t, "/heuristics/study.py")
	settings.Convert.Overwrite = true
	row := participants.Row{Subject: "001", Session: "01", DICOMPath: "/dicom/001"}

	assert.Contains(t, BuildCommand(settings, row), " --overwrite")
}

func TestConvertMissingHeuristicFails(t *testing.T) {
	t.Parallel()

	settings := convertSettings(t, filepath.Join(t.TempDir(), "missing.py"))
	table := &participants.Table{Rows: []participants.Row{{Subject: "001"}}}

	err := Convert(context.Background(), settings, table, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "heuristic file not found")
}

func TestConvertNoHeuristicConfigured(t *testing.T) {
	t.Parallel()

	settings := convertSettings(t, "")
	table := &participants.Table{Rows: []participants.Row{{Subject: "001"}}}

	err := Convert(context.Background(), settings, table, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no heuristic file configured")
}

func TestConvertDryRunExecutesNothing(t *testing.T) {
	t.Parallel()

	heuristic := filepath.Join(t.TempDir(), "study_heuristic.py")
	require.NoError(t, os.WriteFile(heuristic, []byte("def infotodict(s): pass\n"), 0o644))

	settings := convertSettings(t, heuristic)
	// A command guaranteed to fail if it ever ran.
	settings.Convert.CommandTemplate = "exit 1 # {dicom_directory} {subject_id} {output_directory} {heuristic}"

	table := &participants.Table{Rows: []participants.Row{
		{Subject: "001", Session: "01", DICOMPath: "/dicom/001"},
	}}

	assert.NoError(t, Convert(context.Background(), settings, table, true))
}
