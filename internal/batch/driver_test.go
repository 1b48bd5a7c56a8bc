package batch

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/yalab/yyprep/internal/bids"
	"github.com/yalab/yyprep/internal/conf"
	"github.com/yalab/yyprep/internal/datastore"
	"github.com/yalab/yyprep/internal/participants"
)

func testSettings(bidsDir string) *conf.Settings {
	return &conf.Settings{
		BIDSDir: bidsDir,
		Main:    conf.MainSettings{Name: "yyprep-test"},
		Fieldmap: conf.FieldmapSettings{
			TargetDatatypes: []string{"func"},
			MagnitudeWindow: 5 * time.Minute,
		},
		Batch: conf.BatchSettings{Workers: 2},
	}
}

// writeScan creates an imaging file plus its sidecar under dir.
func writeScan(t *testing.T, dir, name string, sidecar map[string]any) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("nifti"), 0o644))
	if sidecar != nil {
		base, _ := bids.SplitExtension(name)
		data, err := json.MarshalIndent(sidecar, "", "    ")
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(dir, base+".json"), data, 0o644))
	}
}

// writeSession lays down a session with one phasediff fieldmap (with
// sidecar unless omitSidecar) and two functional runs.
func writeSession(t *testing.T, root, subject, session string, omitSidecar bool) {
	t.Helper()
	sessionDir := bids.SessionDir(root, subject, session)
	prefix := "sub-" + subject + "_ses-" + session

	var fmapSidecar map[string]any
	if !omitSidecar {
		fmapSidecar = map[string]any{"AcquisitionTime": "09:00:00", "EchoTime1": 0.00492}
	}
	writeScan(t, filepath.Join(sessionDir, "fmap"), prefix+"_phasediff.nii.gz", fmapSidecar)
	writeScan(t, filepath.Join(sessionDir, "func"), prefix+"_task-rest_run-1_bold.nii.gz",
		map[string]any{"AcquisitionTime": "09:05:00"})
	writeScan(t, filepath.Join(sessionDir, "func"), prefix+"_task-rest_run-2_bold.nii.gz",
		map[string]any{"AcquisitionTime": "09:15:00"})
}

func tableOf(rows ...participants.Row) *participants.Table {
	return &participants.Table{Rows: rows}
}

func TestRunHappyPath(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeSession(t, root, "001", "baseline", false)

	driver := NewDriver(testSettings(root))
	summary, err := driver.Run(context.Background(), tableOf(
		participants.Row{Subject: "001", Session: "baseline"},
	))
	require.NoError(t, err)
	require.Len(t, summary.Reports, 1)

	report := summary.Reports[0]
	assert.Equal(t, StatusOK, report.Status)
	assert.Equal(t, 1, report.Groups)
	require.Len(t, report.SidecarsWritten, 1)

	data, err := os.ReadFile(report.SidecarsWritten[0])
	require.NoError(t, err)
	stored := gjson.GetBytes(data, "IntendedFor").Array()
	require.Len(t, stored, 2)
	assert.Equal(t, "ses-baseline/func/sub-001_ses-baseline_task-rest_run-1_bold.nii.gz", stored[0].String())
}

func TestRunSecondPassWritesNothing(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeSession(t, root, "001", "baseline", false)
	table := tableOf(participants.Row{Subject: "001", Session: "baseline"})

	driver := NewDriver(testSettings(root))
	first, err := driver.Run(context.Background(), table)
	require.NoError(t, err)
	require.Len(t, first.Reports[0].SidecarsWritten, 1)
	sidecarPath := first.Reports[0].SidecarsWritten[0]

	before, err := os.ReadFile(sidecarPath)
	require.NoError(t, err)

	second, err := driver.Run(context.Background(), table)
	require.NoError(t, err)
	assert.Empty(t, second.Reports[0].SidecarsWritten)

	after, err := os.ReadFile(sidecarPath)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestRunFailureIsolation(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeSession(t, root, "001", "baseline", true) // fieldmap without sidecar
	writeSession(t, root, "002", "baseline", false)

	driver := NewDriver(testSettings(root))
	summary, err := driver.Run(context.Background(), tableOf(
		participants.Row{Subject: "001", Session: "baseline"},
		participants.Row{Subject: "002", Session: "baseline"},
	))
	require.NoError(t, err)
	require.Len(t, summary.Reports, 2)

	assert.Equal(t, StatusFailed, summary.Reports[0].Status)
	assert.ErrorContains(t, summary.Reports[0].Err, "does not exist")
	assert.Equal(t, StatusOK, summary.Reports[1].Status)
	assert.Equal(t, 1, summary.Succeeded())
	assert.Equal(t, 1, summary.Failed())
}

func TestRunMissingBIDSRootIsBatchFatal(t *testing.T) {
	t.Parallel()

	driver := NewDriver(testSettings(filepath.Join(t.TempDir(), "nonexistent")))
	_, err := driver.Run(context.Background(), tableOf(
		participants.Row{Subject: "001", Session: "baseline"},
	))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BIDS root directory")
}

func TestRunDryRunTouchesNoFiles(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeSession(t, root, "001", "baseline", false)

	settings := testSettings(root)
	settings.Fieldmap.DryRun = true

	driver := NewDriver(settings)
	summary, err := driver.Run(context.Background(), tableOf(
		participants.Row{Subject: "001", Session: "baseline"},
	))
	require.NoError(t, err)

	report := summary.Reports[0]
	require.Len(t, report.SidecarsWritten, 1)

	data, err := os.ReadFile(report.SidecarsWritten[0])
	require.NoError(t, err)
	assert.False(t, gjson.GetBytes(data, "IntendedFor").Exists())
}

func TestRunOverrideRow(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeSession(t, root, "001", "baseline", false)

	driver := NewDriver(testSettings(root))
	summary, err := driver.Run(context.Background(), tableOf(
		participants.Row{
			Subject: "001", Session: "baseline",
			Override: []string{"ses-baseline/func/sub-001_ses-baseline_task-rest_run-2_bold.nii.gz"},
		},
	))
	require.NoError(t, err)

	report := summary.Reports[0]
	require.Equal(t, StatusOK, report.Status)
	require.Len(t, report.SidecarsWritten, 1)

	data, err := os.ReadFile(report.SidecarsWritten[0])
	require.NoError(t, err)
	stored := gjson.GetBytes(data, "IntendedFor").Array()
	require.Len(t, stored, 1)
	assert.Equal(t, "ses-baseline/func/sub-001_ses-baseline_task-rest_run-2_bold.nii.gz", stored[0].String())
}

func TestRunMissingSessionDirIsNotAnError(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sub-001"), 0o755))

	driver := NewDriver(testSettings(root))
	summary, err := driver.Run(context.Background(), tableOf(
		participants.Row{Subject: "001", Session: "missing"},
	))
	require.NoError(t, err)
	assert.Equal(t, StatusOK, summary.Reports[0].Status)
	assert.Zero(t, summary.Reports[0].Groups)
}

func TestRunPersistsRunLog(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeSession(t, root, "001", "baseline", false)

	settings := testSettings(root)
	settings.Batch.LogDB = filepath.Join(t.TempDir(), "runs.db")

	driver := NewDriver(settings)
	summary, err := driver.Run(context.Background(), tableOf(
		participants.Row{Subject: "001", Session: "baseline"},
	))
	require.NoError(t, err)

	store, err := datastore.Open(settings.Batch.LogDB)
	require.NoError(t, err)
	defer store.Close()

	runs, err := store.Runs()
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, summary.RunID, runs[0].ID)
	assert.Equal(t, 1, runs[0].Succeeded)

	results, err := store.ResultsForRun(summary.RunID)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "001", results[0].Subject)
	assert.Equal(t, "ok", results[0].Status)
}
