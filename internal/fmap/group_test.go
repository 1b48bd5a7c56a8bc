package fmap

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yalab/yyprep/internal/bids"
)

const testWindow = 5 * time.Minute

// at builds an acquisition timestamp on a fixed date.
func at(hour, minute int) time.Time {
	return time.Date(2024, 3, 1, hour, minute, 0, 0, time.UTC)
}

// record builds an in-memory ScanRecord for classifier and resolver tests.
func record(datatype bids.Datatype, name string, acqTime time.Time) *bids.ScanRecord {
	entities, err := bids.ParseEntities(name)
	if err != nil {
		panic(err)
	}
	return &bids.ScanRecord{
		Subject:  entities.Subject,
		Session:  entities.Session,
		Datatype: datatype,
		Entities: entities,
		AcqTime:  acqTime,
		Path:     "/bids/sub-" + entities.Subject + "/" + string(datatype) + "/" + name,
		RelPath:  string(datatype) + "/" + name,
	}
}

func catalogOf(records ...*bids.ScanRecord) *bids.Catalog {
	return &bids.Catalog{Subject: "001", Session: "01", Records: records}
}

func TestClassifyMagnitudePhaseDiff(t *testing.T) {
	t.Parallel()

	catalog := catalogOf(
		record(bids.DatatypeFmap, "sub-001_magnitude1.nii.gz", at(9, 0)),
		record(bids.DatatypeFmap, "sub-001_magnitude2.nii.gz", at(9, 0)),
		record(bids.DatatypeFmap, "sub-001_phasediff.nii.gz", at(9, 1)),
	)

	groups, warnings := Classify(catalog, testWindow)
	require.Len(t, groups, 1)
	assert.Empty(t, warnings)
	assert.Equal(t, TopologyMagnitudePhaseDiff, groups[0].Topology)
	assert.Len(t, groups[0].Members, 3)
	assert.Equal(t, at(9, 0), groups[0].AcqTime())
}

func TestClassifyTwoPhase(t *testing.T) {
	t.Parallel()

	catalog := catalogOf(
		record(bids.DatatypeFmap, "sub-001_magnitude1.nii.gz", at(9, 0)),
		record(bids.DatatypeFmap, "sub-001_phase1.nii.gz", at(9, 0)),
		record(bids.DatatypeFmap, "sub-001_phase2.nii.gz", at(9, 0)),
	)

	groups, warnings := Classify(catalog, testWindow)
	require.Len(t, groups, 1)
	assert.Empty(t, warnings)
	assert.Equal(t, TopologyTwoPhase, groups[0].Topology)
}

func TestClassifyReversePhaseEncodedEPI(t *testing.T) {
	t.Parallel()

	catalog := catalogOf(
		record(bids.DatatypeFmap, "sub-001_dir-AP_epi.nii.gz", at(9, 0)),
	)

	groups, warnings := Classify(catalog, testWindow)
	require.Len(t, groups, 1)
	assert.Empty(t, warnings)
	assert.Equal(t, TopologyMagnitudeOnly, groups[0].Topology)
}

func TestClassifyUnknownSuffixExcludedWithWarning(t *testing.T) {
	t.Parallel()

	catalog := catalogOf(
		record(bids.DatatypeFmap, "sub-001_phasediff.nii.gz", at(9, 0)),
		record(bids.DatatypeFmap, "sub-001_acq-weird_mystery.nii.gz", at(9, 5)),
	)

	groups, warnings := Classify(catalog, testWindow)
	require.Len(t, groups, 1)
	assert.Equal(t, TopologyMagnitudePhaseDiff, groups[0].Topology)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "no known topology")
}

func TestClassifySeparatesGroupsByRun(t *testing.T) {
	t.Parallel()

	catalog := catalogOf(
		record(bids.DatatypeFmap, "sub-001_run-1_magnitude1.nii.gz", at(9, 0)),
		record(bids.DatatypeFmap, "sub-001_run-1_phasediff.nii.gz", at(9, 0)),
		record(bids.DatatypeFmap, "sub-001_run-2_magnitude1.nii.gz", at(9, 30)),
		record(bids.DatatypeFmap, "sub-001_run-2_phasediff.nii.gz", at(9, 30)),
	)

	groups, warnings := Classify(catalog, testWindow)
	require.Len(t, groups, 2)
	assert.Empty(t, warnings)
	assert.Equal(t, 0, groups[0].Index)
	assert.Equal(t, 1, groups[1].Index)
	assert.NotEqual(t, groups[0].Key, groups[1].Key)
}

func TestOrphanMagnitudeAdoptedWithinWindow(t *testing.T) {
	t.Parallel()

	// Magnitude exported under a different acq label than its phasediff,
	// acquired one minute apart.
	catalog := catalogOf(
		record(bids.DatatypeFmap, "sub-001_acq-mag_magnitude1.nii.gz", at(9, 0)),
		record(bids.DatatypeFmap, "sub-001_acq-phase_phasediff.nii.gz", at(9, 1)),
	)

	groups, warnings := Classify(catalog, testWindow)
	require.Len(t, groups, 1)
	assert.Empty(t, warnings)
	assert.Equal(t, TopologyMagnitudePhaseDiff, groups[0].Topology)
	assert.Len(t, groups[0].Members, 2)
}

func TestOrphanMagnitudeOutsideWindowStandsAlone(t *testing.T) {
	t.Parallel()

	catalog := catalogOf(
		record(bids.DatatypeFmap, "sub-001_acq-mag_magnitude1.nii.gz", at(9, 0)),
		record(bids.DatatypeFmap, "sub-001_acq-phase_phasediff.nii.gz", at(10, 30)),
	)

	groups, _ := Classify(catalog, testWindow)
	require.Len(t, groups, 2)
	assert.Equal(t, TopologyMagnitudeOnly, groups[0].Topology)
	assert.Equal(t, TopologyMagnitudePhaseDiff, groups[1].Topology)
}

func TestOrphanMagnitudeAdoptedWithoutTimestampsWhenUnambiguous(t *testing.T) {
	t.Parallel()

	catalog := catalogOf(
		record(bids.DatatypeFmap, "sub-001_acq-mag_magnitude1.nii.gz", time.Time{}),
		record(bids.DatatypeFmap, "sub-001_acq-phase_phasediff.nii.gz", time.Time{}),
	)

	groups, warnings := Classify(catalog, testWindow)
	require.Len(t, groups, 1)
	assert.Empty(t, warnings)
	assert.Len(t, groups[0].Members, 2)
}

func TestOrphanMagnitudeNotAdoptedByPhaseGroupWithMagnitudes(t *testing.T) {
	t.Parallel()

	catalog := catalogOf(
		record(bids.DatatypeFmap, "sub-001_acq-a_magnitude1.nii.gz", at(9, 0)),
		record(bids.DatatypeFmap, "sub-001_acq-a_phasediff.nii.gz", at(9, 0)),
		record(bids.DatatypeFmap, "sub-001_acq-b_magnitude1.nii.gz", at(9, 1)),
	)

	groups, _ := Classify(catalog, testWindow)
	require.Len(t, groups, 2)
	assert.Equal(t, TopologyMagnitudePhaseDiff, groups[0].Topology)
	assert.Len(t, groups[0].Members, 2)
	assert.Equal(t, TopologyMagnitudeOnly, groups[1].Topology)
}

func TestClassifyEmptyFmapSubset(t *testing.T) {
	t.Parallel()

	catalog := catalogOf(
		record(bids.DatatypeFunc, "sub-001_task-rest_bold.nii.gz", at(9, 0)),
	)

	groups, warnings := Classify(catalog, testWindow)
	assert.Empty(t, groups)
	assert.Empty(t, warnings)
}

func TestMemberBelongsToAtMostOneGroup(t *testing.T) {
	t.Parallel()

	catalog := catalogOf(
		record(bids.DatatypeFmap, "sub-001_acq-mag_magnitude1.nii.gz", at(9, 0)),
		record(bids.DatatypeFmap, "sub-001_acq-p1_phasediff.nii.gz", at(9, 1)),
		record(bids.DatatypeFmap, "sub-001_acq-p2_phase1.nii.gz", at(9, 2)),
		record(bids.DatatypeFmap, "sub-001_acq-p2_phase2.nii.gz", at(9, 2)),
	)

	groups, _ := Classify(catalog, testWindow)

	seen := make(map[*bids.ScanRecord]int)
	for _, group := range groups {
		for _, member := range group.Members {
			seen[member]++
		}
	}
	for member, count := range seen {
		assert.Equal(t, 1, count, member.RelPath)
	}
}
