// Package fmap classifies fieldmap acquisitions by topology and resolves
// which scans each fieldmap group is intended to distortion-correct.
package fmap

import (
	"fmt"
	"time"

	"github.com/yalab/yyprep/internal/bids"
	"github.com/yalab/yyprep/internal/logging"
)

// Topology is the structural pattern of files forming one usable
// fieldmap unit.
type Topology string

const (
	// TopologyMagnitudePhaseDiff is one or two magnitude images plus a
	// phase-difference image.
	TopologyMagnitudePhaseDiff Topology = "magnitude-phasediff"
	// TopologyTwoPhase is two phase images plus magnitude image(s).
	TopologyTwoPhase Topology = "two-phase"
	// TopologyMagnitudeOnly is magnitude or reverse-phase-encoded images
	// used for a non-B0 distortion correction method.
	TopologyMagnitudeOnly Topology = "magnitude-only"
	// TopologyUnclassified marks groups matching no known topology.
	TopologyUnclassified Topology = "unclassified"
)

// Group is a set of scans that together form one usable fieldmap unit.
type Group struct {
	Subject  string
	Session  string
	Key      string // shared acquisition series marker (acq label + run index)
	Topology Topology
	Members  []*bids.ScanRecord

	// Index is the group's declaration order in the catalog, the
	// deterministic tie-breaker throughout resolution.
	Index int
}

// AcqTime returns the earliest member acquisition time, or the zero time
// when no member carries one.
func (g *Group) AcqTime() time.Time {
	var earliest time.Time
	for _, member := range g.Members {
		if !member.HasAcqTime() {
			continue
		}
		if earliest.IsZero() || member.AcqTime.Before(earliest) {
			earliest = member.AcqTime
		}
	}
	return earliest
}

// HasAcqTime reports whether any member carries an acquisition time.
func (g *Group) HasAcqTime() bool {
	return !g.AcqTime().IsZero()
}

// hasMagnitude reports whether the group contains a magnitude image.
func (g *Group) hasMagnitude() bool {
	for _, member := range g.Members {
		switch member.Entities.Suffix {
		case "magnitude", "magnitude1", "magnitude2":
			return true
		}
	}
	return false
}

// phaseBearing reports whether the group topology carries phase
// information, making it a valid adoption target for orphan magnitudes.
func (g *Group) phaseBearing() bool {
	return g.Topology == TopologyMagnitudePhaseDiff || g.Topology == TopologyTwoPhase
}

// groupKey derives the series marker used to collect files of one
// acquisition into a group.
func groupKey(entities bids.Entities) string {
	return fmt.Sprintf("acq=%s|run=%d", entities.Acquisition, entities.Run)
}

// suffixCounts tallies the member suffixes relevant to classification.
type suffixCounts struct {
	magnitude int // magnitude, magnitude1, magnitude2
	phasediff int
	phase     int // phase1, phase2
	epi       int
	fieldmap  int
	other     int
}

func countSuffixes(members []*bids.ScanRecord) suffixCounts {
	var counts suffixCounts
	for _, member := range members {
		switch member.Entities.Suffix {
		case "magnitude", "magnitude1", "magnitude2":
			counts.magnitude++
		case "phasediff":
			counts.phasediff++
		case "phase1", "phase2":
			counts.phase++
		case "epi":
			counts.epi++
		case "fieldmap":
			counts.fieldmap++
		default:
			counts.other++
		}
	}
	return counts
}

// classifyTopology decides the topology from member suffixes alone. It is
// a pure function, the orphan magnitude policy is applied afterwards by
// Classify.
func classifyTopology(counts suffixCounts) Topology {
	if counts.other > 0 {
		return TopologyUnclassified
	}
	switch {
	case counts.phasediff == 1 && counts.phase == 0 && counts.epi == 0 && counts.fieldmap == 0:
		return TopologyMagnitudePhaseDiff
	case counts.phase == 2 && counts.phasediff == 0 && counts.epi == 0 && counts.fieldmap == 0:
		return TopologyTwoPhase
	case counts.magnitude > 0 && counts.phasediff == 0 && counts.phase == 0 && counts.epi == 0 && counts.fieldmap == 0:
		return TopologyMagnitudeOnly
	case counts.epi > 0 && counts.magnitude == 0 && counts.phasediff == 0 && counts.phase == 0 && counts.fieldmap == 0:
		// Reverse-phase-encoded references correct through a paired scan
		// rather than a B0 map, same handling as plain magnitudes.
		return TopologyMagnitudeOnly
	default:
		return TopologyUnclassified
	}
}

// Classify partitions the fmap subset of a catalog into fieldmap groups.
// Files matching no known topology are excluded and reported through the
// returned warnings. magnitudeWindow bounds the orphan magnitude
// adoption policy.
func Classify(catalog *bids.Catalog, magnitudeWindow time.Duration) ([]*Group, []string) {
	log := logging.ForService("fmap")
	var warnings []string

	// Collect groups by series marker, preserving catalog order.
	var groups []*Group
	byKey := make(map[string]*Group)
	for _, record := range catalog.ByDatatype(bids.DatatypeFmap) {
		key := groupKey(record.Entities)
		group, ok := byKey[key]
		if !ok {
			group = &Group{
				Subject: catalog.Subject,
				Session: catalog.Session,
				Key:     key,
			}
			byKey[key] = group
			groups = append(groups, group)
		}
		group.Members = append(group.Members, record)
	}

	for _, group := range groups {
		group.Topology = classifyTopology(countSuffixes(group.Members))
	}

	groups = adoptOrphanMagnitudes(groups, magnitudeWindow)

	// Drop unclassified groups, warn once per group.
	classified := make([]*Group, 0, len(groups))
	for _, group := range groups {
		if group.Topology == TopologyUnclassified {
			warning := fmt.Sprintf("fieldmap group %s matches no known topology, excluded from resolution", group.Key)
			warnings = append(warnings, warning)
			log.Warn("unclassified fieldmap group",
				"subject", group.Subject, "session", group.Session,
				"key", group.Key, "members", len(group.Members))
			continue
		}
		classified = append(classified, group)
	}

	for i, group := range classified {
		group.Index = i
	}

	return classified, warnings
}

// adoptOrphanMagnitudes attaches magnitude-only groups to the nearest
// phase-bearing group that lacks magnitudes. Adoption requires the pair
// to be acquired within the window, or, when timestamps are missing, the
// phase group to be the only possible parent in the session.
func adoptOrphanMagnitudes(groups []*Group, window time.Duration) []*Group {
	var parents []*Group
	for _, group := range groups {
		if group.phaseBearing() && !group.hasMagnitude() {
			parents = append(parents, group)
		}
	}
	if len(parents) == 0 {
		return groups
	}

	adopted := make(map[*Group]bool)
	for _, orphan := range groups {
		if orphan.Topology != TopologyMagnitudeOnly || !orphan.hasMagnitude() {
			continue
		}

		parent := nearestParent(orphan, parents, window)
		if parent == nil {
			continue
		}
		parent.Members = append(parent.Members, orphan.Members...)
		adopted[orphan] = true
	}

	if len(adopted) == 0 {
		return groups
	}
	remaining := make([]*Group, 0, len(groups)-len(adopted))
	for _, group := range groups {
		if !adopted[group] {
			remaining = append(remaining, group)
		}
	}
	return remaining
}

// nearestParent picks the adoption target for an orphan magnitude group.
func nearestParent(orphan *Group, parents []*Group, window time.Duration) *Group {
	if !orphan.HasAcqTime() {
		// No timestamp to judge proximity by. Adoption is only safe when
		// the session leaves no ambiguity.
		if len(parents) == 1 {
			return parents[0]
		}
		return nil
	}

	orphanTime := orphan.AcqTime()
	var best *Group
	var bestDistance time.Duration
	for _, parent := range parents {
		if !parent.HasAcqTime() {
			continue
		}
		distance := orphanTime.Sub(parent.AcqTime())
		if distance < 0 {
			distance = -distance
		}
		if distance > window {
			continue
		}
		if best == nil || distance < bestDistance {
			best = parent
			bestDistance = distance
		}
	}
	return best
}
