package fmap

import (
	"fmt"
	"time"

	"github.com/yalab/yyprep/internal/bids"
	"github.com/yalab/yyprep/internal/errors"
	"github.com/yalab/yyprep/internal/logging"
)

// Association maps one fieldmap group to the ordered set of scans it is
// intended to distortion-correct. An empty target list is legal and
// reported as a warning by Resolve.
type Association struct {
	Group   *Group
	Targets []*bids.ScanRecord
}

// Options controls target eligibility and explicit overrides.
type Options struct {
	// TargetDatatypes lists the datatypes eligible as correction targets.
	// Defaults to functional scans when empty.
	TargetDatatypes []bids.Datatype

	// Override, when non-nil, lists subject-relative target paths that
	// become every group's association verbatim, bypassing automatic
	// resolution for the session.
	Override []string
}

// eligibleDatatypes resolves the option default.
func (o Options) eligibleDatatypes() []bids.Datatype {
	if len(o.TargetDatatypes) == 0 {
		return []bids.Datatype{bids.DatatypeFunc}
	}
	return o.TargetDatatypes
}

// Resolve computes one association per fieldmap group. Every eligible
// candidate in the session lands in exactly one association, never
// duplicated, never silently dropped. The computation is pure, nothing
// is written.
func Resolve(catalog *bids.Catalog, groups []*Group, opts Options) ([]Association, []string, error) {
	log := logging.ForService("fmap")

	if len(groups) == 0 {
		log.Debug("no fieldmap groups in session, nothing to resolve",
			"subject", catalog.Subject, "session", catalog.Session)
		return nil, nil, nil
	}

	if opts.Override != nil {
		associations, err := resolveOverride(catalog, groups, opts.Override)
		return associations, nil, err
	}

	candidates := catalog.ByDatatype(opts.eligibleDatatypes()...)

	var warnings []string
	var associations []Association
	switch {
	case len(candidates) == 0:
		associations = make([]Association, len(groups))
		for i, group := range groups {
			associations[i] = Association{Group: group}
		}

	case len(groups) == 1:
		associations = []Association{{Group: groups[0], Targets: candidates}}

	case timestampsComparable(groups, candidates):
		associations = resolveByProximity(groups, candidates)

	default:
		associations = resolveByPosition(groups, candidates)
		warning := fmt.Sprintf(
			"session has %d fieldmap groups but acquisition timestamps are missing or mix date and time-of-day anchors, fell back to positional split",
			len(groups))
		warnings = append(warnings, warning)
		log.Warn("proximity-based resolution not possible, splitting candidates by position",
			"subject", catalog.Subject, "session", catalog.Session,
			"groups", len(groups), "candidates", len(candidates))
	}

	for _, association := range associations {
		if len(association.Targets) == 0 {
			warning := fmt.Sprintf("fieldmap group %s has no eligible targets in session", association.Group.Key)
			warnings = append(warnings, warning)
			log.Warn("empty association",
				"subject", catalog.Subject, "session", catalog.Session,
				"group", association.Group.Key)
		}
	}

	return associations, warnings, nil
}

// resolveOverride applies an explicit participant-table mapping. Every
// listed path must exist in the catalog.
func resolveOverride(catalog *bids.Catalog, groups []*Group, override []string) ([]Association, error) {
	targets := make([]*bids.ScanRecord, 0, len(override))
	for _, relPath := range override {
		record := catalog.FindByRelPath(relPath)
		if record == nil {
			return nil, errors.Newf("override target %s not found in session catalog", relPath).
				Component("fmap").
				Category(errors.CategoryNotFound).
				UnitContext(catalog.Subject, catalog.Session).
				Context("override_path", relPath).
				Build()
		}
		targets = append(targets, record)
	}

	associations := make([]Association, len(groups))
	for i, group := range groups {
		associations[i] = Association{Group: group, Targets: targets}
	}
	return associations, nil
}

// timestampsComparable reports whether proximity resolution is safe:
// every group and every candidate must carry an acquisition time, and
// all timestamps must share one anchor. A time-of-day-only value sorts
// centuries before any date-anchored one, so comparing across the two
// conventions would assign every target to the wrong group.
func timestampsComparable(groups []*Group, candidates []*bids.ScanRecord) bool {
	sawDate := false
	sawTimeOfDay := false
	note := func(record *bids.ScanRecord) {
		if record.AcqTimeOfDay {
			sawTimeOfDay = true
		} else {
			sawDate = true
		}
	}

	for _, group := range groups {
		if !group.HasAcqTime() {
			return false
		}
		for _, member := range group.Members {
			if member.HasAcqTime() {
				note(member)
			}
		}
	}
	for _, candidate := range candidates {
		if !candidate.HasAcqTime() {
			return false
		}
		note(candidate)
	}
	return !(sawDate && sawTimeOfDay)
}

// resolveByProximity assigns each candidate to the fieldmap acquired
// most recently before it, or, when no group precedes it, the nearest
// following group. Equal distances resolve to the lower group index, so
// assignment is deterministic and stable.
func resolveByProximity(groups []*Group, candidates []*bids.ScanRecord) []Association {
	associations := make([]Association, len(groups))
	for i, group := range groups {
		associations[i] = Association{Group: group}
	}

	for _, candidate := range candidates {
		best := -1
		var bestDistance time.Duration

		// Nearest preceding group wins. Groups are in catalog order, so a
		// strict improvement test keeps the earliest group on ties.
		for i, group := range groups {
			delta := candidate.AcqTime.Sub(group.AcqTime())
			if delta < 0 {
				continue
			}
			if best == -1 || delta < bestDistance {
				best = i
				bestDistance = delta
			}
		}

		// No group precedes the candidate, take the nearest following one.
		if best == -1 {
			for i, group := range groups {
				delta := group.AcqTime().Sub(candidate.AcqTime)
				if best == -1 || delta < bestDistance {
					best = i
					bestDistance = delta
				}
			}
		}

		associations[best].Targets = append(associations[best].Targets, candidate)
	}

	return associations
}

// resolveByPosition splits candidates evenly between groups in catalog
// order, the fallback when acquisition timestamps are unavailable.
func resolveByPosition(groups []*Group, candidates []*bids.ScanRecord) []Association {
	associations := make([]Association, len(groups))
	for i, group := range groups {
		associations[i] = Association{Group: group}
	}

	n := len(candidates)
	k := len(groups)
	for i, candidate := range candidates {
		target := i * k / n
		associations[target].Targets = append(associations[target].Targets, candidate)
	}

	return associations
}
