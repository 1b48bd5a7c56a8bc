// Package bids builds per-session inventories of converted acquisitions
// from a BIDS dataset directory tree.
package bids

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/yalab/yyprep/internal/logging"
)

// ScanRecord describes one converted acquisition. Records are immutable
// once built and owned by their catalog for the duration of one
// session's resolution.
type ScanRecord struct {
	Subject  string
	Session  string
	Datatype Datatype
	Entities Entities

	// AcqTime is the acquisition timestamp recovered from the sidecar,
	// zero when the sidecar carries none.
	AcqTime time.Time

	// AcqTimeOfDay marks a timestamp recovered from AcquisitionTime
	// alone. Such values are anchored to the zero date and comparable
	// only to other time-of-day values, never to AcquisitionDateTime
	// timestamps.
	AcqTimeOfDay bool

	// Path is the absolute path of the data file, RelPath the same file
	// relative to the subject root (the form IntendedFor uses).
	Path    string
	RelPath string
}

// HasAcqTime reports whether an acquisition timestamp was recovered.
func (r *ScanRecord) HasAcqTime() bool {
	return !r.AcqTime.IsZero()
}

// SidecarPath returns the path of the JSON sidecar paired with the scan.
func (r *ScanRecord) SidecarPath() string {
	base, _ := SplitExtension(r.Path)
	return base + ".json"
}

// Catalog is the ordered set of scans of one (subject, session) unit.
type Catalog struct {
	Subject  string
	Session  string
	Records  []*ScanRecord
	Warnings []string
}

// ByDatatype returns the records of the given datatypes in catalog order.
func (c *Catalog) ByDatatype(datatypes ...Datatype) []*ScanRecord {
	wanted := make(map[Datatype]bool, len(datatypes))
	for _, dt := range datatypes {
		wanted[dt] = true
	}
	var out []*ScanRecord
	for _, record := range c.Records {
		if wanted[record.Datatype] {
			out = append(out, record)
		}
	}
	return out
}

// FindByRelPath returns the record whose subject-relative path matches,
// or nil.
func (c *Catalog) FindByRelPath(relPath string) *ScanRecord {
	for _, record := range c.Records {
		if record.RelPath == relPath {
			return record
		}
	}
	return nil
}

// SessionDir returns the directory holding the session's datatype
// directories: <root>/sub-<subject>/ses-<session>, or the subject
// directory itself for session-less datasets.
func SessionDir(root, subject, session string) string {
	dir := filepath.Join(root, "sub-"+subject)
	if session != "" {
		dir = filepath.Join(dir, "ses-"+session)
	}
	return dir
}

// SubjectDir returns the subject root directory.
func SubjectDir(root, subject string) string {
	return filepath.Join(root, "sub-"+subject)
}

// BuildCatalog walks one session directory and produces the ordered scan
// inventory. A missing session directory yields an empty catalog and no
// error, there is simply nothing to resolve. Unparsable data filenames
// are skipped with a warning.
func BuildCatalog(root, subject, session string) (*Catalog, error) {
	catalog := &Catalog{Subject: subject, Session: session}
	log := logging.ForService("bids")

	sessionDir := SessionDir(root, subject, session)
	entries, err := os.ReadDir(sessionDir)
	if err != nil {
		if os.IsNotExist(err) {
			log.Debug("session directory does not exist, nothing to resolve",
				"subject", subject, "session", session, "dir", sessionDir)
			return catalog, nil
		}
		return nil, fmt.Errorf("reading session directory %s: %w", sessionDir, err)
	}

	subjectDir := SubjectDir(root, subject)

	var datatypeDirs []string
	for _, entry := range entries {
		if entry.IsDir() {
			datatypeDirs = append(datatypeDirs, entry.Name())
		}
	}
	sort.Strings(datatypeDirs)

	for _, dirName := range datatypeDirs {
		datatype := ParseDatatype(dirName)
		dirPath := filepath.Join(sessionDir, dirName)

		files, err := os.ReadDir(dirPath)
		if err != nil {
			return nil, fmt.Errorf("reading datatype directory %s: %w", dirPath, err)
		}

		for _, file := range files {
			if file.IsDir() || !IsDataFile(file.Name()) {
				continue
			}

			entities, err := ParseEntities(file.Name())
			if err != nil {
				warning := fmt.Sprintf("skipping unparsable filename %s: %v", file.Name(), err)
				catalog.Warnings = append(catalog.Warnings, warning)
				log.Warn("skipping unparsable filename",
					"subject", subject, "session", session, "file", file.Name(), "error", err)
				continue
			}

			absPath := filepath.Join(dirPath, file.Name())
			relPath, err := filepath.Rel(subjectDir, absPath)
			if err != nil {
				return nil, fmt.Errorf("computing subject-relative path for %s: %w", absPath, err)
			}

			record := &ScanRecord{
				Subject:  subject,
				Session:  session,
				Datatype: datatype,
				Entities: entities,
				Path:     absPath,
				RelPath:  filepath.ToSlash(relPath),
			}
			record.AcqTime, record.AcqTimeOfDay = readAcquisitionTime(record.SidecarPath())

			catalog.Records = append(catalog.Records, record)
		}
	}

	log.Debug("catalog built", "subject", subject, "session", session,
		"records", len(catalog.Records), "warnings", len(catalog.Warnings))

	return catalog, nil
}

// The layouts are tried in order against sidecar timestamp fields.
// AcquisitionDateTime is preferred; AcquisitionTime alone anchors to
// the zero date and is flagged as a time-of-day value, so the resolver
// never compares it against a date-anchored timestamp.
var acquisitionDateTimeLayouts = []string{
	"2006-01-02T15:04:05.000000",
	"2006-01-02T15:04:05",
	time.RFC3339,
}

var acquisitionTimeLayouts = []string{
	"15:04:05.000000",
	"15:04:05",
}

// readAcquisitionTime extracts the acquisition timestamp from a sidecar
// and reports whether it is a time-of-day-only value. Any failure
// (missing file, bad JSON, absent field) yields the zero time,
// timestamps are an optimization for resolution, never required.
func readAcquisitionTime(sidecarPath string) (ts time.Time, timeOfDay bool) {
	data, err := os.ReadFile(sidecarPath)
	if err != nil {
		return time.Time{}, false
	}

	var fields struct {
		AcquisitionDateTime string `json:"AcquisitionDateTime"`
		AcquisitionTime     string `json:"AcquisitionTime"`
	}
	if err := json.Unmarshal(data, &fields); err != nil {
		return time.Time{}, false
	}

	if fields.AcquisitionDateTime != "" {
		for _, layout := range acquisitionDateTimeLayouts {
			if ts, err := time.Parse(layout, fields.AcquisitionDateTime); err == nil {
				return ts, false
			}
		}
	}
	if fields.AcquisitionTime != "" {
		value := strings.TrimSpace(fields.AcquisitionTime)
		for _, layout := range acquisitionTimeLayouts {
			if ts, err := time.Parse(layout, value); err == nil {
				return ts, true
			}
		}
	}
	return time.Time{}, false
}
