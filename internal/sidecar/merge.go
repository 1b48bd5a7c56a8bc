// Package sidecar applies resolved fieldmap associations to BIDS JSON
// sidecars. Edits are surgical: every byte outside the IntendedFor
// member is preserved, writes are atomic, and re-applying an unchanged
// association writes nothing.
package sidecar

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/yalab/yyprep/internal/errors"
	"github.com/yalab/yyprep/internal/fmap"
	"github.com/yalab/yyprep/internal/logging"
)

// intendedForField is the sidecar member naming the scans a fieldmap
// corrects, with paths relative to the subject root.
const intendedForField = "IntendedFor"

// Merger writes associations into sidecar files.
type Merger struct {
	// Overwrite replaces a pre-existing non-empty IntendedFor that
	// differs from the resolved list. Without it such a sidecar is a
	// conflict error.
	Overwrite bool

	// DryRun reports every decision without touching any file.
	DryRun bool

	// WriteEmpty writes an empty list for empty associations instead of
	// skipping the sidecar.
	WriteEmpty bool
}

// ApplyResult reports what Apply did (or would do, under DryRun) for one
// association.
type ApplyResult struct {
	Written      []string // sidecar paths (re)written
	Unchanged    []string // sidecars already carrying the resolved list
	SkippedEmpty bool     // empty association skipped per policy
}

// TargetList returns the association targets as sorted, deduplicated
// subject-relative paths, the exact form stored in the sidecar.
func TargetList(association fmap.Association) []string {
	seen := make(map[string]bool, len(association.Targets))
	paths := make([]string, 0, len(association.Targets))
	for _, target := range association.Targets {
		if seen[target.RelPath] {
			continue
		}
		seen[target.RelPath] = true
		paths = append(paths, target.RelPath)
	}
	sort.Strings(paths)
	return paths
}

// Apply merges the association into the sidecar of every group member.
// A missing or unparsable sidecar is an error, the fieldmap cannot be
// marked without one.
func (m *Merger) Apply(association fmap.Association) (*ApplyResult, error) {
	log := logging.ForService("sidecar")
	group := association.Group
	result := &ApplyResult{}

	targets := TargetList(association)
	if len(targets) == 0 && !m.WriteEmpty {
		log.Debug("empty association, sidecar write skipped",
			"subject", group.Subject, "session", group.Session, "group", group.Key)
		result.SkippedEmpty = true
		return result, nil
	}

	for _, member := range group.Members {
		sidecarPath := member.SidecarPath()
		changed, err := m.merge(sidecarPath, targets)
		if err != nil {
			return nil, err
		}
		if changed {
			result.Written = append(result.Written, sidecarPath)
			log.Info("sidecar updated",
				"subject", group.Subject, "session", group.Session,
				"sidecar", filepath.Base(sidecarPath), "targets", len(targets),
				"dry_run", m.DryRun)
		} else {
			result.Unchanged = append(result.Unchanged, sidecarPath)
		}
	}

	return result, nil
}

// merge performs the read-modify-write for one sidecar and reports
// whether the file changed (or would change, under DryRun).
func (m *Merger) merge(sidecarPath string, targets []string) (bool, error) {
	data, err := os.ReadFile(sidecarPath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, errors.Newf("sidecar %s does not exist for classified fieldmap", sidecarPath).
				Component("sidecar").
				Category(errors.CategoryNotFound).
				FileContext(sidecarPath).
				Build()
		}
		return false, errors.New(fmt.Errorf("reading sidecar: %w", err)).
			Component("sidecar").
			Category(errors.CategoryFileIO).
			FileContext(sidecarPath).
			Build()
	}

	if !gjson.ValidBytes(data) {
		return false, errors.Newf("sidecar %s is not valid JSON", sidecarPath).
			Component("sidecar").
			Category(errors.CategoryFileParsing).
			FileContext(sidecarPath).
			Build()
	}

	existing := existingTargets(data)
	if equalStrings(existing, targets) {
		// Idempotence: nothing to do, not a single byte changes.
		return false, nil
	}

	if len(existing) > 0 && !m.Overwrite {
		return false, errors.Newf("sidecar %s already names %d IntendedFor targets, refusing to replace without overwrite", sidecarPath, len(existing)).
			Component("sidecar").
			Category(errors.CategoryConflict).
			FileContext(sidecarPath).
			Context("existing_targets", len(existing)).
			Context("resolved_targets", len(targets)).
			Build()
	}

	if m.DryRun {
		return true, nil
	}

	updated, err := sjson.SetBytes(data, intendedForField, targets)
	if err != nil {
		return false, errors.New(fmt.Errorf("setting %s: %w", intendedForField, err)).
			Component("sidecar").
			Category(errors.CategorySidecar).
			FileContext(sidecarPath).
			Build()
	}

	if err := writeFileAtomic(sidecarPath, updated); err != nil {
		return false, errors.New(err).
			Component("sidecar").
			Category(errors.CategoryFileIO).
			FileContext(sidecarPath).
			Build()
	}

	return true, nil
}

// existingTargets extracts the current IntendedFor list. A scalar value
// is treated as a single-element list, converters disagree on this.
func existingTargets(data []byte) []string {
	field := gjson.GetBytes(data, intendedForField)
	if !field.Exists() {
		return nil
	}
	if field.IsArray() {
		items := field.Array()
		targets := make([]string, 0, len(items))
		for _, item := range items {
			targets = append(targets, item.String())
		}
		return targets
	}
	return []string{field.String()}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// writeFileAtomic writes data to a temp file in the target directory and
// renames it into place, so a crash mid-write cannot corrupt the sidecar.
func writeFileAtomic(path string, data []byte) error {
	mode := os.FileMode(0o644)
	if info, err := os.Stat(path); err == nil {
		mode = info.Mode().Perm()
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Chmod(tmpName, mode); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("setting temp file mode: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing %s: %w", path, err)
	}
	return nil
}
