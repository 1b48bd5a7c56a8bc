package bids

import (
	"fmt"
	"strconv"
	"strings"
)

// Datatype is the BIDS datatype directory an acquisition lives in.
type Datatype string

const (
	DatatypeAnat  Datatype = "anat"
	DatatypeFunc  Datatype = "func"
	DatatypeFmap  Datatype = "fmap"
	DatatypeDWI   Datatype = "dwi"
	DatatypePerf  Datatype = "perf"
	DatatypeOther Datatype = "other"
)

// ParseDatatype maps a directory name to a Datatype.
func ParseDatatype(dir string) Datatype {
	switch dir {
	case "anat", "func", "fmap", "dwi", "perf":
		return Datatype(dir)
	default:
		return DatatypeOther
	}
}

// dataExtensions are the file extensions recorded as scans. Sidecars and
// auxiliary files (.json, .tsv, .bval, .bvec) are not scans themselves.
var dataExtensions = []string{".nii.gz", ".nii"}

// Entities holds the key-value pairs parsed from a BIDS filename plus its
// suffix and extension.
type Entities struct {
	Subject     string
	Session     string
	Task        string
	Acquisition string
	Direction   string
	Run         int // 0 when absent
	Echo        int // 0 when absent
	Suffix      string
	Extension   string
}

// SplitExtension separates a BIDS filename into its base name and
// extension, treating .nii.gz as a single extension.
func SplitExtension(name string) (base, ext string) {
	for _, candidate := range []string{".nii.gz", ".tsv.gz"} {
		if strings.HasSuffix(name, candidate) {
			return strings.TrimSuffix(name, candidate), candidate
		}
	}
	if idx := strings.LastIndex(name, "."); idx > 0 {
		return name[:idx], name[idx:]
	}
	return name, ""
}

// IsDataFile reports whether the filename carries an imaging data
// extension.
func IsDataFile(name string) bool {
	for _, ext := range dataExtensions {
		if strings.HasSuffix(name, ext) {
			return true
		}
	}
	return false
}

// ParseEntities parses a BIDS filename of the form
// sub-<label>[_ses-<label>][_<key>-<value>...]_<suffix>.<ext>.
// It returns an error for filenames that do not follow the grammar.
func ParseEntities(filename string) (Entities, error) {
	base, ext := SplitExtension(filename)
	entities := Entities{Extension: ext}

	parts := strings.Split(base, "_")
	if len(parts) < 2 {
		return Entities{}, fmt.Errorf("filename %q has no suffix", filename)
	}

	suffix := parts[len(parts)-1]
	if suffix == "" || strings.Contains(suffix, "-") {
		return Entities{}, fmt.Errorf("filename %q has no suffix", filename)
	}
	entities.Suffix = suffix

	for _, part := range parts[:len(parts)-1] {
		key, value, found := strings.Cut(part, "-")
		if !found || key == "" || value == "" {
			return Entities{}, fmt.Errorf("malformed entity %q in filename %q", part, filename)
		}
		switch key {
		case "sub":
			entities.Subject = value
		case "ses":
			entities.Session = value
		case "task":
			entities.Task = value
		case "acq":
			entities.Acquisition = value
		case "dir":
			entities.Direction = value
		case "run":
			run, err := strconv.Atoi(value)
			if err != nil || run < 1 {
				return Entities{}, fmt.Errorf("invalid run index %q in filename %q", value, filename)
			}
			entities.Run = run
		case "echo":
			echo, err := strconv.Atoi(value)
			if err != nil || echo < 1 {
				return Entities{}, fmt.Errorf("invalid echo index %q in filename %q", value, filename)
			}
			entities.Echo = echo
		default:
			// Unknown entities are tolerated, BIDS grows new ones over time.
		}
	}

	if entities.Subject == "" {
		return Entities{}, fmt.Errorf("filename %q is missing the sub entity", filename)
	}

	return entities, nil
}
