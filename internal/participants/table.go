// Package participants loads the participant table driving a batch run.
// The table is validated once at load time: missing required columns
// fail fast instead of surfacing as per-row lookup failures.
package participants

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/yalab/yyprep/internal/errors"
)

// Column names recognized in the participant table.
const (
	ColumnSubject  = "subject_code"
	ColumnSession  = "session_id"
	ColumnDICOM    = "dicom_path"
	ColumnOverride = "intended_for"
)

var requiredColumns = []string{ColumnSubject, ColumnSession, ColumnDICOM}

// Row is one (subject, session) unit of work.
type Row struct {
	Subject   string
	Session   string
	DICOMPath string

	// Override lists explicit subject-relative IntendedFor targets,
	// bypassing automatic resolution for this unit. nil means resolve
	// automatically; an empty cell also resolves automatically.
	Override []string
}

// HasOverride reports whether the row carries an explicit target list.
func (r Row) HasOverride() bool {
	return r.Override != nil
}

// Unit formats the row's subject/session identity for messages.
func (r Row) Unit() string {
	if r.Session == "" {
		return "sub-" + r.Subject
	}
	return fmt.Sprintf("sub-%s/ses-%s", r.Subject, r.Session)
}

// Table is a loaded and validated participant table.
type Table struct {
	Rows []Row
}

// Load reads a participant table from a CSV or Excel file, chosen by
// extension.
func Load(path string) (*Table, error) {
	var header []string
	var records [][]string
	var err error

	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		header, records, err = readCSV(path)
	case ".xlsx":
		header, records, err = readXLSX(path)
	default:
		return nil, errors.Newf("unsupported participant table format %q, expected .csv or .xlsx", filepath.Ext(path)).
			Component("participants").
			Category(errors.CategoryValidation).
			FileContext(path).
			Build()
	}
	if err != nil {
		return nil, err
	}

	return buildTable(path, header, records)
}

func readCSV(path string) (header []string, records [][]string, err error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, nil, errors.New(fmt.Errorf("opening participant table: %w", err)).
			Component("participants").
			Category(errors.CategoryFileIO).
			FileContext(path).
			Build()
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.TrimLeadingSpace = true
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, nil, errors.New(fmt.Errorf("parsing participant table: %w", err)).
			Component("participants").
			Category(errors.CategoryFileParsing).
			FileContext(path).
			Build()
	}
	if len(rows) == 0 {
		return nil, nil, emptyTableError(path)
	}
	return rows[0], rows[1:], nil
}

func readXLSX(path string) (header []string, records [][]string, err error) {
	book, err := excelize.OpenFile(path)
	if err != nil {
		return nil, nil, errors.New(fmt.Errorf("opening participant workbook: %w", err)).
			Component("participants").
			Category(errors.CategoryFileParsing).
			FileContext(path).
			Build()
	}
	defer book.Close()

	sheets := book.GetSheetList()
	if len(sheets) == 0 {
		return nil, nil, emptyTableError(path)
	}
	rows, err := book.GetRows(sheets[0])
	if err != nil {
		return nil, nil, errors.New(fmt.Errorf("reading participant sheet %s: %w", sheets[0], err)).
			Component("participants").
			Category(errors.CategoryFileParsing).
			FileContext(path).
			Build()
	}
	if len(rows) == 0 {
		return nil, nil, emptyTableError(path)
	}
	return rows[0], rows[1:], nil
}

func emptyTableError(path string) error {
	return errors.Newf("participant table %s is empty", path).
		Component("participants").
		Category(errors.CategoryValidation).
		FileContext(path).
		Build()
}

// buildTable validates the header and converts records into typed rows.
func buildTable(path string, header []string, records [][]string) (*Table, error) {
	index := make(map[string]int, len(header))
	for i, name := range header {
		index[strings.ToLower(strings.TrimSpace(name))] = i
	}

	var missing []string
	for _, required := range requiredColumns {
		if _, ok := index[required]; !ok {
			missing = append(missing, required)
		}
	}
	if len(missing) > 0 {
		return nil, errors.Newf("participant table %s is missing required columns: %s", path, strings.Join(missing, ", ")).
			Component("participants").
			Category(errors.CategoryValidation).
			FileContext(path).
			Build()
	}

	overrideIdx, hasOverride := index[ColumnOverride]

	table := &Table{}
	for rowNum, record := range records {
		if isBlank(record) {
			continue
		}

		row := Row{
			Subject:   cell(record, index[ColumnSubject]),
			Session:   cell(record, index[ColumnSession]),
			DICOMPath: cell(record, index[ColumnDICOM]),
		}
		if row.Subject == "" {
			return nil, errors.Newf("participant table %s row %d has an empty %s", path, rowNum+2, ColumnSubject).
				Component("participants").
				Category(errors.CategoryValidation).
				FileContext(path).
				Build()
		}

		if hasOverride {
			row.Override = parseOverride(cell(record, overrideIdx))
		}

		table.Rows = append(table.Rows, row)
	}

	return table, nil
}

// parseOverride splits a semicolon-separated target list. An empty cell
// yields nil, falling back to automatic resolution for that row only.
func parseOverride(value string) []string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ";")
	targets := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			targets = append(targets, trimmed)
		}
	}
	if len(targets) == 0 {
		return nil
	}
	return targets
}

func cell(record []string, idx int) string {
	if idx >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[idx])
}

func isBlank(record []string) bool {
	for _, value := range record {
		if strings.TrimSpace(value) != "" {
			return false
		}
	}
	return true
}
