// Package batch drives IntendedFor resolution over the participant
// table, one isolated (subject, session) unit at a time.
package batch

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/yalab/yyprep/internal/bids"
	"github.com/yalab/yyprep/internal/conf"
	"github.com/yalab/yyprep/internal/datastore"
	"github.com/yalab/yyprep/internal/errors"
	"github.com/yalab/yyprep/internal/fmap"
	"github.com/yalab/yyprep/internal/logging"
	"github.com/yalab/yyprep/internal/participants"
	"github.com/yalab/yyprep/internal/sidecar"
)

// UnitStatus is the outcome of one (subject, session) unit.
type UnitStatus string

const (
	StatusOK     UnitStatus = "ok"
	StatusFailed UnitStatus = "failed"
)

// UnitReport collects everything that happened while processing one unit.
type UnitReport struct {
	Subject string
	Session string
	Status  UnitStatus

	Warnings        []string
	SidecarsWritten []string
	Groups          int
	Err             error
	Duration        time.Duration
}

// Unit formats the report's subject/session identity for messages.
func (r *UnitReport) Unit() string {
	if r.Session == "" {
		return "sub-" + r.Subject
	}
	return fmt.Sprintf("sub-%s/ses-%s", r.Subject, r.Session)
}

// Summary aggregates a whole batch run. Reports keep participant table
// order regardless of completion order.
type Summary struct {
	RunID   string
	Reports []UnitReport
}

// Succeeded counts units that completed without a unit-fatal error.
func (s *Summary) Succeeded() int {
	count := 0
	for i := range s.Reports {
		if s.Reports[i].Status == StatusOK {
			count++
		}
	}
	return count
}

// Failed counts units aborted by a unit-fatal error.
func (s *Summary) Failed() int {
	return len(s.Reports) - s.Succeeded()
}

// WarningCount totals warnings across all units.
func (s *Summary) WarningCount() int {
	count := 0
	for i := range s.Reports {
		count += len(s.Reports[i].Warnings)
	}
	return count
}

// Driver runs the resolution pipeline for every participant table row.
type Driver struct {
	settings *conf.Settings
}

// NewDriver creates a batch driver bound to the given settings.
func NewDriver(settings *conf.Settings) *Driver {
	return &Driver{settings: settings}
}

// Run processes all units. Unit-fatal errors are recorded in the summary
// and processing continues; only batch-fatal conditions (missing BIDS
// root, broken run log database) return an error.
func (d *Driver) Run(ctx context.Context, table *participants.Table) (*Summary, error) {
	log := logging.ForService("batch")

	if _, err := os.Stat(d.settings.BIDSDir); err != nil {
		return nil, errors.Newf("BIDS root directory %s does not exist", d.settings.BIDSDir).
			Component("batch").
			Category(errors.CategoryNotFound).
			FileContext(d.settings.BIDSDir).
			Build()
	}

	summary := &Summary{
		RunID:   uuid.NewString(),
		Reports: make([]UnitReport, len(table.Rows)),
	}
	startedAt := time.Now()

	log.Info("batch run starting",
		"run_id", summary.RunID, "units", len(table.Rows),
		"workers", d.settings.Batch.Workers, "dry_run", d.settings.Fieldmap.DryRun)

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(d.settings.Batch.Workers)

	for i, row := range table.Rows {
		i, row := i, row
		group.Go(func() error {
			summary.Reports[i] = d.runUnit(groupCtx, row)
			return nil
		})
	}
	// Unit goroutines never return errors, failures live in the reports.
	_ = group.Wait()

	for i := range summary.Reports {
		report := &summary.Reports[i]
		if report.Status == StatusFailed {
			log.Error("unit failed", "run_id", summary.RunID, "unit", report.Unit(), "error", report.Err)
		} else {
			log.Info("unit completed",
				"run_id", summary.RunID, "unit", report.Unit(),
				"sidecars_written", len(report.SidecarsWritten),
				"warnings", len(report.Warnings))
		}
	}

	if d.settings.Batch.LogDB != "" {
		if err := d.persistRun(summary, startedAt); err != nil {
			return summary, err
		}
	}

	return summary, nil
}

// runUnit executes one unit under the configured timeout. The unit body
// runs in its own goroutine so a hung filesystem cannot stall the batch,
// the abandoned goroutine finishes (or not) on its own.
func (d *Driver) runUnit(ctx context.Context, row participants.Row) UnitReport {
	timeout := d.settings.Batch.UnitTimeout
	if timeout <= 0 {
		return d.processUnit(ctx, row)
	}

	unitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan UnitReport, 1)
	go func() {
		done <- d.processUnit(unitCtx, row)
	}()

	select {
	case report := <-done:
		return report
	case <-unitCtx.Done():
		return UnitReport{
			Subject: row.Subject,
			Session: row.Session,
			Status:  StatusFailed,
			Err: errors.Newf("unit timed out after %s", timeout).
				Component("batch").
				Category(errors.CategoryTimeout).
				UnitContext(row.Subject, row.Session).
				Build(),
			Duration: timeout,
		}
	}
}

// processUnit runs catalog, classification, resolution and merging for
// one unit. Any returned failure aborts this unit only.
func (d *Driver) processUnit(ctx context.Context, row participants.Row) UnitReport {
	started := time.Now()
	report := UnitReport{Subject: row.Subject, Session: row.Session, Status: StatusOK}
	fail := func(err error) UnitReport {
		report.Status = StatusFailed
		report.Err = err
		report.Duration = time.Since(started)
		return report
	}

	catalog, err := bids.BuildCatalog(d.settings.BIDSDir, row.Subject, row.Session)
	if err != nil {
		return fail(err)
	}
	report.Warnings = append(report.Warnings, catalog.Warnings...)

	groups, classifyWarnings := fmap.Classify(catalog, d.settings.Fieldmap.MagnitudeWindow)
	report.Warnings = append(report.Warnings, classifyWarnings...)
	report.Groups = len(groups)

	if err := ctx.Err(); err != nil {
		return fail(err)
	}

	associations, resolveWarnings, err := fmap.Resolve(catalog, groups, fmap.Options{
		TargetDatatypes: targetDatatypes(d.settings),
		Override:        row.Override,
	})
	if err != nil {
		return fail(err)
	}
	report.Warnings = append(report.Warnings, resolveWarnings...)

	merger := &sidecar.Merger{
		Overwrite:  d.settings.Fieldmap.Overwrite,
		DryRun:     d.settings.Fieldmap.DryRun,
		WriteEmpty: d.settings.Fieldmap.WriteEmpty,
	}
	for _, association := range associations {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}
		result, err := merger.Apply(association)
		if err != nil {
			return fail(err)
		}
		report.SidecarsWritten = append(report.SidecarsWritten, result.Written...)
	}

	report.Duration = time.Since(started)
	return report
}

func targetDatatypes(settings *conf.Settings) []bids.Datatype {
	datatypes := make([]bids.Datatype, 0, len(settings.Fieldmap.TargetDatatypes))
	for _, dt := range settings.Fieldmap.TargetDatatypes {
		datatypes = append(datatypes, bids.Datatype(dt))
	}
	return datatypes
}

// persistRun records the summary in the configured run log database.
func (d *Driver) persistRun(summary *Summary, startedAt time.Time) error {
	store, err := datastore.Open(d.settings.Batch.LogDB)
	if err != nil {
		return err
	}
	defer store.Close()

	run := &datastore.Run{
		ID:         summary.RunID,
		Name:       d.settings.Main.Name,
		BIDSDir:    d.settings.BIDSDir,
		StartedAt:  startedAt,
		FinishedAt: time.Now(),
		Units:      len(summary.Reports),
		Succeeded:  summary.Succeeded(),
		Failed:     summary.Failed(),
	}

	results := make([]datastore.UnitResult, len(summary.Reports))
	for i := range summary.Reports {
		report := &summary.Reports[i]
		results[i] = datastore.UnitResult{
			Subject:         report.Subject,
			Session:         report.Session,
			Status:          string(report.Status),
			Warnings:        len(report.Warnings),
			SidecarsWritten: len(report.SidecarsWritten),
			DurationMS:      report.Duration.Milliseconds(),
		}
		if report.Err != nil {
			results[i].Error = report.Err.Error()
		}
	}

	return store.SaveRun(run, results)
}
