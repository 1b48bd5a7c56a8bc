// Package datastore persists batch run results to a local SQLite
// database, giving longitudinal studies a processing log that outlives
// console output.
package datastore

import (
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/yalab/yyprep/internal/errors"
)

// Run is one invocation of the batch driver.
type Run struct {
	ID         string `gorm:"primaryKey"`
	Name       string
	BIDSDir    string
	StartedAt  time.Time
	FinishedAt time.Time
	Units      int
	Succeeded  int
	Failed     int
}

// UnitResult is the outcome of one (subject, session) unit within a run.
type UnitResult struct {
	ID              uint   `gorm:"primaryKey;autoIncrement"`
	RunID           string `gorm:"index"`
	Subject         string
	Session         string
	Status          string // "ok" or "failed"
	Warnings        int
	SidecarsWritten int
	Error           string
	DurationMS      int64
}

// Store wraps the underlying database handle.
type Store struct {
	db *gorm.DB
}

// Open opens (creating if needed) the run log database and migrates its
// schema.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, errors.New(fmt.Errorf("opening run log database: %w", err)).
			Component("datastore").
			Category(errors.CategoryDatabase).
			FileContext(path).
			Build()
	}

	if err := db.AutoMigrate(&Run{}, &UnitResult{}); err != nil {
		return nil, errors.New(fmt.Errorf("migrating run log schema: %w", err)).
			Component("datastore").
			Category(errors.CategoryDatabase).
			FileContext(path).
			Build()
	}

	return &Store{db: db}, nil
}

// SaveRun persists a run and its unit results in one transaction.
func (s *Store) SaveRun(run *Run, results []UnitResult) error {
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(run).Error; err != nil {
			return err
		}
		for i := range results {
			results[i].RunID = run.ID
		}
		if len(results) == 0 {
			return nil
		}
		return tx.Create(&results).Error
	})
	if err != nil {
		return errors.New(fmt.Errorf("saving run %s: %w", run.ID, err)).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Build()
	}
	return nil
}

// Runs returns all recorded runs, most recent first.
func (s *Store) Runs() ([]Run, error) {
	var runs []Run
	if err := s.db.Order("started_at desc").Find(&runs).Error; err != nil {
		return nil, errors.New(fmt.Errorf("listing runs: %w", err)).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Build()
	}
	return runs, nil
}

// ResultsForRun returns the unit results of one run in insertion order.
func (s *Store) ResultsForRun(runID string) ([]UnitResult, error) {
	var results []UnitResult
	if err := s.db.Where("run_id = ?", runID).Order("id").Find(&results).Error; err != nil {
		return nil, errors.New(fmt.Errorf("listing results for run %s: %w", runID, err)).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Build()
	}
	return results, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
