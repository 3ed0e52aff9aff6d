// Package store records training runs and their epoch histories in SQLite.
package store

import (
	"database/sql"
	_ "embed"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/Brownie44l1/freshness-api/internal/train"
)

//go:embed schema.sql
var schema string

// Run statuses.
const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Run is one recorded training invocation.
type Run struct {
	ID          string     `json:"id"`
	Dataset     string     `json:"dataset"`
	Artifact    string     `json:"artifact"`
	Config      string     `json:"config"`
	Status      string     `json:"status"`
	Error       string     `json:"error,omitempty"`
	ValLoss     *float64   `json:"val_loss,omitempty"`
	ValAccuracy *float64   `json:"val_accuracy,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// Store handles database operations
type Store struct {
	db *sql.DB
}

// New opens (and if needed creates) the database at dbPath.
func New(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrap(err, "create db dir")
		}
	}
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on")
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "init schema")
	}
	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// StartRun records a new running training run.
func (s *Store) StartRun(dataset, artifact, config string) (*Run, error) {
	run := &Run{
		ID:        uuid.New().String(),
		Dataset:   dataset,
		Artifact:  artifact,
		Config:    config,
		Status:    StatusRunning,
		StartedAt: time.Now().UTC(),
	}
	_, err := s.db.Exec(
		"INSERT INTO runs (id, dataset, artifact, config, status, started_at) VALUES (?, ?, ?, ?, ?, ?)",
		run.ID, run.Dataset, run.Artifact, run.Config, run.Status, run.StartedAt,
	)
	if err != nil {
		return nil, errors.Wrap(err, "insert run")
	}
	return run, nil
}

// AddEpoch appends one epoch record to a run.
func (s *Store) AddEpoch(runID string, r train.EpochRecord) error {
	_, err := s.db.Exec(
		`INSERT INTO epochs (run_id, epoch, train_loss, train_accuracy, val_loss, val_accuracy)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		runID, r.Epoch, r.TrainLoss, r.TrainAccuracy, r.ValLoss, r.ValAccuracy,
	)
	if err != nil {
		return errors.Wrapf(err, "insert epoch %d", r.Epoch)
	}
	return nil
}

// FinishRun marks a run succeeded with its final validation metrics.
func (s *Store) FinishRun(runID string, valLoss, valAccuracy float64) error {
	return s.finish(runID, StatusSucceeded, "", &valLoss, &valAccuracy)
}

// FailRun marks a run failed with the error that stopped it.
func (s *Store) FailRun(runID string, cause error) error {
	return s.finish(runID, StatusFailed, cause.Error(), nil, nil)
}

func (s *Store) finish(runID, status, msg string, valLoss, valAccuracy *float64) error {
	res, err := s.db.Exec(
		"UPDATE runs SET status = ?, error = ?, val_loss = ?, val_accuracy = ?, finished_at = ? WHERE id = ?",
		status, nullString(msg), valLoss, valAccuracy, time.Now().UTC(), runID,
	)
	if err != nil {
		return errors.Wrap(err, "update run")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Errorf("run %s not found", runID)
	}
	return nil
}

// GetRun returns the run whose ID equals or starts with id.
func (s *Store) GetRun(id string) (*Run, error) {
	row := s.db.QueryRow(
		`SELECT id, dataset, artifact, config, status, error, val_loss, val_accuracy, started_at, finished_at
		 FROM runs WHERE id = ? OR id LIKE ? ORDER BY started_at DESC LIMIT 1`,
		id, id+"%",
	)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, errors.Errorf("run %s not found", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "get run")
	}
	return run, nil
}

// ListRuns returns the most recent runs first.
func (s *Store) ListRuns(limit int) ([]Run, error) {
	rows, err := s.db.Query(
		`SELECT id, dataset, artifact, config, status, error, val_loss, val_accuracy, started_at, finished_at
		 FROM runs ORDER BY started_at DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, errors.Wrap(err, "list runs")
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan run")
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// History returns the epochs recorded for a run in order.
func (s *Store) History(runID string) (*train.History, error) {
	rows, err := s.db.Query(
		`SELECT epoch, train_loss, train_accuracy, val_loss, val_accuracy
		 FROM epochs WHERE run_id = ? ORDER BY epoch`,
		runID,
	)
	if err != nil {
		return nil, errors.Wrap(err, "query epochs")
	}
	defer rows.Close()

	var records []train.EpochRecord
	for rows.Next() {
		var r train.EpochRecord
		if err := rows.Scan(&r.Epoch, &r.TrainLoss, &r.TrainAccuracy, &r.ValLoss, &r.ValAccuracy); err != nil {
			return nil, errors.Wrap(err, "scan epoch")
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return train.NewHistory(records), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	var run Run
	var msg sql.NullString
	var valLoss, valAccuracy sql.NullFloat64
	var finished sql.NullTime
	err := row.Scan(&run.ID, &run.Dataset, &run.Artifact, &run.Config, &run.Status,
		&msg, &valLoss, &valAccuracy, &run.StartedAt, &finished)
	if err != nil {
		return nil, err
	}
	run.Error = msg.String
	if valLoss.Valid {
		run.ValLoss = &valLoss.Float64
	}
	if valAccuracy.Valid {
		run.ValAccuracy = &valAccuracy.Float64
	}
	if finished.Valid {
		run.FinishedAt = &finished.Time
	}
	return &run, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
