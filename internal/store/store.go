// Package store persists pipeline runs and their predictions.
//
// Everything lives in a single SQLite database file: one row per run with
// its parameters and status, and one row per cell per predicted run. The
// trained models themselves stay on the model service; only their handles
// are recorded.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// DefaultDBPath is the default database location.
const DefaultDBPath = "~/.scbridge/scbridge.db"

// Run statuses.
const (
	StatusRunning  = "running"
	StatusComplete = "complete"
	StatusFailed   = "failed"
)

// ErrNotFound is returned when a requested run does not exist.
var ErrNotFound = errors.New("run not found")

// Run records one pipeline execution.
type Run struct {
	ID            int64
	Pipeline      string // "express" or "assign"
	DatasetPath   string
	ReferencePath string // empty for expression runs
	ModelID       string // service-side model handle
	ParamsJSON    string
	Seed          int64
	Status        string
	Error         string
	StartedAt     time.Time
	FinishedAt    *time.Time
}

// PredictionRow is one cell's call from an assignment run.
type PredictionRow struct {
	RunID       int64
	Barcode     string
	CellType    string // argmax cell type
	Probability float64
}

// StoreConfig holds configuration for NewStore.
type StoreConfig struct {
	DBPath string
}

// Store defines the persistence interface.
type Store interface {
	CreateRun(ctx context.Context, r *Run) (int64, error)
	FinishRun(ctx context.Context, id int64, status, modelID, errMsg string) error
	GetRun(ctx context.Context, id int64) (*Run, error)
	ListRuns(ctx context.Context, limit int) ([]*Run, error)

	AddPredictions(ctx context.Context, rows []PredictionRow) error
	GetPredictions(ctx context.Context, runID int64, limit int) ([]PredictionRow, error)

	Stats(ctx context.Context) (*StoreStats, error)
	Close() error
}

// StoreStats holds observability statistics.
type StoreStats struct {
	RunCount        int64
	PredictionCount int64
	DBSizeBytes     int64
}

// SQLiteStore implements Store.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
}

// NewStore opens (and if needed bootstraps) the database. Pass ":memory:"
// for in-memory databases (testing).
func NewStore(cfg StoreConfig) (Store, error) {
	if cfg.DBPath == "" {
		cfg.DBPath = expandPath(DefaultDBPath)
	}
	if cfg.DBPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("setting pragma %q: %w", p, err)
		}
	}

	s := &SQLiteStore{db: db, dbPath: cfg.DBPath}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id             INTEGER PRIMARY KEY AUTOINCREMENT,
			pipeline       TEXT NOT NULL,
			dataset_path   TEXT NOT NULL,
			reference_path TEXT NOT NULL DEFAULT '',
			model_id       TEXT NOT NULL DEFAULT '',
			params_json    TEXT NOT NULL DEFAULT '{}',
			seed           INTEGER NOT NULL,
			status         TEXT NOT NULL,
			error          TEXT NOT NULL DEFAULT '',
			started_at     TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			finished_at    TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS predictions (
			run_id      INTEGER NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			barcode     TEXT NOT NULL,
			cell_type   TEXT NOT NULL,
			probability REAL NOT NULL,
			PRIMARY KEY (run_id, barcode)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_predictions_run ON predictions(run_id)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("bootstrap DDL: %w", err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateRun inserts a run in the running state and returns its id.
func (s *SQLiteStore) CreateRun(ctx context.Context, r *Run) (int64, error) {
	if r.Status == "" {
		r.Status = StatusRunning
	}
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (pipeline, dataset_path, reference_path, model_id, params_json, seed, status, started_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Pipeline, r.DatasetPath, r.ReferencePath, r.ModelID, r.ParamsJSON, r.Seed, r.Status, r.StartedAt)
	if err != nil {
		return 0, fmt.Errorf("inserting run: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	r.ID = id
	return id, nil
}

// FinishRun marks a run complete or failed and records the model handle.
func (s *SQLiteStore) FinishRun(ctx context.Context, id int64, status, modelID, errMsg string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, model_id = ?, error = ?, finished_at = ? WHERE id = ?`,
		status, modelID, errMsg, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("updating run %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("run %d: %w", id, ErrNotFound)
	}
	return nil
}

// GetRun fetches one run by id.
func (s *SQLiteStore) GetRun(ctx context.Context, id int64) (*Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, pipeline, dataset_path, reference_path, model_id, params_json, seed, status, error, started_at, finished_at
		 FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %d: %w", id, ErrNotFound)
	}
	return r, err
}

// ListRuns returns the most recent runs, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, pipeline, dataset_path, reference_path, model_id, params_json, seed, status, error, started_at, finished_at
		 FROM runs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var r Run
	var finished sql.NullTime
	err := row.Scan(&r.ID, &r.Pipeline, &r.DatasetPath, &r.ReferencePath, &r.ModelID,
		&r.ParamsJSON, &r.Seed, &r.Status, &r.Error, &r.StartedAt, &finished)
	if err != nil {
		return nil, err
	}
	if finished.Valid {
		r.FinishedAt = &finished.Time
	}
	return &r, nil
}

// AddPredictions inserts prediction rows in one transaction.
func (s *SQLiteStore) AddPredictions(ctx context.Context, rows []PredictionRow) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO predictions (run_id, barcode, cell_type, probability) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing insert: %w", err)
	}
	defer stmt.Close()

	for _, row := range rows {
		if _, err := stmt.ExecContext(ctx, row.RunID, row.Barcode, row.CellType, row.Probability); err != nil {
			return fmt.Errorf("inserting prediction for %s: %w", row.Barcode, err)
		}
	}
	return tx.Commit()
}

// GetPredictions returns predictions for a run in barcode order.
func (s *SQLiteStore) GetPredictions(ctx context.Context, runID int64, limit int) ([]PredictionRow, error) {
	if limit <= 0 {
		limit = 10000
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, barcode, cell_type, probability FROM predictions
		 WHERE run_id = ? ORDER BY barcode LIMIT ?`, runID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying predictions: %w", err)
	}
	defer rows.Close()

	var out []PredictionRow
	for rows.Next() {
		var p PredictionRow
		if err := rows.Scan(&p.RunID, &p.Barcode, &p.CellType, &p.Probability); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Stats reports row counts and database size.
func (s *SQLiteStore) Stats(ctx context.Context) (*StoreStats, error) {
	var st StoreStats
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs`).Scan(&st.RunCount); err != nil {
		return nil, err
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM predictions`).Scan(&st.PredictionCount); err != nil {
		return nil, err
	}
	if s.dbPath != ":memory:" {
		if info, err := os.Stat(s.dbPath); err == nil {
			st.DBSizeBytes = info.Size()
		}
	}
	return &st, nil
}

// expandPath expands ~ to the home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}
