package storage

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Storage is the run ledger: which runs happened and what each station did
type Storage struct {
	db *sql.DB
}

// NewStorage opens or creates the ledger database and initializes the schema
func NewStorage(dbPath string) (*Storage, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Workers record outcomes concurrently; one connection serializes them
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	storage := &Storage{db: db}
	if err := storage.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return storage, nil
}

func (s *Storage) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		started_at TIMESTAMP NOT NULL,
		finished_at TIMESTAMP,
		state TEXT NOT NULL,
		sheet_name TEXT,
		format TEXT,
		output_dir TEXT,
		stations INTEGER DEFAULT 0,
		written INTEGER DEFAULT 0,
		failed INTEGER DEFAULT 0,
		skipped INTEGER DEFAULT 0,
		reason TEXT DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS station_outcomes (
		run_id TEXT NOT NULL,
		station_id TEXT NOT NULL,
		station_name TEXT,
		status TEXT NOT NULL,
		attempts INTEGER DEFAULT 0,
		reason TEXT DEFAULT '',
		updated_at TIMESTAMP NOT NULL,
		PRIMARY KEY (run_id, station_id),
		FOREIGN KEY (run_id) REFERENCES runs(run_id)
	);

	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
	CREATE INDEX IF NOT EXISTS idx_outcomes_status ON station_outcomes(run_id, status);
	`

	_, err := s.db.Exec(schema)
	return err
}

// StartRun registers a run, or marks an existing one running again on resume
func (s *Storage) StartRun(run Run) error {
	_, err := s.db.Exec(`
		INSERT INTO runs (run_id, started_at, state, sheet_name, format, output_dir)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			state = EXCLUDED.state,
			finished_at = NULL,
			reason = ''
	`, run.RunID, run.StartedAt.UTC(), RunRunning, run.SheetName, run.Format, run.OutputDir)

	if err != nil {
		return fmt.Errorf("failed to start run: %w", err)
	}
	return nil
}

// RecordOutcome stores a station result. A station already written in this
// run stays written.
func (s *Storage) RecordOutcome(o StationOutcome) error {
	if o.UpdatedAt.IsZero() {
		o.UpdatedAt = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO station_outcomes (run_id, station_id, station_name, status, attempts, reason, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, station_id) DO UPDATE SET
			station_name = EXCLUDED.station_name,
			status = CASE WHEN station_outcomes.status = 'written' THEN 'written' ELSE EXCLUDED.status END,
			attempts = station_outcomes.attempts + EXCLUDED.attempts,
			reason = CASE WHEN station_outcomes.status = 'written' THEN station_outcomes.reason ELSE EXCLUDED.reason END,
			updated_at = EXCLUDED.updated_at
	`, o.RunID, o.StationID, o.StationName, o.Status, o.Attempts, o.Reason, o.UpdatedAt.UTC())

	if err != nil {
		return fmt.Errorf("failed to record outcome of %s: %w", o.StationID, err)
	}
	return nil
}

// WrittenStations returns the IDs of stations already written in a run
func (s *Storage) WrittenStations(runID string) (map[string]bool, error) {
	rows, err := s.db.Query(`
		SELECT station_id FROM station_outcomes
		WHERE run_id = ? AND status = ?
	`, runID, StatusWritten)
	if err != nil {
		return nil, fmt.Errorf("failed to load written stations: %w", err)
	}
	defer rows.Close()

	written := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan station: %w", err)
		}
		written[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating stations: %w", err)
	}
	return written, nil
}

// FinishRun stores the final state and counts of a run
func (s *Storage) FinishRun(run Run) error {
	_, err := s.db.Exec(`
		UPDATE runs SET
			finished_at = ?, state = ?, stations = ?, written = ?, failed = ?, skipped = ?, reason = ?
		WHERE run_id = ?
	`, time.Now().UTC(), run.State, run.Stations, run.Written, run.Failed, run.Skipped, run.Reason, run.RunID)

	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	return nil
}

const runColumns = `run_id, started_at, finished_at, state, sheet_name, format, output_dir,
	stations, written, failed, skipped, reason`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (*Run, error) {
	var (
		run      Run
		finished sql.NullTime
		sheet    sql.NullString
		format   sql.NullString
		outDir   sql.NullString
	)
	err := sc.Scan(&run.RunID, &run.StartedAt, &finished, &run.State, &sheet, &format, &outDir,
		&run.Stations, &run.Written, &run.Failed, &run.Skipped, &run.Reason)
	if err != nil {
		return nil, err
	}
	if finished.Valid {
		t := finished.Time
		run.FinishedAt = &t
	}
	run.SheetName, run.Format, run.OutputDir = sheet.String, format.String, outDir.String
	return &run, nil
}

// GetRun retrieves a run by ID, returns nil if not found
func (s *Storage) GetRun(runID string) (*Run, error) {
	run, err := scanRun(s.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE run_id = ?`, runID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns returns the most recent runs first
func (s *Storage) ListRuns(limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`SELECT `+runColumns+` FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return runs, nil
}

// StationOutcomes lists the stations of a run ordered by ID
func (s *Storage) StationOutcomes(runID string) ([]StationOutcome, error) {
	rows, err := s.db.Query(`
		SELECT run_id, station_id, station_name, status, attempts, reason, updated_at
		FROM station_outcomes
		WHERE run_id = ?
		ORDER BY station_id ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load outcomes: %w", err)
	}
	defer rows.Close()

	var out []StationOutcome
	for rows.Next() {
		var (
			o    StationOutcome
			name sql.NullString
		)
		if err := rows.Scan(&o.RunID, &o.StationID, &name, &o.Status, &o.Attempts, &o.Reason, &o.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan outcome: %w", err)
		}
		o.StationName = name.String
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating outcomes: %w", err)
	}
	return out, nil
}

// Close closes the database connection
func (s *Storage) Close() error {
	return s.db.Close()
}
