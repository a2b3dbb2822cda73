package storage

import "time"

// Run states
const (
	RunRunning   = "running"
	RunSucceeded = "succeeded"
	RunPartial   = "partial"
	RunAborted   = "aborted"
)

// Station statuses
const (
	StatusWritten = "written"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
)

// Run is one scrape run in the ledger
type Run struct {
	RunID      string
	StartedAt  time.Time
	FinishedAt *time.Time
	State      string
	SheetName  string
	Format     string
	OutputDir  string
	Stations   int
	Written    int
	Failed     int
	Skipped    int
	Reason     string
}

// StationOutcome is the last known result of a station within a run
type StationOutcome struct {
	RunID       string
	StationID   string
	StationName string
	Status      string
	Attempts    int
	Reason      string
	UpdatedAt   time.Time
}

// Metrics tracks run statistics for export on exit
type Metrics struct {
	RunID             string    `json:"run_id"`
	StartTime         time.Time `json:"start_time"`
	EndTime           time.Time `json:"end_time"`
	StationsResolved  int       `json:"stations_resolved"`
	StationsWritten   int       `json:"stations_written"`
	StationsFailed    int       `json:"stations_failed"`
	StationsSkipped   int       `json:"stations_skipped"`
	Attempts          int       `json:"attempts"`
	Retries           int       `json:"retries"`
	Relogins          int       `json:"relogins"`
	TotalFetchTimeMs  int64     `json:"total_fetch_time_ms"`
	AvgFetchTimeMs    int64     `json:"avg_fetch_time_ms"`
	TerminationReason string    `json:"termination_reason"`
}
