package metrics

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/alvmarrod/sunweaver/internal/storage"
)

// Tracker holds and manages run metrics
type Tracker struct {
	mu               sync.Mutex
	data             storage.Metrics
	totalFetchTimeMs int64
	fetchCount       int
}

// NewTracker creates a new metrics tracker
func NewTracker(runID string) *Tracker {
	return &Tracker{
		data: storage.Metrics{
			RunID:     runID,
			StartTime: time.Now(),
		},
	}
}

// SetStationsResolved records how many stations the run will process
func (t *Tracker) SetStationsResolved(n int) {
	t.update(func(m *storage.Metrics) { m.StationsResolved = n })
}

// IncrementWritten increments the written stations counter
func (t *Tracker) IncrementWritten() {
	t.update(func(m *storage.Metrics) { m.StationsWritten++ })
}

// IncrementFailed increments the failed stations counter
func (t *Tracker) IncrementFailed() {
	t.update(func(m *storage.Metrics) { m.StationsFailed++ })
}

// IncrementSkipped increments the skipped stations counter
func (t *Tracker) IncrementSkipped() {
	t.update(func(m *storage.Metrics) { m.StationsSkipped++ })
}

// IncrementRetries increments the retry counter
func (t *Tracker) IncrementRetries() {
	t.update(func(m *storage.Metrics) { m.Retries++ })
}

// IncrementRelogins increments the re-login counter
func (t *Tracker) IncrementRelogins() {
	t.update(func(m *storage.Metrics) { m.Relogins++ })
}

// RecordFetch records one fetch attempt and its duration
func (t *Tracker) RecordFetch(duration time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.data.Attempts++
	t.totalFetchTimeMs += duration.Milliseconds()
	t.fetchCount++
}

func (t *Tracker) update(fn func(m *storage.Metrics)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(&t.data)
}

// GetSnapshot returns a copy of current metrics
func (t *Tracker) GetSnapshot() storage.Metrics {
	t.mu.Lock()
	defer t.mu.Unlock()

	snapshot := t.data
	snapshot.TotalFetchTimeMs = t.totalFetchTimeMs
	if t.fetchCount > 0 {
		snapshot.AvgFetchTimeMs = t.totalFetchTimeMs / int64(t.fetchCount)
	}
	return snapshot
}

// WriteToFile exports metrics to a JSON file
func (t *Tracker) WriteToFile(path, reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.data.EndTime = time.Now()
	t.data.TerminationReason = reason
	t.data.TotalFetchTimeMs = t.totalFetchTimeMs
	if t.fetchCount > 0 {
		t.data.AvgFetchTimeMs = t.totalFetchTimeMs / int64(t.fetchCount)
	}

	jsonData, err := json.MarshalIndent(t.data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal metrics: %w", err)
	}
	if err := os.WriteFile(path, jsonData, 0644); err != nil {
		return fmt.Errorf("failed to write metrics file: %w", err)
	}
	return nil
}

// LogProgress formats current metrics for periodic console updates
func (t *Tracker) LogProgress() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	done := t.data.StationsWritten + t.data.StationsFailed + t.data.StationsSkipped
	return fmt.Sprintf("Stations: %d/%d done (%d written, %d failed, %d skipped) | Attempts: %d, retries: %d, re-logins: %d",
		done,
		t.data.StationsResolved,
		t.data.StationsWritten,
		t.data.StationsFailed,
		t.data.StationsSkipped,
		t.data.Attempts,
		t.data.Retries,
		t.data.Relogins,
	)
}
