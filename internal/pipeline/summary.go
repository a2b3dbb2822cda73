package pipeline

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/alvmarrod/sunweaver/internal/model"
	"github.com/alvmarrod/sunweaver/internal/storage"
	"github.com/jedib0t/go-pretty/v6/table"
)

// Status of one station in a run
type Status string

const (
	StatusPending Status = "pending"
	StatusWritten Status = storage.StatusWritten
	StatusFailed  Status = storage.StatusFailed
	StatusSkipped Status = storage.StatusSkipped
)

// State of a whole run
type State string

const (
	StateSucceeded State = storage.RunSucceeded
	StatePartial   State = storage.RunPartial
	StateAborted   State = storage.RunAborted
)

// StationResult is the outcome of one station
type StationResult struct {
	Station  model.Station
	Status   Status
	Attempts int
	Reason   string
}

// Counts aggregates station statuses
type Counts struct {
	Total   int
	Written int
	Failed  int
	Skipped int
}

// RunSummary lists every station of a run with its outcome. It is safe for
// concurrent use by workers.
type RunSummary struct {
	RunID      string
	StartedAt  time.Time
	FinishedAt time.Time

	mu      sync.Mutex
	state   State
	reason  string
	order   []string
	results map[string]*StationResult
}

func newSummary(runID string) *RunSummary {
	return &RunSummary{
		RunID:     runID,
		StartedAt: time.Now(),
		results:   map[string]*StationResult{},
	}
}

func (s *RunSummary) add(st model.Station) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.results[st.ID]; ok {
		return
	}
	s.order = append(s.order, st.ID)
	s.results[st.ID] = &StationResult{Station: st, Status: StatusPending}
}

func (s *RunSummary) set(id string, status Status, attempts int, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.results[id]
	if !ok {
		return
	}
	r.Status, r.Attempts, r.Reason = status, attempts, reason
}

// skipPending marks every station that never got an outcome as skipped
func (s *RunSummary) skipPending(reason string) []StationResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	var skipped []StationResult
	for _, id := range s.order {
		r := s.results[id]
		if r.Status == StatusPending {
			r.Status, r.Reason = StatusSkipped, reason
			skipped = append(skipped, *r)
		}
	}
	return skipped
}

func (s *RunSummary) finish(state State, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state, s.reason = state, reason
	s.FinishedAt = time.Now()
}

// State is the final state of the run
func (s *RunSummary) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Reason explains an aborted or partial run
func (s *RunSummary) Reason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Result returns the outcome of one station
func (s *RunSummary) Result(id string) (StationResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.results[id]
	if !ok {
		return StationResult{}, false
	}
	return *r, true
}

// Results returns all stations in resolution order
func (s *RunSummary) Results() []StationResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]StationResult, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.results[id])
	}
	return out
}

// Counts tallies the station statuses
func (s *RunSummary) Counts() Counts {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := Counts{Total: len(s.order)}
	for _, r := range s.results {
		switch r.Status {
		case StatusWritten:
			c.Written++
		case StatusFailed:
			c.Failed++
		case StatusSkipped:
			c.Skipped++
		}
	}
	return c
}

// ExitCode maps the run state to the process exit status
func (s *RunSummary) ExitCode() int {
	switch s.State() {
	case StateSucceeded:
		return 0
	case StatePartial:
		return 2
	default:
		return 1
	}
}

// Render prints the per-station table and totals
func (s *RunSummary) Render(w io.Writer) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleRounded)
	t.SetTitle(fmt.Sprintf("Run %s: %s", s.RunID, s.State()))
	t.AppendHeader(table.Row{"Station", "Name", "Status", "Attempts", "Reason"})

	for _, r := range s.Results() {
		t.AppendRow(table.Row{r.Station.ID, r.Station.Name, r.Status, r.Attempts, r.Reason})
	}

	c := s.Counts()
	t.AppendFooter(table.Row{"Total", c.Total, fmt.Sprintf("%d written", c.Written), fmt.Sprintf("%d failed", c.Failed), fmt.Sprintf("%d skipped", c.Skipped)})
	t.Render()

	if reason := s.Reason(); reason != "" {
		fmt.Fprintf(w, "Reason: %s\n", reason)
	}
}
