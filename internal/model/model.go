package model

import (
	"fmt"
	"time"
)

// Station represents one monitored solar installation on the dashboard
type Station struct {
	ID        string
	Name      string
	ReportURL string
}

// String returns the display name, falling back to the identifier
func (s Station) String() string {
	if s.Name != "" {
		return s.Name
	}
	return s.ID
}

// Metric is a single (name, value) pair extracted from a report page
type Metric struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Record is one complete station report
type Record struct {
	StationID   string    `json:"station_id"`
	StationName string    `json:"station_name,omitempty"`
	RetrievedAt time.Time `json:"retrieved_at"`
	Metrics     []Metric  `json:"metrics"`
}

// Valid reports whether all required fields are present
func (r Record) Valid() bool {
	if r.StationID == "" || r.RetrievedAt.IsZero() || len(r.Metrics) == 0 {
		return false
	}
	for _, m := range r.Metrics {
		if m.Name == "" {
			return false
		}
	}
	return true
}

// Kind tags an Outcome
type Kind int

const (
	KindSuccess Kind = iota
	KindTransient
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindTransient:
		return "transient"
	case KindFatal:
		return "fatal"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Failure reasons
const (
	ReasonLoadTimeout       = "load-timeout"
	ReasonParseMismatch     = "parse-mismatch"
	ReasonSessionExpired    = "session-expired"
	ReasonNavigation        = "navigation"
	ReasonBadCredentials    = "bad-credentials"
	ReasonLoginTimeout      = "login-timeout"
	ReasonDriverUnreachable = "driver-unreachable"
	ReasonNoStations        = "no-stations"
	ReasonReloginFailed     = "relogin-failed"
	ReasonCancelled         = "cancelled"
	ReasonWriteFailed       = "write-failed"
)

// Outcome is the tagged result of a fetch or login attempt
type Outcome struct {
	Kind   Kind
	Record *Record
	Reason string
	Err    error
}

// Success wraps a complete record
func Success(rec Record) Outcome {
	return Outcome{Kind: KindSuccess, Record: &rec}
}

// Transient builds a retryable failure
func Transient(reason string, err error) Outcome {
	return Outcome{Kind: KindTransient, Reason: reason, Err: err}
}

// Fatal builds a failure that must not be retried
func Fatal(reason string, err error) Outcome {
	return Outcome{Kind: KindFatal, Reason: reason, Err: err}
}

func (o Outcome) IsSuccess() bool   { return o.Kind == KindSuccess }
func (o Outcome) IsTransient() bool { return o.Kind == KindTransient }
func (o Outcome) IsFatal() bool     { return o.Kind == KindFatal }

func (o Outcome) String() string {
	if o.Kind == KindSuccess {
		return "success"
	}
	if o.Err != nil {
		return fmt.Sprintf("%s(%s): %v", o.Kind, o.Reason, o.Err)
	}
	return fmt.Sprintf("%s(%s)", o.Kind, o.Reason)
}
