package model

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRecord_Valid(t *testing.T) {
	now := time.Date(2022, 4, 2, 9, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		rec  Record
		want bool
	}{
		{"complete", Record{StationID: "S1", RetrievedAt: now, Metrics: []Metric{{Name: "2022-03-01", Value: ""}}}, true},
		{"no station", Record{RetrievedAt: now, Metrics: []Metric{{Name: "d"}}}, false},
		{"no timestamp", Record{StationID: "S1", Metrics: []Metric{{Name: "d"}}}, false},
		{"no metrics", Record{StationID: "S1", RetrievedAt: now}, false},
		{"unnamed metric", Record{StationID: "S1", RetrievedAt: now, Metrics: []Metric{{Value: "3"}}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, tt.rec.Valid())
		})
	}
}

func TestOutcome(t *testing.T) {
	ok := Success(Record{StationID: "S1"})
	require.True(t, ok.IsSuccess())
	require.Equal(t, "success", ok.String())
	require.Equal(t, "S1", ok.Record.StationID)

	tr := Transient(ReasonLoadTimeout, errors.New("no rows after 45s"))
	require.True(t, tr.IsTransient())
	require.Equal(t, "transient(load-timeout): no rows after 45s", tr.String())

	fa := Fatal(ReasonNoStations, nil)
	require.True(t, fa.IsFatal())
	require.Equal(t, "fatal(no-stations)", fa.String())

	require.Equal(t, "Quinta", Station{ID: "S1", Name: "Quinta"}.String())
	require.Equal(t, "S1", Station{ID: "S1"}.String())
}
