package logwriter

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alvmarrod/sunweaver/internal/config"
	"github.com/alvmarrod/sunweaver/internal/model"
	"github.com/stretchr/testify/require"
)

func record(id string, n int) model.Record {
	metrics := make([]model.Metric, n)
	for i := range metrics {
		metrics[i] = model.Metric{Name: fmt.Sprintf("2022-03-%02d", i+1), Value: fmt.Sprintf("%d.5", i)}
	}
	return model.Record{
		StationID:   id,
		StationName: "Station " + id,
		RetrievedAt: time.Date(2022, 4, 1, 8, 0, 0, 123456789, time.UTC),
		Metrics:     metrics,
	}
}

func TestJSONL_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(Options{Dir: dir, RunID: "run-1", SheetName: "Producao"})
	require.NoError(t, err)

	rec := record("S1", 3)
	require.NoError(t, w.Append(rec))
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
	require.Equal(t, 1, w.Count())

	entries, err := ReadJSONL(filepath.Join(dir, "run-1.jsonl"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "run-1", entries[0].RunID)
	require.Equal(t, rec.StationID, entries[0].StationID)
	require.Equal(t, rec.Metrics, entries[0].Metrics)
	require.True(t, rec.RetrievedAt.Equal(entries[0].RetrievedAt))

	m, err := ReadManifest(dir)
	require.NoError(t, err)
	require.Equal(t, "run-1", m.RunID)
	require.Equal(t, "Producao", m.SheetName)
	require.Equal(t, config.FormatJSONL, m.Format)
}

func TestAppend_RejectsIncompleteRecords(t *testing.T) {
	w, err := Open(Options{Dir: t.TempDir(), RunID: "run-1"})
	require.NoError(t, err)
	defer w.Close()

	require.Error(t, w.Append(model.Record{StationID: "S1", RetrievedAt: time.Now()}))
	require.Equal(t, 0, w.Count())

	require.NoError(t, w.Close())
	require.ErrorIs(t, w.Append(record("S1", 1)), errClosed)
}

func TestAppend_ConcurrentWritersNeverInterleave(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(Options{Dir: dir, RunID: "run-c"})
	require.NoError(t, err)

	const workers, perWorker = 8, 25
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				require.NoError(t, w.Append(record(fmt.Sprintf("S%d-%d", i, j), 40)))
			}
		}(i)
	}
	wg.Wait()
	require.NoError(t, w.Close())

	entries, err := ReadJSONL(w.Path())
	require.NoError(t, err)
	require.Len(t, entries, workers*perWorker)

	seen := map[string]bool{}
	for _, e := range entries {
		require.Len(t, e.Metrics, 40)
		seen[e.StationID] = true
	}
	require.Len(t, seen, workers*perWorker)
}

func TestAppend_ReopenAppends(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 2; i++ {
		w, err := Open(Options{Dir: dir, RunID: "run-r"})
		require.NoError(t, err)
		require.NoError(t, w.Append(record("S1", 1)))
		require.NoError(t, w.Close())
	}

	entries, err := ReadJSONL(filepath.Join(dir, "run-r.jsonl"))
	require.NoError(t, err)
	require.Len(t, entries, 2)
}

func TestStationFormats(t *testing.T) {
	rec := model.Record{
		StationID:   "S1",
		StationName: "Quinta/Norte",
		RetrievedAt: time.Date(2022, 4, 1, 8, 0, 0, 0, time.UTC),
		Metrics: []model.Metric{
			{Name: "2022-03-01", Value: "12.50"},
			{Name: "2022-03-02", Value: "-"},
			{Name: "2022-03-03", Value: "7"},
		},
	}

	tests := []struct {
		format string
		file   string
		want   string
	}{
		{config.FormatValues, "Quinta_Norte_S1.txt", "12.5\n0\n7\n"},
		{config.FormatLog, "Quinta_Norte_S1.log", "[2022-03-01]: 12.5\n[2022-03-02]: 0\n[2022-03-03]: 7\n"},
		{config.FormatCSV, "Quinta_Norte_S1.csv", "2022-03-01; 12.5\n2022-03-02; 0\n2022-03-03; 7\n"},
	}

	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			dir := t.TempDir()
			w, err := Open(Options{Dir: dir, RunID: "run-f", Format: tt.format})
			require.NoError(t, err)
			require.NoError(t, w.Append(rec))
			require.NoError(t, w.Close())

			path := filepath.Join(dir, "run-f", tt.file)
			require.Equal(t, path, w.StationPath(model.Station{ID: "S1", Name: "Quinta/Norte"}))
			data, err := os.ReadFile(path)
			require.NoError(t, err)
			require.Equal(t, tt.want, string(data))

			// the run log keeps what the export drops
			entries, err := ReadJSONL(filepath.Join(dir, "run-f.jsonl"))
			require.NoError(t, err)
			require.Len(t, entries, 1)
			require.Equal(t, "S1", entries[0].StationID)
			require.True(t, rec.RetrievedAt.Equal(entries[0].RetrievedAt))
			require.Equal(t, rec.Metrics, entries[0].Metrics)
		})
	}
}

func TestStationFormats_RunsDoNotMix(t *testing.T) {
	dir := t.TempDir()
	for i, runID := range []string{"run-1", "run-2"} {
		w, err := Open(Options{Dir: dir, RunID: runID, Format: config.FormatValues})
		require.NoError(t, err)
		rec := record("S1", 1)
		rec.StationName = "Quinta"
		rec.Metrics[0].Value = fmt.Sprint(i + 1)
		require.NoError(t, w.Append(rec))
		require.NoError(t, w.Close())
	}

	for i, runID := range []string{"run-1", "run-2"} {
		data, err := os.ReadFile(filepath.Join(dir, runID, "Quinta_S1.txt"))
		require.NoError(t, err)
		require.Equal(t, fmt.Sprintf("%d\n", i+1), string(data))
	}
}

func TestStationFormats_SharedNamesKeepSeparateFiles(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(Options{Dir: dir, RunID: "run-n", Format: config.FormatCSV})
	require.NoError(t, err)

	for _, id := range []string{"A1", "B2"} {
		rec := record(id, 1)
		rec.StationName = "Same"
		require.NoError(t, w.Append(rec))
	}
	noName := record("C3", 1)
	noName.StationName = ""
	require.NoError(t, w.Append(noName))
	require.NoError(t, w.Close())

	files, err := os.ReadDir(filepath.Join(dir, "run-n"))
	require.NoError(t, err)
	var names []string
	for _, f := range files {
		names = append(names, f.Name())
	}
	require.ElementsMatch(t, []string{"Same_A1.csv", "Same_B2.csv", "C3.csv"}, names)
	require.Equal(t, 3, w.Count())
}

func TestOpen_RequiresRunID(t *testing.T) {
	_, err := Open(Options{Dir: t.TempDir()})
	require.Error(t, err)
}
