// Package logwriter appends extracted records to the run's output directory.
// Every Append is a single write of one complete entry, serialized across
// workers, so entries never interleave.
package logwriter

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/alvmarrod/sunweaver/internal/config"
	"github.com/alvmarrod/sunweaver/internal/model"
	"github.com/sirupsen/logrus"
)

// ManifestName is written next to the records for the exporter
const ManifestName = "manifest.json"

var errClosed = errors.New("log writer closed")

// Options configure a Writer
type Options struct {
	Dir       string
	Format    string
	RunID     string
	SheetName string
	StartedAt time.Time
}

// Manifest describes a run's output
type Manifest struct {
	RunID     string    `json:"run_id"`
	SheetName string    `json:"sheet_name"`
	Format    string    `json:"format"`
	StartedAt time.Time `json:"started_at"`
}

// Entry is one line of the jsonl log
type Entry struct {
	RunID string `json:"run_id"`
	model.Record
}

// Writer is the append-only output of one run
type Writer struct {
	mu     sync.Mutex
	opts   Options
	jsonl  *os.File
	count  int
	closed bool
}

// Open prepares the output directory, writes the manifest and opens the run
// log. The jsonl log is written for every format; values, log and csv add one
// export file per station under a directory named after the run. Existing
// files are appended to, never truncated, so a resumed run keeps its entries.
func Open(opts Options) (*Writer, error) {
	if opts.Format == "" {
		opts.Format = config.FormatJSONL
	}
	if opts.RunID == "" {
		return nil, fmt.Errorf("run id is required")
	}
	if opts.StartedAt.IsZero() {
		opts.StartedAt = time.Now().UTC()
	}
	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	w := &Writer{opts: opts}
	if opts.Format != config.FormatJSONL {
		if err := os.MkdirAll(w.ExportDir(), 0755); err != nil {
			return nil, fmt.Errorf("failed to create export directory: %w", err)
		}
	}
	if err := w.writeManifest(); err != nil {
		return nil, err
	}

	f, err := openAppend(w.Path())
	if err != nil {
		return nil, err
	}
	w.jsonl = f

	logrus.Debugf("Writing %s records to %s", opts.Format, opts.Dir)
	return w, nil
}

func (w *Writer) writeManifest() error {
	data, err := json.MarshalIndent(Manifest{
		RunID:     w.opts.RunID,
		SheetName: w.opts.SheetName,
		Format:    w.opts.Format,
		StartedAt: w.opts.StartedAt,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(w.opts.Dir, ManifestName), data, 0644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	return nil
}

// Path is the jsonl log of the run
func (w *Writer) Path() string {
	return filepath.Join(w.opts.Dir, w.opts.RunID+".jsonl")
}

// ExportDir holds the per-station files of the values, log and csv formats
func (w *Writer) ExportDir() string {
	return filepath.Join(w.opts.Dir, w.opts.RunID)
}

// StationPath is the per-station export file of a station
func (w *Writer) StationPath(st model.Station) string {
	return filepath.Join(w.ExportDir(), fileName(st.Name, st.ID)+"."+extension(w.opts.Format))
}

// Append writes one record. Invalid records are rejected so that partial data
// never reaches the output.
func (w *Writer) Append(rec model.Record) error {
	if !rec.Valid() {
		return fmt.Errorf("refusing to write incomplete record for station %q", rec.StationID)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return errClosed
	}

	// the run log only holds records whose export succeeded
	if w.opts.Format != config.FormatJSONL {
		if err := w.appendStation(rec); err != nil {
			return err
		}
	}
	if err := w.appendJSONL(rec); err != nil {
		return err
	}
	w.count++
	return nil
}

func (w *Writer) appendJSONL(rec model.Record) error {
	line, err := json.Marshal(Entry{RunID: w.opts.RunID, Record: rec})
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	line = append(line, '\n')
	if _, err := w.jsonl.Write(line); err != nil {
		return fmt.Errorf("failed to append record: %w", err)
	}
	return nil
}

func (w *Writer) appendStation(rec model.Record) error {
	var b strings.Builder
	for _, m := range rec.Metrics {
		b.WriteString(formatLine(w.opts.Format, m))
		b.WriteByte('\n')
	}

	path := w.StationPath(model.Station{ID: rec.StationID, Name: rec.StationName})
	f, err := openAppend(path)
	if err != nil {
		return err
	}
	_, werr := f.WriteString(b.String())
	cerr := f.Close()
	if werr != nil {
		return fmt.Errorf("failed to append to %s: %w", path, werr)
	}
	return cerr
}

// Count is the number of records appended by this writer
func (w *Writer) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}

// Close flushes and closes the run log. Safe to call more than once.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.jsonl.Sync(); err != nil {
		logrus.Warnf("Failed to sync %s: %v", w.jsonl.Name(), err)
	}
	return w.jsonl.Close()
}

func openAppend(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	return f, nil
}

func extension(format string) string {
	if format == config.FormatValues {
		return "txt"
	}
	return format
}

// formatLine renders one metric; values that are not numbers print as 0
func formatLine(format string, m model.Metric) string {
	value := "0"
	if v, err := strconv.ParseFloat(strings.TrimSpace(m.Value), 64); err == nil {
		value = strconv.FormatFloat(v, 'f', -1, 64)
	}

	switch format {
	case config.FormatValues:
		return value
	case config.FormatCSV:
		return m.Name + "; " + value
	default:
		return "[" + m.Name + "]: " + value
	}
}

// fileName is the station identifier, prefixed by its display name when it
// has one, so stations sharing a name never share a file
func fileName(name, id string) string {
	base := strings.TrimSpace(id)
	if name = strings.TrimSpace(name); name != "" && name != base {
		base = name + "_" + base
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		return r
	}, base)
}

// ReadJSONL reads back a run log
func ReadJSONL(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for n := 1; scanner.Scan(); n++ {
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, n, err)
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return entries, nil
}

// ReadManifest reads the manifest of an output directory
func ReadManifest(dir string) (Manifest, error) {
	var m Manifest
	data, err := os.ReadFile(filepath.Join(dir, ManifestName))
	if err != nil {
		return m, err
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("invalid manifest: %w", err)
	}
	return m, nil
}
