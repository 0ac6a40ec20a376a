// Package record stores measurement runs: a CSV file of data rows per run
// and a YAML sidecar with the run's metadata.
package record

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// TimestampFormat names run files. It avoids ':' so files stay portable.
const TimestampFormat = "2006-01-02-15-04-05"

const (
	maxRowsPerFile = 100_000 // Rotate into a new part after 100k rows
)

// Recorder writes the rows of one run to <dir>/<scheme>/<timestamp>.csv.
type Recorder struct {
	mu  sync.Mutex
	dir string

	scheme  string
	stamp   time.Time
	columns []string

	file   *os.File
	writer *csv.Writer
	rows   int
	part   int
}

// New creates a Recorder rooted at dir.
func New(dir string) *Recorder {
	if dir == "" {
		dir = "data"
	}
	return &Recorder{dir: dir}
}

// Start begins a new run. Any previous run is closed first.
func (r *Recorder) Start(scheme string, columns []string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closeFile()
	r.scheme = scheme
	r.stamp = at
	r.columns = append([]string(nil), columns...)
	r.part = 0
	return r.openFile()
}

func (r *Recorder) folder() string { return filepath.Join(r.dir, r.scheme) }

func (r *Recorder) base() string {
	name := r.stamp.Format(TimestampFormat)
	if r.part > 0 {
		name = fmt.Sprintf("%s_part%d", name, r.part)
	}
	return filepath.Join(r.folder(), name)
}

func (r *Recorder) openFile() error {
	if err := os.MkdirAll(r.folder(), 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", r.folder(), err)
	}
	path := r.base() + ".csv"
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	r.file = f
	r.writer = csv.NewWriter(f)
	r.rows = 0

	if err := r.writer.Write(r.columns); err != nil {
		return err
	}
	r.writer.Flush()
	log.Printf("[record] opened %s", path)
	return r.writer.Error()
}

// Record appends one data row. The row must have one value per column.
func (r *Recorder) Record(row []float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.writer == nil {
		return errors.New("record: no run started")
	}
	if len(row) != len(r.columns) {
		return fmt.Errorf("record: row has %d values, want %d", len(row), len(r.columns))
	}
	if r.rows >= maxRowsPerFile {
		r.closeFile()
		r.part++
		if err := r.openFile(); err != nil {
			return err
		}
	}

	fields := make([]string, len(row))
	for i, v := range row {
		fields[i] = strconv.FormatFloat(v, 'g', -1, 64)
	}
	if err := r.writer.Write(fields); err != nil {
		return fmt.Errorf("record: write: %w", err)
	}
	r.writer.Flush()
	r.rows++
	return r.writer.Error()
}

// Metadata is the content of a run's YAML sidecar.
type Metadata struct {
	Scheme    string         `yaml:"scheme"`
	Timestamp string         `yaml:"timestamp"`
	Columns   []string       `yaml:"columns"`
	Params    map[string]any `yaml:"params,omitempty"`
}

// WriteMetadata writes the sidecar of the current run.
func (r *Recorder) WriteMetadata(params map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.scheme == "" {
		return errors.New("record: no run started")
	}
	meta := Metadata{
		Scheme:    r.scheme,
		Timestamp: r.stamp.Format(TimestampFormat),
		Columns:   r.columns,
		Params:    params,
	}
	data, err := yaml.Marshal(&meta)
	if err != nil {
		return fmt.Errorf("record: marshal metadata: %w", err)
	}
	path := filepath.Join(r.folder(), r.stamp.Format(TimestampFormat)+".yaml")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("record: %w", err)
	}
	log.Printf("[record] saved metadata to %s", path)
	return nil
}

// Path returns the CSV file currently written to.
func (r *Recorder) Path() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return ""
	}
	return r.file.Name()
}

// Close flushes and closes the current file.
func (r *Recorder) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeFile()
}

func (r *Recorder) closeFile() {
	if r.writer != nil {
		r.writer.Flush()
		r.writer = nil
	}
	if r.file != nil {
		r.file.Close()
		r.file = nil
	}
}

// partSuffix matches the name suffix of rotated files. All parts of a run
// share one sidecar.
var partSuffix = regexp.MustCompile(`_part\d+$`)

// Run is a run read back from disk.
type Run struct {
	Columns  []string
	Rows     [][]float64
	Metadata Metadata
}

// Column returns the values of the named column.
func (r *Run) Column(name string) ([]float64, error) {
	for i, c := range r.Columns {
		if c == name {
			out := make([]float64, len(r.Rows))
			for j, row := range r.Rows {
				out[j] = row[i]
			}
			return out, nil
		}
	}
	return nil, fmt.Errorf("record: no column %q (have %s)", name, strings.Join(r.Columns, ", "))
}

// Load reads a run CSV and, if present, its YAML sidecar.
func Load(csvPath string) (*Run, error) {
	f, err := os.Open(csvPath)
	if err != nil {
		return nil, fmt.Errorf("record: %w", err)
	}
	defer f.Close()

	cr := csv.NewReader(f)
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("record %s: header: %w", csvPath, err)
	}
	run := &Run{Columns: header}
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("record %s: %w", csvPath, err)
		}
		row := make([]float64, len(rec))
		for i, field := range rec {
			if row[i], err = strconv.ParseFloat(field, 64); err != nil {
				return nil, fmt.Errorf("record %s: %w", csvPath, err)
			}
		}
		run.Rows = append(run.Rows, row)
	}

	sidecar := partSuffix.ReplaceAllString(strings.TrimSuffix(csvPath, filepath.Ext(csvPath)), "") + ".yaml"
	if data, err := os.ReadFile(sidecar); err == nil {
		if err := yaml.Unmarshal(data, &run.Metadata); err != nil {
			return nil, fmt.Errorf("record %s: %w", sidecar, err)
		}
	}
	return run, nil
}
