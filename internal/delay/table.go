package delay

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// Sample is one calibration measurement of a single line.
type Sample struct {
	Step  float64
	Delay float64 // ns
	Sigma float64 // ns, one standard deviation
}

// Table holds the persisted calibration measurements: a shared step column
// and a (delay, sigma) pair per line.
type Table struct {
	Steps  []float64
	Delays [LineCount][]float64
	Sigmas [LineCount][]float64
}

// Samples returns the calibration samples of line l.
func (t *Table) Samples(l Line) []Sample {
	out := make([]Sample, len(t.Steps))
	for i, s := range t.Steps {
		out[i] = Sample{Step: s, Delay: t.Delays[l][i], Sigma: t.Sigmas[l][i]}
	}
	return out
}

// LoadTable reads a calibration table from path.
func LoadTable(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("calibration: %w", err)
	}
	defer f.Close()

	t, err := ReadTable(f)
	if err != nil {
		return nil, fmt.Errorf("calibration %s: %w", path, err)
	}
	return t, nil
}

// ReadTable parses a comma separated calibration table. The first record is
// a header and is skipped; lines starting with '#' are ignored.
func ReadTable(r io.Reader) (*Table, error) {
	const columns = 1 + 2*LineCount

	cr := csv.NewReader(r)
	cr.Comment = '#'
	cr.TrimLeadingSpace = true
	cr.FieldsPerRecord = -1

	if _, err := cr.Read(); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("empty table")
		}
		return nil, fmt.Errorf("header: %w", err)
	}

	t := &Table{}
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		line, _ := cr.FieldPos(0)
		if len(rec) != columns {
			return nil, fmt.Errorf("line %d: want %d columns, got %d", line, columns, len(rec))
		}

		vals := make([]float64, columns)
		for i, field := range rec {
			v, err := strconv.ParseFloat(strings.TrimSpace(field), 64)
			if err != nil {
				return nil, fmt.Errorf("line %d column %d: %w", line, i+1, err)
			}
			vals[i] = v
		}

		t.Steps = append(t.Steps, vals[0])
		for l := 0; l < LineCount; l++ {
			sigma := vals[2+2*l]
			if sigma <= 0 {
				return nil, fmt.Errorf("line %d: %s sigma must be positive, got %g", line, Line(l), sigma)
			}
			t.Delays[l] = append(t.Delays[l], vals[1+2*l])
			t.Sigmas[l] = append(t.Sigmas[l], sigma)
		}
	}

	if len(t.Steps) < 2 {
		return nil, fmt.Errorf("need at least 2 calibration rows, got %d", len(t.Steps))
	}
	return t, nil
}
