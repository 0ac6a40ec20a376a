package scheme

import (
	"bytes"
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/qoptics/coincidence/internal/analysis"
	"github.com/qoptics/coincidence/internal/delay"
	"github.com/qoptics/coincidence/internal/device"
	"github.com/qoptics/coincidence/internal/record"
)

const testTable = `step,CA,s,WA,s,CB,s,WB,s
0,16.5,0.1,16.5,0.1,16.5,0.1,16.5,0.1
255,80.25,0.1,80.25,0.1,80.25,0.1,80.25,0.1
`

func testCalibrator(t *testing.T) *delay.Calibrator {
	t.Helper()
	table, err := delay.ReadTable(strings.NewReader(testTable))
	if err != nil {
		t.Fatalf("ReadTable: %v", err)
	}
	return delay.NewCalibratorFromTable(table)
}

// closeCounter counts Close calls on the wrapped transport.
type closeCounter struct {
	device.Transport
	closes int
}

func (c *closeCounter) Close() error {
	c.closes++
	return c.Transport.Close()
}

func newTestRunner(t *testing.T, cal *delay.Calibrator) (*Runner, *device.SimulatedTransport, *closeCounter) {
	t.Helper()
	sim := device.NewSimulatedCircuit(device.DefaultSimulatedConfig())
	cc := &closeCounter{Transport: sim}
	env := &Env{
		Circuit:    device.NewCoincidenceCircuit(cc, device.CircuitConfig{ResponseTimeout: time.Second}),
		Calibrator: cal,
	}
	r := NewRunner(env, record.New(t.TempDir()))
	r.Settle = 0
	r.Now = func() time.Time { return time.Date(2022, 1, 18, 10, 4, 2, 0, time.UTC) }
	return r, sim, cc
}

func TestRunnerSingleRun(t *testing.T) {
	r, sim, cc := newTestRunner(t, nil)
	s := NewSingleRun()
	s.Count = 3

	rows, err := r.Run(context.Background(), s)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(rows) != 3 || len(rows[0]) != 3 {
		t.Fatalf("rows = %v", rows)
	}
	if sim.Delay(delay.CA) != 61 || sim.Delay(delay.WB) != 83 {
		t.Fatalf("delays not applied: CA=%d WB=%d", sim.Delay(delay.CA), sim.Delay(delay.WB))
	}
	if cc.closes != 1 {
		t.Fatalf("transport closed %d times, want 1", cc.closes)
	}
	if path := r.Recorder.Path(); path != "" {
		t.Fatalf("recorder still open on %s", path)
	}
}

func TestRunnerRecordsRun(t *testing.T) {
	r, _, _ := newTestRunner(t, nil)
	dir := t.TempDir()
	r.Recorder = record.New(dir)
	s := NewSingleRun()
	s.Count = 2
	if _, err := r.Run(context.Background(), s); err != nil {
		t.Fatalf("Run: %v", err)
	}

	run, err := record.Load(filepath.Join(dir, "SingleRun", "2022-01-18-10-04-02.csv"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(run.Rows) != 2 || run.Metadata.Scheme != "SingleRun" {
		t.Fatalf("run = %+v", run)
	}
	if run.Metadata.Params["CA_steps"] != 61 {
		t.Fatalf("metadata = %+v", run.Metadata.Params)
	}
}

func TestRunnerClosesOnSetupFailure(t *testing.T) {
	r, _, cc := newTestRunner(t, nil)

	_, err := r.Run(context.Background(), NewWindowShift(true))
	if !errors.Is(err, ErrNoCalibration) {
		t.Fatalf("want ErrNoCalibration, got %v", err)
	}
	if cc.closes != 1 {
		t.Fatalf("transport closed %d times, want 1", cc.closes)
	}
}

func TestRunnerStopsOnCancel(t *testing.T) {
	r, _, cc := newTestRunner(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := r.Run(ctx, NewSingleRun()); !errors.Is(err, context.Canceled) {
		t.Fatalf("want context.Canceled, got %v", err)
	}
	if cc.closes != 1 {
		t.Fatalf("transport closed %d times, want 1", cc.closes)
	}
}

func TestWindowShiftPlan(t *testing.T) {
	r, sim, _ := newTestRunner(t, testCalibrator(t))

	rows, err := r.Run(context.Background(), NewWindowShift(true))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(rows) != 48 {
		t.Fatalf("got %d rows, want 48", len(rows))
	}
	// 20 ns on CA is (20-16.5)/0.25 = 14 steps, W lines sit 12 ns above.
	first, last := rows[0], rows[len(rows)-1]
	if first[0] != 14 || first[1] != 62 || first[2] != 38 || first[3] != 86 {
		t.Fatalf("first row = %v", first)
	}
	if last[0] != 62 || last[1] != 110 || last[2] != 38 {
		t.Fatalf("last row = %v", last)
	}
	if sim.Delay(delay.CA) != 62 {
		t.Fatalf("CA = %d after sweep", sim.Delay(delay.CA))
	}

	r2, _, _ := newTestRunner(t, testCalibrator(t))
	rows, err = r2.Run(context.Background(), NewWindowShift(false))
	if err != nil {
		t.Fatalf("Run shift B: %v", err)
	}
	if rows[0][0] != 38 || rows[0][2] != 14 {
		t.Fatalf("shift B first row = %v", rows[0])
	}
}

func TestWindowShiftOutOfRange(t *testing.T) {
	r, _, _ := newTestRunner(t, testCalibrator(t))
	s := NewWindowShift(true)
	s.LowerLimit = 70 // W lines would need 88 ns

	if _, err := r.Run(context.Background(), s); err == nil {
		t.Fatal("expected out of range error")
	}
}

func TestG2Scheme(t *testing.T) {
	r, sim, _ := newTestRunner(t, testCalibrator(t))
	s := NewG2()
	s.Start, s.End, s.Settle = 20, 24, 0

	rows, err := r.Run(context.Background(), s)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(rows) != 4 || rows[0][0] != 20 || rows[3][0] != 24 {
		t.Fatalf("rows = %v", rows)
	}
	// 24 ns = 30 steps on CB.
	if sim.Delay(delay.CB) != 30 || sim.Delay(delay.WA) != 14 {
		t.Fatalf("CB=%d WA=%d", sim.Delay(delay.CB), sim.Delay(delay.WA))
	}
}

func TestWindowSizeScheme(t *testing.T) {
	r, _, _ := newTestRunner(t, testCalibrator(t))
	s := NewWindowSize()
	s.BaseDelay, s.Settle = 75, 0

	rows, err := r.Run(context.Background(), s)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	// From 75 ns up to the 80.25 ns maximum, one point per ns.
	if len(rows) != 5 || rows[len(rows)-1][0] != 255 {
		t.Fatalf("rows = %v", rows)
	}
}

func TestBellTestRepeatsOnRequest(t *testing.T) {
	sim := device.NewSimulatedCircuit(device.DefaultSimulatedConfig())
	env := &Env{Circuit: device.NewCoincidenceCircuit(sim, device.CircuitConfig{ResponseTimeout: time.Second})}
	if err := env.Circuit.Open(); err != nil {
		t.Fatal(err)
	}
	defer env.Circuit.Close()

	var out bytes.Buffer
	s := NewBellTest(strings.NewReader("\n3\n\n\n"), &out)
	s.Repeats = 2
	ctx := context.Background()
	if err := s.Setup(ctx, env); err != nil {
		t.Fatalf("Setup: %v", err)
	}

	rows, err := s.Iteration(ctx, env, 0)
	if err != nil {
		t.Fatalf("Iteration: %v", err)
	}
	if len(rows) != 4 {
		t.Fatalf("got %d rows, want 2 settings x 2 repeats", len(rows))
	}
	if rows[0][0] != 0 || rows[2][0] != 2 || rows[3][3] != 1 {
		t.Fatalf("rows = %v", rows)
	}
	// Setting 1 reads α = -45/2 + 68 on the dial.
	if !strings.Contains(out.String(), "α = 45.5°") {
		t.Fatalf("prompt missing dial reading:\n%s", out.String())
	}
}

func TestAnalyseRecordedRun(t *testing.T) {
	dir := t.TempDir()
	rec := record.New(dir)
	if err := rec.Start("G2", []string{"delay", "C1", "C2", "CO"}, time.Now()); err != nil {
		t.Fatal(err)
	}
	rec.Record([]float64{20, 100, 200, 4})
	rec.Record([]float64{21, 0, 200, 0})
	rec.WriteMetadata(nil)
	path := rec.Path()
	rec.Close()

	run, err := record.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	var out bytes.Buffer
	if err := Analyse(&out, run, nil); err != nil {
		t.Fatalf("Analyse: %v", err)
	}
	if !strings.Contains(out.String(), "0.0002") || !strings.Contains(out.String(), "NaN") {
		t.Fatalf("unexpected summary:\n%s", out.String())
	}

	run.Metadata.Scheme = "Unknown"
	if err := Analyse(&out, run, nil); err == nil {
		t.Fatal("expected error for unknown scheme")
	}
}

func TestNewByName(t *testing.T) {
	for _, n := range Names() {
		s, err := New(n)
		if err != nil || s.Name() != n {
			t.Fatalf("New(%q) = %v, %v", n, s, err)
		}
	}
	if _, err := New("Nope"); err == nil {
		t.Fatal("expected error")
	}
}

// recordRun writes rows and the scheme's metadata and loads them back.
func recordRun(t *testing.T, s Scheme, rows [][]float64) *record.Run {
	t.Helper()
	rec := record.New(t.TempDir())
	if err := rec.Start(s.Name(), s.Columns(), time.Now()); err != nil {
		t.Fatal(err)
	}
	for _, row := range rows {
		if err := rec.Record(row); err != nil {
			t.Fatal(err)
		}
	}
	if err := rec.WriteMetadata(s.Metadata()); err != nil {
		t.Fatal(err)
	}
	path := rec.Path()
	rec.Close()

	run, err := record.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return run
}

func TestAnalyseRecordedWindowShift(t *testing.T) {
	cal := testCalibrator(t)
	s := NewWindowShift(false)
	truth := analysis.WindowParams{Background: 20, Amplitude: 800, Sigma: 0.8, Offset: 0.5, Window: 3}

	// CB sweeps against CA held at step 60; the calibration has 0.25 ns per step.
	var rows [][]float64
	for cb := 20; cb <= 100; cb++ {
		rel := 0.25 * float64(cb-60)
		rows = append(rows, []float64{60, 108, float64(cb), float64(cb + 48), 1000, 1000, analysis.WindowDistribution(rel, truth)})
	}
	run := recordRun(t, s, rows)

	if shiftA, ok := run.Metadata.Params["shift_A"].(bool); !ok || shiftA {
		t.Fatalf("shift_A = %#v", run.Metadata.Params["shift_A"])
	}
	if w, ok := paramFloat(run.Metadata.Params, "window_size"); !ok || w != 12 {
		t.Fatalf("window_size = %#v", run.Metadata.Params["window_size"])
	}

	var out bytes.Buffer
	if err := Analyse(&out, run, cal); err != nil {
		t.Fatalf("Analyse: %v", err)
	}
	if !strings.Contains(out.String(), "Fit parameters") || !strings.Contains(out.String(), "detector 1: 1000") {
		t.Fatalf("unexpected summary:\n%s", out.String())
	}
	if err := Analyse(&out, run, nil); !errors.Is(err, ErrNoCalibration) {
		t.Fatalf("Analyse without calibration = %v", err)
	}
}

func TestAnalyseRecordedBellTest(t *testing.T) {
	s := NewBellTest(nil, io.Discard)
	var rows [][]float64
	for i := range s.Alpha {
		for r := 0; r < 2; r++ {
			co := 50.0
			if s.Alpha[i] == 0 {
				co = 150
			}
			rows = append(rows, []float64{float64(i), s.Alpha[i], s.Beta[i], float64(r), 1000, 1000, co})
		}
	}
	run := recordRun(t, s, rows)

	var out bytes.Buffer
	if err := Analyse(&out, run, nil); err != nil {
		t.Fatalf("Analyse: %v", err)
	}
	for _, want := range []string{"E(-45, -22.5)", "S_strong", "S_weak"} {
		if !strings.Contains(out.String(), want) {
			t.Fatalf("summary lacks %q:\n%s", want, out.String())
		}
	}
}

func TestBellPromptSurvivesCancel(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	s := NewBellTest(pr, io.Discard)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.readLine(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("readLine after cancel = %v", err)
	}

	go pw.Write([]byte("7\n"))
	line, err := s.readLine(context.Background())
	if err != nil || line != "7" {
		t.Fatalf("readLine = %q, %v", line, err)
	}

	pw.Close()
	line, err = s.readLine(context.Background())
	if err != nil || line != "" {
		t.Fatalf("readLine at EOF = %q, %v", line, err)
	}
	if line, err = s.readLine(context.Background()); err != nil || line != "" {
		t.Fatalf("readLine after EOF = %q, %v", line, err)
	}
}
