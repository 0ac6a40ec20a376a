// Package scheme runs measurement schemes against the coincidence circuit.
//
// A scheme configures the hardware once in Setup and then acquires data in
// a fixed number of iterations. The Runner owns the surrounding lifecycle:
// it opens the devices, records every row and always closes the devices
// again, whatever way the run ends.
package scheme

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/qoptics/coincidence/internal/delay"
	"github.com/qoptics/coincidence/internal/device"
	"github.com/qoptics/coincidence/internal/record"
)

// DefaultSettle is the pause the Runner takes after opening the devices and
// after Setup, giving the firmware time to apply configuration writes.
const DefaultSettle = time.Second

// ErrNoCalibration is returned by schemes that convert nanoseconds to steps
// when the environment has no calibrator.
var ErrNoCalibration = errors.New("scheme: no delay calibration available")

// Env is the hardware a scheme operates on.
type Env struct {
	Circuit        *device.CoincidenceCircuit
	Interferometer *device.Interferometer // optional
	Calibrator     *delay.Calibrator      // optional for schemes that use raw steps
}

func (e *Env) calibrator() (*delay.Calibrator, error) {
	if e.Calibrator == nil {
		return nil, ErrNoCalibration
	}
	return e.Calibrator, nil
}

// Scheme is one kind of measurement.
type Scheme interface {
	// Name is used for the data folder and in log lines.
	Name() string
	// Columns names the values of every recorded row.
	Columns() []string
	// Setup brings the hardware into the scheme's initial state.
	Setup(ctx context.Context, env *Env) error
	// Iterations is the number of Iteration calls. It is queried after
	// Setup, so schemes may derive it from the calibration.
	Iterations() int
	// Iteration acquires zero or more rows of data.
	Iteration(ctx context.Context, env *Env, i int) ([][]float64, error)
	// Metadata is stored next to the recorded rows.
	Metadata() map[string]any
}

// Runner executes schemes.
type Runner struct {
	Env      *Env
	Recorder *record.Recorder // nil disables recording
	Settle   time.Duration
	Now      func() time.Time
}

// NewRunner returns a Runner with the default settle time.
func NewRunner(env *Env, rec *record.Recorder) *Runner {
	return &Runner{Env: env, Recorder: rec, Settle: DefaultSettle, Now: time.Now}
}

// Run executes s and returns all acquired rows. Any error aborts the run;
// rows acquired up to that point are still returned and recorded.
func (r *Runner) Run(ctx context.Context, s Scheme) (rows [][]float64, err error) {
	if r.Env == nil || r.Env.Circuit == nil {
		return nil, errors.New("scheme: runner has no coincidence circuit")
	}
	now := r.Now
	if now == nil {
		now = time.Now
	}
	name := s.Name()

	log.Printf("[scheme] preparing %s", name)
	if err := r.Env.Circuit.Open(); err != nil {
		return nil, fmt.Errorf("scheme %s: %w", name, err)
	}
	defer r.Env.Circuit.Close()
	if r.Env.Interferometer != nil {
		if err := r.Env.Interferometer.Open(); err != nil {
			return nil, fmt.Errorf("scheme %s: %w", name, err)
		}
		defer r.Env.Interferometer.Close()
	}
	defer log.Printf("[scheme] tearing down %s", name)

	if err := device.Sleep(ctx, r.Settle); err != nil {
		return nil, err
	}
	if err := s.Setup(ctx, r.Env); err != nil {
		return nil, fmt.Errorf("scheme %s: setup: %w", name, err)
	}
	if err := device.Sleep(ctx, r.Settle); err != nil {
		return nil, err
	}

	if r.Recorder != nil {
		if err := r.Recorder.Start(name, s.Columns(), now()); err != nil {
			return nil, fmt.Errorf("scheme %s: %w", name, err)
		}
		defer r.Recorder.Close()
		defer func() {
			if merr := r.Recorder.WriteMetadata(s.Metadata()); merr != nil && err == nil {
				err = merr
			}
		}()
	}

	n := s.Iterations()
	log.Printf("[scheme] starting measurements for %s", name)
	for i := 0; i < n; i++ {
		log.Printf("[scheme] acquiring data for iteration %d of %d", i+1, n)
		got, err := s.Iteration(ctx, r.Env, i)
		if err != nil {
			return rows, fmt.Errorf("scheme %s: iteration %d: %w", name, i+1, err)
		}
		for _, row := range got {
			if r.Recorder != nil {
				if err := r.Recorder.Record(row); err != nil {
					return rows, fmt.Errorf("scheme %s: %w", name, err)
				}
			}
			rows = append(rows, row)
		}
	}
	log.Printf("[scheme] finished measurements for %s", name)
	return rows, nil
}

// countsRow flattens counts into the trailing C1, C2, CO columns of a row.
func countsRow(prefix []float64, c device.Counts) []float64 {
	return append(prefix, float64(c.Counter1), float64(c.Counter2), float64(c.Coincidences))
}

// setAll sets the four delay lines to the given steps in line order.
func setAll(c *device.CoincidenceCircuit, s [delay.LineCount]int) error {
	for _, l := range delay.Lines() {
		if err := c.SetDelay(s[l], l); err != nil {
			return err
		}
	}
	return nil
}

// clearAndRead clears the counters, lets them count for settle and reads
// them back. Timing runs on the host clock.
func clearAndRead(ctx context.Context, c *device.CoincidenceCircuit, settle time.Duration) (device.Counts, error) {
	if err := c.ClearCounters(); err != nil {
		return device.Counts{}, err
	}
	if err := device.Sleep(ctx, settle); err != nil {
		return device.Counts{}, err
	}
	return c.SaveAndReadCounts(ctx)
}

// New returns the named scheme with its default parameters.
func New(name string) (Scheme, error) {
	switch name {
	case "SingleRun":
		return NewSingleRun(), nil
	case "WindowShift":
		return NewWindowShift(true), nil
	case "WindowSize":
		return NewWindowSize(), nil
	case "G2":
		return NewG2(), nil
	case "BellTest":
		return NewBellTest(nil, nil), nil
	}
	return nil, fmt.Errorf("scheme: unknown scheme %q (have %v)", name, Names())
}

// Names lists the schemes New knows.
func Names() []string {
	return []string{"SingleRun", "WindowShift", "WindowSize", "G2", "BellTest"}
}
