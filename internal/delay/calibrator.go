// Package delay converts between delay line steps and physical delays in
// nanoseconds using per-line linear calibrations fitted from a measured
// calibration table.
package delay

import (
	"fmt"
	"log"
	"math"
	"sync"

	"github.com/qoptics/coincidence/internal/steps"
)

// Loader produces the calibration table on first use.
type Loader func() (*Table, error)

// Calibrator fits all delay lines once, on first access, and serves the
// cached fits afterwards. It is safe for concurrent use.
type Calibrator struct {
	load Loader

	mu     sync.Mutex
	done   bool
	fits   [LineCount]Calibration
	err    error
	hits   int
	misses int
}

// NewCalibrator returns a Calibrator that reads its table from path.
func NewCalibrator(path string) *Calibrator {
	return NewCalibratorFunc(func() (*Table, error) { return LoadTable(path) })
}

// NewCalibratorFunc returns a Calibrator backed by an arbitrary loader.
func NewCalibratorFunc(load Loader) *Calibrator {
	return &Calibrator{load: load}
}

// NewCalibratorFromTable wraps an already loaded table.
func NewCalibratorFromTable(t *Table) *Calibrator {
	return NewCalibratorFunc(func() (*Table, error) { return t, nil })
}

func (c *Calibrator) compute() {
	log.Printf("[delay] calculating delay line calibration")
	t, err := c.load()
	if err != nil {
		c.err = err
		return
	}
	for _, l := range Lines() {
		fit, err := Fit(t.Samples(l))
		if err != nil {
			c.err = fmt.Errorf("calibration %s: %w", l, err)
			return
		}
		c.fits[l] = fit
		log.Printf("[delay] %s: %.5f ns/step, %.4f ns at step 0", l, fit.Slope, fit.Intercept)
	}
}

// Calibrations returns the fits of all lines, indexed by Line.
func (c *Calibrator) Calibrations() ([LineCount]Calibration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.done {
		c.hits++
	} else {
		c.misses++
		c.compute()
		c.done = true
	}
	return c.fits, c.err
}

// Calibration returns the fit of a single line.
func (c *Calibrator) Calibration(l Line) (Calibration, error) {
	if !l.Valid() {
		return Calibration{}, fmt.Errorf("invalid delay line %d", int(l))
	}
	fits, err := c.Calibrations()
	if err != nil {
		return Calibration{}, err
	}
	return fits[l], nil
}

// Cached returns the fit of l if it has already been computed. It neither
// triggers a fit nor counts as an access in Stats.
func (c *Calibrator) Cached(l Line) (Calibration, bool) {
	if !l.Valid() {
		return Calibration{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.done || c.err != nil {
		return Calibration{}, false
	}
	return c.fits[l], true
}

// Stats reports how many accesses were served from the cache and how many
// triggered a fit.
func (c *Calibrator) Stats() (hits, misses int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}

// Reset drops the cached fits and counters. The next access refits.
func (c *Calibrator) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.done = false
	c.fits = [LineCount]Calibration{}
	c.err = nil
	c.hits, c.misses = 0, 0
}

// StepsToDelay returns the delay in ns of line l at the given step.
func (c *Calibrator) StepsToDelay(l Line, s int) (float64, error) {
	if _, err := steps.ValidateDelayStep(s); err != nil {
		return 0, err
	}
	cal, err := c.Calibration(l)
	if err != nil {
		return 0, err
	}
	return cal.Intercept + cal.Slope*float64(s), nil
}

// StepsToDelays is the vectorized form of StepsToDelay.
func (c *Calibrator) StepsToDelays(l Line, ss []int) ([]float64, error) {
	if _, err := steps.ValidateDelaySteps(ss); err != nil {
		return nil, err
	}
	cal, err := c.Calibration(l)
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(ss))
	for i, s := range ss {
		out[i] = cal.Intercept + cal.Slope*float64(s)
	}
	return out, nil
}

// DelayToSteps returns the step whose delay is closest to ns. Delays that
// round onto the step range (including float noise just past either end)
// are accepted; anything further out is a range error.
func (c *Calibrator) DelayToSteps(l Line, ns float64) (int, error) {
	cal, err := c.Calibration(l)
	if err != nil {
		return 0, err
	}
	return toSteps(l, cal, ns, -1)
}

// DelaysToSteps is the vectorized form of DelayToSteps.
func (c *Calibrator) DelaysToSteps(l Line, ns []float64) ([]int, error) {
	cal, err := c.Calibration(l)
	if err != nil {
		return nil, err
	}
	out := make([]int, len(ns))
	for i, d := range ns {
		if out[i], err = toSteps(l, cal, d, i); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func toSteps(l Line, cal Calibration, ns float64, index int) (int, error) {
	ideal := math.Round((ns - cal.Intercept) / cal.Slope)
	if math.IsNaN(ideal) || ideal < steps.MinDelayStep || ideal > steps.MaxDelayStep {
		return 0, &steps.RangeError{
			Quantity: l.String() + " delay (ns)",
			Value:    ns,
			Min:      cal.Intercept,
			Max:      cal.Intercept + cal.Slope*steps.MaxDelayStep,
			Index:    index,
		}
	}
	return int(ideal), nil
}

// DelayStd propagates the fit uncertainty to the delay at step s, treating
// slope and intercept as uncorrelated.
func (c *Calibrator) DelayStd(l Line, s int) (float64, error) {
	if _, err := steps.ValidateDelayStep(s); err != nil {
		return 0, err
	}
	cal, err := c.Calibration(l)
	if err != nil {
		return 0, err
	}
	fs := float64(s)
	return math.Sqrt(cal.VarSlope*fs*fs + cal.VarIntercept), nil
}

// MinimumDelay is the delay of line l at step 0.
func (c *Calibrator) MinimumDelay(l Line) (float64, error) {
	return c.StepsToDelay(l, steps.MinDelayStep)
}

// MaximumDelay is the delay of line l at step 255.
func (c *Calibrator) MaximumDelay(l Line) (float64, error) {
	return c.StepsToDelay(l, steps.MaxDelayStep)
}

// ValidateDelay checks that ns lies within the physical range of line l.
func (c *Calibrator) ValidateDelay(l Line, ns float64) error {
	lo, err := c.MinimumDelay(l)
	if err != nil {
		return err
	}
	hi, err := c.MaximumDelay(l)
	if err != nil {
		return err
	}
	if ns < lo || ns > hi {
		return &steps.RangeError{Quantity: l.String() + " delay (ns)", Value: ns, Min: lo, Max: hi, Index: -1}
	}
	return nil
}
