package scheme

import (
	"context"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/floats"

	"github.com/qoptics/coincidence/internal/delay"
)

// WindowShift sweeps the relative delay between the A and B channels at a
// fixed window width. The shifted pair moves through
// [fixed-RegionSize, fixed+RegionSize] ns while the other pair stays at the
// fixed delay, with fixed = LowerLimit+RegionSize.
type WindowShift struct {
	ShiftA         bool
	LowerLimit     float64 // ns
	RegionSize     float64 // ns
	WindowSize     float64 // ns between a line's C and W delay
	MeasureSeconds int

	plan [][delay.LineCount]int
}

func NewWindowShift(shiftA bool) *WindowShift {
	return &WindowShift{ShiftA: shiftA, LowerLimit: 20, RegionSize: 6, WindowSize: 12, MeasureSeconds: 1}
}

func (s *WindowShift) Name() string { return "WindowShift" }

func (s *WindowShift) Columns() []string {
	return []string{"CA", "WA", "CB", "WB", "C1", "C2", "CO"}
}

// Iterations is 2 * 4 * RegionSize, a point every eighth of a ns.
func (s *WindowShift) Iterations() int { return int(2 * 4 * s.RegionSize) }

// Setup converts the desired delays of every iteration to steps, so that a
// sweep running out of range fails before anything is measured.
func (s *WindowShift) Setup(ctx context.Context, env *Env) error {
	cal, err := env.calibrator()
	if err != nil {
		return err
	}
	n := s.Iterations()
	if n < 2 {
		return fmt.Errorf("window shift: region size %g ns gives %d points", s.RegionSize, n)
	}
	fixed := s.LowerLimit + s.RegionSize
	desired := floats.Span(make([]float64, n), fixed-s.RegionSize, fixed+s.RegionSize)
	windowed := make([]float64, n)
	for i, d := range desired {
		windowed[i] = d + s.WindowSize
	}

	moveC, moveW, fixC, fixW := delay.CA, delay.WA, delay.CB, delay.WB
	if !s.ShiftA {
		moveC, moveW, fixC, fixW = delay.CB, delay.WB, delay.CA, delay.WA
	}
	cSteps, err := cal.DelaysToSteps(moveC, desired)
	if err != nil {
		return err
	}
	wSteps, err := cal.DelaysToSteps(moveW, windowed)
	if err != nil {
		return err
	}
	fc, err := cal.DelayToSteps(fixC, fixed)
	if err != nil {
		return err
	}
	fw, err := cal.DelayToSteps(fixW, fixed+s.WindowSize)
	if err != nil {
		return err
	}

	s.plan = make([][delay.LineCount]int, n)
	for i := range s.plan {
		s.plan[i][moveC] = cSteps[i]
		s.plan[i][moveW] = wSteps[i]
		s.plan[i][fixC] = fc
		s.plan[i][fixW] = fw
	}
	return nil
}

func (s *WindowShift) Iteration(ctx context.Context, env *Env, i int) ([][]float64, error) {
	if i >= len(s.plan) {
		return nil, fmt.Errorf("window shift: iteration %d before setup", i)
	}
	p := s.plan[i]
	if err := setAll(env.Circuit, p); err != nil {
		return nil, err
	}
	c, err := env.Circuit.Measure(ctx, s.MeasureSeconds)
	if err != nil {
		return nil, err
	}
	row := []float64{float64(p[delay.CA]), float64(p[delay.WA]), float64(p[delay.CB]), float64(p[delay.WB])}
	return [][]float64{countsRow(row, c)}, nil
}

func (s *WindowShift) Metadata() map[string]any {
	return map[string]any{
		"window_size":  s.WindowSize,
		"region_size":  s.RegionSize,
		"lower_limit":  s.LowerLimit,
		"shift_A":      s.ShiftA,
		"measure_time": s.MeasureSeconds,
	}
}

// WindowSize widens the coincidence window: starting from all lines at
// BaseDelay, the W lines sweep from BaseDelay up to End, the largest delay
// both W lines reach, one point per ns.
type WindowSize struct {
	BaseDelay float64 // ns
	Settle    time.Duration

	end  float64
	plan [][2]int // WA, WB
}

func NewWindowSize() *WindowSize {
	return &WindowSize{BaseDelay: 20, Settle: time.Second}
}

func (s *WindowSize) Name() string      { return "WindowSize" }
func (s *WindowSize) Columns() []string { return []string{"WA", "WB", "C1", "C2", "CO"} }
func (s *WindowSize) Iterations() int   { return len(s.plan) }

func (s *WindowSize) Setup(ctx context.Context, env *Env) error {
	cal, err := env.calibrator()
	if err != nil {
		return err
	}
	maxWA, err := cal.MaximumDelay(delay.WA)
	if err != nil {
		return err
	}
	maxWB, err := cal.MaximumDelay(delay.WB)
	if err != nil {
		return err
	}
	s.end = math.Min(maxWA, maxWB)
	n := int(s.end - s.BaseDelay)
	if n < 2 {
		return fmt.Errorf("window size: base delay %g ns leaves no room below %g ns", s.BaseDelay, s.end)
	}
	desired := floats.Span(make([]float64, n), s.BaseDelay, s.end)
	wa, err := cal.DelaysToSteps(delay.WA, desired)
	if err != nil {
		return err
	}
	wb, err := cal.DelaysToSteps(delay.WB, desired)
	if err != nil {
		return err
	}
	s.plan = make([][2]int, n)
	for i := range s.plan {
		s.plan[i] = [2]int{wa[i], wb[i]}
	}

	for _, l := range delay.Lines() {
		st, err := cal.DelayToSteps(l, s.BaseDelay)
		if err != nil {
			return err
		}
		if err := env.Circuit.SetDelay(st, l); err != nil {
			return err
		}
	}
	return nil
}

func (s *WindowSize) Iteration(ctx context.Context, env *Env, i int) ([][]float64, error) {
	p := s.plan[i]
	if err := env.Circuit.SetDelay(p[0], delay.WA); err != nil {
		return nil, err
	}
	if err := env.Circuit.SetDelay(p[1], delay.WB); err != nil {
		return nil, err
	}
	c, err := clearAndRead(ctx, env.Circuit, s.Settle)
	if err != nil {
		return nil, err
	}
	return [][]float64{countsRow([]float64{float64(p[0]), float64(p[1])}, c)}, nil
}

func (s *WindowSize) Metadata() map[string]any {
	return map[string]any{
		"base_delay":  s.BaseDelay,
		"start_delay": s.BaseDelay,
		"end_delay":   s.end,
		"iterations":  len(s.plan),
	}
}
