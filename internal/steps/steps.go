// Package steps validates the integer control values sent to the hardware:
// delay line steps (unsigned 8-bit) and interferometer rotation steps
// (signed 8-bit).
package steps

import (
	"errors"
	"fmt"
	"math"
)

const (
	MinDelayStep = 0
	MaxDelayStep = 1<<8 - 1 // 8-bit step field on the wire

	MinRotationStep = -1 << 7
	MaxRotationStep = 1<<7 - 1

	// PhysicalStepNs is the nominal delay added by one step of a delay line.
	PhysicalStepNs = 0.25
)

var (
	ErrOutOfRange  = errors.New("value out of range")
	ErrNotInteger  = errors.New("value is not an integer step")
	ErrGranularity = errors.New("delay is not a multiple of the step size")
)

// RangeError reports a value outside its valid range. Index is the position
// of the offending element for vectorized checks and -1 for scalars.
type RangeError struct {
	Quantity string
	Value    float64
	Min, Max float64
	Index    int
}

func (e *RangeError) Error() string {
	if e.Index >= 0 {
		return fmt.Sprintf("%s[%d] = %g must be in the range [%g, %g]", e.Quantity, e.Index, e.Value, e.Min, e.Max)
	}
	return fmt.Sprintf("%s %g must be in the range [%g, %g]", e.Quantity, e.Value, e.Min, e.Max)
}

func (e *RangeError) Unwrap() error { return ErrOutOfRange }

func checkRange(quantity string, v, lo, hi, index int) error {
	if v < lo || v > hi {
		return &RangeError{
			Quantity: quantity,
			Value:    float64(v),
			Min:      float64(lo),
			Max:      float64(hi),
			Index:    index,
		}
	}
	return nil
}

// ValidateDelayStep returns steps if it lies in [0, 255].
func ValidateDelayStep(steps int) (int, error) {
	if err := checkRange("delay step", steps, MinDelayStep, MaxDelayStep, -1); err != nil {
		return 0, err
	}
	return steps, nil
}

// ValidateDelaySteps checks every element of steps and fails on the first
// one outside [0, 255].
func ValidateDelaySteps(steps []int) ([]int, error) {
	for i, s := range steps {
		if err := checkRange("delay step", s, MinDelayStep, MaxDelayStep, i); err != nil {
			return nil, err
		}
	}
	return steps, nil
}

// DelayStepFromFloat coerces an integral float (4.0) to a validated step.
// A fractional value is almost always a delay in ns passed where a step was
// expected, so it is rejected rather than rounded.
func DelayStepFromFloat(v float64) (int, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) || v != math.Trunc(v) {
		return 0, fmt.Errorf("%w: %g (did you pass a delay in ns?)", ErrNotInteger, v)
	}
	if v < MinDelayStep || v > MaxDelayStep {
		return 0, &RangeError{Quantity: "delay step", Value: v, Min: MinDelayStep, Max: MaxDelayStep, Index: -1}
	}
	return int(v), nil
}

// DelayStepsFromFloats is the vectorized form of DelayStepFromFloat.
func DelayStepsFromFloats(vs []float64) ([]int, error) {
	out := make([]int, len(vs))
	for i, v := range vs {
		s, err := DelayStepFromFloat(v)
		if err != nil {
			var re *RangeError
			if errors.As(err, &re) {
				re.Index = i
				return nil, re
			}
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
		out[i] = s
	}
	return out, nil
}

// ValidateRotationStep returns steps if it lies in [-128, 127].
func ValidateRotationStep(steps int) (int, error) {
	if err := checkRange("rotation step", steps, MinRotationStep, MaxRotationStep, -1); err != nil {
		return 0, err
	}
	return steps, nil
}

func ValidateRotationSteps(steps []int) ([]int, error) {
	for i, s := range steps {
		if err := checkRange("rotation step", s, MinRotationStep, MaxRotationStep, i); err != nil {
			return nil, err
		}
	}
	return steps, nil
}

// ValidateDelayGranularity checks that ns is a non-negative multiple of
// stepNs, as required by firmware revisions that accepted delays in ns.
func ValidateDelayGranularity(ns, stepNs float64) error {
	if stepNs <= 0 {
		return fmt.Errorf("step size must be positive, got %g", stepNs)
	}
	if ns < 0 || ns > MaxDelayStep*stepNs {
		return &RangeError{Quantity: "delay", Value: ns, Min: 0, Max: MaxDelayStep * stepNs, Index: -1}
	}
	q := ns / stepNs
	if math.Abs(q-math.Round(q)) > 1e-9 {
		return fmt.Errorf("%w: %g ns with step %g ns", ErrGranularity, ns, stepNs)
	}
	return nil
}
