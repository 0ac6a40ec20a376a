package steps

import (
	"errors"
	"testing"
)

func TestValidateDelayStepBounds(t *testing.T) {
	tests := []struct {
		steps int
		ok    bool
	}{
		{-1, false},
		{0, true},
		{128, true},
		{255, true},
		{256, false},
	}
	for _, tc := range tests {
		got, err := ValidateDelayStep(tc.steps)
		if tc.ok {
			if err != nil {
				t.Errorf("ValidateDelayStep(%d): unexpected error %v", tc.steps, err)
			}
			if got != tc.steps {
				t.Errorf("ValidateDelayStep(%d) = %d", tc.steps, got)
			}
			continue
		}
		if !errors.Is(err, ErrOutOfRange) {
			t.Errorf("ValidateDelayStep(%d): want ErrOutOfRange, got %v", tc.steps, err)
		}
	}
}

func TestValidateDelayStepsReportsIndex(t *testing.T) {
	_, err := ValidateDelaySteps([]int{0, 12, 300, 4})
	var re *RangeError
	if !errors.As(err, &re) {
		t.Fatalf("want *RangeError, got %v", err)
	}
	if re.Index != 2 || re.Value != 300 {
		t.Fatalf("got index=%d value=%g, want 2 and 300", re.Index, re.Value)
	}

	if _, err := ValidateDelaySteps([]int{0, 255}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestDelayStepFromFloat(t *testing.T) {
	if s, err := DelayStepFromFloat(4.0); err != nil || s != 4 {
		t.Fatalf("DelayStepFromFloat(4.0) = %d, %v", s, err)
	}
	if _, err := DelayStepFromFloat(4.3); !errors.Is(err, ErrNotInteger) {
		t.Fatalf("DelayStepFromFloat(4.3): want ErrNotInteger, got %v", err)
	}
	if _, err := DelayStepFromFloat(256); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("DelayStepFromFloat(256): want ErrOutOfRange, got %v", err)
	}

	_, err := DelayStepsFromFloats([]float64{1, 2, -3})
	var re *RangeError
	if !errors.As(err, &re) || re.Index != 2 {
		t.Fatalf("DelayStepsFromFloats: want RangeError at index 2, got %v", err)
	}
}

func TestValidateRotationStepBounds(t *testing.T) {
	for _, s := range []int{-128, 0, 127} {
		if _, err := ValidateRotationStep(s); err != nil {
			t.Errorf("ValidateRotationStep(%d): %v", s, err)
		}
	}
	for _, s := range []int{-129, 128} {
		if _, err := ValidateRotationStep(s); !errors.Is(err, ErrOutOfRange) {
			t.Errorf("ValidateRotationStep(%d): want ErrOutOfRange, got %v", s, err)
		}
	}
	if _, err := ValidateRotationSteps([]int{-128, 127, 128}); err == nil {
		t.Fatal("ValidateRotationSteps: expected error for 128")
	}
}

func TestValidateDelayGranularity(t *testing.T) {
	if err := ValidateDelayGranularity(0.25, PhysicalStepNs); err != nil {
		t.Fatalf("0.25 ns: %v", err)
	}
	if err := ValidateDelayGranularity(0.26, PhysicalStepNs); !errors.Is(err, ErrGranularity) {
		t.Fatalf("0.26 ns: want ErrGranularity, got %v", err)
	}
	if err := ValidateDelayGranularity(-0.25, PhysicalStepNs); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("-0.25 ns: want ErrOutOfRange, got %v", err)
	}
	if err := ValidateDelayGranularity(64, PhysicalStepNs); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("64 ns: want ErrOutOfRange, got %v", err)
	}
}
