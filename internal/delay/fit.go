package delay

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// Calibration is the linear model delay = Intercept + Slope*steps of one
// delay line together with the parameter uncertainties of the fit.
type Calibration struct {
	Slope        float64 `json:"slope" yaml:"slope"`         // ns/step
	Intercept    float64 `json:"intercept" yaml:"intercept"` // ns at step 0
	VarSlope     float64 `json:"varSlope" yaml:"var_slope"`
	VarIntercept float64 `json:"varIntercept" yaml:"var_intercept"`
	Covariance   float64 `json:"covariance" yaml:"covariance"`
}

// Fit performs an inverse-variance weighted least squares fit of delay
// against step.
func Fit(samples []Sample) (Calibration, error) {
	n := len(samples)
	if n < 2 {
		return Calibration{}, fmt.Errorf("fit needs at least 2 samples, got %d", n)
	}

	x := make([]float64, n)
	y := make([]float64, n)
	w := make([]float64, n)
	distinct := false
	for i, s := range samples {
		if s.Sigma <= 0 || math.IsNaN(s.Sigma) {
			return Calibration{}, fmt.Errorf("sample %d: sigma must be positive, got %g", i, s.Sigma)
		}
		x[i], y[i], w[i] = s.Step, s.Delay, 1/(s.Sigma*s.Sigma)
		if x[i] != x[0] {
			distinct = true
		}
	}
	if !distinct {
		return Calibration{}, errors.New("fit needs at least 2 distinct steps")
	}

	intercept, slope := stat.LinearRegression(x, y, w, false)

	// Parameter covariance (X^T W X)^-1 with design rows [1, step].
	design := mat.NewDense(n, 2, nil)
	for i := range x {
		design.Set(i, 0, 1)
		design.Set(i, 1, x[i])
	}
	var xtw, normal, cov mat.Dense
	xtw.Mul(design.T(), mat.NewDiagDense(n, w))
	normal.Mul(&xtw, design)
	if err := cov.Inverse(&normal); err != nil {
		return Calibration{}, fmt.Errorf("fit covariance: %w", err)
	}

	return Calibration{
		Slope:        slope,
		Intercept:    intercept,
		VarSlope:     cov.At(1, 1),
		VarIntercept: cov.At(0, 0),
		Covariance:   cov.At(0, 1),
	}, nil
}
