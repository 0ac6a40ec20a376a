// Package analysis holds the post processing of measurement runs: the
// coincidence window model and its fit, g² and the Bell test correlations.
package analysis

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/optimize"
	"gonum.org/v1/gonum/stat"
)

// WindowParams parameterizes the coincidence count as a function of the
// relative delay between the two channels.
type WindowParams struct {
	Background float64 `json:"background" yaml:"background"` // accidental coincidences
	Amplitude  float64 `json:"amplitude" yaml:"amplitude"`
	Sigma      float64 `json:"sigma" yaml:"sigma"`   // ns
	Offset     float64 `json:"offset" yaml:"offset"` // ns
	Window     float64 `json:"window" yaml:"window"` // ns
}

func (p WindowParams) vector() []float64 {
	return []float64{p.Background, p.Amplitude, p.Sigma, p.Offset, p.Window}
}

func paramsFrom(x []float64) WindowParams {
	return WindowParams{Background: x[0], Amplitude: x[1], Sigma: x[2], Offset: x[3], Window: x[4]}
}

// WindowDistribution is the erf shaped window response: a box of width
// 2*Window centered on Offset smeared by a gaussian of width Sigma.
func WindowDistribution(d float64, p WindowParams) float64 {
	s := math.Sqrt(2*math.Pi) * p.Sigma
	return p.Background + p.Amplitude/2*(math.Erf((d-p.Offset+p.Window)/s)-math.Erf((d-p.Offset-p.Window)/s))
}

// WindowFit is the result of FitWindow.
type WindowFit struct {
	Params    WindowParams
	Residual  float64 // sum of squared residuals
	Evaluated int
}

// FitWindow least squares fits WindowDistribution to counts against delays
// starting from p0.
func FitWindow(delays, counts []float64, p0 WindowParams) (WindowFit, error) {
	if len(delays) != len(counts) {
		return WindowFit{}, fmt.Errorf("analysis: %d delays but %d counts", len(delays), len(counts))
	}
	if len(delays) < 5 {
		return WindowFit{}, fmt.Errorf("analysis: need at least 5 points to fit 5 parameters, got %d", len(delays))
	}

	problem := optimize.Problem{
		Func: func(x []float64) float64 {
			p := paramsFrom(x)
			var sum float64
			for i, d := range delays {
				r := counts[i] - WindowDistribution(d, p)
				sum += r * r
			}
			return sum
		},
	}
	settings := &optimize.Settings{MajorIterations: 10000, FuncEvaluations: 50000}
	res, err := optimize.Minimize(problem, p0.vector(), settings, &optimize.NelderMead{})
	if err != nil {
		return WindowFit{}, fmt.Errorf("analysis: window fit: %w", err)
	}
	p := paramsFrom(res.X)
	p.Sigma = math.Abs(p.Sigma)
	p.Window = math.Abs(p.Window)
	return WindowFit{Params: p, Residual: res.F, Evaluated: res.Stats.FuncEvaluations}, nil
}

// InitialWindowGuess derives a starting point for FitWindow the way the
// window shift analysis does: background and amplitude from the extremes.
func InitialWindowGuess(counts []float64, windowSize float64) WindowParams {
	if len(counts) == 0 {
		return WindowParams{Sigma: 1, Window: 1}
	}
	return WindowParams{
		Background: floats.Min(counts),
		Amplitude:  floats.Max(counts),
		Sigma:      1,
		Offset:     0,
		Window:     math.Max(1, (windowSize-11)*2),
	}
}

// G2 returns coincidences / (counts1 * counts2) per point; NaN where a
// single count is zero.
func G2(counts1, counts2, coincidences []float64) ([]float64, error) {
	if len(counts1) != len(counts2) || len(counts1) != len(coincidences) {
		return nil, errors.New("analysis: g2 inputs differ in length")
	}
	out := make([]float64, len(counts1))
	for i := range out {
		den := counts1[i] * counts2[i]
		if den == 0 {
			out[i] = math.NaN()
			continue
		}
		out[i] = coincidences[i] / den
	}
	return out, nil
}

// MeanStdErr returns the mean of x and the standard error of that mean
// (population standard deviation over sqrt(n)).
func MeanStdErr(x []float64) (mean, stderr float64) {
	if len(x) == 0 {
		return math.NaN(), math.NaN()
	}
	mean = stat.Mean(x, nil)
	stderr = math.Sqrt(stat.PopVariance(x, nil)) / math.Sqrt(float64(len(x)))
	return mean, stderr
}

// Correlation computes the polarization correlation E and its uncertainty
// from repeated coincidence counts at the four (±, ±) analyzer settings.
func Correlation(npp, nmm, npm, nmp []float64) (e, sigma float64, err error) {
	for _, s := range [][]float64{npp, nmm, npm, nmp} {
		if len(s) == 0 {
			return 0, 0, errors.New("analysis: correlation needs counts for all four settings")
		}
	}
	pp, spp := MeanStdErr(npp)
	mm, smm := MeanStdErr(nmm)
	pm, spm := MeanStdErr(npm)
	mp, smp := MeanStdErr(nmp)

	norm := pp + mm + pm + mp
	if norm == 0 {
		return 0, 0, errors.New("analysis: no coincidences")
	}
	e = (pp + mm - pm - mp) / norm
	sigma = 2 * math.Sqrt((pp+mm)*(pp+mm)*(spm*spm+smp*smp)+(pm+mp)*(pm+mp)*(spp*spp+smm*smm)) / (norm * norm)
	return e, sigma, nil
}

// CHSH combines the four correlations E[a][b] into the Bell parameter in
// both sign conventions used by the setup, with the propagated uncertainty.
func CHSH(e, sigma [2][2]float64) (strong, weak, sigmaS float64) {
	strong = math.Abs(-e[0][0] + e[1][1] + e[0][1] + e[1][0])
	weak = math.Abs(e[0][0]-e[0][1]) + math.Abs(e[1][1]+e[1][0])
	var sq float64
	for _, row := range sigma {
		for _, s := range row {
			sq += s * s
		}
	}
	return strong, weak, math.Sqrt(sq)
}

// BellResult is the outcome of a CHSH analysis.
type BellResult struct {
	E, SigmaE    [2][2]float64
	Strong, Weak float64
	SigmaS       float64
	A, B         [4]float64 // distinct analyzer angles, ascending
}

// Bell groups coincidence counts by analyzer setting and evaluates the CHSH
// parameter. The angles alpha and beta must each take exactly four distinct
// values; for a < 2 the orthogonal setting of A[a] is A[a+2], likewise for B.
func Bell(alpha, beta, coincidences []float64) (BellResult, error) {
	if len(alpha) != len(beta) || len(alpha) != len(coincidences) {
		return BellResult{}, errors.New("analysis: bell inputs differ in length")
	}
	var res BellResult
	ua, ub := distinct(alpha), distinct(beta)
	if len(ua) != 4 || len(ub) != 4 {
		return BellResult{}, fmt.Errorf("analysis: need 4 distinct angles per analyzer, got %d and %d", len(ua), len(ub))
	}
	copy(res.A[:], ua)
	copy(res.B[:], ub)

	at := func(a, b float64) []float64 {
		var out []float64
		for i := range coincidences {
			if alpha[i] == a && beta[i] == b {
				out = append(out, coincidences[i])
			}
		}
		return out
	}
	for i := 0; i < 2; i++ {
		a, aBot := res.A[i], res.A[i+2]
		for j := 0; j < 2; j++ {
			b, bBot := res.B[j], res.B[j+2]
			e, s, err := Correlation(at(a, b), at(aBot, bBot), at(aBot, b), at(a, bBot))
			if err != nil {
				return BellResult{}, fmt.Errorf("analysis: E(%g, %g): %w", a, b, err)
			}
			res.E[i][j], res.SigmaE[i][j] = e, s
		}
	}
	res.Strong, res.Weak, res.SigmaS = CHSH(res.E, res.SigmaE)
	return res, nil
}

func distinct(x []float64) []float64 {
	s := append([]float64(nil), x...)
	sort.Float64s(s)
	var out []float64
	for i, v := range s {
		if i == 0 || v != s[i-1] {
			out = append(out, v)
		}
	}
	return out
}
