package scheme

import (
	"fmt"
	"io"
	"math"

	"github.com/qoptics/coincidence/internal/analysis"
	"github.com/qoptics/coincidence/internal/delay"
	"github.com/qoptics/coincidence/internal/record"
)

// Analyse writes a summary of a recorded run to w. The scheme is taken from
// the run's metadata. cal is needed for WindowShift runs only.
func Analyse(w io.Writer, run *record.Run, cal *delay.Calibrator) error {
	switch run.Metadata.Scheme {
	case "SingleRun", "WindowSize", "Monitor":
		return summarizeCounts(w, run)
	case "WindowShift":
		return analyseWindowShift(w, run, cal)
	case "G2":
		return analyseG2(w, run)
	case "BellTest":
		return analyseBell(w, run)
	}
	return fmt.Errorf("scheme: cannot analyse runs of scheme %q", run.Metadata.Scheme)
}

func columns(run *record.Run, names ...string) ([][]float64, error) {
	out := make([][]float64, len(names))
	for i, n := range names {
		c, err := run.Column(n)
		if err != nil {
			return nil, err
		}
		out[i] = c
	}
	return out, nil
}

func summarizeCounts(w io.Writer, run *record.Run) error {
	cols, err := columns(run, "C1", "C2", "CO")
	if err != nil {
		return err
	}
	for i, name := range []string{"Counts 1", "Counts 2", "Coincidences"} {
		m, se := analysis.MeanStdErr(cols[i])
		fmt.Fprintf(w, "%s: %.1f ± %.1f\n", name, m, se)
	}
	return nil
}

func analyseWindowShift(w io.Writer, run *record.Run, cal *delay.Calibrator) error {
	if cal == nil {
		return ErrNoCalibration
	}
	cols, err := columns(run, "CA", "CB", "C1", "C2", "CO")
	if err != nil {
		return err
	}
	stepsOf := func(v []float64) []int {
		out := make([]int, len(v))
		for i, x := range v {
			out[i] = int(math.Round(x))
		}
		return out
	}
	ca, err := cal.StepsToDelays(delay.CA, stepsOf(cols[0]))
	if err != nil {
		return err
	}
	cb, err := cal.StepsToDelays(delay.CB, stepsOf(cols[1]))
	if err != nil {
		return err
	}

	shiftA, _ := run.Metadata.Params["shift_A"].(bool)
	rel := make([]float64, len(ca))
	for i := range rel {
		if shiftA {
			rel[i] = ca[i] - cb[i]
		} else {
			rel[i] = cb[i] - ca[i]
		}
	}

	windowSize, _ := paramFloat(run.Metadata.Params, "window_size")
	fit, err := analysis.FitWindow(rel, cols[4], analysis.InitialWindowGuess(cols[4], windowSize))
	if err != nil {
		return err
	}
	p := fit.Params
	fmt.Fprintf(w, "Fit parameters: background %.1f, amplitude %.1f, sigma %.3f ns, offset %.3f ns, window %.3f ns\n",
		p.Background, p.Amplitude, p.Sigma, p.Offset, p.Window)
	m1, _ := analysis.MeanStdErr(cols[2])
	m2, _ := analysis.MeanStdErr(cols[3])
	fmt.Fprintf(w, "Mean counts on detector 1: %.0f\n", m1)
	fmt.Fprintf(w, "Mean counts on detector 2: %.0f\n", m2)
	return nil
}

// paramFloat reads a numeric parameter. YAML decodes whole numbers as int.
func paramFloat(params map[string]any, key string) (float64, bool) {
	switch v := params[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}

func analyseG2(w io.Writer, run *record.Run) error {
	cols, err := columns(run, "delay", "C1", "C2", "CO")
	if err != nil {
		return err
	}
	g2, err := analysis.G2(cols[1], cols[2], cols[3])
	if err != nil {
		return err
	}
	for i, d := range cols[0] {
		fmt.Fprintf(w, "%.2f ns\t%g\n", d, g2[i])
	}
	return nil
}

func analyseBell(w io.Writer, run *record.Run) error {
	cols, err := columns(run, "alpha", "beta", "CO")
	if err != nil {
		return err
	}
	res, err := analysis.Bell(cols[0], cols[1], cols[2])
	if err != nil {
		return err
	}
	for i := 0; i < 2; i++ {
		for j := 0; j < 2; j++ {
			fmt.Fprintf(w, "E(%g, %g) = %.4f ± %.4f\n", res.A[i], res.B[j], res.E[i][j], res.SigmaE[i][j])
		}
	}
	fmt.Fprintf(w, "S_strong = %.4f ± %.4f\n", res.Strong, res.SigmaS)
	fmt.Fprintf(w, "S_weak = %.4f ± %.4f\n", res.Weak, res.SigmaS)
	return nil
}
