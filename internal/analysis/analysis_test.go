package analysis

import (
	"math"
	"testing"
)

func TestWindowDistributionSymmetric(t *testing.T) {
	p := WindowParams{Background: 10, Amplitude: 500, Sigma: 1, Offset: 2, Window: 6}
	for _, d := range []float64{0.5, 3, 7, 12} {
		l := WindowDistribution(p.Offset-d, p)
		r := WindowDistribution(p.Offset+d, p)
		if math.Abs(l-r) > 1e-9 {
			t.Errorf("asymmetric at ±%g: %g vs %g", d, l, r)
		}
	}
	if peak := WindowDistribution(p.Offset, p); math.Abs(peak-(p.Background+p.Amplitude)) > 1 {
		t.Errorf("peak = %g, want about %g", peak, p.Background+p.Amplitude)
	}
	if far := WindowDistribution(p.Offset+100, p); math.Abs(far-p.Background) > 1e-6 {
		t.Errorf("tail = %g, want background %g", far, p.Background)
	}
}

func TestFitWindowRecoversParameters(t *testing.T) {
	truth := WindowParams{Background: 20, Amplitude: 800, Sigma: 0.8, Offset: 1.5, Window: 5}
	var delays, counts []float64
	for d := -15.0; d <= 15; d += 0.5 {
		delays = append(delays, d)
		counts = append(counts, WindowDistribution(d, truth))
	}

	p0 := WindowParams{Background: 10, Amplitude: 700, Sigma: 1, Offset: 0, Window: 4}
	fit, err := FitWindow(delays, counts, p0)
	if err != nil {
		t.Fatalf("FitWindow: %v", err)
	}
	got := fit.Params
	if math.Abs(got.Offset-truth.Offset) > 0.05 || math.Abs(got.Window-truth.Window) > 0.05 {
		t.Fatalf("fit = %+v, want %+v", got, truth)
	}
	if math.Abs(got.Amplitude-truth.Amplitude) > 5 {
		t.Fatalf("amplitude = %g, want %g", got.Amplitude, truth.Amplitude)
	}
}

func TestFitWindowInputErrors(t *testing.T) {
	if _, err := FitWindow([]float64{1, 2}, []float64{1}, WindowParams{}); err == nil {
		t.Error("length mismatch: expected error")
	}
	if _, err := FitWindow([]float64{1, 2}, []float64{1, 2}, WindowParams{}); err == nil {
		t.Error("too few points: expected error")
	}
}

func TestG2(t *testing.T) {
	got, err := G2([]float64{10, 0}, []float64{20, 5}, []float64{4, 1})
	if err != nil {
		t.Fatal(err)
	}
	if got[0] != 0.02 || !math.IsNaN(got[1]) {
		t.Fatalf("G2 = %v", got)
	}
	if _, err := G2([]float64{1}, nil, nil); err == nil {
		t.Fatal("expected length error")
	}
}

func TestMeanStdErr(t *testing.T) {
	mean, se := MeanStdErr([]float64{2, 4, 4, 4, 5, 5, 7, 9})
	// Population standard deviation of this set is exactly 2.
	if mean != 5 || math.Abs(se-2/math.Sqrt(8)) > 1e-12 {
		t.Fatalf("MeanStdErr = %g, %g", mean, se)
	}
}

func TestCorrelation(t *testing.T) {
	e, sigma, err := Correlation([]float64{100, 100}, []float64{100, 100}, []float64{0, 0}, []float64{0, 0})
	if err != nil {
		t.Fatal(err)
	}
	if e != 1 || sigma != 0 {
		t.Fatalf("E = %g ± %g, want 1 ± 0", e, sigma)
	}

	e, _, _ = Correlation([]float64{50}, []float64{50}, []float64{50}, []float64{50})
	if e != 0 {
		t.Fatalf("uncorrelated E = %g, want 0", e)
	}

	if _, _, err := Correlation(nil, []float64{1}, []float64{1}, []float64{1}); err == nil {
		t.Fatal("expected error for missing setting")
	}
}

func TestCHSH(t *testing.T) {
	r := 1 / math.Sqrt2
	e := [2][2]float64{{-r, r}, {r, r}}
	sigma := [2][2]float64{{0.01, 0.01}, {0.01, 0.01}}
	strong, _, sigmaS := CHSH(e, sigma)
	if math.Abs(strong-2*math.Sqrt2) > 1e-12 {
		t.Fatalf("S = %g, want 2√2", strong)
	}
	if math.Abs(sigmaS-0.02) > 1e-12 {
		t.Fatalf("sigma S = %g, want 0.02", sigmaS)
	}
}

func TestBellGroupsBySetting(t *testing.T) {
	// Perfectly correlated pairs: coincidences only at parallel analyzers.
	as := []float64{0, 45, 90, 135}
	bs := []float64{0, 45, 90, 135}
	var alpha, beta, co []float64
	for _, a := range as {
		for _, b := range bs {
			n := 0.0
			if a == b {
				n = 100
			}
			for r := 0; r < 3; r++ {
				alpha = append(alpha, a)
				beta = append(beta, b)
				co = append(co, n)
			}
		}
	}
	res, err := Bell(alpha, beta, co)
	if err != nil {
		t.Fatalf("Bell: %v", err)
	}
	if res.A != [4]float64{0, 45, 90, 135} {
		t.Fatalf("A = %v", res.A)
	}
	if res.E[0][0] != 1 || res.E[1][1] != 1 {
		t.Fatalf("E = %v", res.E)
	}
	if _, err := Bell([]float64{1, 2}, []float64{1, 2}, []float64{1, 2}); err == nil {
		t.Fatal("expected error for too few settings")
	}
}
