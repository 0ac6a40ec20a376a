package scheme

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/qoptics/coincidence/internal/analysis"
	"github.com/qoptics/coincidence/internal/delay"
)

// BellTest measures coincidences at the sixteen polarizer settings of a
// CHSH test. The polarizers are turned by hand: before every setting the
// operator is asked on Out to turn them and confirms with a line on Prompt.
//
// Alpha and Beta hold the doubled analyzer angles; the dial reading for a
// setting is angle/2 plus the polarizer's zero.
type BellTest struct {
	Steps          [delay.LineCount]int
	Alpha, Beta    []float64
	AlphaZero      float64
	BetaZero       float64
	Repeats        int
	MeasureSeconds int

	Prompt io.Reader // nil measures without waiting
	Out    io.Writer // nil writes to stdout

	lines     chan promptLine
	exhausted bool
}

func NewBellTest(prompt io.Reader, out io.Writer) *BellTest {
	alpha := []float64{-22.5, -22.5, -22.5, -22.5, 0, 0, 0, 0, 22.5, 22.5, 22.5, 22.5, 45, 45, 45, 45}
	beta := []float64{-11.25, 11.25, 33.75, 56.25, 56.25, 33.75, 11.25, -11.25, -11.25, 11.25, 33.75, 56.25,
		56.25, 33.75, -11.25, 11.25}
	for i := range alpha {
		alpha[i] *= 2
		beta[i] *= 2
	}
	return &BellTest{
		Steps:          [delay.LineCount]int{delay.CA: 37, delay.WA: 86, delay.CB: 29, delay.WB: 76},
		Alpha:          alpha,
		Beta:           beta,
		AlphaZero:      68,
		BetaZero:       231,
		Repeats:        10,
		MeasureSeconds: 1,
		Prompt:         prompt,
		Out:            out,
	}
}

func (s *BellTest) Name() string { return "BellTest" }

func (s *BellTest) Columns() []string {
	return []string{"setting", "alpha", "beta", "repeat", "C1", "C2", "CO"}
}

func (s *BellTest) Iterations() int { return len(s.Alpha) }

func (s *BellTest) Setup(ctx context.Context, env *Env) error {
	if len(s.Alpha) != len(s.Beta) {
		return fmt.Errorf("bell test: %d alpha but %d beta angles", len(s.Alpha), len(s.Beta))
	}
	if s.Repeats < 1 {
		return fmt.Errorf("bell test: need at least one measurement per setting, got %d", s.Repeats)
	}
	return setAll(env.Circuit, s.Steps)
}

func (s *BellTest) out() io.Writer {
	if s.Out == nil {
		return os.Stdout
	}
	return s.Out
}

// dial returns the polarizer readings for setting i.
func (s *BellTest) dial(i int) (float64, float64) {
	return s.Alpha[i]/2 + s.AlphaZero, s.Beta[i]/2 + s.BetaZero
}

type promptLine struct {
	line string
	err  error
}

// readLines feeds the lines of r to out until r fails, then closes out.
func readLines(r io.Reader, out chan<- promptLine) {
	defer close(out)
	br := bufio.NewReader(r)
	for {
		l, err := br.ReadString('\n')
		if err == nil || l != "" {
			out <- promptLine{line: strings.TrimSpace(l)}
		}
		if err != nil {
			if err != io.EOF {
				out <- promptLine{err: err}
			}
			return
		}
	}
}

// readLine waits for the operator. It returns "" without waiting when no
// prompt is configured or the input is exhausted. A single goroutine reads
// Prompt for the lifetime of the test, so a cancelled wait loses no input.
func (s *BellTest) readLine(ctx context.Context) (string, error) {
	if s.Prompt == nil || s.exhausted {
		return "", ctx.Err()
	}
	if s.lines == nil {
		s.lines = make(chan promptLine)
		go readLines(s.Prompt, s.lines)
	}
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case r, ok := <-s.lines:
		if !ok {
			s.exhausted = true
			return "", nil
		}
		return r.line, r.err
	}
}

// Iteration measures setting i. Afterwards the operator may type the
// number of any setting to measure it again before moving on.
func (s *BellTest) Iteration(ctx context.Context, env *Env, i int) ([][]float64, error) {
	var rows [][]float64
	setting := i
	for {
		a, b := s.dial(setting)
		fmt.Fprintf(s.out(), "Set α = %g° and β = %g° (%d of %d), then press enter\n", a, b, setting+1, len(s.Alpha))
		if _, err := s.readLine(ctx); err != nil {
			return rows, err
		}

		got, err := s.measure(ctx, env, setting)
		rows = append(rows, got...)
		if err != nil {
			return rows, err
		}

		fmt.Fprintf(s.out(), "Press enter to continue, or type a setting number (1-%d) to measure it again\n", len(s.Alpha))
		choice, err := s.readLine(ctx)
		if err != nil {
			return rows, err
		}
		if choice == "" {
			return rows, nil
		}
		n, err := strconv.Atoi(choice)
		if err != nil || n < 1 || n > len(s.Alpha) {
			fmt.Fprintf(s.out(), "Ignoring %q: not a setting number\n", choice)
			return rows, nil
		}
		setting = n - 1
	}
}

func (s *BellTest) measure(ctx context.Context, env *Env, setting int) ([][]float64, error) {
	rows := make([][]float64, 0, s.Repeats)
	var c1, c2, co []float64
	for j := 0; j < s.Repeats; j++ {
		c, err := env.Circuit.Measure(ctx, s.MeasureSeconds)
		if err != nil {
			return rows, err
		}
		rows = append(rows, countsRow([]float64{float64(setting), s.Alpha[setting], s.Beta[setting], float64(j)}, c))
		c1 = append(c1, float64(c.Counter1))
		c2 = append(c2, float64(c.Counter2))
		co = append(co, float64(c.Coincidences))
	}
	for _, q := range []struct {
		name string
		v    []float64
	}{{"Counter 1", c1}, {"Counter 2", c2}, {"Coincidences", co}} {
		m, se := analysis.MeanStdErr(q.v)
		fmt.Fprintf(s.out(), "%s: %.1f ± %.1f\n", q.name, m, se)
	}
	return rows, nil
}

func (s *BellTest) Metadata() map[string]any {
	return map[string]any{
		"CA_steps":                   s.Steps[delay.CA],
		"WA_steps":                   s.Steps[delay.WA],
		"CB_steps":                   s.Steps[delay.CB],
		"WB_steps":                   s.Steps[delay.WB],
		"measure_time":               s.MeasureSeconds,
		"measurements_per_iteration": s.Repeats,
		"iterations":                 len(s.Alpha),
		"alpha_angles":               s.Alpha,
		"beta_angles":                s.Beta,
		"alpha_zero":                 s.AlphaZero,
		"beta_zero":                  s.BetaZero,
	}
}
