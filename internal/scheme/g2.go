package scheme

import (
	"context"
	"time"

	"gonum.org/v1/gonum/floats"

	"github.com/qoptics/coincidence/internal/delay"
)

// G2 sweeps the C lines of both channels together from Start to End ns
// and records the counts for the second order correlation.
type G2 struct {
	Start, End float64 // ns
	Settle     time.Duration

	delays []float64
}

func NewG2() *G2 {
	return &G2{Start: 20, End: 60, Settle: 500 * time.Millisecond}
}

func (s *G2) Name() string      { return "G2" }
func (s *G2) Columns() []string { return []string{"delay", "C1", "C2", "CO"} }
func (s *G2) Iterations() int   { return len(s.delays) }

func (s *G2) Setup(ctx context.Context, env *Env) error {
	cal, err := env.calibrator()
	if err != nil {
		return err
	}
	n := int(s.End - s.Start)
	s.delays = nil
	if n >= 2 {
		s.delays = floats.Span(make([]float64, n), s.Start, s.End)
	}

	if err := env.Circuit.ToggleVerbose(); err != nil {
		return err
	}
	for _, l := range delay.Lines() {
		st, err := cal.DelayToSteps(l, s.Start)
		if err != nil {
			return err
		}
		if err := env.Circuit.SetDelay(st, l); err != nil {
			return err
		}
	}
	return nil
}

func (s *G2) Iteration(ctx context.Context, env *Env, i int) ([][]float64, error) {
	d := s.delays[i]
	for _, l := range []delay.Line{delay.CA, delay.CB} {
		st, err := env.Calibrator.DelayToSteps(l, d)
		if err != nil {
			return nil, err
		}
		if err := env.Circuit.SetDelay(st, l); err != nil {
			return nil, err
		}
	}
	c, err := clearAndRead(ctx, env.Circuit, s.Settle)
	if err != nil {
		return nil, err
	}
	return [][]float64{countsRow([]float64{d}, c)}, nil
}

func (s *G2) Metadata() map[string]any {
	return map[string]any{
		"start_delay": s.Start,
		"end_delay":   s.End,
		"iterations":  len(s.delays),
	}
}
