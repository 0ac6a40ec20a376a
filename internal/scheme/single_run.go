package scheme

import (
	"context"

	"github.com/qoptics/coincidence/internal/delay"
)

// SingleRun measures repeatedly at one fixed delay configuration.
type SingleRun struct {
	Steps          [delay.LineCount]int
	Count          int
	MeasureSeconds int
}

func NewSingleRun() *SingleRun {
	return &SingleRun{
		Steps:          [delay.LineCount]int{delay.CA: 61, delay.WA: 110, delay.CB: 37, delay.WB: 83},
		Count:          10,
		MeasureSeconds: 1,
	}
}

func (s *SingleRun) Name() string      { return "SingleRun" }
func (s *SingleRun) Columns() []string { return []string{"C1", "C2", "CO"} }
func (s *SingleRun) Iterations() int   { return s.Count }

func (s *SingleRun) Setup(ctx context.Context, env *Env) error {
	return setAll(env.Circuit, s.Steps)
}

func (s *SingleRun) Iteration(ctx context.Context, env *Env, i int) ([][]float64, error) {
	c, err := env.Circuit.Measure(ctx, s.MeasureSeconds)
	if err != nil {
		return nil, err
	}
	return [][]float64{countsRow(nil, c)}, nil
}

func (s *SingleRun) Metadata() map[string]any {
	return map[string]any{
		"CA_steps":     s.Steps[delay.CA],
		"WA_steps":     s.Steps[delay.WA],
		"CB_steps":     s.Steps[delay.CB],
		"WB_steps":     s.Steps[delay.WB],
		"iterations":   s.Count,
		"measure_time": s.MeasureSeconds,
	}
}
