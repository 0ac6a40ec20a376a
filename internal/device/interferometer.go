package device

import (
	"context"
	"time"

	"github.com/qoptics/coincidence/internal/steps"
)

// DefaultSettle is how long the stepper firmware needs to process a
// rotation command.
const DefaultSettle = time.Second

// Interferometer drives the rotation stage stepper.
type Interferometer struct {
	*Arduino
}

func NewInterferometer(t Transport) *Interferometer {
	return &Interferometer{Arduino: NewArduino("interferometer", t, 0)}
}

// Rotate turns the stage by a signed number of steps and then waits for
// settle so the firmware can finish the move.
func (i *Interferometer) Rotate(ctx context.Context, s int, settle time.Duration) error {
	if _, err := steps.ValidateRotationStep(s); err != nil {
		return err
	}
	if err := i.SendCommand(s); err != nil {
		return err
	}
	return Sleep(ctx, settle)
}

// Sleep waits for d or until ctx is done. Schemes use it for settle delays
// after configuration writes.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
