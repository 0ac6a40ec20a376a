package device

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/qoptics/coincidence/internal/delay"
	"github.com/qoptics/coincidence/internal/steps"
)

var (
	counterRegex = regexp.MustCompile(`^(\d+),(\d+),(\d+)$`)
	delayRegex   = regexp.MustCompile(`^(\d+)$`)
)

// Counts is one readout of the circuit's counters.
type Counts struct {
	Counter1     uint64 `json:"counter1"`
	Counter2     uint64 `json:"counter2"`
	Coincidences uint64 `json:"coincidences"`
}

// CircuitConfig holds optional settings for a CoincidenceCircuit.
type CircuitConfig struct {
	// ResponseTimeout bounds each response read; zero waits indefinitely.
	ResponseTimeout time.Duration
	// Calibrator, if set, is only used to log the physical delay of
	// SetDelay calls.
	Calibrator *delay.Calibrator
}

// CoincidenceCircuit controls the counters and the four delay lines.
//
// Every method performs a complete exchange (writes, then the response read
// if one is expected) under a lock, so exchanges never interleave on the
// transport.
type CoincidenceCircuit struct {
	*Arduino
	cal *delay.Calibrator
	mu  sync.Mutex
}

// NewCoincidenceCircuit creates a circuit controller on t.
func NewCoincidenceCircuit(t Transport, cfg CircuitConfig) *CoincidenceCircuit {
	return &CoincidenceCircuit{
		Arduino: NewArduino("coincidence circuit", t, cfg.ResponseTimeout),
		cal:     cfg.Calibrator,
	}
}

// ToggleVerbose flips the firmware's verbose logging.
func (c *CoincidenceCircuit) ToggleVerbose() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.SendCommand("VERB")
}

// ClearCounters zeroes the counters. The registers are unaffected.
func (c *CoincidenceCircuit) ClearCounters() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.SendCommand("CLEAR")
}

// SaveCountsToRegister latches the counters into their registers so the
// Arduino can read them out.
func (c *CoincidenceCircuit) SaveCountsToRegister() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.SendCommand("SAVE")
}

// ReadCountsFromRegister reads the latched counter registers.
func (c *CoincidenceCircuit) ReadCountsFromRegister(ctx context.Context) (Counts, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readCounts(ctx)
}

func (c *CoincidenceCircuit) readCounts(ctx context.Context) (Counts, error) {
	if err := c.SendCommand("READ"); err != nil {
		return Counts{}, err
	}
	return c.awaitCounts(ctx)
}

func (c *CoincidenceCircuit) awaitCounts(ctx context.Context) (Counts, error) {
	m, err := c.FindPattern(ctx, counterRegex)
	if err != nil {
		return Counts{}, err
	}
	var vals [3]uint64
	for i := range vals {
		v, err := strconv.ParseUint(m[i+1], 10, 64)
		if err != nil {
			return Counts{}, fmt.Errorf("%s: counter %d: %w", c.Name(), i+1, err)
		}
		vals[i] = v
	}
	return Counts{Counter1: vals[0], Counter2: vals[1], Coincidences: vals[2]}, nil
}

// SaveAndReadCounts latches and then reads the counters.
func (c *CoincidenceCircuit) SaveAndReadCounts(ctx context.Context) (Counts, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.SendCommand("SAVE"); err != nil {
		return Counts{}, err
	}
	return c.readCounts(ctx)
}

// Measure lets the firmware clear the counters, count for seconds and
// report. Timing runs on the device clock, so this is the preferred way of
// acquiring data.
func (c *CoincidenceCircuit) Measure(ctx context.Context, seconds int) (Counts, error) {
	if seconds < 1 {
		return Counts{}, fmt.Errorf("%s: measure time must be at least 1 s, got %d", c.Name(), seconds)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.SendCommand(seconds); err != nil {
		return Counts{}, err
	}
	if err := c.SendCommand("MEASURE"); err != nil {
		return Counts{}, err
	}
	return c.awaitCounts(ctx)
}

func (c *CoincidenceCircuit) cachedFit(line delay.Line) (delay.Calibration, bool) {
	if c.cal == nil {
		return delay.Calibration{}, false
	}
	return c.cal.Cached(line)
}

// SetDelay moves line to the absolute step position.
func (c *CoincidenceCircuit) SetDelay(s int, line delay.Line) error {
	if _, err := steps.ValidateDelayStep(s); err != nil {
		return err
	}
	if !line.Valid() {
		return fmt.Errorf("%s: invalid delay line %d", c.Name(), int(line))
	}

	if fit, ok := c.cachedFit(line); ok {
		log.Printf("[%s] setting delay of %s to %d steps (%.3f ns)", c.Name(), line, s, fit.Intercept+fit.Slope*float64(s))
	} else {
		log.Printf("[%s] setting delay of %s to %d steps", c.Name(), line, s)
	}
	return c.lineCommand(s, "SD", line)
}

// IncrementDelay moves line s steps towards longer delays.
func (c *CoincidenceCircuit) IncrementDelay(s int, line delay.Line) error {
	if _, err := steps.ValidateDelayStep(s); err != nil {
		return err
	}
	return c.lineCommand(s, "ID", line)
}

// DecrementDelay moves line s steps towards shorter delays.
func (c *CoincidenceCircuit) DecrementDelay(s int, line delay.Line) error {
	if _, err := steps.ValidateDelayStep(s); err != nil {
		return err
	}
	return c.lineCommand(s, "DD", line)
}

func (c *CoincidenceCircuit) lineCommand(arg int, op string, line delay.Line) error {
	if !line.Valid() {
		return fmt.Errorf("%s: invalid delay line %d", c.Name(), int(line))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.SendCommand(arg); err != nil {
		return err
	}
	return c.SendCommand(op + line.String())
}

// GetDelay reads back the current step position of line.
func (c *CoincidenceCircuit) GetDelay(ctx context.Context, line delay.Line) (int, error) {
	if !line.Valid() {
		return 0, fmt.Errorf("%s: invalid delay line %d", c.Name(), int(line))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.SendCommand("GD" + line.String()); err != nil {
		return 0, err
	}
	m, err := c.FindPattern(ctx, delayRegex)
	if err != nil {
		return 0, err
	}
	v, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, fmt.Errorf("%s: delay of %s: %w", c.Name(), line, err)
	}
	return steps.ValidateDelayStep(v)
}
