package device

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/qoptics/coincidence/internal/delay"
)

// SimulatedConfig tunes the simulated coincidence circuit.
type SimulatedConfig struct {
	Rate1    float64 // singles rate of detector 1 [1/s]
	Rate2    float64 // singles rate of detector 2 [1/s]
	PairRate float64 // rate of photon pairs hitting both detectors [1/s]
	// Realtime makes MEASURE answer only after the requested duration.
	Realtime bool
}

// DefaultSimulatedConfig mirrors typical rates seen on the real setup.
func DefaultSimulatedConfig() SimulatedConfig {
	return SimulatedConfig{Rate1: 80000, Rate2: 75000, PairRate: 4000}
}

const (
	simStepNs   = 0.25
	simOffsetNs = 16.5
	simJitterNs = 1.5
)

// SimulatedTransport emulates the coincidence circuit (or, as a stage, the
// interferometer) firmware in process. It understands the same command
// vocabulary and answers READ, MEASURE and GD like the real device.
type SimulatedTransport struct {
	cfg   SimulatedConfig
	stage bool

	mu       sync.Mutex
	open     bool
	in       []byte
	pending  []byte
	arg      int
	hasArg   bool
	delays   [delay.LineCount]int
	verbose  bool
	cleared  time.Time
	register Counts
	rotation int

	out chan []byte
}

// NewSimulatedCircuit returns a transport that behaves like the
// coincidence circuit firmware.
func NewSimulatedCircuit(cfg SimulatedConfig) *SimulatedTransport {
	return &SimulatedTransport{cfg: cfg, out: make(chan []byte, 256)}
}

// NewSimulatedStage returns a transport that behaves like the
// interferometer stepper: every numeric line is a relative rotation.
func NewSimulatedStage() *SimulatedTransport {
	return &SimulatedTransport{stage: true, out: make(chan []byte, 256)}
}

func (s *SimulatedTransport) String() string {
	if s.stage {
		return "simulated interferometer"
	}
	return "simulated coincidence circuit"
}

func (s *SimulatedTransport) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open = true
	s.cleared = time.Now()
	return nil
}

func (s *SimulatedTransport) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open = false
	return nil
}

// Rotation returns the accumulated stage rotation in steps.
func (s *SimulatedTransport) Rotation() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rotation
}

// Delay returns the simulated step register of line l.
func (s *SimulatedTransport) Delay(l delay.Line) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delays[l]
}

func (s *SimulatedTransport) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.open {
		return 0, ErrNotConnected
	}
	s.in = append(s.in, p...)
	for {
		i := bytes.IndexByte(s.in, '\n')
		if i < 0 {
			break
		}
		line := strings.TrimSpace(string(s.in[:i]))
		s.in = s.in[i+1:]
		s.handle(line)
	}
	return len(p), nil
}

func (s *SimulatedTransport) emit(line string) {
	select {
	case s.out <- []byte(line + "\r\n"):
	default:
		log.Printf("[sim] output buffer full, dropping %q", line)
	}
}

func (s *SimulatedTransport) debugf(format string, args ...any) {
	if s.verbose {
		s.emit("DEBUG: " + fmt.Sprintf(format, args...))
	}
}

// handle runs one command line. Called with s.mu held.
func (s *SimulatedTransport) handle(line string) {
	if line == "" {
		return
	}
	if n, err := strconv.Atoi(line); err == nil {
		if s.stage {
			s.rotation += n
			return
		}
		s.arg, s.hasArg = n, true
		return
	}
	if s.stage {
		return
	}

	arg, hasArg := s.arg, s.hasArg
	s.hasArg = false

	switch {
	case line == "VERB":
		s.verbose = !s.verbose
		s.emit(fmt.Sprintf("verbose=%t", s.verbose))
	case line == "CLEAR":
		s.cleared = time.Now()
		s.debugf("counters cleared")
	case line == "SAVE":
		s.register = s.count(time.Since(s.cleared).Seconds())
		s.debugf("counts saved")
	case line == "READ":
		s.debugf("reading registers")
		s.emit(formatCounts(s.register))
	case line == "MEASURE":
		if !hasArg || arg < 1 {
			s.emit("ERROR: MEASURE needs a duration")
			return
		}
		s.debugf("measuring for %d s", arg)
		c := s.count(float64(arg))
		s.register = c
		if s.cfg.Realtime {
			resp := formatCounts(c)
			time.AfterFunc(time.Duration(arg)*time.Second, func() {
				s.mu.Lock()
				defer s.mu.Unlock()
				s.emit(resp)
			})
			return
		}
		s.emit(formatCounts(c))
	case len(line) == 4:
		l, err := delay.ParseLine(line[2:])
		if err != nil {
			s.emit("ERROR: unknown line " + line[2:])
			return
		}
		switch line[:2] {
		case "SD":
			if hasArg {
				s.delays[l] = clampStep(arg)
			}
		case "ID":
			if hasArg {
				s.delays[l] = clampStep(s.delays[l] + arg)
			}
		case "DD":
			if hasArg {
				s.delays[l] = clampStep(s.delays[l] - arg)
			}
		case "GD":
			s.debugf("delay %s", l)
			s.emit(strconv.Itoa(s.delays[l]))
		default:
			s.emit("ERROR: unknown command " + line)
			return
		}
		s.debugf("%s -> %d", l, s.delays[l])
	default:
		s.emit("ERROR: unknown command " + line)
	}
}

func clampStep(v int) int {
	return int(math.Max(0, math.Min(255, float64(v))))
}

func formatCounts(c Counts) string {
	return fmt.Sprintf("%d,%d,%d", c.Counter1, c.Counter2, c.Coincidences)
}

// count draws counter values for an integration of seconds with the
// current delay settings. Called with s.mu held.
func (s *SimulatedTransport) count(seconds float64) Counts {
	if seconds <= 0 {
		return Counts{}
	}
	ns := func(l delay.Line) float64 { return simOffsetNs + simStepNs*float64(s.delays[l]) }

	// Windows [C, W] of both channels; pairs arrive simultaneously so they
	// coincide when both windows overlap, smeared by detector jitter.
	lo := math.Max(ns(delay.CA), ns(delay.CB))
	hi := math.Min(ns(delay.WA), ns(delay.WB))
	overlap := math.Max(0, hi-lo)
	pairFrac := math.Min(1, overlap/simJitterNs)
	accidental := s.cfg.Rate1 * s.cfg.Rate2 * overlap * 1e-9

	return Counts{
		Counter1:     poisson(s.cfg.Rate1 * seconds),
		Counter2:     poisson(s.cfg.Rate2 * seconds),
		Coincidences: poisson((s.cfg.PairRate*pairFrac + accidental) * seconds),
	}
}

func poisson(lambda float64) uint64 {
	if lambda <= 0 {
		return 0
	}
	return uint64(distuv.Poisson{Lambda: lambda}.Rand())
}

func (s *SimulatedTransport) ReadLine(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	if i := bytes.IndexByte(s.pending, '\n'); i >= 0 {
		line := append([]byte(nil), s.pending[:i+1]...)
		s.pending = s.pending[i+1:]
		s.mu.Unlock()
		return line, nil
	}
	s.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case line := <-s.out:
		s.mu.Lock()
		defer s.mu.Unlock()
		if len(s.pending) > 0 {
			line = append(s.pending, line...)
			s.pending = nil
		}
		return line, nil
	}
}

func (s *SimulatedTransport) Read(ctx context.Context, n int) ([]byte, error) {
	for {
		s.mu.Lock()
		if len(s.pending) >= n {
			out := append([]byte(nil), s.pending[:n]...)
			s.pending = s.pending[n:]
			s.mu.Unlock()
			return out, nil
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case line := <-s.out:
			s.mu.Lock()
			s.pending = append(s.pending, line...)
			s.mu.Unlock()
		}
	}
}

// ResetInputBuffer drops responses that have not been read yet.
func (s *SimulatedTransport) ResetInputBuffer() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = nil
	for {
		select {
		case <-s.out:
		default:
			return nil
		}
	}
}
