package device

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// ErrNotConnected is returned by transports used before Open.
var ErrNotConnected = errors.New("transport not open")

// Transport is a line oriented byte stream to a device.
//
// ReadLine blocks until a full newline terminated line is available (the
// returned slice includes the terminator) or ctx is done, in which case it
// returns ctx.Err().
type Transport interface {
	Open() error
	Close() error
	Write(p []byte) (int, error)
	ReadLine(ctx context.Context) ([]byte, error)
	Read(ctx context.Context, n int) ([]byte, error)
}

// SerialConfig holds connection settings for a serial transport.
type SerialConfig struct {
	PortPath string `yaml:"port_path" json:"portPath"`
	BaudRate int    `yaml:"baud_rate" json:"baudRate"`
}

// pollInterval bounds how long a single port read blocks, so that blocked
// line reads notice context cancellation.
const pollInterval = 100 * time.Millisecond

// SerialTransport implements Transport on a local serial port.
type SerialTransport struct {
	portPath string
	baudRate int

	mu      sync.Mutex
	port    serial.Port
	pending []byte
}

// NewSerial creates a serial transport. The port is not opened until Open.
func NewSerial(cfg SerialConfig) *SerialTransport {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = 115200 // Arduino sketches run at 115200
	}
	return &SerialTransport{
		portPath: cfg.PortPath,
		baudRate: cfg.BaudRate,
	}
}

func (s *SerialTransport) String() string {
	return fmt.Sprintf("%s@%d", s.portPath, s.baudRate)
}

func (s *SerialTransport) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.port != nil {
		return nil
	}
	mode := &serial.Mode{
		BaudRate: s.baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(s.portPath, mode)
	if err != nil {
		return fmt.Errorf("serial: failed to open %s: %w", s.portPath, err)
	}
	if err := port.SetReadTimeout(pollInterval); err != nil {
		port.Close()
		return fmt.Errorf("serial: set read timeout on %s: %w", s.portPath, err)
	}
	s.port = port
	s.pending = nil
	log.Printf("[serial] opened %s at %d baud", s.portPath, s.baudRate)
	return nil
}

func (s *SerialTransport) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.port == nil {
		return nil
	}
	err := s.port.Close()
	s.port = nil
	s.pending = nil
	log.Printf("[serial] closed %s", s.portPath)
	return err
}

func (s *SerialTransport) Write(p []byte) (int, error) {
	s.mu.Lock()
	port := s.port
	s.mu.Unlock()

	if port == nil {
		return 0, ErrNotConnected
	}
	n, err := port.Write(p)
	if err != nil {
		return n, fmt.Errorf("serial: write %s: %w", s.portPath, err)
	}
	return n, nil
}

// fill performs one bounded read from the port into the pending buffer.
// A read timeout yields zero bytes and no error.
func (s *SerialTransport) fill() error {
	s.mu.Lock()
	port := s.port
	s.mu.Unlock()

	if port == nil {
		return ErrNotConnected
	}
	buf := make([]byte, 256)
	n, err := port.Read(buf)
	if err != nil {
		return fmt.Errorf("serial: read %s: %w", s.portPath, err)
	}
	s.mu.Lock()
	s.pending = append(s.pending, buf[:n]...)
	s.mu.Unlock()
	return nil
}

func (s *SerialTransport) ReadLine(ctx context.Context) ([]byte, error) {
	for {
		s.mu.Lock()
		if i := bytes.IndexByte(s.pending, '\n'); i >= 0 {
			line := append([]byte(nil), s.pending[:i+1]...)
			s.pending = s.pending[i+1:]
			s.mu.Unlock()
			return line, nil
		}
		s.mu.Unlock()

		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := s.fill(); err != nil {
			return nil, err
		}
	}
}

func (s *SerialTransport) Read(ctx context.Context, n int) ([]byte, error) {
	for {
		s.mu.Lock()
		if len(s.pending) >= n {
			out := append([]byte(nil), s.pending[:n]...)
			s.pending = s.pending[n:]
			s.mu.Unlock()
			return out, nil
		}
		s.mu.Unlock()

		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := s.fill(); err != nil {
			return nil, err
		}
	}
}

// ResetInputBuffer discards buffered and not yet read input.
func (s *SerialTransport) ResetInputBuffer() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pending = nil
	if s.port == nil {
		return ErrNotConnected
	}
	return s.port.ResetInputBuffer()
}

// PortInfo describes a serial port found on the host.
type PortInfo struct {
	Name         string `json:"name"`
	IsUSB        bool   `json:"isUsb"`
	VID          string `json:"vid,omitempty"`
	PID          string `json:"pid,omitempty"`
	SerialNumber string `json:"serialNumber,omitempty"`
	Product      string `json:"product,omitempty"`
}

func (p PortInfo) String() string {
	if !p.IsUSB {
		return p.Name
	}
	return fmt.Sprintf("%s\tUSB %s:%s %s %s", p.Name, p.VID, p.PID, p.Product, p.SerialNumber)
}

// ListPorts enumerates the serial ports on the host.
func ListPorts() ([]PortInfo, error) {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("serial: enumerate ports: %w", err)
	}
	out := make([]PortInfo, 0, len(ports))
	for _, p := range ports {
		out = append(out, PortInfo{
			Name:         p.Name,
			IsUSB:        p.IsUSB,
			VID:          p.VID,
			PID:          p.PID,
			SerialNumber: p.SerialNumber,
			Product:      p.Product,
		})
	}
	return out, nil
}
