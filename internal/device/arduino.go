// Package device talks to the Arduino based instruments of the setup: the
// coincidence circuit (counters and delay lines) and the interferometer
// stepper. Commands are newline framed text; responses are lines matched
// against a fixed grammar.
package device

import (
	"context"
	"errors"
	"fmt"
	"log"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ErrResponseTimeout is returned when no matching response line arrives
// before the configured response timeout.
var ErrResponseTimeout = errors.New("no matching response")

// Arduino frames commands over a Transport and reads pattern matched
// responses. It is not safe for concurrent use; the command protocol has no
// request IDs, so exchanges on one transport must not interleave.
type Arduino struct {
	name    string
	t       Transport
	timeout time.Duration
	open    bool
}

// NewArduino wraps t. A zero responseTimeout makes response reads block
// until a matching line arrives or the caller's context ends.
func NewArduino(name string, t Transport, responseTimeout time.Duration) *Arduino {
	log.Printf("[%s] serial interface initialized", name)
	return &Arduino{name: name, t: t, timeout: responseTimeout}
}

func (a *Arduino) Name() string { return a.name }

// Transport returns the underlying transport.
func (a *Arduino) Transport() Transport { return a.t }

func (a *Arduino) Open() error {
	if a.open {
		return nil
	}
	log.Printf("[%s] opening serial interface", a.name)
	if err := a.t.Open(); err != nil {
		return err
	}
	a.open = true
	return nil
}

// Close closes the transport. Calling it more than once is harmless.
func (a *Arduino) Close() error {
	if !a.open {
		return nil
	}
	log.Printf("[%s] closing serial interface", a.name)
	a.open = false
	return a.t.Close()
}

// formatCommand renders a command payload as text. Numbers use their
// canonical decimal form.
func formatCommand(payload any) string {
	switch v := payload.(type) {
	case string:
		return v
	case []byte:
		return string(v)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case uint8:
		return strconv.FormatUint(uint64(v), 10)
	case uint64:
		return strconv.FormatUint(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}

// frame terminates a command with exactly one newline.
func frame(cmd string) []byte {
	if !strings.HasSuffix(cmd, "\n") {
		cmd += "\n"
	}
	return []byte(cmd)
}

// SendCommand writes payload as one newline terminated line. The newline
// keeps the firmware from reading two rapidly sent commands as one.
func (a *Arduino) SendCommand(payload any) error {
	cmd := formatCommand(payload)
	log.Printf("[%s] sending command: %s", a.name, strings.TrimRight(cmd, "\r\n"))
	if _, err := a.t.Write(frame(cmd)); err != nil {
		return fmt.Errorf("%s: send %q: %w", a.name, cmd, err)
	}
	return nil
}

// ReadLine reads one line with the Arduino's \r\n terminator stripped.
func (a *Arduino) ReadLine(ctx context.Context) (string, error) {
	b, err := a.t.ReadLine(ctx)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(b), "\r\n"), nil
}

// FindPattern reads lines until one matches pattern in full and returns its
// submatches. Lines that do not match (debug output, leftovers of earlier
// commands) are discarded.
func (a *Arduino) FindPattern(ctx context.Context, pattern *regexp.Regexp) ([]string, error) {
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}
	for {
		line, err := a.ReadLine(ctx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, fmt.Errorf("%s: waiting for %s: %w: %w", a.name, pattern, ErrResponseTimeout, err)
			}
			return nil, fmt.Errorf("%s: waiting for %s: %w", a.name, pattern, err)
		}
		if m := pattern.FindStringSubmatch(line); m != nil && m[0] == line {
			return m, nil
		}
	}
}

type inputResetter interface {
	ResetInputBuffer() error
}

// ResetInput discards unread input when the transport supports it.
func (a *Arduino) ResetInput() error {
	if r, ok := a.t.(inputResetter); ok {
		return r.ResetInputBuffer()
	}
	return nil
}
