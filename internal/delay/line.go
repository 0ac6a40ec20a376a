package delay

import (
	"fmt"
	"strings"
)

// Line identifies one of the four programmable delay lines on the
// coincidence circuit. The numeric value is the line's column position in
// the calibration table, so the order below must match the table.
type Line int

const (
	CA Line = iota
	WA
	CB
	WB
)

// LineCount is the number of delay lines on the circuit.
const LineCount = 4

var lineNames = [LineCount]string{"CA", "WA", "CB", "WB"}

// Lines returns all delay lines in calibration table order.
func Lines() []Line {
	return []Line{CA, WA, CB, WB}
}

// String returns the wire name used in SD/ID/DD/GD commands.
func (l Line) String() string {
	if !l.Valid() {
		return fmt.Sprintf("Line(%d)", int(l))
	}
	return lineNames[l]
}

// Index is the line's position in the calibration table.
func (l Line) Index() int { return int(l) }

func (l Line) Valid() bool { return l >= 0 && int(l) < LineCount }

// ParseLine maps a name such as "ca" or "WB" to its Line.
func ParseLine(s string) (Line, error) {
	name := strings.ToUpper(strings.TrimSpace(s))
	for i, n := range lineNames {
		if n == name {
			return Line(i), nil
		}
	}
	return 0, fmt.Errorf("unknown delay line %q (want one of %s)", s, strings.Join(lineNames[:], ", "))
}
