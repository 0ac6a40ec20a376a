package server

import (
	"github.com/qoptics/coincidence/internal/device"
)

// RateFrame is the JSON structure sent to all WebSocket clients.
type RateFrame struct {
	Counter1     float64       `json:"counter1"`     // 1/s
	Counter2     float64       `json:"counter2"`     // 1/s
	Coincidences float64       `json:"coincidences"` // 1/s
	Relative     *float64      `json:"relative"`     // null while a counter reads zero
	Last         device.Counts `json:"last"`
	Samples      int           `json:"samples"`
	Window       int           `json:"window"`
	Stamp        int64         `json:"stamp"` // Unix ms
}

// rateWindow keeps the last size measurements and averages them into rates.
type rateWindow struct {
	size    int
	seconds int
	buf     []device.Counts
}

func newRateWindow(size, seconds int) *rateWindow {
	if size < 1 {
		size = 1
	}
	if seconds < 1 {
		seconds = 1
	}
	return &rateWindow{size: size, seconds: seconds}
}

// add appends c, dropping the oldest measurement once the window is full.
func (w *rateWindow) add(c device.Counts) {
	w.buf = append(w.buf, c)
	if len(w.buf) > w.size {
		w.buf = w.buf[len(w.buf)-w.size:]
	}
}

func (w *rateWindow) full() bool { return len(w.buf) == w.size }

// frame averages the window into rates per second. Relative is the
// coincidence count normalized by the product of the singles, scaled by
// the number of measurements.
func (w *rateWindow) frame() RateFrame {
	f := RateFrame{Samples: len(w.buf), Window: w.size}
	if len(w.buf) == 0 {
		return f
	}
	var s1, s2, sc float64
	for _, c := range w.buf {
		s1 += float64(c.Counter1)
		s2 += float64(c.Counter2)
		sc += float64(c.Coincidences)
	}
	total := float64(len(w.buf) * w.seconds)
	f.Counter1 = s1 / total
	f.Counter2 = s2 / total
	f.Coincidences = sc / total
	if s1 > 0 && s2 > 0 {
		rel := float64(len(w.buf)) * sc / (s1 * s2)
		f.Relative = &rel
	}
	f.Last = w.buf[len(w.buf)-1]
	return f
}
