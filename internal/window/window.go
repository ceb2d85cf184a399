// Package window provides the fixed-size rolling window of power readings
// used by the budget monitor.
package window

import "github.com/asecurityteam/rolling"

// SampleWindow is a fixed-capacity ring of milliwatt readings. It is either
// unprimed (all slots zero) or holds capacity live readings; Push on an
// unprimed window fills every slot with the first reading.
//
// Not safe for concurrent use; the monitor task owns it.
type SampleWindow struct {
	capacity int
	points   *rolling.PointPolicy
	primed   bool
}

// New creates a window holding capacity readings. Capacities below one are
// raised to one.
func New(capacity int) *SampleWindow {
	if capacity < 1 {
		capacity = 1
	}
	return &SampleWindow{
		capacity: capacity,
		points:   rolling.NewPointPolicy(rolling.NewWindow(capacity)),
	}
}

// SizeFor returns the capacity needed to cover span with one reading per tick.
func SizeFor(spanMs, tickMs int) int {
	if tickMs <= 0 || spanMs < tickMs {
		return 1
	}
	return spanMs / tickMs
}

// Capacity returns the number of slots.
func (w *SampleWindow) Capacity() int { return w.capacity }

// Primed reports whether the window holds live readings.
func (w *SampleWindow) Primed() bool { return w.primed }

// Push records a reading, overwriting the oldest.
func (w *SampleWindow) Push(milliW int32) {
	if !w.primed {
		for i := 0; i < w.capacity; i++ {
			w.points.Append(float64(milliW))
		}
		w.primed = true
		return
	}
	w.points.Append(float64(milliW))
}

// Avg returns the integer mean of the window (truncated).
func (w *SampleWindow) Avg() int32 {
	if !w.primed {
		return 0
	}
	return int32(w.points.Reduce(rolling.Sum) / float64(w.capacity))
}

// Max returns the largest reading in the window.
func (w *SampleWindow) Max() int32 {
	if !w.primed {
		return 0
	}
	return int32(w.points.Reduce(rolling.Max))
}

// Reset returns the window to the unprimed state so the next Push re-primes.
func (w *SampleWindow) Reset() {
	for i := 0; i < w.capacity; i++ {
		w.points.Append(0)
	}
	w.primed = false
}
