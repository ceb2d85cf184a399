// Package gpio provides digital pin access with hardware abstraction.
// The real implementation uses the Linux GPIO character device.
// The fake implementation allows testing without hardware.
//
// Levels are logical: a pin configured active-low reads true when the wire
// is driven low.
package gpio

// Input reads a logical pin level.
type Input interface {
	// Active returns the logical level. An error means the level is
	// indeterminate.
	Active() (bool, error)
}

// Output drives a logical pin level.
type Output interface {
	Input
	// SetActive drives the pin to its logical level.
	SetActive(active bool) error
}

// EdgeHandler is called from the GPIO event goroutine on every edge.
// Handlers run in "interrupt context": they must only schedule work.
type EdgeHandler func()

// LineConfig describes one requested line.
type LineConfig struct {
	Offset    int
	ActiveLow bool
	// Initial is the logical level an output starts at.
	Initial bool
	// OnEdge, if set on an input, is called on both edges.
	OnEdge EdgeHandler
}
