// Package pd is the client side of the USB-C power-path controller and PD
// stack. The PD stack itself runs elsewhere; this package tracks what it
// reports per port and forwards the few commands the arbiter and the
// throttle actuator need.
package pd

import "errors"

// RpLevel is the current a source port advertises to an attached sink.
type RpLevel int

const (
	RpUSB RpLevel = iota
	Rp1A5
	Rp3A0
)

func (r RpLevel) String() string {
	switch r {
	case Rp1A5:
		return "1A5"
	case Rp3A0:
		return "3A0"
	default:
		return "USB"
	}
}

// ErrNoPort is returned for a port the controller does not manage.
var ErrNoPort = errors.New("pd: no such port")

// PortState is the last state the PD stack reported for a port.
type PortState struct {
	// Sourcing is true while the port supplies VBUS to an attached device.
	Sourcing bool `json:"sourcing"`
	// Sinking is true while the port's sink path is enabled.
	Sinking bool `json:"sinking"`
	// PD is true when the attached source negotiated a PD contract.
	PD bool `json:"pd"`
	// MilliV and MilliA describe the charge the attached source offers.
	MilliV uint32 `json:"voltage_mv"`
	MilliA uint32 `json:"current_ma"`
}

// Controller is the set of operations the board needs from the PD stack.
type Controller interface {
	IsSourcing(port int) bool
	IsSinking(port int) bool
	EnableSink(port int, on bool) error
	SetSourceCurrent(port int, rp RpLevel) error
	RenegotiateContract(port int) error
}
