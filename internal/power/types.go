// Package power holds the domain types shared by the arbitration and
// throttling components: ports, charge suppliers, ratings and the host
// power state.
package power

import "strconv"

// Port identifies a power input. Type-C ports are numbered 0..N-1; the
// dedicated adapter slot, when present, is numbered N.
type Port int

// PortNone means "no port selected".
const PortNone Port = -1

// String returns "none", or the port number.
func (p Port) String() string {
	if p == PortNone {
		return "none"
	}
	return strconv.Itoa(int(p))
}

// Supplier is the kind of source reporting available charge on a port.
type Supplier int

const (
	SupplierNone Supplier = iota - 1
	SupplierPD
	SupplierTypeC
	SupplierDedicated
)

// SupplierCount is the number of real suppliers (excludes SupplierNone).
const SupplierCount = 3

// Suppliers lists every real supplier in reporting order.
var Suppliers = [SupplierCount]Supplier{SupplierPD, SupplierTypeC, SupplierDedicated}

func (s Supplier) String() string {
	switch s {
	case SupplierPD:
		return "PD"
	case SupplierTypeC:
		return "TYPEC"
	case SupplierDedicated:
		return "DEDICATED"
	default:
		return "NONE"
	}
}

// Rating is the voltage/current capability of a source.
type Rating struct {
	MilliV uint32 `yaml:"voltage_mv" json:"voltage_mv"`
	MilliA uint32 `yaml:"current_ma" json:"current_ma"`
}

// MilliW returns the rating's power in milliwatts.
func (r Rating) MilliW() uint32 {
	return uint32(uint64(r.MilliV) * uint64(r.MilliA) / 1000)
}

// IsZero reports whether the rating carries no power.
func (r Rating) IsZero() bool {
	return r.MilliV == 0 || r.MilliA == 0
}

// SystemState is the host power sequencing state.
type SystemState int

const (
	SystemOff SystemState = iota
	SystemSuspended
	SystemRunning
)

func (s SystemState) String() string {
	switch s {
	case SystemOff:
		return "OFF"
	case SystemSuspended:
		return "SUSPENDED"
	case SystemRunning:
		return "RUNNING"
	default:
		return "UNKNOWN"
	}
}

// SystemStateSource reports the current host power state.
type SystemStateSource interface {
	SystemState() SystemState
}

// SystemStateFunc adapts a function to SystemStateSource.
type SystemStateFunc func() SystemState

// SystemState calls f.
func (f SystemStateFunc) SystemState() SystemState { return f() }
