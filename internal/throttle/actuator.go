package throttle

import (
	"fmt"

	"github.com/sweeney/power-arbiter/internal/pd"
)

// Outputs is the hardware surface the actuator writes.
type Outputs interface {
	// SetProchot drives the CPU throttle signal.
	SetProchot(asserted bool) error
	// SetTypeALimit restricts (true) or releases a Type-A current-limit group.
	SetTypeALimit(group int, limited bool) error
	// SetSourceCurrent sets the Rp advertisement of a Type-C source port.
	SetSourceCurrent(port int, rp pd.RpLevel) error
	// RenegotiateContract asks the PD stack to update the port's contract.
	RenegotiateContract(port int) error
}

// Actuator maps a single bit transition to a hardware action. It keeps no
// state; applying the same level twice is harmless.
type Actuator struct {
	out Outputs
}

// NewActuator creates an actuator writing to out.
func NewActuator(out Outputs) *Actuator {
	return &Actuator{out: out}
}

// Apply drives the actuator behind b to its asserted or released level.
func (a *Actuator) Apply(b Bit, asserted bool) error {
	switch b.Kind() {
	case KindProchot:
		return a.out.SetProchot(asserted)
	case KindTypeA:
		return a.out.SetTypeALimit(b.Index(), asserted)
	case KindTypeC:
		port := b.Index()
		rp := pd.Rp3A0
		if asserted {
			rp = pd.Rp1A5
		}
		if err := a.out.SetSourceCurrent(port, rp); err != nil {
			return fmt.Errorf("set rp port %d: %w", port, err)
		}
		if err := a.out.RenegotiateContract(port); err != nil {
			return fmt.Errorf("renegotiate port %d: %w", port, err)
		}
		return nil
	default:
		return fmt.Errorf("apply %s: unknown throttle bit", b)
	}
}
