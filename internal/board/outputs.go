package board

import (
	"fmt"

	"github.com/sweeney/power-arbiter/internal/gpio"
	"github.com/sweeney/power-arbiter/internal/pd"
	"github.com/sweeney/power-arbiter/internal/power"
)

// Throttles drives the throttle outputs.
type Throttles struct {
	Prochot gpio.Output
	// TypeA holds one current-limit output per Type-A group.
	TypeA []gpio.Output
	PD    pd.Controller
}

// SetProchot drives the CPU throttle line.
func (t *Throttles) SetProchot(asserted bool) error {
	if t.Prochot == nil {
		return fmt.Errorf("prochot output not configured")
	}
	return t.Prochot.SetActive(asserted)
}

// SetTypeALimit drives the group's low-power output.
func (t *Throttles) SetTypeALimit(group int, limited bool) error {
	if group < 0 || group >= len(t.TypeA) {
		return fmt.Errorf("type-a group %d not configured", group)
	}
	return t.TypeA[group].SetActive(limited)
}

// SetSourceCurrent forwards to the PD controller.
func (t *Throttles) SetSourceCurrent(port int, rp pd.RpLevel) error {
	return t.PD.SetSourceCurrent(port, rp)
}

// RenegotiateContract forwards to the PD controller.
func (t *Throttles) RenegotiateContract(port int) error {
	return t.PD.RenegotiateContract(port)
}

// Sinks switches the charge inputs: Type-C ports through the PD controller
// and the adapter slot through its enable line.
type Sinks struct {
	TypeCPorts int
	PD         pd.Controller
	// Adapter enables the adapter's sink path; nil when the board has none.
	Adapter gpio.Output
}

func (s *Sinks) adapterSlot(p power.Port) bool {
	return s.Adapter != nil && int(p) == s.TypeCPorts
}

// IsSourcing reports whether a Type-C port supplies VBUS. The adapter slot
// never sources.
func (s *Sinks) IsSourcing(p power.Port) bool {
	if p < 0 || int(p) >= s.TypeCPorts {
		return false
	}
	return s.PD.IsSourcing(int(p))
}

// EnableSink drives the port's sink path.
func (s *Sinks) EnableSink(p power.Port, on bool) error {
	switch {
	case p >= 0 && int(p) < s.TypeCPorts:
		return s.PD.EnableSink(int(p), on)
	case s.adapterSlot(p):
		return s.Adapter.SetActive(on)
	default:
		return fmt.Errorf("sink %s: %w", p, pd.ErrNoPort)
	}
}

// ObservedSink returns the first port whose sink path is enabled.
func (s *Sinks) ObservedSink() power.Port {
	for p := 0; p < s.TypeCPorts; p++ {
		if s.PD.IsSinking(p) {
			return power.Port(p)
		}
	}
	if s.Adapter != nil {
		if on, err := s.Adapter.Active(); err == nil && on {
			return power.Port(s.TypeCPorts)
		}
	}
	return power.PortNone
}
