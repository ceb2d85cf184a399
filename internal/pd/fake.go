package pd

import "strconv"

// FakeController is a test double for Controller.
type FakeController struct {
	// Ports holds the state returned for each port.
	Ports []PortState

	// Rp records the last advertisement set per port.
	Rp map[int]RpLevel

	// Renegotiations counts contract updates per port.
	Renegotiations map[int]int

	// SinkErr, if set for a port, is returned when enabling its sink path.
	SinkErr map[int]error

	// Calls records every command in order, e.g. "sink:0:on", "rp:1:1A5".
	Calls []string
}

// NewFakeController creates a fake managing n ports.
func NewFakeController(n int) *FakeController {
	return &FakeController{
		Ports:          make([]PortState, n),
		Rp:             map[int]RpLevel{},
		Renegotiations: map[int]int{},
		SinkErr:        map[int]error{},
	}
}

func (f *FakeController) valid(port int) bool { return port >= 0 && port < len(f.Ports) }

// IsSourcing returns the scripted sourcing flag.
func (f *FakeController) IsSourcing(port int) bool {
	return f.valid(port) && f.Ports[port].Sourcing
}

// IsSinking returns the sink flag.
func (f *FakeController) IsSinking(port int) bool {
	return f.valid(port) && f.Ports[port].Sinking
}

// EnableSink records the command and updates the sink flag.
func (f *FakeController) EnableSink(port int, on bool) error {
	if !f.valid(port) {
		return ErrNoPort
	}
	level := "off"
	if on {
		level = "on"
	}
	f.Calls = append(f.Calls, "sink:"+strconv.Itoa(port)+":"+level)
	if on {
		if err := f.SinkErr[port]; err != nil {
			return err
		}
	}
	f.Ports[port].Sinking = on
	return nil
}

// SetSourceCurrent records the advertisement.
func (f *FakeController) SetSourceCurrent(port int, rp RpLevel) error {
	if !f.valid(port) {
		return ErrNoPort
	}
	f.Calls = append(f.Calls, "rp:"+strconv.Itoa(port)+":"+rp.String())
	f.Rp[port] = rp
	return nil
}

// RenegotiateContract counts the request.
func (f *FakeController) RenegotiateContract(port int) error {
	if !f.valid(port) {
		return ErrNoPort
	}
	f.Calls = append(f.Calls, "renegotiate:"+strconv.Itoa(port))
	f.Renegotiations[port]++
	return nil
}
