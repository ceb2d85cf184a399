package sensor

import (
	"fmt"
	"sync"

	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
	"tinygo.org/x/drivers"
	"tinygo.org/x/drivers/ina260"
)

// trackingBus remembers the first error of the current read, which the
// driver itself discards.
type trackingBus struct {
	bus drivers.I2C
	err error
}

func (t *trackingBus) Tx(addr uint16, w, r []byte) error {
	err := t.bus.Tx(addr, w, r)
	if err != nil && t.err == nil {
		t.err = err
	}
	return err
}

// INA260 reads a TI INA260 power monitor.
type INA260 struct {
	mu  sync.Mutex
	bus *trackingBus
	dev ina260.Device
}

// NewINA260 creates a sensor at addr on bus. Zero addr uses the part's
// default address.
func NewINA260(bus drivers.I2C, addr uint16) *INA260 {
	tb := &trackingBus{bus: bus}
	dev := ina260.New(tb)
	if addr != 0 {
		dev.Address = addr
	}
	return &INA260{bus: tb, dev: dev}
}

// Connected probes the device ID.
func (s *INA260) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dev.Connected()
}

// BusMilliV returns the bus voltage.
func (s *INA260) BusMilliV() (int32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bus.err = nil
	uv := s.dev.Voltage()
	if s.bus.err != nil {
		return 0, fmt.Errorf("%w: bus voltage: %v", ErrRead, s.bus.err)
	}
	return uv / 1000, nil
}

// ShuntMilliA returns the current through the shunt.
func (s *INA260) ShuntMilliA() (int32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bus.err = nil
	ua := s.dev.Current()
	if s.bus.err != nil {
		return 0, fmt.Errorf("%w: shunt current: %v", ErrRead, s.bus.err)
	}
	return ua / 1000, nil
}

// Closer releases a bus.
type Closer interface {
	Close() error
}

// OpenINA260 opens the named I2C bus ("" for the first one) and probes an
// INA260 on it.
func OpenINA260(busName string, addr uint16) (*INA260, Closer, error) {
	if _, err := host.Init(); err != nil {
		return nil, nil, fmt.Errorf("init host drivers: %w", err)
	}
	bus, err := i2creg.Open(busName)
	if err != nil {
		return nil, nil, fmt.Errorf("open i2c bus %q: %w", busName, err)
	}
	s := NewINA260(bus, addr)
	if !s.Connected() {
		bus.Close()
		return nil, nil, fmt.Errorf("no INA260 at %#x on i2c bus %q", s.dev.Address, busName)
	}
	return s, bus, nil
}
