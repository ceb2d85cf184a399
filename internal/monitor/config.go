package monitor

import (
	"errors"
	"fmt"
	"time"

	"github.com/sweeney/power-arbiter/internal/throttle"
	"github.com/sweeney/power-arbiter/internal/window"
)

// Defaults for a 2 ms loop averaging over 10 ms.
const (
	DefaultFastPeriod      = 2 * time.Millisecond
	DefaultSlowPeriod      = 20 * time.Millisecond
	DefaultWindowSpan      = 10 * time.Millisecond
	DefaultLingerThreshold = 30
)

// Mitigation is one budget throttle with the power it is expected to free.
type Mitigation struct {
	Bit        throttle.Bit
	GainMilliW int32
}

// Load is a consumer on the shared rail, counted while its overcurrent
// input is active.
type Load struct {
	Name   string
	MilliW int32
	Input  Level
	// Group names loads of which only one can run high power at a time;
	// the group's extra is added once when any member is active.
	Group string
	// TypeCPort is the Type-C port this load belongs to, or -1.
	TypeCPort int
}

// Rail describes the shared low-voltage rail.
type Rail struct {
	CapacityMilliW int32
	BaseMilliW     int32
	Loads          []Load
	GroupExtra     map[string]int32
}

// Config tunes the monitor.
type Config struct {
	FastPeriod time.Duration
	SlowPeriod time.Duration
	// WindowSize is the number of readings averaged.
	WindowSize int
	// Priority lists budget mitigations in the order they are applied.
	Priority []Mitigation
	// Relief is the rail power each throttle frees.
	Relief          map[throttle.Bit]int32
	LingerThreshold int
	Rail            Rail
	TypeCPorts      int
	TypeAGroups     int
}

func (c Config) withDefaults() Config {
	if c.FastPeriod <= 0 {
		c.FastPeriod = DefaultFastPeriod
	}
	if c.SlowPeriod <= 0 {
		c.SlowPeriod = DefaultSlowPeriod
	}
	if c.WindowSize <= 0 {
		c.WindowSize = window.SizeFor(int(DefaultWindowSpan/time.Millisecond), int(c.FastPeriod/time.Millisecond))
	}
	if c.LingerThreshold < 0 {
		c.LingerThreshold = 0
	}
	if c.Relief == nil {
		c.Relief = map[throttle.Bit]int32{}
	}
	return c
}

// Validate checks that every configured bit fits the board.
func (c Config) Validate() error {
	if c.TypeCPorts < 0 || c.TypeCPorts > throttle.MaxTypeCPorts {
		return fmt.Errorf("type-c ports %d out of range 0..%d", c.TypeCPorts, throttle.MaxTypeCPorts)
	}
	if c.TypeAGroups < 0 || c.TypeAGroups > throttle.MaxTypeAGroups {
		return fmt.Errorf("type-a groups %d out of range 0..%d", c.TypeAGroups, throttle.MaxTypeAGroups)
	}
	seen := throttle.State(0)
	for _, m := range c.Priority {
		if err := c.checkBit(m.Bit); err != nil {
			return err
		}
		if m.Bit == throttle.Prochot {
			return errors.New("prochot cannot be a budget mitigation")
		}
		if seen.Has(m.Bit) {
			return fmt.Errorf("mitigation %s listed twice", m.Bit)
		}
		seen = seen.With(m.Bit)
	}
	for _, l := range c.Rail.Loads {
		if l.TypeCPort >= c.TypeCPorts {
			return fmt.Errorf("load %s: type-c port %d out of range", l.Name, l.TypeCPort)
		}
	}
	return nil
}

func (c Config) checkBit(b throttle.Bit) error {
	switch b.Kind() {
	case throttle.KindProchot:
		return nil
	case throttle.KindTypeA:
		if b.Index() < c.TypeAGroups {
			return nil
		}
	case throttle.KindTypeC:
		if b.Index() < c.TypeCPorts {
			return nil
		}
	}
	return fmt.Errorf("throttle %s not present on this board", b)
}
