// Package arbiter decides which physical input may charge the system and
// drives the sink paths so that at most one is enabled at a time.
package arbiter

import (
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/sweeney/power-arbiter/internal/power"
)

var (
	// ErrInvalidPort is returned for a port number outside the board's range.
	ErrInvalidPort = errors.New("invalid port")
	// ErrInvalidRequest is returned when the request is refused in the
	// current state.
	ErrInvalidRequest = errors.New("invalid charge port request")
	// ErrActuatorFailure is returned when a sink path could not be driven.
	// All sink paths have been switched off.
	ErrActuatorFailure = errors.New("sink path actuation failed")
)

// PortSwitch controls and observes the sink path of every port.
type PortSwitch interface {
	// IsSourcing reports whether the port is currently sourcing VBUS.
	IsSourcing(p power.Port) bool
	// EnableSink drives the port's sink path.
	EnableSink(p power.Port, on bool) error
	// ObservedSink returns the port whose sink path is physically enabled,
	// or PortNone.
	ObservedSink() power.Port
}

// Presence reports whether the dedicated adapter is plugged in.
type Presence interface {
	Present() bool
}

// Listener is told about every change of the active port.
type Listener interface {
	ActivePortChanged(from, to power.Port)
}

// Config describes the board's ports.
type Config struct {
	// TypeCPorts is the number of Type-C ports, numbered from 0.
	TypeCPorts int
	// HasAdapter adds the dedicated adapter slot as port TypeCPorts.
	HasAdapter bool
}

// Ports returns the total number of charge ports.
func (c Config) Ports() int {
	if c.HasAdapter {
		return c.TypeCPorts + 1
	}
	return c.TypeCPorts
}

// AdapterSlot returns the adapter's port number, or PortNone.
func (c Config) AdapterSlot() power.Port {
	if !c.HasAdapter {
		return power.PortNone
	}
	return power.Port(c.TypeCPorts)
}

// Arbiter owns the active charge port.
type Arbiter struct {
	cfg      Config
	sw       PortSwitch
	adapter  Presence
	system   power.SystemStateSource
	listener Listener
	log      *zap.Logger

	mu     sync.Mutex
	active power.Port
}

// New creates an arbiter with no active port. adapter may be nil when the
// board has no adapter slot.
func New(cfg Config, sw PortSwitch, adapter Presence, system power.SystemStateSource, log *zap.Logger) *Arbiter {
	if log == nil {
		log = zap.NewNop()
	}
	return &Arbiter{
		cfg:     cfg,
		sw:      sw,
		adapter: adapter,
		system:  system,
		log:     log,
		active:  power.PortNone,
	}
}

// SetListener registers l for active port changes.
func (a *Arbiter) SetListener(l Listener) {
	a.mu.Lock()
	a.listener = l
	a.mu.Unlock()
}

// Active returns the active charge port.
func (a *Arbiter) Active() power.Port {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active
}

// RequestPort makes p the only port allowed to charge the system.
// PortNone disables charging from every port.
func (a *Arbiter) RequestPort(p power.Port) error {
	a.mu.Lock()
	prev := a.active
	err := a.request(p)
	next := a.active
	l := a.listener
	a.mu.Unlock()

	if l != nil && prev != next {
		l.ActivePortChanged(prev, next)
	}
	return err
}

func (a *Arbiter) request(p power.Port) error {
	log := a.log.With(zap.Stringer("port", p), zap.Stringer("active", a.active))

	if p == power.PortNone {
		for i := 0; i < a.cfg.Ports(); i++ {
			if err := a.sw.EnableSink(power.Port(i), false); err != nil {
				log.Warn("disable sink failed", zap.Int("sink", i), zap.Error(err))
			}
		}
		a.active = power.PortNone
		log.Info("charging disabled on all ports")
		return nil
	}

	if p < 0 || int(p) >= a.cfg.Ports() {
		log.Warn("charge port request out of range", zap.Int("ports", a.cfg.Ports()))
		return ErrInvalidPort
	}

	if p == a.active {
		return nil
	}

	if a.sw.IsSourcing(p) {
		log.Info("refusing to sink on a sourcing port")
		return ErrInvalidRequest
	}

	// TODO: the running-state restriction below blocks moving from a dying
	// source to a good one while the host is up; revisit with the hardware
	// owners once the sink switch is confirmed break-before-make.
	if st := a.system.SystemState(); st != power.SystemOff {
		if a.active != power.PortNone {
			log.Info("charge port change refused while system is on", zap.Stringer("state", st))
			return ErrInvalidRequest
		}
		if observed := a.sw.ObservedSink(); observed != p {
			log.Info("charge port request disagrees with enabled sink",
				zap.Stringer("state", st), zap.Stringer("observed", observed))
			return ErrInvalidRequest
		}
	}

	if p == a.cfg.AdapterSlot() && (a.adapter == nil || !a.adapter.Present()) {
		log.Info("adapter requested but not present")
		return ErrInvalidRequest
	}

	// Disable every other sink before enabling the new one.
	for i := 0; i < a.cfg.Ports(); i++ {
		if power.Port(i) == p {
			continue
		}
		if err := a.sw.EnableSink(power.Port(i), false); err != nil {
			log.Error("disable sink failed", zap.Int("sink", i), zap.Error(err))
			return a.fail()
		}
	}
	if err := a.sw.EnableSink(p, true); err != nil {
		log.Error("enable sink failed", zap.Error(err))
		return a.fail()
	}

	a.active = p
	log.Info("charge port selected")
	return nil
}

// fail drives every sink path off and clears the active port.
func (a *Arbiter) fail() error {
	for i := 0; i < a.cfg.Ports(); i++ {
		if err := a.sw.EnableSink(power.Port(i), false); err != nil {
			a.log.Error("disable sink after failure", zap.Int("sink", i), zap.Error(err))
		}
	}
	a.active = power.PortNone
	return ErrActuatorFailure
}
